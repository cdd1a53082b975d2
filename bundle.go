package redirectory

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
)

const digestPrefix = "sha256:"

// Bundle is a set of files keyed by relative path: recipe sources or the
// contents of one built binary.
type Bundle map[string][]byte

// Paths returns the bundle's paths in canonical (bytewise sorted) order.
func (b Bundle) Paths() []string {
	paths := make([]string, 0, len(b))
	for p := range b {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ManifestHash computes the bundle's content manifest hash.
//
// Scheme v1, fixed: for each file in canonical path order, one line
// "path NUL hex(sha256(bytes)) LF"; the manifest hash is the sha256 of the
// concatenated lines, rendered "sha256:<hex>". Revision ids are derived
// from this digest, so any change to the scheme needs a new version that
// cannot collide with v1 ids.
func (b Bundle) ManifestHash() string {
	h := sha256.New()
	for _, path := range b.Paths() {
		sum := sha256.Sum256(b[path])
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write([]byte(hex.EncodeToString(sum[:])))
		h.Write([]byte{'\n'})
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil))
}

// RevisionID derives the short content-derived revision identifier from a
// manifest hash. Ids need no central counter: identical content always
// derives the same id, distinct content practically never collides, and the
// upload pipeline checks the full hash on the off chance it does.
func RevisionID(manifestHash string) string {
	const idLen = 12
	hash := manifestHash
	if len(hash) > len(digestPrefix) && hash[:len(digestPrefix)] == digestPrefix {
		hash = hash[len(digestPrefix):]
	}
	if len(hash) < idLen {
		return hash
	}
	return hash[:idLen]
}

// Pack encodes the bundle as a gzip-compressed tarball, files in canonical
// order so identical bundles pack to identical archives.
func (b Bundle) Pack() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, path := range b.Paths() {
		data := b[path]
		hdr := &tar.Header{
			Name:    path,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("pack %s: %w", path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("pack %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackBundle decodes a bundle packed by Pack.
func UnpackBundle(data []byte) (Bundle, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	defer gz.Close()

	bundle := make(Bundle)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", hdr.Name, err)
		}
		bundle[hdr.Name] = content
	}
	return bundle, nil
}
