package redirectory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/thejohnfreeman/redirectory/internal/hosting"
)

// The revision record rides inside the release body as an HTML comment, so
// the release page stays human-readable while the record survives next to
// the assets it describes. Text around the comment is preserved on rewrite.
const (
	metadataOpen  = "<!--redirectory"
	metadataClose = "-->"
	metadataNote  = "Do not edit or remove this comment.\n"

	// A body that is nothing but a comment would render as the comment
	// itself; this prefix renders as whitespace instead.
	defaultBodyPrefix = "&nbsp;\n"
)

const metadataSchema = 1

// releaseMetadata is the durable record of every revision under one
// release, in creation order. The hosting side has no inherent asset
// ordering, so "latest" is defined by this record alone.
type releaseMetadata struct {
	Schema    int             `json:"schema"`
	Revisions []*recipeRecord `json:"revisions"`
}

type recipeRecord struct {
	ID       string           `json:"id"`
	Hash     string           `json:"hash"`
	Time     time.Time        `json:"time"`
	Packages []*packageRecord `json:"packages,omitempty"`
}

type packageRecord struct {
	ID          string              `json:"id"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Revisions   []*packageRevRecord `json:"revisions"`
}

type packageRevRecord struct {
	ID   string    `json:"id"`
	Hash string    `json:"hash"`
	Time time.Time `json:"time"`
}

func (m *releaseMetadata) findRecipe(id string) *recipeRecord {
	for _, r := range m.Revisions {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// latestRecipe returns the most recently created revision, nil when none.
func (m *releaseMetadata) latestRecipe() *recipeRecord {
	if len(m.Revisions) == 0 {
		return nil
	}
	return m.Revisions[len(m.Revisions)-1]
}

func (r *recipeRecord) findPackage(pkgID string) *packageRecord {
	for _, p := range r.Packages {
		if p.ID == pkgID {
			return p
		}
	}
	return nil
}

func (p *packageRecord) findRevision(id string) *packageRevRecord {
	for _, rev := range p.Revisions {
		if rev.ID == id {
			return rev
		}
	}
	return nil
}

func (p *packageRecord) latestRevision() *packageRevRecord {
	if len(p.Revisions) == 0 {
		return nil
	}
	return p.Revisions[len(p.Revisions)-1]
}

var metadataPattern = regexp.MustCompile(`(?s)\A(.*)<!--\s*redirectory\s*(.*?)\s*-->(.*)\z`)

// parseMetadata extracts the revision record from a release body. A body
// without the comment means no revisions were recorded yet; the whole body
// becomes the preserved prefix.
func parseMetadata(body string) (meta *releaseMetadata, prefix, suffix string, err error) {
	match := metadataPattern.FindStringSubmatch(body)
	if match == nil {
		prefix = body
		if prefix == "" {
			prefix = defaultBodyPrefix
		}
		return &releaseMetadata{Schema: metadataSchema}, prefix, "", nil
	}
	prefix, suffix = match[1], match[3]
	comment := match[2]
	if i := strings.Index(comment, "{"); i >= 0 {
		comment = comment[i:]
	}
	meta = &releaseMetadata{}
	if err := json.Unmarshal([]byte(comment), meta); err != nil {
		return nil, "", "", fmt.Errorf("%w: bad metadata comment", ErrCorruptAsset)
	}
	if meta.Schema == 0 {
		meta.Schema = metadataSchema
	}
	return meta, prefix, suffix, nil
}

// renderMetadata rebuilds a release body, keeping the text that surrounded
// the comment.
func renderMetadata(meta *releaseMetadata, prefix, suffix string) (string, error) {
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return prefix + metadataOpen + "\n" + metadataNote + string(encoded) + "\n" + metadataClose + suffix, nil
}

// arena is the per-reference-version shared state: the cached release
// handle and the parsed revision record. Its mutex scopes contention to one
// reference+version; there is no global lock.
type arena struct {
	mu      sync.Mutex
	release *hosting.Release
	meta    *releaseMetadata
	prefix  string
	suffix  string
}

// invalidate drops cached state so the next operation refetches.
func (a *arena) invalidate() {
	a.release = nil
	a.meta = nil
	a.prefix = ""
	a.suffix = ""
}
