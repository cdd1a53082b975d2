package redirectory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/thejohnfreeman/redirectory/internal/hosting"
)

// tagName derives the hosting-side tag for a reference: the URL-escaped
// version, wrapped in the channel's stream affixes.
func tagName(ref Reference) (string, error) {
	prefix, suffix, err := ref.stream()
	if err != nil {
		return "", err
	}
	return url.PathEscape(prefix) + url.PathEscape(ref.Version) + url.PathEscape(suffix), nil
}

// Asset names encode the revision they carry, so a release's contents can
// be classified from a bare listing.
const (
	recipeAssetPrefix  = "recipe-"
	packageAssetPrefix = "pkg-"
	assetSuffix        = ".tgz"
)

func recipeAssetName(rrev string) string {
	return recipeAssetPrefix + rrev + assetSuffix
}

func packageAssetName(prev, pkgID string) string {
	return packageAssetPrefix + prev + "-" + pkgID + assetSuffix
}

func isPackageAsset(name string) bool {
	return strings.HasPrefix(name, packageAssetPrefix)
}

// loadRelease fills the arena from the hosting service if it is not already
// cached. With create=false a missing release reports ErrReferenceNotFound;
// with create=true the tag ref (at the default-branch head) and the release
// are created on demand.
func (r *Registry) loadRelease(ctx context.Context, ref Reference, a *arena, create bool) error {
	if a.release != nil && a.meta != nil {
		return nil
	}

	tag, err := tagName(ref)
	if err != nil {
		return err
	}
	repo := ref.Repo()

	release, err := r.host.GetReleaseByTag(ctx, repo, tag)
	switch {
	case err == nil:
	case errors.Is(err, hosting.ErrNotFound):
		if !create {
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		release, err = r.createRelease(ctx, ref, repo, tag)
		if err != nil {
			return err
		}
	default:
		return err
	}

	meta, prefix, suffix, err := parseMetadata(release.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}

	a.release = release
	a.meta = meta
	a.prefix = prefix
	a.suffix = suffix
	return nil
}

func (r *Registry) createRelease(ctx context.Context, ref Reference, repo hosting.Repo, tag string) (*hosting.Release, error) {
	head, err := r.host.DefaultBranchHead(ctx, repo)
	if err != nil {
		if errors.Is(err, hosting.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		return nil, err
	}
	if err := r.host.EnsureRef(ctx, repo, tag, head); err != nil {
		// A ref pointing elsewhere is fine: the version was tagged before,
		// possibly by hand. The release attaches to it either way.
		if !errors.Is(err, hosting.ErrRefConflict) {
			return nil, err
		}
	}
	release, err := r.host.EnsureRelease(ctx, repo, tag)
	if err != nil {
		return nil, err
	}
	r.log.Info(ctx, "release created", "reference", ref.String(), "tag", tag)
	return release, nil
}

// saveMetadata writes the arena's revision record back to the release body.
func (r *Registry) saveMetadata(ctx context.Context, ref Reference, a *arena) error {
	body, err := renderMetadata(a.meta, a.prefix, a.suffix)
	if err != nil {
		return err
	}
	if err := r.host.UpdateReleaseBody(ctx, ref.Repo(), a.release.ID, body); err != nil {
		return fmt.Errorf("update metadata for %s: %w", ref, err)
	}
	a.release.Body = body
	return nil
}

// findAsset locates a release asset by name.
func (r *Registry) findAsset(ctx context.Context, ref Reference, releaseID int64, name string) (*hosting.Asset, error) {
	assets, err := r.host.ListAssets(ctx, ref.Repo(), releaseID)
	if err != nil {
		return nil, err
	}
	for i := range assets {
		if assets[i].Name == name {
			return &assets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: asset %s", hosting.ErrNotFound, name)
}
