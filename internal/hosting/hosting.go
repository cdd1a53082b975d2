// Package hosting wraps the external hosting service's release primitives.
//
// The registry persists everything through four families of operations:
// refs, releases, assets, and search. Every call is a fallible remote
// operation retried with bounded exponential backoff; after the retries are
// exhausted a call fails with ErrUnavailable.
package hosting

import (
	"context"
	"errors"
)

// Sentinel errors shared by all Host implementations. Match with errors.Is.
var (
	// ErrNotFound reports a missing ref, release, or asset.
	ErrNotFound = errors.New("hosting: not found")

	// ErrRefConflict reports a ref that already exists and points at a
	// different commit. Never auto-resolved.
	ErrRefConflict = errors.New("hosting: ref conflict")

	// ErrAssetExists reports an asset name already present on the release.
	// The caller decides whether the existing content makes this a no-op.
	ErrAssetExists = errors.New("hosting: asset exists")

	// ErrUnavailable reports a transient failure that survived the retry
	// budget.
	ErrUnavailable = errors.New("hosting: unavailable")
)

// Repo identifies a repository on the hosting service.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// Release is the hosting-side storage unit for one reference+version.
type Release struct {
	ID   int64
	Tag  string
	Body string
}

// Asset is one blob attached to a release.
type Asset struct {
	ID          int64
	Name        string
	Size        int64
	DownloadURL string
}

// SearchResult is one discoverable release.
type SearchResult struct {
	Repo Repo
	Tag  string
}

// Host exposes the hosting service's primitives. Implementations own
// idempotency and backoff for these calls only; everything above them is
// the registry's business.
type Host interface {
	// EnsureRef creates the tag ref if absent. If it exists and already
	// points at commit, EnsureRef succeeds as a no-op; if it points
	// elsewhere, it fails with ErrRefConflict.
	EnsureRef(ctx context.Context, repo Repo, tag, commit string) error

	// DeleteRef removes the tag ref. Deleting an absent ref is a no-op.
	DeleteRef(ctx context.Context, repo Repo, tag string) error

	// EnsureRelease finds or creates the release for tag. Concurrent
	// creators converge on the same release.
	EnsureRelease(ctx context.Context, repo Repo, tag string) (*Release, error)

	// GetReleaseByTag returns the release for tag, or ErrNotFound.
	GetReleaseByTag(ctx context.Context, repo Repo, tag string) (*Release, error)

	// UpdateReleaseBody replaces the release's body text.
	UpdateReleaseBody(ctx context.Context, repo Repo, releaseID int64, body string) error

	// DeleteRelease removes the release and every asset attached to it.
	// Deleting an absent release is a no-op.
	DeleteRelease(ctx context.Context, repo Repo, releaseID int64) error

	// UploadAsset attaches a named blob to the release. It fails with
	// ErrAssetExists if the name is already taken.
	UploadAsset(ctx context.Context, repo Repo, releaseID int64, name string, data []byte) (*Asset, error)

	ListAssets(ctx context.Context, repo Repo, releaseID int64) ([]Asset, error)
	DownloadAsset(ctx context.Context, repo Repo, assetID int64) ([]byte, error)

	// DeleteAsset removes one asset. Deleting an absent asset is a no-op.
	DeleteAsset(ctx context.Context, repo Repo, assetID int64) error

	// DefaultBranchHead returns the commit sha at the tip of the
	// repository's default branch.
	DefaultBranchHead(ctx context.Context, repo Repo) (string, error)

	// SearchReleases finds releases whose repository name matches query.
	SearchReleases(ctx context.Context, query string) ([]SearchResult, error)
}

type tokenKey struct{}

// WithToken attaches a caller-supplied hosting credential to ctx.
// Credentials are opaque here; issuing them is the client's business.
func WithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the credential attached by WithToken, if any.
func TokenFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok && token != ""
}
