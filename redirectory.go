package redirectory

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/thejohnfreeman/redirectory/internal/hosting"
	"github.com/thejohnfreeman/redirectory/internal/logging"
)

// Registry is the translation layer between package-manager revision
// semantics and the hosting service's tag/release/asset primitives.
type Registry struct {
	host        hosting.Host
	log         logging.Logger
	concurrency int
	now         func() time.Time

	mu     sync.Mutex
	arenas map[Reference]*arena
}

// New creates a Registry backed by host.
func New(host hosting.Host, opts ...Option) *Registry {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Registry{
		host:        host,
		log:         options.Logger,
		concurrency: options.Concurrency,
		now:         options.Now,
		arenas:      make(map[Reference]*arena),
	}
}

// arena returns the shared state for one reference+version, creating it on
// first use.
func (r *Registry) arena(ref Reference) *arena {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.arenas[ref]
	if !ok {
		a = &arena{}
		r.arenas[ref] = a
	}
	return a
}

func (r *Registry) dropArena(ref Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.arenas, ref)
}

// UploadRecipe stores a recipe bundle for ref. Uploads are idempotent by
// content: re-uploading identical bytes reuses the existing revision id and
// writes nothing.
func (r *Registry) UploadRecipe(ctx context.Context, ref Reference, bundle Bundle) (UploadResult, error) {
	if err := ref.Validate(); err != nil {
		return UploadResult{}, err
	}
	hash := bundle.ManifestHash()
	rid := RevisionID(hash)

	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := r.loadRelease(ctx, ref, a, true); err != nil {
		return UploadResult{}, err
	}

	if rec := a.meta.findRecipe(rid); rec != nil {
		if rec.Hash != hash {
			// Content-derived ids collide only when distinct content maps
			// to the same short id. Never merge silently.
			return UploadResult{}, fmt.Errorf("%w: recipe revision %s of %s has different content", ErrAssetExists, rid, ref)
		}
		return UploadResult{RevisionID: rid, AlreadyPresent: true}, nil
	}

	data, err := bundle.Pack()
	if err != nil {
		return UploadResult{}, err
	}
	name := recipeAssetName(rid)
	if _, err := r.host.UploadAsset(ctx, ref.Repo(), a.release.ID, name, data); err != nil {
		// An orphaned asset from an interrupted upload carries the same
		// content (the name is content-derived), so the write is done.
		if !errors.Is(err, hosting.ErrAssetExists) {
			return UploadResult{}, fmt.Errorf("upload %s: %w", ref, err)
		}
	}

	// The ordering record is appended only after the asset write, so a
	// reader that observes the revision always finds its asset.
	a.meta.Revisions = append(a.meta.Revisions, &recipeRecord{
		ID:   rid,
		Hash: hash,
		Time: r.now().UTC(),
	})
	if err := r.saveMetadata(ctx, ref, a); err != nil {
		return UploadResult{}, err
	}

	r.log.Info(ctx, "recipe uploaded", "reference", ref.String(), "revision", rid)
	return UploadResult{RevisionID: rid}, nil
}

// UploadPackage stores a binary bundle built from recipe revision rrev
// (empty means latest) for the settings combination pkgID. The recipe
// revision must already exist.
func (r *Registry) UploadPackage(ctx context.Context, ref Reference, rrev, pkgID, fingerprint string, bundle Bundle) (UploadResult, error) {
	if err := ref.Validate(); err != nil {
		return UploadResult{}, err
	}
	if pkgID == "" || strings.ContainsAny(pkgID, "/@") {
		return UploadResult{}, fmt.Errorf("%w: package id %q", ErrMalformedReference, pkgID)
	}
	hash := bundle.ManifestHash()
	prev := RevisionID(hash)

	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		if errors.Is(err, ErrReferenceNotFound) {
			return UploadResult{}, fmt.Errorf("%w: %s", ErrRecipeRevisionRequired, ref)
		}
		return UploadResult{}, err
	}

	var rec *recipeRecord
	if rrev == "" {
		rec = a.meta.latestRecipe()
	} else {
		rec = a.meta.findRecipe(rrev)
	}
	if rec == nil {
		return UploadResult{}, fmt.Errorf("%w: %s#%s", ErrRecipeRevisionRequired, ref, rrev)
	}

	pkg := rec.findPackage(pkgID)
	if pkg != nil {
		if existing := pkg.findRevision(prev); existing != nil {
			if existing.Hash != hash {
				return UploadResult{}, fmt.Errorf("%w: package revision %s of %s:%s has different content", ErrAssetExists, prev, ref, pkgID)
			}
			return UploadResult{RevisionID: prev, AlreadyPresent: true}, nil
		}
	}

	data, err := bundle.Pack()
	if err != nil {
		return UploadResult{}, err
	}
	name := packageAssetName(prev, pkgID)
	if _, err := r.host.UploadAsset(ctx, ref.Repo(), a.release.ID, name, data); err != nil {
		if !errors.Is(err, hosting.ErrAssetExists) {
			return UploadResult{}, fmt.Errorf("upload %s:%s: %w", ref, pkgID, err)
		}
	}

	if pkg == nil {
		pkg = &packageRecord{ID: pkgID, Fingerprint: fingerprint}
		rec.Packages = append(rec.Packages, pkg)
	}
	pkg.Revisions = append(pkg.Revisions, &packageRevRecord{
		ID:   prev,
		Hash: hash,
		Time: r.now().UTC(),
	})
	if err := r.saveMetadata(ctx, ref, a); err != nil {
		return UploadResult{}, err
	}

	r.log.Info(ctx, "package uploaded",
		"reference", ref.String(), "recipe_revision", rec.ID, "package_id", pkgID, "revision", prev)
	return UploadResult{RevisionID: prev}, nil
}

// DownloadRecipe fetches the recipe bundle for ref at revision rrev (empty
// means latest) and verifies its checksum.
func (r *Registry) DownloadRecipe(ctx context.Context, ref Reference, rrev string) (Bundle, RecipeRevision, error) {
	rec, releaseID, err := r.resolveRecipe(ctx, ref, rrev)
	if err != nil {
		return nil, RecipeRevision{}, err
	}
	bundle, err := r.fetchVerified(ctx, ref, releaseID, recipeAssetName(rec.ID), rec.Hash, ErrRevisionNotFound)
	if err != nil {
		return nil, RecipeRevision{}, err
	}
	return bundle, recipeRevisionOf(ref, rec), nil
}

// DownloadPackage fetches the binary bundle for pkgID under recipe revision
// rrev at package revision prev (either empty means latest).
func (r *Registry) DownloadPackage(ctx context.Context, ref Reference, rrev, pkgID, prev string) (Bundle, PackageRevision, error) {
	rec, pkgRev, releaseID, err := r.resolvePackage(ctx, ref, rrev, pkgID, prev)
	if err != nil {
		return nil, PackageRevision{}, err
	}
	bundle, err := r.fetchVerified(ctx, ref, releaseID, packageAssetName(pkgRev.rev.ID, pkgID), pkgRev.rev.Hash, ErrPackageNotFound)
	if err != nil {
		return nil, PackageRevision{}, err
	}
	return bundle, packageRevisionOf(ref, rec, pkgRev), nil
}

// ListRecipeRevisions returns ref's recipe revisions in creation order.
func (r *Registry) ListRecipeRevisions(ctx context.Context, ref Reference) ([]RecipeRevision, error) {
	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		return nil, err
	}
	if len(a.meta.Revisions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
	}
	revisions := make([]RecipeRevision, 0, len(a.meta.Revisions))
	for _, rec := range a.meta.Revisions {
		revisions = append(revisions, recipeRevisionOf(ref, rec))
	}
	return revisions, nil
}

// LatestRecipeRevision resolves "latest": the most recently created recipe
// revision, by the index's explicit creation order.
func (r *Registry) LatestRecipeRevision(ctx context.Context, ref Reference) (RecipeRevision, error) {
	rec, _, err := r.resolveRecipe(ctx, ref, "")
	if err != nil {
		return RecipeRevision{}, err
	}
	return recipeRevisionOf(ref, rec), nil
}

// ListPackageRevisions returns the revisions of pkgID under recipe revision
// rrev (empty means latest), in creation order.
func (r *Registry) ListPackageRevisions(ctx context.Context, ref Reference, rrev, pkgID string) ([]PackageRevision, error) {
	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		return nil, err
	}
	rec, err := resolveRecipeRecord(a.meta, ref, rrev)
	if err != nil {
		return nil, err
	}
	pkg := rec.findPackage(pkgID)
	if pkg == nil || len(pkg.Revisions) == 0 {
		return nil, fmt.Errorf("%w: %s:%s", ErrPackageNotFound, ref, pkgID)
	}
	revisions := make([]PackageRevision, 0, len(pkg.Revisions))
	for _, rev := range pkg.Revisions {
		revisions = append(revisions, packageRevisionOf(ref, rec, pkgEntry{pkg: pkg, rev: rev}))
	}
	return revisions, nil
}

// LatestPackageRevision resolves the most recently created revision of
// pkgID under recipe revision rrev.
func (r *Registry) LatestPackageRevision(ctx context.Context, ref Reference, rrev, pkgID string) (PackageRevision, error) {
	rec, pkgRev, _, err := r.resolvePackage(ctx, ref, rrev, pkgID, "")
	if err != nil {
		return PackageRevision{}, err
	}
	return packageRevisionOf(ref, rec, pkgRev), nil
}

// RemovePackageRevision deletes one package revision: its asset and its
// index record. Removing an absent revision is a no-op.
func (r *Registry) RemovePackageRevision(ctx context.Context, ref Reference, rrev, pkgID, prev string) error {
	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		if errors.Is(err, ErrReferenceNotFound) {
			return nil
		}
		return err
	}
	rec := a.meta.findRecipe(rrev)
	if rec == nil {
		return nil
	}
	pkg := rec.findPackage(pkgID)
	if pkg == nil || pkg.findRevision(prev) == nil {
		return nil
	}

	if asset, err := r.findAsset(ctx, ref, a.release.ID, packageAssetName(prev, pkgID)); err == nil {
		if err := r.host.DeleteAsset(ctx, ref.Repo(), asset.ID); err != nil {
			return fmt.Errorf("remove %s:%s#%s: %w", ref, pkgID, prev, err)
		}
	} else if !errors.Is(err, hosting.ErrNotFound) {
		return err
	}

	for i, rev := range pkg.Revisions {
		if rev.ID == prev {
			pkg.Revisions = append(pkg.Revisions[:i], pkg.Revisions[i+1:]...)
			break
		}
	}
	if len(pkg.Revisions) == 0 {
		for i, p := range rec.Packages {
			if p.ID == pkgID {
				rec.Packages = append(rec.Packages[:i], rec.Packages[i+1:]...)
				break
			}
		}
	}
	if err := r.saveMetadata(ctx, ref, a); err != nil {
		return err
	}
	r.log.Info(ctx, "package revision removed",
		"reference", ref.String(), "package_id", pkgID, "revision", prev)
	return nil
}

// RemoveBinaries deletes every binary asset for ref, leaving recipe
// revisions and the release intact. A no-op when nothing is published.
func (r *Registry) RemoveBinaries(ctx context.Context, ref Reference) error {
	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		if errors.Is(err, ErrReferenceNotFound) {
			return nil
		}
		return err
	}

	assets, err := r.host.ListAssets(ctx, ref.Repo(), a.release.ID)
	if err != nil {
		return err
	}

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	deleted := 0
	for _, asset := range assets {
		if !isPackageAsset(asset.Name) {
			continue
		}
		deleted++
		p.Go(func(ctx context.Context) error {
			return r.host.DeleteAsset(ctx, ref.Repo(), asset.ID)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("remove binaries for %s: %w", ref, err)
	}

	for _, rec := range a.meta.Revisions {
		rec.Packages = nil
	}
	if err := r.saveMetadata(ctx, ref, a); err != nil {
		return err
	}
	r.log.Info(ctx, "binaries removed", "reference", ref.String(), "assets", deleted)
	return nil
}

// RemoveAll deletes the reference+version entirely: the release, every
// asset, every recorded revision, and the tag. A no-op when nothing is
// published.
func (r *Registry) RemoveAll(ctx context.Context, ref Reference) error {
	a := r.arena(ref)
	a.mu.Lock()

	err := func() error {
		if err := r.loadRelease(ctx, ref, a, false); err != nil {
			if errors.Is(err, ErrReferenceNotFound) {
				return nil
			}
			return err
		}
		if err := r.host.DeleteRelease(ctx, ref.Repo(), a.release.ID); err != nil {
			return fmt.Errorf("remove %s: %w", ref, err)
		}
		tag, err := tagName(ref)
		if err != nil {
			return err
		}
		if err := r.host.DeleteRef(ctx, ref.Repo(), tag); err != nil {
			return fmt.Errorf("remove tag for %s: %w", ref, err)
		}
		r.log.Info(ctx, "reference removed", "reference", ref.String())
		return nil
	}()

	a.invalidate()
	a.mu.Unlock()
	r.dropArena(ref)
	return err
}

// Search returns references matching pattern. A bare name matches by
// substring; a "name/version" pattern may use '*' wildcards.
func (r *Registry) Search(ctx context.Context, pattern string) ([]Reference, error) {
	namePart := pattern
	if i := strings.IndexAny(pattern, "/@"); i >= 0 {
		namePart = pattern[:i]
	}
	// The hosting query is a plain substring: everything up to the first
	// wildcard. "zl*b" queries "zl"; matchReference applies the wildcard.
	if i := strings.IndexByte(namePart, '*'); i >= 0 {
		namePart = namePart[:i]
	}

	found, err := r.host.SearchReleases(ctx, namePart)
	if err != nil {
		return nil, err
	}

	var refs []Reference
	for _, result := range found {
		ref := Reference{
			Name:    result.Repo.Name,
			Version: result.Tag,
			Owner:   result.Repo.Owner,
			Channel: "github",
		}
		ok, err := matchReference(pattern, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func matchReference(pattern string, ref Reference) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	if !strings.ContainsAny(pattern, "/@") {
		if !strings.Contains(pattern, "*") {
			return strings.Contains(ref.Name, pattern), nil
		}
		ok, err := path.Match(pattern, ref.Name)
		if err != nil {
			return false, fmt.Errorf("%w: bad search pattern %q", ErrMalformedReference, pattern)
		}
		return ok, nil
	}
	target := ref.Name + "/" + ref.Version
	if strings.Contains(pattern, "@") {
		target = ref.String()
	}
	ok, err := path.Match(pattern, target)
	if err != nil {
		return false, fmt.Errorf("%w: bad search pattern %q", ErrMalformedReference, pattern)
	}
	return ok, nil
}

// resolveRecipe locks the arena just long enough to resolve the revision
// record, so downloads of the asset itself never block uploads.
func (r *Registry) resolveRecipe(ctx context.Context, ref Reference, rrev string) (*recipeRecord, int64, error) {
	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		return nil, 0, err
	}
	rec, err := resolveRecipeRecord(a.meta, ref, rrev)
	if err != nil {
		return nil, 0, err
	}
	return rec, a.release.ID, nil
}

type pkgEntry struct {
	pkg *packageRecord
	rev *packageRevRecord
}

func (r *Registry) resolvePackage(ctx context.Context, ref Reference, rrev, pkgID, prev string) (*recipeRecord, pkgEntry, int64, error) {
	a := r.arena(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := r.loadRelease(ctx, ref, a, false); err != nil {
		return nil, pkgEntry{}, 0, err
	}
	rec, err := resolveRecipeRecord(a.meta, ref, rrev)
	if err != nil {
		return nil, pkgEntry{}, 0, err
	}
	pkg := rec.findPackage(pkgID)
	if pkg == nil {
		return nil, pkgEntry{}, 0, fmt.Errorf("%w: %s:%s", ErrPackageNotFound, ref, pkgID)
	}
	var rev *packageRevRecord
	if prev == "" {
		rev = pkg.latestRevision()
		if rev == nil {
			return nil, pkgEntry{}, 0, fmt.Errorf("%w: %s:%s", ErrPackageNotFound, ref, pkgID)
		}
	} else {
		rev = pkg.findRevision(prev)
		if rev == nil {
			return nil, pkgEntry{}, 0, fmt.Errorf("%w: %s:%s#%s", ErrRevisionNotFound, ref, pkgID, prev)
		}
	}
	return rec, pkgEntry{pkg: pkg, rev: rev}, a.release.ID, nil
}

func resolveRecipeRecord(meta *releaseMetadata, ref Reference, rrev string) (*recipeRecord, error) {
	if rrev == "" {
		rec := meta.latestRecipe()
		if rec == nil {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		return rec, nil
	}
	rec := meta.findRecipe(rrev)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s#%s", ErrRevisionNotFound, ref, rrev)
	}
	return rec, nil
}

// fetchVerified downloads an asset and checks its bytes against the
// recorded manifest hash. A mismatch is retried once against the hosting
// service before failing with ErrCorruptAsset.
func (r *Registry) fetchVerified(ctx context.Context, ref Reference, releaseID int64, name, wantHash string, missing error) (Bundle, error) {
	asset, err := r.findAsset(ctx, ref, releaseID, name)
	if err != nil {
		if errors.Is(err, hosting.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no asset %s", missing, ref, name)
		}
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		data, err := r.host.DownloadAsset(ctx, ref.Repo(), asset.ID)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", name, err)
		}
		bundle, err := UnpackBundle(data)
		if err == nil && bundle.ManifestHash() == wantHash {
			return bundle, nil
		}
		if attempt > 0 {
			r.log.Error(ctx, "asset failed checksum twice",
				"reference", ref.String(), "asset", name)
			return nil, fmt.Errorf("%w: %s", ErrCorruptAsset, name)
		}
		r.log.Warn(ctx, "asset failed checksum, refetching",
			"reference", ref.String(), "asset", name)
	}
}

func recipeRevisionOf(ref Reference, rec *recipeRecord) RecipeRevision {
	return RecipeRevision{Ref: ref, ID: rec.ID, ManifestHash: rec.Hash, Time: rec.Time}
}

func packageRevisionOf(ref Reference, rec *recipeRecord, entry pkgEntry) PackageRevision {
	return PackageRevision{
		Recipe:       recipeRevisionOf(ref, rec),
		PackageID:    entry.pkg.ID,
		Fingerprint:  entry.pkg.Fingerprint,
		ID:           entry.rev.ID,
		ManifestHash: entry.rev.Hash,
		Time:         entry.rev.Time,
	}
}
