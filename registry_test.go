package redirectory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thejohnfreeman/redirectory/internal/hosting"
)

var testRef = Reference{Name: "zlib", Version: "1.2.13", Channel: "github", Owner: "thejohnfreeman"}

func newTestRegistry(t *testing.T) (*Registry, *hosting.Memory) {
	t.Helper()
	host := hosting.NewMemory()
	return New(host), host
}

func recipeBundle(marker string) Bundle {
	return Bundle{
		"conanfile.py":  []byte("class Zlib:\n    # " + marker + "\n    pass\n"),
		"conandata.yml": []byte("sources: {}\n"),
	}
}

func binaryBundle(marker string) Bundle {
	return Bundle{
		"lib/libz.a":    []byte("binary " + marker),
		"conaninfo.txt": []byte("[settings]\nos=Linux\n"),
	}
}

func listAssets(t *testing.T, host *hosting.Memory, ref Reference) []hosting.Asset {
	t.Helper()
	ctx := context.Background()
	release, err := host.GetReleaseByTag(ctx, ref.Repo(), ref.Version)
	require.NoError(t, err)
	assets, err := host.ListAssets(ctx, ref.Repo(), release.ID)
	require.NoError(t, err)
	return assets
}

func TestUploadRecipeIdempotent(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()
	bundle := recipeBundle("v1")

	first, err := reg.UploadRecipe(ctx, testRef, bundle)
	require.NoError(t, err)
	assert.False(t, first.AlreadyPresent)
	assert.Len(t, first.RevisionID, 12)

	second, err := reg.UploadRecipe(ctx, testRef, bundle)
	require.NoError(t, err)
	assert.True(t, second.AlreadyPresent)
	assert.Equal(t, first.RevisionID, second.RevisionID)

	assert.Len(t, listAssets(t, host, testRef), 1)
}

func TestUploadRecipeDistinctContent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)
	second, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.RevisionID, second.RevisionID)

	for _, rid := range []string{first.RevisionID, second.RevisionID} {
		_, rev, err := reg.DownloadRecipe(ctx, testRef, rid)
		require.NoError(t, err)
		assert.Equal(t, rid, rev.ID)
	}
}

func TestDownloadRecipeRoundtrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	bundle := recipeBundle("roundtrip")

	result, err := reg.UploadRecipe(ctx, testRef, bundle)
	require.NoError(t, err)

	got, rev, err := reg.DownloadRecipe(ctx, testRef, result.RevisionID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(bundle, got))
	assert.Equal(t, bundle.ManifestHash(), rev.ManifestHash)
}

func TestDownloadRecipeLatest(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("old"))
	require.NoError(t, err)
	newer, err := reg.UploadRecipe(ctx, testRef, recipeBundle("new"))
	require.NoError(t, err)

	latest, err := reg.LatestRecipeRevision(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, newer.RevisionID, latest.ID)

	// Re-uploading older content writes nothing, so latest does not move.
	_, err = reg.UploadRecipe(ctx, testRef, recipeBundle("old"))
	require.NoError(t, err)
	latest, err = reg.LatestRecipeRevision(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, newer.RevisionID, latest.ID)
}

func TestUploadPackageRequiresRecipe(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadPackage(ctx, testRef, "", "pkgX", "", binaryBundle("b1"))
	require.ErrorIs(t, err, ErrRecipeRevisionRequired)
}

func TestUploadPackageUnknownRecipeRevision(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	_, err = reg.UploadPackage(ctx, testRef, "feedfacecafe", "pkgX", "", binaryBundle("b1"))
	require.ErrorIs(t, err, ErrRecipeRevisionRequired)
}

func TestUploadAndDownloadPackage(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	bundle := binaryBundle("linux-x64")

	recipe, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	result, err := reg.UploadPackage(ctx, testRef, recipe.RevisionID, "pkgX", "os=Linux", bundle)
	require.NoError(t, err)

	got, rev, err := reg.DownloadPackage(ctx, testRef, recipe.RevisionID, "pkgX", result.RevisionID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(bundle, got))
	assert.Equal(t, "pkgX", rev.PackageID)
	assert.Equal(t, "os=Linux", rev.Fingerprint)
	assert.Equal(t, recipe.RevisionID, rev.Recipe.ID)

	// A settings combination that was never built is a distinct absence
	// from a missing recipe.
	_, _, err = reg.DownloadPackage(ctx, testRef, recipe.RevisionID, "pkgY", "")
	require.ErrorIs(t, err, ErrPackageNotFound)
}

func TestUploadPackageIdempotent(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()
	bundle := binaryBundle("same")

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	first, err := reg.UploadPackage(ctx, testRef, "", "pkgX", "", bundle)
	require.NoError(t, err)
	second, err := reg.UploadPackage(ctx, testRef, "", "pkgX", "", bundle)
	require.NoError(t, err)
	assert.True(t, second.AlreadyPresent)
	assert.Equal(t, first.RevisionID, second.RevisionID)

	// One recipe asset, one package asset.
	assert.Len(t, listAssets(t, host, testRef), 2)
}

func TestRevisionListsAreCreationOrdered(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)
	second, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v2"))
	require.NoError(t, err)

	revisions, err := reg.ListRecipeRevisions(ctx, testRef)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
	assert.Equal(t, first.RevisionID, revisions[0].ID)
	assert.Equal(t, second.RevisionID, revisions[1].ID)
}

func TestListRecipeRevisionsAbsent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.ListRecipeRevisions(context.Background(), testRef)
	require.ErrorIs(t, err, ErrReferenceNotFound)
}

func TestDownloadUnknownRevision(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	_, _, err = reg.DownloadRecipe(ctx, testRef, "000000000000")
	require.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestRemovePackageRevision(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()

	recipe, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)
	pkg, err := reg.UploadPackage(ctx, testRef, recipe.RevisionID, "pkgX", "", binaryBundle("b1"))
	require.NoError(t, err)

	err = reg.RemovePackageRevision(ctx, testRef, recipe.RevisionID, "pkgX", pkg.RevisionID)
	require.NoError(t, err)

	_, _, err = reg.DownloadPackage(ctx, testRef, recipe.RevisionID, "pkgX", "")
	require.ErrorIs(t, err, ErrPackageNotFound)
	assert.Len(t, listAssets(t, host, testRef), 1)

	// Removing again, or removing something that never existed, is a no-op.
	require.NoError(t, reg.RemovePackageRevision(ctx, testRef, recipe.RevisionID, "pkgX", pkg.RevisionID))
	require.NoError(t, reg.RemovePackageRevision(ctx, testRef, "nope", "pkgZ", "nope"))
}

func TestRemoveBinaries(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()

	recipe, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)
	_, err = reg.UploadPackage(ctx, testRef, "", "pkgX", "", binaryBundle("b1"))
	require.NoError(t, err)
	_, err = reg.UploadPackage(ctx, testRef, "", "pkgY", "", binaryBundle("b2"))
	require.NoError(t, err)

	require.NoError(t, reg.RemoveBinaries(ctx, testRef))

	// Recipes survive, binaries do not.
	_, _, err = reg.DownloadRecipe(ctx, testRef, recipe.RevisionID)
	require.NoError(t, err)
	_, _, err = reg.DownloadPackage(ctx, testRef, recipe.RevisionID, "pkgX", "")
	require.ErrorIs(t, err, ErrPackageNotFound)
	assert.Len(t, listAssets(t, host, testRef), 1)

	// No binaries published is not an error.
	require.NoError(t, reg.RemoveBinaries(ctx, testRef))
}

func TestRemoveAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)
	_, err = reg.UploadPackage(ctx, testRef, "", "pkgX", "", binaryBundle("b1"))
	require.NoError(t, err)

	require.NoError(t, reg.RemoveAll(ctx, testRef))

	_, err = reg.ListRecipeRevisions(ctx, testRef)
	require.ErrorIs(t, err, ErrReferenceNotFound)

	// Removing an absent reference is a no-op.
	require.NoError(t, reg.RemoveAll(ctx, testRef))
}

func TestRepublishAfterRestart(t *testing.T) {
	host := hosting.NewMemory()
	ctx := context.Background()
	bundle := recipeBundle("stable")

	first, err := New(host).UploadRecipe(ctx, testRef, bundle)
	require.NoError(t, err)

	// A fresh Registry over the same storage reconstructs its state from
	// the release and recognizes the content.
	second, err := New(host).UploadRecipe(ctx, testRef, bundle)
	require.NoError(t, err)
	assert.True(t, second.AlreadyPresent)
	assert.Equal(t, first.RevisionID, second.RevisionID)
}

func TestConcurrentIdenticalUploads(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()
	bundle := recipeBundle("contended")

	const workers = 8
	results := make([]UploadResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.UploadRecipe(ctx, testRef, bundle)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].RevisionID, results[i].RevisionID)
	}
	assert.Len(t, listAssets(t, host, testRef), 1)
}

func TestDownloadDetectsCorruption(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	name := recipeAssetName(result.RevisionID)
	require.True(t, host.Corrupt(testRef.Repo(), testRef.Version, name, []byte("tampered")))

	_, _, err = reg.DownloadRecipe(ctx, testRef, result.RevisionID)
	require.ErrorIs(t, err, ErrCorruptAsset)
}

func TestForeignChannelRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	foreign := Reference{Name: "zlib", Version: "1.0", Channel: "stable", Owner: "me"}

	_, err := reg.UploadRecipe(ctx, foreign, recipeBundle("v1"))
	require.ErrorIs(t, err, ErrForeignReference)
	_, _, err = reg.DownloadRecipe(ctx, foreign, "")
	require.ErrorIs(t, err, ErrForeignReference)
}

func TestSearch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)
	other := Reference{Name: "openssl", Version: "3.1.0", Channel: "github", Owner: "thejohnfreeman"}
	_, err = reg.UploadRecipe(ctx, other, recipeBundle("v1"))
	require.NoError(t, err)

	refs, err := reg.Search(ctx, "zlib")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "zlib", refs[0].Name)

	refs, err = reg.Search(ctx, "zlib/1.*")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "1.2.13", refs[0].Version)

	refs, err = reg.Search(ctx, "zlib/2.*")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestSearchNameWildcards(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	// A wildcard inside the name still narrows the hosting query by the
	// literal part before it.
	for _, pattern := range []string{"zl*", "zl*b", "*lib"} {
		refs, err := reg.Search(ctx, pattern)
		require.NoError(t, err, pattern)
		require.Len(t, refs, 1, pattern)
		assert.Equal(t, "zlib", refs[0].Name, pattern)
	}

	refs, err := reg.Search(ctx, "zl*x")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestMetadataSurvivesHumanEdits(t *testing.T) {
	reg, host := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.UploadRecipe(ctx, testRef, recipeBundle("v1"))
	require.NoError(t, err)

	// A maintainer writes release notes around the comment.
	release, err := host.GetReleaseByTag(ctx, testRef.Repo(), testRef.Version)
	require.NoError(t, err)
	require.NoError(t, host.UpdateReleaseBody(ctx, testRef.Repo(), release.ID,
		"Notes on top.\n"+release.Body+"\nNotes below."))

	// A fresh Registry re-reads the edited body; the record and the notes
	// both survive the next write.
	reg2 := New(host)
	_, err = reg2.UploadRecipe(ctx, testRef, recipeBundle("v2"))
	require.NoError(t, err)

	release, err = host.GetReleaseByTag(ctx, testRef.Repo(), testRef.Version)
	require.NoError(t, err)
	assert.Contains(t, release.Body, "Notes on top.")
	assert.Contains(t, release.Body, "Notes below.")

	revisions, err := reg2.ListRecipeRevisions(ctx, testRef)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
	assert.Equal(t, first.RevisionID, revisions[0].ID)
}
