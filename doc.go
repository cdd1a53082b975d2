// Package redirectory makes GitHub's release mechanism behave like a
// content-addressed, revisioned package store.
//
// A reference "name/version@channel/owner" maps to the repository
// {owner}/{name}: its version becomes a tag, the tag carries a release, and
// the release's assets hold the recipe and binary bundles. Revision
// bookkeeping rides inside the release body, so a release is always
// self-describing.
//
// Basic usage:
//
//	reg := redirectory.New(hosting.NewGitHub(hosting.DefaultBackoff()))
//
//	ref, _ := redirectory.ParseReference("zlib/1.2.13@github/thejohnfreeman")
//
//	// Push recipe sources. Uploads are idempotent by content.
//	result, _ := reg.UploadRecipe(ctx, ref, redirectory.Bundle{
//	    "conanfile.py": recipe,
//	})
//
//	// Push a binary built from that recipe revision.
//	reg.UploadPackage(ctx, ref, result.RevisionID, pkgID, fingerprint, binary)
//
//	// Pull either back, checksum-verified.
//	bundle, rev, _ := reg.DownloadRecipe(ctx, ref, "")
//	bundle, prev, _ := reg.DownloadPackage(ctx, ref, "", pkgID, "")
//
//	// Remove binaries only, or everything.
//	reg.RemoveBinaries(ctx, ref)
//	reg.RemoveAll(ctx, ref)
//
// The HTTP surface that package-manager clients speak lives in
// internal/api; the hosting primitives live in internal/hosting.
package redirectory
