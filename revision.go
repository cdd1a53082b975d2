package redirectory

import "time"

// RecipeRevision is one immutable, content-addressed snapshot of a
// reference's recipe sources.
type RecipeRevision struct {
	Ref          Reference
	ID           string
	ManifestHash string
	Time         time.Time
}

// PackageRevision is one compiled artifact for a settings combination,
// nested under the recipe revision it was built from.
type PackageRevision struct {
	Recipe       RecipeRevision
	PackageID    string
	Fingerprint  string
	ID           string
	ManifestHash string
	Time         time.Time
}

// UploadResult reports the outcome of an upload. AlreadyPresent means the
// content was byte-identical to an existing revision and nothing was
// written.
type UploadResult struct {
	RevisionID     string
	AlreadyPresent bool
}
