package redirectory

import (
	"errors"

	"github.com/thejohnfreeman/redirectory/internal/hosting"
)

var (
	// ErrMalformedReference reports a reference string that does not parse.
	ErrMalformedReference = errors.New("redirectory: malformed reference")

	// ErrForeignReference reports a reference whose channel does not name
	// the github stream; such packages cannot be backed by this registry.
	ErrForeignReference = errors.New("redirectory: not a github package")

	// The absence conditions are distinct on purpose: clients choose between
	// "give up" and "build from source" based on which one occurred.
	ErrReferenceNotFound = errors.New("redirectory: recipe not found")
	ErrRevisionNotFound  = errors.New("redirectory: revision not found")
	ErrPackageNotFound   = errors.New("redirectory: package not found")

	// ErrRecipeRevisionRequired reports a binary upload whose parent recipe
	// revision was never uploaded.
	ErrRecipeRevisionRequired = errors.New("redirectory: recipe revision required")

	// ErrCorruptAsset reports downloaded bytes that fail their recorded
	// checksum. Corrupt bytes are never served.
	ErrCorruptAsset = errors.New("redirectory: corrupt asset")
)

// Conflict and availability errors originate in the hosting layer.
// Re-exported from internal/hosting for convenience.
var (
	ErrRefConflict = hosting.ErrRefConflict
	ErrAssetExists = hosting.ErrAssetExists
	ErrUnavailable = hosting.ErrUnavailable
)
