package redirectory

import (
	"fmt"
	"strings"

	"github.com/thejohnfreeman/redirectory/internal/hosting"
)

// Reference identifies a package: name, version, the channel scoping its
// release stream, and the hosting account that backs its storage. The
// canonical string form is "name/version@channel/owner", e.g.
// "zlib/1.2.13@github/thejohnfreeman". Immutable; usable as a map key.
type Reference struct {
	Name    string
	Version string
	Owner   string
	Channel string
}

// ParseReference parses the canonical form. It fails with
// ErrMalformedReference on missing or empty segments and on '/' or '@'
// inside a segment.
func ParseReference(s string) (Reference, error) {
	path, scope, ok := strings.Cut(s, "@")
	if !ok {
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
	}
	name, version, ok := strings.Cut(path, "/")
	if !ok {
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
	}
	channel, owner, ok := strings.Cut(scope, "/")
	if !ok {
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
	}
	ref := Reference{Name: name, Version: version, Owner: owner, Channel: channel}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// NewReference builds and validates a Reference from its four segments.
func NewReference(name, version, channel, owner string) (Reference, error) {
	ref := Reference{Name: name, Version: version, Owner: owner, Channel: channel}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// Validate checks the segment rules.
func (r Reference) Validate() error {
	for _, segment := range []string{r.Name, r.Version, r.Channel, r.Owner} {
		if segment == "" || strings.ContainsAny(segment, "/@") {
			return fmt.Errorf("%w: %q", ErrMalformedReference, r.String())
		}
	}
	return nil
}

// String returns the canonical form.
func (r Reference) String() string {
	return r.Name + "/" + r.Version + "@" + r.Channel + "/" + r.Owner
}

// Repo returns the hosting-side repository backing this reference.
func (r Reference) Repo() hosting.Repo {
	return hosting.Repo{Owner: r.Owner, Name: r.Name}
}

// stream splits the channel around the "github" marker. The affixes scope a
// release stream: channel "staging-github" maps version 1.0 to tag
// "staging-1.0". A channel without the marker is not a github package.
func (r Reference) stream() (prefix, suffix string, err error) {
	prefix, suffix, ok := strings.Cut(r.Channel, "github")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrForeignReference, r.String())
	}
	return prefix, suffix, nil
}
