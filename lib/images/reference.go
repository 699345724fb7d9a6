package images

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

const (
	// DefaultTag is used when a reference carries no tag.
	DefaultTag = "latest"

	// libraryNamespace is the Docker Hub namespace holding official images.
	libraryNamespace = "library"
)

// Reference is a parsed `name[:tag]` image reference for an official
// Docker Hub image. It is immutable once constructed.
type Reference struct {
	name string
	tag  string
}

// ParseReference validates a user-provided image reference.
// Examples:
//   - "alpine" -> name "alpine", tag "latest"
//   - "alpine:3.18" -> name "alpine", tag "3.18"
//   - "a:b:c" -> error
func ParseReference(s string) (*Reference, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q has more than one tag separator", ErrInvalidReference, s)
	}

	ref := &Reference{name: parts[0], tag: DefaultTag}
	if len(parts) == 2 {
		ref.tag = parts[1]
	}

	if ref.name == "" {
		return nil, fmt.Errorf("%w: %q has an empty name", ErrInvalidReference, s)
	}
	if ref.tag == "" {
		return nil, fmt.Errorf("%w: %q has an empty tag", ErrInvalidReference, s)
	}
	if strings.Contains(ref.name, "/") {
		return nil, fmt.Errorf("%w: %q is not an official library image", ErrInvalidReference, s)
	}

	// Let distribution/reference enforce the grammar (lowercase repository,
	// tag charset, no digest form).
	named, err := reference.ParseNormalizedNamed(ref.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	if _, ok := named.(reference.Canonical); ok {
		return nil, fmt.Errorf("%w: digest references are not supported", ErrInvalidReference)
	}

	return ref, nil
}

// Name returns the image name without namespace or tag (e.g. "alpine").
func (r *Reference) Name() string {
	return r.name
}

// Tag returns the tag, "latest" when the input had none.
func (r *Reference) Tag() string {
	return r.tag
}

// Repository returns the registry repository path (e.g. "library/alpine").
func (r *Reference) Repository() string {
	return libraryNamespace + "/" + r.name
}

// String returns the reference in `name:tag` form.
func (r *Reference) String() string {
	return r.name + ":" + r.tag
}
