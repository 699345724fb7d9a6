package images

import "errors"

var (
	ErrInvalidReference = errors.New("invalid image reference")
	ErrAuth             = errors.New("registry authentication failed")
	ErrManifest         = errors.New("manifest fetch failed")
	ErrBlobFetch        = errors.New("layer blob fetch failed")
	ErrExtraction       = errors.New("layer extraction failed")

	// ErrPathTraversal is returned alongside ErrExtraction when an archive
	// entry resolves outside the extraction root.
	ErrPathTraversal = errors.New("archive entry escapes extraction root")
)
