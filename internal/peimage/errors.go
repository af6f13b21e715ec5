package peimage

import "errors"

// Error kinds surfaced by the loader and header model. These map directly
// onto spec section 7's error table; the packer and controller layer their
// own kinds (PackerInvariantViolation, NotRelocated, ...) on top in package
// recompiler.
var (
	ErrBadHeader        = errors.New("bad header")
	ErrUnsupportedLayout = errors.New("unsupported layout")
)
