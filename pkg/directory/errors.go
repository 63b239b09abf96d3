package directory

import "errors"

var (
	ErrNotFound            = errors.New("directory: no such object")
	ErrAlreadyExists       = errors.New("directory: entry already exists")
	ErrConstraint          = errors.New("directory: constraint violation")
	ErrNotAllowedOnNonLeaf = errors.New("directory: not allowed on non-leaf")
	ErrSizeLimit           = errors.New("directory: size limit exceeded")
	ErrUnavailable         = errors.New("directory: server unavailable")
	ErrPagingUnsupported   = errors.New("directory: paging not supported, full fetch returned")
)
