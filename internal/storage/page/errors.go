package page

import "errors"

// Errors raised while validating or serializing values, tuples, and schemas
// (component I). Callers compare against these with errors.Is.
var (
	ErrSchemaMismatch  = errors.New("page: value does not match column schema")
	ErrTooManyColumns  = errors.New("page: schema exceeds maximum column count")
	ErrSizeExceeded    = errors.New("page: tuple exceeds maximum size")
	ErrDuplicateColumn = errors.New("page: duplicate column name")
	ErrInvalidName     = errors.New("page: name does not match the allowed pattern")
)
