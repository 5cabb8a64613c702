package btree

import "errors"

// Errors raised by the B+ tree index (component D and G).
var (
	ErrKeyNotFound   = errors.New("btree: key not found")
	ErrDuplicateKey  = errors.New("btree: key already present")
	ErrNoFreeSpace   = errors.New("btree: page has no free space")
)
