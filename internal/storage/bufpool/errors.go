package bufpool

import "errors"

// Errors raised by the buffer pool (components E and F).
var (
	// ErrFull is returned by NewPage when every frame is pinned and none can
	// be evicted after the bounded retry budget is exhausted.
	ErrFull = errors.New("bufpool: no evictable frame available")
	// ErrPageNotFound is returned when a PageID has never been allocated on
	// its storage.
	ErrPageNotFound = errors.New("bufpool: page not found")
	// ErrUnknownStorage is returned when a StorageID was never registered
	// with Attach.
	ErrUnknownStorage = errors.New("bufpool: unknown storage id")
	// ErrClosed is returned by any operation after Close has been called.
	ErrClosed = errors.New("bufpool: cache is closed")
)
