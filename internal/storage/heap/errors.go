package heap

import "errors"

// Errors raised by heap pages and tables (components C and H).
var (
	ErrNoFreeSpace = errors.New("heap: page has no free space for this tuple")
	ErrSlotNotFound = errors.New("heap: slot id out of range")
	ErrSlotDeleted  = errors.New("heap: slot has been deleted")
)
