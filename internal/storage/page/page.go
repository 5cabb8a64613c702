// Package page defines the primitive types shared by every on-disk layout in
// the storage core: the fixed page size, the identifiers used to address a
// page, and the typed Value/Tuple/Schema model tuples are encoded with.
//
// Nothing in this package touches a file or a buffer pool; it only knows how
// to interpret PAGE_SIZE bytes.
package page

// PageSize is the fixed size, in bytes, of every on-disk page. All typed
// views (heap pages, B+ tree inner/leaf pages, superblocks) are reinterpreted
// in place over a buffer of exactly this length.
const PageSize = 4096

// PageID identifies a page within a single storage. Zero is reserved: it
// names both "invalid" and, for index storages, the superblock page.
type PageID uint32

// InvalidPageID is the zero value of PageID, used as a sentinel (e.g. the
// empty next-leaf pointer, or "no root yet").
const InvalidPageID PageID = 0

// StorageID is a process-local identifier minted when a storage is attached
// to the buffer pool. It is never persisted to disk.
type StorageID uint32

// RecordID locates a tuple within a heap storage.
type RecordID struct {
	PageID PageID
	SlotID uint16
}

// RecordIDSize is the on-disk/in-memory size of a RecordID when stored as a
// B+ tree leaf value: a 4-byte PageID plus a 2-byte SlotID.
const RecordIDSize = 4 + 2

// Key is the type indexed by the B+ tree in this core. Extension to
// variable-length keys is explicitly out of scope.
type Key = uint32

// StorageKey identifies a frame's backing page uniquely across every storage
// multiplexed behind one buffer pool.
type StorageKey struct {
	StorageID StorageID
	PageID    PageID
}
