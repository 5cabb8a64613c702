// Package heap implements the slotted-page tuple store (components C and H):
// a typed view over one page that holds variable-length tuples, and a Table
// that chains pages together for append-only insert, logical delete, and
// full scan. It is grounded in original_source/src/pages/heappage.rs's
// HeapPage layout, translated from zerocopy struct overlays to explicit
// encoding/binary field access, and in original_source/src/table.rs's
// Table for the page-chaining policy.
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

const (
	headerSize = 2 // num_slots : uint16
	slotSize   = 4 // offset : uint16, length : uint16 (length 0 == tombstone)
	dataSize   = page.PageSize - headerSize

	// MaxTupleSize is the largest tuple InsertTuple can ever accept: the
	// data region minus the one slot entry the tuple also needs.
	MaxTupleSize = dataSize - slotSize
)

// SlotID identifies one slot within a HeapPage.
type SlotID = uint16

// HeapPage is a typed, in-place view over a page.PageSize buffer laid out as
//
//	[0:2)    num_slots (uint16)
//	[2:...)  slot directory, growing forward: {offset uint16, length uint16}
//	...      free space
//	[...:4096) tuple bodies, growing backward from the end of the page
//
// A slot with length 0 is a tombstone: DeleteTuple never removes a slot or
// reclaims its tuple bytes, and InsertTuple never reuses a tombstoned slot
// id — every insert appends a new slot, per SPEC_FULL §4.C.
type HeapPage struct {
	buf []byte
}

// Wrap returns a HeapPage view over an already-initialized buffer.
func Wrap(buf []byte) *HeapPage {
	if len(buf) != page.PageSize {
		panic(fmt.Sprintf("heap: page buffer must be %d bytes, got %d", page.PageSize, len(buf)))
	}
	return &HeapPage{buf: buf}
}

// Init zero-initializes buf as an empty HeapPage and returns a view over it.
func Init(buf []byte) *HeapPage {
	if len(buf) != page.PageSize {
		panic(fmt.Sprintf("heap: page buffer must be %d bytes, got %d", page.PageSize, len(buf)))
	}
	binary.LittleEndian.PutUint16(buf[0:2], 0)
	return &HeapPage{buf: buf}
}

// NumSlots returns the number of slots on the page, including tombstones.
func (h *HeapPage) NumSlots() int {
	return int(binary.LittleEndian.Uint16(h.buf[0:2]))
}

func (h *HeapPage) setNumSlots(n int) {
	binary.LittleEndian.PutUint16(h.buf[0:2], uint16(n))
}

func (h *HeapPage) slotOffset(id SlotID) int {
	return headerSize + int(id)*slotSize
}

// slot returns (tupleOffset, tupleLength) for id. length 0 means deleted.
func (h *HeapPage) slot(id SlotID) (offset, length int) {
	o := h.slotOffset(id)
	return int(binary.LittleEndian.Uint16(h.buf[o : o+2])),
		int(binary.LittleEndian.Uint16(h.buf[o+2 : o+4]))
}

func (h *HeapPage) setSlot(id SlotID, offset, length int) {
	o := h.slotOffset(id)
	binary.LittleEndian.PutUint16(h.buf[o:o+2], uint16(offset))
	binary.LittleEndian.PutUint16(h.buf[o+2:o+4], uint16(length))
}

// lastTupleOffset returns the start offset of the most recently inserted
// tuple, or page.PageSize if the page is empty (nothing written yet).
func (h *HeapPage) lastTupleOffset() int {
	n := h.NumSlots()
	if n == 0 {
		return page.PageSize
	}
	offset, _ := h.slot(SlotID(n - 1))
	return offset
}

// FreeSpace returns the number of bytes available for a new tuple plus its
// slot entry.
func (h *HeapPage) FreeSpace() int {
	return h.lastTupleOffset() - (headerSize + h.NumSlots()*slotSize)
}

func (h *HeapPage) hasFreeSpace(tupleLen int) bool {
	return h.FreeSpace() >= slotSize+tupleLen
}

// InsertTuple appends tuple to the page and returns the SlotID of its new
// slot. It never reuses a tombstoned slot's id.
func (h *HeapPage) InsertTuple(tuple []byte) (SlotID, error) {
	if !h.hasFreeSpace(len(tuple)) {
		return 0, ErrNoFreeSpace
	}
	offset := h.lastTupleOffset() - len(tuple)
	copy(h.buf[offset:offset+len(tuple)], tuple)

	n := h.NumSlots()
	h.setSlot(SlotID(n), offset, len(tuple))
	h.setNumSlots(n + 1)
	return SlotID(n), nil
}

// DeleteTuple marks id's slot as a tombstone (length 0). It is idempotent:
// deleting an already-deleted slot is not an error.
func (h *HeapPage) DeleteTuple(id SlotID) error {
	if int(id) >= h.NumSlots() {
		return ErrSlotNotFound
	}
	offset, _ := h.slot(id)
	h.setSlot(id, offset, 0)
	return nil
}

// GetTuple returns the bytes of the tuple stored at id. The returned slice
// aliases the page buffer and is only valid while the caller holds the
// page's latch.
func (h *HeapPage) GetTuple(id SlotID) ([]byte, error) {
	if int(id) >= h.NumSlots() {
		return nil, ErrSlotNotFound
	}
	offset, length := h.slot(id)
	if length == 0 {
		return nil, ErrSlotDeleted
	}
	return h.buf[offset : offset+length], nil
}

// IsDeleted reports whether id's slot is a tombstone. id must be in range.
func (h *HeapPage) IsDeleted(id SlotID) bool {
	_, length := h.slot(id)
	return length == 0
}
