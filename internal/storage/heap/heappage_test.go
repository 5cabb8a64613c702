package heap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

func newPage() *HeapPage {
	return Init(make([]byte, page.PageSize))
}

func TestInsertGetRoundTrip(t *testing.T) {
	h := newPage()
	tuple := []byte("hello, heap page")

	id, err := h.InsertTuple(tuple)
	if err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	got, err := h.GetTuple(id)
	if err != nil {
		t.Fatalf("GetTuple: %v", err)
	}
	if !bytes.Equal(got, tuple) {
		t.Fatalf("got %q, want %q", got, tuple)
	}
}

func TestDeleteIsIdempotentAndTombstones(t *testing.T) {
	h := newPage()
	id, err := h.InsertTuple([]byte("tombstone me"))
	if err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	if err := h.DeleteTuple(id); err != nil {
		t.Fatalf("DeleteTuple: %v", err)
	}
	if err := h.DeleteTuple(id); err != nil {
		t.Fatalf("second DeleteTuple: %v", err)
	}
	if _, err := h.GetTuple(id); !errors.Is(err, ErrSlotDeleted) {
		t.Fatalf("got %v, want ErrSlotDeleted", err)
	}
}

func TestInsertNeverReusesTombstonedSlot(t *testing.T) {
	h := newPage()
	id0, _ := h.InsertTuple([]byte("first"))
	if err := h.DeleteTuple(id0); err != nil {
		t.Fatalf("DeleteTuple: %v", err)
	}
	id1, err := h.InsertTuple([]byte("second"))
	if err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	if id1 == id0 {
		t.Fatalf("expected a fresh slot id, got reused id %d", id0)
	}
	if h.NumSlots() != 2 {
		t.Fatalf("NumSlots() = %d, want 2", h.NumSlots())
	}
}

func TestPageFillsThenRejects(t *testing.T) {
	h := newPage()
	tuple := bytes.Repeat([]byte{'x'}, 32)
	inserted := 0
	for {
		if _, err := h.InsertTuple(tuple); err != nil {
			if !errors.Is(err, ErrNoFreeSpace) {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		inserted++
	}
	if inserted == 0 {
		t.Fatalf("expected at least one tuple to fit")
	}
	if h.FreeSpace() >= slotSize+len(tuple) {
		t.Fatalf("FreeSpace() = %d, room for another tuple should not remain", h.FreeSpace())
	}
}

func TestGetTupleUnknownSlot(t *testing.T) {
	h := newPage()
	if _, err := h.GetTuple(0); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("got %v, want ErrSlotNotFound", err)
	}
}

func TestMaxTupleSizeFitsExactlyOnEmptyPage(t *testing.T) {
	h := newPage()
	tuple := make([]byte, MaxTupleSize)
	if _, err := h.InsertTuple(tuple); err != nil {
		t.Fatalf("InsertTuple at MaxTupleSize: %v", err)
	}
	if _, err := h.InsertTuple([]byte{1}); !errors.Is(err, ErrNoFreeSpace) {
		t.Fatalf("got %v, want ErrNoFreeSpace for any further insert", err)
	}
}
