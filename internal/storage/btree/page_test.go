package btree

import (
	"errors"
	"testing"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

func TestLeafInsertGetDelete(t *testing.T) {
	buf := make([]byte, page.PageSize)
	leaf := InitLeaf(buf)

	if err := leaf.Insert(10, page.RecordID{PageID: 1, SlotID: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := leaf.Insert(5, page.RecordID{PageID: 2, SlotID: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if leaf.Key(0) != 5 || leaf.Key(1) != 10 {
		t.Fatalf("keys not kept sorted: %d, %d", leaf.Key(0), leaf.Key(1))
	}

	if err := leaf.Insert(5, page.RecordID{}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}

	if err := leaf.Delete(5); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := leaf.Get(5); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
	if leaf.NumKeys() != 1 {
		t.Fatalf("NumKeys() = %d, want 1", leaf.NumKeys())
	}
}

func TestLeafFullRejectsInsert(t *testing.T) {
	buf := make([]byte, page.PageSize)
	leaf := InitLeaf(buf)
	for i := 0; i < LeafMaxKeys; i++ {
		if err := leaf.Insert(page.Key(i), page.RecordID{PageID: page.PageID(i)}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := leaf.Insert(page.Key(LeafMaxKeys), page.RecordID{}); !errors.Is(err, ErrNoFreeSpace) {
		t.Fatalf("got %v, want ErrNoFreeSpace", err)
	}
}

func TestLeafSplitOffKeepsOrderAndChain(t *testing.T) {
	leftBuf := make([]byte, page.PageSize)
	left := InitLeaf(leftBuf)
	for i := 0; i < LeafMaxKeys; i++ {
		if err := left.Insert(page.Key(i), page.RecordID{PageID: page.PageID(i)}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	left.SetNextLeaf(999)

	rightBuf := make([]byte, page.PageSize)
	right := InitLeaf(rightBuf)
	promoted := left.SplitOff(right)
	left.SetNextLeaf(123) // caller assigns the real new leaf's page id
	right.SetPrevLeaf(7)  // caller assigns left's real page id

	if left.NumKeys()+right.NumKeys() != LeafMaxKeys {
		t.Fatalf("lost keys in split: %d + %d != %d", left.NumKeys(), right.NumKeys(), LeafMaxKeys)
	}
	if promoted != right.Key(0) {
		t.Fatalf("promoted key %d != right's first key %d", promoted, right.Key(0))
	}
	if left.Key(left.NumKeys()-1) >= right.Key(0) {
		t.Fatalf("split did not partition keys: left max %d >= right min %d", left.Key(left.NumKeys()-1), right.Key(0))
	}
	if right.NextLeaf() != 999 {
		t.Fatalf("right leaf did not inherit the old next-leaf pointer")
	}
	if right.PrevLeaf() != 7 {
		t.Fatalf("right leaf's prev-leaf pointer = %d, want 7", right.PrevLeaf())
	}
}

func TestInnerInsertSeparatorAndChildIndex(t *testing.T) {
	buf := make([]byte, page.PageSize)
	inner := InitInner(buf, 1)

	if err := inner.InsertSeparator(0, 10, 2); err != nil {
		t.Fatalf("InsertSeparator: %v", err)
	}
	if err := inner.InsertSeparator(1, 20, 3); err != nil {
		t.Fatalf("InsertSeparator: %v", err)
	}

	cases := []struct {
		key  page.Key
		want page.PageID
	}{
		{5, 1}, {10, 2}, {15, 2}, {20, 3}, {25, 3},
	}
	for _, c := range cases {
		idx := inner.ChildIndex(c.key)
		if got := inner.Child(idx); got != c.want {
			t.Errorf("ChildIndex(%d) -> child %d, want %d", c.key, got, c.want)
		}
	}
}

func TestInnerSplitOffPreservesPointerCount(t *testing.T) {
	buf := make([]byte, page.PageSize)
	inner := InitInner(buf, 0)
	for i := 0; i < InnerMaxKeys; i++ {
		if err := inner.InsertSeparator(i, page.Key(i*2+1), page.PageID(i+1)); err != nil {
			t.Fatalf("InsertSeparator(%d): %v", i, err)
		}
	}

	rightBuf := make([]byte, page.PageSize)
	right := InitInner(rightBuf, page.InvalidPageID)
	promoted := inner.SplitOff(right)

	if inner.NumKeys()+1+right.NumKeys()+1 != InnerMaxKeys+1 {
		t.Fatalf("pointer count changed across split: left %d, right %d", inner.NumKeys()+1, right.NumKeys()+1)
	}
	if promoted <= inner.Key(inner.NumKeys()-1) {
		t.Fatalf("promoted key %d not greater than left's max %d", promoted, inner.Key(inner.NumKeys()-1))
	}
}
