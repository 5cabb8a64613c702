package btree

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mponcet/joujoudb/internal/storage/backend"
	"github.com/mponcet/joujoudb/internal/storage/bufpool"
	"github.com/mponcet/joujoudb/internal/storage/page"
)

func newTestTree(t *testing.T, capacity int) *BTree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.bt")
	b, err := backend.Create(backend.Config{Path: path})
	if err != nil {
		t.Fatalf("backend.Create: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	cache := bufpool.NewPageCache(bufpool.Config{Capacity: capacity})
	t.Cleanup(func() { cache.Close() })
	sid := cache.Attach(b)

	tree, err := Create(cache, sid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tree
}

func rid(n int) page.RecordID {
	return page.RecordID{PageID: page.PageID(n), SlotID: uint16(n % 7)}
}

func TestEmptyTreeSearchAndDelete(t *testing.T) {
	tree := newTestTree(t, 16)

	if _, err := tree.Search(42); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
	if err := tree.Delete(42); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
}

func TestSequentialInsertAndIterate(t *testing.T) {
	tree := newTestTree(t, 64)
	const n = 2000
	for i := 0; i < n; i++ {
		if err := tree.Insert(page.Key(i), rid(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got, err := tree.Search(page.Key(i))
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if got != rid(i) {
			t.Fatalf("Search(%d) = %+v, want %+v", i, got, rid(i))
		}
	}

	it, err := tree.Range(0, 0, false)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	defer it.Close()
	count := 0
	var prev page.Key
	for {
		k, v, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if count > 0 && k <= prev {
			t.Fatalf("keys out of order: %d after %d", k, prev)
		}
		if v != rid(int(k)) {
			t.Fatalf("iterated value mismatch at key %d: got %+v", k, v)
		}
		prev = k
		count++
	}
	if count != n {
		t.Fatalf("iterated %d entries, want %d", count, n)
	}
}

func TestReverseInsert(t *testing.T) {
	tree := newTestTree(t, 64)
	const n = 1500
	for i := n - 1; i >= 0; i-- {
		if err := tree.Insert(page.Key(i), rid(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if _, err := tree.Search(page.Key(i)); err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
	}
}

func TestStrideInsert(t *testing.T) {
	tree := newTestTree(t, 64)
	const n = 1000
	for i := 0; i < n; i++ {
		k := page.Key((i * 7919) % 1000003)
		if err := tree.Insert(k, rid(i)); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	tree := newTestTree(t, 16)
	if err := tree.Insert(5, rid(5)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(5, rid(6)); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}
}

func TestDeleteDoesNotMergeAndLeavesSiblingsIntact(t *testing.T) {
	tree := newTestTree(t, 64)
	const n = 2000
	for i := 0; i < n; i++ {
		if err := tree.Insert(page.Key(i), rid(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if err := tree.Delete(page.Key(i)); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		_, err := tree.Search(page.Key(i))
		if i%2 == 0 {
			if !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("Search(%d) after delete: got %v, want ErrKeyNotFound", i, err)
			}
		} else if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
	}
}

func TestConcurrentDisjointRangeInsert(t *testing.T) {
	tree := newTestTree(t, 128)
	const goroutines = 8
	const perGoroutine = 300

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			base := g * perGoroutine
			for i := 0; i < perGoroutine; i++ {
				k := page.Key(base + i)
				if err := tree.Insert(k, rid(int(k))); err != nil {
					t.Errorf("Insert(%d): %v", k, err)
				}
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < goroutines; g++ {
		base := g * perGoroutine
		for i := 0; i < perGoroutine; i++ {
			k := page.Key(base + i)
			got, err := tree.Search(k)
			if err != nil {
				t.Fatalf("Search(%d): %v", k, err)
			}
			if got != rid(int(k)) {
				t.Fatalf("Search(%d) = %+v, want %+v", k, got, rid(int(k)))
			}
		}
	}
}

func TestLeafChainPrevLeafMatchesForwardOrder(t *testing.T) {
	tree := newTestTree(t, 64)
	const n = 2000
	for i := 0; i < n; i++ {
		if err := tree.Insert(page.Key(i), rid(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	rootID, err := tree.rootPageID()
	if err != nil {
		t.Fatalf("rootPageID: %v", err)
	}
	leftmostID := rootID
	guard, err := tree.cache.FetchRead(tree.storageID, rootID)
	if err != nil {
		t.Fatalf("FetchRead root: %v", err)
	}
	for !IsLeaf(guard.Bytes()) {
		inner := WrapInner(guard.Bytes())
		childID := inner.Child(0)
		next, err := tree.cache.FetchRead(tree.storageID, childID)
		guard.Release()
		if err != nil {
			t.Fatalf("FetchRead: %v", err)
		}
		guard = next
		leftmostID = childID
	}

	var forward []page.PageID
	id := leftmostID
	for {
		forward = append(forward, id)
		leaf := WrapLeaf(guard.Bytes())
		next := leaf.NextLeaf()
		guard.Release()
		if next == page.InvalidPageID {
			break
		}
		var err error
		guard, err = tree.cache.FetchRead(tree.storageID, next)
		if err != nil {
			t.Fatalf("FetchRead: %v", err)
		}
		id = next
	}

	last := forward[len(forward)-1]
	guard, err = tree.cache.FetchRead(tree.storageID, last)
	if err != nil {
		t.Fatalf("FetchRead last: %v", err)
	}
	var backward []page.PageID
	id = last
	for {
		backward = append(backward, id)
		leaf := WrapLeaf(guard.Bytes())
		prev := leaf.PrevLeaf()
		guard.Release()
		if prev == page.InvalidPageID {
			break
		}
		var err error
		guard, err = tree.cache.FetchRead(tree.storageID, prev)
		if err != nil {
			t.Fatalf("FetchRead: %v", err)
		}
		id = prev
	}

	if len(forward) != len(backward) {
		t.Fatalf("forward chain has %d leaves, backward chain has %d", len(forward), len(backward))
	}
	for i, fid := range forward {
		if backward[len(backward)-1-i] != fid {
			t.Fatalf("prev-leaf chain does not mirror next-leaf chain at position %d", i)
		}
	}
}

func TestSmallBufferPoolForcesEviction(t *testing.T) {
	tree := newTestTree(t, 4)
	const n = 3000
	for i := 0; i < n; i++ {
		if err := tree.Insert(page.Key(i), rid(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 37 {
		got, err := tree.Search(page.Key(i))
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if got != rid(i) {
			t.Fatalf("Search(%d) = %+v, want %+v", i, got, rid(i))
		}
	}
}
