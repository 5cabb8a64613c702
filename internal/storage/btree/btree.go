package btree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mponcet/joujoudb/internal/storage/bufpool"
	"github.com/mponcet/joujoudb/internal/storage/page"
)

// errNeedsSplit is an internal sentinel: the fast path found a full leaf, or
// a key that may have moved right in a concurrent split, and must be retried
// pessimistically. It never escapes this package.
var errNeedsSplit = errors.New("btree: leaf full, retry with exclusive descent")

// BTree is a concurrent B+ tree index over one storage (components D and
// G). Point lookups and deletes use shared latches hand-over-hand down to
// the leaf ("latch crabbing"); inserts try the same fast path and fall back
// to an exclusive root-to-leaf descent only when a node turns out to need a
// split, per SPEC_FULL §4.G.
type BTree struct {
	cache     *bufpool.PageCache
	storageID page.StorageID

	// structMu serializes the pessimistic insert path. Two concurrent
	// splits racing to install a new root would otherwise both try to
	// rewrite the superblock.
	structMu sync.Mutex
}

// Create initializes a fresh, empty index storage: a superblock at page 0
// pointing at a single empty leaf root.
func Create(cache *bufpool.PageCache, storageID page.StorageID) (*BTree, error) {
	rootWG, rootID, err := cache.NewPage(storageID)
	if err != nil {
		return nil, fmt.Errorf("btree: allocate root: %w", err)
	}
	InitLeaf(rootWG.Bytes())
	rootWG.MarkDirty()
	rootWG.Release()

	sbWG, err := cache.FetchWrite(storageID, 0)
	if err != nil {
		return nil, fmt.Errorf("btree: fetch superblock: %w", err)
	}
	writeRootPageID(sbWG.Bytes(), rootID)
	sbWG.MarkDirty()
	sbWG.Release()

	return &BTree{cache: cache, storageID: storageID}, nil
}

// Open attaches to an already-initialized index storage.
func Open(cache *bufpool.PageCache, storageID page.StorageID) (*BTree, error) {
	return &BTree{cache: cache, storageID: storageID}, nil
}

func (t *BTree) rootPageID() (page.PageID, error) {
	sb, err := t.cache.FetchRead(t.storageID, 0)
	if err != nil {
		return 0, err
	}
	defer sb.Release()
	return readRootPageID(sb.Bytes()), nil
}

func (t *BTree) setRootPageID(id page.PageID) error {
	sb, err := t.cache.FetchWrite(t.storageID, 0)
	if err != nil {
		return err
	}
	defer sb.Release()
	writeRootPageID(sb.Bytes(), id)
	sb.MarkDirty()
	return nil
}

// Search returns the RecordID stored for key.
func (t *BTree) Search(key page.Key) (page.RecordID, error) {
	rootID, err := t.rootPageID()
	if err != nil {
		return page.RecordID{}, err
	}

	guard, err := t.cache.FetchRead(t.storageID, rootID)
	if err != nil {
		return page.RecordID{}, err
	}
	for {
		buf := guard.Bytes()
		if IsLeaf(buf) {
			leaf := WrapLeaf(buf)
			rid, err := leaf.Get(key)
			guard.Release()
			return rid, err
		}
		inner := WrapInner(buf)
		childID := inner.Child(inner.ChildIndex(key))
		childGuard, err := t.cache.FetchRead(t.storageID, childID)
		guard.Release()
		if err != nil {
			return page.RecordID{}, err
		}
		guard = childGuard
	}
}

// Insert adds key -> rid. It returns ErrDuplicateKey if key is already
// present, per the resolved Open Question in SPEC_FULL §9.
func (t *BTree) Insert(key page.Key, rid page.RecordID) error {
	err := t.insertFastPath(key, rid)
	if err == nil || !errors.Is(err, errNeedsSplit) {
		return err
	}
	return t.insertSlowPath(key, rid)
}

// insertFastPath descends with shared latches, takes an exclusive latch
// directly on the leaf (the "leaf upgrade"), and succeeds only if the leaf
// has room.
func (t *BTree) insertFastPath(key page.Key, rid page.RecordID) error {
	rootID, err := t.rootPageID()
	if err != nil {
		return err
	}

	guard, err := t.cache.FetchRead(t.storageID, rootID)
	if err != nil {
		return err
	}
	var leafID page.PageID
	for {
		buf := guard.Bytes()
		if IsLeaf(buf) {
			leafID = rootID
			guard.Release()
			break
		}
		inner := WrapInner(buf)
		childID := inner.Child(inner.ChildIndex(key))
		childGuard, err := t.cache.FetchRead(t.storageID, childID)
		guard.Release()
		if err != nil {
			return err
		}
		guard, rootID = childGuard, childID
	}

	leafWG, err := t.cache.FetchWrite(t.storageID, leafID)
	if err != nil {
		return err
	}
	leaf := WrapLeaf(leafWG.Bytes())
	if leaf.Full() {
		leafWG.Release()
		return errNeedsSplit
	}
	// A split between releasing the shared latch and taking this one moves
	// the leaf's upper keys into a new right sibling, so a key above this
	// leaf's largest key goes through the exclusive slow path instead.
	if n := leaf.NumKeys(); leaf.NextLeaf() != page.InvalidPageID && (n == 0 || key > leaf.Key(n-1)) {
		leafWG.Release()
		return errNeedsSplit
	}
	err = leaf.Insert(key, rid)
	if err == nil {
		leafWG.MarkDirty()
	}
	leafWG.Release()
	return err
}

type pathStep struct {
	wg  *bufpool.WriteGuard
	id  page.PageID
	idx int // index within this step's inner page that led to the next step
}

// insertSlowPath descends with exclusive latches held all the way from the
// root, so a split can safely propagate upward through the held latches.
func (t *BTree) insertSlowPath(key page.Key, rid page.RecordID) error {
	t.structMu.Lock()
	defer t.structMu.Unlock()

	rootID, err := t.rootPageID()
	if err != nil {
		return err
	}

	var path []pathStep
	defer func() {
		for i := len(path) - 1; i >= 0; i-- {
			path[i].wg.Release()
		}
	}()

	curID := rootID
	for {
		wg, err := t.cache.FetchWrite(t.storageID, curID)
		if err != nil {
			return err
		}
		if IsLeaf(wg.Bytes()) {
			path = append(path, pathStep{wg: wg, id: curID})
			break
		}
		inner := WrapInner(wg.Bytes())
		idx := inner.ChildIndex(key)
		path = append(path, pathStep{wg: wg, id: curID, idx: idx})
		curID = inner.Child(idx)
	}

	leafStep := path[len(path)-1]
	leaf := WrapLeaf(leafStep.wg.Bytes())
	if err := leaf.Insert(key, rid); err == nil {
		leafStep.wg.MarkDirty()
		return nil
	} else if !errors.Is(err, ErrNoFreeSpace) {
		return err
	}

	// Split the leaf, then walk back up splitting ancestors as needed.
	newLeafWG, newLeafID, err := t.cache.NewPage(t.storageID)
	if err != nil {
		return err
	}
	newLeaf := InitLeaf(newLeafWG.Bytes())
	oldNextID := leaf.NextLeaf()
	promoted := leaf.SplitOff(newLeaf)
	leaf.SetNextLeaf(newLeafID)
	newLeaf.SetPrevLeaf(leafStep.id)
	newLeafWG.MarkDirty()
	newLeafWG.Release()
	leafStep.wg.MarkDirty()

	if oldNextID != page.InvalidPageID {
		if err := t.relinkPrevLeaf(oldNextID, newLeafID); err != nil {
			return err
		}
	}

	// Retry the insert now that the leaf has room; the key must land on one
	// side or the other of the split.
	if key < promoted {
		if err := leaf.Insert(key, rid); err != nil {
			return err
		}
	} else {
		rightWG, err := t.cache.FetchWrite(t.storageID, newLeafID)
		if err != nil {
			return err
		}
		err = WrapLeaf(rightWG.Bytes()).Insert(key, rid)
		rightWG.MarkDirty()
		rightWG.Release()
		if err != nil {
			return err
		}
	}

	return t.propagateSplit(path[:len(path)-1], promoted, newLeafID)
}

// relinkPrevLeaf updates the PrevLeaf pointer of the leaf at id to newPrev,
// after a split inserts a new leaf ahead of it in the chain. This is
// maintained purely for internal consistency checks (SPEC_FULL §4.D); the
// tree never walks the chain backward.
func (t *BTree) relinkPrevLeaf(id page.PageID, newPrev page.PageID) error {
	wg, err := t.cache.FetchWrite(t.storageID, id)
	if err != nil {
		return err
	}
	WrapLeaf(wg.Bytes()).SetPrevLeaf(newPrev)
	wg.MarkDirty()
	wg.Release()
	return nil
}

// propagateSplit installs (promotedKey -> newRightChild) into the deepest
// remaining ancestor in path, splitting it in turn if it is full, and
// continuing upward. When path is empty, the former root must become the
// left child of a brand-new root.
func (t *BTree) propagateSplit(path []pathStep, promotedKey page.Key, newRightChild page.PageID) error {
	if len(path) == 0 {
		return t.installNewRoot(promotedKey, newRightChild)
	}

	parent := path[len(path)-1]
	inner := WrapInner(parent.wg.Bytes())
	if err := inner.InsertSeparator(parent.idx, promotedKey, newRightChild); err == nil {
		parent.wg.MarkDirty()
		return nil
	} else if !errors.Is(err, ErrNoFreeSpace) {
		return err
	}

	newInnerWG, newInnerID, err := t.cache.NewPage(t.storageID)
	if err != nil {
		return err
	}
	newInner := InitInner(newInnerWG.Bytes(), page.InvalidPageID)
	nextPromoted := inner.SplitOff(newInner)
	parent.wg.MarkDirty()

	if promotedKey < nextPromoted {
		if err := inner.InsertSeparator(inner.ChildIndex(promotedKey), promotedKey, newRightChild); err != nil {
			newInnerWG.Release()
			return err
		}
	} else {
		if err := newInner.InsertSeparator(newInner.ChildIndex(promotedKey), promotedKey, newRightChild); err != nil {
			newInnerWG.Release()
			return err
		}
	}
	newInnerWG.MarkDirty()
	newInnerWG.Release()

	return t.propagateSplit(path[:len(path)-1], nextPromoted, newInnerID)
}

// installNewRoot is called when the tree's root itself split: the old root
// (whatever path[0] would have been) becomes the new root's left child.
func (t *BTree) installNewRoot(promotedKey page.Key, newRightChild page.PageID) error {
	oldRootID, err := t.rootPageID()
	if err != nil {
		return err
	}
	newRootWG, newRootID, err := t.cache.NewPage(t.storageID)
	if err != nil {
		return err
	}
	newRoot := InitInner(newRootWG.Bytes(), oldRootID)
	if err := newRoot.InsertSeparator(0, promotedKey, newRightChild); err != nil {
		newRootWG.Release()
		return err
	}
	newRootWG.MarkDirty()
	newRootWG.Release()

	return t.setRootPageID(newRootID)
}

// Delete removes key from its leaf. There is no merge or rebalance on
// delete, per SPEC_FULL's Non-goals: leaves may become arbitrarily sparse.
func (t *BTree) Delete(key page.Key) error {
	rootID, err := t.rootPageID()
	if err != nil {
		return err
	}
	guard, err := t.cache.FetchRead(t.storageID, rootID)
	if err != nil {
		return err
	}
	for {
		buf := guard.Bytes()
		if IsLeaf(buf) {
			break
		}
		inner := WrapInner(buf)
		childID := inner.Child(inner.ChildIndex(key))
		childGuard, err := t.cache.FetchRead(t.storageID, childID)
		guard.Release()
		if err != nil {
			return err
		}
		guard = childGuard
		rootID = childID
	}
	guard.Release()

	wg, err := t.cache.FetchWrite(t.storageID, rootID)
	if err != nil {
		return err
	}
	defer wg.Release()
	if err := WrapLeaf(wg.Bytes()).Delete(key); err != nil {
		return err
	}
	wg.MarkDirty()
	return nil
}

// Iterator walks leaves in ascending key order starting at the first key >=
// start. Callers must call Close if they stop iterating before Next
// reports ok == false.
type Iterator struct {
	tree   *BTree
	guard  *bufpool.ReadGuard
	leaf   *LeafPage
	idx    int
	hasEnd bool
	end    page.Key
}

// Range returns an Iterator over [start, end). If hasEnd is false, end is
// ignored and the iteration runs to the last key in the tree.
func (t *BTree) Range(start page.Key, end page.Key, hasEnd bool) (*Iterator, error) {
	rootID, err := t.rootPageID()
	if err != nil {
		return nil, err
	}
	guard, err := t.cache.FetchRead(t.storageID, rootID)
	if err != nil {
		return nil, err
	}
	for {
		buf := guard.Bytes()
		if IsLeaf(buf) {
			break
		}
		inner := WrapInner(buf)
		childID := inner.Child(inner.ChildIndex(start))
		childGuard, err := t.cache.FetchRead(t.storageID, childID)
		guard.Release()
		if err != nil {
			return nil, err
		}
		guard = childGuard
	}
	leaf := WrapLeaf(guard.Bytes())
	idx, _ := leaf.find(start)
	return &Iterator{tree: t, guard: guard, leaf: leaf, idx: idx, hasEnd: hasEnd, end: end}, nil
}

// Next returns the next entry in the range, or ok == false once the range
// (or the tree) is exhausted.
func (it *Iterator) Next() (key page.Key, rid page.RecordID, ok bool, err error) {
	if it.leaf == nil {
		return 0, page.RecordID{}, false, nil
	}
	for {
		if it.idx < it.leaf.NumKeys() {
			k := it.leaf.Key(it.idx)
			if it.hasEnd && k >= it.end {
				it.Close()
				return 0, page.RecordID{}, false, nil
			}
			v := it.leaf.Value(it.idx)
			it.idx++
			return k, v, true, nil
		}
		nextID := it.leaf.NextLeaf()
		if nextID == page.InvalidPageID {
			it.Close()
			return 0, page.RecordID{}, false, nil
		}
		nextGuard, ferr := it.tree.cache.FetchRead(it.tree.storageID, nextID)
		if ferr != nil {
			it.Close()
			return 0, page.RecordID{}, false, ferr
		}
		it.guard.Release()
		it.guard = nextGuard
		it.leaf = WrapLeaf(nextGuard.Bytes())
		it.idx = 0
	}
}

// Close releases the leaf latch the iterator currently holds. Safe to call
// more than once.
func (it *Iterator) Close() {
	if it.guard != nil {
		it.guard.Release()
		it.guard = nil
	}
	it.leaf = nil
}
