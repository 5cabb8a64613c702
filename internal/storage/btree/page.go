// Package btree implements a concurrent B+ tree index over fixed u32 keys
// and fixed 6-byte RecordId values (components D and G). Keys and values
// never vary in size, so unlike the teacher's slotted-page btree_page.go
// (which exists to host variable-length keys and overflow values) nodes
// here use flat, fixed-stride arrays — the layout original_source's own
// indexes/btree.rs describes as "SORTED_KEYS ++ (CHILDREN | VALUES)" before
// it, too, specializes away from a slotted directory for this exact reason.
package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

const (
	typeLeaf  byte = 1
	typeInner byte = 0

	keySize   = 4 // page.Key (uint32)
	childSize = 4 // page.PageID (uint32)
	valueSize = page.RecordIDSize

	innerHeaderSize = 1 + 2         // type + numKeys
	leafHeaderSize  = 1 + 2 + 4 + 4 // type + numKeys + nextLeaf + prevLeaf

	// InnerMaxKeys is the largest number of separator keys an inner page can
	// hold: n keys cost n*keySize, and their n+1 children cost
	// (n+1)*childSize, within PageSize-innerHeaderSize bytes.
	InnerMaxKeys = (page.PageSize - innerHeaderSize - childSize) / (keySize + childSize)

	// LeafMaxKeys is the largest number of entries a leaf page can hold.
	LeafMaxKeys = (page.PageSize - leafHeaderSize) / (keySize + valueSize)

	innerKeysOff     = innerHeaderSize
	innerChildrenOff = innerKeysOff + InnerMaxKeys*keySize

	leafKeysOff   = leafHeaderSize
	leafValuesOff = leafKeysOff + LeafMaxKeys*keySize
)

func pageType(buf []byte) byte { return buf[0] }

// IsLeaf reports whether buf holds a leaf page, without allocating a typed
// view.
func IsLeaf(buf []byte) bool { return pageType(buf) == typeLeaf }

// ── Inner pages ─────────────────────────────────────────────────────────

// InnerPage is a typed view over a B+ tree internal node: NumKeys() sorted
// separator keys and NumKeys()+1 child page pointers, with keys[i]
// separating children[i] and children[i+1].
type InnerPage struct {
	buf []byte
}

func WrapInner(buf []byte) *InnerPage {
	if !IsLeaf(buf) && pageType(buf) != typeInner {
		panic("btree: buffer is not initialized")
	}
	return &InnerPage{buf: buf}
}

// InitInner initializes buf as an empty inner page with a single child
// (the only state a root created by a first split needs before its
// separator key is inserted).
func InitInner(buf []byte, firstChild page.PageID) *InnerPage {
	buf[0] = typeInner
	ip := &InnerPage{buf: buf}
	ip.setNumKeys(0)
	ip.setChild(0, firstChild)
	return ip
}

func (p *InnerPage) NumKeys() int {
	return int(binary.LittleEndian.Uint16(p.buf[1:3]))
}

func (p *InnerPage) setNumKeys(n int) {
	binary.LittleEndian.PutUint16(p.buf[1:3], uint16(n))
}

func (p *InnerPage) Key(i int) page.Key {
	off := innerKeysOff + i*keySize
	return binary.LittleEndian.Uint32(p.buf[off : off+keySize])
}

func (p *InnerPage) setKey(i int, k page.Key) {
	off := innerKeysOff + i*keySize
	binary.LittleEndian.PutUint32(p.buf[off:off+keySize], k)
}

func (p *InnerPage) Child(i int) page.PageID {
	off := innerChildrenOff + i*childSize
	return page.PageID(binary.LittleEndian.Uint32(p.buf[off : off+childSize]))
}

func (p *InnerPage) setChild(i int, id page.PageID) {
	off := innerChildrenOff + i*childSize
	binary.LittleEndian.PutUint32(p.buf[off:off+childSize], uint32(id))
}

func (p *InnerPage) Full() bool { return p.NumKeys() >= InnerMaxKeys }

// ChildIndex returns the index of the child to descend into to find key.
func (p *InnerPage) ChildIndex(key page.Key) int {
	n := p.NumKeys()
	return sort.Search(n, func(i int) bool { return p.Key(i) > key })
}

// InsertSeparator inserts key at position at, with rightChild becoming
// children[at+1]; everything from at onward shifts right by one slot.
func (p *InnerPage) InsertSeparator(at int, key page.Key, rightChild page.PageID) error {
	n := p.NumKeys()
	if n >= InnerMaxKeys {
		return ErrNoFreeSpace
	}
	for i := n; i > at; i-- {
		p.setKey(i, p.Key(i-1))
	}
	for i := n + 1; i > at+1; i-- {
		p.setChild(i, p.Child(i-1))
	}
	p.setKey(at, key)
	p.setChild(at+1, rightChild)
	p.setNumKeys(n + 1)
	return nil
}

// SplitOff moves the upper half of p's keys/children into right (an empty
// inner page; its first child is overwritten here with the child to the
// right of the promoted key) and returns the key promoted to the parent.
func (p *InnerPage) SplitOff(right *InnerPage) page.Key {
	n := p.NumKeys()
	mid := n / 2
	promoted := p.Key(mid)

	right.setChild(0, p.Child(mid+1))
	j := 0
	for i := mid + 1; i < n; i++ {
		right.setKey(j, p.Key(i))
		right.setChild(j+1, p.Child(i+1))
		j++
	}
	right.setNumKeys(j)
	p.setNumKeys(mid)
	return promoted
}

// ── Leaf pages ──────────────────────────────────────────────────────────

// LeafPage is a typed view over a B+ tree leaf: NumKeys() sorted (key,
// RecordId) entries plus a pointer to the next leaf in key order.
type LeafPage struct {
	buf []byte
}

func WrapLeaf(buf []byte) *LeafPage {
	return &LeafPage{buf: buf}
}

func InitLeaf(buf []byte) *LeafPage {
	buf[0] = typeLeaf
	lp := &LeafPage{buf: buf}
	lp.setNumKeys(0)
	lp.SetNextLeaf(page.InvalidPageID)
	lp.SetPrevLeaf(page.InvalidPageID)
	return lp
}

func (p *LeafPage) NumKeys() int {
	return int(binary.LittleEndian.Uint16(p.buf[1:3]))
}

func (p *LeafPage) setNumKeys(n int) {
	binary.LittleEndian.PutUint16(p.buf[1:3], uint16(n))
}

func (p *LeafPage) NextLeaf() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(p.buf[3:7]))
}

func (p *LeafPage) SetNextLeaf(id page.PageID) {
	binary.LittleEndian.PutUint32(p.buf[3:7], uint32(id))
}

// PrevLeaf returns the page id of the leaf immediately to this one's left in
// key order, or page.InvalidPageID if this is the first leaf. It is carried
// only for internal consistency checks (e.g. walking the chain backward in
// tests); the tree never iterates backward through it.
func (p *LeafPage) PrevLeaf() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(p.buf[7:11]))
}

func (p *LeafPage) SetPrevLeaf(id page.PageID) {
	binary.LittleEndian.PutUint32(p.buf[7:11], uint32(id))
}

func (p *LeafPage) Key(i int) page.Key {
	off := leafKeysOff + i*keySize
	return binary.LittleEndian.Uint32(p.buf[off : off+keySize])
}

func (p *LeafPage) setKey(i int, k page.Key) {
	off := leafKeysOff + i*keySize
	binary.LittleEndian.PutUint32(p.buf[off:off+keySize], k)
}

func (p *LeafPage) Value(i int) page.RecordID {
	off := leafValuesOff + i*valueSize
	return page.RecordID{
		PageID: page.PageID(binary.LittleEndian.Uint32(p.buf[off : off+4])),
		SlotID: binary.LittleEndian.Uint16(p.buf[off+4 : off+6]),
	}
}

func (p *LeafPage) setValue(i int, rid page.RecordID) {
	off := leafValuesOff + i*valueSize
	binary.LittleEndian.PutUint32(p.buf[off:off+4], uint32(rid.PageID))
	binary.LittleEndian.PutUint16(p.buf[off+4:off+6], rid.SlotID)
}

func (p *LeafPage) Full() bool { return p.NumKeys() >= LeafMaxKeys }

// find returns the index of key if present, and the index it would be
// inserted at if not.
func (p *LeafPage) find(key page.Key) (idx int, found bool) {
	n := p.NumKeys()
	idx = sort.Search(n, func(i int) bool { return p.Key(i) >= key })
	return idx, idx < n && p.Key(idx) == key
}

func (p *LeafPage) Get(key page.Key) (page.RecordID, error) {
	idx, found := p.find(key)
	if !found {
		return page.RecordID{}, ErrKeyNotFound
	}
	return p.Value(idx), nil
}

func (p *LeafPage) Insert(key page.Key, rid page.RecordID) error {
	idx, found := p.find(key)
	if found {
		return ErrDuplicateKey
	}
	n := p.NumKeys()
	if n >= LeafMaxKeys {
		return ErrNoFreeSpace
	}
	for i := n; i > idx; i-- {
		p.setKey(i, p.Key(i-1))
		p.setValue(i, p.Value(i-1))
	}
	p.setKey(idx, key)
	p.setValue(idx, rid)
	p.setNumKeys(n + 1)
	return nil
}

func (p *LeafPage) Delete(key page.Key) error {
	idx, found := p.find(key)
	if !found {
		return ErrKeyNotFound
	}
	n := p.NumKeys()
	for i := idx; i < n-1; i++ {
		p.setKey(i, p.Key(i+1))
		p.setValue(i, p.Value(i+1))
	}
	p.setNumKeys(n - 1)
	return nil
}

// SplitOff moves the upper half of p's entries into right (already
// initialized as an empty leaf page). right inherits p's old next-leaf
// pointer; p's next-leaf and right's prev-leaf are set to 0 for the caller
// to fill in with the real page ids. Returns the first key of right, which
// becomes the separator in the parent.
func (p *LeafPage) SplitOff(right *LeafPage) page.Key {
	n := p.NumKeys()
	mid := n / 2

	j := 0
	for i := mid; i < n; i++ {
		right.setKey(j, p.Key(i))
		right.setValue(j, p.Value(i))
		j++
	}
	right.setNumKeys(j)
	right.SetNextLeaf(p.NextLeaf())
	right.SetPrevLeaf(0) // placeholder; caller sets it to p's real page id
	p.SetNextLeaf(0)     // placeholder; caller sets it to right's real page id
	p.setNumKeys(mid)
	return right.Key(0)
}

func mustFit() {
	if InnerMaxKeys < 3 || LeafMaxKeys < 3 {
		panic(fmt.Sprintf("btree: page size too small for fixed-key nodes (inner=%d, leaf=%d)", InnerMaxKeys, LeafMaxKeys))
	}
}

func init() { mustFit() }
