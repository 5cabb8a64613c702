package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mponcet/joujoudb/internal/storage/bufpool"
	"github.com/mponcet/joujoudb/internal/storage/page"
)

// PageRange reports the first and last allocated page id of a storage. A
// heap table's pages form one contiguous, ever-growing chain, so scanning is
// just walking this range — grounded in original_source/src/table.rs's
// Table, which addresses file_cache.last_page_id() directly rather than
// threading next-page pointers through the pages themselves.
type PageRange interface {
	FirstPageID() page.PageID
	LastPageID() page.PageID
}

// Table is an append-only, tombstone-delete tuple store over one storage
// (component H).
type Table struct {
	cache     *bufpool.PageCache
	storageID page.StorageID
	storage   PageRange
	schema    *page.Schema

	// insertMu serializes the "find or allocate the tail page" decision so
	// two concurrent inserts don't both observe a full tail page and both
	// allocate a new one.
	insertMu sync.Mutex
	lastPage atomic.Uint32
}

// Open returns a Table over an already-initialized storage. If the storage
// has no heap pages yet (freshly created, only the reserved page 0 exists),
// Open allocates the first one.
func Open(cache *bufpool.PageCache, storageID page.StorageID, storage PageRange, schema *page.Schema) (*Table, error) {
	t := &Table{cache: cache, storageID: storageID, storage: storage, schema: schema}

	if storage.LastPageID() < storage.FirstPageID() {
		wg, id, err := cache.NewPage(storageID)
		if err != nil {
			return nil, fmt.Errorf("heap: allocate first page: %w", err)
		}
		Init(wg.Bytes())
		wg.MarkDirty()
		wg.Release()
		t.lastPage.Store(uint32(id))
		return t, nil
	}

	t.lastPage.Store(uint32(storage.LastPageID()))
	return t, nil
}

// Insert appends values, encoded under t.schema, to the tail page of the
// table, allocating a new tail page if the current one is full.
func (t *Table) Insert(values []page.Value) (page.RecordID, error) {
	tuple, err := page.MarshalTuple(t.schema, values)
	if err != nil {
		return page.RecordID{}, err
	}
	if len(tuple) > MaxTupleSize {
		return page.RecordID{}, fmt.Errorf("%w: encoded tuple is %d bytes, max %d", page.ErrSizeExceeded, len(tuple), MaxTupleSize)
	}

	t.insertMu.Lock()
	defer t.insertMu.Unlock()

	for {
		pid := page.PageID(t.lastPage.Load())
		wg, err := t.cache.FetchWrite(t.storageID, pid)
		if err != nil {
			return page.RecordID{}, err
		}
		hp := Wrap(wg.Bytes())
		slotID, err := hp.InsertTuple(tuple)
		if err == nil {
			wg.MarkDirty()
			wg.Release()
			return page.RecordID{PageID: pid, SlotID: slotID}, nil
		}
		wg.Release()
		if !errors.Is(err, ErrNoFreeSpace) {
			return page.RecordID{}, err
		}

		newWG, newID, err := t.cache.NewPage(t.storageID)
		if err != nil {
			return page.RecordID{}, err
		}
		Init(newWG.Bytes())
		newWG.MarkDirty()
		newWG.Release()
		t.lastPage.Store(uint32(newID))
	}
}

// Get returns the tuple at rid, decoded under t.schema.
func (t *Table) Get(rid page.RecordID) ([]page.Value, error) {
	rg, err := t.cache.FetchRead(t.storageID, rid.PageID)
	if err != nil {
		return nil, err
	}
	defer rg.Release()

	hp := Wrap(rg.Bytes())
	tuple, err := hp.GetTuple(rid.SlotID)
	if err != nil {
		return nil, err
	}
	return page.UnmarshalTuple(t.schema, tuple)
}

// Delete logically deletes rid's tuple. It does not reclaim space.
func (t *Table) Delete(rid page.RecordID) error {
	wg, err := t.cache.FetchWrite(t.storageID, rid.PageID)
	if err != nil {
		return err
	}
	defer wg.Release()

	hp := Wrap(wg.Bytes())
	if err := hp.DeleteTuple(rid.SlotID); err != nil {
		return err
	}
	wg.MarkDirty()
	return nil
}

// ScanFunc is called once per live (non-deleted) tuple during a Scan. A scan
// stops early if fn returns false.
type ScanFunc func(rid page.RecordID, values []page.Value) bool

// Scan walks every page of the table in page-id order and invokes fn for
// every non-tombstoned tuple.
func (t *Table) Scan(fn ScanFunc) error {
	for pid := t.storage.FirstPageID(); pid <= t.storage.LastPageID(); pid++ {
		more, err := t.scanPage(pid, fn)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// scanPage invokes fn for every live tuple on pid. It reports false once fn
// has asked the scan to stop.
func (t *Table) scanPage(pid page.PageID, fn ScanFunc) (bool, error) {
	rg, err := t.cache.FetchRead(t.storageID, pid)
	if err != nil {
		return false, err
	}
	defer rg.Release()

	hp := Wrap(rg.Bytes())
	for slot := 0; slot < hp.NumSlots(); slot++ {
		id := SlotID(slot)
		if hp.IsDeleted(id) {
			continue
		}
		raw, err := hp.GetTuple(id)
		if err != nil {
			return false, err
		}
		values, err := page.UnmarshalTuple(t.schema, raw)
		if err != nil {
			return false, err
		}
		if !fn(page.RecordID{PageID: pid, SlotID: id}, values) {
			return false, nil
		}
	}
	return true, nil
}
