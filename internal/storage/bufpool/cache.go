// Package bufpool implements the disk-backed buffer pool: a fixed set of
// page frames, latched and pinned individually, evicted by global LRU, and
// flushed to their backing storages by a periodic writeback task
// (components E and F). It is grounded in original_source/src/cache/
// pagecache.rs's PageCache<S> (multi-storage multiplexing, dirty-page
// writeback thread) layered over the teacher's pager.PageBufferPool LRU
// bookkeeping.
package bufpool

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

// StorageHandle is the page-addressed I/O surface a PageCache multiplexes
// over. backend.FileBackend implements it.
type StorageHandle interface {
	ReadPage(id page.PageID, dst []byte) error
	WritePage(id page.PageID, src []byte) error
	AllocatePage() (page.PageID, error)
	Fsync()
	FirstPageID() page.PageID
	LastPageID() page.PageID
}

// Config configures a PageCache.
type Config struct {
	// Capacity is the number of frames in the pool.
	Capacity int
	// WritebackInterval is how often the background task flushes dirty
	// frames. Zero disables the background task; callers must call Flush
	// explicitly.
	WritebackInterval time.Duration
	Logger            *log.Logger
}

// PageCache is the buffer pool facade every table and index acquires pages
// through. One PageCache multiplexes many storages (tables and indexes
// share the same frame pool and eviction policy).
type PageCache struct {
	pool   *Pool
	logger *log.Logger

	mu          sync.RWMutex
	storages    map[page.StorageID]StorageHandle
	nextStorage atomic.Uint32

	writebackInterval time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
	closed            atomic.Bool
}

// NewPageCache constructs a PageCache and, if cfg.WritebackInterval is
// nonzero, starts its background writeback goroutine.
func NewPageCache(cfg Config) *PageCache {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &PageCache{
		pool:              NewPool(cfg.Capacity),
		logger:            logger,
		storages:          make(map[page.StorageID]StorageHandle),
		writebackInterval: cfg.WritebackInterval,
		stopCh:            make(chan struct{}),
	}
	if cfg.WritebackInterval > 0 {
		c.wg.Add(1)
		go c.writebackLoop()
	}
	return c
}

// Attach registers a storage and returns the StorageID pages on it are
// addressed with.
func (c *PageCache) Attach(h StorageHandle) page.StorageID {
	id := page.StorageID(c.nextStorage.Add(1))
	c.mu.Lock()
	c.storages[id] = h
	c.mu.Unlock()
	return id
}

func (c *PageCache) storageOf(id page.StorageID) (StorageHandle, error) {
	c.mu.RLock()
	h, ok := c.storages[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStorage, id)
	}
	return h, nil
}

func (c *PageCache) markDirty(f *frame) {
	c.pool.mu.Lock()
	f.dirty = true
	c.pool.mu.Unlock()
}

func (c *PageCache) writeBackFrame(f *frame) error {
	h, err := c.storageOf(f.key.StorageID)
	if err != nil {
		return err
	}
	if err := h.WritePage(f.key.PageID, f.buf); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// FetchRead pins id on storageID and returns a shared-latched ReadGuard over
// it, loading it from storage on a cache miss.
func (c *PageCache) FetchRead(storageID page.StorageID, id page.PageID) (*ReadGuard, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	f, err := c.fetch(storageID, id)
	if err != nil {
		return nil, err
	}
	f.latch.RLock()
	return &ReadGuard{cache: c, frame: f}, nil
}

// FetchWrite pins id on storageID and returns an exclusively-latched
// WriteGuard over it, loading it from storage on a cache miss.
func (c *PageCache) FetchWrite(storageID page.StorageID, id page.PageID) (*WriteGuard, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	f, err := c.fetch(storageID, id)
	if err != nil {
		return nil, err
	}
	f.latch.Lock()
	return &WriteGuard{cache: c, frame: f}, nil
}

func (c *PageCache) fetch(storageID page.StorageID, id page.PageID) (*frame, error) {
	h, err := c.storageOf(storageID)
	if err != nil {
		return nil, err
	}
	if id > h.LastPageID() {
		return nil, fmt.Errorf("%w: page %d on storage %d", ErrPageNotFound, id, storageID)
	}
	key := page.StorageKey{StorageID: storageID, PageID: id}

	f, needsLoad, err := c.pool.acquireFrame(key, c.writeBackFrame)
	if err != nil {
		return nil, err
	}
	// A hit can reach the frame before the goroutine that claimed it has
	// loaded it, so every fetch checks valid under the frame's latch, and
	// whoever finds it unset loads the page under the exclusive latch to
	// keep readers of a half-loaded frame out.
	loaded := false
	if !needsLoad {
		f.latch.RLock()
		loaded = f.valid
		f.latch.RUnlock()
	}
	if !loaded {
		f.latch.Lock()
		if !f.valid {
			if rerr := h.ReadPage(id, f.buf); rerr != nil {
				f.latch.Unlock()
				c.pool.unpin(f)
				return nil, rerr
			}
			f.valid = true
		}
		f.latch.Unlock()
	}
	return f, nil
}

// NewPage allocates a fresh page on storageID and returns an exclusively-
// latched WriteGuard over it, already pinned, ready for the caller to
// initialize and mark dirty.
func (c *PageCache) NewPage(storageID page.StorageID) (*WriteGuard, page.PageID, error) {
	if c.closed.Load() {
		return nil, 0, ErrClosed
	}
	h, err := c.storageOf(storageID)
	if err != nil {
		return nil, 0, err
	}
	id, err := h.AllocatePage()
	if err != nil {
		return nil, 0, err
	}
	key := page.StorageKey{StorageID: storageID, PageID: id}
	f, _, err := c.pool.acquireFrame(key, c.writeBackFrame)
	if err != nil {
		return nil, 0, err
	}
	f.latch.Lock()
	f.valid = true // freshly allocated: caller initializes contents, not storage
	return &WriteGuard{cache: c, frame: f}, id, nil
}

// Stats reports the buffer pool's current occupancy, for the maintenance
// job's log line.
func (c *PageCache) Stats() Stats {
	return c.pool.stats()
}

// Flush writes back every dirty frame, synchronously, and fsyncs every
// attached storage that had dirty pages.
func (c *PageCache) Flush() error {
	touched := make(map[page.StorageID]struct{})
	for _, f := range c.pool.dirtyFrames() {
		f.latch.Lock()
		if f.dirty {
			if err := c.writeBackFrame(f); err != nil {
				f.latch.Unlock()
				return err
			}
			touched[f.key.StorageID] = struct{}{}
		}
		f.latch.Unlock()
	}
	for id := range touched {
		h, err := c.storageOf(id)
		if err != nil {
			continue
		}
		h.Fsync()
	}
	return nil
}

// writebackLoop periodically flushes dirty frames, mirroring
// original_source/src/cache/pagecache.rs's writeback_thread but as a
// goroutine driven by time.Ticker instead of a sleep loop.
func (c *PageCache) writebackLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.writebackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.logger.Printf("bufpool: writeback sweep failed: %v", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the writeback goroutine and performs a final flush.
func (c *PageCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	return c.Flush()
}
