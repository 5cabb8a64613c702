package bufpool

import (
	"sync"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

// maxEvictRetries bounds the number of times acquireFrame will retry victim
// selection before giving up with ErrFull. A retry is needed when a
// concurrently-selected victim gets pinned by another goroutine before its
// latch is acquired, or when every frame is momentarily pinned.
const maxEvictRetries = 8

// Pool is the fixed-size array of frames shared by every storage attached to
// a PageCache (component E). All bookkeeping — the page table, the LRU
// list, and the free list — is protected by one mutex; the page I/O and
// latch acquisition an eviction requires happen outside it, per SPEC_FULL
// §4.F's eviction-race closure.
type Pool struct {
	mu sync.Mutex

	frames    []*frame
	freeList  []*frame
	pageTable map[page.StorageKey]*frame

	lruHead, lruTail *frame
}

// NewPool allocates capacity frames, all initially on the free list.
func NewPool(capacity int) *Pool {
	p := &Pool{
		frames:    make([]*frame, capacity),
		freeList:  make([]*frame, 0, capacity),
		pageTable: make(map[page.StorageKey]*frame, capacity),
	}
	for i := range p.frames {
		f := newFrame()
		p.frames[i] = f
		p.freeList = append(p.freeList, f)
	}
	return p
}

func (p *Pool) pushFrontLRU(f *frame) {
	f.lruPrev = nil
	f.lruNext = p.lruHead
	if p.lruHead != nil {
		p.lruHead.lruPrev = f
	}
	p.lruHead = f
	if p.lruTail == nil {
		p.lruTail = f
	}
}

func (p *Pool) unlinkLRU(f *frame) {
	if f.lruPrev != nil {
		f.lruPrev.lruNext = f.lruNext
	} else if p.lruHead == f {
		p.lruHead = f.lruNext
	}
	if f.lruNext != nil {
		f.lruNext.lruPrev = f.lruPrev
	} else if p.lruTail == f {
		p.lruTail = f.lruPrev
	}
	f.lruPrev, f.lruNext = nil, nil
}

func (p *Pool) touchLRU(f *frame) {
	if p.lruHead == f {
		return
	}
	p.unlinkLRU(f)
	p.pushFrontLRU(f)
}

// findEvictableLocked scans from the LRU tail (least recently used) for the
// first unpinned, not-already-reserved frame. Callers must hold p.mu.
func (p *Pool) findEvictableLocked() *frame {
	for f := p.lruTail; f != nil; f = f.lruPrev {
		if f.pinCount() == 0 && !f.evicting {
			return f
		}
	}
	return nil
}

// writeBackFn persists a dirty frame's contents to its storage. Supplied by
// PageCache, which alone knows how to map a StorageID back to its backend.
type writeBackFn func(f *frame) error

// acquireFrame returns the frame holding key, pinning it. If key was not
// already resident, a free or evicted frame is claimed for it and needsLoad
// is true: the caller must then fill frame.buf from storage.
func (p *Pool) acquireFrame(key page.StorageKey, writeBack writeBackFn) (f *frame, needsLoad bool, err error) {
	for attempt := 0; attempt < maxEvictRetries; attempt++ {
		p.mu.Lock()

		if existing, ok := p.pageTable[key]; ok {
			existing.pin.Add(1)
			p.touchLRU(existing)
			p.mu.Unlock()
			return existing, false, nil
		}

		if n := len(p.freeList); n > 0 {
			victim := p.freeList[n-1]
			p.freeList = p.freeList[:n-1]
			p.claimLocked(victim, key)
			p.mu.Unlock()
			return victim, true, nil
		}

		victim := p.findEvictableLocked()
		if victim == nil {
			p.mu.Unlock()
			continue
		}
		victim.evicting = true
		oldKey := victim.key
		p.mu.Unlock()

		victim.latch.Lock()
		if victim.pinCount() != 0 {
			victim.latch.Unlock()
			p.mu.Lock()
			victim.evicting = false
			p.mu.Unlock()
			continue
		}
		if victim.dirty {
			if werr := writeBack(victim); werr != nil {
				victim.latch.Unlock()
				p.mu.Lock()
				victim.evicting = false
				p.mu.Unlock()
				return nil, false, werr
			}
		}
		victim.latch.Unlock()

		p.mu.Lock()
		if victim.pinCount() != 0 || !victim.evicting {
			// Lost the race a second time; someone else re-pinned it while
			// the latch was briefly unheld between writeback and here.
			victim.evicting = false
			p.mu.Unlock()
			continue
		}
		delete(p.pageTable, oldKey)
		p.unlinkLRU(victim)
		p.claimLocked(victim, key)
		p.mu.Unlock()
		return victim, true, nil
	}
	return nil, false, ErrFull
}

// claimLocked assigns key to f and places it at the front of the LRU list.
// Callers must hold p.mu.
func (p *Pool) claimLocked(f *frame, key page.StorageKey) {
	f.key = key
	f.pin.Store(1)
	f.valid = false
	f.dirty = false
	f.evicting = false
	p.pageTable[key] = f
	p.pushFrontLRU(f)
}

// unpin decrements f's pin count. The frame remains resident (and eligible
// for LRU eviction once its pin count reaches zero) until it is evicted.
func (p *Pool) unpin(f *frame) {
	if f.pin.Add(-1) < 0 {
		panic("bufpool: unpin without matching pin")
	}
}

// lookup returns the frame currently holding key, if any. It takes p.mu
// itself.
func (p *Pool) lookup(key page.StorageKey) (*frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.pageTable[key]
	return f, ok
}

// dirtyFrames returns every frame currently marked dirty, for the writeback
// sweep.
func (p *Pool) dirtyFrames() []*frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*frame
	for _, f := range p.pageTable {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

// Stats is a point-in-time snapshot of pool occupancy, for the maintenance
// job's log line.
type Stats struct {
	FramesInUse int
	FramesFree  int
	DirtyFrames int
}

func (p *Pool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirty := 0
	for _, f := range p.pageTable {
		if f.dirty {
			dirty++
		}
	}
	return Stats{
		FramesInUse: len(p.pageTable),
		FramesFree:  len(p.freeList),
		DirtyFrames: dirty,
	}
}
