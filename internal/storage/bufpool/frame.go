package bufpool

import (
	"sync/atomic"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

// frame is one slot of the buffer pool: PAGE_SIZE bytes plus the metadata
// needed to latch, pin, and evict it. It is grounded in the teacher's
// pager.PageFrame (pin count + intrusive LRU links) merged with
// original_source/src/cache/memcache.rs's PageLatch-per-frame split of
// latching from eviction bookkeeping.
type frame struct {
	latch *FrameLatch

	buf []byte

	key   page.StorageKey
	valid bool // buf holds key's page contents

	pin      atomic.Int32
	dirty    bool
	evicting bool // reserved as an eviction victim; excluded from selection

	lruPrev, lruNext *frame
}

func newFrame() *frame {
	return &frame{
		latch: NewFrameLatch(),
		buf:   make([]byte, page.PageSize),
	}
}

func (f *frame) pinCount() int32 { return f.pin.Load() }
