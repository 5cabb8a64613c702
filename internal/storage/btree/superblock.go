package btree

import (
	"encoding/binary"

	"github.com/mponcet/joujoudb/internal/storage/page"
)

// Superblock occupies page 0 of every index storage. It records only the
// root page id — per SPEC_FULL's Non-goals, the checksum the Rust original's
// SuperBlock carries (original_source/src/pages/superblock.rs) is dropped
// along with crash recovery.
const rootPageIDOffset = 0

func readRootPageID(buf []byte) page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(buf[rootPageIDOffset : rootPageIDOffset+4]))
}

func writeRootPageID(buf []byte, id page.PageID) {
	binary.LittleEndian.PutUint32(buf[rootPageIDOffset:rootPageIDOffset+4], uint32(id))
}
