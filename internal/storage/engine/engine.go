// Package engine wires the storage core's components together into the
// facade callers actually use (component K): a buffer pool sized from
// config, tables and indexes opened against it, and a coarse periodic
// maintenance sweep distinct from the buffer pool's own fine-grained
// writeback ticker. Grounded in the teacher's internal/storage/scheduler.go
// for the cron-driven maintenance idiom, generalized from its
// catalog/compaction jobs to the one maintenance concern this core still
// has: flushing dirty pages on a slower, independent cadence than the
// buffer pool's writeback task, as a defense against the writeback task
// falling behind or being tuned too far apart.
package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mponcet/joujoudb/internal/storage/backend"
	"github.com/mponcet/joujoudb/internal/storage/btree"
	"github.com/mponcet/joujoudb/internal/storage/bufpool"
	"github.com/mponcet/joujoudb/internal/storage/config"
	"github.com/mponcet/joujoudb/internal/storage/heap"
	"github.com/mponcet/joujoudb/internal/storage/page"
)

// Engine owns the buffer pool and every storage opened through it.
type Engine struct {
	cfg    config.Config
	logger *log.Logger
	cache  *bufpool.PageCache
	cron   *cron.Cron

	mu       sync.Mutex
	backends map[page.StorageID]*backend.FileBackend
}

// Open starts an Engine: it ensures cfg.RootDirectory exists, constructs the
// buffer pool, and starts the coarse maintenance cron job.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RootDirectory, 0755); err != nil {
		return nil, fmt.Errorf("engine: create root directory %s: %w", cfg.RootDirectory, err)
	}

	logger := log.New(os.Stderr, "joujoudb: ", log.LstdFlags)
	cache := bufpool.NewPageCache(bufpool.Config{
		Capacity:          cfg.PageCacheSize,
		WritebackInterval: cfg.WritebackInterval(),
		Logger:            logger,
	})

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		backends: make(map[page.StorageID]*backend.FileBackend),
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(cfg.MaintenanceCron, e.runMaintenance); err != nil {
		cache.Close()
		return nil, fmt.Errorf("engine: invalid maintenance_cron %q: %w", cfg.MaintenanceCron, err)
	}
	e.cron.Start()

	return e, nil
}

func (e *Engine) runMaintenance() {
	if err := e.cache.Flush(); err != nil {
		e.logger.Printf("maintenance sweep: flush failed: %v", err)
		return
	}
	stats := e.cache.Stats()
	e.logger.Printf("maintenance sweep: frames_in_use=%d frames_free=%d dirty_frames=%d",
		stats.FramesInUse, stats.FramesFree, stats.DirtyFrames)
}

// openBackend opens or creates the storage file at path, attaches it to the
// page cache, and records it for Close. logName identifies the storage in
// log lines (the database-qualified name, not the bare filesystem path).
func (e *Engine) openBackend(path, logName string) (b *backend.FileBackend, sid page.StorageID, existed bool, err error) {
	diagTag := uuid.New().String()

	if _, statErr := os.Stat(path); statErr == nil {
		existed = true
		b, err = backend.Open(backend.Config{Path: path, DirectIO: e.cfg.DirectIO})
	} else {
		b, err = backend.Create(backend.Config{Path: path, DirectIO: e.cfg.DirectIO})
	}
	if err != nil {
		return nil, 0, existed, fmt.Errorf("engine: open storage %s: %w", logName, err)
	}

	sid = e.cache.Attach(b)
	e.mu.Lock()
	e.backends[sid] = b
	e.mu.Unlock()

	e.logger.Printf("attached storage %s as id=%d tag=%s", logName, sid, diagTag)
	return b, sid, existed, nil
}

// Database is a named, filesystem-isolated collection of tables and indexes:
// RootDirectory/<database>/, per SPEC_FULL.md §6's
// "RootDirectory/<database_name>/<table_name>.tbl" filesystem layout.
type Database struct {
	engine *Engine
	name   string
	dir    string
}

// Database opens (creating if necessary) the database directory named name
// under the engine's root directory. name is validated against the same
// §6 regex as table/index names.
func (e *Engine) Database(name string) (*Database, error) {
	if !page.ValidName(name) {
		return nil, fmt.Errorf("%w: database %q", page.ErrInvalidName, name)
	}
	dir := filepath.Join(e.cfg.RootDirectory, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create database directory %s: %w", dir, err)
	}
	return &Database{engine: e, name: name, dir: dir}, nil
}

// OpenTable opens (creating if necessary) a heap table named name within d.
func (d *Database) OpenTable(name string, schema *page.Schema) (*heap.Table, error) {
	if !page.ValidName(name) {
		return nil, fmt.Errorf("%w: table %q", page.ErrInvalidName, name)
	}
	path := filepath.Join(d.dir, name+".tbl")
	b, sid, _, err := d.engine.openBackend(path, d.name+"/"+name+".tbl")
	if err != nil {
		return nil, err
	}
	return heap.Open(d.engine.cache, sid, b, schema)
}

// OpenIndex opens (creating if necessary) a B+ tree index named name within
// d.
func (d *Database) OpenIndex(name string) (*btree.BTree, error) {
	if !page.ValidName(name) {
		return nil, fmt.Errorf("%w: index %q", page.ErrInvalidName, name)
	}
	path := filepath.Join(d.dir, name+".idx")
	_, sid, existed, err := d.engine.openBackend(path, d.name+"/"+name+".idx")
	if err != nil {
		return nil, err
	}
	if existed {
		return btree.Open(d.engine.cache, sid)
	}
	return btree.Create(d.engine.cache, sid)
}

// Flush writes back every dirty page across every attached storage.
func (e *Engine) Flush() error {
	return e.cache.Flush()
}

// Close stops the maintenance cron job, flushes, and closes every attached
// storage.
func (e *Engine) Close() error {
	ctx := e.cron.Stop()
	<-ctx.Done()

	if err := e.cache.Close(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, b := range e.backends {
		if err := b.Close(); err != nil {
			e.logger.Printf("close storage id=%d: %v", name, err)
		}
	}
	return nil
}
