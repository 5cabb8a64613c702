package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mponcet/joujoudb/internal/storage/config"
	"github.com/mponcet/joujoudb/internal/storage/page"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.RootDirectory = filepath.Join(t.TempDir(), "data")
	cfg.PageCacheSize = 32
	cfg.MaintenanceCron = "@every 1h" // don't fire during the test

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenTableInsertCreatesFileUnderDatabase(t *testing.T) {
	e := newTestEngine(t)
	schema, err := page.NewSchema([]page.Column{
		{Name: "id", Type: page.KindInteger},
	})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	db, err := e.Database("shop")
	if err != nil {
		t.Fatalf("Database: %v", err)
	}
	tbl, err := db.OpenTable("widgets", schema)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if _, err := tbl.Insert([]page.Value{page.IntegerValue(7)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := filepath.Join(e.cfg.RootDirectory, "shop", "widgets.tbl")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("table file not at expected path %s: %v", want, err)
	}
}

func TestOpenIndexInsertCreatesFileUnderDatabase(t *testing.T) {
	e := newTestEngine(t)

	db, err := e.Database("shop")
	if err != nil {
		t.Fatalf("Database: %v", err)
	}
	idx, err := db.OpenIndex("by_id")
	if err != nil {
		t.Fatalf("OpenIndex (create): %v", err)
	}
	if err := idx.Insert(1, page.RecordID{PageID: 1, SlotID: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	want := filepath.Join(e.cfg.RootDirectory, "shop", "by_id.idx")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("index file not at expected path %s: %v", want, err)
	}
}

func TestOpenTableRejectsInvalidName(t *testing.T) {
	e := newTestEngine(t)
	schema, _ := page.NewSchema([]page.Column{{Name: "id", Type: page.KindInteger}})
	db, err := e.Database("shop")
	if err != nil {
		t.Fatalf("Database: %v", err)
	}
	if _, err := db.OpenTable("", schema); err == nil {
		t.Fatalf("expected error for empty table name")
	}
}

func TestDatabaseRejectsInvalidName(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Database("bad/name"); err == nil {
		t.Fatalf("expected error for database name containing a path separator")
	}
}

func TestTwoDatabasesIsolateSameTableName(t *testing.T) {
	e := newTestEngine(t)
	schema, _ := page.NewSchema([]page.Column{{Name: "id", Type: page.KindInteger}})

	shop, err := e.Database("shop")
	if err != nil {
		t.Fatalf("Database: %v", err)
	}
	other, err := e.Database("archive")
	if err != nil {
		t.Fatalf("Database: %v", err)
	}

	shopWidgets, err := shop.OpenTable("widgets", schema)
	if err != nil {
		t.Fatalf("OpenTable (shop): %v", err)
	}
	archiveWidgets, err := other.OpenTable("widgets", schema)
	if err != nil {
		t.Fatalf("OpenTable (archive): %v", err)
	}

	if _, err := shopWidgets.Insert([]page.Value{page.IntegerValue(1)}); err != nil {
		t.Fatalf("Insert (shop): %v", err)
	}
	if _, err := archiveWidgets.Insert([]page.Value{page.IntegerValue(2)}); err != nil {
		t.Fatalf("Insert (archive): %v", err)
	}

	shopPath := filepath.Join(e.cfg.RootDirectory, "shop", "widgets.tbl")
	archivePath := filepath.Join(e.cfg.RootDirectory, "archive", "widgets.tbl")
	if shopPath == archivePath {
		t.Fatalf("expected distinct file paths, got the same: %s", shopPath)
	}
	if _, err := os.Stat(shopPath); err != nil {
		t.Fatalf("stat %s: %v", shopPath, err)
	}
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("stat %s: %v", archivePath, err)
	}
}
