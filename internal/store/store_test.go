package store

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func TestOpenAppliesMigrations(t *testing.T) {
	dir := t.TempDir()
	d := Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	defer d.Close()

	if d.Degraded() {
		t.Fatal("expected relational backend")
	}
	for _, table := range []string{"messages", "knowledge", "threads", "kv_context", "delivery_queue", "completion_cache"} {
		var n int
		if err := d.SQL().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")

	d := Open(path, dir, slog.Default())
	if d.Degraded() {
		t.Fatal("first open degraded")
	}
	d.Close()

	d2 := Open(path, dir, slog.Default())
	defer d2.Close()
	if d2.Degraded() {
		t.Fatal("second open degraded")
	}
}

type row struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestJSONTableAppendLoad(t *testing.T) {
	d := &DB{fallbackDir: t.TempDir()}
	tbl := d.Table("widgets")

	if err := tbl.Append(row{Name: "a", N: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Append(row{Name: "b", N: 2}); err != nil {
		t.Fatal(err)
	}

	var rows []row
	if err := tbl.Load(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].Name != "b" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestJSONTableReplace(t *testing.T) {
	d := &DB{fallbackDir: t.TempDir()}
	tbl := d.Table("widgets")

	tbl.Append(row{Name: "old"})
	if err := tbl.Replace([]row{{Name: "new", N: 9}}); err != nil {
		t.Fatal(err)
	}

	var rows []row
	if err := tbl.Load(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "new" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestJSONTableLoadMissing(t *testing.T) {
	d := &DB{fallbackDir: t.TempDir()}
	var rows []row
	if err := d.Table("nothing").Load(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %+v", rows)
	}
}
