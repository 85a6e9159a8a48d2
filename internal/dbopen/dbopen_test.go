package dbopen

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpen_FileWithSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "j.db")
	db, err := Open(path, WithMkdirAll(), WithSchema(`CREATE TABLE t (v TEXT)`))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if _, err := Exec(context.Background(), db, `INSERT INTO t VALUES (?)`, "x"); err != nil {
		t.Fatal(err)
	}
}

func TestOpenMemory(t *testing.T) {
	db := OpenMemory(t, WithSchema(`CREATE TABLE t (v INTEGER)`))
	if _, err := db.Exec(`INSERT INTO t VALUES (1)`); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM t`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestOpen_BadSchema(t *testing.T) {
	if _, err := Open(":memory:", WithSchema(`NOT SQL`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("busy not detected")
	}
	if IsBusy(errors.New("no such table")) || IsBusy(nil) {
		t.Error("false positive")
	}
}
