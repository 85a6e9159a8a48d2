package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domharvest/domerr"
)

func sampleState() State {
	return State{
		Cookies: []Cookie{
			{Name: "sid", Value: "abc", Domain: "shop.test", Path: "/", HTTPOnly: true, Secure: true, SameSite: "Lax"},
			{Name: "pref", Value: "dark", Domain: "shop.test", Path: "/", Expires: 1893456000},
		},
		Origins: []Origin{{Origin: "https://shop.test", LocalStorage: map[string]string{"token": "t1"}}},
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	st := sampleState()

	loc, err := s.Save(ctx, "alice", FromState(st))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if loc != filepath.Join(s.Dir(), "alice.json") {
		t.Errorf("location = %s", loc)
	}
	if !s.Exists("alice") {
		t.Fatal("exists after save = false")
	}

	got, err := s.Load("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(st, *got); diff != "" {
		t.Errorf("state round trip (-want +got):\n%s", diff)
	}

	ok, err := s.Delete("alice")
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	_, err = s.Load("alice")
	if !domerr.Is(err, domerr.SessionNotFound) {
		t.Fatalf("load after delete: %v, want SessionNotFound", err)
	}
	if !errors.Is(err, &domerr.Error{Kind: domerr.SessionNotFound, Target: "alice"}) {
		t.Error("error should carry the session id as target")
	}
	if s.Exists("alice") {
		t.Error("exists after delete = true")
	}
	ok, err = s.Delete("alice")
	if err != nil || ok {
		t.Errorf("second delete = %v, %v", ok, err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if _, err := s.Save(ctx, "bob", FromState(sampleState())); err != nil {
		t.Fatal(err)
	}
	next := State{Cookies: []Cookie{{Name: "sid", Value: "new"}}}
	if _, err := s.Save(ctx, "bob", FromState(next)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Cookies) != 1 || got.Cookies[0].Value != "new" || len(got.Origins) != 0 {
		t.Errorf("got %+v", got)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1 (no temp leftovers)", len(entries))
	}
}

func TestExternallyCreatedRecordIsDiscovered(t *testing.T) {
	s := openStore(t)
	if s.Exists("carol") {
		t.Fatal("unexpected record")
	}
	doc := `{"id":"carol","saved_at":"2024-05-01T10:00:00Z","cookies":[{"name":"a","value":"1"}],"origins":[]}`
	if err := os.WriteFile(filepath.Join(s.Dir(), "carol.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("carol") {
		t.Fatal("record written by another process not found")
	}
	rec, err := s.Record("carol")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SavedAt.Year() != 2024 || rec.Cookies[0].Name != "a" {
		t.Errorf("record = %+v", rec)
	}

	// Removed behind our back.
	os.Remove(filepath.Join(s.Dir(), "carol.json"))
	if s.Exists("carol") {
		t.Fatal("stale index reported a deleted record")
	}
}

func TestList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"zed", "amy", "mid.v2"} {
		if _, err := s.Save(ctx, id, FromState(State{})); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600)
	os.WriteFile(filepath.Join(s.Dir(), ".hidden.json"), []byte("{}"), 0o600)

	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"amy", "mid.v2", "zed"}, ids); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}
}

func TestInvalidIDs(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"", "../escape", "a/b", ".dot", "sp ace"} {
		if _, err := s.Save(context.Background(), id, FromState(State{})); err == nil {
			t.Errorf("Save(%q): expected error", id)
		}
		if s.Exists(id) {
			t.Errorf("Exists(%q) = true", id)
		}
		if _, err := s.Load(id); err == nil || domerr.Is(err, domerr.SessionNotFound) {
			t.Errorf("Load(%q) = %v, want validation error", id, err)
		}
	}
}

type failingSource struct{}

func (failingSource) Cookies(context.Context) ([]Cookie, error) { return nil, errors.New("page gone") }
func (failingSource) StorageState(context.Context) ([]Origin, error) {
	return nil, nil
}

func TestSaveSourceError(t *testing.T) {
	s := openStore(t)
	if _, err := s.Save(context.Background(), "x", failingSource{}); err == nil {
		t.Fatal("expected error")
	}
	if s.Exists("x") {
		t.Fatal("failed save left a record")
	}
}

func TestExportAndReadCookies(t *testing.T) {
	s := openStore(t)
	st := sampleState()
	if _, err := s.Save(context.Background(), "dave", FromState(st)); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "export", "cookies.json")
	if err := s.ExportCookies("dave", out); err != nil {
		t.Fatalf("export: %v", err)
	}
	got, err := ReadCookieFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(st.Cookies, got); diff != "" {
		t.Errorf("cookies (-want +got):\n%s", diff)
	}

	// A full record is accepted as a cookie file too.
	fromRecord, err := ReadCookieFile(filepath.Join(s.Dir(), "dave.json"))
	if err != nil || len(fromRecord) != 2 {
		t.Fatalf("record as cookie file: %v, %d cookies", err, len(fromRecord))
	}

	if err := s.ExportCookies("nobody", out); !domerr.Is(err, domerr.SessionNotFound) {
		t.Errorf("export missing session: %v", err)
	}
}
