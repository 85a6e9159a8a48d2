// Package session persists browser authentication state (cookies and
// per-origin storage) keyed by session id.
//
// Each session is one JSON file <dir>/<id>.json. Files are written
// atomically; the in-memory index is only a hint and every existence check
// is corroborated against the filesystem, so records dropped into the
// directory by other processes are picked up.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/internal/pathsafe"
)

// Cookie is one browser cookie. Expires is in Unix seconds; zero means a
// session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Origin is the storage snapshot of one origin.
type Origin struct {
	Origin         string            `json:"origin"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
}

// State is the restorable authentication state.
type State struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Record is the on-disk form of a session.
type Record struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"saved_at"`
	State
}

// Source yields the state to persist, usually a live page.
type Source interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	StorageState(ctx context.Context) ([]Origin, error)
}

type staticSource struct{ st State }

func (s staticSource) Cookies(context.Context) ([]Cookie, error)      { return s.st.Cookies, nil }
func (s staticSource) StorageState(context.Context) ([]Origin, error) { return s.st.Origins, nil }

// FromState wraps an already captured state as a Source.
func FromState(st State) Source { return staticSource{st: st} }

// Store manages session files under one directory.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	index map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates dir if needed and indexes the sessions it already holds.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("session: empty directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
		index:  make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := s.List(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) (string, error) {
	if err := pathsafe.ValidateIdentifier(id); err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	return pathsafe.Join(s.dir, id+".json")
}

// Save snapshots src and writes it under id, replacing any previous record.
// It returns the file location.
func (s *Store) Save(ctx context.Context, id string, src Source) (string, error) {
	p, err := s.path(id)
	if err != nil {
		return "", err
	}
	cookies, err := src.Cookies(ctx)
	if err != nil {
		return "", fmt.Errorf("session: snapshot cookies: %w", err)
	}
	origins, err := src.StorageState(ctx)
	if err != nil {
		return "", fmt.Errorf("session: snapshot storage: %w", err)
	}
	if cookies == nil {
		cookies = []Cookie{}
	}
	if origins == nil {
		origins = []Origin{}
	}
	rec := Record{ID: id, SavedAt: s.now().UTC(), State: State{Cookies: cookies, Origins: origins}}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("session: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(p, data); err != nil {
		return "", fmt.Errorf("session: write %s: %w", id, err)
	}
	s.index[id] = true
	s.logger.Info("session saved", "id", id, "cookies", len(cookies), "origins", len(origins))
	return p, nil
}

// Load returns the state saved under id, or a domerr SessionNotFound error.
func (s *Store) Load(id string) (*State, error) {
	rec, err := s.Record(id)
	if err != nil {
		return nil, err
	}
	return &rec.State, nil
}

// Record returns the full on-disk record saved under id.
func (s *Store) Record(id string) (*Record, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		s.forget(id)
		return nil, domerr.New(domerr.SessionNotFound, id, "load", err)
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	s.remember(id)
	return &rec, nil
}

// Exists reports whether a record for id is present on disk.
func (s *Store) Exists(id string) bool {
	p, err := s.path(id)
	if err != nil {
		return false
	}
	if _, err := os.Stat(p); err != nil {
		s.forget(id)
		return false
	}
	s.remember(id)
	return true
}

// List returns the ids of every record in the directory, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	ids := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if pathsafe.ValidateIdentifier(id) != nil {
			continue
		}
		ids = append(ids, id)
		seen[id] = true
	}
	sort.Strings(ids)

	s.mu.Lock()
	s.index = seen
	s.mu.Unlock()
	return ids, nil
}

// Delete removes the record for id. It reports whether a record existed.
func (s *Store) Delete(id string) (bool, error) {
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, id)
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: delete %s: %w", id, err)
	}
	s.logger.Info("session deleted", "id", id)
	return true, nil
}

func (s *Store) remember(id string) {
	s.mu.Lock()
	s.index[id] = true
	s.mu.Unlock()
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
