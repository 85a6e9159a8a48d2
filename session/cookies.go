package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExportCookies writes the cookies of session id to path as a standalone
// JSON array.
func (s *Store) ExportCookies(id, path string) error {
	st, err := s.Load(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st.Cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal cookies: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session: export cookies: %w", err)
		}
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("session: export cookies: %w", err)
	}
	return nil
}

// ReadCookieFile reads a JSON cookie array, as written by ExportCookies.
// A full session record is accepted too; its cookies are returned.
func ReadCookieFile(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read cookie file: %w", err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err == nil {
		return cookies, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: cookie file %s: %w", path, err)
	}
	return rec.Cookies, nil
}
