// Package pathsafe guards user-supplied identifiers that end up as file
// names (session ids) against traversal and unsafe characters.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("pathsafe: path traversal detected")

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for file names. Allows alphanumeric, underscore, hyphen, and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("pathsafe: identifier must not be empty")
	}
	if len(s) > 200 {
		return fmt.Errorf("pathsafe: identifier too long (max 200)")
	}
	if s == "." || s == ".." || strings.HasPrefix(s, ".") {
		return fmt.Errorf("pathsafe: identifier %q must not start with a dot", s)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("pathsafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// Join validates that joining base and name does not escape base and
// returns the cleaned path. name must be relative.
func Join(base, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+name))
	root := filepath.Clean(base)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
