// Package scriptstore persists submitted source so the sandboxed runtime can
// read it.
package scriptstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store writes each script to its own file inside a directory
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating the directory if needed
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create script directory %s: %w", dir, err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve script directory %s: %w", dir, err)
	}

	return &Store{dir: abs}, nil
}

// Create writes code to a new file and returns its identifier and path
func (s *Store) Create(code string) (string, string, error) {
	scriptID := uuid.New().String()
	scriptPath := filepath.Join(s.dir, scriptID+".js")

	// O_EXCL: identifiers are never reused
	f, err := os.OpenFile(scriptPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", "", fmt.Errorf("failed to create script file: %w", err)
	}

	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(scriptPath)
		return "", "", fmt.Errorf("failed to write script file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(scriptPath)
		return "", "", fmt.Errorf("failed to close script file: %w", err)
	}

	return scriptID, scriptPath, nil
}

// Remove deletes the script file at path
func (s *Store) Remove(path string) error {
	if filepath.Dir(path) != s.dir {
		return fmt.Errorf("refusing to remove %s: outside script directory", path)
	}
	return os.Remove(path)
}

// Dir returns the directory scripts are written to
func (s *Store) Dir() string {
	return s.dir
}
