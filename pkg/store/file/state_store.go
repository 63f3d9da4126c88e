// Package file stores scheduler snapshots as JSON files on local disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/scheduler"

	"github.com/tidwall/pretty"
)

// StateStore writes the snapshot to a single file. Writes go to a temporary
// file in the same directory and are renamed into place.
type StateStore struct {
	path string
}

// NewStateStore creates a store writing to path
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path target file
func (s *StateStore) Path() string {
	return s.path
}

// SaveState writes an indented JSON snapshot
func (s *StateStore) SaveState(_ context.Context, snap *scheduler.Snapshot) error {
	data, err := scheduler.MarshalState(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(pretty.Pretty(data)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// LoadState reads the snapshot, interfaces.ErrStateNotFound when the file is absent
func (s *StateStore) LoadState(_ context.Context) (*scheduler.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return scheduler.UnmarshalState(data)
}

var _ interfaces.StateStore = (*StateStore)(nil)
