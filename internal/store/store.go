// Package store provides crash-safe engine state persistence using JSON files.
//
// The state directory holds ledger.json (mirror exposure and positions),
// monitor.json (per-leader monitor cursors), deferred.json (sell fills parked
// awaiting a portfolio snapshot), and the recorder's per-leader cursor files.
// Writes use atomic file replacement
// (write to .tmp, then rename) to prevent corruption from partial writes or
// crashes mid-save. The engine saves on every commit and on shutdown, and
// loads on startup to resume where it left off.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/monitor"
	"polymarket-copytrader/pkg/types"
)

const (
	ledgerFile   = "ledger.json"
	cursorsFile  = "monitor.json"
	deferredFile = "deferred.json"
)

// DeferredFill is a sell fill parked until a portfolio snapshot makes the
// sold fraction computable. The monitor's seen set already contains its trade
// ID, so losing the queue would lose the fill for good; it persists with the
// rest of the engine state.
type DeferredFill struct {
	Fill    types.FillEvent `json:"fill"`
	Attempt int             `json:"attempt"`
}

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveLedger atomically persists the exposure ledger snapshot.
func (s *Store) SaveLedger(snap ledger.Snapshot) error {
	return s.save(ledgerFile, snap)
}

// LoadLedger restores the ledger snapshot from disk.
// Returns nil, nil if no saved snapshot exists (fresh start).
func (s *Store) LoadLedger() (*ledger.Snapshot, error) {
	var snap ledger.Snapshot
	ok, err := s.load(ledgerFile, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// SaveCursors atomically persists the per-leader monitor cursors.
func (s *Store) SaveCursors(cursors map[string]monitor.CursorState) error {
	return s.save(cursorsFile, cursors)
}

// LoadCursors restores monitor cursors from disk.
// Returns nil, nil if no saved cursors exist.
func (s *Store) LoadCursors() (map[string]monitor.CursorState, error) {
	var cursors map[string]monitor.CursorState
	ok, err := s.load(cursorsFile, &cursors)
	if err != nil || !ok {
		return nil, err
	}
	return cursors, nil
}

// SaveDeferred atomically persists fills awaiting a retry, keyed by leader
// name.
func (s *Store) SaveDeferred(fills map[string][]DeferredFill) error {
	return s.save(deferredFile, fills)
}

// LoadDeferred restores pending deferred fills from disk.
// Returns nil, nil if none were saved.
func (s *Store) LoadDeferred() (map[string][]DeferredFill, error) {
	var fills map[string][]DeferredFill
	ok, err := s.load(deferredFile, &fills)
	if err != nil || !ok {
		return nil, err
	}
	return fills, nil
}

// save writes a document to a .tmp file first, then renames over the target,
// so the file is never left in a partial state.
func (s *Store) save(name string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// load reads a document from disk; ok is false when the file does not exist.
func (s *Store) load(name string, doc any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
