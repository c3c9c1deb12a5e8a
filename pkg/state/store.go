// Package state persists FSM snapshots as one JSON file per actor.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hdlforge/pkg/utils"
)

// ErrNotFound is returned when an actor has no persisted snapshot.
var ErrNotFound = errors.New("state snapshot not found")

// Transition is one recorded state change.
type Transition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// Snapshot is the persisted view of an actor's state machine.
type Snapshot struct {
	Actor     string         `json:"actor"`
	State     string         `json:"state"`
	History   []Transition   `json:"history"`
	Counters  map[string]int `json:"counters,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store manages snapshot files under a base directory.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore creates a new state store with the given base directory.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.baseDir
}

// Save writes the snapshot atomically (temp file + rename).
func (s *Store) Save(snap Snapshot) error {
	if snap.Actor == "" {
		return fmt.Errorf("actor cannot be empty")
	}
	if snap.State == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", snap.Actor, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.filename(snap.Actor)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file for %s: %w", snap.Actor, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to commit state file for %s: %w", snap.Actor, err)
	}
	return nil
}

// Load reads an actor's snapshot.
func (s *Store) Load(actor string) (*Snapshot, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor cannot be empty")
	}

	data, err := os.ReadFile(s.filename(actor))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actor)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file for %s: %w", actor, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for %s: %w", actor, err)
	}
	return &snap, nil
}

// List returns the actors with persisted snapshots, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var actors []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		actors = append(actors, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(actors)
	return actors, nil
}

// Delete removes an actor's snapshot. Missing files are not an error.
func (s *Store) Delete(actor string) error {
	err := os.Remove(s.filename(actor))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state file for %s: %w", actor, err)
	}
	return nil
}

// Actor names may carry a run prefix such as "and_gate/reviewer".
func (s *Store) filename(actor string) string {
	return filepath.Join(s.baseDir, utils.PathSegment(actor)+".json")
}
