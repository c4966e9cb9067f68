package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/partysync/models"
)

// ErrNoSnapshot is returned when no usable snapshot exists for a room.
var ErrNoSnapshot = errors.New("no snapshot")

// View is one read of a room's state of record.
type View struct {
	Session     *models.GameSession `json:"session,omitempty"`
	Round       *models.Round       `json:"round,omitempty"`
	Answers     []models.Answer     `json:"answers,omitempty"`
	Assignments []models.Assignment `json:"assignments,omitempty"`
	Votes       []models.Vote       `json:"votes,omitempty"`
	Guess       *models.Guess       `json:"guess,omitempty"`
	FetchedAt   time.Time           `json:"fetchedAt"`
	// Stale marks a view rebuilt from a snapshot because the store was unreachable.
	Stale bool `json:"-"`
}

// SnapshotStore keeps the last good view of each room on the local device.
type SnapshotStore interface {
	Save(roomID string, v View) error
	Load(roomID string) (*View, error)
}

type MemorySnapshots struct {
	ttl   time.Duration
	mu    sync.Mutex
	views map[string]View
}

func NewMemorySnapshots(ttl time.Duration) *MemorySnapshots {
	return &MemorySnapshots{ttl: ttl, views: make(map[string]View)}
}

func (m *MemorySnapshots) Save(roomID string, v View) error {
	m.mu.Lock()
	m.views[roomID] = v
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshots) Load(roomID string) (*View, error) {
	m.mu.Lock()
	v, ok := m.views[roomID]
	m.mu.Unlock()
	if !ok || expired(v, m.ttl) {
		return nil, ErrNoSnapshot
	}
	return &v, nil
}

// FileSnapshots stores one JSON file per room under dir.
type FileSnapshots struct {
	dir string
	ttl time.Duration
	mu  sync.Mutex
}

func NewFileSnapshots(dir string, ttl time.Duration) (*FileSnapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	return &FileSnapshots{dir: dir, ttl: ttl}, nil
}

func (f *FileSnapshots) path(roomID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, roomID)
	return filepath.Join(f.dir, "room-"+name+".json")
}

func (f *FileSnapshots) Save(roomID string, v View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := os.CreateTemp(f.dir, "snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(roomID))
}

func (f *FileSnapshots) Load(roomID string) (*View, error) {
	f.mu.Lock()
	data, err := os.ReadFile(f.path(roomID))
	f.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if expired(v, f.ttl) {
		return nil, ErrNoSnapshot
	}
	return &v, nil
}

func expired(v View, ttl time.Duration) bool {
	return ttl > 0 && time.Since(v.FetchedAt) > ttl
}
