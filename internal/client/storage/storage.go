package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atinyakov/keygate/internal/models"
)

// LocalStorage is the client's note vault, persisted as one JSON file.
type LocalStorage struct {
	Notes []Note `json:"notes"`

	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewLocalStorage returns an empty vault backed by path. Call Load to read
// existing notes.
func NewLocalStorage(path string) *LocalStorage {
	return &LocalStorage{path: path, now: time.Now}
}

// Load reads the vault file. A missing file is an empty vault.
func (ls *LocalStorage) Load() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	data, err := os.ReadFile(ls.path)
	if errors.Is(err, os.ErrNotExist) {
		ls.Notes = []Note{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}
	if err := json.Unmarshal(data, ls); err != nil {
		return fmt.Errorf("decode vault %s: %w", ls.path, err)
	}
	return nil
}

// Save writes the vault file, replacing it atomically.
func (ls *LocalStorage) Save() error {
	ls.mu.Lock()
	data, err := json.MarshalIndent(ls, "", "  ")
	ls.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ls.path), 0o700); err != nil {
		return err
	}
	tmp := ls.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, ls.path)
}

// Add stores a new note and returns it.
func (ls *LocalStorage) Add(keyName, comment string, payload models.EncryptedPayload) Note {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	now := ls.now().UTC()
	n := Note{
		ID:        uuid.New(),
		KeyName:   keyName,
		Comment:   comment,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ls.Notes = append(ls.Notes, n)
	return n
}

// List returns the notes, oldest first.
func (ls *LocalStorage) List() []Note {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := slices.Clone(ls.Notes)
	slices.SortStableFunc(out, func(a, b Note) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Get returns the note with id, or nil.
func (ls *LocalStorage) Get(id uuid.UUID) *Note {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, n := range ls.Notes {
		if n.ID == id {
			return &n
		}
	}
	return nil
}

// Delete removes the note with id and reports whether it existed.
func (ls *LocalStorage) Delete(id uuid.UUID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, n := range ls.Notes {
		if n.ID == id {
			ls.Notes = slices.Delete(ls.Notes, i, i+1)
			return true
		}
	}
	return false
}

// Edit replaces a note's payload and comment.
func (ls *LocalStorage) Edit(id uuid.UUID, payload models.EncryptedPayload, comment string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i := range ls.Notes {
		if ls.Notes[i].ID == id {
			ls.Notes[i].Payload = payload
			ls.Notes[i].Comment = comment
			ls.Notes[i].UpdatedAt = ls.now().UTC()
			return true
		}
	}
	return false
}
