package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// FileKeyRepository keeps key records in a local JSON file. The whole file
// is rewritten on every change.
type FileKeyRepository struct {
	path string

	mu   sync.Mutex
	keys map[string]models.KeyRecord
}

type keyFile struct {
	Keys []models.KeyRecord `json:"keys"`
}

// NewFileKeyRepository loads path, treating a missing file as empty.
func NewFileKeyRepository(path string) (*FileKeyRepository, error) {
	r := &FileKeyRepository{path: path, keys: make(map[string]models.KeyRecord)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileKeyRepository) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var kf keyFile
	if err := json.NewDecoder(f).Decode(&kf); err != nil {
		return fmt.Errorf("decode %s: %w", r.path, err)
	}
	for _, k := range kf.Keys {
		r.keys[k.Name] = k
	}
	return nil
}

// save writes to a temp file and renames it so a crash never leaves a
// truncated key file behind. Callers hold r.mu.
func (r *FileKeyRepository) save() error {
	kf := keyFile{Keys: r.sorted()}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&kf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *FileKeyRepository) sorted() []models.KeyRecord {
	out := make([]models.KeyRecord, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Insert stores a new key record.
func (r *FileKeyRepository) Insert(_ context.Context, rec models.KeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[rec.Name]; ok {
		return keyed.ErrKeyExists
	}
	r.keys[rec.Name] = rec
	if err := r.save(); err != nil {
		delete(r.keys, rec.Name)
		return fmt.Errorf("save keys: %w", err)
	}
	return nil
}

// Get fetches a key record by name.
func (r *FileKeyRepository) Get(_ context.Context, name string) (models.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[name]
	if !ok {
		return models.KeyRecord{}, keyed.ErrKeyNotFound
	}
	return rec, nil
}

// List returns every key record ordered by name.
func (r *FileKeyRepository) List(_ context.Context) ([]models.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(), nil
}

// MarkInvalidated flags the named key as unusable.
func (r *FileKeyRepository) MarkInvalidated(_ context.Context, name string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[name]
	if !ok || rec.Invalidated {
		return nil
	}
	rec.Invalidated = true
	rec.InvalidatedAt = &at
	r.keys[name] = rec
	return r.save()
}

// Delete removes the named keys and reports how many were removed.
func (r *FileKeyRepository) Delete(_ context.Context, names []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, name := range names {
		if _, ok := r.keys[name]; ok {
			delete(r.keys, name)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, r.save()
}

// PurgeInvalidated removes keys invalidated before cutoff.
func (r *FileKeyRepository) PurgeInvalidated(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for name, rec := range r.keys {
		if rec.Invalidated && rec.InvalidatedAt != nil && rec.InvalidatedAt.Before(cutoff) {
			delete(r.keys, name)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, r.save()
}
