// Package softstore is a software stand-in for a platform secure key store.
// It generates AES-256 keys, keeps them wrapped at rest and only lets
// callers use them through ciphers it initializes itself.
package softstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

const keySize = 32

// Repository persists wrapped key records.
type Repository interface {
	// Insert stores a new record; keyed.ErrKeyExists if the name is taken.
	Insert(ctx context.Context, rec models.KeyRecord) error
	// Get loads a record by name; keyed.ErrKeyNotFound if absent.
	Get(ctx context.Context, name string) (models.KeyRecord, error)
	// MarkInvalidated flags a record as unusable.
	MarkInvalidated(ctx context.Context, name string, at time.Time) error
}

// EnrollmentSource reports the current biometric enrollment generation.
// Any change to enrolled biometrics must produce a different value.
type EnrollmentSource interface {
	Enrollment(ctx context.Context) (string, error)
}

// Store implements keyed.KeyStore and keyed.Engine.
type Store struct {
	repo       Repository
	wrap       cipher.AEAD
	enrollment EnrollmentSource
	log        *zap.Logger
	now        func() time.Time
}

// New creates a Store. enrollment may be nil, in which case keys are never
// invalidated by enrollment changes.
func New(repo Repository, wrap cipher.AEAD, enrollment EnrollmentSource, log *zap.Logger) *Store {
	return &Store{
		repo:       repo,
		wrap:       wrap,
		enrollment: enrollment,
		log:        log,
		now:        time.Now,
	}
}

// GenerateKey creates a new AES-256 key under name.
func (s *Store) GenerateKey(ctx context.Context, name string, policy models.KeyPolicy) (models.KeyHandle, error) {
	gen, err := s.currentEnrollment(ctx)
	if err != nil {
		return models.KeyHandle{}, err
	}

	material := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return models.KeyHandle{}, fmt.Errorf("generate key material: %w", err)
	}
	defer zero(material)

	rec := models.KeyRecord{
		Name:       name,
		ID:         uuid.New(),
		Policy:     policy,
		Enrollment: gen,
		CreatedAt:  s.now().UTC(),
	}
	rec.Material, err = seal(s.wrap, material, aad(rec))
	if err != nil {
		return models.KeyHandle{}, err
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, keyed.ErrKeyExists) {
			return models.KeyHandle{}, err
		}
		return models.KeyHandle{}, fmt.Errorf("%w: %w", keyed.ErrStoreUnavailable, err)
	}
	return rec.Handle(), nil
}

// GetKey returns the handle of a usable key.
func (s *Store) GetKey(ctx context.Context, name string) (models.KeyHandle, error) {
	rec, err := s.load(ctx, name)
	if err != nil {
		return models.KeyHandle{}, err
	}
	return rec.Handle(), nil
}

// Init implements keyed.Engine with AES-CBC and PKCS#7 padding.
func (s *Store) Init(ctx context.Context, mode models.CipherMode, key models.KeyHandle, iv []byte) (keyed.Cipher, error) {
	rec, err := s.load(ctx, key.Name)
	if err != nil {
		return nil, err
	}
	if rec.ID != key.ID {
		// the alias now points at a different key
		return nil, keyed.ErrKeyNotFound
	}
	if rec.Policy.Purposes&mode.Purpose() == 0 {
		return nil, fmt.Errorf("key %q does not permit %s", key.Name, mode)
	}

	switch mode {
	case models.ModeEncrypt:
		if iv != nil {
			return nil, fmt.Errorf("%w: encrypt mode picks its own iv", keyed.ErrInvalidIV)
		}
		iv = make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, fmt.Errorf("generate iv: %w", err)
		}
	case models.ModeDecrypt:
		if len(iv) != aes.BlockSize {
			return nil, fmt.Errorf("%w: want %d bytes, got %d", keyed.ErrInvalidIV, aes.BlockSize, len(iv))
		}
		iv = append([]byte(nil), iv...)
	default:
		return nil, fmt.Errorf("unsupported cipher mode %d", mode)
	}

	material, err := open(s.wrap, rec.Material, aad(rec))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keyed.ErrStoreUnavailable, err)
	}
	defer zero(material)

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("block cipher: %w", err)
	}
	return &cbcCipher{mode: mode, block: block, iv: iv}, nil
}

func (s *Store) load(ctx context.Context, name string) (models.KeyRecord, error) {
	rec, err := s.repo.Get(ctx, name)
	if err != nil {
		if errors.Is(err, keyed.ErrKeyNotFound) {
			return models.KeyRecord{}, err
		}
		return models.KeyRecord{}, fmt.Errorf("%w: %w", keyed.ErrStoreUnavailable, err)
	}
	if rec.Invalidated {
		return models.KeyRecord{}, keyed.ErrKeyInvalidated
	}
	if !rec.Policy.InvalidatedByEnrollment {
		return rec, nil
	}

	gen, err := s.currentEnrollment(ctx)
	if err != nil {
		return models.KeyRecord{}, err
	}
	if gen != rec.Enrollment {
		s.log.Warn("biometric enrollment changed, invalidating key",
			zap.String("key", name),
			zap.Stringer("key_id", rec.ID),
		)
		if err := s.repo.MarkInvalidated(ctx, name, s.now().UTC()); err != nil {
			s.log.Error("failed to mark key invalidated", zap.String("key", name), zap.Error(err))
		}
		return models.KeyRecord{}, keyed.ErrKeyInvalidated
	}
	return rec, nil
}

func (s *Store) currentEnrollment(ctx context.Context) (string, error) {
	if s.enrollment == nil {
		return "", nil
	}
	gen, err := s.enrollment.Enrollment(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: enrollment: %w", keyed.ErrStoreUnavailable, err)
	}
	return gen, nil
}

func aad(rec models.KeyRecord) []byte {
	return []byte(rec.Name + "/" + rec.ID.String())
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
