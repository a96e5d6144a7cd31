// Package keyed binds named keys held by a secure key store to single-use
// cipher capabilities.
package keyed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/models"
)

// Key store errors. Store implementations return (or wrap) these.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrKeyInvalidated   = errors.New("key invalidated by enrollment change")
	ErrStoreUnavailable = errors.New("key store unavailable")
	ErrInvalidIV        = errors.New("invalid iv")
)

// KeyStore holds key material; callers only ever see handles.
type KeyStore interface {
	// GenerateKey creates a key under name. It returns ErrKeyExists if the
	// name is taken.
	GenerateKey(ctx context.Context, name string, policy models.KeyPolicy) (models.KeyHandle, error)
	// GetKey looks a key up by name. It returns ErrKeyNotFound,
	// ErrKeyInvalidated or ErrStoreUnavailable.
	GetKey(ctx context.Context, name string) (models.KeyHandle, error)
}

// Engine initializes ciphers over keys it can reach but never exposes.
type Engine interface {
	// Init binds a cipher to key. For ModeEncrypt iv must be nil and the
	// engine picks a fresh one; for ModeDecrypt iv is required.
	Init(ctx context.Context, mode models.CipherMode, key models.KeyHandle, iv []byte) (Cipher, error)
}

// Cipher performs one final transform.
type Cipher interface {
	Mode() models.CipherMode
	IV() []byte
	Transform(data []byte) ([]byte, error)
}

// Provider hands out cipher capabilities for named keys.
type Provider struct {
	store  KeyStore
	engine Engine
	log    *zap.Logger
}

// NewProvider creates a Provider over the given store and engine.
func NewProvider(store KeyStore, engine Engine, log *zap.Logger) *Provider {
	return &Provider{store: store, engine: engine, log: log}
}

// EnsureKey returns the key named name, generating it with
// models.DefaultKeyPolicy if it does not exist. Invalidated keys are
// reported, not regenerated.
func (p *Provider) EnsureKey(ctx context.Context, name string) (models.KeyHandle, error) {
	h, err := p.store.GetKey(ctx, name)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return models.KeyHandle{}, unavailable(name, err)
	}

	h, err = p.store.GenerateKey(ctx, name, models.DefaultKeyPolicy())
	if errors.Is(err, ErrKeyExists) {
		// lost a race with a concurrent generator
		h, err = p.store.GetKey(ctx, name)
	}
	if err != nil {
		return models.KeyHandle{}, unavailable(name, err)
	}
	p.log.Info("generated key", zap.String("key", name), zap.Stringer("key_id", h.ID))
	return h, nil
}

// CipherForEncrypt binds a fresh-IV encrypt cipher to the named key. The
// returned capability is locked until an authentication session unlocks it.
func (p *Provider) CipherForEncrypt(ctx context.Context, name string) (*Capability, error) {
	return p.cipherFor(ctx, name, models.ModeEncrypt, nil)
}

// CipherForDecrypt binds a decrypt cipher with the IV produced by the
// matching encryption to the named key.
func (p *Provider) CipherForDecrypt(ctx context.Context, name string, iv []byte) (*Capability, error) {
	if len(iv) == 0 {
		return nil, ErrInvalidIV
	}
	return p.cipherFor(ctx, name, models.ModeDecrypt, iv)
}

func (p *Provider) cipherFor(ctx context.Context, name string, mode models.CipherMode, iv []byte) (*Capability, error) {
	h, err := p.store.GetKey(ctx, name)
	if err != nil {
		return nil, unavailable(name, err)
	}
	c, err := p.engine.Init(ctx, mode, h, iv)
	if err != nil {
		if errors.Is(err, ErrInvalidIV) {
			return nil, err
		}
		return nil, unavailable(name, err)
	}
	capability := newCapability(name, c)
	p.log.Debug("cipher capability created",
		zap.String("key", name),
		zap.Stringer("mode", mode),
		zap.Stringer("capability", capability.ID()),
	)
	return capability, nil
}

func unavailable(name string, err error) error {
	return fmt.Errorf("%w: %q: %w", models.ErrKeyUnavailable, name, err)
}
