package keyed

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/atinyakov/keygate/internal/models"
)

// Capability errors.
var (
	// ErrCapabilityLocked means no successful authentication unlocked the capability.
	ErrCapabilityLocked = errors.New("cipher capability is locked")
	// ErrCapabilityConsumed means the capability was already used once.
	ErrCapabilityConsumed = errors.New("cipher capability already consumed")
	// ErrCapabilityRevoked means the session it was attached to did not succeed.
	ErrCapabilityRevoked = errors.New("cipher capability revoked")
	// ErrModeMismatch means an encrypt capability was used to decrypt or vice versa.
	ErrModeMismatch = errors.New("cipher capability mode mismatch")
)

type capState int

const (
	stateLocked capState = iota
	stateUnlocked
	stateConsumed
	stateRevoked
)

// Capability is a single-use handle on a cipher bound to a named key. It is
// inert until an authentication session unlocks it, and permits exactly one
// transform afterwards.
type Capability struct {
	id      uuid.UUID
	keyName string
	cipher  Cipher

	mu      sync.Mutex
	state   capState
	session uuid.UUID
}

func newCapability(keyName string, c Cipher) *Capability {
	return &Capability{
		id:      uuid.New(),
		keyName: keyName,
		cipher:  c,
	}
}

// ID identifies the capability in logs.
func (c *Capability) ID() uuid.UUID { return c.id }

// KeyName is the alias of the key the cipher is bound to.
func (c *Capability) KeyName() string { return c.keyName }

// Mode is the direction the underlying cipher was initialized for.
func (c *Capability) Mode() models.CipherMode { return c.cipher.Mode() }

// IV returns a copy of the IV the cipher is bound to.
func (c *Capability) IV() []byte {
	iv := c.cipher.IV()
	out := make([]byte, len(iv))
	copy(out, iv)
	return out
}

// Session is the ID of the session that unlocked the capability, or
// uuid.Nil while locked.
func (c *Capability) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Unlock marks the capability usable. It is called by an authentication
// session on success.
func (c *Capability) Unlock(session uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateLocked:
		c.state = stateUnlocked
		c.session = session
		return nil
	case stateConsumed:
		return ErrCapabilityConsumed
	case stateRevoked:
		return ErrCapabilityRevoked
	default:
		// already unlocked by another session
		return ErrCapabilityConsumed
	}
}

// Revoke invalidates the capability unless it was already consumed.
func (c *Capability) Revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConsumed {
		c.state = stateRevoked
	}
}

// Consume hands out the cipher for exactly one transform in the given mode.
// A mode mismatch leaves the capability untouched.
func (c *Capability) Consume(mode models.CipherMode) (Cipher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateLocked:
		return nil, ErrCapabilityLocked
	case stateConsumed:
		return nil, ErrCapabilityConsumed
	case stateRevoked:
		return nil, ErrCapabilityRevoked
	}
	if c.cipher.Mode() != mode {
		return nil, ErrModeMismatch
	}
	c.state = stateConsumed
	return c.cipher, nil
}
