package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyHandle references a key held by a secure key store. It never carries
// key material.
type KeyHandle struct {
	// Name is the caller chosen alias the key is looked up by.
	Name string `json:"name"`
	// ID identifies the generated key; it changes only if the key is
	// deleted and generated again.
	ID uuid.UUID `json:"id"`
	// CreatedAt is when the store generated the key.
	CreatedAt time.Time `json:"created_at"`
}

// KeyPurpose is a set of operations a key may be used for.
type KeyPurpose uint8

const (
	PurposeEncrypt KeyPurpose = 1 << iota
	PurposeDecrypt
)

// KeyPolicy is fixed at generation time.
type KeyPolicy struct {
	Purposes KeyPurpose `json:"purposes"`
	// AuthRequired means every use needs a fresh authentication.
	AuthRequired bool `json:"auth_required"`
	// InvalidatedByEnrollment means the key stops working once the set of
	// enrolled biometrics changes.
	InvalidatedByEnrollment bool `json:"invalidated_by_enrollment"`
}

// DefaultKeyPolicy is the policy keys are generated with by EnsureKey.
func DefaultKeyPolicy() KeyPolicy {
	return KeyPolicy{
		Purposes:                PurposeEncrypt | PurposeDecrypt,
		AuthRequired:            true,
		InvalidatedByEnrollment: true,
	}
}

// CipherMode is the direction a cipher was initialized for.
type CipherMode int

const (
	ModeEncrypt CipherMode = iota + 1
	ModeDecrypt
)

func (m CipherMode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeDecrypt:
		return "decrypt"
	}
	return "unknown"
}

// Purpose returns the key purpose a cipher in this mode needs.
func (m CipherMode) Purpose() KeyPurpose {
	if m == ModeDecrypt {
		return PurposeDecrypt
	}
	return PurposeEncrypt
}

// EncryptedPayload is the text form of one encryption: ciphertext and the IV
// it was produced with, both base64 encoded.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// KeyRecord is how a software key store persists a key. Material is the
// wrapped key, never the raw bytes.
type KeyRecord struct {
	Name     string    `json:"name"`
	ID       uuid.UUID `json:"id"`
	Material []byte    `json:"material"`
	Policy   KeyPolicy `json:"policy"`
	// Enrollment is the biometric enrollment generation at creation time.
	Enrollment    string     `json:"enrollment"`
	Invalidated   bool       `json:"invalidated"`
	CreatedAt     time.Time  `json:"created_at"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
}

// Handle returns the caller facing reference to the record.
func (r KeyRecord) Handle() KeyHandle {
	return KeyHandle{Name: r.Name, ID: r.ID, CreatedAt: r.CreatedAt}
}
