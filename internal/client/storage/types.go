package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/atinyakov/keygate/internal/models"
)

// Note is an encrypted note kept in the local vault. Only the payload is
// secret; the comment is stored in clear so notes can be listed without
// unlocking a key.
type Note struct {
	ID        uuid.UUID               `json:"id"`
	KeyName   string                  `json:"key_name"`
	Comment   string                  `json:"comment"`
	Payload   models.EncryptedPayload `json:"payload"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}
