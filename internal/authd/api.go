package authd

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Use a single instance of Validate, it caches struct info.
var validate = validator.New()

// Validate checks a request body against its validate tags.
func Validate(v any) error {
	return validate.Struct(v)
}

// PairRequest asks authd for a client certificate.
type PairRequest struct {
	Name string `json:"name" validate:"required,max=64,hostname_rfc1123"`
}

// PairResponse carries a freshly issued client certificate and key.
type PairResponse struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
	CA   string `json:"ca"`
}

// CapabilityResponse is the answer to GET /api/capability.
type CapabilityResponse struct {
	Code int `json:"code"`
}

// EnrollmentResponse is the current enrollment generation.
type EnrollmentResponse struct {
	Generation string `json:"generation"`
}

// PromptOpened acknowledges POST /api/prompts.
type PromptOpened struct {
	SessionID uuid.UUID `json:"session_id"`
}
