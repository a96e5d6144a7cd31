package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Package level errors elsewhere wrap one of these so callers
// can branch on the class with errors.Is.
var (
	// ErrCapabilityUnavailable means hardware or enrollment state prevents
	// authentication; the user has to fix it outside the app.
	ErrCapabilityUnavailable = errors.New("authenticator capability unavailable")
	// ErrAuthenticationCancelled means the prompt was dismissed.
	ErrAuthenticationCancelled = errors.New("authentication cancelled")
	// ErrAuthenticationError is any other platform reported prompt error.
	ErrAuthenticationError = errors.New("authentication error")
	// ErrAuthenticationFailed means a biometric was presented but did not match.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrKeyUnavailable means the key store could not provide the named key.
	ErrKeyUnavailable = errors.New("key unavailable")
	// ErrTransformFailed means a cryptographic operation did not complete.
	ErrTransformFailed = errors.New("transform failed")
)

// AuthError carries a platform prompt error code and message.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error %d: %s", e.Code, e.Message)
}

// Unwrap classifies the code as a cancellation or a generic error.
func (e *AuthError) Unwrap() error {
	if IsCancellation(e.Code) {
		return ErrAuthenticationCancelled
	}
	return ErrAuthenticationError
}
