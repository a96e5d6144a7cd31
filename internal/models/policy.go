package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Use a single instance of Validate, it caches struct info.
var validate = validator.New()

// ErrInvalidPolicy is returned when a policy and its prompt copy disagree.
var ErrInvalidPolicy = errors.New("invalid authenticator policy")

// Policy selects which authenticator classes a session accepts. Strong
// biometrics are always accepted; weak biometrics and the device credential
// fallback are independent choices.
type Policy struct {
	AllowWeakBiometrics   bool `json:"allow_weak_biometrics"`
	AllowDeviceCredential bool `json:"allow_device_credential"`
}

// StrongOnly accepts class 3 biometrics and nothing else.
func StrongOnly() Policy {
	return Policy{}
}

// BiometricOrCredential accepts any biometric and falls back to the device
// credential.
func BiometricOrCredential() Policy {
	return Policy{AllowWeakBiometrics: true, AllowDeviceCredential: true}
}

// Allowed returns the authenticator set the policy accepts.
func (p Policy) Allowed() Authenticators {
	a := BiometricStrong
	if p.AllowWeakBiometrics {
		a |= BiometricWeak
	}
	if p.AllowDeviceCredential {
		a |= DeviceCredential
	}
	return a
}

// Validate checks the copy's fields and that the negative button matches the
// policy: the platform draws its own fallback button when the device
// credential is allowed, and requires a caller supplied one otherwise.
func (p Policy) Validate(pc PromptCopy) error {
	if err := validate.Struct(pc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.AllowDeviceCredential && pc.NegativeButton != "" {
		return fmt.Errorf("%w: negative button not allowed with device credential", ErrInvalidPolicy)
	}
	if !p.AllowDeviceCredential && pc.NegativeButton == "" {
		return fmt.Errorf("%w: negative button required without device credential", ErrInvalidPolicy)
	}
	return nil
}

// PromptCopy is the text shown by the platform prompt.
type PromptCopy struct {
	Title          string `json:"title" validate:"required,max=100"`
	Subtitle       string `json:"subtitle,omitempty" validate:"max=100"`
	Description    string `json:"description,omitempty" validate:"max=300"`
	NegativeButton string `json:"negative_button,omitempty" validate:"max=40"`
}

// DefaultPromptCopy is the copy used for a plain identity check.
func DefaultPromptCopy() PromptCopy {
	return PromptCopy{
		Title:       "Biometric Authentication",
		Subtitle:    "Log in using your biometric credential",
		Description: "Confirm your biometric to continue",
	}
}

// EncryptPromptCopy is the copy used before unlocking an encryption key.
func EncryptPromptCopy() PromptCopy {
	return PromptCopy{
		Title:          "Encrypt Data",
		Subtitle:       "Authentication required to encrypt data",
		Description:    "Confirm your biometric to continue",
		NegativeButton: "Cancel",
	}
}

// DecryptPromptCopy is the copy used before unlocking a decryption key.
func DecryptPromptCopy() PromptCopy {
	return PromptCopy{
		Title:          "Decrypt Data",
		Subtitle:       "Authentication required to decrypt data",
		Description:    "Confirm your biometric to continue",
		NegativeButton: "Cancel",
	}
}
