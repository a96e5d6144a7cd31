// Package models defines the value types shared by the capability probe,
// authentication sessions, the keyed cipher provider and the codec.
package models

import "strings"

// AuthenticatorStatus is the availability of the authenticators a caller
// asked about, derived from the platform on every query.
type AuthenticatorStatus string

const (
	// StatusAvailable means at least one requested authenticator can be used now.
	StatusAvailable AuthenticatorStatus = "available"
	// StatusNoHardware means the device has no sensor for the requested class.
	StatusNoHardware AuthenticatorStatus = "no_hardware"
	// StatusUnavailable means the hardware exists but is currently unusable.
	StatusUnavailable AuthenticatorStatus = "unavailable"
	// StatusNotEnrolled means no biometric or credential is enrolled.
	StatusNotEnrolled AuthenticatorStatus = "not_enrolled"
	// StatusUnknown covers every platform answer this layer does not recognize.
	StatusUnknown AuthenticatorStatus = "unknown"
)

// Message returns a human readable description of the status.
func (s AuthenticatorStatus) Message() string {
	switch s {
	case StatusAvailable:
		return "Biometric authentication is available"
	case StatusNoHardware:
		return "Biometric authentication is not available on this device"
	case StatusUnavailable:
		return "Biometric authentication is currently unavailable"
	case StatusNotEnrolled:
		return "Biometric authentication is not enrolled"
	default:
		return "Biometric authentication status is unknown"
	}
}

// Authenticators is a set of authenticator classes.
type Authenticators uint8

const (
	// BiometricStrong is a class 3 biometric (hardware backed, low spoof rate).
	BiometricStrong Authenticators = 1 << iota
	// BiometricWeak is a class 2 biometric.
	BiometricWeak
	// DeviceCredential is the device PIN, pattern or password.
	DeviceCredential
)

// Has reports whether every class in o is also in a.
func (a Authenticators) Has(o Authenticators) bool {
	return a&o == o && o != 0
}

// String renders the set as a comma separated list, e.g. "strong,credential".
func (a Authenticators) String() string {
	var parts []string
	if a&BiometricStrong != 0 {
		parts = append(parts, "strong")
	}
	if a&BiometricWeak != 0 {
		parts = append(parts, "weak")
	}
	if a&DeviceCredential != 0 {
		parts = append(parts, "credential")
	}
	return strings.Join(parts, ",")
}

// ParseAuthenticators is the inverse of Authenticators.String. Unknown
// names are ignored.
func ParseAuthenticators(s string) Authenticators {
	var a Authenticators
	for _, p := range strings.Split(s, ",") {
		switch strings.TrimSpace(p) {
		case "strong":
			a |= BiometricStrong
		case "weak":
			a |= BiometricWeak
		case "credential":
			a |= DeviceCredential
		}
	}
	return a
}

// MarshalText encodes the set in its String form.
func (a Authenticators) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes the String form.
func (a *Authenticators) UnmarshalText(b []byte) error {
	*a = ParseAuthenticators(string(b))
	return nil
}

// Platform capability result codes.
const (
	CodeSuccess                = 0
	CodeHWUnavailable          = 1
	CodeNoneEnrolled           = 11
	CodeNoHardware             = 12
	CodeSecurityUpdateRequired = 15
	CodeUnsupported            = -2
	CodeStatusUnknown          = -1
)

// Platform prompt error codes.
const (
	ErrCodeHWUnavailable      = 1
	ErrCodeUnableToProcess    = 2
	ErrCodeTimeout            = 3
	ErrCodeCanceled           = 5
	ErrCodeLockout            = 7
	ErrCodeLockoutPermanent   = 9
	ErrCodeUserCanceled       = 10
	ErrCodeNoBiometrics       = 11
	ErrCodeHWNotPresent       = 12
	ErrCodeNegativeButton     = 13
	ErrCodeNoDeviceCredential = 14
)

// IsCancellation reports whether a prompt error code means the prompt was
// dismissed rather than failing.
func IsCancellation(code int) bool {
	switch code {
	case ErrCodeCanceled, ErrCodeUserCanceled, ErrCodeNegativeButton:
		return true
	}
	return false
}
