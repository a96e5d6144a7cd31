// Package capability answers whether the platform can authenticate the user
// right now.
package capability

import (
	"context"

	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/models"
)

// Service is the platform credential service queried by Probe.
type Service interface {
	// ProbeCapability returns a platform capability code for the given
	// authenticator set.
	ProbeCapability(ctx context.Context, allowed models.Authenticators) (int, error)
}

// CheckPolicy selects the authenticators a Check asks about.
type CheckPolicy struct {
	AllowWeakBiometrics bool
}

// Authenticators returns the set queried for p.
func (p CheckPolicy) Authenticators() models.Authenticators {
	if p.AllowWeakBiometrics {
		return models.BiometricStrong | models.BiometricWeak
	}
	return models.BiometricStrong
}

// Probe maps platform capability codes to an AuthenticatorStatus.
type Probe struct {
	svc Service
	log *zap.Logger
}

// NewProbe creates a Probe over svc.
func NewProbe(svc Service, log *zap.Logger) *Probe {
	return &Probe{svc: svc, log: log}
}

// Check queries the platform and never fails: transport errors and codes it
// does not recognize are reported as models.StatusUnknown. Results are not
// cached.
func (p *Probe) Check(ctx context.Context, policy CheckPolicy) models.AuthenticatorStatus {
	allowed := policy.Authenticators()
	code, err := p.svc.ProbeCapability(ctx, allowed)
	if err != nil {
		p.log.Warn("capability probe failed", zap.Stringer("authenticators", allowed), zap.Error(err))
		return models.StatusUnknown
	}

	status := StatusFromCode(code)
	if status == models.StatusUnknown {
		p.log.Info("unrecognized capability code", zap.Int("code", code))
	}
	p.log.Debug("capability probed",
		zap.Stringer("authenticators", allowed),
		zap.Int("code", code),
		zap.String("status", string(status)),
	)
	return status
}

// StatusFromCode maps a platform capability code to a status.
func StatusFromCode(code int) models.AuthenticatorStatus {
	switch code {
	case models.CodeSuccess:
		return models.StatusAvailable
	case models.CodeNoHardware:
		return models.StatusNoHardware
	case models.CodeHWUnavailable:
		return models.StatusUnavailable
	case models.CodeNoneEnrolled:
		return models.StatusNotEnrolled
	default:
		return models.StatusUnknown
	}
}
