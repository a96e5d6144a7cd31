// Package service runs the protected-key flow: check the authenticator,
// make sure the key exists, unlock a cipher with an authentication session
// and run it through the codec.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/capability"
	"github.com/atinyakov/keygate/internal/codec"
	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

// Prober reports authenticator availability.
type Prober interface {
	Check(ctx context.Context, policy capability.CheckPolicy) models.AuthenticatorStatus
}

// Sessions runs one authentication session to completion.
type Sessions interface {
	Authenticate(ctx context.Context, policy models.Policy, pc models.PromptCopy, c *keyed.Capability) (session.Outcome, error)
}

// Ciphers hands out locked cipher capabilities for named keys.
type Ciphers interface {
	EnsureKey(ctx context.Context, name string) (models.KeyHandle, error)
	CipherForEncrypt(ctx context.Context, name string) (*keyed.Capability, error)
	CipherForDecrypt(ctx context.Context, name string, iv []byte) (*keyed.Capability, error)
}

// Guard gates a key store behind authentication.
type Guard struct {
	probe    Prober
	sessions Sessions
	ciphers  Ciphers
	policy   models.Policy
	log      *zap.Logger
}

// NewGuard creates a Guard that authenticates with policy.
func NewGuard(probe Prober, sessions Sessions, ciphers Ciphers, policy models.Policy, log *zap.Logger) *Guard {
	return &Guard{probe: probe, sessions: sessions, ciphers: ciphers, policy: policy, log: log}
}

// Policy returns the authenticator policy the guard prompts with.
func (g *Guard) Policy() models.Policy { return g.policy }

// Status reports whether the biometrics the policy accepts can be used.
func (g *Guard) Status(ctx context.Context) models.AuthenticatorStatus {
	return g.probe.Check(ctx, capability.CheckPolicy{AllowWeakBiometrics: g.policy.AllowWeakBiometrics})
}

// precheck fails fast when no biometric is available and the policy has no
// device credential to fall back on.
func (g *Guard) precheck(ctx context.Context) error {
	status := g.Status(ctx)
	if status == models.StatusAvailable || g.policy.AllowDeviceCredential {
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrCapabilityUnavailable, status.Message())
}

// promptCopy adapts pc to the policy: the platform draws its own fallback
// button when the device credential is allowed.
func (g *Guard) promptCopy(pc models.PromptCopy) models.PromptCopy {
	if g.policy.AllowDeviceCredential {
		pc.NegativeButton = ""
	} else if pc.NegativeButton == "" {
		pc.NegativeButton = "Cancel"
	}
	return pc
}

func (g *Guard) authenticate(ctx context.Context, pc models.PromptCopy, c *keyed.Capability) (*keyed.Capability, error) {
	outcome, err := g.sessions.Authenticate(ctx, g.policy, g.promptCopy(pc), c)
	if err != nil {
		return nil, err
	}
	if err := outcome.Err(); err != nil {
		g.log.Info("authentication not granted",
			zap.Stringer("outcome", outcome.Kind),
			zap.Int("code", outcome.Code),
		)
		return nil, err
	}
	return outcome.Capability, nil
}

// Authenticate proves the user is present without unlocking any key.
func (g *Guard) Authenticate(ctx context.Context) error {
	if err := g.precheck(ctx); err != nil {
		return err
	}
	_, err := g.authenticate(ctx, models.DefaultPromptCopy(), nil)
	return err
}

// Encrypt authenticates the user and encrypts plaintext under keyName,
// generating the key on first use.
func (g *Guard) Encrypt(ctx context.Context, keyName string, plaintext []byte) (models.EncryptedPayload, error) {
	if err := g.precheck(ctx); err != nil {
		return models.EncryptedPayload{}, err
	}
	if _, err := g.ciphers.EnsureKey(ctx, keyName); err != nil {
		return models.EncryptedPayload{}, err
	}
	c, err := g.ciphers.CipherForEncrypt(ctx, keyName)
	if err != nil {
		return models.EncryptedPayload{}, err
	}
	unlocked, err := g.authenticate(ctx, models.EncryptPromptCopy(), c)
	if err != nil {
		return models.EncryptedPayload{}, err
	}
	p, err := codec.Encrypt(plaintext, unlocked)
	if err != nil {
		return models.EncryptedPayload{}, err
	}
	g.log.Debug("encrypted", zap.String("key", keyName), zap.Int("bytes", len(plaintext)))
	return p, nil
}

// Decrypt authenticates the user and decrypts p with keyName.
func (g *Guard) Decrypt(ctx context.Context, keyName string, p models.EncryptedPayload) ([]byte, error) {
	iv, err := codec.DecodeIV(p)
	if err != nil {
		return nil, err
	}
	if err := g.precheck(ctx); err != nil {
		return nil, err
	}
	c, err := g.ciphers.CipherForDecrypt(ctx, keyName, iv)
	if err != nil {
		return nil, err
	}
	unlocked, err := g.authenticate(ctx, models.DecryptPromptCopy(), c)
	if err != nil {
		return nil, err
	}
	return codec.Decrypt(p, unlocked)
}
