package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/keygate/internal/authd"
	"github.com/atinyakov/keygate/internal/client/storage"
	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// reverseGuard "encrypts" by reversing the text and can be told to refuse.
type reverseGuard struct {
	err error
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func (g *reverseGuard) Status(context.Context) models.AuthenticatorStatus {
	return models.StatusAvailable
}

func (g *reverseGuard) Authenticate(context.Context) error { return g.err }

func (g *reverseGuard) Encrypt(_ context.Context, _ string, plaintext []byte) (models.EncryptedPayload, error) {
	if g.err != nil {
		return models.EncryptedPayload{}, g.err
	}
	return models.EncryptedPayload{Ciphertext: reverse(string(plaintext)), IV: "iv"}, nil
}

func (g *reverseGuard) Decrypt(_ context.Context, _ string, p models.EncryptedPayload) ([]byte, error) {
	if g.err != nil {
		return nil, g.err
	}
	return []byte(reverse(p.Ciphertext)), nil
}

// memKeys is an in-memory key record store that also generates keys.
type memKeys struct {
	recs       []models.KeyRecord
	generation string
	deleted    []string
}

func (m *memKeys) List(context.Context) ([]models.KeyRecord, error) { return m.recs, nil }

func (m *memKeys) Delete(_ context.Context, names []string) (int64, error) {
	var n int64
	kept := m.recs[:0]
	for _, r := range m.recs {
		if r.Name == names[0] {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	m.deleted = append(m.deleted, names...)
	return n, nil
}

func (m *memKeys) EnsureKey(_ context.Context, name string) (models.KeyHandle, error) {
	for _, r := range m.recs {
		if r.Name == name {
			return r.Handle(), nil
		}
	}
	rec := models.KeyRecord{
		Name:       name,
		ID:         uuid.New(),
		Policy:     models.DefaultKeyPolicy(),
		Enrollment: m.generation,
		CreatedAt:  time.Now(),
	}
	m.recs = append(m.recs, rec)
	return rec.Handle(), nil
}

func (m *memKeys) Status(context.Context) (authd.Status, error) {
	return authd.Status{
		Hardware:   authd.HardwareOK,
		Enrolled:   models.BiometricStrong | models.DeviceCredential,
		Generation: m.generation,
		Failures:   2,
	}, nil
}

func newShell(t *testing.T, g Guard, input string) (*shell, *bytes.Buffer, *storage.LocalStorage) {
	t.Helper()
	vault := storage.NewLocalStorage(filepath.Join(t.TempDir(), "vault.json"))
	require.NoError(t, vault.Load())
	var out bytes.Buffer
	keys := &memKeys{generation: "gen-1"}
	return &shell{
		guard:   g,
		vault:   vault,
		keys:    keys,
		keygen:  keys,
		device:  keys,
		keyName: "biometric_demo_key",
		in:      bufio.NewScanner(strings.NewReader(input)),
		out:     &out,
	}, &out, vault
}

func TestShell_AddGetDelete(t *testing.T) {
	sh, out, vault := newShell(t, &reverseGuard{}, "add\n\nhello\ngreeting\nlist\n")
	sh.repl(context.Background())

	notes := vault.List()
	require.Len(t, notes, 1)
	n := notes[0]
	assert.Equal(t, "olleh", n.Payload.Ciphertext)
	assert.Equal(t, "biometric_demo_key", n.KeyName)
	assert.Contains(t, out.String(), "Note "+n.ID.String()+" saved")
	assert.Contains(t, out.String(), "greeting")

	sh.in = bufio.NewScanner(strings.NewReader(fmt.Sprintf("get %s\nedit %s\n\nbye\nfarewell\ndelete %s\nexit\n", n.ID, n.ID, n.ID)))
	out.Reset()
	sh.repl(context.Background())

	assert.Contains(t, out.String(), `"data": "hello"`)
	assert.Contains(t, out.String(), "Note updated")
	assert.Contains(t, out.String(), "Note deleted")
	assert.Empty(t, vault.List())
	assert.True(t, strings.HasSuffix(out.String(), "Bye\n"))
}

func TestShell_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unavailable", fmt.Errorf("%w: not enrolled", models.ErrCapabilityUnavailable), "not available"},
		{"invalidated", fmt.Errorf("%w: %w", models.ErrKeyUnavailable, keyed.ErrKeyInvalidated), "invalidated"},
		{"failed", models.ErrAuthenticationFailed, "Authentication failed"},
		{"cancelled", &models.AuthError{Code: models.ErrCodeNegativeButton, Message: "Cancel"}, "Authentication cancelled"},
		{"lockout", &models.AuthError{Code: models.ErrCodeLockout, Message: "Too many attempts"}, "Too many attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh, out, vault := newShell(t, &reverseGuard{err: tt.err}, "auth\nadd\n\nsecret\nc\n")
			sh.repl(context.Background())
			assert.Contains(t, out.String(), tt.want)
			assert.Empty(t, vault.List())
		})
	}
}

func TestShell_Usage(t *testing.T) {
	sh, out, _ := newShell(t, &reverseGuard{}, "get\nget nope\ndelete 6ba7b810-9dad-11d1-80b4-00c04fd430c8\nstatus\nhelp\nfly\n")
	sh.repl(context.Background())
	got := out.String()
	assert.Contains(t, got, "Usage: get <id>")
	assert.Contains(t, got, "Invalid note id")
	assert.Contains(t, got, "Note not found")
	assert.Contains(t, got, "available: Biometric authentication is available")
	assert.Contains(t, got, "Available commands")
	assert.Contains(t, got, "Unknown command")
}

func TestShell_Device(t *testing.T) {
	sh, out, _ := newShell(t, &reverseGuard{}, "device\n")
	sh.repl(context.Background())
	assert.Contains(t, out.String(), "hardware: ok")
	assert.Contains(t, out.String(), "enrolled: strong,credential")
	assert.Contains(t, out.String(), "failed attempts: 2")
}

func TestShell_ResetInvalidatedKey(t *testing.T) {
	ctx := context.Background()
	sh, out, vault := newShell(t, &reverseGuard{}, "")
	keys := sh.keys.(*memKeys)
	old, err := keys.EnsureKey(ctx, "biometric_demo_key")
	require.NoError(t, err)
	vault.Add("biometric_demo_key", "old note", models.EncryptedPayload{Ciphertext: "x", IV: "y"})

	sh.in = bufio.NewScanner(strings.NewReader("keys\nreset-key\n"))
	sh.repl(ctx)
	assert.Contains(t, out.String(), old.ID.String()+"  ")
	assert.Contains(t, out.String(), "valid")
	assert.Contains(t, out.String(), "Key biometric_demo_key is still valid")
	assert.Empty(t, keys.deleted)

	// the biometric enrollment changes on the device
	keys.generation = "gen-2"
	out.Reset()
	sh.in = bufio.NewScanner(strings.NewReader("keys\nreset-key\nkeys\n"))
	sh.repl(ctx)

	got := out.String()
	assert.Contains(t, got, "invalidated")
	assert.Equal(t, []string{"biometric_demo_key"}, keys.deleted)
	require.Len(t, keys.recs, 1)
	fresh := keys.recs[0]
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, "gen-2", fresh.Enrollment)
	assert.Contains(t, got, "Key biometric_demo_key regenerated ("+fresh.ID.String()+")")
	assert.Contains(t, got, "1 note(s) encrypted with the old key can no longer be decrypted")
}

func TestShell_ResetMarkedKeyAndMissingKey(t *testing.T) {
	ctx := context.Background()
	sh, out, _ := newShell(t, &reverseGuard{}, "")
	keys := sh.keys.(*memKeys)
	_, err := keys.EnsureKey(ctx, "work")
	require.NoError(t, err)
	keys.recs[0].Invalidated = true

	sh.in = bufio.NewScanner(strings.NewReader("reset-key work\nreset-key fresh\nkeys\n"))
	sh.repl(ctx)

	assert.Equal(t, []string{"work"}, keys.deleted)
	assert.Contains(t, out.String(), "Key work regenerated")
	assert.Contains(t, out.String(), "Key fresh regenerated")
	assert.NotContains(t, out.String(), "can no longer be decrypted")
	assert.Len(t, keys.recs, 2)
}
