package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/atinyakov/keygate/internal/authd"
	"github.com/atinyakov/keygate/internal/client/storage"
	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// Guard is the protected-key flow the shell drives.
type Guard interface {
	Status(ctx context.Context) models.AuthenticatorStatus
	Authenticate(ctx context.Context) error
	Encrypt(ctx context.Context, keyName string, plaintext []byte) (models.EncryptedPayload, error)
	Decrypt(ctx context.Context, keyName string, p models.EncryptedPayload) ([]byte, error)
}

// Vault persists encrypted notes.
type Vault interface {
	Add(keyName, comment string, payload models.EncryptedPayload) storage.Note
	List() []storage.Note
	Get(id uuid.UUID) *storage.Note
	Delete(id uuid.UUID) bool
	Edit(id uuid.UUID, payload models.EncryptedPayload, comment string) bool
	Save() error
}

// KeyRecords lists and removes the stored key records.
type KeyRecords interface {
	List(ctx context.Context) ([]models.KeyRecord, error)
	Delete(ctx context.Context, names []string) (int64, error)
}

// KeyGenerator creates a key if it does not exist yet.
type KeyGenerator interface {
	EnsureKey(ctx context.Context, name string) (models.KeyHandle, error)
}

// Device reports the state of the authenticator.
type Device interface {
	Status(ctx context.Context) (authd.Status, error)
}

type shell struct {
	guard   Guard
	vault   Vault
	keys    KeyRecords
	keygen  KeyGenerator
	device  Device
	keyName string
	in      *bufio.Scanner
	out     io.Writer
}

// repl runs the interactive shell loop, accepting commands to manage notes.
func (s *shell) repl(ctx context.Context) {
	for {
		fmt.Fprint(s.out, "keygate> ")
		if !s.in.Scan() {
			return
		}
		args := strings.Fields(s.in.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			fmt.Fprintln(s.out, "Bye")
			return
		}
		s.exec(ctx, args)
	}
}

func (s *shell) exec(ctx context.Context, args []string) {
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, "Available commands: help, status, device, auth, add, list, get <id>, edit <id>, delete <id>, keys, reset-key [name], exit")
	case "status":
		st := s.guard.Status(ctx)
		fmt.Fprintf(s.out, "%s: %s\n", st, st.Message())
	case "device":
		s.showDevice(ctx)
	case "keys":
		s.listKeys(ctx)
	case "reset-key":
		name := s.keyName
		if len(args) > 1 {
			name = args[1]
		}
		s.resetKey(ctx, name)
	case "auth":
		if err := s.guard.Authenticate(ctx); err != nil {
			fmt.Fprintln(s.out, describe(err))
			return
		}
		fmt.Fprintln(s.out, "Authentication succeeded")
	case "add":
		data, comment, err := storage.PromptForNote(s.in, s.out)
		if err != nil {
			fmt.Fprintln(s.out, err)
			return
		}
		p, err := s.guard.Encrypt(ctx, s.keyName, data)
		if err != nil {
			fmt.Fprintln(s.out, describe(err))
			return
		}
		n := s.vault.Add(s.keyName, comment, p)
		s.save()
		fmt.Fprintf(s.out, "Note %s saved\n", n.ID)
	case "list":
		notes := s.vault.List()
		if len(notes) == 0 {
			fmt.Fprintln(s.out, "No notes")
			return
		}
		for _, n := range notes {
			fmt.Fprintf(s.out, "%s  %s  %s\n", n.ID, n.CreatedAt.Format("2006-01-02 15:04"), n.Comment)
		}
	case "get":
		n := s.note(args)
		if n == nil {
			return
		}
		plain, err := s.guard.Decrypt(ctx, n.KeyName, n.Payload)
		if err != nil {
			fmt.Fprintln(s.out, describe(err))
			return
		}
		b, _ := json.MarshalIndent(struct {
			ID      uuid.UUID `json:"id"`
			Comment string    `json:"comment"`
			Data    string    `json:"data"`
		}{n.ID, n.Comment, string(plain)}, "", "  ")
		fmt.Fprintln(s.out, string(b))
	case "edit":
		n := s.note(args)
		if n == nil {
			return
		}
		data, comment, err := storage.PromptForNote(s.in, s.out)
		if err != nil {
			fmt.Fprintln(s.out, err)
			return
		}
		p, err := s.guard.Encrypt(ctx, s.keyName, data)
		if err != nil {
			fmt.Fprintln(s.out, describe(err))
			return
		}
		s.vault.Edit(n.ID, p, comment)
		s.save()
		fmt.Fprintln(s.out, "Note updated")
	case "delete":
		n := s.note(args)
		if n == nil {
			return
		}
		s.vault.Delete(n.ID)
		s.save()
		fmt.Fprintln(s.out, "Note deleted")
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
}

func (s *shell) showDevice(ctx context.Context) {
	st, err := s.device.Status(ctx)
	if err != nil {
		fmt.Fprintln(s.out, "Error:", err)
		return
	}
	fmt.Fprintf(s.out, "hardware: %s\nenrolled: %s\nfailed attempts: %d\n", st.Hardware, st.Enrolled, st.Failures)
	if st.LockedUntil != nil {
		fmt.Fprintf(s.out, "locked until: %s\n", st.LockedUntil.Local().Format("15:04:05"))
	}
	if st.Pending != nil {
		fmt.Fprintf(s.out, "prompt showing: %s\n", st.Pending)
	}
}

// invalidated reports whether rec can no longer be used. A key whose
// enrollment generation is stale counts even before its next use marks it.
func invalidated(rec models.KeyRecord, generation string) bool {
	if rec.Invalidated {
		return true
	}
	return generation != "" && rec.Policy.InvalidatedByEnrollment && rec.Enrollment != generation
}

func (s *shell) generation(ctx context.Context) string {
	st, err := s.device.Status(ctx)
	if err != nil {
		return ""
	}
	return st.Generation
}

func (s *shell) listKeys(ctx context.Context) {
	recs, err := s.keys.List(ctx)
	if err != nil {
		fmt.Fprintln(s.out, "Error:", err)
		return
	}
	if len(recs) == 0 {
		fmt.Fprintln(s.out, "No keys")
		return
	}
	gen := s.generation(ctx)
	for _, rec := range recs {
		state := "valid"
		if invalidated(rec, gen) {
			state = "invalidated"
		}
		fmt.Fprintf(s.out, "%s  %s  %s  %s\n", rec.Name, rec.ID, rec.CreatedAt.Local().Format("2006-01-02 15:04"), state)
	}
}

// resetKey replaces an invalidated key with a fresh one. Valid keys are
// left alone since notes encrypted with them are still readable.
func (s *shell) resetKey(ctx context.Context, name string) {
	recs, err := s.keys.List(ctx)
	if err != nil {
		fmt.Fprintln(s.out, "Error:", err)
		return
	}
	gen := s.generation(ctx)
	var found bool
	for _, rec := range recs {
		if rec.Name != name {
			continue
		}
		found = true
		if !invalidated(rec, gen) {
			fmt.Fprintf(s.out, "Key %s is still valid; nothing to reset\n", name)
			return
		}
	}
	if found {
		if _, err := s.keys.Delete(ctx, []string{name}); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			return
		}
	}
	h, err := s.keygen.EnsureKey(ctx, name)
	if err != nil {
		fmt.Fprintln(s.out, describe(err))
		return
	}
	lost := 0
	for _, n := range s.vault.List() {
		if n.KeyName == name {
			lost++
		}
	}
	fmt.Fprintf(s.out, "Key %s regenerated (%s)\n", name, h.ID)
	if lost > 0 {
		fmt.Fprintf(s.out, "%d note(s) encrypted with the old key can no longer be decrypted\n", lost)
	}
}

func (s *shell) note(args []string) *storage.Note {
	if len(args) < 2 {
		fmt.Fprintf(s.out, "Usage: %s <id>\n", args[0])
		return nil
	}
	id, err := uuid.Parse(args[1])
	if err != nil {
		fmt.Fprintln(s.out, "Invalid note id")
		return nil
	}
	n := s.vault.Get(id)
	if n == nil {
		fmt.Fprintln(s.out, "Note not found")
	}
	return n
}

func (s *shell) save() {
	if err := s.vault.Save(); err != nil {
		fmt.Fprintln(s.out, "failed to save vault:", err)
	}
}

// describe turns guard errors into something a user can act on.
func describe(err error) string {
	var ae *models.AuthError
	switch {
	case errors.Is(err, models.ErrCapabilityUnavailable):
		return "Biometric authentication is not available: " + err.Error()
	case errors.Is(err, keyed.ErrKeyInvalidated):
		return "The key was invalidated by a biometric enrollment change; notes encrypted with it cannot be recovered. Run 'reset-key' to create a new one"
	case errors.Is(err, models.ErrAuthenticationFailed):
		return "Authentication failed"
	case errors.As(err, &ae) && errors.Is(err, models.ErrAuthenticationCancelled):
		return "Authentication cancelled"
	case errors.As(err, &ae):
		return "Authentication error: " + ae.Message
	default:
		return "Error: " + err.Error()
	}
}
