package authd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

type failingPrompter struct{ err error }

func (f failingPrompter) Authenticate(context.Context, session.PromptRequest) (<-chan session.Event, error) {
	return nil, f.err
}

func tracked(b *Broker) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

func TestBroker_OpenResult(t *testing.T) {
	d := NewDevice(models.BiometricStrong, Options{}, zap.NewNop())
	b := NewBroker(d, zap.NewNop())
	req := newRequest(models.BiometricStrong)

	require.NoError(t, b.Open("app", req))
	assert.ErrorIs(t, b.Open("app", req), ErrPromptExists)
	assert.Equal(t, 1, tracked(b))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Result(ctx, "app", req.SessionID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = b.Result(context.Background(), "intruder", req.SessionID)
	assert.ErrorIs(t, err, ErrNoPrompt)

	require.NoError(t, d.Resolve(req.SessionID, ActionApprove))
	ev, err := b.Result(context.Background(), "app", req.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.EventSucceeded, ev.Kind)
	assert.Equal(t, 0, tracked(b))

	_, err = b.Result(context.Background(), "app", req.SessionID)
	assert.ErrorIs(t, err, ErrNoPrompt)
}

func TestBroker_Dismiss(t *testing.T) {
	d := NewDevice(models.BiometricStrong, Options{}, zap.NewNop())
	b := NewBroker(d, zap.NewNop())
	req := newRequest(models.BiometricStrong)
	require.NoError(t, b.Open("app", req))

	assert.ErrorIs(t, b.Dismiss("intruder", req.SessionID), ErrNoPrompt)
	require.NoError(t, b.Dismiss("app", req.SessionID))
	assert.Equal(t, 0, tracked(b))

	assert.Eventually(t, func() bool {
		_, pending := d.Pending()
		return !pending
	}, time.Second, 5*time.Millisecond, "dismissal cancels the device prompt")
}

func TestBroker_OpenError(t *testing.T) {
	boom := errors.New("boom")
	b := NewBroker(failingPrompter{err: boom}, zap.NewNop())
	assert.ErrorIs(t, b.Open("app", newRequest(models.BiometricStrong)), boom)
	assert.Equal(t, 0, tracked(b))
}

func TestBroker_CleanupAbandoned(t *testing.T) {
	d := NewDevice(models.BiometricStrong, Options{}, zap.NewNop())
	b := NewBroker(d, zap.NewNop())
	now := time.Now()
	b.now = func() time.Time { return now }

	gone := newRequest(models.BiometricStrong)
	require.NoError(t, b.Open("app", gone))
	require.NoError(t, d.Resolve(gone.SessionID, ActionApprove))

	now = now.Add(time.Minute)
	active := newRequest(models.BiometricStrong)
	require.NoError(t, b.Open("other", active))

	now = now.Add(90 * time.Second)
	assert.Equal(t, 1, b.Cleanup(2*time.Minute), "the uncollected result is dropped")
	assert.Equal(t, 1, tracked(b))

	_, err := b.Result(context.Background(), "app", gone.SessionID)
	assert.ErrorIs(t, err, ErrNoPrompt)

	// polling keeps a prompt alive
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = b.Result(ctx, "other", active.SessionID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	now = now.Add(time.Minute)
	assert.Zero(t, b.Cleanup(2*time.Minute))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, b.Cleanup(2*time.Minute))
	assert.Zero(t, tracked(b))
	assert.Eventually(t, func() bool {
		_, pending := d.Pending()
		return !pending
	}, time.Second, 5*time.Millisecond, "cleanup dismisses the device prompt")
}

func TestBroker_StartCleanup(t *testing.T) {
	d := NewDevice(models.BiometricStrong, Options{}, zap.NewNop())
	b := NewBroker(d, zap.NewNop())
	require.NoError(t, b.Open("app", newRequest(models.BiometricStrong)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartCleanup(ctx, 5*time.Millisecond, time.Nanosecond)
	assert.Eventually(t, func() bool { return tracked(b) == 0 }, time.Second, 5*time.Millisecond)
}
