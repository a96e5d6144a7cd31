// Package session runs one biometric or device credential challenge per
// Session and delivers exactly one terminal Outcome for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// Caller errors returned by Trigger. Platform results never surface here;
// they travel as an Outcome.
var (
	ErrAlreadyTriggered = errors.New("session already triggered")
	ErrSessionFinished  = errors.New("session already finished")
	ErrPromptBusy       = errors.New("another authentication prompt is pending")
)

// EventKind is the kind of a platform prompt callback.
type EventKind int

const (
	EventSucceeded EventKind = iota + 1
	EventError
	EventFailed
)

// Event is one callback from the platform prompt. Code and Message are set
// for EventError only.
type Event struct {
	Kind    EventKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// PromptRequest is what the platform prompt is asked to show.
type PromptRequest struct {
	SessionID   uuid.UUID             `json:"session_id" validate:"required"`
	Allowed     models.Authenticators `json:"allowed" validate:"required"`
	Copy        models.PromptCopy     `json:"copy"`
	CryptoBound bool                  `json:"crypto_bound"`
}

// Prompter is the platform authenticator UI. Authenticate shows the prompt
// and streams its callbacks; cancelling ctx dismisses it.
type Prompter interface {
	Authenticate(ctx context.Context, req PromptRequest) (<-chan Event, error)
}

// State is the lifecycle position of a Session.
type State int

const (
	StateConfigured State = iota
	StatePending
	StateSucceeded
	StateErrored
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateErrored:
		return "errored"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticator owns one platform prompt and allows a single pending
// session on it at a time.
type Authenticator struct {
	prompter Prompter
	log      *zap.Logger
	busy     atomic.Bool
}

// NewAuthenticator creates an Authenticator over p.
func NewAuthenticator(p Prompter, log *zap.Logger) *Authenticator {
	return &Authenticator{prompter: p, log: log}
}

// Option customizes a Session at configuration time.
type Option func(*Session)

// WithResultHandler registers fn to receive the terminal outcome. It is
// called exactly once, on the goroutine that delivers the outcome; that is
// the caller of Trigger when the prompt could not be shown at all.
func WithResultHandler(fn func(Outcome)) Option {
	return func(s *Session) { s.handler = fn }
}

// Configure builds an immutable session descriptor. It does not show any
// prompt.
func (a *Authenticator) Configure(policy models.Policy, pc models.PromptCopy, opts ...Option) (*Session, error) {
	if err := policy.Validate(pc); err != nil {
		return nil, err
	}
	s := &Session{
		id:     uuid.New(),
		auth:   a,
		policy: policy,
		copy:   pc,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	a.log.Debug("session configured",
		zap.Stringer("session", s.id),
		zap.Stringer("authenticators", policy.Allowed()),
	)
	return s, nil
}

// Authenticate configures a session, triggers it with c and waits for the
// outcome.
func (a *Authenticator) Authenticate(ctx context.Context, policy models.Policy, pc models.PromptCopy, c *keyed.Capability) (Outcome, error) {
	s, err := a.Configure(policy, pc)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.Trigger(ctx, c); err != nil {
		return Outcome{}, err
	}
	return s.Wait(context.WithoutCancel(ctx))
}

// Session is one authentication attempt. It cannot be reused once it
// reaches a terminal state.
type Session struct {
	id      uuid.UUID
	auth    *Authenticator
	policy  models.Policy
	copy    models.PromptCopy
	handler func(Outcome)

	mu      sync.Mutex
	state   State
	cap     *keyed.Capability
	outcome Outcome
	done    chan struct{}
}

// ID identifies the session to the platform prompt.
func (s *Session) ID() uuid.UUID { return s.id }

// Policy is the authenticator policy the session was configured with.
func (s *Session) Policy() models.Policy { return s.policy }

// Copy is the prompt text the session was configured with.
func (s *Session) Copy() models.PromptCopy { return s.copy }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger shows the platform prompt once. c may be nil for a plain identity
// check; otherwise it is unlocked on success and revoked on any other
// outcome. Cancelling ctx dismisses the prompt and yields an Errored outcome
// with models.ErrCodeCanceled.
func (s *Session) Trigger(ctx context.Context, c *keyed.Capability) error {
	s.mu.Lock()
	switch s.state {
	case StateConfigured:
	case StatePending:
		s.mu.Unlock()
		return ErrAlreadyTriggered
	default:
		s.mu.Unlock()
		return ErrSessionFinished
	}
	if !s.auth.busy.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrPromptBusy
	}
	s.state = StatePending
	s.cap = c
	s.mu.Unlock()

	req := PromptRequest{
		SessionID:   s.id,
		Allowed:     s.policy.Allowed(),
		Copy:        s.copy,
		CryptoBound: c != nil,
	}
	s.auth.log.Debug("session pending",
		zap.Stringer("session", s.id),
		zap.Bool("crypto_bound", req.CryptoBound),
	)

	promptCtx, cancel := context.WithCancel(ctx)
	events, err := s.auth.prompter.Authenticate(promptCtx, req)
	if err != nil {
		cancel()
		s.auth.log.Warn("prompt could not be shown", zap.Stringer("session", s.id), zap.Error(err))
		s.finish(Outcome{
			Kind:    OutcomeErrored,
			Code:    models.ErrCodeHWUnavailable,
			Message: err.Error(),
		})
		return nil
	}

	go func() {
		defer cancel()
		s.finish(await(promptCtx, events))
	}()
	return nil
}

// await takes the first event as the outcome; later events are dropped.
func await(ctx context.Context, events <-chan Event) Outcome {
	select {
	case ev, ok := <-events:
		if !ok {
			// a prompter closes events when it sees ctx end
			if ctx.Err() != nil {
				return canceled()
			}
			return Outcome{
				Kind:    OutcomeErrored,
				Code:    models.ErrCodeHWUnavailable,
				Message: "prompt closed without a result",
			}
		}
		return outcomeFromEvent(ev)
	case <-ctx.Done():
		return canceled()
	}
}

func canceled() Outcome {
	return Outcome{
		Kind:    OutcomeErrored,
		Code:    models.ErrCodeCanceled,
		Message: "authentication canceled",
	}
}

func outcomeFromEvent(ev Event) Outcome {
	switch ev.Kind {
	case EventSucceeded:
		return Outcome{Kind: OutcomeSucceeded}
	case EventFailed:
		return Outcome{Kind: OutcomeFailed}
	case EventError:
		return Outcome{Kind: OutcomeErrored, Code: ev.Code, Message: ev.Message}
	default:
		return Outcome{
			Kind:    OutcomeErrored,
			Code:    models.ErrCodeUnableToProcess,
			Message: fmt.Sprintf("unknown prompt event %d", ev.Kind),
		}
	}
}

func (s *Session) finish(o Outcome) {
	s.mu.Lock()
	c := s.cap
	s.cap = nil
	if c != nil {
		if o.Kind == OutcomeSucceeded {
			if err := c.Unlock(s.id); err != nil {
				o = Outcome{Kind: OutcomeErrored, Code: models.ErrCodeUnableToProcess, Message: err.Error()}
			} else {
				o.Capability = c
			}
		} else {
			c.Revoke()
		}
	}
	s.state = o.state()
	s.outcome = o
	s.mu.Unlock()

	s.auth.busy.Store(false)
	close(s.done)

	s.auth.log.Info("authentication finished",
		zap.Stringer("session", s.id),
		zap.Stringer("outcome", o.Kind),
		zap.Int("code", o.Code),
	)
	if s.handler != nil {
		s.handler(o)
	}
}

// Done is closed once the outcome is available.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the terminal outcome. It is the zero Outcome until Done
// is closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Wait blocks until the outcome is delivered or ctx ends. Ending ctx does
// not cancel the prompt; cancel the context passed to Trigger for that.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
