package session

import (
	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota + 1
	OutcomeErrored
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeErrored:
		return "errored"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the single result of a triggered session.
//
// Succeeded carries the capability passed to Trigger, now unlocked, or nil
// when none was passed. Errored carries a platform code and message.
// Failed means a biometric was presented and did not match.
type Outcome struct {
	Kind       OutcomeKind
	Capability *keyed.Capability
	Code       int
	Message    string
}

// Err maps the outcome onto the models error taxonomy.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSucceeded:
		return nil
	case OutcomeFailed:
		return models.ErrAuthenticationFailed
	default:
		return &models.AuthError{Code: o.Code, Message: o.Message}
	}
}

func (o Outcome) state() State {
	switch o.Kind {
	case OutcomeSucceeded:
		return StateSucceeded
	case OutcomeFailed:
		return StateFailed
	default:
		return StateErrored
	}
}
