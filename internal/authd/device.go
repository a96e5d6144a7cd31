// Package authd simulates the platform credential service: a sensor with
// enrollments, a device credential and a single system prompt. It can be
// used in-process or served over HTTPS to remote clients.
package authd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

// Device errors.
var (
	ErrPromptPending  = errors.New("a prompt is already showing")
	ErrNoPrompt       = errors.New("no such prompt")
	ErrActionRejected = errors.New("action not available for this prompt")
	ErrUnknownAction  = errors.New("unknown action")
)

// Hardware is the state of the biometric sensor.
type Hardware string

const (
	HardwareOK             Hardware = "ok"
	HardwareAbsent         Hardware = "absent"
	HardwareUnavailable    Hardware = "unavailable"
	HardwareSecurityUpdate Hardware = "security_update"
)

// ParseHardware validates a hardware state name.
func ParseHardware(s string) (Hardware, error) {
	switch h := Hardware(s); h {
	case HardwareOK, HardwareAbsent, HardwareUnavailable, HardwareSecurityUpdate:
		return h, nil
	}
	return "", fmt.Errorf("unknown hardware state %q", s)
}

// Action is what the user does with a showing prompt.
type Action string

const (
	// ActionApprove presents a matching biometric.
	ActionApprove Action = "approve"
	// ActionReject presents a biometric that does not match.
	ActionReject Action = "reject"
	// ActionCredential enters the device credential.
	ActionCredential Action = "credential"
	// ActionCancel dismisses the prompt.
	ActionCancel Action = "cancel"
	// ActionNegative presses the caller supplied negative button.
	ActionNegative Action = "negative"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionApprove, ActionReject, ActionCredential, ActionCancel, ActionNegative:
		return a, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAction, s)
}

// Options configures a Device.
type Options struct {
	// PromptTimeout dismisses an unanswered prompt with ErrCodeTimeout.
	// Zero disables it.
	PromptTimeout time.Duration
	// LockoutThreshold is the number of consecutive rejected biometrics
	// that locks the sensor. Zero disables lockout.
	LockoutThreshold int
	// LockoutWindow is how long the sensor stays locked.
	LockoutWindow time.Duration
}

// Prompt is a prompt currently shown by the device.
type Prompt struct {
	Request   session.PromptRequest
	CreatedAt time.Time

	events chan session.Event
	done   chan struct{}
	once   sync.Once
}

func newPrompt(req session.PromptRequest, at time.Time) *Prompt {
	return &Prompt{
		Request:   req,
		CreatedAt: at,
		events:    make(chan session.Event, 1),
		done:      make(chan struct{}),
	}
}

// deliver sends the prompt's only event. It reports false if an event was
// already sent.
func (p *Prompt) deliver(ev session.Event) bool {
	sent := false
	p.once.Do(func() {
		p.events <- ev
		close(p.events)
		close(p.done)
		sent = true
	})
	return sent
}

// Device is a software authenticator. Enrollment changes rotate its
// enrollment generation, which invalidates keys bound to biometrics.
type Device struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu          sync.Mutex
	hw          Hardware
	enrolled    models.Authenticators
	generation  uuid.UUID
	failures    int
	lockedUntil time.Time
	pending     *Prompt
	onPrompt    func(session.PromptRequest)
}

// NewDevice creates a device with working hardware and the given
// authenticators enrolled.
func NewDevice(enrolled models.Authenticators, opts Options, log *zap.Logger) *Device {
	return &Device{
		opts:       opts,
		log:        log,
		now:        time.Now,
		hw:         HardwareOK,
		enrolled:   enrolled,
		generation: uuid.New(),
	}
}

// OnPrompt registers fn to be called whenever a prompt is shown.
func (d *Device) OnPrompt(fn func(session.PromptRequest)) {
	d.mu.Lock()
	d.onPrompt = fn
	d.mu.Unlock()
}

// ProbeCapability implements capability.Service.
func (d *Device) ProbeCapability(_ context.Context, allowed models.Authenticators) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.hw {
	case HardwareAbsent:
		return models.CodeNoHardware, nil
	case HardwareUnavailable:
		return models.CodeHWUnavailable, nil
	case HardwareSecurityUpdate:
		return models.CodeSecurityUpdateRequired, nil
	}
	if d.usable(allowed) == 0 {
		return models.CodeNoneEnrolled, nil
	}
	return models.CodeSuccess, nil
}

// usable returns the allowed authenticators that are enrolled. A strong
// biometric also satisfies a request for a weak one.
func (d *Device) usable(allowed models.Authenticators) models.Authenticators {
	have := d.enrolled
	if have&models.BiometricStrong != 0 {
		have |= models.BiometricWeak
	}
	return allowed & have
}

// Enrollment implements softstore.EnrollmentSource.
func (d *Device) Enrollment(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation.String(), nil
}

// Status describes the device for operators.
type Status struct {
	Hardware    Hardware              `json:"hardware"`
	Enrolled    models.Authenticators `json:"enrolled"`
	Generation  string                `json:"generation"`
	Failures    int                   `json:"failures"`
	LockedUntil *time.Time            `json:"locked_until,omitempty"`
	Pending     *uuid.UUID            `json:"pending,omitempty"`
}

// Status returns a snapshot of the device state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		Hardware:   d.hw,
		Enrolled:   d.enrolled,
		Generation: d.generation.String(),
		Failures:   d.failures,
	}
	if d.now().Before(d.lockedUntil) {
		t := d.lockedUntil
		st.LockedUntil = &t
	}
	if d.pending != nil {
		id := d.pending.Request.SessionID
		st.Pending = &id
	}
	return st
}

// SetHardware changes the sensor state.
func (d *Device) SetHardware(h Hardware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hw = h
	d.log.Info("hardware state changed", zap.String("hardware", string(h)))
}

// Enroll adds authenticators. Adding a biometric rotates the enrollment
// generation.
func (d *Device) Enroll(a models.Authenticators) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setEnrolled(d.enrolled | a)
}

// Unenroll removes authenticators. Removing a biometric rotates the
// enrollment generation.
func (d *Device) Unenroll(a models.Authenticators) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setEnrolled(d.enrolled &^ a)
}

func (d *Device) setEnrolled(next models.Authenticators) {
	const biometric = models.BiometricStrong | models.BiometricWeak
	if next&biometric != d.enrolled&biometric {
		d.generation = uuid.New()
		d.log.Info("biometric enrollment changed", zap.Stringer("generation", d.generation))
	}
	d.enrolled = next
}

// Pending returns the request of the prompt currently showing.
func (d *Device) Pending() (session.PromptRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return session.PromptRequest{}, false
	}
	return d.pending.Request, true
}

// Authenticate implements session.Prompter. Preconditions the platform
// checks before showing anything are reported as an immediate error event.
// Cancelling ctx dismisses the prompt.
func (d *Device) Authenticate(ctx context.Context, req session.PromptRequest) (<-chan session.Event, error) {
	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		return nil, ErrPromptPending
	}

	p := newPrompt(req, d.now())
	if ev, ok := d.precheck(req); !ok {
		d.mu.Unlock()
		p.deliver(ev)
		d.log.Info("prompt refused", zap.Stringer("session", req.SessionID), zap.Int("code", ev.Code))
		return p.events, nil
	}
	d.pending = p
	notify := d.onPrompt
	d.mu.Unlock()

	d.log.Info("prompt shown",
		zap.Stringer("session", req.SessionID),
		zap.String("title", req.Copy.Title),
		zap.Stringer("authenticators", req.Allowed),
	)
	if notify != nil {
		notify(req)
	}

	go d.watch(ctx, p)
	return p.events, nil
}

// precheck runs with d.mu held.
func (d *Device) precheck(req session.PromptRequest) (session.Event, bool) {
	biometrics := req.Allowed &^ models.DeviceCredential
	switch {
	case d.hw == HardwareAbsent && req.Allowed&models.DeviceCredential == 0:
		return errorEvent(models.ErrCodeHWNotPresent, "No biometric hardware"), false
	case d.hw == HardwareUnavailable && req.Allowed&models.DeviceCredential == 0:
		return errorEvent(models.ErrCodeHWUnavailable, "Biometric hardware unavailable"), false
	case d.now().Before(d.lockedUntil) && req.Allowed&models.DeviceCredential == 0:
		return errorEvent(models.ErrCodeLockout, "Too many attempts. Try again later."), false
	case d.usable(req.Allowed) == 0:
		if biometrics == 0 {
			return errorEvent(models.ErrCodeNoDeviceCredential, "No device credential set"), false
		}
		return errorEvent(models.ErrCodeNoBiometrics, "No biometrics enrolled"), false
	}
	return session.Event{}, true
}

func (d *Device) watch(ctx context.Context, p *Prompt) {
	var timeout <-chan time.Time
	if d.opts.PromptTimeout > 0 {
		t := time.NewTimer(d.opts.PromptTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		d.finish(p, errorEvent(models.ErrCodeCanceled, "Authentication canceled"))
	case <-timeout:
		d.finish(p, errorEvent(models.ErrCodeTimeout, "Authentication timed out"))
	case <-p.done:
	}
}

// finish delivers ev and clears the pending slot if p still holds it.
func (d *Device) finish(p *Prompt, ev session.Event) bool {
	d.mu.Lock()
	if d.pending == p {
		d.pending = nil
	}
	d.mu.Unlock()
	if !p.deliver(ev) {
		return false
	}
	d.log.Info("prompt finished",
		zap.Stringer("session", p.Request.SessionID),
		zap.Int("kind", int(ev.Kind)),
		zap.Int("code", ev.Code),
	)
	return true
}

// Resolve applies a user action to the prompt of session id.
func (d *Device) Resolve(id uuid.UUID, action Action) error {
	d.mu.Lock()
	p := d.pending
	if p == nil || p.Request.SessionID != id {
		d.mu.Unlock()
		return ErrNoPrompt
	}
	ev, err := d.react(p.Request, action)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.finish(p, ev)
	return nil
}

// ResolvePending applies action to whatever prompt is showing.
func (d *Device) ResolvePending(action Action) error {
	req, ok := d.Pending()
	if !ok {
		return ErrNoPrompt
	}
	return d.Resolve(req.SessionID, action)
}

// react runs with d.mu held.
func (d *Device) react(req session.PromptRequest, action Action) (session.Event, error) {
	sensor := d.hw == HardwareOK && !d.now().Before(d.lockedUntil)
	if (action == ActionApprove || action == ActionReject) && !sensor {
		return session.Event{}, fmt.Errorf("%w: sensor not usable", ErrActionRejected)
	}
	switch action {
	case ActionApprove:
		if d.usable(req.Allowed)&^models.DeviceCredential == 0 {
			return session.Event{}, fmt.Errorf("%w: no usable biometric", ErrActionRejected)
		}
		d.failures = 0
		return session.Event{Kind: session.EventSucceeded}, nil
	case ActionReject:
		d.failures++
		if d.opts.LockoutThreshold > 0 && d.failures >= d.opts.LockoutThreshold {
			d.failures = 0
			d.lockedUntil = d.now().Add(d.opts.LockoutWindow)
			d.log.Warn("sensor locked out", zap.Time("until", d.lockedUntil))
			return errorEvent(models.ErrCodeLockout, "Too many attempts. Try again later."), nil
		}
		return session.Event{Kind: session.EventFailed}, nil
	case ActionCredential:
		if d.usable(req.Allowed)&models.DeviceCredential == 0 {
			return session.Event{}, fmt.Errorf("%w: device credential not allowed", ErrActionRejected)
		}
		d.failures = 0
		d.lockedUntil = time.Time{}
		return session.Event{Kind: session.EventSucceeded}, nil
	case ActionCancel:
		return errorEvent(models.ErrCodeUserCanceled, "Authentication canceled by user"), nil
	case ActionNegative:
		if req.Copy.NegativeButton == "" {
			return session.Event{}, fmt.Errorf("%w: prompt has no negative button", ErrActionRejected)
		}
		return errorEvent(models.ErrCodeNegativeButton, req.Copy.NegativeButton), nil
	}
	return session.Event{}, fmt.Errorf("%w %q", ErrUnknownAction, action)
}

func errorEvent(code int, msg string) session.Event {
	return session.Event{Kind: session.EventError, Code: code, Message: msg}
}
