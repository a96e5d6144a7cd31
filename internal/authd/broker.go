package authd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/session"
)

// ErrPromptExists is returned when a session ID is opened twice.
var ErrPromptExists = errors.New("prompt already open")

// Broker keeps prompts opened by remote clients until their result has been
// collected or their owner stops asking for it. Prompts are scoped to the
// identity that opened them.
type Broker struct {
	prompter session.Prompter
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	prompts map[uuid.UUID]*remotePrompt
}

type remotePrompt struct {
	owner  string
	events <-chan session.Event
	cancel context.CancelFunc
	// seen is when the owner last opened or polled the prompt.
	seen time.Time
}

// NewBroker creates a Broker that shows prompts on p.
func NewBroker(p session.Prompter, log *zap.Logger) *Broker {
	return &Broker{prompter: p, log: log, now: time.Now, prompts: make(map[uuid.UUID]*remotePrompt)}
}

// Open shows a prompt on behalf of owner. The prompt outlives the request
// that opened it; it ends with a result, a Dismiss or the device timeout.
func (b *Broker) Open(owner string, req session.PromptRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.prompts[req.SessionID]; ok {
		return ErrPromptExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.prompter.Authenticate(ctx, req)
	if err != nil {
		cancel()
		return err
	}
	b.prompts[req.SessionID] = &remotePrompt{owner: owner, events: events, cancel: cancel, seen: b.now()}
	b.log.Debug("remote prompt opened", zap.String("owner", owner), zap.Stringer("session", req.SessionID))
	return nil
}

func (b *Broker) lookup(owner string, id uuid.UUID) (*remotePrompt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prompts[id]
	if !ok || p.owner != owner {
		return nil, ErrNoPrompt
	}
	p.seen = b.now()
	return p, nil
}

func (b *Broker) remove(id uuid.UUID, p *remotePrompt) {
	b.mu.Lock()
	if b.prompts[id] == p {
		delete(b.prompts, id)
	}
	b.mu.Unlock()
	p.cancel()
}

// Result waits for the prompt's event until ctx ends. The prompt is
// forgotten once its event has been returned.
func (b *Broker) Result(ctx context.Context, owner string, id uuid.UUID) (session.Event, error) {
	p, err := b.lookup(owner, id)
	if err != nil {
		return session.Event{}, err
	}
	select {
	case ev, ok := <-p.events:
		b.remove(id, p)
		if !ok {
			return session.Event{}, ErrNoPrompt
		}
		return ev, nil
	case <-ctx.Done():
		return session.Event{}, ctx.Err()
	}
}

// Dismiss cancels the prompt and forgets it.
func (b *Broker) Dismiss(owner string, id uuid.UUID) error {
	p, err := b.lookup(owner, id)
	if err != nil {
		return err
	}
	b.remove(id, p)
	b.log.Debug("remote prompt dismissed", zap.String("owner", owner), zap.Stringer("session", id))
	return nil
}

// Cleanup dismisses and forgets prompts whose owner has not polled them
// for longer than idle, and returns how many it removed.
func (b *Broker) Cleanup(idle time.Duration) int {
	cutoff := b.now().Add(-idle)
	var stale []*remotePrompt

	b.mu.Lock()
	for id, p := range b.prompts {
		if p.seen.Before(cutoff) {
			delete(b.prompts, id)
			stale = append(stale, p)
		}
	}
	b.mu.Unlock()

	for _, p := range stale {
		p.cancel()
	}
	return len(stale)
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (b *Broker) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := b.Cleanup(idle); n > 0 {
					b.log.Info("abandoned prompts removed", zap.Int("count", n))
				}
			}
		}
	}()
}
