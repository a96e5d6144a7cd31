package authd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

// Client talks to a remote authd over mutually authenticated HTTPS. It
// implements capability.Service, session.Prompter and
// softstore.EnrollmentSource.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	// PollWait is the long-poll wait requested for prompt results.
	PollWait time.Duration
}

// NewClient creates a Client for baseURL, e.g. https://localhost:8443.
func NewClient(baseURL string, hc *http.Client, log *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     hc,
		log:      log,
		PollWait: 20 * time.Second,
	}
}

// BaseURL returns the authd address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// StatusError is a non-success HTTP answer from authd.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authd: %d %s", e.Code, strings.TrimSpace(e.Body))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ProbeCapability implements capability.Service.
func (c *Client) ProbeCapability(ctx context.Context, allowed models.Authenticators) (int, error) {
	var resp CapabilityResponse
	q := url.Values{"authenticators": {allowed.String()}}
	if _, err := c.do(ctx, http.MethodGet, "/api/capability?"+q.Encode(), nil, &resp); err != nil {
		return models.CodeStatusUnknown, err
	}
	return resp.Code, nil
}

// Enrollment implements softstore.EnrollmentSource.
func (c *Client) Enrollment(ctx context.Context) (string, error) {
	var resp EnrollmentResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/enrollment", nil, &resp); err != nil {
		return "", err
	}
	return resp.Generation, nil
}

// Status fetches the device state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	_, err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Authenticate implements session.Prompter. The prompt is opened on authd
// and its result long-polled; cancelling ctx dismisses it remotely.
func (c *Client) Authenticate(ctx context.Context, req session.PromptRequest) (<-chan session.Event, error) {
	status, err := c.do(ctx, http.MethodPost, "/api/prompts", req, nil)
	if err != nil {
		if status == http.StatusConflict {
			return nil, fmt.Errorf("%w: %w", ErrPromptPending, err)
		}
		return nil, err
	}

	events := make(chan session.Event, 1)
	go c.poll(ctx, req.SessionID, events)
	return events, nil
}

func (c *Client) poll(ctx context.Context, id uuid.UUID, events chan<- session.Event) {
	defer close(events)
	path := "/api/prompts/" + id.String() + "/result?" + url.Values{"wait": {c.PollWait.String()}}.Encode()
	for {
		var ev session.Event
		status, err := c.do(ctx, http.MethodGet, path, nil, &ev)
		switch {
		case ctx.Err() != nil:
			c.dismiss(id)
			return
		case err != nil:
			c.log.Warn("prompt result poll failed", zap.Stringer("session", id), zap.Error(err))
			events <- session.Event{Kind: session.EventError, Code: models.ErrCodeHWUnavailable, Message: err.Error()}
			return
		case status == http.StatusNoContent:
			continue
		default:
			events <- ev
			return
		}
	}
}

func (c *Client) dismiss(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodDelete, "/api/prompts/"+id.String(), nil, nil)
	var se *StatusError
	if err != nil && !(errors.As(err, &se) && se.Code == http.StatusNotFound) {
		c.log.Warn("dismiss prompt", zap.Stringer("session", id), zap.Error(err))
	}
}
