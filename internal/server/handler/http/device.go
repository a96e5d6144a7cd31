package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/authd"
	"github.com/atinyakov/keygate/internal/middleware"
	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

// maxLongPoll caps the wait a client may ask for on a prompt result.
const maxLongPoll = time.Minute

// Platform is the simulated device behind authd.
type Platform interface {
	ProbeCapability(ctx context.Context, allowed models.Authenticators) (int, error)
	Enrollment(ctx context.Context) (string, error)
	Status() authd.Status
}

// Prompts tracks prompts opened by remote clients.
type Prompts interface {
	Open(owner string, req session.PromptRequest) error
	Result(ctx context.Context, owner string, id uuid.UUID) (session.Event, error)
	Dismiss(owner string, id uuid.UUID) error
}

// DeviceHandler serves the device and prompt endpoints. A client may open,
// read and dismiss its own prompts; answering them is left to the operator
// at the authd console.
type DeviceHandler struct {
	Platform Platform
	Prompts  Prompts
	// LongPoll is the default wait of GET /api/prompts/{id}/result.
	LongPoll time.Duration
	Log      *zap.Logger
}

// Status handles GET /api/status.
func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Platform.Status())
}

// Capability handles GET /api/capability?authenticators=strong,weak.
func (h *DeviceHandler) Capability(w http.ResponseWriter, r *http.Request) {
	allowed := models.ParseAuthenticators(r.URL.Query().Get("authenticators"))
	if allowed == 0 {
		allowed = models.BiometricStrong
	}
	code, err := h.Platform.ProbeCapability(r.Context(), allowed)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, authd.CapabilityResponse{Code: code})
}

// Enrollment handles GET /api/enrollment.
func (h *DeviceHandler) Enrollment(w http.ResponseWriter, r *http.Request) {
	gen, err := h.Platform.Enrollment(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, authd.EnrollmentResponse{Generation: gen})
}

// OpenPrompt handles POST /api/prompts.
func (h *DeviceHandler) OpenPrompt(w http.ResponseWriter, r *http.Request) {
	var req session.PromptRequest
	if !decode(w, r, &req) {
		return
	}
	owner := middleware.GetIdentityFromContext(r.Context())
	err := h.Prompts.Open(owner, req)
	switch {
	case errors.Is(err, authd.ErrPromptPending), errors.Is(err, authd.ErrPromptExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.Log.Error("open prompt", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, authd.PromptOpened{SessionID: req.SessionID})
}

// Result handles GET /api/prompts/{id}/result?wait=20s. It answers 200
// with the event once the prompt finishes, or 204 if the wait expires
// first.
func (h *DeviceHandler) Result(w http.ResponseWriter, r *http.Request) {
	id, ok := promptID(w, r)
	if !ok {
		return
	}
	wait := h.LongPoll
	if s := r.URL.Query().Get("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait = d
	}
	wait = min(wait, maxLongPoll)

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	ev, err := h.Prompts.Result(ctx, middleware.GetIdentityFromContext(r.Context()), id)
	switch {
	case errors.Is(err, authd.ErrNoPrompt):
		http.Error(w, "prompt not found", http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		// client went away
	default:
		writeJSON(w, http.StatusOK, ev)
	}
}

// Dismiss handles DELETE /api/prompts/{id}.
func (h *DeviceHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	id, ok := promptID(w, r)
	if !ok {
		return
	}
	if err := h.Prompts.Dismiss(middleware.GetIdentityFromContext(r.Context()), id); err != nil {
		http.Error(w, "prompt not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func promptID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid prompt id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body into v and validates it, answering 400 on
// failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	if err := authd.Validate(v); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
