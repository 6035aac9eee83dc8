package notifications

import (
	"context"
	"net/http"
	"time"

	"github.com/conclav/conclav-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

const noPendingMessage = "No pending notifications"

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrDispatchInProgress, Status: http.StatusConflict},
}

// DispatchResponse is the body of a successful dispatch trigger.
type DispatchResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Processed int    `json:"processed"`
	Sent      *int   `json:"sent,omitempty"`
	Failed    *int   `json:"failed,omitempty"`
}

// Handler exposes the dispatch trigger over HTTP.
type Handler struct {
	runner     Runner
	runTimeout time.Duration
}

// NewHandler creates a new dispatch handler. A run triggered over HTTP is
// detached from the client connection and bounded by runTimeout instead.
func NewHandler(runner Runner, runTimeout time.Duration) *Handler {
	return &Handler{
		runner:     runner,
		runTimeout: runTimeout,
	}
}

// RegisterRoutes registers dispatch routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/dispatch", h.Dispatch)
	r.Options("/dispatch", h.Preflight)
}

// Dispatch handles POST /dispatch.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	result, err := h.runner.Run(ctx)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if result.Processed == 0 {
		httputil.JSON(w, http.StatusOK, DispatchResponse{
			Success: true,
			Message: noPendingMessage,
		})
		return
	}

	httputil.JSON(w, http.StatusOK, DispatchResponse{
		Success:   true,
		Processed: result.Processed,
		Sent:      &result.Sent,
		Failed:    &result.Failed,
	})
}

// Preflight handles OPTIONS /dispatch when no CORS middleware answered it.
func (h *Handler) Preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
