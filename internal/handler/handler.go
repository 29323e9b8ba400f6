package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/job"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/sirupsen/logrus"
)

// Runner executes one submitted script
type Runner interface {
	Run(ctx context.Context, code string) (*job.Result, error)
}

// VersionProvider describes the service and its sandbox runtime
type VersionProvider interface {
	Info() types.VersionInfo
}

// HistoryReader lists recent runs
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]types.HistoryRecord, error)
}

// Handler contains the dependencies for HTTP handlers
type Handler struct {
	runner    Runner
	versions  VersionProvider
	verifier  *auth.Verifier
	history   HistoryReader
	sizeLimit int64
	logger    *logrus.Logger
}

// Option configures optional Handler dependencies
type Option func(*Handler)

// WithHistory enables the history endpoint
func WithHistory(history HistoryReader) Option {
	return func(h *Handler) {
		h.history = history
	}
}

// NewHandler creates a new handler instance
func NewHandler(runner Runner, versions VersionProvider, verifier *auth.Verifier,
	sizeLimit int64, logger *logrus.Logger, opts ...Option) *Handler {

	h := &Handler{
		runner:    runner,
		versions:  versions,
		verifier:  verifier,
		sizeLimit: sizeLimit,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetVersion returns the API and runtime version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.versions.Info(), http.StatusOK)
}

// ExecuteScript runs the request body as a script and reports its output.
// The route is expected behind middleware.RequireSignature so that a missing
// signature is rejected before the body size is considered.
func (h *Handler) ExecuteScript(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.logger.Info("Script too large")
			h.sendError(w, types.ErrPayloadTooLarge, "code too large")
			return
		}
		h.sendError(w, types.ErrInternal, "failed to read request body")
		return
	}
	if h.sizeLimit > 0 && int64(len(body)) > h.sizeLimit {
		h.logger.Info("Script too large")
		h.sendError(w, types.ErrPayloadTooLarge, "code too large")
		return
	}

	if err := h.verifier.Verify(r.Header.Get(auth.SignatureHeader), body); err != nil {
		h.logger.WithError(err).Info("Rejected script signature")
		h.sendError(w, types.ErrUnauthorized, "invalid signature")
		return
	}

	result, err := h.runner.Run(r.Context(), string(body))
	if err != nil {
		h.logger.WithError(err).Error("Script execution failed")
		w.WriteHeader(types.ErrInternal.StatusCode())
		return
	}

	h.sendJSON(w, result.Response(), result.StatusCode())
}

// GetHistory lists the most recent runs
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.verifier.Verify(r.Header.Get(auth.SignatureHeader), nil); err != nil {
		h.sendError(w, types.ErrUnauthorized, "invalid signature")
		return
	}

	if h.history == nil {
		h.sendJSON(w, types.ErrorResponse{Status: "history disabled"}, http.StatusNotFound)
		return
	}

	limit, err := parseIntParam(r, "limit", 0)
	if err != nil || limit < 0 {
		h.sendJSON(w, types.ErrorResponse{Status: "invalid limit"}, http.StatusBadRequest)
		return
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read history")
		h.sendError(w, types.ErrInternal, "failed to read history")
		return
	}

	h.sendJSON(w, records, http.StatusOK)
}

// NotFound answers unknown routes
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, "hm, unknown route")
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, kind types.ErrorKind, message string) {
	h.sendJSON(w, types.ErrorResponse{Status: message}, kind.StatusCode())
}

// sendJSON sends a JSON response
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// parseIntParam parses an optional integer query parameter
func parseIntParam(r *http.Request, param string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(param)
	if value == "" {
		return defaultValue, nil
	}

	return strconv.Atoi(value)
}
