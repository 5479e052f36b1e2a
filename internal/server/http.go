// Package server exposes the flag management API over HTTP. It is a thin
// translation layer: every handler delegates to the flag service and maps
// domain errors onto status codes (unknown flag -> 404, invalid value shape
// -> 400, disabled feature -> 403).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/flaggate/flaggate/internal/core"
	"github.com/flaggate/flaggate/internal/service"
	"github.com/flaggate/flaggate/internal/store"
)

const defaultMaxJSONBodySize = 1 << 20

// actorHeader identifies the management caller for history records. The
// engine assumes a pre-authorized caller; authentication happens upstream.
const actorHeader = "X-Actor"

var errJSONBodyTooLarge = errors.New("json request body too large")

// FlagService is the slice of the service layer the management API uses.
type FlagService interface {
	ListFlags(ctx context.Context) ([]store.Flag, error)
	GetFlag(ctx context.Context, name string) (store.Flag, error)
	SetValue(ctx context.Context, name string, value core.Value, actor string) (store.Flag, error)
	GetRequirements(ctx context.Context, name string) (*core.Requirements, error)
	SetRequirements(ctx context.Context, name string, requirements *core.Requirements, actor string) (store.Flag, error)
	GetHistory(ctx context.Context, name string, limit int) ([]store.HistoryEntry, error)
	GetMetrics(ctx context.Context, name string) (service.FlagMetrics, error)
}

// HTTPServer handles the management routes.
type HTTPServer struct {
	service         FlagService
	maxJSONBodySize int64
}

// Option configures the handler.
type Option func(*HTTPServer)

// WithMaxJSONBodySize bounds accepted request bodies.
func WithMaxJSONBodySize(size int64) Option {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodySize = size
		}
	}
}

// NewHTTPHandler builds the management API handler.
func NewHTTPHandler(svc FlagService, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:         svc,
		maxJSONBodySize: defaultMaxJSONBodySize,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{name}", server.handleUpdateValue)
	mux.HandleFunc("GET /v1/flags/{name}/requirements", server.handleGetRequirements)
	mux.HandleFunc("PUT /v1/flags/{name}/requirements", server.handleUpdateRequirements)
	mux.HandleFunc("GET /v1/flags/{name}/history", server.handleGetHistory)
	mux.HandleFunc("GET /v1/flags/{name}/metrics", server.handleGetMetrics)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	return mux
}

type updateValueRequest struct {
	Value core.Value `json:"value"`
}

type requirementsResponse struct {
	FlagName     string             `json:"flag_name"`
	Requirements *core.Requirements `json:"requirements"`
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateValue(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	var request updateValueRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.SetValue(r.Context(), name, request.Value, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleGetRequirements(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	requirements, err := s.service.GetRequirements(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, requirementsResponse{FlagName: name, Requirements: requirements})
}

func (s *HTTPServer) handleUpdateRequirements(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	var requirements core.Requirements
	if err := s.decodeJSONBody(w, r, &requirements); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	payload := &requirements
	if requirements.IsZero() {
		payload = nil
	}

	updated, err := s.service.SetRequirements(r.Context(), name, payload, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.service.GetHistory(r.Context(), name, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	metrics, err := s.service.GetMetrics(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, metrics)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxJSONBodySize)

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errJSONBodyTooLarge
		}
		return err
	}

	// Reject trailing garbage after the JSON document.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON document")
	}

	return nil
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}
	return "unknown"
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownFlag):
		writeJSONError(w, http.StatusNotFound, "flag not found")
	case errors.Is(err, service.ErrInvalidValue):
		writeJSONError(w, http.StatusBadRequest, "value shape does not match flag type")
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "flag not found")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
