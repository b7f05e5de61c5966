// Package handlers contains HTTP handlers for the agent's local API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"appfleet/internal/catalog"
	"appfleet/internal/logger"
	"appfleet/internal/store"
	"appfleet/internal/syncer"
	"appfleet/pkg/api"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobStore is the read side of the persistence layer.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*store.InstallJob, error)
	ListJobs(ctx context.Context) ([]store.InstallJob, error)
	ListHistory(ctx context.Context, limit int) ([]store.InstallJob, error)
	GetTransfer(ctx context.Context, jobID uuid.UUID) (*store.TransferRecord, error)
	Ping(ctx context.Context) error
}

// Agent accepts commands for install jobs. *worker.Worker implements it.
type Agent interface {
	Enqueue(ctx context.Context, c catalog.UpdateCandidate, priority int) (uuid.UUID, bool, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	ResolvePending(ctx context.Context, id uuid.UUID, success bool, code int, message string) error
}

// Catalog serves the candidate list. *syncer.Syncer implements it.
type Catalog interface {
	Snapshot() syncer.Snapshot
	Candidate(pkg string) (catalog.UpdateCandidate, bool)
	SyncNow(ctx context.Context) (syncer.Result, error)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store   JobStore
	agent   Agent
	catalog Catalog
	logger  *slog.Logger
}

// New creates a new Handlers instance.
func New(s JobStore, a Agent, c Catalog, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{store: s, agent: a, catalog: c, logger: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger.FromContext(r.Context(), h.logger).ErrorContext(r.Context(), message, "error", err)
	h.httpError(w, message, http.StatusInternalServerError)
}
