package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/utilitywarehouse/mirror-sync/config"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// remoteUserHeader is set by the authenticating proxy in front of the service
const remoteUserHeader = "X-Remote-User"

type statusReader interface {
	Get(ctx context.Context, repositoryID string) (mirror.Status, error)
}

type logReader interface {
	List(ctx context.Context, repositoryID string) ([]mirror.LogEntry, error)
}

type nextSync interface {
	Next(repositoryID string) (time.Time, bool)
}

type runningChecker interface {
	Running(repositoryID string) bool
}

type handlers struct {
	configs   *config.Store
	statuses  statusReader
	logs      logReader
	scheduler nextSync
	running   runningChecker
	submitter submitter
	log       *slog.Logger
}

// StatusResponse is the body of the status endpoint
type StatusResponse struct {
	RepositoryID string        `json:"repository_id"`
	Status       mirror.Status `json:"status"`
	Running      bool          `json:"running"`
	NextSync     *time.Time    `json:"next_sync,omitempty"`
}

func routes(h *handlers, webhookSecret string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /mirrors/status/{id...}", h.status)
	mux.HandleFunc("GET /mirrors/logs/{id...}", h.logEntries)
	mux.HandleFunc("POST /mirrors/sync/{id...}", h.syncNow)

	mux.Handle("/github-webhook", &GithubWebhookHandler{
		configs:   h.configs,
		submitter: h.submitter,
		secret:    webhookSecret,
		log:       h.log,
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return withRemoteUser(mux)
}

// withRemoteUser stores caller identity in request context
func withRemoteUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get(remoteUserHeader); user != "" {
			r = r.WithContext(mirror.WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := h.configs.Get().Mirror(id); !ok {
		h.writeError(w, id, mirror.ErrNotConfigured)
		return
	}
	// status is readable by everyone who may read the mirror's log
	if !h.configs.CanReadMirrorLog(r.Context(), id) {
		h.writeError(w, id, mirror.ErrPermissionDenied)
		return
	}

	status, err := h.statuses.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	resp := StatusResponse{
		RepositoryID: id,
		Status:       status,
		Running:      h.running.Running(id),
	}
	if next, ok := h.scheduler.Next(id); ok {
		resp.NextSync = &next
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) logEntries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entries, err := h.logs.List(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) syncNow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := h.configs.Get().Mirror(id); !ok {
		h.writeError(w, id, mirror.ErrNotConfigured)
		return
	}
	if !h.configs.CanConfigureMirror(r.Context(), id) {
		h.writeError(w, id, mirror.ErrPermissionDenied)
		return
	}

	h.log.Info("sync requested", "repo", id, "user", r.Header.Get(remoteUserHeader))
	h.submitter.Submit(id)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) writeError(w http.ResponseWriter, id string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mirror.ErrNotFound), errors.Is(err, mirror.ErrNotConfigured):
		code = http.StatusNotFound
	case errors.Is(err, mirror.ErrPermissionDenied):
		code = http.StatusForbidden
	default:
		h.log.Error("request failed", "repo", id, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("unable to write response", "err", err)
	}
}
