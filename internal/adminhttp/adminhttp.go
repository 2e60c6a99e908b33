// Copyright 2025 James Ross
// Package adminhttp exposes the outbox's operational surface over HTTP:
// health, stats, entry listing, and pause/resume/drain control, grounded
// on the teacher's subrouter-per-package handler packages.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/outboxlabs/outbox/internal/entry"
	"go.uber.org/zap"
)

// Facade is the subset of the outbox root package's public surface this
// package depends on, kept narrow so adminhttp never imports the root
// package (which would be a dependency cycle: outbox wires adminhttp, not
// the reverse).
type Facade interface {
	Pause()
	Resume()
	Drain(ctx context.Context) error
	Store() StatCounter
	BreakerStateLabel() string
}

// StatCounter is the read-only slice of store.Store the stats/entries
// endpoints need.
type StatCounter interface {
	Count(ctx context.Context, channel string, status entry.Status) (int, error)
	PickForProcessing(ctx context.Context, limit int, now time.Time) ([]entry.Entry, error)
}

// Handlers wires an outbox Facade to a set of HTTP routes.
type Handlers struct {
	facade Facade
	log    *zap.Logger
}

// New returns a Handlers over facade.
func New(facade Facade, log *zap.Logger) *Handlers {
	return &Handlers{facade: facade, log: log}
}

// RegisterRoutes mounts every admin route on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/entries", h.handleEntries).Methods(http.MethodGet)
	router.HandleFunc("/pause", h.handlePause).Methods(http.MethodPost)
	router.HandleFunc("/resume", h.handleResume).Methods(http.MethodPost)
	router.HandleFunc("/drain", h.handleDrain).Methods(http.MethodPost)
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsResult mirrors the teacher's StatsResult shape, generalized from
// per-queue job counts to per-status entry counts plus breaker state.
type StatsResult struct {
	Channel        string         `json:"channel,omitempty"`
	Counts         map[string]int `json:"counts"`
	CircuitBreaker string         `json:"circuit_breaker"`
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	ctx := r.Context()

	counts := map[string]int{}
	for _, st := range []entry.Status{entry.StatusQueued, entry.StatusProcessing, entry.StatusDone, entry.StatusFailed} {
		n, err := h.facade.Store().Count(ctx, channel, st)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "failed to count entries", err)
			return
		}
		counts[st.String()] = n
	}

	h.writeJSON(w, http.StatusOK, StatsResult{
		Channel:        channel,
		Counts:         counts,
		CircuitBreaker: h.facade.BreakerStateLabel(),
	})
}

// EntriesResult is the response body for GET /entries.
type EntriesResult struct {
	Channel string        `json:"channel,omitempty"`
	Status  string        `json:"status"`
	Entries []entry.Entry `json:"entries"`
}

func (h *Handlers) handleEntries(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	status := entry.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = entry.StatusQueued
	}
	if status != entry.StatusQueued {
		h.writeError(w, http.StatusBadRequest, "only status=queued can be peeked without claiming", nil)
		return
	}

	limit := 50
	entries, err := h.facade.Store().PickForProcessing(r.Context(), limit, time.Now())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list entries", err)
		return
	}
	if channel != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Channel == channel {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	h.writeJSON(w, http.StatusOK, EntriesResult{Channel: channel, Status: string(status), Entries: entries})
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.facade.Pause()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.facade.Resume()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (h *Handlers) handleDrain(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := h.facade.Drain(ctx); err != nil {
		h.writeError(w, http.StatusInternalServerError, "drain failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string, err error) {
	fields := []zap.Field{}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	h.log.Error(message, fields...)
	body := map[string]interface{}{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	h.writeJSON(w, status, body)
}
