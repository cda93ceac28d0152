// Package api exposes the operational HTTP surface: liveness, metrics,
// status snapshots, and manual schedule triggers. It is read-mostly;
// the one mutation it offers is firing a configured schedule, which
// itself only submits an event to the dispatcher.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/HyphaGroup/marionette/internal/budget"
	"github.com/HyphaGroup/marionette/internal/conversation"
	"github.com/HyphaGroup/marionette/internal/dispatch"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
	"github.com/HyphaGroup/marionette/internal/schedule"
	"github.com/HyphaGroup/marionette/internal/subchat"
	"github.com/HyphaGroup/marionette/internal/tools"
)

// Sources provides the live views the server reports. Nil fields render
// as zero values, so partial wiring stays safe.
type Sources struct {
	Dispatch      func() dispatch.Stats
	Subchat       func() subchat.Stats
	Budgets       func() []budget.Snapshot
	Conversations func() []conversation.Snapshot
	Pending       func() []*tools.Call
	Schedules     func() []schedule.Status
	Trigger       func(name string) error
}

// StatusView is the GET /status response body
type StatusView struct {
	Time          time.Time               `json:"time"`
	Dispatch      dispatch.Stats          `json:"dispatch"`
	Subchat       subchat.Stats           `json:"subchat"`
	Budgets       []budget.Snapshot       `json:"budgets"`
	Conversations []conversation.Snapshot `json:"conversations"`
	PendingCalls  []PendingCall           `json:"pending_calls"`
	Schedules     []schedule.Status       `json:"schedules"`
}

// PendingCall is the ops view of a tool call awaiting resolution
type PendingCall struct {
	InvocationID   string    `json:"invocation_id"`
	ConversationID string    `json:"conversation_id"`
	Tool           string    `json:"tool"`
	Received       time.Time `json:"received"`
	Approved       bool      `json:"approved,omitempty"`
}

// Server is the operational HTTP endpoint
type Server struct {
	srv     *http.Server
	sources Sources
}

// NewServer builds the router and binds it to addr
func NewServer(addr string, sources Sources) *Server {
	s := &Server{sources: sources}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/status", s.handleStatus)
	r.Post("/schedules/{name}/run", s.handleScheduleRun)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens and serves. It blocks until Shutdown or a listener
// error; a clean shutdown returns nil.
func (s *Server) Start() error {
	logger.Info("api: listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := StatusView{Time: time.Now().UTC()}
	if f := s.sources.Dispatch; f != nil {
		view.Dispatch = f()
	}
	if f := s.sources.Subchat; f != nil {
		view.Subchat = f()
	}
	if f := s.sources.Budgets; f != nil {
		view.Budgets = f()
	}
	if f := s.sources.Conversations; f != nil {
		view.Conversations = f()
	}
	if f := s.sources.Pending; f != nil {
		calls := f()
		view.PendingCalls = make([]PendingCall, 0, len(calls))
		for _, c := range calls {
			view.PendingCalls = append(view.PendingCalls, PendingCall{
				InvocationID:   c.InvocationID,
				ConversationID: c.ConversationID,
				Tool:           c.Tool,
				Received:       c.Received,
				Approved:       c.Approved,
			})
		}
	}
	if f := s.sources.Schedules; f != nil {
		view.Schedules = f()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.sources.Trigger == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no schedules configured"})
		return
	}
	if err := s.sources.Trigger(name); err != nil {
		if errors.Is(err, schedule.ErrUnknownSchedule) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		logger.Error("api: triggering schedule %s: %v", name, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "trigger failed"})
		return
	}
	// The fire is asynchronous: the event is parked, not yet handled.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "schedule": name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("api: encoding response: %v", err)
	}
}
