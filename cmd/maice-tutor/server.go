package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/maice-tutor/orchestrator/pkg/metrics"
	"github.com/maice-tutor/orchestrator/pkg/router"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

// newServer builds the demo HTTP/SSE front door: POST a message, get
// back a live event stream of everything the Router relays until a
// terminal event closes it (spec §4.2 step 5 / §6 wire shape).
func newServer(addr string, r *router.Router, m *metrics.Metrics) *http.Server {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(metricsMiddleware(m))

	mux.Post("/v1/sessions/{sessionID}/messages", handleMessage(r))
	mux.Post("/v1/sessions/messages", handleMessage(r))
	mux.Get("/v1/sessions/{sessionID}", handleGetSession(r))
	mux.Post("/v1/sessions/{sessionID}/cancel", handleCancel(r))
	mux.Handle(m.Endpoint(), m.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusOK) })

	return &http.Server{Addr: addr, Handler: mux}
}

type messageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func handleMessage(r *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body messageRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Text == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}

		in := router.UtteranceInput{
			SessionID: chi.URLParam(req, "sessionID"),
			UserID:    body.UserID,
			Text:      body.Text,
		}

		events, err := r.HandleUtterance(req.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func handleGetSession(r *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sid, err := strconv.ParseInt(chi.URLParam(req, "sessionID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}
		sess, err := r.Repo.GetSession(req.Context(), sid)
		if err != nil {
			status := http.StatusInternalServerError
			switch err {
			case session.ErrNotFound:
				status = http.StatusNotFound
			case session.ErrForbidden:
				status = http.StatusForbidden
			}
			http.Error(w, err.Error(), status)
			return
		}
		history, err := r.Repo.GetConversationHistory(req.Context(), sid, req.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"session": sess, "messages": history})
	}
}

func handleCancel(r *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sessionIDStr := chi.URLParam(req, "sessionID")
		if err := r.CancelSession(req.Context(), sessionIDStr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// metricsMiddleware records every request's route pattern, status, and
// duration, following the teacher's chi-pattern-based HTTP metrics
// middleware (pkg/transport/http_metrics_middleware.go) minus its
// OpenTelemetry tracing span, which has no equivalent component here.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, req)

			pattern := req.URL.Path
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			m.RecordHTTPRequest(req.Method, pattern, wrapped.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
