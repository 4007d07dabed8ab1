// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"zombiezen.com/go/log"
)

// StatusServer is a worker's operational HTTP surface: a liveness probe,
// a snapshot of what the worker is currently building, and a metrics
// endpoint a scraper can poll. It plays the role
// narvanalabs-control-plane/internal/api.Server plays for the control
// plane, scaled down to what a single worker process needs to expose.
type StatusServer struct {
	loop   *Loop
	router chi.Router
}

// NewStatusServer returns a [StatusServer] reporting on loop's state. If
// logs is non-nil, its routes are mounted alongside the status routes so
// operators can tail a build's log from the same port.
func NewStatusServer(loop *Loop, logs *LogStreamHandler) *StatusServer {
	s := &StatusServer{loop: loop}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/leases", s.handleLeases)
	r.Get("/metrics", s.handleMetrics)
	if logs != nil {
		logs.Routes(r)
	}
	s.router = r
	return s
}

// ServeHTTP implements [http.Handler], wrapping the router in
// github.com/gorilla/handlers' combined-logging middleware.
func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handlers.CombinedLoggingHandler(logWriter{}, s.router).ServeHTTP(w, r)
}

// logWriter adapts [zombiezen.com/go/log] to the io.Writer
// github.com/gorilla/handlers' logging handlers write access log lines
// to.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Infof(context.Background(), "%s", trimNewline(p))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	if n := len(p); n > 0 && p[n-1] == '\n' {
		return p[:n-1]
	}
	return p
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

func (s *StatusServer) handleLeases(w http.ResponseWriter, r *http.Request) {
	leases := s.loop.Leases()
	type leaseView struct {
		DrvPath string `json:"drvPath"`
		Since   string `json:"since"`
	}
	out := make([]leaseView, 0, len(leases))
	for drvPath, start := range leases {
		out = append(out, leaseView{
			DrvPath: string(drvPath),
			Since:   start.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *StatusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	built, failed, dropped := s.loop.Counts()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "dispatch_worker_builds_succeeded_total %d\n", built)
	fmt.Fprintf(w, "dispatch_worker_builds_failed_total %d\n", failed)
	fmt.Fprintf(w, "dispatch_worker_builds_dropped_total %d\n", dropped)
	fmt.Fprintf(w, "dispatch_worker_builds_active %d\n", len(s.loop.Leases()))
}
