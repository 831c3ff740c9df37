// SPDX-License-Identifier: MIT

// Package httpapi is the optional HTTP surface spec.md §6 and §1 describe as
// an external collaborator built on top of the core: a per-camera log-tail
// endpoint and a JSON status endpoint.
//
// Grounded on the teacher repo's internal/health/health.go: a
// bind-then-signal-ready ListenAndServeReady that binds the listener
// synchronously (so a port-in-use error surfaces before the caller moves
// on), serves with read/write timeouts, and shuts down gracefully with a
// bounded context on ctx cancellation.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"
)

// StatusProvider is the data source backing this HTTP surface; internal/app.App
// implements it without either package importing the other directly.
type StatusProvider interface {
	// LogTail returns the retained log lines for camID, or ok=false if the
	// camera is unknown.
	LogTail(camID string) (lines []string, ok bool)
	// Status returns the supervisor-wide status snapshot.
	Status() any
}

// Handler serves GET /logs/{camera_id} and GET /status.
type Handler struct {
	provider StatusProvider
}

// NewHandler constructs a Handler reading from provider.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/status":
		h.serveStatus(w, r)
	case strings.HasPrefix(r.URL.Path, "/logs/"):
		h.serveLogs(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	camID := strings.TrimPrefix(r.URL.Path, "/logs/")
	if camID == "" {
		http.NotFound(w, r)
		return
	}

	lines, ok := h.provider.LogTail(camID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = w.Write([]byte(line))
		_, _ = w.Write([]byte("\n"))
	}
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.provider.Status())
}

// ListenAndServe binds addr synchronously, serves handler until ctx is
// cancelled, then shuts down gracefully with a 5-second bound.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady is ListenAndServe, closing ready once the listener is
// bound so a caller can detect a port-in-use failure before relying on the
// endpoint being reachable.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
