// Package handlers provides the HTTP handlers for eos: the streaming
// front-end under /eos/v1/ and the management API.
package handlers

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/easyott/eos/internal/dispatch"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/session"
)

// StreamingHandler serves every request under /eos/v1/. Requests are
// executed on the dispatch pool tagged by session id, so each session
// handles at most one request at a time while distinct sessions run
// concurrently.
type StreamingHandler struct {
	manager *session.Manager
	pool    *dispatch.Pool
	logger  *slog.Logger
}

// NewStreamingHandler creates the streaming front-end handler.
func NewStreamingHandler(manager *session.Manager, pool *dispatch.Pool, logger *slog.Logger) *StreamingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingHandler{
		manager: manager,
		pool:    pool,
		logger:  observability.WithComponent(logger, "streaming"),
	}
}

type outcome struct {
	resp *manifest.Response
	err  error
}

// ServeHTTP parses the streaming path, routes the request to its
// session and writes the response with the session's cache policy.
func (h *StreamingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := session.ParseRequest(r.URL.Path, r.URL.Query())
	if err != nil {
		h.logger.Warn("rejecting malformed streaming request",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	s, err := h.manager.Get(req)
	if err != nil {
		h.logger.Warn("no session for streaming request",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, "session unavailable", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	done := make(chan outcome, 1)
	h.pool.Submit(s.ID(), func() {
		resp, err := s.OnRequest(ctx, req)
		done <- outcome{resp: resp, err: err}
	})

	select {
	case <-ctx.Done():
		// The player went away; the session job still runs to keep its
		// state consistent, only the response is dropped.
		return
	case out := <-done:
		if out.err != nil {
			h.logger.Error("streaming request failed",
				slog.String("session_id", s.ID()),
				slog.String("path", r.URL.Path),
				slog.String("error", out.err.Error()))
			http.Error(w, "origin unavailable", http.StatusBadRequest)
			return
		}
		writeResponse(w, r, out.resp)
	}
}

// writeResponse emits a manifest response. ServeContent handles Range
// and conditional requests, which players use on fMP4 fragments.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *manifest.Response) {
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Cache-Control", resp.Cache.HeaderValue())
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(resp.Body))
}
