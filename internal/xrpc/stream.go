package xrpc

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/atweave/pds/internal/apperr"
)

// handleSubscribeRepos serves com.atproto.sync.subscribeRepos as a
// chunked HTTP stream: the subscriber's Connecting -> Backfilling ->
// Live session spec.md §4.10 describes, written one framed event at a
// time and flushed immediately so nothing waits on buffering. There is
// no websocket dependency anywhere in the stack this module is built
// from, so the push transport is plain chunked transfer rather than a
// protocol upgrade.
func (s *Server) handleSubscribeRepos(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, apperr.MethodNotImplemented, "this deployment has no streaming transport; use getRepo instead", nil)
		return
	}

	var cursor int64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "cursor must be an integer", nil)
			return
		}
		cursor = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, apperr.WriteFailed, "response does not support streaming", nil)
		return
	}

	sub, err := s.hub.Subscribe(r.Context(), cursor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "application/vnd.atproto.repo-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := w.Write(evt.Raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
