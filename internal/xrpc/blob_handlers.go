package xrpc

import (
	"io"
	"net/http"
	"strings"

	"github.com/atweave/pds/internal/apperr"
)

// maxUploadBytes bounds how much of the request body uploadBlob reads
// before blob.Store's own MaxBlobSize check ever runs, so an oversize
// upload fails fast rather than buffering unboundedly.
const maxUploadBytes = 10 << 20

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	mime := r.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "could not read body", nil)
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusBadRequest, apperr.BlobTooLarge, "upload exceeds the request size ceiling", nil)
		return
	}

	meta, err := s.blobs.Put(r.Context(), data, mime)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blob": map[string]any{
			"cid":      meta.CID.String(),
			"mimeType": meta.MimeType,
			"size":     meta.Size,
		},
	})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cidParam := strings.TrimSpace(q.Get("cid"))
	if cidParam == "" {
		writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "cid is required", nil)
		return
	}
	c, err := parseOptionalCID(cidParam)
	if err != nil || c == nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "malformed cid", nil)
		return
	}

	b, err := s.blobs.Get(r.Context(), *c)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", b.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Bytes)
}
