package xrpc

import (
	"net/http"
	"strings"

	"github.com/atweave/pds/internal/apperr"
	"github.com/atweave/pds/internal/cid"
)

func parseOptionalCID(raw string) (*cid.CID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	c, err := cid.Parse(raw)
	if err != nil {
		return nil, apperr.New(apperr.InvalidRequest, "malformed cid: "+raw)
	}
	return &c, nil
}

func (s *Server) handleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	result, err := s.repo.Describe(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":             result.DID,
		"handle":          result.Handle,
		"collections":     result.Collections,
		"didDoc":          result.DIDDoc,
		"handleIsCorrect": result.HandleIsCorrect,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did := strings.TrimSpace(q.Get("repo"))
	collection := strings.TrimSpace(q.Get("collection"))
	rkey := strings.TrimSpace(q.Get("rkey"))
	if collection == "" || rkey == "" {
		writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "collection and rkey are required", nil)
		return
	}
	expected, err := parseOptionalCID(q.Get("cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.repo.GetRecord(r.Context(), did, collection, rkey, expected)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":   result.URI,
		"cid":   result.CID.String(),
		"value": result.Value,
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did := strings.TrimSpace(q.Get("repo"))
	collection := strings.TrimSpace(q.Get("collection"))
	if collection == "" {
		writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "collection is required", nil)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidRequest, "limit must be an integer", nil)
		return
	}
	cursor := strings.TrimSpace(q.Get("cursor"))
	reverse := queryBool(r, "reverse")

	result, err := s.repo.ListRecords(r.Context(), did, collection, limit, cursor, reverse)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	records := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, map[string]any{
			"uri":   rec.URI,
			"cid":   rec.CID.String(),
			"value": rec.Value,
		})
	}
	response := map[string]any{"records": records}
	if result.Cursor != "" {
		response["cursor"] = result.Cursor
	}
	writeJSON(w, http.StatusOK, response)
}

type createRecordBody struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	Rkey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
	SwapCommit string         `json:"swapCommit"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var body createRecordBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	swapCommit, err := parseOptionalCID(body.SwapCommit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.repo.CreateRecord(r.Context(), body.Repo, body.Collection, body.Record, body.Rkey, nil, swapCommit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uri": result.URI, "cid": result.CID.String()})
}

type putRecordBody struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	Rkey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
	SwapRecord string         `json:"swapRecord"`
	SwapCommit string         `json:"swapCommit"`
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var body putRecordBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	swapRecord, err := parseOptionalCID(body.SwapRecord)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	swapCommit, err := parseOptionalCID(body.SwapCommit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.repo.PutRecord(r.Context(), body.Repo, body.Collection, body.Rkey, body.Record, swapRecord, swapCommit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uri": result.URI, "cid": result.CID.String()})
}

type deleteRecordBody struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
	SwapRecord string `json:"swapRecord"`
	SwapCommit string `json:"swapCommit"`
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var body deleteRecordBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	swapRecord, err := parseOptionalCID(body.SwapRecord)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	swapCommit, err := parseOptionalCID(body.SwapCommit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := s.repo.DeleteRecord(r.Context(), body.Repo, body.Collection, body.Rkey, swapRecord, swapCommit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commit": result.CommitCID.String()})
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did := strings.TrimSpace(q.Get("did"))
	var since *string
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since = &raw
	}

	archive, err := s.repo.ExportCAR(r.Context(), did, since)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
