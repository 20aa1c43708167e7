package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/medtrust/anchord/canonical"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/history"
	"github.com/medtrust/anchord/store"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVerify expects the row's current content as a JSON object in the
// request body; an explicit JSON null means the row does not exist and
// yields ABSENT.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := s.entityVars(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "row content required in request body")
		return
	}

	var row canonical.Row
	if err := json.Unmarshal(body, &row); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}

	report, err := s.svc.Verify(r.Context(), kind, entityID, row)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := s.entityVars(w, r)
	if !ok {
		return
	}

	integrity, err := s.svc.Integrity(r.Context(), kind, entityID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, integrity)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := history.Filter{}
	for _, raw := range r.URL.Query()["kind"] {
		kind := store.Kind(strings.ToUpper(raw))
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "unknown kind "+raw)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	feed, err := s.svc.History(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ledger id must be an integer")
		return
	}

	entry, err := s.svc.LedgerEntry(r.Context(), uint(id))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) entityVars(w http.ResponseWriter, r *http.Request) (store.Kind, uint64, bool) {
	vars := mux.Vars(r)

	kind := store.Kind(strings.ToUpper(vars["kind"]))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown kind "+vars["kind"])
		return "", 0, false
	}

	entityID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "entity id must be an integer")
		return "", 0, false
	}
	return kind, entityID, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeBadCanonicalization:
		status = http.StatusBadRequest
	case errors.CodeConcurrentAnchor:
		status = http.StatusConflict
	case errors.CodeConfiguration:
		status = http.StatusServiceUnavailable
	case errors.CodeRpcTransient, errors.CodeUnconfirmed:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
