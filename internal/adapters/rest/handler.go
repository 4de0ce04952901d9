// Package rest exposes the ledger over HTTP: account management, receipt
// submission and rollback, batch execution, and record CRUD with receipt
// interception.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"healthcore/internal/ledger"
	"healthcore/pkg/domain"
)

// AdminDeleteHeader authorizes deleting records that are normally only
// removed by deleting their receipts.
const AdminDeleteHeader = "X-Admin-Delete"

// Handler provides HTTP access to the ledger service.
type Handler struct {
	Service *ledger.Service
}

// NewHandler constructs a ledger HTTP handler.
func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{Service: svc}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "ledger service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasPrefix(path, "/api/v1/accounts"):
		h.handleAccounts(w, r, strings.TrimPrefix(path, "/api/v1/accounts"))
	case strings.HasPrefix(path, "/api/v1/receipts"):
		h.handleReceipts(w, r, strings.TrimPrefix(path, "/api/v1/receipts"))
	case path == "/api/v1/batches":
		h.handleBatch(w, r)
	case strings.HasPrefix(path, "/api/v1/records/"):
		h.handleRecords(w, r, strings.TrimPrefix(path, "/api/v1/records/"))
	default:
		http.NotFound(w, r)
	}
}

type accountRequest struct {
	Username string `json:"username"`
	TargetID string `json:"target_id,omitempty"`
}

func (h *Handler) handleAccounts(w http.ResponseWriter, r *http.Request, remainder string) {
	if remainder == "" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req accountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid account request payload")
			return
		}
		identity, err := h.Service.CreateAccount(r.Context(), req.Username, req.TargetID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"identity": identity})
		return
	}

	segments := strings.Split(strings.TrimPrefix(remainder, "/"), "/")
	switch {
	case len(segments) == 1 && r.Method == http.MethodDelete:
		if err := h.Service.DeleteAccount(r.Context(), segments[0]); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(segments) == 2 && segments[1] == "rebuild" && r.Method == http.MethodPost:
		if err := h.Service.RebuildAccount(r.Context(), segments[0]); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleReceipts(w http.ResponseWriter, r *http.Request, remainder string) {
	if remainder == "" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var env domain.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid receipt payload")
			return
		}
		ack, err := h.Service.SubmitReceipt(r.Context(), env)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
		return
	}

	id := strings.TrimPrefix(remainder, "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		env, err := h.Service.GetReceipt(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	case http.MethodDelete:
		if err := h.Service.DeleteRecord(r.Context(), domain.BundleType, id, false); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload")
		return
	}
	ack, err := h.Service.SubmitBatch(r.Context(), env, requestSource(r, ""))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	switch len(segments) {
	case 1:
		h.handleRecordCollection(w, r, segments[0])
	case 2:
		h.handleRecord(w, r, segments[0], segments[1])
	case 4:
		if segments[2] != "_history" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		version, err := strconv.Atoi(segments[3])
		if err != nil || version <= 0 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		rec, err := h.Service.GetRecordVersion(r.Context(), segments[0], segments[1], version)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleRecordCollection(w http.ResponseWriter, r *http.Request, typ string) {
	switch r.Method {
	case http.MethodGet:
		recs, err := h.Service.ListRecords(r.Context(), typ, r.URL.Query().Get("owner"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs})
	case http.MethodPost:
		rec, ok := decodeRecord(w, r, typ, "")
		if !ok {
			return
		}
		stored, err := h.Service.CreateRecord(r.Context(), rec)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request, typ, id string) {
	switch r.Method {
	case http.MethodGet:
		rec, err := h.Service.GetRecord(r.Context(), typ, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		rec, ok := decodeRecord(w, r, typ, id)
		if !ok {
			return
		}
		stored, err := h.Service.UpdateRecord(r.Context(), rec)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	case http.MethodDelete:
		admin := strings.EqualFold(r.Header.Get(AdminDeleteHeader), "true")
		if err := h.Service.DeleteRecord(r.Context(), typ, id, admin); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		// Partial updates would bypass receipt interception.
		writeError(w, http.StatusUnprocessableEntity, "partial updates are not supported")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// decodeRecord reads a record payload, pinning type and id from the URL and
// defaulting the submission source from the request.
func decodeRecord(w http.ResponseWriter, r *http.Request, typ, id string) (domain.Record, bool) {
	var rec domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record payload")
		return domain.Record{}, false
	}
	if rec.Type == "" {
		rec.Type = typ
	}
	if rec.Type != typ {
		writeError(w, http.StatusUnprocessableEntity, "record type does not match URL")
		return domain.Record{}, false
	}
	if id != "" {
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.ID != id {
			writeError(w, http.StatusUnprocessableEntity, "record id does not match URL")
			return domain.Record{}, false
		}
	}
	rec.Meta.Source = requestSource(r, rec.Meta.Source)
	return rec, true
}

// requestSource resolves the submitting source: the record's own source, the
// User-Agent, the forwarded client address, then the remote address.
func requestSource(r *http.Request, declared string) string {
	if declared != "" {
		return declared
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		return ua
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case domain.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case domain.KindUnprocessable:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
