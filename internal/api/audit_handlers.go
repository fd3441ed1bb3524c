package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chaintrail/internal/adapter"
	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/export"
	"github.com/onnwee/chaintrail/internal/middleware"
	"github.com/onnwee/chaintrail/internal/store"
)

// AuditHandlers provides the audit pipeline endpoints: event submission,
// record retrieval, verification, and proofs.
type AuditHandlers struct {
	store    store.Store
	delivery adapter.Adapter
	uploader *export.Uploader
	logger   *slog.Logger
}

// AuditHandlersConfig configures the audit handlers. Uploader is optional;
// without it export uploads are rejected.
type AuditHandlersConfig struct {
	Store    store.Store
	Delivery adapter.Adapter
	Uploader *export.Uploader
	Logger   *slog.Logger
}

// NewAuditHandlers creates the audit endpoint handlers.
func NewAuditHandlers(cfg AuditHandlersConfig) *AuditHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandlers{
		store:    cfg.Store,
		delivery: cfg.Delivery,
		uploader: cfg.Uploader,
		logger:   logger,
	}
}

// SubmitEvent handles POST /audit/events. The event is handed to the
// configured delivery adapter; with the direct adapter a 202 means the
// record is durably stored, with asynchronous adapters it means the
// transport accepted the message.
func (h *AuditHandlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var event audit.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	if err := event.Validate(); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if err := h.delivery.Process(r.Context(), &event); err != nil {
		h.logger.Error("event delivery failed",
			slog.String("adapter", h.delivery.Name()),
			slog.String("error", err.Error()))
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnavailable)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "Failed to deliver audit event")
		return
	}

	WriteJSON(w, r.Context(), http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"adapter": h.delivery.Name(),
	})
}

// RecordRoutes handles GET /audit/records/{id} and
// GET /audit/records/{id}/proof.
func (h *AuditHandlers) RecordRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/audit/records/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Record id is required")
		return
	}

	switch {
	case len(parts) == 1:
		h.getRecord(w, r, id)
	case len(parts) == 2 && parts[1] == "proof":
		h.getProof(w, r, id)
	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	}
}

func (h *AuditHandlers) getRecord(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.store.Record(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Audit record not found")
			return
		}
		h.internalError(w, r, "loading record", err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, rec)
}

func (h *AuditHandlers) getProof(w http.ResponseWriter, r *http.Request, id string) {
	token, err := h.store.Proof(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Audit record not found")
		default:
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidProof)
			WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeInvalidProof, err.Error())
		}
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, map[string]string{
		"record_id": id,
		"proof":     token,
	})
}

// VerifyProof handles POST /audit/proof/verify. An invalid proof is a valid
// outcome, not an error; the result body carries the verdict.
func (h *AuditHandlers) VerifyProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var req struct {
		Proof string `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Proof == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "A proof token is required")
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, h.store.VerifyProof(req.Proof))
}

// timeRangeRequest is the shared body shape for verification endpoints.
type timeRangeRequest struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func decodeTimeRange(r *http.Request) (timeRangeRequest, error) {
	var req timeRangeRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	return req, nil
}

// VerifyRange handles POST /audit/verify, running chain verification over an
// optional time range.
func (h *AuditHandlers) VerifyRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	req, err := decodeTimeRange(r)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	var from, to time.Time
	if req.From != nil {
		from = *req.From
	}
	if req.To != nil {
		to = *req.To
	}

	report, err := h.store.VerifyRange(r.Context(), from, to)
	if err != nil {
		h.internalError(w, r, "verifying range", err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, report)
}

// DetectTampering handles POST /audit/tamper-check. Tampering is reported in
// the body; the HTTP status is 200 either way.
func (h *AuditHandlers) DetectTampering(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	req, err := decodeTimeRange(r)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	report, err := h.store.DetectTampering(r.Context(), req.From, req.To)
	if err != nil {
		h.internalError(w, r, "detecting tampering", err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, report)
}

// RunIntegrityCheck handles POST /audit/integrity-check, walking the whole
// store in batches.
func (h *AuditHandlers) RunIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var req struct {
		BatchSize int `json:"batch_size"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
			return
		}
	}
	if req.BatchSize == 0 {
		req.BatchSize = store.DefaultBatchSize
	}

	report, err := h.store.RunIntegrityCheck(r.Context(), req.BatchSize)
	if err != nil {
		if errors.Is(err, store.ErrInvalidBatchSize) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		h.internalError(w, r, "running integrity check", err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, report)
}

// Stats handles GET /audit/stats.
func (h *AuditHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, "loading stats", err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, stats)
}

// Cleanup handles POST /audit/cleanup, deleting records older than the given
// cutoff. Cutoffs inside the retention window are rejected.
func (h *AuditHandlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var req struct {
		Before time.Time `json:"before"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Before.IsZero() {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "A cutoff time is required")
		return
	}

	removed, err := h.store.Cleanup(r.Context(), req.Before)
	if err != nil {
		if errors.Is(err, store.ErrRetentionWindow) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeRetention)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeRetention, err.Error())
			return
		}
		h.internalError(w, r, "cleaning up records", err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, map[string]int64{"removed": removed})
}

// Export handles GET /audit/export. Query parameters: format (csv|json),
// from, to (RFC3339), user_id, limit, and upload=true to archive the
// snapshot to object storage instead of returning it.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	q := r.URL.Query()
	opts := export.Options{
		Format: export.Format(q.Get("format")),
		UserID: q.Get("user_id"),
	}
	if opts.Format == "" {
		opts.Format = export.FormatJSON
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "from must be RFC3339")
			return
		}
		opts.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "to must be RFC3339")
			return
		}
		opts.To = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	data, err := export.Export(r.Context(), h.store, opts)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if q.Get("upload") == "true" {
		if h.uploader == nil {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnavailable)
			WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "Export archive storage is not configured")
			return
		}
		key, err := h.uploader.Upload(r.Context(), opts.Format, data)
		if err != nil {
			h.internalError(w, r, "uploading export", err)
			return
		}
		WriteJSON(w, r.Context(), http.StatusOK, map[string]string{"object_key": key})
		return
	}

	contentType := "application/json; charset=utf-8"
	if opts.Format == export.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-export.%s", opts.Format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write export response", slog.String("error", err.Error()))
	}
}

func (h *AuditHandlers) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	h.logger.Error("internal error",
		slog.String("operation", what),
		slog.String("error", err.Error()))
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
}
