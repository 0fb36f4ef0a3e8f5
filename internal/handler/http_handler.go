package handler

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/internal/service"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
)

// userIDHeader carries the authenticated actor identity. Mutating routes
// reject requests without it.
const userIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	extraction *service.ExtractionService
	policy     *service.PolicyService
	approval   *service.ApprovalService
	invoice    *service.InvoiceService
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	extraction *service.ExtractionService,
	policy *service.PolicyService,
	approval *service.ApprovalService,
	invoice *service.InvoiceService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		extraction: extraction,
		policy:     policy,
		approval:   approval,
		invoice:    invoice,
		log:        log,
	}
}

// ExtractInvoice handles extraction HTTP requests
func (h *HTTPHandler) ExtractInvoice(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		InvoiceID   string  `json:"invoice_id"`
		FileContent string  `json:"file_content"`
		FileType    *string `json:"file_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	content, err := base64.StdEncoding.DecodeString(req.FileContent)
	if err != nil {
		h.writeError(w, errors.InvalidInput("file_content", "file_content must be base64 encoded"))
		return
	}

	result, err := h.extraction.Extract(r.Context(), &service.ExtractRequest{
		InvoiceID:       req.InvoiceID,
		Content:         content,
		ContentTypeHint: req.FileType,
		ActorID:         actorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// EvaluatePolicies handles policy evaluation HTTP requests
func (h *HTTPHandler) EvaluatePolicies(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		InvoiceID   string `json:"invoice_id"`
		InvoiceData struct {
			Amount          float64  `json:"amount"`
			VendorID        *string  `json:"vendor_id"`
			ConfidenceScore *float64 `json:"confidence_score"`
		} `json:"invoice_data"`
		PolicyTypes []string `json:"policy_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.policy.Evaluate(r.Context(), &service.EvaluateRequest{
		InvoiceID:       req.InvoiceID,
		AmountCents:     int64(math.Round(req.InvoiceData.Amount * 100)),
		VendorID:        req.InvoiceData.VendorID,
		ConfidenceScore: req.InvoiceData.ConfidenceScore,
		PolicyTypes:     req.PolicyTypes,
		ActorID:         actorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// DecideApproval handles approval decision HTTP requests
func (h *HTTPHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		ApprovalID string  `json:"approval_id"`
		Decision   string  `json:"decision"`
		Comments   *string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.approval.Decide(r.Context(), &service.DecideRequest{
		ApprovalID: req.ApprovalID,
		Decision:   req.Decision,
		Comments:   req.Comments,
		ApproverID: actorID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// GetInvoice handles get invoice HTTP requests
func (h *HTTPHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.URL.Query().Get("id")
	if invoiceID == "" {
		h.writeError(w, errors.InvalidInput("id", "invoice id is required"))
		return
	}

	invoice, extraction, err := h.invoice.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"invoice":    invoice,
		"extraction": extraction,
	})
}

// ListInvoices handles list invoices HTTP requests
func (h *HTTPHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	filter := repository.InvoiceFilter{
		VendorID: optionalQuery(r, "vendor_id"),
		Status:   optionalQuery(r, "status"),
		FromDate: optionalQuery(r, "from_date"),
		ToDate:   optionalQuery(r, "to_date"),
	}
	filter.Limit, filter.Offset = pagination(r)

	invoices, total, err := h.invoice.ListInvoices(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"invoices": invoices,
		"total":    total,
	})
}

// ListPendingApprovals handles pending approval list HTTP requests
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if invoiceID := r.URL.Query().Get("invoice_id"); invoiceID != "" {
		approvals, err := h.approval.ListByInvoice(r.Context(), invoiceID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
		return
	}

	limit, offset := pagination(r)
	approvals, err := h.approval.ListPending(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

// ListReviewQueue handles review queue list HTTP requests
func (h *HTTPHandler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	entries, err := h.invoice.ListReviewQueue(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ResolveReview handles review queue resolution HTTP requests
func (h *HTTPHandler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		EntryID string `json:"entry_id"`
		Notes   string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	if err := h.invoice.ResolveReview(r.Context(), req.EntryID, actorID, req.Notes); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// GetAuditTrail handles invoice audit trail HTTP requests
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.URL.Query().Get("id")
	if invoiceID == "" {
		h.writeError(w, errors.InvalidInput("id", "invoice id is required"))
		return
	}

	entries, err := h.invoice.AuditTrail(r.Context(), invoiceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *HTTPHandler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := r.Header.Get(userIDHeader)
	if actorID == "" {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "missing "+userIDHeader+" header"))
		return "", false
	}
	return actorID, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(errors.Code(err)),
	})
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}
