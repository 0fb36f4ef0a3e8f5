package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basinflow/be-afe-invoices/internal/client"
	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/internal/repository/memory"
	"github.com/basinflow/be-afe-invoices/internal/service"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
)

type stubExtractor struct{}

func (stubExtractor) ExtractFromText(ctx context.Context, text string) (*client.ExtractionResult, error) {
	return &client.ExtractionResult{Payload: &client.ExtractionPayload{}, Raw: "{}", Parsed: true}, nil
}

func (stubExtractor) ExtractFromDocument(ctx context.Context, data []byte, mimeType string) (*client.ExtractionResult, error) {
	return &client.ExtractionResult{Payload: &client.ExtractionPayload{}, Raw: "{}", Parsed: true}, nil
}

type stubNotifier struct{}

func (stubNotifier) PublishInvoiceEvent(eventType, invoiceID, actorID string, payload map[string]any) {}

func encodeContent(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

func newTestHandler(store *memory.Store) *HTTPHandler {
	log := logger.Nop()
	collector := metrics.NewCollector()
	return NewHTTPHandler(
		service.NewExtractionService(store, stubExtractor{}, stubNotifier{}, collector, log),
		service.NewPolicyService(store, stubNotifier{}, collector, log),
		service.NewApprovalService(store, stubNotifier{}, collector, log),
		service.NewInvoiceService(store, log),
		log,
	)
}

func TestExtractInvoiceRequiresUserHeader(t *testing.T) {
	h := newTestHandler(memory.NewStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions",
		strings.NewReader(`{"invoice_id":"inv-1","file_content":"text"}`))
	rec := httptest.NewRecorder()
	h.ExtractInvoice(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestExtractInvoiceRejectsBadBody(t *testing.T) {
	h := newTestHandler(memory.NewStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions", strings.NewReader("{not json"))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ExtractInvoice(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExtractInvoiceUnknownInvoice(t *testing.T) {
	h := newTestHandler(memory.NewStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions",
		strings.NewReader(`{"invoice_id":"missing","file_content":"`+encodeContent("invoice text")+`"}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ExtractInvoice(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestExtractInvoiceHappyPath(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 1000_00})
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions",
		strings.NewReader(`{"invoice_id":"`+invoice.ID+`","file_content":"`+encodeContent("invoice text")+`"}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ExtractInvoice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestExtractInvoiceRejectsNonBase64Content(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 1000_00})
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions",
		strings.NewReader(`{"invoice_id":"`+invoice.ID+`","file_content":"plain invoice text"}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	h.ExtractInvoice(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(store.Extractions) != 0 {
		t.Errorf("extractions persisted = %d, want 0", len(store.Extractions))
	}
}

func TestDecideApprovalConflictMapsTo409(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{
		AmountCents: 1000_00,
		Status:      repository.InvoiceStatusPendingApproval,
	})
	approval := &repository.Approval{InvoiceID: invoice.ID, Level: 1, AmountApprovedCents: 1000_00}
	store.ApplyDecision(context.Background(), &repository.DecisionMutation{
		InvoiceID:     invoice.ID,
		InvoiceStatus: repository.InvoiceStatusPendingApproval,
		Approvals:     []*repository.Approval{approval},
	})
	h := newTestHandler(store)

	body := `{"approval_id":"` + approval.ID + `","decision":"approved"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/decide", strings.NewReader(body))
	req.Header.Set("X-User-ID", "approver-1")
	rec := httptest.NewRecorder()
	h.DecideApproval(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first decision status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/approvals/decide", strings.NewReader(body))
	req.Header.Set("X-User-ID", "approver-1")
	rec = httptest.NewRecorder()
	h.DecideApproval(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("repeat decision status = %d, want 409", rec.Code)
	}
}

func TestListInvoicesFiltersByStatus(t *testing.T) {
	store := memory.NewStore()
	store.AddInvoice(&repository.Invoice{AmountCents: 100, Status: repository.InvoiceStatusApproved})
	store.AddInvoice(&repository.Invoice{AmountCents: 200, Status: repository.InvoiceStatusPending})
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices?status=approved", nil)
	rec := httptest.NewRecorder()
	h.ListInvoices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
