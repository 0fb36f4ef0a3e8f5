package service

import (
	"context"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
)

// InvoiceService serves invoice queries, the review queue and audit trails.
type InvoiceService struct {
	invoices    repository.InvoiceStore
	extractions repository.ExtractionStore
	reviews     repository.ReviewStore
	audit       repository.AuditStore
	log         *logger.Logger
}

// NewInvoiceService creates a new invoice service.
func NewInvoiceService(store repository.Store, log *logger.Logger) *InvoiceService {
	return &InvoiceService{
		invoices:    store,
		extractions: store,
		reviews:     store,
		audit:       store,
		log:         log,
	}
}

// GetInvoice returns one invoice with its latest completed extraction.
func (s *InvoiceService) GetInvoice(ctx context.Context, id string) (*repository.Invoice, *repository.InvoiceExtraction, error) {
	if id == "" {
		return nil, nil, errors.InvalidInput("invoice_id", "invoice_id is required")
	}
	invoice, err := s.invoices.GetInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	extraction, err := s.extractions.GetLatestExtractionByInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return invoice, extraction, nil
}

// ListInvoices returns invoices matching the filter plus the unpaged total.
func (s *InvoiceService) ListInvoices(ctx context.Context, filter repository.InvoiceFilter) ([]*repository.Invoice, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.invoices.ListInvoices(ctx, filter)
}

// ListReviewQueue returns open human-review entries, high priority first.
func (s *InvoiceService) ListReviewQueue(ctx context.Context, limit, offset int) ([]*repository.ReviewQueueEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.reviews.ListOpenReviewEntries(ctx, limit, offset)
}

// ResolveReview closes one open review entry.
func (s *InvoiceService) ResolveReview(ctx context.Context, entryID, resolvedBy, notes string) error {
	if entryID == "" {
		return errors.InvalidInput("entry_id", "entry_id is required")
	}
	if resolvedBy == "" {
		return errors.New(errors.ErrCodeUnauthorized, "resolver identity is required")
	}
	if err := s.reviews.ResolveReviewEntry(ctx, entryID, resolvedBy, notes); err != nil {
		return err
	}
	return s.audit.AppendAudit(ctx, &repository.AuditEntry{
		Action:     "review_resolved",
		EntityType: "review_queue",
		EntityID:   entryID,
		ActorID:    &resolvedBy,
		NewValues:  map[string]any{"notes": notes},
	})
}

// AuditTrail returns the audit entries recorded for one invoice.
func (s *InvoiceService) AuditTrail(ctx context.Context, invoiceID string) ([]*repository.AuditEntry, error) {
	if invoiceID == "" {
		return nil, errors.InvalidInput("invoice_id", "invoice_id is required")
	}
	if _, err := s.invoices.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.audit.ListAuditByEntity(ctx, "invoice", invoiceID)
}
