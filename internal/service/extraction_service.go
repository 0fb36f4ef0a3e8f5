package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basinflow/be-afe-invoices/internal/client"
	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
)

// headroomWarningRatio triggers a utilization warning when remaining budget
// drops below this fraction of the AFE's total budget.
const headroomWarningRatio = 0.10

// Extractor is the AI extraction capability consumed by the service.
type Extractor interface {
	ExtractFromText(ctx context.Context, text string) (*client.ExtractionResult, error)
	ExtractFromDocument(ctx context.Context, data []byte, mimeType string) (*client.ExtractionResult, error)
}

// Notifier publishes workflow events. Implementations must be non-blocking
// and non-fatal.
type Notifier interface {
	PublishInvoiceEvent(eventType, invoiceID, actorID string, payload map[string]any)
}

// ExtractionService turns raw invoice documents into structured extraction
// records and reconciles them against the AFE budget ledger.
type ExtractionService struct {
	invoices    repository.InvoiceStore
	extractions repository.ExtractionStore
	ledger      repository.LedgerStore
	extractor   Extractor
	notifier    Notifier
	metrics     *metrics.Collector
	log         *logger.Logger
}

// NewExtractionService creates a new extraction service.
func NewExtractionService(
	store repository.Store,
	extractor Extractor,
	notifier Notifier,
	collector *metrics.Collector,
	log *logger.Logger,
) *ExtractionService {
	return &ExtractionService{
		invoices:    store,
		extractions: store,
		ledger:      store,
		extractor:   extractor,
		notifier:    notifier,
		metrics:     collector,
		log:         log,
	}
}

// ExtractRequest carries a document for one extraction attempt.
type ExtractRequest struct {
	InvoiceID       string
	Content         []byte
	ContentTypeHint *string
	ActorID         string
}

// ExtractResult reports the outcome of an extraction attempt.
type ExtractResult struct {
	Success            bool                          `json:"success"`
	ExtractionID       string                        `json:"extraction_id"`
	Extraction         *repository.InvoiceExtraction `json:"extracted_data,omitempty"`
	InvoiceStatus      string                        `json:"invoice_status"`
	BudgetStatus       string                        `json:"budget_status"`
	BudgetRemaining    *int64                        `json:"budget_remaining,omitempty"`
	ValidationErrors   []string                      `json:"validation_errors"`
	ValidationWarnings []string                      `json:"validation_warnings"`
}

// Extract runs one extraction attempt for the invoice: modality
// classification, a single AI extraction call, budget reconciliation, and
// persistence of the completed or failed extraction record.
func (s *ExtractionService) Extract(ctx context.Context, req *ExtractRequest) (*ExtractResult, error) {
	if req.InvoiceID == "" {
		return nil, errors.InvalidInput("invoice_id", "invoice_id is required")
	}
	if len(req.Content) == 0 {
		return nil, errors.InvalidInput("file_content", "document content is required")
	}

	invoice, err := s.invoices.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	log := s.log.With().Str("invoice_id", invoice.ID).Logger()

	binary, mimeType := classifyDocument(req.Content, req.ContentTypeHint)

	var result *client.ExtractionResult
	if binary {
		result, err = s.extractor.ExtractFromDocument(ctx, req.Content, mimeType)
	} else {
		result, err = s.extractor.ExtractFromText(ctx, string(req.Content))
	}
	if err != nil {
		log.Error().Err(err).Msg("extraction call failed")
		return s.failExtraction(ctx, invoice, req.ActorID, err, time.Since(start))
	}

	extraction := &repository.InvoiceExtraction{
		InvoiceID: invoice.ID,
		Status:    repository.ExtractionStatusCompleted,
	}
	if result.Raw != "" {
		extraction.RawResponse = &result.Raw
	}

	mutation := &repository.ExtractionMutation{Extraction: extraction}
	if result.Parsed {
		if err := s.applyPayload(ctx, invoice, extraction, mutation, result.Payload); err != nil {
			return nil, err
		}
	} else {
		// Unparseable model output: keep the raw text and empty confidence
		// scores instead of failing the attempt.
		extraction.ConfidenceScores = map[string]float64{}
		extraction.ValidationWarnings = append(extraction.ValidationWarnings,
			"extraction output was not machine-parseable; raw text retained")
	}

	if extraction.BudgetStatus == "" {
		extraction.BudgetStatus = repository.BudgetStatusNoAFE
	}

	status := deriveInvoiceStatus(extraction)
	mutation.InvoiceStatus = status
	mutation.Audit = &repository.AuditEntry{
		Action:     "invoice_extracted",
		EntityType: "invoice",
		EntityID:   invoice.ID,
		ActorID:    actorRef(req.ActorID),
		OldValues:  map[string]any{"status": invoice.Status},
		NewValues: map[string]any{
			"status":        status,
			"budget_status": extraction.BudgetStatus,
			"errors":        len(extraction.ValidationErrors),
			"warnings":      len(extraction.ValidationWarnings),
		},
	}

	if err := s.extractions.CompleteExtraction(ctx, mutation); err != nil {
		return nil, err
	}

	s.metrics.RecordExtraction("completed", extraction.BudgetStatus, time.Since(start))
	s.notifier.PublishInvoiceEvent("invoice_extracted", invoice.ID, req.ActorID, map[string]any{
		"extraction_id": extraction.ID,
		"budget_status": extraction.BudgetStatus,
		"status":        status,
	})

	log.Info().
		Str("extraction_id", extraction.ID).
		Str("budget_status", extraction.BudgetStatus).
		Str("status", status).
		Int("errors", len(extraction.ValidationErrors)).
		Int("warnings", len(extraction.ValidationWarnings)).
		Msg("extraction completed")

	return &ExtractResult{
		Success:            true,
		ExtractionID:       extraction.ID,
		Extraction:         extraction,
		InvoiceStatus:      status,
		BudgetStatus:       extraction.BudgetStatus,
		BudgetRemaining:    extraction.BudgetRemainingCents,
		ValidationErrors:   extraction.ValidationErrors,
		ValidationWarnings: extraction.ValidationWarnings,
	}, nil
}

// applyPayload copies the model payload onto the extraction record and runs
// budget reconciliation, well cross-reference, and duplicate detection.
func (s *ExtractionService) applyPayload(
	ctx context.Context,
	invoice *repository.Invoice,
	extraction *repository.InvoiceExtraction,
	mutation *repository.ExtractionMutation,
	payload *client.ExtractionPayload,
) error {
	extraction.AFENumber = payload.AFENumber
	extraction.WellIdentifier = payload.WellIdentifier
	extraction.FieldTicketNumbers = payload.FieldTicketNumbers
	extraction.PONumber = payload.PONumber
	extraction.ServicePeriodStart = payload.ServicePeriodStart
	extraction.ServicePeriodEnd = payload.ServicePeriodEnd
	extraction.ConfidenceScores = payload.ConfidenceScores
	if extraction.ConfidenceScores == nil {
		extraction.ConfidenceScores = map[string]float64{}
	}

	for _, item := range payload.LineItems {
		line := repository.LineItem{
			Description:    item.Description,
			Quantity:       item.Quantity,
			AmountCents:    centsFromAmount(item.Amount),
			WellIdentifier: item.WellIdentifier,
		}
		if item.UnitPrice != nil {
			line.UnitPriceCents = centsFromAmount(*item.UnitPrice)
		}
		extraction.LineItems = append(extraction.LineItems, line)
	}

	mutation.VendorName = payload.VendorName
	mutation.InvoiceNumber = payload.InvoiceNumber
	if mean, ok := meanConfidence(extraction.ConfidenceScores); ok {
		mutation.Confidence = &mean
	}
	if raw, err := json.Marshal(payload); err == nil {
		mutation.RawPayload = raw
	}

	amountCents := invoice.AmountCents
	if amountCents == 0 && payload.TotalAmount != nil {
		amountCents = centsFromAmount(*payload.TotalAmount)
	}

	if err := s.reconcileBudget(ctx, extraction, amountCents); err != nil {
		return err
	}
	s.crossReferenceWell(ctx, extraction)
	s.detectDuplicate(ctx, invoice, extraction, mutation, payload, amountCents)
	return nil
}

// reconcileBudget checks the extracted AFE number against the ledger and
// records budget status, remaining headroom, and any overage error. A store
// failure propagates; afe_not_found is reserved for a genuine nil lookup.
func (s *ExtractionService) reconcileBudget(ctx context.Context, extraction *repository.InvoiceExtraction, amountCents int64) error {
	if extraction.AFENumber == nil || *extraction.AFENumber == "" {
		extraction.BudgetStatus = repository.BudgetStatusNoAFE
		return nil
	}

	afe, err := s.ledger.GetActiveAFEByNumber(ctx, *extraction.AFENumber)
	if err != nil {
		s.log.Error().Err(err).Str("afe_number", *extraction.AFENumber).Msg("AFE lookup failed")
		return errors.Wrap(err, errors.ErrCodeInternal, "AFE lookup failed")
	}
	if afe == nil {
		extraction.BudgetStatus = repository.BudgetStatusAFENotFound
		extraction.ValidationWarnings = append(extraction.ValidationWarnings,
			fmt.Sprintf("AFE %s not found in the ledger", *extraction.AFENumber))
		return nil
	}

	extraction.AFEID = &afe.ID

	projectedSpent := afe.SpentAmountCents + amountCents
	remaining := afe.BudgetAmountCents - projectedSpent
	extraction.BudgetRemainingCents = &remaining

	if remaining < 0 {
		extraction.BudgetStatus = repository.BudgetStatusOverBudget
		extraction.ValidationErrors = append(extraction.ValidationErrors,
			fmt.Sprintf("invoice exceeds AFE %s budget by %s", afe.AFENumber, formatCents(-remaining)))
	} else {
		extraction.BudgetStatus = repository.BudgetStatusWithinBudget
	}

	if afe.BudgetAmountCents > 0 && float64(remaining) < headroomWarningRatio*float64(afe.BudgetAmountCents) {
		utilization := float64(projectedSpent) / float64(afe.BudgetAmountCents) * 100
		extraction.ValidationWarnings = append(extraction.ValidationWarnings,
			fmt.Sprintf("AFE %s is at %.1f%% utilization", afe.AFENumber, utilization))
	}
	return nil
}

// crossReferenceWell verifies the extracted well identifier against the well
// registry. A miss is a warning, never an error.
func (s *ExtractionService) crossReferenceWell(ctx context.Context, extraction *repository.InvoiceExtraction) {
	if extraction.WellIdentifier == nil || *extraction.WellIdentifier == "" {
		return
	}

	well, err := s.ledger.GetWellByUWI(ctx, *extraction.WellIdentifier)
	if err != nil {
		s.log.Error().Err(err).Str("uwi", *extraction.WellIdentifier).Msg("well lookup failed")
		return
	}
	if well == nil {
		extraction.ValidationWarnings = append(extraction.ValidationWarnings,
			fmt.Sprintf("well identifier %s not found in the registry", *extraction.WellIdentifier))
		return
	}
	extraction.WellID = &well.ID
}

// detectDuplicate fingerprints the invoice on vendor, invoice number and
// amount and warns when another invoice already carries the same hash.
func (s *ExtractionService) detectDuplicate(
	ctx context.Context,
	invoice *repository.Invoice,
	extraction *repository.InvoiceExtraction,
	mutation *repository.ExtractionMutation,
	payload *client.ExtractionPayload,
	amountCents int64,
) {
	if payload.VendorName == nil || payload.InvoiceNumber == nil {
		return
	}

	hash := duplicateHash(*payload.VendorName, *payload.InvoiceNumber, amountCents)
	mutation.DuplicateHash = &hash

	existing, err := s.extractions.FindInvoiceByDuplicateHash(ctx, hash, invoice.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("duplicate lookup failed")
		return
	}
	if existing != nil {
		extraction.ValidationWarnings = append(extraction.ValidationWarnings,
			fmt.Sprintf("possible duplicate of invoice %s (same vendor, number and amount)", existing.ID))
	}
}

// failExtraction persists a failed attempt and reports the upstream error.
func (s *ExtractionService) failExtraction(
	ctx context.Context,
	invoice *repository.Invoice,
	actorID string,
	cause error,
	elapsed time.Duration,
) (*ExtractResult, error) {
	message := cause.Error()
	extraction := &repository.InvoiceExtraction{
		InvoiceID:    invoice.ID,
		Status:       repository.ExtractionStatusFailed,
		BudgetStatus: repository.BudgetStatusNoAFE,
		ErrorMessage: &message,
	}
	mutation := &repository.ExtractionMutation{
		Extraction:    extraction,
		InvoiceStatus: repository.InvoiceStatusValidationFailed,
		Audit: &repository.AuditEntry{
			Action:     "invoice_extraction_failed",
			EntityType: "invoice",
			EntityID:   invoice.ID,
			ActorID:    actorRef(actorID),
			OldValues:  map[string]any{"status": invoice.Status},
			NewValues:  map[string]any{"status": repository.InvoiceStatusValidationFailed, "error": message},
		},
	}
	if err := s.extractions.FailExtraction(ctx, mutation); err != nil {
		return nil, err
	}

	s.metrics.RecordExtraction("failed", extraction.BudgetStatus, elapsed)
	s.notifier.PublishInvoiceEvent("invoice_extraction_failed", invoice.ID, actorID, map[string]any{
		"extraction_id": extraction.ID,
		"error":         message,
	})

	return nil, errors.Wrap(cause, errors.ErrCodeUnavailable, "extraction attempt failed")
}

// deriveInvoiceStatus applies the status precedence: errors beat warnings,
// warnings beat a clean within-budget result.
func deriveInvoiceStatus(extraction *repository.InvoiceExtraction) string {
	switch {
	case len(extraction.ValidationErrors) > 0:
		return repository.InvoiceStatusValidationFailed
	case len(extraction.ValidationWarnings) > 0:
		return repository.InvoiceStatusNeedsReview
	case extraction.BudgetStatus == repository.BudgetStatusWithinBudget:
		return repository.InvoiceStatusValidated
	default:
		return repository.InvoiceStatusPending
	}
}

// classifyDocument decides between the vision and text extraction paths.
// The content-type hint wins when present; otherwise magic bytes decide.
func classifyDocument(content []byte, hint *string) (binary bool, mimeType string) {
	if hint != nil && *hint != "" {
		h := strings.ToLower(*hint)
		switch {
		case strings.Contains(h, "pdf"):
			return true, "application/pdf"
		case strings.HasPrefix(h, "image/"):
			return true, h
		case strings.Contains(h, "text") || strings.Contains(h, "json"):
			return false, ""
		}
	}

	switch {
	case len(content) >= 5 && string(content[:5]) == "%PDF-":
		return true, "application/pdf"
	case len(content) >= 4 && string(content[:4]) == "\x89PNG":
		return true, "image/png"
	case len(content) >= 3 && content[0] == 0xFF && content[1] == 0xD8 && content[2] == 0xFF:
		return true, "image/jpeg"
	case len(content) >= 4 && string(content[:4]) == "GIF8":
		return true, "image/gif"
	case len(content) >= 4 && (string(content[:4]) == "II*\x00" || string(content[:4]) == "MM\x00*"):
		return true, "image/tiff"
	case !utf8.Valid(content):
		return true, "application/octet-stream"
	default:
		return false, ""
	}
}

// duplicateHash fingerprints an invoice on normalized vendor name, invoice
// number, and amount.
func duplicateHash(vendorName, invoiceNumber string, amountCents int64) string {
	key := fmt.Sprintf("%s|%s|%d",
		strings.ToLower(strings.TrimSpace(vendorName)),
		strings.ToLower(strings.TrimSpace(invoiceNumber)),
		amountCents)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func meanConfidence(scores map[string]float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	var total float64
	for _, v := range scores {
		total += v
	}
	return total / float64(len(scores)), true
}

func centsFromAmount(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}

func actorRef(actorID string) *string {
	if actorID == "" {
		return nil
	}
	return &actorID
}
