package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

// ExtractionRepository persists invoice extraction attempts. Completion and
// failure always write the extraction row, the invoice mutation and the
// audit entry in a single transaction.
type ExtractionRepository struct {
	db *DB
}

// NewExtractionRepository creates a new extraction repository.
func NewExtractionRepository(db *DB) *ExtractionRepository {
	return &ExtractionRepository{db: db}
}

// CompleteExtraction stores a completed extraction and applies the derived
// invoice mutation.
func (r *ExtractionRepository) CompleteExtraction(ctx context.Context, m *ExtractionMutation) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := insertExtraction(ctx, tx, m.Extraction); err != nil {
			return err
		}

		query := `
			UPDATE invoices
			SET status                = $2::invoice_status,
			    vendor_name           = COALESCE($3, vendor_name),
			    invoice_number        = COALESCE($4, invoice_number),
			    confidence_score      = $5,
			    raw_extracted_payload = COALESCE($6, raw_extracted_payload),
			    duplicate_hash        = COALESCE($7, duplicate_hash),
			    updated_at            = NOW()
			WHERE id = $1
			RETURNING id
		`
		var returnedID string
		err := tx.QueryRow(ctx, query,
			m.Extraction.InvoiceID,
			m.InvoiceStatus,
			m.VendorName,
			m.InvoiceNumber,
			m.Confidence,
			m.RawPayload,
			m.DuplicateHash,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("invoice", m.Extraction.InvoiceID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update invoice from extraction")
		}

		return insertAudit(ctx, tx, m.Audit)
	})
}

// FailExtraction stores a failed extraction attempt.
func (r *ExtractionRepository) FailExtraction(ctx context.Context, m *ExtractionMutation) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := insertExtraction(ctx, tx, m.Extraction); err != nil {
			return err
		}

		query := `
			UPDATE invoices
			SET status     = $2::invoice_status,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING id
		`
		var returnedID string
		err := tx.QueryRow(ctx, query, m.Extraction.InvoiceID, m.InvoiceStatus).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("invoice", m.Extraction.InvoiceID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update invoice from failed extraction")
		}

		return insertAudit(ctx, tx, m.Audit)
	})
}

const extractionColumns = `id, invoice_id, status,
	       afe_number, afe_id, well_identifier, well_id,
	       field_ticket_numbers, po_number,
	       service_period_start, service_period_end,
	       line_items, confidence_scores,
	       budget_status, budget_remaining_cents,
	       validation_errors, validation_warnings,
	       raw_response, error_message,
	       created_at, updated_at`

// GetExtraction retrieves one extraction attempt by ID.
func (r *ExtractionRepository) GetExtraction(ctx context.Context, id string) (*InvoiceExtraction, error) {
	query := `
		SELECT ` + extractionColumns + `
		FROM invoice_extractions
		WHERE id = $1
	`

	e, err := scanExtraction(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("invoice_extraction", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get extraction")
	}
	return e, nil
}

// GetLatestExtractionByInvoice returns the most recent completed extraction
// for the invoice, or nil when the invoice has none.
func (r *ExtractionRepository) GetLatestExtractionByInvoice(ctx context.Context, invoiceID string) (*InvoiceExtraction, error) {
	query := `
		SELECT ` + extractionColumns + `
		FROM invoice_extractions
		WHERE invoice_id = $1
		  AND status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1
	`

	e, err := scanExtraction(r.db.QueryRow(ctx, query, invoiceID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest extraction")
	}
	return e, nil
}

type extractionScanner interface {
	Scan(dest ...any) error
}

func scanExtraction(row extractionScanner) (*InvoiceExtraction, error) {
	e := &InvoiceExtraction{}
	var lineItemsJSON, confidenceJSON []byte
	err := row.Scan(
		&e.ID,
		&e.InvoiceID,
		&e.Status,
		&e.AFENumber,
		&e.AFEID,
		&e.WellIdentifier,
		&e.WellID,
		&e.FieldTicketNumbers,
		&e.PONumber,
		&e.ServicePeriodStart,
		&e.ServicePeriodEnd,
		&lineItemsJSON,
		&confidenceJSON,
		&e.BudgetStatus,
		&e.BudgetRemainingCents,
		&e.ValidationErrors,
		&e.ValidationWarnings,
		&e.RawResponse,
		&e.ErrorMessage,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lineItemsJSON != nil {
		if err := json.Unmarshal(lineItemsJSON, &e.LineItems); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line items")
		}
	}
	if confidenceJSON != nil {
		if err := json.Unmarshal(confidenceJSON, &e.ConfidenceScores); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal confidence scores")
		}
	}
	return e, nil
}

// FindInvoiceByDuplicateHash returns another invoice with the same duplicate
// hash, or nil when the hash is unique.
func (r *ExtractionRepository) FindInvoiceByDuplicateHash(ctx context.Context, hash, excludeInvoiceID string) (*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE duplicate_hash = $1
		  AND id <> $2
		ORDER BY created_at ASC
		LIMIT 1
	`

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, hash, excludeInvoiceID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up duplicate hash")
	}
	return invoice, nil
}

// insertExtraction writes one extraction row inside tx.
func insertExtraction(ctx context.Context, tx pgx.Tx, e *InvoiceExtraction) error {
	lineItemsJSON, err := json.Marshal(e.LineItems)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line items")
	}
	confidenceJSON, err := json.Marshal(e.ConfidenceScores)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal confidence scores")
	}

	query := `
		INSERT INTO invoice_extractions
		    (invoice_id, status,
		     afe_number, afe_id, well_identifier, well_id,
		     field_ticket_numbers, po_number,
		     service_period_start, service_period_end,
		     line_items, confidence_scores,
		     budget_status, budget_remaining_cents,
		     validation_errors, validation_warnings,
		     raw_response, error_message)
		VALUES ($1, $2::extraction_status,
		        $3, $4, $5, $6,
		        $7, $8,
		        $9, $10,
		        $11, $12,
		        $13::budget_status, $14,
		        $15, $16,
		        $17, $18)
		RETURNING id, created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		e.InvoiceID,
		e.Status,
		e.AFENumber,
		e.AFEID,
		e.WellIdentifier,
		e.WellID,
		e.FieldTicketNumbers,
		e.PONumber,
		e.ServicePeriodStart,
		e.ServicePeriodEnd,
		lineItemsJSON,
		confidenceJSON,
		e.BudgetStatus,
		e.BudgetRemainingCents,
		e.ValidationErrors,
		e.ValidationWarnings,
		e.RawResponse,
		e.ErrorMessage,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create extraction")
	}
	return nil
}
