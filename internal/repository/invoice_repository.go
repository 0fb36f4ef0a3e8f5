package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

const invoiceColumns = `id, vendor_id, vendor_name, invoice_number,
	amount_cents, currency, invoice_date, due_date,
	status, confidence_score, raw_extracted_payload, duplicate_hash,
	created_by, created_at, updated_at`

// InvoiceRepository handles invoice header data operations.
type InvoiceRepository struct {
	db *DB
}

// NewInvoiceRepository creates a new invoice repository.
func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// GetInvoice retrieves an invoice by ID.
func (r *InvoiceRepository) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE id = $1
	`

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("invoice", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get invoice")
	}
	return invoice, nil
}

// ListInvoices retrieves invoices with filtering and pagination.
func (r *InvoiceRepository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*Invoice, int64, error) {
	base := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	where := sq.And{}
	if filter.VendorID != nil {
		where = append(where, sq.Eq{"vendor_id": *filter.VendorID})
	}
	if filter.Status != nil {
		where = append(where, sq.Eq{"status": *filter.Status})
	}
	if filter.FromDate != nil {
		where = append(where, sq.GtOrEq{"invoice_date": *filter.FromDate})
	}
	if filter.ToDate != nil {
		where = append(where, sq.LtOrEq{"invoice_date": *filter.ToDate})
	}

	countBuilder := base.Select("COUNT(*)").From("invoices")
	listBuilder := base.Select(invoiceColumns).From("invoices")
	if len(where) > 0 {
		countBuilder = countBuilder.Where(where)
		listBuilder = listBuilder.Where(where)
	}

	countSQL, countArgs, err := countBuilder.ToSql()
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to build count query")
	}

	var total int64
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count invoices")
	}

	listSQL, listArgs, err := listBuilder.
		OrderBy("created_at DESC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to build list query")
	}

	rows, err := r.db.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list invoices")
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan invoice")
		}
		invoices = append(invoices, invoice)
	}
	return invoices, total, nil
}

// UpdateInvoiceStatus sets the status of an invoice.
func (r *InvoiceRepository) UpdateInvoiceStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE invoices
		SET status     = $2::invoice_status,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("invoice", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update invoice status")
	}
	return nil
}

// scan helper

type invoiceScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row invoiceScanner) (*Invoice, error) {
	invoice := &Invoice{}
	err := row.Scan(
		&invoice.ID,
		&invoice.VendorID,
		&invoice.VendorName,
		&invoice.InvoiceNumber,
		&invoice.AmountCents,
		&invoice.Currency,
		&invoice.InvoiceDate,
		&invoice.DueDate,
		&invoice.Status,
		&invoice.ConfidenceScore,
		&invoice.RawExtractedPayload,
		&invoice.DuplicateHash,
		&invoice.CreatedBy,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return invoice, nil
}
