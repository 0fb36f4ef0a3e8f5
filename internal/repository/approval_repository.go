package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

const approvalColumns = `id, invoice_id, approval_level, status,
	approver_id, amount_approved_cents, approval_date, comments,
	auto_approved, created_at, updated_at`

// ApprovalRepository reads and advances the leveled approval rows for an
// invoice. Rows are created by PolicyRepository.ApplyDecision; each row is
// mutated exactly once, here.
type ApprovalRepository struct {
	db *DB
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// GetApproval retrieves one approval row by ID.
func (r *ApprovalRepository) GetApproval(ctx context.Context, id string) (*Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE id = $1
	`

	approval, err := scanApproval(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval")
	}
	return approval, nil
}

// ListApprovalsByInvoice returns all approval rows for an invoice ordered by
// level.
func (r *ApprovalRepository) ListApprovalsByInvoice(ctx context.Context, invoiceID string) ([]*Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE invoice_id = $1
		ORDER BY approval_level ASC
	`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	return scanApprovalRows(rows)
}

// ListPendingApprovals returns pending approval rows across all invoices,
// oldest first.
func (r *ApprovalRepository) ListPendingApprovals(ctx context.Context, limit, offset int) ([]*Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE status = 'pending'
		ORDER BY created_at ASC, approval_level ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanApprovalRows(rows)
}

// CompleteApprovalDecision applies one terminal approval transition. The
// approval update is guarded on status='pending' and the invoice update on
// status='pending_approval', so a terminal row can never be re-opened and
// concurrent contradictory decisions serialize on the rows.
func (r *ApprovalRepository) CompleteApprovalDecision(ctx context.Context, m *ApprovalMutation) (*ApprovalOutcome, error) {
	outcome := &ApprovalOutcome{}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		approvalQuery := `
			UPDATE approvals
			SET status        = $2::approval_status,
			    approver_id   = $3,
			    approval_date = NOW(),
			    comments      = $4,
			    updated_at    = NOW()
			WHERE id = $1
			  AND status = 'pending'
			RETURNING invoice_id
		`
		var invoiceID string
		err := tx.QueryRow(ctx, approvalQuery, m.ApprovalID, m.Status, m.ApproverID, m.Comments).Scan(&invoiceID)
		if err == pgx.ErrNoRows {
			return errors.New(errors.ErrCodeConflict, "approval is not pending")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval")
		}

		switch m.Status {
		case ApprovalStatusRejected:
			// A single rejection vetoes the whole chain.
			if err := updateInvoiceStatusGuarded(ctx, tx, invoiceID, InvoiceStatusRejected); err != nil {
				return err
			}
			outcome.WorkflowComplete = true
			outcome.InvoiceStatus = InvoiceStatusRejected

		case ApprovalStatusApproved:
			var pending int
			countQuery := `
				SELECT COUNT(*)
				FROM approvals
				WHERE invoice_id = $1
				  AND status = 'pending'
			`
			if err := tx.QueryRow(ctx, countQuery, invoiceID).Scan(&pending); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending approvals")
			}
			if pending > 0 {
				outcome.InvoiceStatus = InvoiceStatusPendingApproval
				break
			}

			if err := updateInvoiceStatusGuarded(ctx, tx, invoiceID, InvoiceStatusApproved); err != nil {
				return err
			}
			outcome.WorkflowComplete = true
			outcome.InvoiceStatus = InvoiceStatusApproved

			if m.LedgerPost != nil {
				reserved, err := postLedger(ctx, tx, m.LedgerPost)
				if err != nil {
					return err
				}
				outcome.BudgetReserved = &reserved
			}
		}

		return insertAudit(ctx, tx, m.Audit)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// updateInvoiceStatusGuarded moves an invoice out of pending_approval.
func updateInvoiceStatusGuarded(ctx context.Context, tx pgx.Tx, invoiceID, status string) error {
	query := `
		UPDATE invoices
		SET status     = $2::invoice_status,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending_approval'
		RETURNING id
	`
	var returnedID string
	err := tx.QueryRow(ctx, query, invoiceID, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "invoice is no longer pending approval")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update invoice status")
	}
	return nil
}

// postLedger posts approved spend to the AFE ledger inside the approval
// transaction. The conditional reservation is attempted first; a refused
// reservation (approved overage) falls through to the unconditional post so
// spent_amount stays truthful.
func postLedger(ctx context.Context, tx pgx.Tx, post *LedgerPost) (bool, error) {
	reserved, _, err := tryReserveBudget(ctx, tx, post.AFEID, post.AmountCents)
	if err != nil || reserved {
		return reserved, err
	}
	if _, err := postSpend(ctx, tx, post.AFEID, post.AmountCents); err != nil {
		return false, err
	}
	return false, nil
}

// scan helpers

type approvalScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row approvalScanner) (*Approval, error) {
	a := &Approval{}
	err := row.Scan(
		&a.ID,
		&a.InvoiceID,
		&a.Level,
		&a.Status,
		&a.ApproverID,
		&a.AmountApprovedCents,
		&a.ApprovalDate,
		&a.Comments,
		&a.AutoApproved,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanApprovalRows(rows pgx.Rows) ([]*Approval, error) {
	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}
