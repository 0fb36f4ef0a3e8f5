package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

// LedgerRepository reads and updates the AFE budget ledger and the well
// registry. It carries no branching logic of its own; data consistency is
// its only responsibility.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetActiveAFEByNumber returns the active AFE carrying the number, or nil
// when none exists.
func (r *LedgerRepository) GetActiveAFEByNumber(ctx context.Context, afeNumber string) (*AFE, error) {
	query := `
		SELECT id, afe_number, description,
		       budget_amount_cents, spent_amount_cents,
		       status, created_at, updated_at
		FROM afes
		WHERE afe_number = $1
		  AND status = 'active'
	`

	afe := &AFE{}
	err := r.db.QueryRow(ctx, query, afeNumber).Scan(
		&afe.ID,
		&afe.AFENumber,
		&afe.Description,
		&afe.BudgetAmountCents,
		&afe.SpentAmountCents,
		&afe.Status,
		&afe.CreatedAt,
		&afe.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get AFE")
	}
	return afe, nil
}

// GetWellByUWI returns the registered well for a unique well identifier, or
// nil when the identifier is unknown.
func (r *LedgerRepository) GetWellByUWI(ctx context.Context, uwi string) (*Well, error) {
	query := `
		SELECT id, uwi, name, afe_id, created_at
		FROM wells
		WHERE uwi = $1
	`

	well := &Well{}
	err := r.db.QueryRow(ctx, query, uwi).Scan(
		&well.ID,
		&well.UWI,
		&well.Name,
		&well.AFEID,
		&well.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get well")
	}
	return well, nil
}

// TryReserveBudget posts spend to an AFE only when it fits the budget. The
// read-decide-write is one conditional UPDATE so concurrent reservations
// against the same AFE serialize on the row.
func (r *LedgerRepository) TryReserveBudget(ctx context.Context, afeID string, amountCents int64) (bool, int64, error) {
	return tryReserveBudget(ctx, r.db, afeID, amountCents)
}

// PostSpend unconditionally adds spend to an AFE. Used when an explicitly
// approved overage must still land on the ledger.
func (r *LedgerRepository) PostSpend(ctx context.Context, afeID string, amountCents int64) (int64, error) {
	return postSpend(ctx, r.db, afeID, amountCents)
}

// rowQuerier is satisfied by both *DB and pgx.Tx, so the ledger mutations
// below run standalone or inside an approval transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tryReserveBudget(ctx context.Context, q rowQuerier, afeID string, amountCents int64) (bool, int64, error) {
	query := `
		UPDATE afes
		SET spent_amount_cents = spent_amount_cents + $2,
		    updated_at         = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND spent_amount_cents + $2 <= budget_amount_cents
		RETURNING budget_amount_cents - spent_amount_cents
	`

	var remaining int64
	err := q.QueryRow(ctx, query, afeID, amountCents).Scan(&remaining)
	if err == pgx.ErrNoRows {
		// Reservation refused: report current headroom without mutating.
		headroomQuery := `
			SELECT budget_amount_cents - spent_amount_cents
			FROM afes
			WHERE id = $1
		`
		var headroom int64
		if err := q.QueryRow(ctx, headroomQuery, afeID).Scan(&headroom); err != nil {
			if err == pgx.ErrNoRows {
				return false, 0, errors.NotFound("afe", afeID)
			}
			return false, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read AFE headroom")
		}
		return false, headroom, nil
	}
	if err != nil {
		return false, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to reserve budget")
	}
	return true, remaining, nil
}

func postSpend(ctx context.Context, q rowQuerier, afeID string, amountCents int64) (int64, error) {
	query := `
		UPDATE afes
		SET spent_amount_cents = spent_amount_cents + $2,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING budget_amount_cents - spent_amount_cents
	`

	var remaining int64
	err := q.QueryRow(ctx, query, afeID, amountCents).Scan(&remaining)
	if err == pgx.ErrNoRows {
		return 0, errors.NotFound("afe", afeID)
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to post spend")
	}
	return remaining, nil
}
