package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

// ReviewRepository manages the human-in-the-loop review queue. Entries are
// created by PolicyRepository.ApplyDecision.
type ReviewRepository struct {
	db *DB
}

// NewReviewRepository creates a new review repository.
func NewReviewRepository(db *DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// ListOpenReviewEntries returns open review entries, high priority first.
func (r *ReviewRepository) ListOpenReviewEntries(ctx context.Context, limit, offset int) ([]*ReviewQueueEntry, error) {
	query := `
		SELECT id, invoice_id, reason, priority, confidence_score,
		       flagged_fields, assigned_to, status,
		       resolution_notes, resolved_by, resolved_at, created_at
		FROM review_queue
		WHERE status = 'open'
		ORDER BY priority = 'high' DESC, created_at ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list review queue")
	}
	defer rows.Close()

	var entries []*ReviewQueueEntry
	for rows.Next() {
		e := &ReviewQueueEntry{}
		err := rows.Scan(
			&e.ID,
			&e.InvoiceID,
			&e.Reason,
			&e.Priority,
			&e.ConfidenceScore,
			&e.FlaggedFields,
			&e.AssignedTo,
			&e.Status,
			&e.ResolutionNotes,
			&e.ResolvedBy,
			&e.ResolvedAt,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan review entry")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ResolveReviewEntry closes an open review entry with resolution details.
func (r *ReviewRepository) ResolveReviewEntry(ctx context.Context, id, resolvedBy, notes string) error {
	query := `
		UPDATE review_queue
		SET status           = 'resolved'::review_status,
		    resolution_notes = $3,
		    resolved_by      = $2,
		    resolved_at      = NOW()
		WHERE id = $1
		  AND status = 'open'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, resolvedBy, notes).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "review entry not found or already resolved")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve review entry")
	}
	return nil
}
