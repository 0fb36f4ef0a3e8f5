package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

// PolicyRepository loads routing policies and materializes policy-engine
// decisions. Policies are read-only to this service.
type PolicyRepository struct {
	db *DB
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// ListActivePolicies returns active policies of the given types ordered by
// ascending priority. Empty policyTypes means all types.
func (r *PolicyRepository) ListActivePolicies(ctx context.Context, policyTypes []string) ([]*Policy, error) {
	query := `
		SELECT id, name, policy_type, conditions, actions,
		       priority, is_active, created_at, updated_at
		FROM policies
		WHERE is_active = TRUE
	`
	args := []any{}
	if len(policyTypes) > 0 {
		query += " AND policy_type = ANY($1)"
		args = append(args, policyTypes)
	}
	query += " ORDER BY priority ASC, name ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list policies")
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// VendorsSharingBankAccount returns other vendors whose bank account exactly
// matches the given vendor's. An unknown vendor or a vendor with no bank
// account on file yields an empty result.
func (r *PolicyRepository) VendorsSharingBankAccount(ctx context.Context, vendorID string) ([]*Vendor, error) {
	query := `
		SELECT other.id, other.name, other.bank_account, other.status, other.created_at
		FROM vendors v
		JOIN vendors other
		  ON other.bank_account = v.bank_account
		 AND other.id <> v.id
		WHERE v.id = $1
		  AND v.bank_account IS NOT NULL
	`

	rows, err := r.db.Query(ctx, query, vendorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query vendor bank accounts")
	}
	defer rows.Close()

	var vendors []*Vendor
	for rows.Next() {
		vendor := &Vendor{}
		err := rows.Scan(
			&vendor.ID,
			&vendor.Name,
			&vendor.BankAccount,
			&vendor.Status,
			&vendor.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan vendor")
		}
		vendors = append(vendors, vendor)
	}
	return vendors, nil
}

// ApplyDecision writes the invoice status, approval rows, review entry,
// fraud flags and audit entry produced by one policy evaluation in a single
// transaction. A crash can never leave the invoice pending_approval with
// zero approval rows.
func (r *PolicyRepository) ApplyDecision(ctx context.Context, m *DecisionMutation) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		statusQuery := `
			UPDATE invoices
			SET status     = $2::invoice_status,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING id
		`
		var returnedID string
		err := tx.QueryRow(ctx, statusQuery, m.InvoiceID, m.InvoiceStatus).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("invoice", m.InvoiceID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update invoice status")
		}

		approvalQuery := `
			INSERT INTO approvals
			    (invoice_id, approval_level, status,
			     amount_approved_cents, auto_approved)
			VALUES ($1, $2, 'pending'::approval_status, $3, FALSE)
			RETURNING id, created_at, updated_at
		`
		for _, approval := range m.Approvals {
			err := tx.QueryRow(ctx, approvalQuery,
				approval.InvoiceID,
				approval.Level,
				approval.AmountApprovedCents,
			).Scan(&approval.ID, &approval.CreatedAt, &approval.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval")
			}
			approval.Status = ApprovalStatusPending
		}

		if m.ReviewEntry != nil {
			reviewQuery := `
				INSERT INTO review_queue
				    (invoice_id, reason, priority, confidence_score,
				     flagged_fields, status)
				VALUES ($1, $2, $3, $4, $5, 'open'::review_status)
				RETURNING id, created_at
			`
			err := tx.QueryRow(ctx, reviewQuery,
				m.ReviewEntry.InvoiceID,
				m.ReviewEntry.Reason,
				m.ReviewEntry.Priority,
				m.ReviewEntry.ConfidenceScore,
				m.ReviewEntry.FlaggedFields,
			).Scan(&m.ReviewEntry.ID, &m.ReviewEntry.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create review queue entry")
			}
			m.ReviewEntry.Status = ReviewStatusOpen
		}

		flagQuery := `
			INSERT INTO fraud_flags
			    (entity_type, entity_id, flag_type, risk_score, details, status)
			VALUES ($1, $2, $3, $4, $5, 'open'::fraud_flag_status)
			RETURNING id, created_at
		`
		for _, flag := range m.FraudFlags {
			err := tx.QueryRow(ctx, flagQuery,
				flag.EntityType,
				flag.EntityID,
				flag.FlagType,
				flag.RiskScore,
				flag.Details,
			).Scan(&flag.ID, &flag.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create fraud flag")
			}
			flag.Status = FraudFlagStatusOpen
		}

		return insertAudit(ctx, tx, m.Audit)
	})
}

// scan helper

func scanPolicy(rows pgx.Rows) (*Policy, error) {
	policy := &Policy{}
	var conditionJSON, actionsJSON []byte

	err := rows.Scan(
		&policy.ID,
		&policy.Name,
		&policy.PolicyType,
		&conditionJSON,
		&actionsJSON,
		&policy.Priority,
		&policy.IsActive,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan policy")
	}

	if err := json.Unmarshal(conditionJSON, &policy.Condition); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal policy condition")
	}
	if err := json.Unmarshal(actionsJSON, &policy.Actions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal policy actions")
	}
	return policy, nil
}
