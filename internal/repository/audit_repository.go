package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

// AuditRepository appends and reads immutable audit log entries. The table
// has a delete-prevention trigger so append is the only mutation exposed.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AppendAudit inserts one audit entry outside any business transaction.
// State-changing operations instead pass their entry through the mutation
// bundles so it lands in the same transaction.
func (r *AuditRepository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	oldJSON, newJSON, err := marshalAuditValues(entry)
	if err != nil {
		return err
	}

	query := auditInsertQuery
	return r.db.QueryRow(ctx, query,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.ActorID,
		oldJSON,
		newJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// ListAuditByEntity returns the audit trail for one entity oldest-first.
func (r *AuditRepository) ListAuditByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, entity_type, entity_id, actor_id,
		       old_values, new_values, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var oldJSON, newJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.EntityType,
			&entry.EntityID,
			&entry.ActorID,
			&oldJSON,
			&newJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if oldJSON != nil {
			if err := json.Unmarshal(oldJSON, &entry.OldValues); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit old values")
			}
		}
		if newJSON != nil {
			if err := json.Unmarshal(newJSON, &entry.NewValues); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit new values")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

const auditInsertQuery = `
	INSERT INTO audit_log
	    (action, entity_type, entity_id, actor_id, old_values, new_values)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id, created_at
`

// insertAudit writes one audit entry inside tx. Mutation bundles route
// through here so business state and audit commit together.
func insertAudit(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	if entry == nil {
		return nil
	}
	oldJSON, newJSON, err := marshalAuditValues(entry)
	if err != nil {
		return err
	}

	err = tx.QueryRow(ctx, auditInsertQuery,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.ActorID,
		oldJSON,
		newJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit entry")
	}
	return nil
}

func marshalAuditValues(entry *AuditEntry) (oldJSON, newJSON []byte, err error) {
	if entry.OldValues != nil {
		oldJSON, err = json.Marshal(entry.OldValues)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit old values")
		}
	}
	if entry.NewValues != nil {
		newJSON, err = json.Marshal(entry.NewValues)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit new values")
		}
	}
	return oldJSON, newJSON, nil
}
