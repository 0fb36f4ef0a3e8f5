package repository

// PGStore aggregates the postgres repositories into the Store surface the
// services program against.
type PGStore struct {
	*InvoiceRepository
	*ExtractionRepository
	*LedgerRepository
	*PolicyRepository
	*ApprovalRepository
	*ReviewRepository
	*AuditRepository
}

var _ Store = (*PGStore)(nil)

// NewStore builds the postgres-backed store over one connection pool.
func NewStore(db *DB) *PGStore {
	return &PGStore{
		InvoiceRepository:    NewInvoiceRepository(db),
		ExtractionRepository: NewExtractionRepository(db),
		LedgerRepository:     NewLedgerRepository(db),
		PolicyRepository:     NewPolicyRepository(db),
		ApprovalRepository:   NewApprovalRepository(db),
		ReviewRepository:     NewReviewRepository(db),
		AuditRepository:      NewAuditRepository(db),
	}
}
