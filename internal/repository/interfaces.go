package repository

import "context"

// InvoiceFilter narrows ListInvoices. Nil fields are ignored.
type InvoiceFilter struct {
	VendorID *string
	Status   *string
	FromDate *string
	ToDate   *string
	Limit    int
	Offset   int
}

// InvoiceStore reads and mutates invoice headers.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*Invoice, int64, error)
	UpdateInvoiceStatus(ctx context.Context, id, status string) error
}

// ExtractionStore persists extraction attempts. Both mutations write the
// extraction, the invoice update and the audit entry in one transaction.
type ExtractionStore interface {
	CompleteExtraction(ctx context.Context, m *ExtractionMutation) error
	FailExtraction(ctx context.Context, m *ExtractionMutation) error
	GetExtraction(ctx context.Context, id string) (*InvoiceExtraction, error)
	// GetLatestExtractionByInvoice returns the most recent completed
	// extraction for the invoice, or nil when none exists.
	GetLatestExtractionByInvoice(ctx context.Context, invoiceID string) (*InvoiceExtraction, error)
	// FindInvoiceByDuplicateHash returns a different invoice sharing the
	// hash, or nil when none exists.
	FindInvoiceByDuplicateHash(ctx context.Context, hash, excludeInvoiceID string) (*Invoice, error)
}

// LedgerStore accesses the AFE budget ledger and the well registry.
type LedgerStore interface {
	// GetActiveAFEByNumber returns nil (no error) when no active AFE
	// carries the number.
	GetActiveAFEByNumber(ctx context.Context, afeNumber string) (*AFE, error)
	// GetWellByUWI returns nil (no error) when the identifier is not
	// registered.
	GetWellByUWI(ctx context.Context, uwi string) (*Well, error)
	// TryReserveBudget atomically adds amountCents to spent_amount only
	// when the result stays within budget_amount. Returns the remaining
	// headroom after the update (or the current headroom when ok=false).
	TryReserveBudget(ctx context.Context, afeID string, amountCents int64) (ok bool, remainingCents int64, err error)
	// PostSpend unconditionally adds amountCents to spent_amount and
	// returns the (possibly negative) remaining headroom.
	PostSpend(ctx context.Context, afeID string, amountCents int64) (remainingCents int64, err error)
}

// PolicyStore loads routing policies and materializes decisions.
type PolicyStore interface {
	// ListActivePolicies returns active policies of the given types
	// ordered by ascending priority. Empty policyTypes means all types.
	ListActivePolicies(ctx context.Context, policyTypes []string) ([]*Policy, error)
	// VendorsSharingBankAccount returns other vendors whose bank account
	// exactly matches the given vendor's.
	VendorsSharingBankAccount(ctx context.Context, vendorID string) ([]*Vendor, error)
	// ApplyDecision writes invoice status, approval rows, review entry,
	// fraud flags and the audit entry in one transaction.
	ApplyDecision(ctx context.Context, m *DecisionMutation) error
}

// ApprovalStore reads and advances the approval state machine.
type ApprovalStore interface {
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovalsByInvoice(ctx context.Context, invoiceID string) ([]*Approval, error)
	ListPendingApprovals(ctx context.Context, limit, offset int) ([]*Approval, error)
	// CompleteApprovalDecision applies one terminal transition. The
	// approval update is guarded on status='pending' and the invoice
	// update on status='pending_approval' so concurrent decisions
	// serialize on the backing store.
	CompleteApprovalDecision(ctx context.Context, m *ApprovalMutation) (*ApprovalOutcome, error)
}

// ReviewStore manages the human review queue.
type ReviewStore interface {
	ListOpenReviewEntries(ctx context.Context, limit, offset int) ([]*ReviewQueueEntry, error)
	ResolveReviewEntry(ctx context.Context, id, resolvedBy, notes string) error
}

// AuditStore appends and reads the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAuditByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error)
}

// Store is the full persistence surface the services program against.
// Implemented by the postgres repositories and by memory.Store in tests.
type Store interface {
	InvoiceStore
	ExtractionStore
	LedgerStore
	PolicyStore
	ApprovalStore
	ReviewStore
	AuditStore
}
