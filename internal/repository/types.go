package repository

import "time"

// Invoice lifecycle statuses.
const (
	InvoiceStatusPending          = "pending"
	InvoiceStatusProcessing       = "processing"
	InvoiceStatusValidated        = "validated"
	InvoiceStatusNeedsReview      = "needs_review"
	InvoiceStatusValidationFailed = "validation_failed"
	InvoiceStatusPendingApproval  = "pending_approval"
	InvoiceStatusApproved         = "approved"
	InvoiceStatusRejected         = "rejected"
	InvoiceStatusDuplicate        = "duplicate"
)

// Invoice is an uploaded vendor invoice. Rows are never deleted; corrections
// are appended as new extraction attempts.
type Invoice struct {
	ID                  string
	VendorID            *string
	VendorName          *string
	InvoiceNumber       *string
	AmountCents         int64
	Currency            string
	InvoiceDate         *string
	DueDate             *string
	Status              string
	ConfidenceScore     *float64
	RawExtractedPayload []byte
	DuplicateHash       *string
	CreatedBy           *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Extraction attempt statuses.
const (
	ExtractionStatusProcessing = "processing"
	ExtractionStatusCompleted  = "completed"
	ExtractionStatusFailed     = "failed"
)

// Budget reconciliation outcomes.
const (
	BudgetStatusNoAFE        = "no_afe"
	BudgetStatusWithinBudget = "within_budget"
	BudgetStatusOverBudget   = "over_budget"
	BudgetStatusAFENotFound  = "afe_not_found"
)

// LineItem is one extracted invoice line.
type LineItem struct {
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	AmountCents    int64   `json:"amount_cents"`
	WellIdentifier *string `json:"well_identifier,omitempty"`
}

// InvoiceExtraction is one extraction attempt against an invoice. Immutable
// once completed or failed.
type InvoiceExtraction struct {
	ID                   string
	InvoiceID            string
	Status               string
	AFENumber            *string
	AFEID                *string
	WellIdentifier       *string
	WellID               *string
	FieldTicketNumbers   []string
	PONumber             *string
	ServicePeriodStart   *string
	ServicePeriodEnd     *string
	LineItems            []LineItem
	ConfidenceScores     map[string]float64
	BudgetStatus         string
	BudgetRemainingCents *int64
	ValidationErrors     []string
	ValidationWarnings   []string
	RawResponse          *string
	ErrorMessage         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AFE statuses.
const (
	AFEStatusActive    = "active"
	AFEStatusClosed    = "closed"
	AFEStatusCancelled = "cancelled"
)

// AFE is an Authorization for Expenditure: a capital budget envelope with a
// hard ceiling and a running spent total. spent_amount may exceed
// budget_amount; overages must always surface as over_budget, never silently.
type AFE struct {
	ID                string
	AFENumber         string
	Description       string
	BudgetAmountCents int64
	SpentAmountCents  int64
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Well is one entry in the well-identifier (UWI) registry.
type Well struct {
	ID        string
	UWI       string
	Name      string
	AFEID     *string
	CreatedAt time.Time
}

// Vendor is a registered payee. BankAccount backs the duplicate-payee
// fraud check.
type Vendor struct {
	ID          string
	Name        string
	BankAccount *string
	Status      string
	CreatedAt   time.Time
}

// Policy types.
const (
	PolicyTypeApproval = "approval"
	PolicyTypeFraud    = "fraud"
)

// Condition discriminators.
const (
	ConditionAmountThreshold      = "amount_threshold"
	ConditionDuplicateBankAccount = "duplicate_bank_account"
)

// PolicyCondition is a closed tagged variant decoded from JSONB. Unknown
// Type values never trigger and never error.
type PolicyCondition struct {
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents,omitempty"`
}

// FraudFlagAction describes the fraud flag a triggered policy creates.
type FraudFlagAction struct {
	FlagType  string  `json:"flag_type"`
	RiskScore float64 `json:"risk_score"`
}

// PolicyActions is the effect descriptor merged into the running decision
// when a policy triggers.
type PolicyActions struct {
	RequireApprovals int              `json:"require_approvals,omitempty"`
	FlagForReview    bool             `json:"flag_for_review,omitempty"`
	BlockProcessing  bool             `json:"block_processing,omitempty"`
	CreateFraudFlag  *FraudFlagAction `json:"create_fraud_flag,omitempty"`
}

// Policy is one routing rule. Lower Priority evaluates first.
type Policy struct {
	ID         string
	Name       string
	PolicyType string
	Condition  PolicyCondition
	Actions    PolicyActions
	Priority   int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Approval row statuses. pending is the only non-terminal state.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Approval is one required human sign-off level for an invoice.
type Approval struct {
	ID                  string
	InvoiceID           string
	Level               int
	Status              string
	ApproverID          *string
	AmountApprovedCents int64
	ApprovalDate        *time.Time
	Comments            *string
	AutoApproved        bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Review queue entry statuses and priorities.
const (
	ReviewStatusOpen     = "open"
	ReviewStatusResolved = "resolved"

	ReviewPriorityNormal = "normal"
	ReviewPriorityHigh   = "high"
)

// ReviewQueueEntry is one human-in-the-loop work item.
type ReviewQueueEntry struct {
	ID              string
	InvoiceID       string
	Reason          string
	Priority        string
	ConfidenceScore *float64
	FlaggedFields   []string
	AssignedTo      *string
	Status          string
	ResolutionNotes *string
	ResolvedBy      *string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// Fraud flag statuses.
const (
	FraudFlagStatusOpen      = "open"
	FraudFlagStatusConfirmed = "confirmed"
	FraudFlagStatusDismissed = "dismissed"
)

// FraudFlag marks an entity for fraud investigation.
type FraudFlag struct {
	ID              string
	EntityType      string
	EntityID        string
	FlagType        string
	RiskScore       float64
	Details         *string
	Status          string
	ResolutionNotes *string
	ResolvedBy      *string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// AuditEntry is one immutable record of a state transition. ActorID nil
// means the system acted.
type AuditEntry struct {
	ID         string
	Action     string
	EntityType string
	EntityID   string
	ActorID    *string
	OldValues  map[string]any
	NewValues  map[string]any
	CreatedAt  time.Time
}

// Atomic mutation bundles
//
// Every state-changing operation carries its audit entry so store
// implementations can write business state and audit in one transaction.

// ExtractionMutation bundles everything CompleteExtraction / FailExtraction
// persist atomically.
type ExtractionMutation struct {
	Extraction    *InvoiceExtraction
	InvoiceStatus string
	VendorName    *string
	InvoiceNumber *string
	Confidence    *float64
	RawPayload    []byte
	DuplicateHash *string
	Audit         *AuditEntry
}

// DecisionMutation bundles the full output of one policy evaluation.
type DecisionMutation struct {
	InvoiceID     string
	InvoiceStatus string
	Approvals     []*Approval
	ReviewEntry   *ReviewQueueEntry
	FraudFlags    []*FraudFlag
	Audit         *AuditEntry
}

// LedgerPost asks the store to post spend to an AFE when an invoice is
// finally approved.
type LedgerPost struct {
	AFEID       string
	AmountCents int64
}

// ApprovalMutation bundles one human approval decision.
type ApprovalMutation struct {
	ApprovalID string
	InvoiceID  string
	Status     string
	ApproverID string
	Comments   *string
	LedgerPost *LedgerPost
	Audit      *AuditEntry
}

// ApprovalOutcome reports what CompleteApprovalDecision changed.
type ApprovalOutcome struct {
	WorkflowComplete bool
	InvoiceStatus    string
	BudgetReserved   *bool
}
