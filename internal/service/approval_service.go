package service

import (
	"context"
	"strings"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
)

// ApprovalService advances the human approval state machine. Approval rows
// move pending→approved or pending→rejected exactly once; a single rejection
// vetoes the whole chain.
type ApprovalService struct {
	approvals   repository.ApprovalStore
	extractions repository.ExtractionStore
	invoices    repository.InvoiceStore
	notifier    Notifier
	metrics     *metrics.Collector
	log         *logger.Logger
}

// NewApprovalService creates a new approval service.
func NewApprovalService(
	store repository.Store,
	notifier Notifier,
	collector *metrics.Collector,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvals:   store,
		extractions: store,
		invoices:    store,
		notifier:    notifier,
		metrics:     collector,
		log:         log,
	}
}

// DecideRequest carries one human approval decision.
type DecideRequest struct {
	ApprovalID string
	Decision   string
	Comments   *string
	ApproverID string
}

// DecideResult reports the effect of a decision on the approval chain.
type DecideResult struct {
	Success          bool   `json:"success"`
	ApprovalID       string `json:"approval_id"`
	InvoiceID        string `json:"invoice_id"`
	InvoiceStatus    string `json:"invoice_status"`
	WorkflowComplete bool   `json:"workflow_complete"`
	BudgetReserved   *bool  `json:"budget_reserved,omitempty"`
}

// Decide applies one terminal transition to an approval row. Rejections
// require comments and immediately reject the invoice; an approval that
// clears the last pending level approves the invoice and posts the spend to
// the AFE ledger.
func (s *ApprovalService) Decide(ctx context.Context, req *DecideRequest) (*DecideResult, error) {
	if req.ApprovalID == "" {
		return nil, errors.InvalidInput("approval_id", "approval_id is required")
	}
	if req.ApproverID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "approver identity is required")
	}
	if req.Decision != repository.ApprovalStatusApproved && req.Decision != repository.ApprovalStatusRejected {
		return nil, errors.InvalidInput("decision", `decision must be "approved" or "rejected"`)
	}
	if req.Decision == repository.ApprovalStatusRejected &&
		(req.Comments == nil || strings.TrimSpace(*req.Comments) == "") {
		return nil, errors.InvalidInput("comments", "rejecting an approval requires comments")
	}

	approval, err := s.approvals.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != repository.ApprovalStatusPending {
		return nil, errors.New(errors.ErrCodeConflict, "approval is not pending")
	}

	log := s.log.With().
		Str("approval_id", approval.ID).
		Str("invoice_id", approval.InvoiceID).
		Int("level", approval.Level).
		Logger()

	siblings, err := s.approvals.ListApprovalsByInvoice(ctx, approval.InvoiceID)
	if err != nil {
		return nil, err
	}

	// Levels are approved in order. Rejection is allowed at any pending
	// level since it vetoes the whole chain anyway.
	if req.Decision == repository.ApprovalStatusApproved {
		for _, sibling := range siblings {
			if sibling.ID != approval.ID &&
				sibling.Level < approval.Level &&
				sibling.Status == repository.ApprovalStatusPending {
				return nil, errors.Newf(errors.ErrCodeConflict,
					"approval level %d is still pending", sibling.Level)
			}
		}
	}

	mutation := &repository.ApprovalMutation{
		ApprovalID: approval.ID,
		InvoiceID:  approval.InvoiceID,
		Status:     req.Decision,
		ApproverID: req.ApproverID,
		Comments:   req.Comments,
		Audit: &repository.AuditEntry{
			Action:     "approval_" + req.Decision,
			EntityType: "invoice",
			EntityID:   approval.InvoiceID,
			ActorID:    &req.ApproverID,
			NewValues: map[string]any{
				"approval_id": approval.ID,
				"level":       approval.Level,
				"decision":    req.Decision,
				"comments":    commentText(req.Comments),
			},
		},
	}

	// A final approval posts the invoice amount to the AFE ledger.
	if req.Decision == repository.ApprovalStatusApproved && s.isFinalPendingLevel(approval, siblings) {
		post, err := s.ledgerPostFor(ctx, approval)
		if err != nil {
			return nil, err
		}
		if post != nil {
			mutation.LedgerPost = post
			mutation.Audit.NewValues["ledger_posted"] = true
		}
	}

	outcome, err := s.approvals.CompleteApprovalDecision(ctx, mutation)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordApprovalAction(req.Decision)
	if outcome.WorkflowComplete {
		eventType := "invoice_approved"
		if outcome.InvoiceStatus == repository.InvoiceStatusRejected {
			eventType = "invoice_rejected"
		}
		s.notifier.PublishInvoiceEvent(eventType, approval.InvoiceID, req.ApproverID, map[string]any{
			"approval_id": approval.ID,
			"level":       approval.Level,
		})
	}
	if outcome.BudgetReserved != nil && !*outcome.BudgetReserved {
		log.Warn().Msg("approved invoice posted over AFE budget")
	}

	log.Info().
		Str("decision", req.Decision).
		Bool("workflow_complete", outcome.WorkflowComplete).
		Msg("approval decision applied")

	return &DecideResult{
		Success:          true,
		ApprovalID:       approval.ID,
		InvoiceID:        approval.InvoiceID,
		InvoiceStatus:    outcome.InvoiceStatus,
		WorkflowComplete: outcome.WorkflowComplete,
		BudgetReserved:   outcome.BudgetReserved,
	}, nil
}

// ListPending returns pending approvals across all invoices.
func (s *ApprovalService) ListPending(ctx context.Context, limit, offset int) ([]*repository.Approval, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.approvals.ListPendingApprovals(ctx, limit, offset)
}

// ListByInvoice returns the full approval chain for one invoice.
func (s *ApprovalService) ListByInvoice(ctx context.Context, invoiceID string) ([]*repository.Approval, error) {
	if invoiceID == "" {
		return nil, errors.InvalidInput("invoice_id", "invoice_id is required")
	}
	return s.approvals.ListApprovalsByInvoice(ctx, invoiceID)
}

// isFinalPendingLevel reports whether no other pending approvals remain.
func (s *ApprovalService) isFinalPendingLevel(approval *repository.Approval, siblings []*repository.Approval) bool {
	for _, sibling := range siblings {
		if sibling.ID != approval.ID && sibling.Status == repository.ApprovalStatusPending {
			return false
		}
	}
	return true
}

// ledgerPostFor resolves the AFE to charge from the invoice's most recent
// completed extraction. Invoices without a reconciled AFE post nothing.
func (s *ApprovalService) ledgerPostFor(ctx context.Context, approval *repository.Approval) (*repository.LedgerPost, error) {
	extraction, err := s.extractions.GetLatestExtractionByInvoice(ctx, approval.InvoiceID)
	if err != nil {
		return nil, err
	}
	if extraction == nil || extraction.AFEID == nil || approval.AmountApprovedCents <= 0 {
		return nil, nil
	}
	return &repository.LedgerPost{
		AFEID:       *extraction.AFEID,
		AmountCents: approval.AmountApprovedCents,
	}, nil
}

func commentText(comments *string) string {
	if comments == nil {
		return ""
	}
	return *comments
}
