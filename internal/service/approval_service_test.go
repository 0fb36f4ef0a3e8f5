package service

import (
	"context"
	"testing"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/internal/repository/memory"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
)

func newApprovalService(store *memory.Store) *ApprovalService {
	return NewApprovalService(store, nopNotifier{}, metrics.NewCollector(), logger.Nop())
}

// seedApprovalChain creates an invoice in pending_approval with n pending
// approval levels.
func seedApprovalChain(store *memory.Store, amountCents int64, levels int) (*repository.Invoice, []*repository.Approval) {
	invoice := store.AddInvoice(&repository.Invoice{
		AmountCents: amountCents,
		Status:      repository.InvoiceStatusPendingApproval,
	})
	var approvals []*repository.Approval
	for level := 1; level <= levels; level++ {
		approvals = append(approvals, &repository.Approval{
			InvoiceID:           invoice.ID,
			Level:               level,
			AmountApprovedCents: amountCents,
		})
	}
	store.ApplyDecision(context.Background(), &repository.DecisionMutation{
		InvoiceID:     invoice.ID,
		InvoiceStatus: repository.InvoiceStatusPendingApproval,
		Approvals:     approvals,
	})
	return invoice, approvals
}

func TestDecideRejectRequiresComments(t *testing.T) {
	store := memory.NewStore()
	_, approvals := seedApprovalChain(store, 1000_00, 1)
	auditBefore := len(store.AuditLog)

	svc := newApprovalService(store)
	_, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusRejected,
		ApproverID: "approver-1",
	})
	if errors.Code(err) != errors.ErrCodeInvalidInput {
		t.Fatalf("code = %s, want INVALID_INPUT", errors.Code(err))
	}

	got, _ := store.GetApproval(context.Background(), approvals[0].ID)
	if got.Status != repository.ApprovalStatusPending {
		t.Errorf("approval status = %s, want pending (no state change)", got.Status)
	}
	if len(store.AuditLog) != auditBefore {
		t.Errorf("a refused rejection must not write audit entries")
	}

	empty := "   "
	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusRejected,
		Comments:   &empty,
		ApproverID: "approver-1",
	}); errors.Code(err) != errors.ErrCodeInvalidInput {
		t.Errorf("whitespace comments: code = %s, want INVALID_INPUT", errors.Code(err))
	}
}

func TestDecideRejectionVetoesChain(t *testing.T) {
	store := memory.NewStore()
	invoice, approvals := seedApprovalChain(store, 7000_00, 2)
	svc := newApprovalService(store)

	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	}); err != nil {
		t.Fatalf("level 1 approve: %v", err)
	}

	comments := "duplicate vendor"
	result, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[1].ID,
		Decision:   repository.ApprovalStatusRejected,
		Comments:   &comments,
		ApproverID: "approver-2",
	})
	if err != nil {
		t.Fatalf("level 2 reject: %v", err)
	}

	if !result.WorkflowComplete {
		t.Error("a rejection completes the workflow")
	}
	if result.InvoiceStatus != repository.InvoiceStatusRejected {
		t.Errorf("invoice status = %s, want rejected", result.InvoiceStatus)
	}
	got, _ := store.GetInvoice(context.Background(), invoice.ID)
	if got.Status != repository.InvoiceStatusRejected {
		t.Errorf("stored invoice status = %s, want rejected", got.Status)
	}
}

func TestDecideAllLevelsApprovedApprovesInvoice(t *testing.T) {
	store := memory.NewStore()
	invoice, approvals := seedApprovalChain(store, 7000_00, 2)
	svc := newApprovalService(store)

	first, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	})
	if err != nil {
		t.Fatalf("level 1 approve: %v", err)
	}
	if first.WorkflowComplete {
		t.Error("workflow must remain open while level 2 is pending")
	}

	got, _ := store.GetInvoice(context.Background(), invoice.ID)
	if got.Status != repository.InvoiceStatusPendingApproval {
		t.Errorf("invoice status after level 1 = %s, want pending_approval", got.Status)
	}

	second, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[1].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-2",
	})
	if err != nil {
		t.Fatalf("level 2 approve: %v", err)
	}
	if !second.WorkflowComplete || second.InvoiceStatus != repository.InvoiceStatusApproved {
		t.Errorf("final decision = %+v, want a completed approved workflow", second)
	}

	got, _ = store.GetInvoice(context.Background(), invoice.ID)
	if got.Status != repository.InvoiceStatusApproved {
		t.Errorf("stored invoice status = %s, want approved", got.Status)
	}
}

func TestDecideFinalApprovalPostsLedger(t *testing.T) {
	store := memory.NewStore()
	afe := store.AddAFE(&repository.AFE{
		AFENumber:         "AFE-2024-0017",
		BudgetAmountCents: 100000_00,
		SpentAmountCents:  90000_00,
	})
	invoice, approvals := seedApprovalChain(store, 7000_00, 1)

	// Extraction already reconciled the invoice to this AFE.
	store.CompleteExtraction(context.Background(), &repository.ExtractionMutation{
		Extraction: &repository.InvoiceExtraction{
			InvoiceID:    invoice.ID,
			Status:       repository.ExtractionStatusCompleted,
			AFEID:        &afe.ID,
			BudgetStatus: repository.BudgetStatusWithinBudget,
		},
		InvoiceStatus: repository.InvoiceStatusPendingApproval,
	})

	svc := newApprovalService(store)
	result, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if result.BudgetReserved == nil || !*result.BudgetReserved {
		t.Errorf("budget reserved = %v, want true", result.BudgetReserved)
	}
	if afe.SpentAmountCents != 97000_00 {
		t.Errorf("AFE spent = %d, want 9700000 after posting", afe.SpentAmountCents)
	}
}

func TestDecideFinalApprovalPostsOverBudget(t *testing.T) {
	store := memory.NewStore()
	afe := store.AddAFE(&repository.AFE{
		AFENumber:         "AFE-2024-0017",
		BudgetAmountCents: 100000_00,
		SpentAmountCents:  98000_00,
	})
	invoice, approvals := seedApprovalChain(store, 7000_00, 1)

	store.CompleteExtraction(context.Background(), &repository.ExtractionMutation{
		Extraction: &repository.InvoiceExtraction{
			InvoiceID:    invoice.ID,
			Status:       repository.ExtractionStatusCompleted,
			AFEID:        &afe.ID,
			BudgetStatus: repository.BudgetStatusOverBudget,
		},
		InvoiceStatus: repository.InvoiceStatusPendingApproval,
	})

	svc := newApprovalService(store)
	result, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// The human decision wins: the spend is posted even past the ceiling,
	// and the refused reservation is surfaced.
	if result.BudgetReserved == nil || *result.BudgetReserved {
		t.Errorf("budget reserved = %v, want false", result.BudgetReserved)
	}
	if afe.SpentAmountCents != 105000_00 {
		t.Errorf("AFE spent = %d, want 10500000 after forced post", afe.SpentAmountCents)
	}
}

func TestDecideSequentialGating(t *testing.T) {
	store := memory.NewStore()
	_, approvals := seedApprovalChain(store, 7000_00, 2)
	svc := newApprovalService(store)

	_, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[1].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-2",
	})
	if errors.Code(err) != errors.ErrCodeConflict {
		t.Fatalf("approving level 2 before level 1: code = %s, want CONFLICT", errors.Code(err))
	}

	// Rejection is allowed at any pending level.
	comments := "wrong AFE on the invoice"
	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[1].ID,
		Decision:   repository.ApprovalStatusRejected,
		Comments:   &comments,
		ApproverID: "approver-2",
	}); err != nil {
		t.Errorf("rejecting level 2 before level 1: %v", err)
	}
}

func TestDecideTerminalApprovalConflicts(t *testing.T) {
	store := memory.NewStore()
	_, approvals := seedApprovalChain(store, 1000_00, 1)
	svc := newApprovalService(store)

	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	}); err != nil {
		t.Fatalf("first decision: %v", err)
	}

	_, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	})
	if errors.Code(err) != errors.ErrCodeConflict {
		t.Errorf("re-deciding a terminal approval: code = %s, want CONFLICT", errors.Code(err))
	}
}

func TestDecideValidatesInput(t *testing.T) {
	store := memory.NewStore()
	_, approvals := seedApprovalChain(store, 1000_00, 1)
	svc := newApprovalService(store)

	if _, err := svc.Decide(context.Background(), &DecideRequest{
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	}); errors.Code(err) != errors.ErrCodeInvalidInput {
		t.Errorf("missing approval_id: code = %s", errors.Code(err))
	}

	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   "maybe",
		ApproverID: "approver-1",
	}); errors.Code(err) != errors.ErrCodeInvalidInput {
		t.Errorf("bad decision value: code = %s", errors.Code(err))
	}

	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
	}); errors.Code(err) != errors.ErrCodeUnauthorized {
		t.Errorf("missing approver: code = %s", errors.Code(err))
	}
}

func TestDecideAuditTrailRecordsTransition(t *testing.T) {
	store := memory.NewStore()
	invoice, approvals := seedApprovalChain(store, 1000_00, 1)
	svc := newApprovalService(store)

	if _, err := svc.Decide(context.Background(), &DecideRequest{
		ApprovalID: approvals[0].ID,
		Decision:   repository.ApprovalStatusApproved,
		ApproverID: "approver-1",
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	entries, _ := store.ListAuditByEntity(context.Background(), "invoice", invoice.ID)
	found := false
	for _, entry := range entries {
		if entry.Action == "approval_approved" {
			found = true
			if entry.ActorID == nil || *entry.ActorID != "approver-1" {
				t.Errorf("audit actor = %v, want approver-1", entry.ActorID)
			}
		}
	}
	if !found {
		t.Error("expected an approval_approved audit entry")
	}
}
