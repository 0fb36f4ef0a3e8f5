package service

import (
	"context"
	"strings"
	"testing"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/internal/repository/memory"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
)

func newPolicyService(store *memory.Store) *PolicyService {
	return NewPolicyService(store, nopNotifier{}, metrics.NewCollector(), logger.Nop())
}

func TestEvaluateThresholdPolicyCreatesApprovals(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 7000_00})
	store.AddPolicy(&repository.Policy{
		Name:       "amounts over 5k",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 5000_00,
		},
		Actions:  repository.PolicyActions{RequireApprovals: 2},
		Priority: 10,
		IsActive: true,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 7000_00,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !result.Success {
		t.Fatalf("evaluation failed: %s", result.Error)
	}
	if result.FinalDecision != DecisionRequireApproval {
		t.Errorf("decision = %s, want require_approval", result.FinalDecision)
	}
	if result.RequiredApprovals != 2 {
		t.Errorf("required approvals = %d, want 2", result.RequiredApprovals)
	}

	approvals, _ := store.ListApprovalsByInvoice(context.Background(), invoice.ID)
	if len(approvals) != 2 {
		t.Fatalf("approval rows = %d, want 2", len(approvals))
	}
	for i, approval := range approvals {
		if approval.Level != i+1 {
			t.Errorf("approval %d level = %d, want %d", i, approval.Level, i+1)
		}
		if approval.Status != repository.ApprovalStatusPending {
			t.Errorf("approval %d status = %s, want pending", i, approval.Status)
		}
		if approval.AmountApprovedCents != 7000_00 {
			t.Errorf("approval %d amount = %d, want 700000", i, approval.AmountApprovedCents)
		}
	}

	got, _ := store.GetInvoice(context.Background(), invoice.ID)
	if got.Status != repository.InvoiceStatusPendingApproval {
		t.Errorf("invoice status = %s, want pending_approval", got.Status)
	}
}

func TestEvaluateBlockShortCircuits(t *testing.T) {
	store := memory.NewStore()
	vendor := store.AddVendor(&repository.Vendor{Name: "Acme Wireline", BankAccount: strPtr("111000222")})
	store.AddVendor(&repository.Vendor{Name: "Acme Services LLC", BankAccount: strPtr("111000222")})
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 1000_00})

	store.AddPolicy(&repository.Policy{
		Name:       "shared bank account blocks",
		PolicyType: repository.PolicyTypeFraud,
		Condition:  repository.PolicyCondition{Type: repository.ConditionDuplicateBankAccount},
		Actions:    repository.PolicyActions{BlockProcessing: true},
		Priority:   1,
		IsActive:   true,
	})
	store.AddPolicy(&repository.Policy{
		Name:       "shared bank account flags fraud",
		PolicyType: repository.PolicyTypeFraud,
		Condition:  repository.PolicyCondition{Type: repository.ConditionDuplicateBankAccount},
		Actions: repository.PolicyActions{
			CreateFraudFlag: &repository.FraudFlagAction{FlagType: "duplicate_bank_account", RiskScore: 0.9},
		},
		Priority: 2,
		IsActive: true,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 1000_00,
		VendorID:    &vendor.ID,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.FinalDecision != DecisionBlock {
		t.Errorf("decision = %s, want block", result.FinalDecision)
	}
	if len(result.PoliciesEvaluated) != 1 {
		t.Errorf("policies evaluated = %d, want 1 (block short-circuits)", len(result.PoliciesEvaluated))
	}
	if len(store.FraudFlags) != 0 {
		t.Errorf("fraud flags = %d, want 0 (second policy never ran)", len(store.FraudFlags))
	}
}

func TestEvaluateNoTriggerAutoApproves(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 1000_00})
	store.AddPolicy(&repository.Policy{
		Name:       "amounts over 5k",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 5000_00,
		},
		Actions:  repository.PolicyActions{RequireApprovals: 1},
		Priority: 10,
		IsActive: true,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 1000_00,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.FinalDecision != DecisionAutoApprove {
		t.Errorf("decision = %s, want auto_approve", result.FinalDecision)
	}
	if result.RoutingReason != "all policies passed" {
		t.Errorf("routing reason = %q", result.RoutingReason)
	}
	got, _ := store.GetInvoice(context.Background(), invoice.ID)
	if got.Status != repository.InvoiceStatusApproved {
		t.Errorf("invoice status = %s, want approved", got.Status)
	}
	if approvals, _ := store.ListApprovalsByInvoice(context.Background(), invoice.ID); len(approvals) != 0 {
		t.Errorf("auto approval must not create approval rows, got %d", len(approvals))
	}
}

func TestEvaluateFlagForReviewCreatesQueueEntry(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 9000_00})
	store.AddPolicy(&repository.Policy{
		Name:       "manual review over 8k",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 8000_00,
		},
		Actions:  repository.PolicyActions{FlagForReview: true},
		Priority: 5,
		IsActive: true,
	})

	svc := newPolicyService(store)
	confidence := 0.62
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:       invoice.ID,
		AmountCents:     9000_00,
		ConfidenceScore: &confidence,
		ActorID:         "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.FinalDecision != DecisionFlagForReview {
		t.Errorf("decision = %s, want flag_for_review", result.FinalDecision)
	}

	entries, _ := store.ListOpenReviewEntries(context.Background(), 10, 0)
	if len(entries) != 1 {
		t.Fatalf("review entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.InvoiceID != invoice.ID {
		t.Errorf("entry invoice = %s, want %s", entry.InvoiceID, invoice.ID)
	}
	if entry.ConfidenceScore == nil || *entry.ConfidenceScore != confidence {
		t.Errorf("entry confidence = %v, want %v", entry.ConfidenceScore, confidence)
	}
	if len(entry.FlaggedFields) != 1 || entry.FlaggedFields[0] != "manual review over 8k" {
		t.Errorf("flagged fields = %v", entry.FlaggedFields)
	}
}

func TestEvaluatePriorityOrderGovernsReason(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 20000_00})
	store.AddPolicy(&repository.Policy{
		Name:       "tier two",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 10000_00,
		},
		Actions:  repository.PolicyActions{RequireApprovals: 3},
		Priority: 20,
		IsActive: true,
	})
	store.AddPolicy(&repository.Policy{
		Name:       "tier one",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 5000_00,
		},
		Actions:  repository.PolicyActions{RequireApprovals: 1},
		Priority: 10,
		IsActive: true,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 20000_00,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.PoliciesEvaluated[0].PolicyName != "tier one" {
		t.Errorf("first evaluated = %s, want the lower priority value", result.PoliciesEvaluated[0].PolicyName)
	}
	if result.RequiredApprovals != 3 {
		t.Errorf("required approvals = %d, want max(1,3)=3", result.RequiredApprovals)
	}
	if !strings.Contains(result.RoutingReason, "tier two") {
		t.Errorf("routing reason = %q, want the later trigger to name it", result.RoutingReason)
	}
}

func TestEvaluateFraudFlagCreatedAlongsideDecision(t *testing.T) {
	store := memory.NewStore()
	vendor := store.AddVendor(&repository.Vendor{Name: "Acme Wireline", BankAccount: strPtr("333000444")})
	store.AddVendor(&repository.Vendor{Name: "Shadow Vendor", BankAccount: strPtr("333000444")})
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 1000_00})

	store.AddPolicy(&repository.Policy{
		Name:       "shared bank account",
		PolicyType: repository.PolicyTypeFraud,
		Condition:  repository.PolicyCondition{Type: repository.ConditionDuplicateBankAccount},
		Actions: repository.PolicyActions{
			FlagForReview:   true,
			CreateFraudFlag: &repository.FraudFlagAction{FlagType: "duplicate_bank_account", RiskScore: 0.85},
		},
		Priority: 1,
		IsActive: true,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 1000_00,
		VendorID:    &vendor.ID,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.FinalDecision != DecisionFlagForReview {
		t.Errorf("decision = %s, want flag_for_review", result.FinalDecision)
	}
	if len(store.FraudFlags) != 1 {
		t.Fatalf("fraud flags = %d, want 1", len(store.FraudFlags))
	}
	for _, flag := range store.FraudFlags {
		if flag.RiskScore != 0.85 || flag.FlagType != "duplicate_bank_account" {
			t.Errorf("fraud flag = %+v", flag)
		}
	}

	entries, _ := store.ListOpenReviewEntries(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Priority != repository.ReviewPriorityHigh {
		t.Errorf("a fraud-driven review entry should be high priority, got %+v", entries)
	}
}

func TestEvaluateInactivePoliciesIgnored(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 9000_00})
	store.AddPolicy(&repository.Policy{
		Name:       "disabled threshold",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 1000_00,
		},
		Actions:  repository.PolicyActions{RequireApprovals: 2},
		Priority: 1,
		IsActive: false,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 9000_00,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.FinalDecision != DecisionAutoApprove {
		t.Errorf("decision = %s, want auto_approve (inactive policies ignored)", result.FinalDecision)
	}
	if len(result.PoliciesEvaluated) != 0 {
		t.Errorf("policies evaluated = %d, want 0", len(result.PoliciesEvaluated))
	}
}

func TestEvaluateUnknownConditionDoesNotTrigger(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 9000_00})
	store.AddPolicy(&repository.Policy{
		Name:       "future condition",
		PolicyType: repository.PolicyTypeApproval,
		Condition:  repository.PolicyCondition{Type: "weekend_submission"},
		Actions:    repository.PolicyActions{BlockProcessing: true},
		Priority:   1,
		IsActive:   true,
	})

	svc := newPolicyService(store)
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 9000_00,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.FinalDecision != DecisionAutoApprove {
		t.Errorf("decision = %s, want auto_approve", result.FinalDecision)
	}
	if result.PoliciesEvaluated[0].Triggered {
		t.Error("unknown conditions must not trigger")
	}
}

// brokenPolicyStore fails every policy load.
type brokenPolicyStore struct {
	*memory.Store
}

func (s *brokenPolicyStore) ListActivePolicies(ctx context.Context, policyTypes []string) ([]*repository.Policy, error) {
	return nil, errors.New(errors.ErrCodeInternal, "connection reset")
}

// vendorLookupErrStore fails the bank account cross-check mid-evaluation.
type vendorLookupErrStore struct {
	*memory.Store
}

func (s *vendorLookupErrStore) VendorsSharingBankAccount(ctx context.Context, vendorID string) ([]*repository.Vendor, error) {
	return nil, errors.New(errors.ErrCodeInternal, "connection reset")
}

func TestEvaluatePolicyLoadFailureBlocks(t *testing.T) {
	store := memory.NewStore()
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 1000_00})

	svc := NewPolicyService(&brokenPolicyStore{Store: store}, nopNotifier{}, metrics.NewCollector(), logger.Nop())
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 1000_00,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.Success {
		t.Error("success = true, want false")
	}
	if result.FinalDecision != DecisionBlock {
		t.Errorf("decision = %s, want block", result.FinalDecision)
	}
	if result.Error == "" {
		t.Error("error message must be set")
	}
	if result.PoliciesEvaluated == nil || len(result.PoliciesEvaluated) != 0 {
		t.Errorf("policies evaluated = %v, want an empty slice", result.PoliciesEvaluated)
	}

	got, _ := store.GetInvoice(context.Background(), invoice.ID)
	if got.Status != repository.InvoiceStatusPending {
		t.Errorf("invoice status = %s, want pending (nothing written)", got.Status)
	}
	if approvals, _ := store.ListApprovalsByInvoice(context.Background(), invoice.ID); len(approvals) != 0 {
		t.Errorf("approval rows = %d, want 0", len(approvals))
	}
	if len(store.AuditLog) != 0 {
		t.Errorf("audit entries = %d, want 0", len(store.AuditLog))
	}
}

func TestEvaluatePolicyErrorIsolatedFromRest(t *testing.T) {
	store := memory.NewStore()
	vendor := store.AddVendor(&repository.Vendor{Name: "Acme Wireline", BankAccount: strPtr("555000666")})
	invoice := store.AddInvoice(&repository.Invoice{AmountCents: 7000_00})

	store.AddPolicy(&repository.Policy{
		Name:       "shared bank account blocks",
		PolicyType: repository.PolicyTypeFraud,
		Condition:  repository.PolicyCondition{Type: repository.ConditionDuplicateBankAccount},
		Actions:    repository.PolicyActions{BlockProcessing: true},
		Priority:   1,
		IsActive:   true,
	})
	store.AddPolicy(&repository.Policy{
		Name:       "amounts over 5k",
		PolicyType: repository.PolicyTypeApproval,
		Condition: repository.PolicyCondition{
			Type:        repository.ConditionAmountThreshold,
			AmountCents: 5000_00,
		},
		Actions:  repository.PolicyActions{RequireApprovals: 1},
		Priority: 2,
		IsActive: true,
	})

	svc := NewPolicyService(&vendorLookupErrStore{Store: store}, nopNotifier{}, metrics.NewCollector(), logger.Nop())
	result, err := svc.Evaluate(context.Background(), &EvaluateRequest{
		InvoiceID:   invoice.ID,
		AmountCents: 7000_00,
		VendorID:    &vendor.ID,
		ActorID:     "user-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !result.Success {
		t.Fatalf("evaluation failed: %s", result.Error)
	}
	if len(result.PoliciesEvaluated) != 2 {
		t.Fatalf("policies evaluated = %d, want 2 (failure must not abort the rest)", len(result.PoliciesEvaluated))
	}
	if result.PoliciesEvaluated[0].Triggered {
		t.Error("an erroring policy must not trigger")
	}
	if result.PoliciesEvaluated[0].Detail != "policy evaluation failed" {
		t.Errorf("detail = %q", result.PoliciesEvaluated[0].Detail)
	}
	if result.FinalDecision != DecisionRequireApproval {
		t.Errorf("decision = %s, want require_approval from the surviving policy", result.FinalDecision)
	}
	if approvals, _ := store.ListApprovalsByInvoice(context.Background(), invoice.ID); len(approvals) != 1 {
		t.Errorf("approval rows = %d, want 1", len(approvals))
	}
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	store := memory.NewStore()
	svc := newPolicyService(store)

	if _, err := svc.Evaluate(context.Background(), &EvaluateRequest{AmountCents: 100}); errors.Code(err) != errors.ErrCodeInvalidInput {
		t.Errorf("missing invoice_id: code = %s, want INVALID_INPUT", errors.Code(err))
	}
	if _, err := svc.Evaluate(context.Background(), &EvaluateRequest{InvoiceID: "inv-1"}); errors.Code(err) != errors.ErrCodeInvalidInput {
		t.Errorf("zero amount: code = %s, want INVALID_INPUT", errors.Code(err))
	}
}
