package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
)

// Routing decisions, ordered by precedence. A later policy can escalate the
// decision but never downgrade it.
const (
	DecisionAutoApprove     = "auto_approve"
	DecisionRequireApproval = "require_approval"
	DecisionFlagForReview   = "flag_for_review"
	DecisionBlock           = "block"
)

// PolicyService evaluates active routing policies against an invoice and
// materializes the resulting decision as approval, review, and fraud records.
type PolicyService struct {
	invoices repository.InvoiceStore
	policies repository.PolicyStore
	notifier Notifier
	metrics  *metrics.Collector
	log      *logger.Logger
}

// NewPolicyService creates a new policy service.
func NewPolicyService(
	store repository.Store,
	notifier Notifier,
	collector *metrics.Collector,
	log *logger.Logger,
) *PolicyService {
	return &PolicyService{
		invoices: store,
		policies: store,
		notifier: notifier,
		metrics:  collector,
		log:      log,
	}
}

// EvaluateRequest carries the invoice context for one policy evaluation.
type EvaluateRequest struct {
	InvoiceID       string
	AmountCents     int64
	VendorID        *string
	ConfidenceScore *float64
	PolicyTypes     []string
	ActorID         string
}

// PolicyEvaluation reports one policy's outcome, triggered or not.
type PolicyEvaluation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	PolicyType string `json:"policy_type"`
	Triggered  bool   `json:"triggered"`
	Detail     string `json:"detail"`
}

// EvaluateResult is the uniform response shape for policy evaluation. On
// internal failure Success is false and FinalDecision is block, with the same
// field layout, so callers can always treat the response identically.
type EvaluateResult struct {
	Success           bool               `json:"success"`
	InvoiceID         string             `json:"invoice_id"`
	PoliciesEvaluated []PolicyEvaluation `json:"policies_evaluated"`
	FinalDecision     string             `json:"final_decision"`
	RequiredApprovals int                `json:"required_approvals"`
	RoutingReason     string             `json:"routing_reason"`
	Error             string             `json:"error,omitempty"`
}

// Evaluate runs all active policies of the requested types in ascending
// priority order and applies the merged decision atomically.
func (s *PolicyService) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResult, error) {
	if req.InvoiceID == "" {
		return nil, errors.InvalidInput("invoice_id", "invoice_id is required")
	}
	if req.AmountCents <= 0 {
		return nil, errors.InvalidInput("amount", "amount must be positive")
	}

	if _, err := s.invoices.GetInvoice(ctx, req.InvoiceID); err != nil {
		return nil, err
	}

	log := s.log.With().Str("invoice_id", req.InvoiceID).Logger()

	policyTypes := req.PolicyTypes
	if len(policyTypes) == 0 {
		policyTypes = []string{repository.PolicyTypeApproval, repository.PolicyTypeFraud}
	}

	policies, err := s.policies.ListActivePolicies(ctx, policyTypes)
	if err != nil {
		log.Error().Err(err).Msg("failed to load policies")
		return s.blockedResult(req.InvoiceID, nil, "failed to load policy set"), nil
	}

	decision := DecisionAutoApprove
	routingReason := "all policies passed"
	requiredApprovals := 0
	triggeredCount := 0
	var triggeredNames []string
	var fraudFlags []*repository.FraudFlag
	evaluations := make([]PolicyEvaluation, 0, len(policies))

	for _, policy := range policies {
		triggered, detail := s.evaluatePolicy(ctx, policy, req)
		evaluations = append(evaluations, PolicyEvaluation{
			PolicyID:   policy.ID,
			PolicyName: policy.Name,
			PolicyType: policy.PolicyType,
			Triggered:  triggered,
			Detail:     detail,
		})
		if !triggered {
			continue
		}

		triggeredCount++
		triggeredNames = append(triggeredNames, policy.Name)

		if policy.Actions.CreateFraudFlag != nil {
			details := fmt.Sprintf("policy %q triggered: %s", policy.Name, detail)
			fraudFlags = append(fraudFlags, &repository.FraudFlag{
				EntityType: "invoice",
				EntityID:   req.InvoiceID,
				FlagType:   policy.Actions.CreateFraudFlag.FlagType,
				RiskScore:  policy.Actions.CreateFraudFlag.RiskScore,
				Details:    &details,
			})
		}

		if n := policy.Actions.RequireApprovals; n > requiredApprovals {
			requiredApprovals = n
		}
		if policy.Actions.RequireApprovals > 0 && decision != DecisionFlagForReview {
			decision = DecisionRequireApproval
			routingReason = fmt.Sprintf("policy %q requires approval", policy.Name)
		}
		if policy.Actions.FlagForReview {
			decision = DecisionFlagForReview
			routingReason = fmt.Sprintf("policy %q flagged the invoice for review", policy.Name)
		}
		if policy.Actions.BlockProcessing {
			decision = DecisionBlock
			routingReason = fmt.Sprintf("policy %q blocked processing", policy.Name)
			break
		}
	}

	mutation := s.buildDecisionMutation(req, decision, routingReason, requiredApprovals, triggeredCount, triggeredNames, fraudFlags)
	if err := s.policies.ApplyDecision(ctx, mutation); err != nil {
		log.Error().Err(err).Str("decision", decision).Msg("failed to apply policy decision")
		return s.blockedResult(req.InvoiceID, evaluations, "failed to apply policy decision"), nil
	}

	s.metrics.RecordDecision(decision, triggeredCount)
	switch decision {
	case DecisionRequireApproval:
		s.notifier.PublishInvoiceEvent("invoice_approval_required", req.InvoiceID, req.ActorID, map[string]any{
			"required_approvals": requiredApprovals,
			"routing_reason":     routingReason,
		})
	case DecisionFlagForReview, DecisionBlock:
		s.notifier.PublishInvoiceEvent("invoice_flagged", req.InvoiceID, req.ActorID, map[string]any{
			"decision":       decision,
			"routing_reason": routingReason,
		})
	}

	log.Info().
		Str("decision", decision).
		Int("required_approvals", requiredApprovals).
		Int("triggered", triggeredCount).
		Msg("policy evaluation completed")

	return &EvaluateResult{
		Success:           true,
		InvoiceID:         req.InvoiceID,
		PoliciesEvaluated: evaluations,
		FinalDecision:     decision,
		RequiredApprovals: requiredApprovals,
		RoutingReason:     routingReason,
	}, nil
}

// evaluatePolicy runs one policy's condition. Failures are isolated: an
// error or panic in a single policy counts as non-triggering and never
// aborts the rest of the evaluation.
func (s *PolicyService) evaluatePolicy(ctx context.Context, policy *repository.Policy, req *EvaluateRequest) (triggered bool, detail string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("policy_id", policy.ID).
				Interface("panic", r).
				Msg("policy evaluation panicked")
			triggered = false
			detail = "policy evaluation failed"
		}
	}()

	switch policy.Condition.Type {
	case repository.ConditionAmountThreshold:
		if req.AmountCents > policy.Condition.AmountCents {
			return true, fmt.Sprintf("amount %s exceeds threshold %s",
				formatCents(req.AmountCents), formatCents(policy.Condition.AmountCents))
		}
		return false, fmt.Sprintf("amount %s within threshold %s",
			formatCents(req.AmountCents), formatCents(policy.Condition.AmountCents))

	case repository.ConditionDuplicateBankAccount:
		if req.VendorID == nil || *req.VendorID == "" {
			return false, "no vendor on invoice"
		}
		matches, err := s.policies.VendorsSharingBankAccount(ctx, *req.VendorID)
		if err != nil {
			s.log.Error().Err(err).Str("policy_id", policy.ID).Msg("bank account lookup failed")
			return false, "policy evaluation failed"
		}
		if len(matches) == 0 {
			return false, "no vendors share this bank account"
		}
		names := make([]string, 0, len(matches))
		for _, v := range matches {
			names = append(names, v.Name)
		}
		return true, fmt.Sprintf("vendor shares a bank account with: %s", strings.Join(names, ", "))

	default:
		return false, fmt.Sprintf("unrecognized condition type %q", policy.Condition.Type)
	}
}

func (s *PolicyService) buildDecisionMutation(
	req *EvaluateRequest,
	decision, routingReason string,
	requiredApprovals, triggeredCount int,
	triggeredNames []string,
	fraudFlags []*repository.FraudFlag,
) *repository.DecisionMutation {
	invoiceStatus := repository.InvoiceStatusPendingApproval
	if decision == DecisionAutoApprove {
		invoiceStatus = repository.InvoiceStatusApproved
	}

	mutation := &repository.DecisionMutation{
		InvoiceID:     req.InvoiceID,
		InvoiceStatus: invoiceStatus,
		FraudFlags:    fraudFlags,
		Audit: &repository.AuditEntry{
			Action:     "policy_decision",
			EntityType: "invoice",
			EntityID:   req.InvoiceID,
			ActorID:    actorRef(req.ActorID),
			NewValues: map[string]any{
				"decision":           decision,
				"required_approvals": requiredApprovals,
				"triggered_policies": triggeredCount,
				"routing_reason":     routingReason,
			},
		},
	}

	if decision == DecisionRequireApproval {
		for level := 1; level <= requiredApprovals; level++ {
			mutation.Approvals = append(mutation.Approvals, &repository.Approval{
				InvoiceID:           req.InvoiceID,
				Level:               level,
				AmountApprovedCents: req.AmountCents,
			})
		}
	}

	if decision == DecisionFlagForReview {
		priority := repository.ReviewPriorityNormal
		if len(fraudFlags) > 0 {
			priority = repository.ReviewPriorityHigh
		}
		mutation.ReviewEntry = &repository.ReviewQueueEntry{
			InvoiceID:       req.InvoiceID,
			Reason:          routingReason,
			Priority:        priority,
			ConfidenceScore: req.ConfidenceScore,
			FlaggedFields:   triggeredNames,
		}
	}

	return mutation
}

// blockedResult is the uniform failure shape: same layout, success=false,
// decision=block, and no partial writes.
func (s *PolicyService) blockedResult(invoiceID string, evaluations []PolicyEvaluation, errMsg string) *EvaluateResult {
	if evaluations == nil {
		evaluations = []PolicyEvaluation{}
	}
	return &EvaluateResult{
		Success:           false,
		InvoiceID:         invoiceID,
		PoliciesEvaluated: evaluations,
		FinalDecision:     DecisionBlock,
		RoutingReason:     errMsg,
		Error:             errMsg,
	}
}
