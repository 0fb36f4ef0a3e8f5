// Package memory provides a mutex-guarded in-memory implementation of
// repository.Store for unit tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

// Store keeps every entity in maps and serializes all access on one mutex,
// mirroring the transactional guarantees the postgres store gets from
// row-level guards.
type Store struct {
	mu sync.Mutex

	Invoices    map[string]*repository.Invoice
	Extractions map[string]*repository.InvoiceExtraction
	AFEs        map[string]*repository.AFE
	Wells       map[string]*repository.Well
	Vendors     map[string]*repository.Vendor
	Policies    []*repository.Policy
	Approvals   map[string]*repository.Approval
	Reviews     map[string]*repository.ReviewQueueEntry
	FraudFlags  map[string]*repository.FraudFlag
	AuditLog    []*repository.AuditEntry
}

var _ repository.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		Invoices:    make(map[string]*repository.Invoice),
		Extractions: make(map[string]*repository.InvoiceExtraction),
		AFEs:        make(map[string]*repository.AFE),
		Wells:       make(map[string]*repository.Well),
		Vendors:     make(map[string]*repository.Vendor),
		Approvals:   make(map[string]*repository.Approval),
		Reviews:     make(map[string]*repository.ReviewQueueEntry),
		FraudFlags:  make(map[string]*repository.FraudFlag),
	}
}

// seed helpers

// AddInvoice registers an invoice, minting an ID when absent.
func (s *Store) AddInvoice(invoice *repository.Invoice) *repository.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.Status == "" {
		invoice.Status = repository.InvoiceStatusPending
	}
	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = invoice.CreatedAt
	s.Invoices[invoice.ID] = invoice
	return invoice
}

// AddAFE registers an AFE, minting an ID when absent.
func (s *Store) AddAFE(afe *repository.AFE) *repository.AFE {
	s.mu.Lock()
	defer s.mu.Unlock()
	if afe.ID == "" {
		afe.ID = uuid.NewString()
	}
	if afe.Status == "" {
		afe.Status = repository.AFEStatusActive
	}
	s.AFEs[afe.ID] = afe
	return afe
}

// AddWell registers a well.
func (s *Store) AddWell(well *repository.Well) *repository.Well {
	s.mu.Lock()
	defer s.mu.Unlock()
	if well.ID == "" {
		well.ID = uuid.NewString()
	}
	s.Wells[well.ID] = well
	return well
}

// AddVendor registers a vendor.
func (s *Store) AddVendor(vendor *repository.Vendor) *repository.Vendor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vendor.ID == "" {
		vendor.ID = uuid.NewString()
	}
	s.Vendors[vendor.ID] = vendor
	return vendor
}

// AddPolicy registers a policy.
func (s *Store) AddPolicy(policy *repository.Policy) *repository.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	s.Policies = append(s.Policies, policy)
	return policy
}

// InvoiceStore

func (s *Store) GetInvoice(ctx context.Context, id string) (*repository.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invoice, ok := s.Invoices[id]
	if !ok {
		return nil, errors.NotFound("invoice", id)
	}
	copied := *invoice
	return &copied, nil
}

func (s *Store) ListInvoices(ctx context.Context, filter repository.InvoiceFilter) ([]*repository.Invoice, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*repository.Invoice
	for _, invoice := range s.Invoices {
		if filter.VendorID != nil && (invoice.VendorID == nil || *invoice.VendorID != *filter.VendorID) {
			continue
		}
		if filter.Status != nil && invoice.Status != *filter.Status {
			continue
		}
		if filter.FromDate != nil && (invoice.InvoiceDate == nil || *invoice.InvoiceDate < *filter.FromDate) {
			continue
		}
		if filter.ToDate != nil && (invoice.InvoiceDate == nil || *invoice.InvoiceDate > *filter.ToDate) {
			continue
		}
		copied := *invoice
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invoice, ok := s.Invoices[id]
	if !ok {
		return errors.NotFound("invoice", id)
	}
	invoice.Status = status
	invoice.UpdatedAt = time.Now()
	return nil
}

// ExtractionStore

func (s *Store) CompleteExtraction(ctx context.Context, m *repository.ExtractionMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.Invoices[m.Extraction.InvoiceID]
	if !ok {
		return errors.NotFound("invoice", m.Extraction.InvoiceID)
	}

	s.insertExtractionLocked(m.Extraction)
	invoice.Status = m.InvoiceStatus
	if m.VendorName != nil {
		invoice.VendorName = m.VendorName
	}
	if m.InvoiceNumber != nil {
		invoice.InvoiceNumber = m.InvoiceNumber
	}
	invoice.ConfidenceScore = m.Confidence
	if m.RawPayload != nil {
		invoice.RawExtractedPayload = m.RawPayload
	}
	if m.DuplicateHash != nil {
		invoice.DuplicateHash = m.DuplicateHash
	}
	invoice.UpdatedAt = time.Now()

	s.appendAuditLocked(m.Audit)
	return nil
}

func (s *Store) FailExtraction(ctx context.Context, m *repository.ExtractionMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.Invoices[m.Extraction.InvoiceID]
	if !ok {
		return errors.NotFound("invoice", m.Extraction.InvoiceID)
	}

	s.insertExtractionLocked(m.Extraction)
	invoice.Status = m.InvoiceStatus
	invoice.UpdatedAt = time.Now()

	s.appendAuditLocked(m.Audit)
	return nil
}

func (s *Store) GetExtraction(ctx context.Context, id string) (*repository.InvoiceExtraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	extraction, ok := s.Extractions[id]
	if !ok {
		return nil, errors.NotFound("invoice_extraction", id)
	}
	copied := *extraction
	return &copied, nil
}

func (s *Store) GetLatestExtractionByInvoice(ctx context.Context, invoiceID string) (*repository.InvoiceExtraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *repository.InvoiceExtraction
	for _, extraction := range s.Extractions {
		if extraction.InvoiceID != invoiceID || extraction.Status != repository.ExtractionStatusCompleted {
			continue
		}
		if latest == nil || extraction.CreatedAt.After(latest.CreatedAt) {
			latest = extraction
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (s *Store) FindInvoiceByDuplicateHash(ctx context.Context, hash, excludeInvoiceID string) (*repository.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *repository.Invoice
	for _, invoice := range s.Invoices {
		if invoice.ID == excludeInvoiceID || invoice.DuplicateHash == nil || *invoice.DuplicateHash != hash {
			continue
		}
		if oldest == nil || invoice.CreatedAt.Before(oldest.CreatedAt) {
			oldest = invoice
		}
	}
	if oldest == nil {
		return nil, nil
	}
	copied := *oldest
	return &copied, nil
}

func (s *Store) insertExtractionLocked(e *repository.InvoiceExtraction) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	s.Extractions[e.ID] = e
}

// LedgerStore

func (s *Store) GetActiveAFEByNumber(ctx context.Context, afeNumber string) (*repository.AFE, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, afe := range s.AFEs {
		if afe.AFENumber == afeNumber && afe.Status == repository.AFEStatusActive {
			copied := *afe
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) GetWellByUWI(ctx context.Context, uwi string) (*repository.Well, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, well := range s.Wells {
		if well.UWI == uwi {
			copied := *well
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) TryReserveBudget(ctx context.Context, afeID string, amountCents int64) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryReserveBudgetLocked(afeID, amountCents)
}

func (s *Store) PostSpend(ctx context.Context, afeID string, amountCents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postSpendLocked(afeID, amountCents)
}

func (s *Store) tryReserveBudgetLocked(afeID string, amountCents int64) (bool, int64, error) {
	afe, ok := s.AFEs[afeID]
	if !ok {
		return false, 0, errors.NotFound("afe", afeID)
	}
	if afe.Status != repository.AFEStatusActive || afe.SpentAmountCents+amountCents > afe.BudgetAmountCents {
		return false, afe.BudgetAmountCents - afe.SpentAmountCents, nil
	}
	afe.SpentAmountCents += amountCents
	return true, afe.BudgetAmountCents - afe.SpentAmountCents, nil
}

func (s *Store) postSpendLocked(afeID string, amountCents int64) (int64, error) {
	afe, ok := s.AFEs[afeID]
	if !ok {
		return 0, errors.NotFound("afe", afeID)
	}
	afe.SpentAmountCents += amountCents
	return afe.BudgetAmountCents - afe.SpentAmountCents, nil
}

// PolicyStore

func (s *Store) ListActivePolicies(ctx context.Context, policyTypes []string) ([]*repository.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var policies []*repository.Policy
	for _, policy := range s.Policies {
		if !policy.IsActive {
			continue
		}
		if len(policyTypes) > 0 && !containsString(policyTypes, policy.PolicyType) {
			continue
		}
		copied := *policy
		policies = append(policies, &copied)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return strings.Compare(policies[i].Name, policies[j].Name) < 0
	})
	return policies, nil
}

func (s *Store) VendorsSharingBankAccount(ctx context.Context, vendorID string) ([]*repository.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vendor, ok := s.Vendors[vendorID]
	if !ok || vendor.BankAccount == nil {
		return nil, nil
	}

	var matches []*repository.Vendor
	for _, other := range s.Vendors {
		if other.ID == vendorID || other.BankAccount == nil {
			continue
		}
		if *other.BankAccount == *vendor.BankAccount {
			copied := *other
			matches = append(matches, &copied)
		}
	}
	return matches, nil
}

func (s *Store) ApplyDecision(ctx context.Context, m *repository.DecisionMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.Invoices[m.InvoiceID]
	if !ok {
		return errors.NotFound("invoice", m.InvoiceID)
	}

	invoice.Status = m.InvoiceStatus
	invoice.UpdatedAt = time.Now()

	for _, approval := range m.Approvals {
		if approval.ID == "" {
			approval.ID = uuid.NewString()
		}
		approval.Status = repository.ApprovalStatusPending
		approval.CreatedAt = time.Now()
		approval.UpdatedAt = approval.CreatedAt
		s.Approvals[approval.ID] = approval
	}

	if m.ReviewEntry != nil {
		if m.ReviewEntry.ID == "" {
			m.ReviewEntry.ID = uuid.NewString()
		}
		m.ReviewEntry.Status = repository.ReviewStatusOpen
		m.ReviewEntry.CreatedAt = time.Now()
		s.Reviews[m.ReviewEntry.ID] = m.ReviewEntry
	}

	for _, flag := range m.FraudFlags {
		if flag.ID == "" {
			flag.ID = uuid.NewString()
		}
		flag.Status = repository.FraudFlagStatusOpen
		flag.CreatedAt = time.Now()
		s.FraudFlags[flag.ID] = flag
	}

	s.appendAuditLocked(m.Audit)
	return nil
}

// ApprovalStore

func (s *Store) GetApproval(ctx context.Context, id string) (*repository.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.Approvals[id]
	if !ok {
		return nil, errors.NotFound("approval", id)
	}
	copied := *approval
	return &copied, nil
}

func (s *Store) ListApprovalsByInvoice(ctx context.Context, invoiceID string) ([]*repository.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listApprovalsLocked(invoiceID), nil
}

func (s *Store) ListPendingApprovals(ctx context.Context, limit, offset int) ([]*repository.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*repository.Approval
	for _, approval := range s.Approvals {
		if approval.Status == repository.ApprovalStatusPending {
			copied := *approval
			pending = append(pending, &copied)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].Level < pending[j].Level
	})
	if offset >= len(pending) {
		return nil, nil
	}
	pending = pending[offset:]
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) CompleteApprovalDecision(ctx context.Context, m *repository.ApprovalMutation) (*repository.ApprovalOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval, ok := s.Approvals[m.ApprovalID]
	if !ok {
		return nil, errors.NotFound("approval", m.ApprovalID)
	}
	if approval.Status != repository.ApprovalStatusPending {
		return nil, errors.New(errors.ErrCodeConflict, "approval is not pending")
	}

	now := time.Now()
	approval.Status = m.Status
	approval.ApproverID = &m.ApproverID
	approval.ApprovalDate = &now
	approval.Comments = m.Comments
	approval.UpdatedAt = now

	invoice, ok := s.Invoices[approval.InvoiceID]
	if !ok {
		return nil, errors.NotFound("invoice", approval.InvoiceID)
	}

	outcome := &repository.ApprovalOutcome{}
	switch m.Status {
	case repository.ApprovalStatusRejected:
		if invoice.Status != repository.InvoiceStatusPendingApproval {
			return nil, errors.New(errors.ErrCodeConflict, "invoice is no longer pending approval")
		}
		invoice.Status = repository.InvoiceStatusRejected
		invoice.UpdatedAt = now
		outcome.WorkflowComplete = true
		outcome.InvoiceStatus = repository.InvoiceStatusRejected

	case repository.ApprovalStatusApproved:
		pending := 0
		for _, other := range s.listApprovalsLocked(approval.InvoiceID) {
			if other.Status == repository.ApprovalStatusPending {
				pending++
			}
		}
		if pending > 0 {
			outcome.InvoiceStatus = repository.InvoiceStatusPendingApproval
			break
		}
		if invoice.Status != repository.InvoiceStatusPendingApproval {
			return nil, errors.New(errors.ErrCodeConflict, "invoice is no longer pending approval")
		}
		invoice.Status = repository.InvoiceStatusApproved
		invoice.UpdatedAt = now
		outcome.WorkflowComplete = true
		outcome.InvoiceStatus = repository.InvoiceStatusApproved

		if m.LedgerPost != nil {
			reserved, _, err := s.tryReserveBudgetLocked(m.LedgerPost.AFEID, m.LedgerPost.AmountCents)
			if err != nil {
				return nil, err
			}
			if !reserved {
				if _, err := s.postSpendLocked(m.LedgerPost.AFEID, m.LedgerPost.AmountCents); err != nil {
					return nil, err
				}
			}
			outcome.BudgetReserved = &reserved
		}
	}

	s.appendAuditLocked(m.Audit)
	return outcome, nil
}

func (s *Store) listApprovalsLocked(invoiceID string) []*repository.Approval {
	var approvals []*repository.Approval
	for _, approval := range s.Approvals {
		if approval.InvoiceID == invoiceID {
			approvals = append(approvals, approval)
		}
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].Level < approvals[j].Level
	})
	return approvals
}

// ReviewStore

func (s *Store) ListOpenReviewEntries(ctx context.Context, limit, offset int) ([]*repository.ReviewQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*repository.ReviewQueueEntry
	for _, entry := range s.Reviews {
		if entry.Status == repository.ReviewStatusOpen {
			copied := *entry
			open = append(open, &copied)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].Priority != open[j].Priority {
			return open[i].Priority == repository.ReviewPriorityHigh
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	if offset >= len(open) {
		return nil, nil
	}
	open = open[offset:]
	if limit > 0 && limit < len(open) {
		open = open[:limit]
	}
	return open, nil
}

func (s *Store) ResolveReviewEntry(ctx context.Context, id, resolvedBy, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.Reviews[id]
	if !ok || entry.Status != repository.ReviewStatusOpen {
		return errors.New(errors.ErrCodeConflict, "review entry not found or already resolved")
	}
	now := time.Now()
	entry.Status = repository.ReviewStatusResolved
	entry.ResolutionNotes = &notes
	entry.ResolvedBy = &resolvedBy
	entry.ResolvedAt = &now
	return nil
}

// AuditStore

func (s *Store) AppendAudit(ctx context.Context, entry *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(entry)
	return nil
}

func (s *Store) ListAuditByEntity(ctx context.Context, entityType, entityID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*repository.AuditEntry
	for _, entry := range s.AuditLog {
		if entry.EntityType == entityType && entry.EntityID == entityID {
			copied := *entry
			entries = append(entries, &copied)
		}
	}
	return entries, nil
}

func (s *Store) appendAuditLocked(entry *repository.AuditEntry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now()
	s.AuditLog = append(s.AuditLog, entry)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
