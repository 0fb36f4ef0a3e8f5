package memory

import (
	"context"
	"testing"

	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

func TestTryReserveBudgetPostsWithinBudget(t *testing.T) {
	store := NewStore()
	afe := store.AddAFE(&repository.AFE{
		AFENumber:         "AFE-2024-0001",
		BudgetAmountCents: 100000_00,
		SpentAmountCents:  90000_00,
	})

	ok, remaining, err := store.TryReserveBudget(context.Background(), afe.ID, 5000_00)
	if err != nil {
		t.Fatalf("TryReserveBudget: %v", err)
	}
	if !ok {
		t.Fatal("reservation refused, want accepted")
	}
	if remaining != 5000_00 {
		t.Errorf("remaining = %d, want 500000", remaining)
	}
	if afe.SpentAmountCents != 95000_00 {
		t.Errorf("spent = %d, want 9500000", afe.SpentAmountCents)
	}
}

func TestTryReserveBudgetRefusesOverage(t *testing.T) {
	store := NewStore()
	afe := store.AddAFE(&repository.AFE{
		AFENumber:         "AFE-2024-0001",
		BudgetAmountCents: 100000_00,
		SpentAmountCents:  90000_00,
	})

	ok, remaining, err := store.TryReserveBudget(context.Background(), afe.ID, 15000_00)
	if err != nil {
		t.Fatalf("TryReserveBudget: %v", err)
	}
	if ok {
		t.Fatal("reservation accepted, want refused")
	}
	if remaining != 10000_00 {
		t.Errorf("remaining = %d, want current headroom 1000000", remaining)
	}
	if afe.SpentAmountCents != 90000_00 {
		t.Errorf("a refused reservation must not mutate, spent = %d", afe.SpentAmountCents)
	}
}

func TestTryReserveBudgetRefusesInactiveAFE(t *testing.T) {
	store := NewStore()
	afe := store.AddAFE(&repository.AFE{
		AFENumber:         "AFE-2024-0001",
		BudgetAmountCents: 100000_00,
		SpentAmountCents:  10000_00,
		Status:            repository.AFEStatusClosed,
	})

	ok, _, err := store.TryReserveBudget(context.Background(), afe.ID, 100_00)
	if err != nil {
		t.Fatalf("TryReserveBudget: %v", err)
	}
	if ok {
		t.Error("reservation against a closed AFE must be refused")
	}
	if afe.SpentAmountCents != 10000_00 {
		t.Errorf("spent = %d, want unchanged", afe.SpentAmountCents)
	}
}

func TestTryReserveBudgetUnknownAFE(t *testing.T) {
	store := NewStore()
	if _, _, err := store.TryReserveBudget(context.Background(), "missing", 100_00); errors.Code(err) != errors.ErrCodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", errors.Code(err))
	}
}

func TestPostSpendIsUnconditional(t *testing.T) {
	store := NewStore()
	afe := store.AddAFE(&repository.AFE{
		AFENumber:         "AFE-2024-0001",
		BudgetAmountCents: 100000_00,
		SpentAmountCents:  98000_00,
	})

	remaining, err := store.PostSpend(context.Background(), afe.ID, 7000_00)
	if err != nil {
		t.Fatalf("PostSpend: %v", err)
	}
	if remaining != -5000_00 {
		t.Errorf("remaining = %d, want -500000", remaining)
	}
	if afe.SpentAmountCents != 105000_00 {
		t.Errorf("spent = %d, want 10500000", afe.SpentAmountCents)
	}
}
