package marketplace

import (
	"math/big"
	"testing"
)

func TestOfferCloneIsIndependent(t *testing.T) {
	offer := &Offer{ID: 1, PricePerMonth: big.NewInt(100), Metadata: `{"title":"replica"}`}
	clone := offer.Clone()
	clone.PricePerMonth.SetInt64(999)
	if offer.PricePerMonth.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("mutating the clone leaked into the original: %s", offer.PricePerMonth)
	}
}

func TestOrderCloneNormalisesNilBalance(t *testing.T) {
	order := &Order{ID: 2}
	clone := order.Clone()
	if clone.Balance == nil || clone.Balance.Sign() != 0 {
		t.Fatalf("clone must carry a non-nil zero balance")
	}
}

func TestSanitizeOfferRejectsNegativePrice(t *testing.T) {
	if _, err := SanitizeOffer(&Offer{PricePerMonth: big.NewInt(-1)}); err == nil {
		t.Fatalf("expected error for negative price")
	}
	if _, err := SanitizeOffer(nil); err == nil {
		t.Fatalf("expected error for nil offer")
	}
}

func TestSanitizeOrderRejectsInvalidTimestamps(t *testing.T) {
	order := &Order{Balance: big.NewInt(10), CreatedAt: 100, TerminatedAt: 50}
	if _, err := SanitizeOrder(order); err == nil {
		t.Fatalf("expected error for termination before creation")
	}
	if _, err := SanitizeOrder(&Order{Balance: big.NewInt(-5)}); err == nil {
		t.Fatalf("expected error for negative balance")
	}
}

func TestLifecyclePredicates(t *testing.T) {
	order := &Order{}
	if order.Fulfilled() || order.Terminated() {
		t.Fatalf("zero timestamps are the active sentinels")
	}
	order.FulfilledAt = 10
	order.TerminatedAt = 20
	if !order.Fulfilled() || !order.Terminated() {
		t.Fatalf("non-zero timestamps must flip the predicates")
	}
}
