package marketplace

import (
	"fmt"
	"math/big"
)

// Offer is a vendor-published service listing. Offers are append-only: once
// created they are never deleted, and only the remaining unit counter may be
// adjusted by the vendor.
type Offer struct {
	ID             uint64
	Vendor         [20]byte
	PricePerMonth  *big.Int
	RemainingUnits uint64
	Metadata       string
}

// Clone returns a deep copy of the offer so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.PricePerMonth != nil {
		clone.PricePerMonth = new(big.Int).Set(o.PricePerMonth)
	} else {
		clone.PricePerMonth = big.NewInt(0)
	}
	return &clone
}

// Order is a client subscription against an offer with its own escrowed
// balance. The zero value of FulfilledAt and TerminatedAt is the sentinel for
// "not yet fulfilled" and "active" respectively. LastWithdrawal marks the
// point up to which the vendor has been paid.
type Order struct {
	ID                 uint64
	Client             [20]byte
	OfferID            uint64
	Balance            *big.Int
	CreatedAt          int64
	FulfilledAt        int64
	TerminatedAt       int64
	LastWithdrawal     int64
	Metadata           string
	DeploymentMetadata string
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Balance != nil {
		clone.Balance = new(big.Int).Set(o.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}

// Fulfilled reports whether the vendor has provisioned the order and started
// the billing clock.
func (o *Order) Fulfilled() bool { return o != nil && o.FulfilledAt != 0 }

// Terminated reports whether the order has been settled and closed.
func (o *Order) Terminated() bool { return o != nil && o.TerminatedAt != 0 }

// SanitizeOffer validates and normalises the supplied offer definition,
// returning a cloned instance with a non-nil price field. The function does
// not mutate the original value.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("nil offer")
	}
	clone := o.Clone()
	if clone.PricePerMonth.Sign() < 0 {
		return nil, fmt.Errorf("offer price must be non-negative")
	}
	return clone, nil
}

// SanitizeOrder validates and normalises the supplied order, returning a
// cloned instance with a non-nil balance field.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("nil order")
	}
	clone := o.Clone()
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("order balance must be non-negative")
	}
	if clone.TerminatedAt != 0 && clone.TerminatedAt < clone.CreatedAt {
		return nil, fmt.Errorf("order terminated before creation")
	}
	return clone, nil
}
