package marketplace

import (
	"math/big"
	"strconv"

	"rollmarket/core/types"
	"rollmarket/crypto"
)

const (
	EventTypeOfferCreated    = "market.offer.created"
	EventTypeOfferUpdated    = "market.offer.updated"
	EventTypeOrderCreated    = "market.order.created"
	EventTypeOrderFulfilled  = "market.order.fulfilled"
	EventTypeOrderTerminated = "market.order.terminated"
	EventTypeDeposit         = "market.order.deposit"
	EventTypeWithdrawal      = "market.order.withdrawal"
)

// NewOfferCreatedEvent returns the canonical event payload for a newly
// published offer.
func NewOfferCreatedEvent(o *Offer) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeOfferCreated,
		Attributes: map[string]string{
			"vendor":         addressString(o.Vendor),
			"offerId":        formatID(o.ID),
			"pricePerMonth":  formatAmount(o.PricePerMonth),
			"remainingUnits": formatID(o.RemainingUnits),
		},
	}
}

// NewOfferUpdatedEvent returns the payload emitted when the vendor adjusts
// the offer's remaining capacity.
func NewOfferUpdatedEvent(o *Offer) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeOfferUpdated,
		Attributes: map[string]string{
			"vendor":         addressString(o.Vendor),
			"offerId":        formatID(o.ID),
			"remainingUnits": formatID(o.RemainingUnits),
		},
	}
}

// NewOrderCreatedEvent returns the payload for a freshly escrowed order.
func NewOrderCreatedEvent(vendor [20]byte, o *Order) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeOrderCreated,
		Attributes: map[string]string{
			"vendor":  addressString(vendor),
			"client":  addressString(o.Client),
			"offerId": formatID(o.OfferID),
			"orderId": formatID(o.ID),
		},
	}
}

// NewOrderFulfilledEvent returns the payload emitted when the vendor
// provisions the order and starts the billing clock.
func NewOrderFulfilledEvent(vendor [20]byte, o *Order) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeOrderFulfilled,
		Attributes: map[string]string{
			"vendor":      addressString(vendor),
			"client":      addressString(o.Client),
			"orderId":     formatID(o.ID),
			"fulfilledAt": strconv.FormatInt(o.FulfilledAt, 10),
		},
	}
}

// NewOrderTerminatedEvent returns the payload emitted when an order is
// settled and closed.
func NewOrderTerminatedEvent(vendor [20]byte, o *Order) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeOrderTerminated,
		Attributes: map[string]string{
			"vendor":       addressString(vendor),
			"client":       addressString(o.Client),
			"orderId":      formatID(o.ID),
			"terminatedAt": strconv.FormatInt(o.TerminatedAt, 10),
		},
	}
}

// NewDepositEvent returns the payload for a client top-up.
func NewDepositEvent(o *Order, amount *big.Int) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"orderId": formatID(o.ID),
			"amount":  formatAmount(amount),
		},
	}
}

// NewWithdrawalEvent returns the payload for a vendor draw against accrued
// entitlement.
func NewWithdrawalEvent(vendor [20]byte, o *Order, amount *big.Int) *types.Event {
	if o == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeWithdrawal,
		Attributes: map[string]string{
			"vendor":  addressString(vendor),
			"orderId": formatID(o.ID),
			"amount":  formatAmount(amount),
		},
	}
}

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
