package marketplace

import "math/big"

// secondsPerMonth is the billing period backing pricePerMonth: a flat 30-day
// month, matching the subscription terms surfaced to clients.
const secondsPerMonth int64 = 30 * 24 * 60 * 60

// accruedAmount returns the vendor share earned over elapsed seconds at the
// supplied monthly price. Arithmetic is unsigned fixed-point in token base
// units with floor division; the per-second remainder is forfeited rather
// than rounded up so the split can never overshoot the escrowed balance.
func accruedAmount(pricePerMonth *big.Int, elapsed int64) *big.Int {
	if pricePerMonth == nil || pricePerMonth.Sign() <= 0 || elapsed <= 0 {
		return big.NewInt(0)
	}
	accrued := new(big.Int).Mul(pricePerMonth, big.NewInt(elapsed))
	return accrued.Div(accrued, big.NewInt(secondsPerMonth))
}

// splitBalance computes the vendor-accrued and client-refundable shares of an
// order's escrowed balance at the supplied time. The price is read from the
// live offer, not a copy frozen at order creation.
//
// Terminated orders were settled when they closed, so both shares are zero.
// Unfulfilled orders have accrued nothing: the entire balance remains the
// client's. Otherwise the vendor share is capped at the remaining balance,
// and the shares always sum to exactly the balance.
func splitBalance(order *Order, pricePerMonth *big.Int, now int64) (vendor, client *big.Int) {
	vendor = big.NewInt(0)
	client = big.NewInt(0)
	if order == nil || order.Terminated() {
		return vendor, client
	}
	balance := order.Balance
	if balance == nil || balance.Sign() <= 0 {
		return vendor, client
	}
	if !order.Fulfilled() {
		client.Set(balance)
		return vendor, client
	}
	accrued := accruedAmount(pricePerMonth, now-order.LastWithdrawal)
	if accrued.Cmp(balance) >= 0 {
		vendor.Set(balance)
		return vendor, client
	}
	vendor.Set(accrued)
	client.Sub(balance, accrued)
	return vendor, client
}
