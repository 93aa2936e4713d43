package types

import "math/big"

// Account tracks the payment-token holdings of a single address together with
// the per-spender allowances granted against it. Balances are stored in token
// base units.
type Account struct {
	Balance    *big.Int            `json:"balance"`
	Allowances map[string]*big.Int `json:"allowances,omitempty"`
}

// NewAccount returns an account with a zero balance and no allowances.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0), Allowances: make(map[string]*big.Int)}
}

// Clone returns a deep copy of the account so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := NewAccount()
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	for spender, amount := range a.Allowances {
		if amount == nil {
			clone.Allowances[spender] = big.NewInt(0)
			continue
		}
		clone.Allowances[spender] = new(big.Int).Set(amount)
	}
	return clone
}

// Allowance returns the amount the spender may draw from the account. The
// returned value is never nil.
func (a *Account) Allowance(spender string) *big.Int {
	if a == nil || a.Allowances == nil {
		return big.NewInt(0)
	}
	amount, ok := a.Allowances[spender]
	if !ok || amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// SetAllowance overwrites the spender's allowance. Negative amounts are
// clamped to zero.
func (a *Account) SetAllowance(spender string, amount *big.Int) {
	if a.Allowances == nil {
		a.Allowances = make(map[string]*big.Int)
	}
	if amount == nil || amount.Sign() <= 0 {
		delete(a.Allowances, spender)
		return
	}
	a.Allowances[spender] = new(big.Int).Set(amount)
}
