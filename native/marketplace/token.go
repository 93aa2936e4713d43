package marketplace

import (
	"errors"
	"fmt"
	"math/big"

	"rollmarket/core/types"
)

var (
	// ErrTokenInsufficientFunds is returned when a transfer exceeds the
	// sender's balance.
	ErrTokenInsufficientFunds = errors.New("token: insufficient balance")
	// ErrTokenInsufficientAllowance is returned when a delegated transfer
	// exceeds the spender's allowance.
	ErrTokenInsufficientAllowance = errors.New("token: insufficient allowance")
)

// PaymentToken is the fungible-token interface the escrow moves funds
// through. Any failure is fatal to the calling operation.
type PaymentToken interface {
	Transfer(from, to [20]byte, amount *big.Int) error
	TransferFrom(spender, from, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
	Decimals() uint8
}

// AccountStore is the minimal account access the ledger token needs.
type AccountStore interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// LedgerToken implements PaymentToken over the node's own account ledger.
// Balances live in token base units on state accounts; allowances are keyed
// by the hex form of the spender address.
type LedgerToken struct {
	accounts AccountStore
	decimals uint8
}

// NewLedgerToken constructs a ledger-backed payment token.
func NewLedgerToken(accounts AccountStore, decimals uint8) *LedgerToken {
	return &LedgerToken{accounts: accounts, decimals: decimals}
}

// Decimals reports the base-unit precision of the token.
func (t *LedgerToken) Decimals() uint8 { return t.decimals }

func (t *LedgerToken) loadAccount(addr [20]byte) (*types.Account, error) {
	if t == nil || t.accounts == nil {
		return nil, fmt.Errorf("token: account store not configured")
	}
	acc, err := t.accounts.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

// BalanceOf returns the token balance held by the address.
func (t *LedgerToken) BalanceOf(addr [20]byte) (*big.Int, error) {
	acc, err := t.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// Mint credits freshly issued base units to the address. Used by genesis
// funding and the token-gated RPC faucet.
func (t *LedgerToken) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("token: mint amount must be positive")
	}
	acc, err := t.loadAccount(to)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return t.accounts.PutAccount(to[:], acc)
}

// Approve sets the spender's allowance against the owner account.
func (t *LedgerToken) Approve(owner, spender [20]byte, amount *big.Int) error {
	acc, err := t.loadAccount(owner)
	if err != nil {
		return err
	}
	acc.SetAllowance(spenderKey(spender), amount)
	return t.accounts.PutAccount(owner[:], acc)
}

// Allowance returns the amount the spender may currently draw from owner.
func (t *LedgerToken) Allowance(owner, spender [20]byte) (*big.Int, error) {
	acc, err := t.loadAccount(owner)
	if err != nil {
		return nil, err
	}
	return acc.Allowance(spenderKey(spender)), nil
}

// Transfer moves amount from one address to another.
func (t *LedgerToken) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := t.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrTokenInsufficientFunds
	}
	toAcc, err := t.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := t.accounts.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return t.accounts.PutAccount(to[:], toAcc)
}

// TransferFrom moves amount from the owner to the recipient on behalf of the
// spender, consuming allowance.
func (t *LedgerToken) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := t.loadAccount(from)
	if err != nil {
		return err
	}
	allowance := fromAcc.Allowance(spenderKey(spender))
	if allowance.Cmp(amount) < 0 {
		return ErrTokenInsufficientAllowance
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrTokenInsufficientFunds
	}
	fromAcc.SetAllowance(spenderKey(spender), new(big.Int).Sub(allowance, amount))
	if err := t.accounts.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return t.Transfer(from, to, amount)
}

func spenderKey(spender [20]byte) string {
	return fmt.Sprintf("%x", spender[:])
}
