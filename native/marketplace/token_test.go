package marketplace

import (
	"errors"
	"math/big"
	"testing"
)

func newTestToken() (*LedgerToken, *mockState) {
	state := newMockState()
	return NewLedgerToken(state, 18), state
}

func TestLedgerTokenTransfer(t *testing.T) {
	token, _ := newTestToken()
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)

	if err := token.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := token.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBal, _ := token.BalanceOf(alice)
	bobBal, _ := token.BalanceOf(bob)
	if aliceBal.Cmp(big.NewInt(60)) != 0 || bobBal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected balances %s/%s", aliceBal, bobBal)
	}

	if err := token.Transfer(alice, bob, big.NewInt(61)); !errors.Is(err, ErrTokenInsufficientFunds) {
		t.Fatalf("expected ErrTokenInsufficientFunds, got %v", err)
	}
}

func TestLedgerTokenTransferFromConsumesAllowance(t *testing.T) {
	token, _ := newTestToken()
	owner := newTestAddress(0x01)
	spender := newTestAddress(0x02)
	sink := newTestAddress(0x03)

	if err := token.Mint(owner, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := token.TransferFrom(spender, owner, sink, big.NewInt(10)); !errors.Is(err, ErrTokenInsufficientAllowance) {
		t.Fatalf("expected ErrTokenInsufficientAllowance, got %v", err)
	}

	if err := token.Approve(owner, spender, big.NewInt(30)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := token.TransferFrom(spender, owner, sink, big.NewInt(20)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	remaining, err := token.Allowance(owner, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if remaining.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected remaining allowance 10, got %s", remaining)
	}
	if err := token.TransferFrom(spender, owner, sink, big.NewInt(11)); !errors.Is(err, ErrTokenInsufficientAllowance) {
		t.Fatalf("expected allowance exhaustion, got %v", err)
	}
}

func TestLedgerTokenZeroTransferIsNoop(t *testing.T) {
	token, _ := newTestToken()
	alice := newTestAddress(0x01)
	if err := token.Transfer(alice, newTestAddress(0x02), big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer should succeed: %v", err)
	}
	if err := token.Mint(alice, big.NewInt(0)); err == nil {
		t.Fatalf("zero mint must be rejected")
	}
}
