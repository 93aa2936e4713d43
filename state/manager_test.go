package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"rollmarket/core/types"
	"rollmarket/native/marketplace"
	"rollmarket/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestManagerOfferRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	id, err := m.NextOfferID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	offer := &marketplace.Offer{
		ID:             id,
		Vendor:         testAddr(0x11),
		PricePerMonth:  big.NewInt(2500),
		RemainingUnits: 4,
		Metadata:       `{"title":"sequencer","features":["monitoring"]}`,
	}
	require.NoError(t, m.OfferPut(offer))

	got, ok := m.OfferGet(id)
	require.True(t, ok)
	require.Equal(t, offer.Vendor, got.Vendor)
	require.Zero(t, offer.PricePerMonth.Cmp(got.PricePerMonth))
	require.Equal(t, offer.RemainingUnits, got.RemainingUnits)
	require.Equal(t, offer.Metadata, got.Metadata)

	_, ok = m.OfferGet(99)
	require.False(t, ok)
	require.Equal(t, uint64(1), m.OfferCount())
}

func TestManagerOrderRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	id, err := m.NextOrderID()
	require.NoError(t, err)

	order := &marketplace.Order{
		ID:                 id,
		Client:             testAddr(0x22),
		OfferID:            1,
		Balance:            big.NewInt(300),
		CreatedAt:          1_700_000_000,
		FulfilledAt:        1_700_000_500,
		LastWithdrawal:     1_700_000_500,
		Metadata:           `{"name":"rollup-one"}`,
		DeploymentMetadata: `{"rpc":"https://rpc.example"}`,
	}
	require.NoError(t, m.OrderPut(order))

	got, ok := m.OrderGet(id)
	require.True(t, ok)
	require.Equal(t, order.Client, got.Client)
	require.Zero(t, order.Balance.Cmp(got.Balance))
	require.Equal(t, order.FulfilledAt, got.FulfilledAt)
	require.Equal(t, order.DeploymentMetadata, got.DeploymentMetadata)
}

func TestManagerSequencesSurviveReopen(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	for i := 0; i < 3; i++ {
		if _, err := m.NextOrderID(); err != nil {
			t.Fatalf("next order id: %v", err)
		}
	}

	reopened := NewManager(db)
	id, err := reopened.NextOrderID()
	require.NoError(t, err)
	require.Equal(t, uint64(4), id, "sequence must continue after reopen")
	require.Equal(t, uint64(4), reopened.OrderCount())
}

func TestManagerIndexes(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	client := testAddr(0x22)
	vendor := testAddr(0x11)

	require.NoError(t, m.ClientOrdersAppend(client, 1))
	require.NoError(t, m.ClientOrdersAppend(client, 2))
	require.NoError(t, m.VendorOrdersAppend(vendor, 2))

	clientIDs, err := m.ClientOrders(client)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, clientIDs)

	vendorIDs, err := m.VendorOrders(vendor)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, vendorIDs)

	empty, err := m.ClientOrders(testAddr(0x33))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestManagerAccounts(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddr(0x44)

	fresh, err := m.GetAccount(addr[:])
	require.NoError(t, err)
	require.Zero(t, fresh.Balance.Sign())

	account := types.NewAccount()
	account.Balance = big.NewInt(12345)
	account.SetAllowance("aa", big.NewInt(99))
	require.NoError(t, m.PutAccount(addr[:], account))

	got, err := m.GetAccount(addr[:])
	require.NoError(t, err)
	require.Zero(t, got.Balance.Cmp(big.NewInt(12345)))
	require.Zero(t, got.Allowance("aa").Cmp(big.NewInt(99)))
}

func TestManagerBackedEngine(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := marketplace.NewLedgerToken(m, 18)
	engine := marketplace.NewEngine()
	engine.SetState(m)
	engine.SetToken(token)
	vault := testAddr(0xEE)
	engine.SetVault(vault)

	vendor := testAddr(0x11)
	client := testAddr(0x22)
	require.NoError(t, token.Mint(client, big.NewInt(1000)))
	require.NoError(t, token.Approve(client, vault, big.NewInt(1000)))

	offer, err := engine.CreateOffer(vendor, big.NewInt(100), 5, "{}")
	require.NoError(t, err)
	order, err := engine.CreateOrder(client, offer.ID, 2, "{}")
	require.NoError(t, err)
	require.Zero(t, order.Balance.Cmp(big.NewInt(200)))

	vaultBal, err := token.BalanceOf(vault)
	require.NoError(t, err)
	require.Zero(t, vaultBal.Cmp(big.NewInt(200)))
}
