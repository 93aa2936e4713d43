package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"rollmarket/core/types"
	"rollmarket/native/marketplace"
	"rollmarket/storage"
)

const (
	keyOfferSeq  = "market/seq/offer"
	keyOrderSeq  = "market/seq/order"
	prefixOffer  = "market/offer/"
	prefixOrder  = "market/order/"
	prefixClient = "market/idx/client/"
	prefixVendor = "market/idx/vendor/"
	prefixAccount = "market/account/"
)

// Manager persists marketplace state on a key-value database. Records are
// JSON-encoded under prefixed keys; offer and order ids come from persisted
// sequence counters so restarts never reuse an id.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager wraps the database in a marketplace state manager.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type storedOffer struct {
	ID             uint64   `json:"id"`
	Vendor         string   `json:"vendor"`
	PricePerMonth  *big.Int `json:"pricePerMonth"`
	RemainingUnits uint64   `json:"remainingUnits"`
	Metadata       string   `json:"metadata"`
}

type storedOrder struct {
	ID                 uint64   `json:"id"`
	Client             string   `json:"client"`
	OfferID            uint64   `json:"offerId"`
	Balance            *big.Int `json:"balance"`
	CreatedAt          int64    `json:"createdAt"`
	FulfilledAt        int64    `json:"fulfilledAt"`
	TerminatedAt       int64    `json:"terminatedAt"`
	LastWithdrawal     int64    `json:"lastWithdrawal"`
	Metadata           string   `json:"metadata"`
	DeploymentMetadata string   `json:"deploymentMetadata"`
}

func offerKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOffer, id))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func addrHex(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddr(s string) ([20]byte, error) {
	var out [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("state: address must be 20 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (m *Manager) nextSequence(key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := uint64(0)
	raw, err := m.db.Get([]byte(key))
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("state: corrupt sequence under %s", key)
		}
		current = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return 0, err
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := m.db.Put([]byte(key), buf); err != nil {
		return 0, err
	}
	return next, nil
}

func (m *Manager) readSequence(key string) uint64 {
	raw, err := m.db.Get([]byte(key))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// OfferPut persists the offer under its id.
func (m *Manager) OfferPut(o *marketplace.Offer) error {
	if o == nil {
		return fmt.Errorf("state: nil offer")
	}
	record := storedOffer{
		ID:             o.ID,
		Vendor:         addrHex(o.Vendor),
		PricePerMonth:  o.PricePerMonth,
		RemainingUnits: o.RemainingUnits,
		Metadata:       o.Metadata,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.db.Put(offerKey(o.ID), raw)
}

// OfferGet loads the offer by id.
func (m *Manager) OfferGet(id uint64) (*marketplace.Offer, bool) {
	raw, err := m.db.Get(offerKey(id))
	if err != nil {
		return nil, false
	}
	var record storedOffer
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false
	}
	vendor, err := decodeAddr(record.Vendor)
	if err != nil {
		return nil, false
	}
	price := record.PricePerMonth
	if price == nil {
		price = big.NewInt(0)
	}
	return &marketplace.Offer{
		ID:             record.ID,
		Vendor:         vendor,
		PricePerMonth:  price,
		RemainingUnits: record.RemainingUnits,
		Metadata:       record.Metadata,
	}, true
}

// OfferCount reports how many offer ids have been issued.
func (m *Manager) OfferCount() uint64 { return m.readSequence(keyOfferSeq) }

// NextOfferID reserves and returns the next sequential offer id.
func (m *Manager) NextOfferID() (uint64, error) { return m.nextSequence(keyOfferSeq) }

// OrderPut persists the order under its id.
func (m *Manager) OrderPut(o *marketplace.Order) error {
	if o == nil {
		return fmt.Errorf("state: nil order")
	}
	record := storedOrder{
		ID:                 o.ID,
		Client:             addrHex(o.Client),
		OfferID:            o.OfferID,
		Balance:            o.Balance,
		CreatedAt:          o.CreatedAt,
		FulfilledAt:        o.FulfilledAt,
		TerminatedAt:       o.TerminatedAt,
		LastWithdrawal:     o.LastWithdrawal,
		Metadata:           o.Metadata,
		DeploymentMetadata: o.DeploymentMetadata,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.db.Put(orderKey(o.ID), raw)
}

// OrderGet loads the order by id.
func (m *Manager) OrderGet(id uint64) (*marketplace.Order, bool) {
	raw, err := m.db.Get(orderKey(id))
	if err != nil {
		return nil, false
	}
	var record storedOrder
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false
	}
	client, err := decodeAddr(record.Client)
	if err != nil {
		return nil, false
	}
	balance := record.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return &marketplace.Order{
		ID:                 record.ID,
		Client:             client,
		OfferID:            record.OfferID,
		Balance:            balance,
		CreatedAt:          record.CreatedAt,
		FulfilledAt:        record.FulfilledAt,
		TerminatedAt:       record.TerminatedAt,
		LastWithdrawal:     record.LastWithdrawal,
		Metadata:           record.Metadata,
		DeploymentMetadata: record.DeploymentMetadata,
	}, true
}

// OrderCount reports how many order ids have been issued.
func (m *Manager) OrderCount() uint64 { return m.readSequence(keyOrderSeq) }

// NextOrderID reserves and returns the next sequential order id.
func (m *Manager) NextOrderID() (uint64, error) { return m.nextSequence(keyOrderSeq) }

func (m *Manager) indexAppend(prefix string, addr [20]byte, id uint64) error {
	key := []byte(prefix + addrHex(addr))
	ids, err := m.indexRead(key)
	if err != nil {
		return err
	}
	ids = append(ids, id)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.db.Put(key, raw)
}

func (m *Manager) indexRead(key []byte) ([]uint64, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ClientOrdersAppend records the order id under the client's enumeration
// index.
func (m *Manager) ClientOrdersAppend(addr [20]byte, id uint64) error {
	return m.indexAppend(prefixClient, addr, id)
}

// ClientOrders lists the client's order ids in creation order.
func (m *Manager) ClientOrders(addr [20]byte) ([]uint64, error) {
	return m.indexRead([]byte(prefixClient + addrHex(addr)))
}

// VendorOrdersAppend records the order id under the vendor's enumeration
// index.
func (m *Manager) VendorOrdersAppend(addr [20]byte, id uint64) error {
	return m.indexAppend(prefixVendor, addr, id)
}

// VendorOrders lists the vendor's order ids in creation order.
func (m *Manager) VendorOrders(addr [20]byte) ([]uint64, error) {
	return m.indexRead([]byte(prefixVendor + addrHex(addr)))
}

// GetAccount loads the token account for the address. Absent accounts come
// back as fresh zero-balance accounts.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	raw, err := m.db.Get([]byte(prefixAccount + hex.EncodeToString(addr)))
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// PutAccount persists the token account for the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return m.db.Put([]byte(prefixAccount+hex.EncodeToString(addr)), raw)
}
