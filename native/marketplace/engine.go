package marketplace

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"rollmarket/core/events"
	"rollmarket/core/types"
)

const (
	// DefaultFulfillmentPeriod is how long the vendor has to fulfil a fresh
	// order before the client may unilaterally terminate it.
	DefaultFulfillmentPeriod int64 = 24 * 60 * 60
	// DefaultVerificationPeriod is the post-fulfilment grace window during
	// which the vendor cannot yet draw accrued funds.
	DefaultVerificationPeriod int64 = 48 * 60 * 60
)

// State is the persistence surface the engine drives. Offers and orders are
// append-only arenas keyed by sequential ids; the per-client and per-vendor
// indexes are maintained incrementally at order creation.
type State interface {
	OfferPut(*Offer) error
	OfferGet(id uint64) (*Offer, bool)
	OfferCount() uint64
	NextOfferID() (uint64, error)

	OrderPut(*Order) error
	OrderGet(id uint64) (*Order, bool)
	OrderCount() uint64
	NextOrderID() (uint64, error)

	ClientOrdersAppend(addr [20]byte, id uint64) error
	ClientOrders(addr [20]byte) ([]uint64, error)
	VendorOrdersAppend(addr [20]byte, id uint64) error
	VendorOrders(addr [20]byte) ([]uint64, error)

	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine wires the marketplace escrow business logic with external state, the
// payment token and an event emitter. Entry points are serialized behind a
// single mutex: outside a chain's transaction ordering the engine has to
// provide the equivalent guarantee itself, so two withdrawals against the
// same order can never interleave.
type Engine struct {
	mu                 sync.Mutex
	state              State
	token              PaymentToken
	emitter            events.Emitter
	vault              [20]byte
	fulfillmentPeriod  int64
	verificationPeriod int64
	deploymentFee      *big.Int
	nowFn              func() int64
}

// NewEngine creates a marketplace engine with a no-op emitter and default
// period parameters. Callers configure state, token and vault before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:            events.NoopEmitter{},
		fulfillmentPeriod:  DefaultFulfillmentPeriod,
		verificationPeriod: DefaultVerificationPeriod,
		deploymentFee:      big.NewInt(0),
		nowFn:              func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetToken configures the payment token all escrow transfers move through.
func (e *Engine) SetToken(token PaymentToken) { e.token = token }

// SetVault configures the address holding escrowed funds for every order.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// Vault returns the escrow vault address.
func (e *Engine) Vault() [20]byte { return e.vault }

// SetFulfillmentPeriod overrides the unfulfilled-order grace window, in
// seconds. Non-positive values reset the default.
func (e *Engine) SetFulfillmentPeriod(seconds int64) {
	if seconds <= 0 {
		e.fulfillmentPeriod = DefaultFulfillmentPeriod
		return
	}
	e.fulfillmentPeriod = seconds
}

// SetVerificationPeriod overrides the post-fulfilment grace window, in
// seconds. Non-positive values reset the default.
func (e *Engine) SetVerificationPeriod(seconds int64) {
	if seconds <= 0 {
		e.verificationPeriod = DefaultVerificationPeriod
		return
	}
	e.verificationPeriod = seconds
}

// SetDeploymentFee configures the flat fee drawn by the vendor at
// fulfilment time. Nil or negative resets it to zero.
func (e *Engine) SetDeploymentFee(fee *big.Int) {
	if fee == nil || fee.Sign() <= 0 {
		e.deploymentFee = big.NewInt(0)
		return
	}
	e.deploymentFee = new(big.Int).Set(fee)
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.token == nil {
		return errNilToken
	}
	return nil
}

func (e *Engine) loadOffer(id uint64) (*Offer, error) {
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer, nil
}

func (e *Engine) loadOrder(id uint64) (*Order, error) {
	order, ok := e.state.OrderGet(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// CreateOffer publishes a new service listing owned by the vendor and
// returns it with its assigned sequential id.
func (e *Engine) CreateOffer(vendor [20]byte, pricePerMonth *big.Int, remainingUnits uint64, metadata string) (*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	offer, err := SanitizeOffer(&Offer{
		Vendor:         vendor,
		PricePerMonth:  pricePerMonth,
		RemainingUnits: remainingUnits,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}
	id, err := e.state.NextOfferID()
	if err != nil {
		return nil, err
	}
	offer.ID = id
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewOfferCreatedEvent(offer))
	return offer.Clone(), nil
}

// SetOfferRemainingUnits overwrites the offer's capacity counter. Only the
// offer's vendor may adjust it; the counter is advisory and is not checked
// against outstanding orders.
func (e *Engine) SetOfferRemainingUnits(caller [20]byte, offerID, remainingUnits uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Vendor != caller {
		return ErrUnauthorized
	}
	offer.RemainingUnits = remainingUnits
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	e.emit(NewOfferUpdatedEvent(offer))
	return nil
}

// CreateOrder escrows initialCommitment billing periods against the offer and
// opens a new order for the client. The deposit is pulled from the client via
// the token's delegated-transfer path, so the client must have granted the
// vault an allowance beforehand.
func (e *Engine) CreateOrder(client [20]byte, offerID uint64, initialCommitment uint64, metadata string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return nil, err
	}
	deposit := new(big.Int).Mul(offer.PricePerMonth, new(big.Int).SetUint64(initialCommitment))
	if deposit.Sign() > 0 {
		if err := e.token.TransferFrom(e.vault, client, e.vault, deposit); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	id, err := e.state.NextOrderID()
	if err != nil {
		return nil, err
	}
	order := &Order{
		ID:        id,
		Client:    client,
		OfferID:   offerID,
		Balance:   deposit,
		CreatedAt: e.now(),
		Metadata:  metadata,
	}
	if err := e.state.OrderPut(order); err != nil {
		return nil, err
	}
	if err := e.state.ClientOrdersAppend(client, id); err != nil {
		return nil, err
	}
	if err := e.state.VendorOrdersAppend(offer.Vendor, id); err != nil {
		return nil, err
	}
	e.emit(NewOrderCreatedEvent(offer.Vendor, order))
	return order.Clone(), nil
}

// FulfillOrder marks the order as provisioned, records the vendor-authored
// deployment metadata and starts the billing clock. The flat deployment fee
// is drawn from the order balance immediately, which is why LastWithdrawal
// starts at fulfilment time rather than order creation. Fulfilment happens
// exactly once.
func (e *Engine) FulfillOrder(caller [20]byte, orderID uint64, deploymentMetadata string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	order, err := e.loadOrder(orderID)
	if err != nil {
		return err
	}
	offer, err := e.loadOffer(order.OfferID)
	if err != nil {
		return err
	}
	if offer.Vendor != caller {
		return ErrUnauthorized
	}
	if order.Terminated() {
		return ErrAlreadyTerminated
	}
	if order.Fulfilled() {
		return ErrAlreadyFulfilled
	}
	now := e.now()
	fee := new(big.Int).Set(e.deploymentFee)
	if fee.Cmp(order.Balance) > 0 {
		fee.Set(order.Balance)
	}
	if fee.Sign() > 0 {
		if err := e.token.Transfer(e.vault, offer.Vendor, fee); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		order.Balance = new(big.Int).Sub(order.Balance, fee)
	}
	order.FulfilledAt = now
	order.LastWithdrawal = now
	order.DeploymentMetadata = deploymentMetadata
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	e.emit(NewOrderFulfilledEvent(offer.Vendor, order))
	return nil
}

// Deposit tops up the order's escrowed balance. Deposits against a
// terminated order fail; the deposit path is otherwise open to any funded
// caller, matching the observed contract behaviour.
func (e *Engine) Deposit(caller [20]byte, orderID uint64, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("marketplace: deposit amount must be positive")
	}
	order, err := e.loadOrder(orderID)
	if err != nil {
		return err
	}
	if order.Terminated() {
		return ErrAlreadyTerminated
	}
	if err := e.token.TransferFrom(e.vault, caller, e.vault, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	order.Balance = new(big.Int).Add(order.Balance, amount)
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	e.emit(NewDepositEvent(order, amount))
	return nil
}

// Withdraw pays out part of the vendor's accrued entitlement. Draws are
// blocked until the verification period after fulfilment has elapsed, and
// can never exceed what the accrual split currently owes the vendor.
func (e *Engine) Withdraw(caller [20]byte, orderID uint64, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("marketplace: withdrawal amount must be positive")
	}
	order, err := e.loadOrder(orderID)
	if err != nil {
		return err
	}
	offer, err := e.loadOffer(order.OfferID)
	if err != nil {
		return err
	}
	if offer.Vendor != caller {
		return ErrUnauthorized
	}
	if order.Terminated() {
		return ErrAlreadyTerminated
	}
	now := e.now()
	if !order.Fulfilled() || now < order.FulfilledAt+e.verificationPeriod {
		return ErrTooEarly
	}
	vendorShare, _ := splitBalance(order, offer.PricePerMonth, now)
	if amount.Cmp(vendorShare) > 0 {
		return ErrInsufficientBalance
	}
	if err := e.token.Transfer(e.vault, offer.Vendor, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	order.Balance = new(big.Int).Sub(order.Balance, amount)
	order.LastWithdrawal = now
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	e.emit(NewWithdrawalEvent(offer.Vendor, order, amount))
	return nil
}

// TerminateOrder settles the remaining balance and closes the order for
// good. Either side may terminate a fulfilled order, splitting the balance
// by accrual. An unfulfilled order refunds the client in full, but the
// client must wait out the fulfilment period before pulling the plug
// unilaterally.
func (e *Engine) TerminateOrder(caller [20]byte, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	order, err := e.loadOrder(orderID)
	if err != nil {
		return err
	}
	offer, err := e.loadOffer(order.OfferID)
	if err != nil {
		return err
	}
	if caller != order.Client && caller != offer.Vendor {
		return ErrUnauthorized
	}
	if order.Terminated() {
		return ErrAlreadyTerminated
	}
	now := e.now()
	if !order.Fulfilled() && caller == order.Client && now < order.CreatedAt+e.fulfillmentPeriod {
		return ErrTooEarly
	}
	vendorShare, clientShare := splitBalance(order, offer.PricePerMonth, now)
	if vendorShare.Sign() > 0 {
		if err := e.token.Transfer(e.vault, offer.Vendor, vendorShare); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if clientShare.Sign() > 0 {
		if err := e.token.Transfer(e.vault, order.Client, clientShare); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	order.Balance = big.NewInt(0)
	order.TerminatedAt = now
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	e.emit(NewOrderTerminatedEvent(offer.Vendor, order))
	return nil
}

// BalanceOf reports the party's current entitlement against the order:
// the vendor's time-accrued share or the client's refundable remainder.
// Unrelated parties are entitled to nothing. The call mutates no state and
// its vendor share is non-decreasing in time between mutations.
func (e *Engine) BalanceOf(party [20]byte, orderID uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, err := e.loadOrder(orderID)
	if err != nil {
		return nil, err
	}
	offer, err := e.loadOffer(order.OfferID)
	if err != nil {
		return nil, err
	}
	vendorShare, clientShare := splitBalance(order, offer.PricePerMonth, e.now())
	switch party {
	case offer.Vendor:
		return vendorShare, nil
	case order.Client:
		return clientShare, nil
	default:
		return big.NewInt(0), nil
	}
}

// GetOffer returns a copy of the offer.
func (e *Engine) GetOffer(offerID uint64) (*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// GetOrder returns a copy of the order.
func (e *Engine) GetOrder(orderID uint64) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, err := e.loadOrder(orderID)
	if err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// OfferCount reports how many offers have been published.
func (e *Engine) OfferCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return 0
	}
	return e.state.OfferCount()
}

// OrderCount reports how many orders have been opened.
func (e *Engine) OrderCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return 0
	}
	return e.state.OrderCount()
}

// ClientOrders lists the ids of every order the address has opened, oldest
// first.
func (e *Engine) ClientOrders(addr [20]byte) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ClientOrders(addr)
}

// VendorOrders lists the ids of every order placed against the vendor's
// offers, oldest first.
func (e *Engine) VendorOrders(addr [20]byte) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.VendorOrders(addr)
}
