package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"rollmarket/crypto"
	"rollmarket/native/marketplace"
)

type handlerFunc func(params []json.RawMessage) (interface{}, *RPCError)

var mutatingMethods = map[string]bool{
	"market_createOffer":            true,
	"market_setOfferRemainingUnits": true,
	"market_createOrder":            true,
	"market_fulfillOrder":           true,
	"market_terminateOrder":         true,
	"market_deposit":                true,
	"market_withdraw":               true,
	"market_mint":                   true,
	"market_approve":                true,
}

func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"market_createOffer":            s.handleCreateOffer,
		"market_setOfferRemainingUnits": s.handleSetOfferRemainingUnits,
		"market_createOrder":            s.handleCreateOrder,
		"market_fulfillOrder":           s.handleFulfillOrder,
		"market_terminateOrder":         s.handleTerminateOrder,
		"market_deposit":                s.handleDeposit,
		"market_withdraw":               s.handleWithdraw,
		"market_mint":                   s.handleMint,
		"market_approve":                s.handleApprove,
		"market_getOffer":               s.handleGetOffer,
		"market_getOrder":               s.handleGetOrder,
		"market_offerCount":             s.handleOfferCount,
		"market_orderCount":             s.handleOrderCount,
		"market_balanceOf":              s.handleBalanceOf,
		"market_getClientOrders":        s.handleClientOrders,
		"market_getVendorOrders":        s.handleVendorOrders,
		"market_tokenBalance":           s.handleTokenBalance,
		"market_listEvents":             s.handleListEvents,
	}
}

func decodeParams(params []json.RawMessage, out interface{}) *RPCError {
	if len(params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "expected a single parameter object"}
	}
	if err := json.Unmarshal(params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

func parseAddress(field, value string) ([20]byte, *RPCError) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("%s is required", field)}
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid %s", field), Data: err.Error()}
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseAmount(field, value string) (*big.Int, *RPCError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("%s must be a non-negative base-unit integer", field)}
	}
	return amount, nil
}

func offerResult(o *marketplace.Offer) *OfferResult {
	return &OfferResult{
		ID:             o.ID,
		Vendor:         crypto.NewAddress(crypto.MarketPrefix, o.Vendor[:]).String(),
		PricePerMonth:  o.PricePerMonth.String(),
		RemainingUnits: o.RemainingUnits,
		Metadata:       o.Metadata,
	}
}

func orderResult(o *marketplace.Order) *OrderResult {
	return &OrderResult{
		ID:                 o.ID,
		Client:             crypto.NewAddress(crypto.MarketPrefix, o.Client[:]).String(),
		OfferID:            o.OfferID,
		Balance:            o.Balance.String(),
		CreatedAt:          o.CreatedAt,
		FulfilledAt:        o.FulfilledAt,
		TerminatedAt:       o.TerminatedAt,
		LastWithdrawal:     o.LastWithdrawal,
		Metadata:           o.Metadata,
		DeploymentMetadata: o.DeploymentMetadata,
	}
}

type createOfferParams struct {
	Vendor         string `json:"vendor"`
	PricePerMonth  string `json:"pricePerMonth"`
	RemainingUnits uint64 `json:"remainingUnits"`
	Metadata       string `json:"metadata"`
}

func (s *Server) handleCreateOffer(params []json.RawMessage) (interface{}, *RPCError) {
	var p createOfferParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	vendor, rpcErr := parseAddress("vendor", p.Vendor)
	if rpcErr != nil {
		return nil, rpcErr
	}
	price, rpcErr := parseAmount("pricePerMonth", p.PricePerMonth)
	if rpcErr != nil {
		return nil, rpcErr
	}
	offer, err := s.engine.CreateOffer(vendor, price, p.RemainingUnits, p.Metadata)
	if err != nil {
		return nil, engineError(err)
	}
	return offerResult(offer), nil
}

type setRemainingUnitsParams struct {
	Caller         string `json:"caller"`
	OfferID        uint64 `json:"offerId"`
	RemainingUnits uint64 `json:"remainingUnits"`
}

func (s *Server) handleSetOfferRemainingUnits(params []json.RawMessage) (interface{}, *RPCError) {
	var p setRemainingUnitsParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.SetOfferRemainingUnits(caller, p.OfferID, p.RemainingUnits); err != nil {
		return nil, engineError(err)
	}
	offer, err := s.engine.GetOffer(p.OfferID)
	if err != nil {
		return nil, engineError(err)
	}
	return offerResult(offer), nil
}

type createOrderParams struct {
	Client            string `json:"client"`
	OfferID           uint64 `json:"offerId"`
	InitialCommitment uint64 `json:"initialCommitment"`
	Metadata          string `json:"metadata"`
}

func (s *Server) handleCreateOrder(params []json.RawMessage) (interface{}, *RPCError) {
	var p createOrderParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	client, rpcErr := parseAddress("client", p.Client)
	if rpcErr != nil {
		return nil, rpcErr
	}
	order, err := s.engine.CreateOrder(client, p.OfferID, p.InitialCommitment, p.Metadata)
	if err != nil {
		return nil, engineError(err)
	}
	return orderResult(order), nil
}

type fulfillOrderParams struct {
	Caller             string `json:"caller"`
	OrderID            uint64 `json:"orderId"`
	DeploymentMetadata string `json:"deploymentMetadata"`
}

func (s *Server) handleFulfillOrder(params []json.RawMessage) (interface{}, *RPCError) {
	var p fulfillOrderParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.FulfillOrder(caller, p.OrderID, p.DeploymentMetadata); err != nil {
		return nil, engineError(err)
	}
	order, err := s.engine.GetOrder(p.OrderID)
	if err != nil {
		return nil, engineError(err)
	}
	return orderResult(order), nil
}

type terminateOrderParams struct {
	Caller  string `json:"caller"`
	OrderID uint64 `json:"orderId"`
}

func (s *Server) handleTerminateOrder(params []json.RawMessage) (interface{}, *RPCError) {
	var p terminateOrderParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.TerminateOrder(caller, p.OrderID); err != nil {
		return nil, engineError(err)
	}
	order, err := s.engine.GetOrder(p.OrderID)
	if err != nil {
		return nil, engineError(err)
	}
	return orderResult(order), nil
}

type adjustBalanceParams struct {
	Caller  string `json:"caller"`
	OrderID uint64 `json:"orderId"`
	Amount  string `json:"amount"`
}

func (s *Server) handleDeposit(params []json.RawMessage) (interface{}, *RPCError) {
	var p adjustBalanceParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Deposit(caller, p.OrderID, amount); err != nil {
		return nil, engineError(err)
	}
	order, err := s.engine.GetOrder(p.OrderID)
	if err != nil {
		return nil, engineError(err)
	}
	return orderResult(order), nil
}

func (s *Server) handleWithdraw(params []json.RawMessage) (interface{}, *RPCError) {
	var p adjustBalanceParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", p.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Withdraw(caller, p.OrderID, amount); err != nil {
		return nil, engineError(err)
	}
	order, err := s.engine.GetOrder(p.OrderID)
	if err != nil {
		return nil, engineError(err)
	}
	return orderResult(order), nil
}

type mintParams struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleMint(params []json.RawMessage) (interface{}, *RPCError) {
	var p mintParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := parseAddress("to", p.To)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.token.Mint(to, amount); err != nil {
		return nil, engineError(err)
	}
	balance, err := s.token.BalanceOf(to)
	if err != nil {
		return nil, engineError(err)
	}
	return &TokenBalanceResult{Address: p.To, Amount: balance.String()}, nil
}

type approveParams struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// handleApprove grants the escrow vault an allowance against the owner. The
// vault is the only spender the marketplace pulls delegated transfers
// through, so the spender is implicit.
func (s *Server) handleApprove(params []json.RawMessage) (interface{}, *RPCError) {
	var p approveParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	owner, rpcErr := parseAddress("owner", p.Owner)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.token.Approve(owner, s.engine.Vault(), amount); err != nil {
		return nil, engineError(err)
	}
	allowance, err := s.token.Allowance(owner, s.engine.Vault())
	if err != nil {
		return nil, engineError(err)
	}
	return &TokenBalanceResult{Address: p.Owner, Amount: allowance.String()}, nil
}

type idParams struct {
	ID uint64 `json:"id"`
}

func (s *Server) handleGetOffer(params []json.RawMessage) (interface{}, *RPCError) {
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	offer, err := s.engine.GetOffer(p.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return offerResult(offer), nil
}

func (s *Server) handleGetOrder(params []json.RawMessage) (interface{}, *RPCError) {
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	order, err := s.engine.GetOrder(p.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return orderResult(order), nil
}

func (s *Server) handleOfferCount(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) != 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "no parameters expected"}
	}
	return &CountResult{Count: s.engine.OfferCount()}, nil
}

func (s *Server) handleOrderCount(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) != 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "no parameters expected"}
	}
	return &CountResult{Count: s.engine.OrderCount()}, nil
}

type balanceOfParams struct {
	Party   string `json:"party"`
	OrderID uint64 `json:"orderId"`
}

func (s *Server) handleBalanceOf(params []json.RawMessage) (interface{}, *RPCError) {
	var p balanceOfParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	party, rpcErr := parseAddress("party", p.Party)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, err := s.engine.BalanceOf(party, p.OrderID)
	if err != nil {
		return nil, engineError(err)
	}
	return &BalanceResult{OrderID: p.OrderID, Party: p.Party, Amount: amount.String()}, nil
}

type addressParams struct {
	Address string `json:"address"`
}

func (s *Server) handleClientOrders(params []json.RawMessage) (interface{}, *RPCError) {
	var p addressParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress("address", p.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ids, err := s.engine.ClientOrders(addr)
	if err != nil {
		return nil, engineError(err)
	}
	return &OrderListResult{Address: p.Address, OrderIDs: ids}, nil
}

func (s *Server) handleVendorOrders(params []json.RawMessage) (interface{}, *RPCError) {
	var p addressParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress("address", p.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ids, err := s.engine.VendorOrders(addr)
	if err != nil {
		return nil, engineError(err)
	}
	return &OrderListResult{Address: p.Address, OrderIDs: ids}, nil
}

func (s *Server) handleTokenBalance(params []json.RawMessage) (interface{}, *RPCError) {
	var p addressParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress("address", p.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, err := s.token.BalanceOf(addr)
	if err != nil {
		return nil, engineError(err)
	}
	return &TokenBalanceResult{Address: p.Address, Amount: balance.String()}, nil
}

type listEventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	After  uint64 `json:"after,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) handleListEvents(params []json.RawMessage) (interface{}, *RPCError) {
	var p listEventsParams
	if len(params) > 0 {
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
	}
	if s.recorder == nil {
		return nil, &RPCError{Code: codeServerError, Message: "event log not configured"}
	}
	return s.recorder.List(p.Prefix, p.After, p.Limit), nil
}
