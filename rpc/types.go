package rpc

import "encoding/json"

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeNotFound       = -32004
	codeInvalidState   = -32010
	codeRateLimited    = -32020
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// OfferResult is the read-model projection of an offer returned over RPC.
type OfferResult struct {
	ID             uint64 `json:"id"`
	Vendor         string `json:"vendor"`
	PricePerMonth  string `json:"pricePerMonth"`
	RemainingUnits uint64 `json:"remainingUnits"`
	Metadata       string `json:"metadata"`
}

// OrderResult is the read-model projection of an order returned over RPC.
// Metadata fields stay opaque strings: the node never interprets them.
type OrderResult struct {
	ID                 uint64 `json:"id"`
	Client             string `json:"client"`
	OfferID            uint64 `json:"offerId"`
	Balance            string `json:"balance"`
	CreatedAt          int64  `json:"createdAt"`
	FulfilledAt        int64  `json:"fulfilledAt,omitempty"`
	TerminatedAt       int64  `json:"terminatedAt,omitempty"`
	LastWithdrawal     int64  `json:"lastWithdrawal,omitempty"`
	Metadata           string `json:"metadata"`
	DeploymentMetadata string `json:"deploymentMetadata,omitempty"`
}

// BalanceResult reports a party's current entitlement against an order.
type BalanceResult struct {
	OrderID uint64 `json:"orderId"`
	Party   string `json:"party"`
	Amount  string `json:"amount"`
}

// OrderListResult enumerates order ids for one side of the marketplace.
type OrderListResult struct {
	Address  string   `json:"address"`
	OrderIDs []uint64 `json:"orderIds"`
}

// CountResult wraps the offer or order arena size.
type CountResult struct {
	Count uint64 `json:"count"`
}

// TokenBalanceResult reports a plain token balance.
type TokenBalanceResult struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}
