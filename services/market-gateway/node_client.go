package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	CreateOffer(ctx context.Context, req CreateOfferRequest) (*OfferState, error)
	SetOfferRemainingUnits(ctx context.Context, req SetRemainingUnitsRequest) (*OfferState, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderState, error)
	FulfillOrder(ctx context.Context, req FulfillOrderRequest) (*OrderState, error)
	TerminateOrder(ctx context.Context, req TerminateOrderRequest) (*OrderState, error)
	Deposit(ctx context.Context, req DepositRequest) (*OrderState, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (*OrderState, error)
	GetOffer(ctx context.Context, id uint64) (*OfferState, error)
	GetOrder(ctx context.Context, id uint64) (*OrderState, error)
	BalanceOf(ctx context.Context, orderID uint64, party string) (*BalanceState, error)
	OrdersByParty(ctx context.Context, party string, vendorSide bool) ([]uint64, error)
	FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, error)
}

// RPCNodeClient implements NodeClient against the rollmarket JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeError surfaces JSON-RPC error codes so HTTP handlers can translate them.
type NodeError struct {
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCNodeClient) CreateOffer(ctx context.Context, req CreateOfferRequest) (*OfferState, error) {
	var result OfferState
	if err := c.call(ctx, "market_createOffer", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) SetOfferRemainingUnits(ctx context.Context, req SetRemainingUnitsRequest) (*OfferState, error) {
	var result OfferState
	if err := c.call(ctx, "market_setOfferRemainingUnits", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "market_createOrder", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) FulfillOrder(ctx context.Context, req FulfillOrderRequest) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "market_fulfillOrder", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) TerminateOrder(ctx context.Context, req TerminateOrderRequest) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "market_terminateOrder", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Deposit(ctx context.Context, req DepositRequest) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "market_deposit", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Withdraw(ctx context.Context, req WithdrawRequest) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "market_withdraw", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetOffer(ctx context.Context, id uint64) (*OfferState, error) {
	var result OfferState
	if err := c.call(ctx, "market_getOffer", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetOrder(ctx context.Context, id uint64) (*OrderState, error) {
	var result OrderState
	if err := c.call(ctx, "market_getOrder", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BalanceOf(ctx context.Context, orderID uint64, party string) (*BalanceState, error) {
	params := map[string]interface{}{"orderId": orderID, "party": party}
	var result BalanceState
	if err := c.call(ctx, "market_balanceOf", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) OrdersByParty(ctx context.Context, party string, vendorSide bool) ([]uint64, error) {
	method := "market_getClientOrders"
	if vendorSide {
		method = "market_getVendorOrders"
	}
	params := map[string]string{"address": party}
	var result OrderListState
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, error) {
	params := map[string]interface{}{"after": afterSeq}
	if limit > 0 {
		params["limit"] = limit
	}
	var result []NodeEvent
	if err := c.call(ctx, "market_listEvents", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// CreateOfferRequest is the request payload accepted by the gateway.
type CreateOfferRequest struct {
	Vendor         string `json:"vendor"`
	PricePerMonth  string `json:"pricePerMonth"`
	RemainingUnits uint64 `json:"remainingUnits"`
	Metadata       string `json:"metadata,omitempty"`
}

// SetRemainingUnitsRequest adjusts the advertised capacity of an offer.
type SetRemainingUnitsRequest struct {
	Caller         string `json:"caller"`
	OfferID        uint64 `json:"offerId"`
	RemainingUnits uint64 `json:"remainingUnits"`
}

// CreateOrderRequest opens a subscription order against an offer.
type CreateOrderRequest struct {
	Client            string `json:"client"`
	OfferID           uint64 `json:"offerId"`
	InitialCommitment uint64 `json:"initialCommitment"`
	Metadata          string `json:"metadata,omitempty"`
}

// FulfillOrderRequest marks an order deployed by its vendor.
type FulfillOrderRequest struct {
	Caller             string `json:"caller"`
	OrderID            uint64 `json:"orderId"`
	DeploymentMetadata string `json:"deploymentMetadata,omitempty"`
}

// TerminateOrderRequest closes an order from either side.
type TerminateOrderRequest struct {
	Caller  string `json:"caller"`
	OrderID uint64 `json:"orderId"`
}

// DepositRequest tops up an order's escrow balance.
type DepositRequest struct {
	Caller  string `json:"caller"`
	OrderID uint64 `json:"orderId"`
	Amount  string `json:"amount"`
}

// WithdrawRequest pays accrued funds out to the vendor.
type WithdrawRequest struct {
	Caller  string `json:"caller"`
	OrderID uint64 `json:"orderId"`
	Amount  string `json:"amount"`
}

// OfferState mirrors the JSON returned by the node for market_getOffer.
type OfferState struct {
	ID             uint64 `json:"id"`
	Vendor         string `json:"vendor"`
	PricePerMonth  string `json:"pricePerMonth"`
	RemainingUnits uint64 `json:"remainingUnits"`
	Metadata       string `json:"metadata,omitempty"`
}

// OrderState mirrors the JSON returned by the node for market_getOrder.
type OrderState struct {
	ID                 uint64 `json:"id"`
	Client             string `json:"client"`
	OfferID            uint64 `json:"offerId"`
	Balance            string `json:"balance"`
	CreatedAt          int64  `json:"createdAt"`
	FulfilledAt        int64  `json:"fulfilledAt,omitempty"`
	TerminatedAt       int64  `json:"terminatedAt,omitempty"`
	LastWithdrawal     int64  `json:"lastWithdrawal,omitempty"`
	Metadata           string `json:"metadata,omitempty"`
	DeploymentMetadata string `json:"deploymentMetadata,omitempty"`
}

// BalanceState mirrors the node's market_balanceOf result.
type BalanceState struct {
	OrderID uint64 `json:"orderId"`
	Party   string `json:"party"`
	Amount  string `json:"amount"`
}

// OrderListState mirrors the node's order index results.
type OrderListState struct {
	Address string   `json:"address"`
	Orders  []uint64 `json:"orderIds"`
}

// NodeEvent represents an entry from the node's append-only event log.
type NodeEvent struct {
	Sequence uint64 `json:"sequence"`
	Event    struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}
