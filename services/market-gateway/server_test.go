package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rollmarket/gateway/auth"
)

type mockNodeClient struct {
	mu               sync.Mutex
	offerResp        *OfferState
	orderResp        *OrderState
	balanceResp      *BalanceState
	orders           []uint64
	events           []NodeEvent
	err              error
	createOfferCalls int
	createOrderCalls int
	lastCreateOrder  CreateOrderRequest
}

func (m *mockNodeClient) CreateOffer(ctx context.Context, req CreateOfferRequest) (*OfferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOfferCalls++
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.offerResp
	return &resp, nil
}

func (m *mockNodeClient) SetOfferRemainingUnits(ctx context.Context, req SetRemainingUnitsRequest) (*OfferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.offerResp
	resp.RemainingUnits = req.RemainingUnits
	return &resp, nil
}

func (m *mockNodeClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOrderCalls++
	m.lastCreateOrder = req
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.orderResp
	return &resp, nil
}

func (m *mockNodeClient) FulfillOrder(ctx context.Context, req FulfillOrderRequest) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.orderResp
	return &resp, nil
}

func (m *mockNodeClient) TerminateOrder(ctx context.Context, req TerminateOrderRequest) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.orderResp
	return &resp, nil
}

func (m *mockNodeClient) Deposit(ctx context.Context, req DepositRequest) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.orderResp
	return &resp, nil
}

func (m *mockNodeClient) Withdraw(ctx context.Context, req WithdrawRequest) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.orderResp
	return &resp, nil
}

func (m *mockNodeClient) GetOffer(ctx context.Context, id uint64) (*OfferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.offerResp
	return &resp, nil
}

func (m *mockNodeClient) GetOrder(ctx context.Context, id uint64) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.orderResp
	return &resp, nil
}

func (m *mockNodeClient) BalanceOf(ctx context.Context, orderID uint64, party string) (*BalanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := *m.balanceResp
	return &resp, nil
}

func (m *mockNodeClient) OrdersByParty(ctx context.Context, party string, vendorSide bool) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]uint64(nil), m.orders...), nil
}

func (m *mockNodeClient) FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []NodeEvent
	for _, evt := range m.events {
		if evt.Sequence > afterSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

const (
	testAPIKey    = "gateway-test-key"
	testAPISecret = "gateway-test-secret"
	testJWTSecret = "gateway-jwt-secret"
)

type gatewayHarness struct {
	server *Server
	store  *SQLiteStore
	node   *mockNodeClient
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	node := &mockNodeClient{
		offerResp: &OfferState{ID: 1, Vendor: "rm1vendor", PricePerMonth: "1000", RemainingUnits: 5},
		orderResp: &OrderState{ID: 1, Client: "rm1client", OfferID: 1, Balance: "3000", CreatedAt: 100},
		balanceResp: &BalanceState{
			OrderID: 1, Party: "rm1vendor", Amount: "500",
		},
		orders: []uint64{1, 2},
	}
	cfg := &Config{
		JWTSecret:     testJWTSecret,
		RatePerSecond: 100,
		RateBurst:     100,
	}
	authenticator := auth.NewAuthenticator(map[string]string{testAPIKey: testAPISecret}, 0, 0, nil)
	server := NewServer(authenticator, node, store, NewWebhookQueue(), cfg, slog.Default())
	return &gatewayHarness{server: server, store: store, node: node}
}

func signedRequest(t *testing.T, method, target string, body []byte, idempotencyKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := fmt.Sprintf("nonce-%d", time.Now().UnixNano())
	sig := auth.ComputeSignature(testAPISecret, timestamp, nonce, method, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	return req
}

func bearerToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "reader",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestGatewayCreateOrderIdempotent(t *testing.T) {
	h := newGatewayHarness(t)
	router := h.server.Router()

	body, _ := json.Marshal(CreateOrderRequest{Client: "rm1client", OfferID: 1, InitialCommitment: 3})
	req := signedRequest(t, http.MethodPost, "/v1/orders", body, "order-key-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	first, _ := io.ReadAll(rec.Body)

	// Same key and body: the cached response comes back and the node is not
	// called a second time.
	req = signedRequest(t, http.MethodPost, "/v1/orders", body, "order-key-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected cached 201, got %d", rec.Code)
	}
	second, _ := io.ReadAll(rec.Body)
	if !bytes.Equal(first, second) {
		t.Fatalf("cached response differs: %s vs %s", first, second)
	}
	if h.node.createOrderCalls != 1 {
		t.Fatalf("expected a single node call, got %d", h.node.createOrderCalls)
	}
}

func TestGatewayIdempotencyKeyReuseConflicts(t *testing.T) {
	h := newGatewayHarness(t)
	router := h.server.Router()

	body, _ := json.Marshal(CreateOrderRequest{Client: "rm1client", OfferID: 1, InitialCommitment: 3})
	req := signedRequest(t, http.MethodPost, "/v1/orders", body, "reused-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	other, _ := json.Marshal(CreateOrderRequest{Client: "rm1client", OfferID: 2, InitialCommitment: 6})
	req = signedRequest(t, http.MethodPost, "/v1/orders", other, "reused-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for key reuse with new body, got %d", rec.Code)
	}
}

func TestGatewayRejectsMissingIdempotencyKey(t *testing.T) {
	h := newGatewayHarness(t)
	router := h.server.Router()

	body, _ := json.Marshal(CreateOfferRequest{Vendor: "rm1vendor", PricePerMonth: "1000"})
	req := signedRequest(t, http.MethodPost, "/v1/offers", body, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}
}

func TestGatewayRejectsBadSignature(t *testing.T) {
	h := newGatewayHarness(t)
	router := h.server.Router()

	body, _ := json.Marshal(CreateOfferRequest{Vendor: "rm1vendor", PricePerMonth: "1000"})
	req := signedRequest(t, http.MethodPost, "/v1/offers", body, "offer-key")
	req.Header.Set(auth.HeaderSignature, "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
	if h.node.createOfferCalls != 0 {
		t.Fatalf("node should not be called on auth failure")
	}
}

func TestGatewayReadsRequireBearerToken(t *testing.T) {
	h := newGatewayHarness(t)
	router := h.server.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/offers/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/offers/1", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
	var offer OfferState
	if err := json.Unmarshal(rec.Body.Bytes(), &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.ID != 1 || offer.PricePerMonth != "1000" {
		t.Fatalf("unexpected offer payload: %+v", offer)
	}
}

func TestGatewayMapsNodeErrors(t *testing.T) {
	h := newGatewayHarness(t)
	router := h.server.Router()
	h.node.err = &NodeError{Code: -32010, Message: "order already terminated"}

	body, _ := json.Marshal(TerminateOrderRequest{Caller: "rm1client"})
	req := signedRequest(t, http.MethodPost, "/v1/orders/1/terminate", body, "terminate-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for invalid state, got %d", rec.Code)
	}

	h.node.err = &NodeError{Code: -32004, Message: "order not found"}
	req = httptest.NewRequest(http.MethodGet, "/v1/orders/99", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing order, got %d", rec.Code)
	}
}

func TestWatcherMirrorsEventsAndAdvancesCursor(t *testing.T) {
	h := newGatewayHarness(t)
	h.node.events = []NodeEvent{
		nodeEvent(1, "market.offer.created"),
		nodeEvent(2, "market.order.created"),
	}
	queue := NewWebhookQueue()
	watcher := NewEventWatcher(h.node, h.store, queue, slog.Default(), time.Second)

	ctx := context.Background()
	last := watcher.poll(ctx, 0)
	if last != 2 {
		t.Fatalf("expected cursor 2, got %d", last)
	}
	stored, err := h.store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected persisted cursor 2, got %d", stored)
	}

	// Both events fan out to the queue.
	task, ok := queue.Dequeue(ctx)
	if !ok || task.Event.Sequence != 1 {
		t.Fatalf("expected queued event 1, got %+v ok=%v", task, ok)
	}
	task, ok = queue.Dequeue(ctx)
	if !ok || task.Event.Sequence != 2 {
		t.Fatalf("expected queued event 2, got %+v ok=%v", task, ok)
	}

	// A second poll from the stored cursor finds nothing new.
	if again := watcher.poll(ctx, last); again != 2 {
		t.Fatalf("expected cursor to stay at 2, got %d", again)
	}
}

func nodeEvent(seq uint64, eventType string) NodeEvent {
	var evt NodeEvent
	evt.Sequence = seq
	evt.Event.Type = eventType
	evt.Event.Attributes = map[string]string{"id": "1"}
	return evt
}
