package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rollmarket/core/events"
	"rollmarket/crypto"
	"rollmarket/native/marketplace"
	"rollmarket/state"
	"rollmarket/storage"
)

const testAuthToken = "test-rpc-token"

type testHarness struct {
	server   *httptest.Server
	recorder *events.Recorder
	vendor   string
	client   string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	token := marketplace.NewLedgerToken(manager, 18)
	recorder := events.NewRecorder()

	engine := marketplace.NewEngine()
	engine.SetState(manager)
	engine.SetToken(token)
	engine.SetEmitter(recorder)
	var vault [20]byte
	vault[19] = 0xEE
	engine.SetVault(vault)

	srv := NewServer(engine, token, recorder, nil)
	srv.authToken = testAuthToken

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	vendorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate vendor key: %v", err)
	}
	clientKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	return &testHarness{
		server:   ts,
		recorder: recorder,
		vendor:   vendorKey.PubKey().Address().String(),
		client:   clientKey.PubKey().Address().String(),
	}
}

func (h *testHarness) call(t *testing.T, token, method string, params interface{}) *RPCResponse {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = []json.RawMessage{encoded}
	}
	payload, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.server.URL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer resp.Body.Close()
	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &rpcResp
}

func (h *testHarness) mustCall(t *testing.T, method string, params interface{}, out interface{}) {
	t.Helper()
	resp := h.call(t, testAuthToken, method, params)
	if resp.Error != nil {
		t.Fatalf("%s failed: %+v", method, resp.Error)
	}
	if out != nil {
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			t.Fatalf("re-marshal result: %v", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
}

func TestRPCOrderLifecycle(t *testing.T) {
	h := newTestHarness(t)

	h.mustCall(t, "market_mint", mintParams{To: h.client, Amount: "1000"}, nil)
	h.mustCall(t, "market_approve", approveParams{Owner: h.client, Amount: "1000"}, nil)

	var offer OfferResult
	h.mustCall(t, "market_createOffer", createOfferParams{
		Vendor:         h.vendor,
		PricePerMonth:  "100",
		RemainingUnits: 5,
		Metadata:       `{"title":"sequencer"}`,
	}, &offer)
	if offer.ID != 1 || offer.Vendor != h.vendor {
		t.Fatalf("unexpected offer result %+v", offer)
	}

	var order OrderResult
	h.mustCall(t, "market_createOrder", createOrderParams{
		Client:            h.client,
		OfferID:           offer.ID,
		InitialCommitment: 2,
		Metadata:          `{"name":"rollup-one"}`,
	}, &order)
	if order.Balance != "200" {
		t.Fatalf("expected escrowed balance 200, got %s", order.Balance)
	}

	var fulfilled OrderResult
	h.mustCall(t, "market_fulfillOrder", fulfillOrderParams{
		Caller:             h.vendor,
		OrderID:            order.ID,
		DeploymentMetadata: `{"rpc":"https://rpc.example","chainId":42}`,
	}, &fulfilled)
	if fulfilled.FulfilledAt == 0 || fulfilled.DeploymentMetadata == "" {
		t.Fatalf("fulfilment not recorded: %+v", fulfilled)
	}

	var balance BalanceResult
	h.mustCall(t, "market_balanceOf", balanceOfParams{Party: h.client, OrderID: order.ID}, &balance)
	if balance.Amount != "200" {
		t.Fatalf("expected client entitlement 200 immediately after fulfilment, got %s", balance.Amount)
	}

	var clientOrders OrderListResult
	h.mustCall(t, "market_getClientOrders", addressParams{Address: h.client}, &clientOrders)
	if len(clientOrders.OrderIDs) != 1 || clientOrders.OrderIDs[0] != order.ID {
		t.Fatalf("client order index wrong: %+v", clientOrders)
	}

	var counts CountResult
	h.mustCall(t, "market_orderCount", nil, &counts)
	if counts.Count != 1 {
		t.Fatalf("expected order count 1, got %d", counts.Count)
	}

	var entries []events.Entry
	h.mustCall(t, "market_listEvents", listEventsParams{Prefix: "market.order."}, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected order created + fulfilled events, got %d", len(entries))
	}
}

func TestRPCMutatingMethodsRequireAuth(t *testing.T) {
	h := newTestHarness(t)
	resp := h.call(t, "", "market_createOffer", createOfferParams{Vendor: h.vendor, PricePerMonth: "1"})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", resp.Error)
	}

	resp = h.call(t, "wrong-token", "market_mint", mintParams{To: h.client, Amount: "1"})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error for bad token, got %+v", resp.Error)
	}
}

func TestRPCReadMethodsAreOpen(t *testing.T) {
	h := newTestHarness(t)
	h.mustCall(t, "market_createOffer", createOfferParams{Vendor: h.vendor, PricePerMonth: "10"}, nil)

	resp := h.call(t, "", "market_getOffer", idParams{ID: 1})
	if resp.Error != nil {
		t.Fatalf("read method must not require auth: %+v", resp.Error)
	}
	resp = h.call(t, "", "market_offerCount", nil)
	if resp.Error != nil {
		t.Fatalf("offerCount must not require auth: %+v", resp.Error)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	h := newTestHarness(t)

	resp := h.call(t, testAuthToken, "market_getOffer", idParams{ID: 42})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("expected not-found code, got %+v", resp.Error)
	}

	resp = h.call(t, testAuthToken, "market_createOffer", createOfferParams{Vendor: "not-an-address", PricePerMonth: "1"})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params code, got %+v", resp.Error)
	}

	resp = h.call(t, testAuthToken, "market_unknown", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found code, got %+v", resp.Error)
	}

	// Client termination inside the fulfilment window maps to invalid state.
	h.mustCall(t, "market_createOffer", createOfferParams{Vendor: h.vendor, PricePerMonth: "10"}, nil)
	h.mustCall(t, "market_mint", mintParams{To: h.client, Amount: "100"}, nil)
	h.mustCall(t, "market_approve", approveParams{Owner: h.client, Amount: "100"}, nil)
	var order OrderResult
	h.mustCall(t, "market_createOrder", createOrderParams{Client: h.client, OfferID: 1, InitialCommitment: 1}, &order)
	resp = h.call(t, testAuthToken, "market_terminateOrder", terminateOrderParams{Caller: h.client, OrderID: order.ID})
	if resp.Error == nil || resp.Error.Code != codeInvalidState {
		t.Fatalf("expected invalid-state code, got %+v", resp.Error)
	}
}

func TestRPCRejectsMalformedEnvelope(t *testing.T) {
	h := newTestHarness(t)
	resp, err := http.Post(h.server.URL, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", rpcResp.Error)
	}

	payload := `{"jsonrpc":"1.0","method":"market_offerCount","id":1}`
	resp2, err := http.Post(h.server.URL, "application/json", bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	var rpcResp2 RPCResponse
	if err := json.NewDecoder(resp2.Body).Decode(&rpcResp2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcResp2.Error == nil || rpcResp2.Error.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", rpcResp2.Error)
	}
}
