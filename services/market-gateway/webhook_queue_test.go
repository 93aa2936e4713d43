package main

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newWorkerHarness(t *testing.T, webhooks []WebhookConfig) (*WebhookWorker, *WebhookQueue, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	queue := NewWebhookQueue()
	cfg := &Config{Webhooks: webhooks, WebhookRetryBackoff: 1, WebhookMaxAttempts: 2}
	worker := NewWebhookWorker(store, queue, cfg, slog.Default())
	return worker, queue, store
}

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	var payload []byte
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ = io.ReadAll(r.Body)
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	worker, queue, _ := newWorkerHarness(t, []WebhookConfig{
		{URL: target.URL, Secret: "sub-secret", EventPrefix: "market."},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{
		Sequence:   7,
		Type:       "market.order.created",
		Attributes: map[string]string{"id": "1"},
		CreatedAt:  time.Now(),
	})

	select {
	case req := <-received:
		sig := req.Header.Get("X-Webhook-Signature")
		want := signPayload("sub-secret", payload)
		if !hmac.Equal([]byte(sig), []byte(want)) {
			t.Fatalf("signature mismatch: got %s want %s", sig, want)
		}
		if req.Header.Get("X-Delivery-Id") == "" {
			t.Fatalf("missing delivery id header")
		}
		var body map[string]interface{}
		if err := json.Unmarshal(payload, &body); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if body["type"] != "market.order.created" {
			t.Fatalf("unexpected payload type: %v", body["type"])
		}
		if _, err := hex.DecodeString(sig); err != nil {
			t.Fatalf("signature is not hex: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookWorkerSkipsUnmatchedPrefix(t *testing.T) {
	var hits atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	worker, queue, _ := newWorkerHarness(t, []WebhookConfig{
		{URL: target.URL, EventPrefix: "market.order."},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{Sequence: 1, Type: "market.offer.created", CreatedAt: time.Now()})
	queue.Enqueue(WebhookEvent{Sequence: 2, Type: "market.order.created", CreatedAt: time.Now()})

	deadline := time.After(5 * time.Second)
	for hits.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("matching event was not delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Let any stray fan-out settle before asserting the filtered event never
	// reached the subscriber.
	time.Sleep(100 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestWebhookWorkerRetriesFailedDelivery(t *testing.T) {
	var attempts atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	worker, queue, _ := newWorkerHarness(t, []WebhookConfig{
		{URL: target.URL, EventPrefix: ""},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{Sequence: 3, Type: "market.deposit", CreatedAt: time.Now()})

	deadline := time.After(10 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected a retry, saw %d attempts", attempts.Load())
		case <-time.After(25 * time.Millisecond):
		}
	}
}
