package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent represents a queued webhook notification.
type WebhookEvent struct {
	Sequence   uint64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask pairs an event with the subscriber it is bound for. A task with
// a nil subscription is a fresh event still waiting for fan-out.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookConfig
	Attempt      int
	NotBefore    time.Time
}

// WebhookQueue stores webhook tasks prior to delivery.
type WebhookQueue struct {
	mu    sync.Mutex
	tasks []WebhookTask
}

func NewWebhookQueue() *WebhookQueue {
	return &WebhookQueue{}
}

// Enqueue adds an event to the queue for fan-out across subscribers.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.enqueueTask(WebhookTask{Event: evt})
}

func (q *WebhookQueue) enqueueTask(task WebhookTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

// Dequeue waits for the next webhook task. Returns false if the context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			copy(q.tasks, q.tasks[1:])
			q.tasks = q.tasks[:len(q.tasks)-1]
			q.mu.Unlock()
			if !task.NotBefore.IsZero() {
				if delay := time.Until(task.NotBefore); delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return WebhookTask{}, false
					case <-timer.C:
					}
				}
			}
			return task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return WebhookTask{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// WebhookWorker delivers queued events to external subscribers.
type WebhookWorker struct {
	store         *SQLiteStore
	queue         *WebhookQueue
	subscriptions []WebhookConfig
	client        *http.Client
	log           *slog.Logger
	retryBase     time.Duration
	maxAttempts   int
	nowFn         func() time.Time
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, cfg *Config, log *slog.Logger) *WebhookWorker {
	return &WebhookWorker{
		store:         store,
		queue:         queue,
		subscriptions: cfg.Webhooks,
		client:        &http.Client{Timeout: 10 * time.Second},
		log:           log,
		retryBase:     time.Duration(cfg.WebhookRetryBackoff) * time.Second,
		maxAttempts:   cfg.WebhookMaxAttempts,
		nowFn:         time.Now,
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *WebhookWorker) expandTask(task WebhookTask) {
	for i := range w.subscriptions {
		sub := w.subscriptions[i]
		if sub.EventPrefix != "" && !strings.HasPrefix(task.Event.Type, sub.EventPrefix) {
			continue
		}
		w.queue.enqueueTask(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	deliveryID := uuid.NewString()
	now := w.nowFn()
	body := map[string]interface{}{
		"deliveryId": deliveryID,
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordDelivery(ctx, deliveryID, task, "error", err.Error(), now)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordDelivery(ctx, deliveryID, task, "error", err.Error(), now)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, deliveryID, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, deliveryID, task, resp.Status)
		return
	}
	w.recordDelivery(ctx, deliveryID, task, "success", "", now)
}

func (w *WebhookWorker) retryLater(ctx context.Context, deliveryID string, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	w.recordDelivery(ctx, deliveryID, task, "failed", errMsg, now)
	if attemptNum >= w.maxAttempts {
		w.log.Warn("webhook delivery abandoned",
			"url", task.Subscription.URL,
			"sequence", task.Event.Sequence,
			"attempts", attemptNum)
		return
	}
	task.Attempt++
	task.NotBefore = now.Add(w.backoffDuration(attemptNum))
	w.queue.enqueueTask(task)
}

func (w *WebhookWorker) backoffDuration(attempt int) time.Duration {
	base := w.retryBase
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordDelivery(ctx context.Context, deliveryID string, task WebhookTask, status, errMsg string, now time.Time) {
	rec := DeliveryRecord{
		DeliveryID:    deliveryID,
		URL:           task.Subscription.URL,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		CreatedAt:     now,
	}
	if err := w.store.InsertDelivery(ctx, rec); err != nil {
		w.log.Warn("record webhook delivery", "error", err)
	}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
