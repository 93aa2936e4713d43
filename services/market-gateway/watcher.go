package main

import (
	"context"
	"log/slog"
	"time"
)

// EventWatcher periodically pulls marketplace events from the node, mirrors
// them into SQLite and enqueues webhook notifications.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	log          *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, log *slog.Logger, pollInterval time.Duration) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		log:          log,
		pollInterval: pollInterval,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.log.Warn("load event cursor", "error", err)
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after uint64) uint64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, err := w.node.FetchEvents(ctx, after, batch)
	if err != nil {
		w.log.Warn("fetch events", "error", err, "after", after)
		return after
	}
	if len(events) == 0 {
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.handleEvent(ctx, evt)
		lastSeq = evt.Sequence
	}
	if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
		w.log.Warn("store event cursor", "error", err, "sequence", lastSeq)
	}
	return lastSeq
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	createdAt := w.nowFn().UTC()
	payload := make(map[string]string, len(evt.Event.Attributes))
	for k, v := range evt.Event.Attributes {
		payload[k] = v
	}
	stored := StoredEvent{
		Sequence:  evt.Sequence,
		Type:      evt.Event.Type,
		Payload:   payload,
		CreatedAt: createdAt,
	}
	if err := w.store.InsertEvent(ctx, stored); err != nil {
		w.log.Warn("mirror event", "error", err, "sequence", evt.Sequence)
	}

	w.queue.Enqueue(WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Event.Type,
		Attributes: payload,
		CreatedAt:  createdAt,
	})
}
