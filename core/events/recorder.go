package events

import (
	"strings"
	"sync"

	"rollmarket/core/types"
)

// payloadEvent is implemented by events that carry a serialisable payload for
// downstream consumers.
type payloadEvent interface {
	Event() *types.Event
}

// Entry couples an emitted event payload with its position in the node's
// append-only event log.
type Entry struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Recorder retains every emitted event in order and fans entries out to live
// subscribers. It backs both the RPC event queries and the websocket stream.
type Recorder struct {
	mu      sync.RWMutex
	entries []Entry
	nextSeq uint64
	subs    map[uint64]chan Entry
	nextSub uint64
}

// NewRecorder returns an empty recorder ready for use as an Emitter.
func NewRecorder() *Recorder {
	return &Recorder{
		nextSeq: 1,
		subs:    make(map[uint64]chan Entry),
	}
}

// Emit implements the Emitter interface. Events without a payload are
// retained as type-only entries so the log stays complete.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	payload := &types.Event{Type: evt.EventType()}
	if carrier, ok := evt.(payloadEvent); ok {
		if inner := carrier.Event(); inner != nil {
			payload = inner
		}
	}
	r.mu.Lock()
	entry := Entry{Sequence: r.nextSeq, Event: payload}
	r.nextSeq++
	r.entries = append(r.entries, entry)
	subs := make([]chan Entry, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			// Slow subscribers miss live entries; they can re-sync from the
			// log via the cursor they last acknowledged.
		}
	}
}

// List returns up to limit entries whose type matches the supplied prefix and
// whose sequence is greater than afterSeq. A zero or negative limit returns
// all matching entries.
func (r *Recorder) List(prefix string, afterSeq uint64, limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.Sequence <= afterSeq {
			continue
		}
		if prefix != "" && !strings.HasPrefix(entry.Event.Type, prefix) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a live subscriber and returns the backlog of entries
// recorded after the supplied sequence cursor. The cancel function must be
// called to release the subscription.
func (r *Recorder) Subscribe(afterSeq uint64) (<-chan Entry, func(), []Entry) {
	if r == nil {
		ch := make(chan Entry)
		close(ch)
		return ch, func() {}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var backlog []Entry
	for _, entry := range r.entries {
		if entry.Sequence > afterSeq {
			backlog = append(backlog, entry)
		}
	}
	id := r.nextSub
	r.nextSub++
	ch := make(chan Entry, 64)
	r.subs[id] = ch
	cancel := func() {
		r.mu.Lock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
		r.mu.Unlock()
	}
	return ch, cancel, backlog
}
