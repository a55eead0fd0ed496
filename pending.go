package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nostr-proxy/internal/nostr"
)

type pendingKey struct {
	requestID   string
	destination string
}

// PendingRequest is a partially assembled tunneled response. Parts arrive
// out of order across relays; reassembly is by part index.
type PendingRequest struct {
	key   pendingKey
	table *PendingTable

	mu       sync.Mutex
	parts    map[uint32]*nostr.ResponseMessage
	expected uint32 // 0 until the first part arrives

	timer   *time.Timer
	w       http.ResponseWriter
	done    chan struct{}
	onClose func()
	once    sync.Once
}

// Done is closed once the entry has been finished, for any cause
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// finish tears the entry down exactly once: cancel the timer, optionally
// write a response, run the on-close hook, release the waiter
func (p *PendingRequest) finish(write func(w http.ResponseWriter)) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		if write != nil {
			write(p.w)
		}
		if p.onClose != nil {
			p.onClose()
		}
		close(p.done)
	})
}

// Fail completes the entry with a proxy-originated error status
func (p *PendingRequest) Fail(status int, message string) {
	p.table.remove(p.key)
	p.finish(func(w http.ResponseWriter) {
		http.Error(w, message, status)
	})
}

// PendingTable maps (request id, destination pubkey) to the response under
// assembly. At most one entry per key exists at any instant.
type PendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]*PendingRequest
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[pendingKey]*PendingRequest)}
}

// Register creates the entry and arms its timeout. The entry must exist
// before any publish begins so a racing response always finds it.
func (t *PendingTable) Register(requestID, destination string, w http.ResponseWriter, timeout time.Duration, onClose func()) (*PendingRequest, error) {
	key := pendingKey{requestID: requestID, destination: destination}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		return nil, fmt.Errorf("pending entry already exists for %s", requestID)
	}

	entry := &PendingRequest{
		key:     key,
		table:   t,
		parts:   make(map[uint32]*nostr.ResponseMessage),
		w:       w,
		done:    make(chan struct{}),
		onClose: onClose,
	}
	entry.timer = time.AfterFunc(timeout, func() {
		t.remove(key)
		slog.Info("request timed out", "request_id", requestID)
		entry.finish(func(w http.ResponseWriter) {
			// The client socket may already be gone; the write error
			// is irrelevant at this point
			http.Error(w, "Timed out", http.StatusInternalServerError)
		})
	})
	t.entries[key] = entry
	return entry, nil
}

// Delete removes the entry without writing a response (client disconnect,
// shutdown). The timer is cancelled and the on-close hook runs once.
func (t *PendingTable) Delete(requestID, destination string) {
	key := pendingKey{requestID: requestID, destination: destination}
	t.mu.Lock()
	entry := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()

	if entry != nil {
		entry.finish(nil)
	}
}

func (t *PendingTable) remove(key pendingKey) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Len reports the number of live entries
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// AddPart routes one validated response part to its entry. Insertion is
// idempotent on part index. When the stored count reaches the expected
// parts count the response is assembled and written, and the entry dies.
// Returns false when no entry matches (stale or unknown response).
func (t *PendingTable) AddPart(requestID, destination string, msg *nostr.ResponseMessage) bool {
	key := pendingKey{requestID: requestID, destination: destination}

	t.mu.Lock()
	entry := t.entries[key]
	t.mu.Unlock()
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	if entry.expected == 0 {
		// First arriving part fixes the expected count
		if msg.PartIndex >= msg.Parts {
			entry.mu.Unlock()
			slog.Debug("response part index out of range", "request_id", requestID,
				"part", msg.PartIndex, "parts", msg.Parts)
			return true
		}
		entry.expected = msg.Parts
	}
	if msg.PartIndex >= entry.expected {
		entry.mu.Unlock()
		slog.Debug("response part index exceeds expected count", "request_id", requestID,
			"part", msg.PartIndex, "expected", entry.expected)
		return true
	}
	if _, dup := entry.parts[msg.PartIndex]; dup {
		entry.mu.Unlock()
		return true
	}
	entry.parts[msg.PartIndex] = msg
	complete := uint32(len(entry.parts)) == entry.expected
	entry.mu.Unlock()

	if complete {
		t.remove(key)
		entry.complete()
	}
	return true
}

// complete concatenates body parts in index order and writes the HTTP
// response using part 0's status and headers
func (p *PendingRequest) complete() {
	p.mu.Lock()
	ordered := make([]string, p.expected)
	for i := uint32(0); i < p.expected; i++ {
		ordered[i] = p.parts[i].BodyBase64
	}
	first := p.parts[0]
	p.mu.Unlock()

	body, err := nostr.AssembleBody(ordered)
	if err != nil {
		slog.Warn("response body is not valid base64", "request_id", p.key.requestID, "error", err)
		p.finish(func(w http.ResponseWriter) {
			http.Error(w, "Failed", http.StatusInternalServerError)
		})
		return
	}

	p.finish(func(w http.ResponseWriter) {
		for name, value := range first.Headers {
			w.Header().Set(name, value)
		}
		w.WriteHeader(first.Status)
		if _, err := w.Write(body); err != nil {
			slog.Debug("response write failed", "request_id", p.key.requestID, "error", err)
		}
	})
}
