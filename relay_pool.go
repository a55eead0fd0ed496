package main

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nostr-proxy/internal/nostr"
)

// hintEntry is one opportunistically opened relay from an nprofile hint.
// Pinned request ids keep it alive until those requests finish.
type hintEntry struct {
	conn *RelayConn
	pins map[string]struct{}
}

// RelayPool multiplexes the fixed initial relays and a bounded MRU list of
// hint relays. All publishes and subscriptions go through the pool; nothing
// else holds a connection by reference.
type RelayPool struct {
	proxyPubkey string
	maxCached   int
	onEvent     EventHandler
	alreadyHave func(id string) bool

	mu          sync.Mutex
	initial     []*RelayConn
	initialURLs map[string]struct{}
	cached      []*hintEntry // index 0 is LRU, tail is MRU
	since       int64
	closed      bool

	publishOK     atomic.Int64
	publishFailed atomic.Int64
}

// NewRelayPool connects to every initial relay and opens the shared tunnel
// subscription on each. URLs must already be normalized and de-duplicated.
func NewRelayPool(urls []string, maxCached int, proxyPubkey string, since int64, onEvent EventHandler, alreadyHave func(string) bool) *RelayPool {
	p := &RelayPool{
		proxyPubkey: proxyPubkey,
		maxCached:   maxCached,
		onEvent:     onEvent,
		alreadyHave: alreadyHave,
		initialURLs: make(map[string]struct{}, len(urls)),
		since:       since,
	}
	for _, url := range urls {
		p.initialURLs[url] = struct{}{}
		p.initial = append(p.initial, NewRelayConn(url, proxyPubkey, since, onEvent, alreadyHave))
	}
	return p
}

// InitialURLs returns the fixed relay set in startup order
func (p *RelayPool) InitialURLs() []string {
	urls := make([]string, 0, len(p.initial))
	for _, rc := range p.initial {
		urls = append(urls, rc.URL)
	}
	return urls
}

// HasInitial reports whether url is one of the fixed relays
func (p *RelayPool) HasInitial(url string) bool {
	_, ok := p.initialURLs[url]
	return ok
}

// CachedURLs returns the hint relay URLs, LRU first
func (p *RelayPool) CachedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.cached))
	for _, entry := range p.cached {
		urls = append(urls, entry.conn.URL)
	}
	return urls
}

// ConnectedCount reports how many initial relays are Open
func (p *RelayPool) ConnectedCount() int {
	count := 0
	for _, rc := range p.initial {
		if rc.State() == StateOpen {
			count++
		}
	}
	return count
}

// Publish fans one event out to every initial relay and every cached hint
// relay, awaiting each. Per-relay failures are logged and never retried.
// Returns the number of publishes that completed without error.
func (p *RelayPool) Publish(evt *nostr.Event) int {
	p.mu.Lock()
	conns := make([]*RelayConn, 0, len(p.initial)+len(p.cached))
	conns = append(conns, p.initial...)
	for _, entry := range p.cached {
		conns = append(conns, entry.conn)
	}
	p.mu.Unlock()

	succeeded := 0
	for _, rc := range conns {
		if err := rc.Publish(evt); err != nil {
			p.publishFailed.Add(1)
			slog.Warn("publish failed", "relay", rc.URL, "event_id", nostr.ShortID(evt.ID), "error", err)
			continue
		}
		p.publishOK.Add(1)
		succeeded++
	}
	return succeeded
}

// TouchHint marks a hint relay as most recently used and pins requestID to
// it. An unknown URL gets a fresh connection with the shared subscription.
// URLs duplicating an initial relay are ignored; the caller normally
// filters them already.
func (p *RelayPool) TouchHint(url, requestID string) {
	if _, isInitial := p.initialURLs[url]; isInitial {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	for i, entry := range p.cached {
		if entry.conn.URL != url {
			continue
		}
		// Move to MRU position
		p.cached = append(append(p.cached[:i], p.cached[i+1:]...), entry)
		entry.pins[requestID] = struct{}{}
		return
	}

	slog.Info("opening hint relay", "relay", url, "request_id", requestID)
	entry := &hintEntry{
		conn: NewRelayConn(url, p.proxyPubkey, p.since, p.onEvent, p.alreadyHave),
		pins: map[string]struct{}{requestID: {}},
	}
	p.cached = append(p.cached, entry)
	p.evictLocked()
}

// AwaitOpen blocks, bounded by timeout across all of urls, until each
// listed hint relay has come up. TouchHint dials in the background, so a
// publish issued straight after it must wait here or the fan-out races
// the handshake and skips the relays the request just opened.
func (p *RelayPool) AwaitOpen(urls []string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, url := range urls {
		p.mu.Lock()
		var conn *RelayConn
		for _, entry := range p.cached {
			if entry.conn.URL == url {
				conn = entry.conn
				break
			}
		}
		p.mu.Unlock()
		if conn == nil {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if !conn.WaitOpen(remaining) {
			slog.Warn("hint relay not ready in time", "relay", url)
		}
	}
}

// Unpin releases requestID from every hint relay that carries it, then
// evicts any overflow
func (p *RelayPool) Unpin(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.cached {
		delete(entry.pins, requestID)
	}
	p.evictLocked()
}

// evictLocked closes least-recently-used unpinned hint relays until the
// list fits the bound. With every candidate pinned the list temporarily
// exceeds the bound; a later Unpin retries.
func (p *RelayPool) evictLocked() {
	for len(p.cached) > p.maxCached {
		evicted := false
		for i, entry := range p.cached {
			if len(entry.pins) > 0 {
				continue
			}
			slog.Info("evicting hint relay", "relay", entry.conn.URL)
			entry.conn.Close()
			p.cached = append(p.cached[:i], p.cached[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

// Rewind re-subscribes every connection with the new since, initial relays
// first, then cached hints
func (p *RelayPool) Rewind(since int64) {
	p.mu.Lock()
	p.since = since
	conns := make([]*RelayConn, 0, len(p.initial)+len(p.cached))
	conns = append(conns, p.initial...)
	for _, entry := range p.cached {
		conns = append(conns, entry.conn)
	}
	p.mu.Unlock()

	for _, rc := range conns {
		rc.Resubscribe(since)
	}
}

// Stats returns cumulative publish counters
func (p *RelayPool) Stats() (ok, failed int64) {
	return p.publishOK.Load(), p.publishFailed.Load()
}

// Close shuts every connection down, hints included
func (p *RelayPool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*RelayConn, 0, len(p.initial)+len(p.cached))
	conns = append(conns, p.initial...)
	for _, entry := range p.cached {
		conns = append(conns, entry.conn)
	}
	p.cached = nil
	p.mu.Unlock()

	for _, rc := range conns {
		rc.Close()
	}
}
