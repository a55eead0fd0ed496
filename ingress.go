package main

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"nostr-proxy/internal/nostr"
)

const maxInnerIDLen = 100

// Ingress consumes every event delivered by any subscription and runs the
// decrypt/verify/validate pipeline. All failures are swallowed per event;
// a bad event never touches request-scoped state or its neighbors.
type Ingress struct {
	identity *Identity
	pending  *PendingTable
	clock    *Clock

	mu               sync.Mutex
	handledEvents    map[string]int64 // outer event id -> created_at
	handledResponses map[string]int64 // inner response id -> created_at

	accepted atomic.Int64
	dropped  atomic.Int64
}

func NewIngress(identity *Identity, pending *PendingTable, clock *Clock) *Ingress {
	return &Ingress{
		identity:         identity,
		pending:          pending,
		clock:            clock,
		handledEvents:    make(map[string]int64),
		handledResponses: make(map[string]int64),
	}
}

// AlreadyHave is the per-connection hook that stops reconnections from
// re-delivering events the pipeline has processed
func (in *Ingress) AlreadyHave(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.handledEvents[id]
	return ok
}

// HandleEvent runs the full inbound pipeline on one outer event
func (in *Ingress) HandleEvent(evt *nostr.Event, relayURL string) {
	// Record the outer id first; belt and braces with the AlreadyHave hook.
	// The recorded time is clamped to now so a forged far-future created_at
	// cannot keep the entry ahead of the reap cursor forever.
	recordAt := evt.CreatedAt
	if now := in.clock.Unix(); recordAt > now {
		recordAt = now
	}
	in.mu.Lock()
	_, seen := in.handledEvents[evt.ID]
	if !seen {
		in.handledEvents[evt.ID] = recordAt
	}
	in.mu.Unlock()
	if seen {
		return
	}

	if evt.Kind != nostr.KindGiftWrap {
		in.drop("unexpected kind", evt, relayURL, nil)
		return
	}

	seal, err := nostr.UnwrapGift(evt, in.identity.Private())
	if err != nil {
		in.drop("gift unwrap failed", evt, relayURL, err)
		return
	}

	if !seal.VerifySignature() {
		in.drop("seal signature invalid", evt, relayURL, nil)
		return
	}

	inner, err := nostr.UnwrapSeal(seal, in.identity.Private())
	if err != nil {
		in.drop("seal unwrap failed", evt, relayURL, err)
		return
	}

	if inner.Kind != nostr.KindResponse {
		in.drop("inner event is not a response", evt, relayURL, nil)
		return
	}
	// The inner event is unsigned; trust comes from the seal signature,
	// so the inner author must be the seal author
	if inner.PubKey != seal.PubKey {
		in.drop("inner pubkey does not match seal", evt, relayURL, nil)
		return
	}
	if len(inner.ID) == 0 || len(inner.ID) > maxInnerIDLen {
		in.drop("inner id out of range", evt, relayURL, nil)
		return
	}

	// Replay window
	if inner.CreatedAt < in.clock.OldestTime() || inner.CreatedAt > in.clock.AcceptableFuture() {
		in.drop("inner timestamp outside replay window", evt, relayURL, nil)
		return
	}

	// Cross-relay dedup on the plaintext response id
	in.mu.Lock()
	_, dup := in.handledResponses[inner.ID]
	if !dup {
		in.handledResponses[inner.ID] = inner.CreatedAt
	}
	in.mu.Unlock()
	if dup {
		return
	}

	msg, err := nostr.ParseResponseMessage(inner.Content)
	if err != nil {
		in.drop("invalid response message", evt, relayURL, err)
		return
	}

	if !in.pending.AddPart(msg.ID, seal.PubKey, msg) {
		in.drop("no pending request for response", evt, relayURL, nil)
		return
	}

	in.accepted.Add(1)
	slog.Debug("response part accepted", "relay", relayURL,
		"request_id", msg.ID, "part", msg.PartIndex, "parts", msg.Parts)
}

func (in *Ingress) drop(reason string, evt *nostr.Event, relayURL string, err error) {
	in.dropped.Add(1)
	if err != nil {
		slog.Debug("dropping event", "reason", reason, "relay", relayURL,
			"event_id", nostr.ShortID(evt.ID), "error", err)
		return
	}
	slog.Debug("dropping event", "reason", reason, "relay", relayURL,
		"event_id", nostr.ShortID(evt.ID))
}

// ReapResponses removes response dedup entries older than the window
func (in *Ingress) ReapResponses(before int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for id, createdAt := range in.handledResponses {
		if createdAt < before {
			delete(in.handledResponses, id)
		}
	}
}

// ReapEvents removes outer-event dedup entries behind the subscription window
func (in *Ingress) ReapEvents(before int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for id, createdAt := range in.handledEvents {
		if createdAt < before {
			delete(in.handledEvents, id)
		}
	}
}

// Stats returns cumulative pipeline counters
func (in *Ingress) Stats() (accepted, dropped int64) {
	return in.accepted.Load(), in.dropped.Load()
}
