package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"nostr-proxy/internal/nostr"
)

// sealBackdateWindow is the range the seal timestamp is drawn from, in
// seconds before now, to frustrate traffic-timing correlation
const sealBackdateWindow = int64(48 * time.Hour / time.Second)

// Egress turns one HTTP request into gift-wrapped events and fans them out
type Egress struct {
	identity *Identity
	pool     *RelayPool
	clock    *Clock
}

func NewEgress(identity *Identity, pool *RelayPool, clock *Clock) *Egress {
	return &Egress{identity: identity, pool: pool, clock: clock}
}

// Send segments the body, builds the three-layer envelope for each part and
// publishes across the union of initial and hint relays. Per-relay publish
// failures never abort the request; a destination that stays silent is
// handled by the pending timeout, not here.
func (e *Egress) Send(requestID, destPub string, hintRelays []string, method, url string, headers map[string]string, body []byte) error {
	chunks := nostr.SegmentBody(body)

	// Relays shared with the recipient must not leak credentials or
	// query strings; unsafe URLs are still published to locally
	union := append(e.pool.InitialURLs(), hintRelays...)
	safe := nostr.SafeRelayURLs(union)
	var primaryRelay string
	var extraRelays []string
	if len(safe) > 0 {
		primaryRelay = safe[0]
		extraRelays = safe[1:]
	}

	now := e.clock.Unix()
	for i, chunk := range chunks {
		msg := &nostr.RequestMessage{
			ID:         requestID,
			PartIndex:  uint32(i),
			Parts:      uint32(len(chunks)),
			BodyBase64: chunk,
		}
		if i == 0 {
			msg.Method = method
			msg.URL = url
			msg.Headers = headers
		}

		content, err := msg.Marshal()
		if err != nil {
			return fmt.Errorf("marshal request part %d: %w", i, err)
		}

		inner := &nostr.Event{
			PubKey:    e.identity.PubKey,
			CreatedAt: now,
			Kind:      nostr.KindRequest,
			Tags:      [][]string{},
			Content:   string(content),
		}
		// The inner event stays unsigned; only its id is fixed
		if inner.ID, err = inner.ComputeID(); err != nil {
			return fmt.Errorf("hash request part %d: %w", i, err)
		}

		seal, err := nostr.BuildSeal(inner, e.identity.Private(), destPub, now-rand.Int63n(sealBackdateWindow+1))
		if err != nil {
			return fmt.Errorf("seal request part %d: %w", i, err)
		}

		wrap, err := nostr.BuildGiftWrap(seal, destPub, primaryRelay, extraRelays, now)
		if err != nil {
			return fmt.Errorf("wrap request part %d: %w", i, err)
		}

		published := e.pool.Publish(wrap)
		slog.Debug("request part published", "request_id", requestID,
			"part", i, "parts", len(chunks), "relays_ok", published)
	}

	return nil
}
