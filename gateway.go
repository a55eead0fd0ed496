package main

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"nostr-proxy/internal/nips"
	"nostr-proxy/internal/nostr"
)

const destinationHeader = "X-Nostr-Destination"

// Destination is a resolved tunnel endpoint: a pubkey plus the hint relays
// to open for the request (already normalized, initial relays removed)
type Destination struct {
	Pubkey string
	Hints  []string
}

// Gateway accepts plain HTTP requests and drives them through the tunnel.
// Every method and path is tunneled; the proxy originates only 400 and 500.
type Gateway struct {
	cfg      *Config
	identity *Identity
	pool     *RelayPool
	pending  *PendingTable
	egress   *Egress
	fixed    *Destination // non-nil when --destination is configured

	newRequestID func() string
}

func NewGateway(cfg *Config, identity *Identity, pool *RelayPool, pending *PendingTable, egress *Egress, fixed *Destination) *Gateway {
	return &Gateway{
		cfg:          cfg,
		identity:     identity,
		pool:         pool,
		pending:      pending,
		egress:       egress,
		fixed:        fixed,
		newRequestID: uuid.NewString,
	}
}

type requestError struct {
	status  int
	message string
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := g.newRequestID()

	headers := flattenHeaders(r.Header)
	if g.cfg.KeepHost {
		// Go strips Host out of the header map; restore it
		headers["host"] = r.Host
	}
	delete(headers, strings.ToLower(destinationHeader))

	dest, reqErr := g.resolveDestination(r)
	if reqErr != nil {
		slog.Info("rejecting request", "request_id", requestID, "reason", reqErr.message)
		http.Error(w, reqErr.message, reqErr.status)
		return
	}

	// Pin hint relays before anything publishes so none of them can be
	// evicted while this request is in flight
	for _, hint := range dest.Hints {
		g.pool.TouchHint(hint, requestID)
	}

	entry, err := g.pending.Register(requestID, dest.Pubkey, w, g.cfg.Timeout(), func() {
		g.pool.Unpin(requestID)
	})
	if err != nil {
		slog.Error("pending registration failed", "request_id", requestID, "error", err)
		g.pool.Unpin(requestID)
		http.Error(w, "Failed", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("request body read failed", "request_id", requestID, "error", err)
		entry.Fail(http.StatusInternalServerError, "Failed")
		return
	}

	slog.Info("tunneling request", "request_id", requestID,
		"method", r.Method, "url", r.URL.String(),
		"destination", nostr.ShortID(dest.Pubkey), "body_bytes", len(body))

	// Hint relays pinned above may still be mid-dial; the destination
	// often reads nowhere else, so the fan-out has to reach them
	g.pool.AwaitOpen(dest.Hints, dialTimeout)

	if err := g.egress.Send(requestID, dest.Pubkey, dest.Hints, r.Method, r.URL.String(), headers, body); err != nil {
		slog.Error("egress failed", "request_id", requestID, "error", err)
		entry.Fail(http.StatusInternalServerError, "Failed")
		return
	}

	select {
	case <-entry.Done():
	case <-r.Context().Done():
		// Client went away; drop the pending state, unpin hint relays,
		// discard whatever parts still arrive
		g.pending.Delete(requestID, dest.Pubkey)
	}
}

// resolveDestination picks the endpoint: the fixed one when configured,
// otherwise the consumed X-Nostr-Destination header
func (g *Gateway) resolveDestination(r *http.Request) (*Destination, *requestError) {
	if g.fixed != nil {
		return g.fixed, nil
	}

	value := r.Header.Get(destinationHeader)
	if value == "" {
		return nil, &requestError{http.StatusBadRequest, "Missing X-Nostr-Destination header"}
	}

	switch {
	case strings.HasPrefix(value, "nprofile"):
		profile, err := nips.DecodeNProfile(value)
		if err != nil {
			return nil, &requestError{http.StatusBadRequest, "Invalid X-Nostr-Destination header"}
		}
		hints := g.filterHints(profile.RelayHints)
		if len(hints) == 0 && len(g.pool.InitialURLs()) == 0 {
			return nil, &requestError{http.StatusBadRequest,
				"Destination nprofile carries no usable relays and no initial relays are configured; add --relays or use a destination with relay hints"}
		}
		return &Destination{Pubkey: profile.Pubkey, Hints: hints}, nil

	case strings.HasPrefix(value, "npub"):
		pubkey, err := nips.DecodePubkey(value)
		if err != nil {
			return nil, &requestError{http.StatusBadRequest, "Invalid X-Nostr-Destination header"}
		}
		if len(g.pool.InitialURLs()) == 0 {
			return nil, &requestError{http.StatusBadRequest,
				"No initial relays configured; use an nprofile destination that carries relay hints"}
		}
		return &Destination{Pubkey: pubkey}, nil

	default:
		return nil, &requestError{http.StatusBadRequest, "Invalid X-Nostr-Destination header"}
	}
}

// filterHints normalizes hint URLs and drops the ones already covered by
// the initial relay set
func (g *Gateway) filterHints(raw []string) []string {
	var hints []string
	for _, url := range nostr.NormalizeRelayURLs(raw) {
		if g.pool.HasInitial(url) {
			continue
		}
		hints = append(hints, url)
	}
	return hints
}

// flattenHeaders lowercases names and joins repeated values
func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for name, values := range h {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return headers
}
