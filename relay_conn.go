package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"nostr-proxy/internal/nostr"
)

// ConnState is the relay connection lifecycle state
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// EventHandler receives every event delivered by a subscription
type EventHandler func(evt *nostr.Event, relayURL string)

// RelayConn owns one WebSocket to one relay. It reconnects with bounded
// exponential backoff, keeps the tunnel subscription open, streams events
// to the injected handler, and publishes with per-message error surfacing.
type RelayConn struct {
	URL string

	proxyPubkey string
	onEvent     EventHandler
	alreadyHave func(id string) bool

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	subID   string
	since   int64

	done      chan struct{}
	ready     chan struct{} // closed the first time the session opens
	readyOnce sync.Once
	closeOnce sync.Once
}

// NewRelayConn starts connecting immediately. The subscription filter is
// {kinds:[21059], "#p":[proxyPubkey], since}.
func NewRelayConn(url, proxyPubkey string, since int64, onEvent EventHandler, alreadyHave func(string) bool) *RelayConn {
	rc := &RelayConn{
		URL:         url,
		proxyPubkey: proxyPubkey,
		onEvent:     onEvent,
		alreadyHave: alreadyHave,
		state:       StateConnecting,
		since:       since,
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
	}
	go rc.run()
	return rc
}

// State returns the current lifecycle state
func (rc *RelayConn) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// run is the connect/read/reconnect loop
func (rc *RelayConn) run() {
	backoff := initialBackoff
	for {
		select {
		case <-rc.done:
			return
		default:
		}

		start := time.Now()
		if err := rc.session(); err != nil {
			slog.Warn("relay connection lost", "relay", rc.URL, "error", err)
		}

		select {
		case <-rc.done:
			return
		default:
		}

		// A session that survived a while earns a fresh backoff
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}

		rc.mu.Lock()
		rc.state = StateConnecting
		rc.mu.Unlock()

		select {
		case <-rc.done:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session dials, subscribes, and reads until the connection fails
func (rc *RelayConn) session() error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(rc.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	rc.mu.Lock()
	if rc.state == StateClosing || rc.state == StateClosed {
		rc.mu.Unlock()
		conn.Close()
		return nil
	}
	rc.conn = conn
	rc.state = StateOpen
	since := rc.since
	rc.mu.Unlock()
	rc.readyOnce.Do(func() { close(rc.ready) })

	defer func() {
		conn.Close()
		rc.mu.Lock()
		if rc.conn == conn {
			rc.conn = nil
		}
		rc.mu.Unlock()
	}()

	if err := rc.subscribe(since); err != nil {
		return err
	}
	slog.Debug("relay connected", "relay", rc.URL)

	return rc.readLoop(conn)
}

// subscribe opens a fresh subscription and remembers its id
func (rc *RelayConn) subscribe(since int64) error {
	subID := "tunnel-" + randomString(8)
	filter := map[string]interface{}{
		"kinds": []int{nostr.KindGiftWrap},
		"#p":    []string{rc.proxyPubkey},
		"since": since,
	}
	if err := rc.writeJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	rc.mu.Lock()
	rc.subID = subID
	rc.mu.Unlock()
	return nil
}

// Resubscribe opens a subscription with the new since, then closes the old
// one, so no window gap opens between the two
func (rc *RelayConn) Resubscribe(since int64) {
	rc.mu.Lock()
	rc.since = since
	old := rc.subID
	open := rc.state == StateOpen
	rc.mu.Unlock()

	if !open {
		// The reconnect path will subscribe with the stored since
		return
	}

	if err := rc.subscribe(since); err != nil {
		slog.Warn("resubscribe failed", "relay", rc.URL, "error", err)
		return
	}
	if old != "" {
		if err := rc.writeJSON([]interface{}{"CLOSE", old}); err != nil {
			slog.Debug("closing old subscription failed", "relay", rc.URL, "error", err)
		}
	}
}

// WaitOpen blocks until the connection has come up, been closed, or the
// timeout elapses, and reports whether the relay is usable for publishing.
// The dial runs in the background, so a publish issued right after the
// connection was created must wait here or it races the handshake.
func (rc *RelayConn) WaitOpen(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rc.ready:
	case <-rc.done:
	case <-timer.C:
	}
	return rc.State() == StateOpen
}

// Publish sends one event. Publishes against a connection that is not Open
// fail fast; the caller logs per-relay and never retries.
func (rc *RelayConn) Publish(evt *nostr.Event) error {
	rc.mu.Lock()
	open := rc.state == StateOpen && rc.conn != nil
	rc.mu.Unlock()
	if !open {
		return fmt.Errorf("relay %s is not connected", rc.URL)
	}

	wire, err := evt.MarshalWire()
	if err != nil {
		return err
	}
	return rc.writeRaw([]byte(fmt.Sprintf(`["EVENT",%s]`, wire)))
}

func (rc *RelayConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rc.writeRaw(data)
}

func (rc *RelayConn) writeRaw(data []byte) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return errors.New("connection is closed")
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop streams relay messages until the connection errors
func (rc *RelayConn) readLoop(conn *websocket.Conn) error {
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-rc.done:
				return nil
			default:
				return fmt.Errorf("read failed: %w", err)
			}
		}

		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			evt, err := nostr.ParseEvent(msg[2])
			if err != nil {
				slog.Debug("unparseable event", "relay", rc.URL, "error", err)
				continue
			}
			// Skip events already processed; reconnections replay the
			// window and must not flood the pipeline
			if evt.ID != "" && rc.alreadyHave != nil && rc.alreadyHave(evt.ID) {
				continue
			}
			rc.onEvent(evt, rc.URL)

		case "EOSE":
			slog.Debug("end of stored events", "relay", rc.URL)

		case "OK":
			rc.logPublishResult(msg)

		case "CLOSED":
			var subID string
			if len(msg) >= 2 {
				json.Unmarshal(msg[1], &subID)
			}
			slog.Warn("subscription closed by relay", "relay", rc.URL, "sub_id", subID)
			// Reopen the tunnel subscription right away; waiting for the
			// hourly rewind would leave the ingest window dark
			rc.mu.Lock()
			current := rc.subID
			since := rc.since
			rc.mu.Unlock()
			if subID == current {
				if err := rc.subscribe(since); err != nil {
					slog.Warn("resubscribe after close failed", "relay", rc.URL, "error", err)
				}
			}

		case "NOTICE":
			var notice string
			if len(msg) >= 2 {
				json.Unmarshal(msg[1], &notice)
			}
			slog.Info("relay notice", "relay", rc.URL, "notice", notice)
		}
	}
}

// logPublishResult surfaces per-relay OK frames; rejected publishes are
// logged, never retried
func (rc *RelayConn) logPublishResult(msg []json.RawMessage) {
	var eventID string
	var accepted bool
	var reason string
	if len(msg) >= 3 {
		json.Unmarshal(msg[1], &eventID)
		json.Unmarshal(msg[2], &accepted)
	}
	if len(msg) >= 4 {
		json.Unmarshal(msg[3], &reason)
	}
	if accepted {
		slog.Debug("event accepted", "relay", rc.URL, "event_id", nostr.ShortID(eventID))
	} else {
		slog.Warn("event rejected", "relay", rc.URL, "event_id", nostr.ShortID(eventID), "reason", reason)
	}
}

// Close transitions to Closed and stops the reconnect loop
func (rc *RelayConn) Close() {
	rc.closeOnce.Do(func() {
		rc.mu.Lock()
		rc.state = StateClosing
		conn := rc.conn
		rc.mu.Unlock()

		close(rc.done)
		if conn != nil {
			conn.Close()
		}

		rc.mu.Lock()
		rc.state = StateClosed
		rc.conn = nil
		rc.mu.Unlock()
	})
}

const randomChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomChars[rand.Intn(len(randomChars))]
	}
	return string(b)
}
