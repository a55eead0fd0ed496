package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-proxy/internal/nostr"
)

type fakeRelay struct {
	srv       *httptest.Server
	reqFrames chan []json.RawMessage
	published chan *nostr.Event
	outbound  chan interface{}
}

// newFakeRelay runs a minimal relay: it records REQ frames, answers with
// EOSE, forwards frames queued on outbound, and records published events
func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{
		reqFrames: make(chan []json.RawMessage, 4),
		published: make(chan *nostr.Event, 4),
		outbound:  make(chan interface{}, 4),
	}

	upgrader := websocket.Upgrader{}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for frame := range fr.outbound {
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}()

		for {
			var frame []json.RawMessage
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if len(frame) < 2 {
				continue
			}
			var frameType string
			if err := json.Unmarshal(frame[0], &frameType); err != nil {
				continue
			}
			switch frameType {
			case "REQ":
				fr.reqFrames <- frame
				var subID string
				json.Unmarshal(frame[1], &subID)
				// Route through outbound so the writer goroutine stays the
				// only writer on this connection
				fr.outbound <- []interface{}{"EOSE", subID}
			case "EVENT":
				evt, err := nostr.ParseEvent(frame[1])
				if err == nil {
					fr.published <- evt
				}
			}
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.srv.URL, "http")
}

func (fr *fakeRelay) waitREQ(t *testing.T) (subID string, filter map[string]interface{}) {
	t.Helper()
	select {
	case frame := <-fr.reqFrames:
		require.GreaterOrEqual(t, len(frame), 3)
		require.NoError(t, json.Unmarshal(frame[1], &subID))
		require.NoError(t, json.Unmarshal(frame[2], &filter))
		return subID, filter
	case <-time.After(2 * time.Second):
		t.Fatal("no REQ frame arrived")
		return "", nil
	}
}

func TestRelayConnSubscriptionFilter(t *testing.T) {
	relay := newFakeRelay(t)
	proxy := testIdentity(t)

	rc := NewRelayConn(relay.url(), proxy.PubKey, 12345, func(*nostr.Event, string) {}, nil)
	defer rc.Close()

	subID, filter := relay.waitREQ(t)
	assert.True(t, strings.HasPrefix(subID, "tunnel-"))
	assert.Equal(t, []interface{}{float64(nostr.KindGiftWrap)}, filter["kinds"])
	assert.Equal(t, []interface{}{proxy.PubKey}, filter["#p"])
	assert.Equal(t, float64(12345), filter["since"])
}

func TestRelayConnDeliversEventsAndSkipsKnownIDs(t *testing.T) {
	relay := newFakeRelay(t)
	proxy := testIdentity(t)

	delivered := make(chan *nostr.Event, 4)
	rc := NewRelayConn(relay.url(), proxy.PubKey, 0,
		func(evt *nostr.Event, relayURL string) { delivered <- evt },
		func(id string) bool { return id == "already-seen" },
	)
	defer rc.Close()
	subID, _ := relay.waitREQ(t)

	relay.outbound <- []interface{}{"EVENT", subID, &nostr.Event{ID: "already-seen", PubKey: "ab", Kind: nostr.KindGiftWrap}}
	relay.outbound <- []interface{}{"EVENT", subID, &nostr.Event{ID: "fresh", PubKey: "ab", Kind: nostr.KindGiftWrap}}

	select {
	case evt := <-delivered:
		assert.Equal(t, "fresh", evt.ID, "known event ids must be filtered before the handler")
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
	select {
	case evt := <-delivered:
		t.Fatalf("unexpected extra delivery: %s", evt.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayConnPublish(t *testing.T) {
	relay := newFakeRelay(t)
	proxy := testIdentity(t)

	rc := NewRelayConn(relay.url(), proxy.PubKey, 0, func(*nostr.Event, string) {}, nil)
	defer rc.Close()
	relay.waitREQ(t)

	evt := &nostr.Event{ID: "ev1", PubKey: "ab", CreatedAt: 1, Kind: nostr.KindGiftWrap, Tags: [][]string{{"p", "cd"}}, Content: "x"}
	require.NoError(t, rc.Publish(evt))

	select {
	case got := <-relay.published:
		assert.Equal(t, "ev1", got.ID)
		assert.Equal(t, [][]string{{"p", "cd"}}, got.Tags)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never reached the relay")
	}
}

func TestRelayConnWaitOpen(t *testing.T) {
	relay := newFakeRelay(t)
	proxy := testIdentity(t)

	rc := NewRelayConn(relay.url(), proxy.PubKey, 0, func(*nostr.Event, string) {}, nil)
	defer rc.Close()

	require.True(t, rc.WaitOpen(2*time.Second))
	assert.Equal(t, StateOpen, rc.State())

	// A publish issued right after WaitOpen reaches the relay
	evt := &nostr.Event{ID: "ev-wait", PubKey: "ab", Kind: nostr.KindGiftWrap, Tags: [][]string{}, Content: "x"}
	require.NoError(t, rc.Publish(evt))
	select {
	case got := <-relay.published:
		assert.Equal(t, "ev-wait", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never reached the relay")
	}
}

func TestRelayConnWaitOpenTimesOutWhenUnreachable(t *testing.T) {
	proxy := testIdentity(t)
	rc := NewRelayConn("ws://127.0.0.1:1", proxy.PubKey, 0, func(*nostr.Event, string) {}, nil)
	defer rc.Close()

	assert.False(t, rc.WaitOpen(50*time.Millisecond))
}

func TestRelayConnResubscribesOnClosed(t *testing.T) {
	relay := newFakeRelay(t)
	proxy := testIdentity(t)

	rc := NewRelayConn(relay.url(), proxy.PubKey, 7, func(*nostr.Event, string) {}, nil)
	defer rc.Close()
	firstSub, _ := relay.waitREQ(t)

	relay.outbound <- []interface{}{"CLOSED", firstSub, "error: shedding load"}

	secondSub, filter := relay.waitREQ(t)
	assert.NotEqual(t, firstSub, secondSub, "a killed subscription is reopened under a fresh id")
	assert.Equal(t, float64(7), filter["since"])
}

func TestRelayConnPublishFailsFastWhenDown(t *testing.T) {
	proxy := testIdentity(t)
	rc := NewRelayConn("ws://127.0.0.1:1", proxy.PubKey, 0, func(*nostr.Event, string) {}, nil)
	defer rc.Close()

	evt := &nostr.Event{ID: "ev1", PubKey: "ab", Kind: nostr.KindGiftWrap, Tags: [][]string{}, Content: "x"}
	err := rc.Publish(evt)
	assert.ErrorContains(t, err, "not connected")
}

func TestRelayConnResubscribe(t *testing.T) {
	relay := newFakeRelay(t)
	proxy := testIdentity(t)

	rc := NewRelayConn(relay.url(), proxy.PubKey, 100, func(*nostr.Event, string) {}, nil)
	defer rc.Close()
	firstSub, _ := relay.waitREQ(t)

	rc.Resubscribe(200)
	secondSub, filter := relay.waitREQ(t)
	assert.NotEqual(t, firstSub, secondSub, "rewind opens a fresh subscription")
	assert.Equal(t, float64(200), filter["since"])
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
