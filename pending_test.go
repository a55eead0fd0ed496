package main

import (
	"encoding/base64"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-proxy/internal/nostr"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func waitDone(t *testing.T, entry *PendingRequest) {
	t.Helper()
	select {
	case <-entry.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("entry never finished")
	}
}

func TestPendingSinglePartResponse(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	entry, err := table.Register("req-1", "dest", rec, time.Minute, nil)
	require.NoError(t, err)

	ok := table.AddPart("req-1", "dest", &nostr.ResponseMessage{
		ID: "req-1", PartIndex: 0, Parts: 1,
		BodyBase64: b64("hello"),
		Status:     201,
		Headers:    map[string]string{"content-type": "text/plain", "x-thing": "yes"},
	})
	require.True(t, ok)

	waitDone(t, entry)
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("content-type"))
	assert.Equal(t, "yes", rec.Header().Get("x-thing"))
	assert.Zero(t, table.Len())
}

func TestPendingOutOfOrderParts(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	entry, err := table.Register("req-2", "dest", rec, time.Minute, nil)
	require.NoError(t, err)

	full := b64("hello world")
	// Part 1 lands before part 0
	require.True(t, table.AddPart("req-2", "dest", &nostr.ResponseMessage{
		ID: "req-2", PartIndex: 1, Parts: 2, BodyBase64: full[8:],
	}))
	select {
	case <-entry.Done():
		t.Fatal("completed before all parts arrived")
	default:
	}

	require.True(t, table.AddPart("req-2", "dest", &nostr.ResponseMessage{
		ID: "req-2", PartIndex: 0, Parts: 2, BodyBase64: full[:8],
		Status: 200, Headers: map[string]string{},
	}))

	waitDone(t, entry)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
}

func TestPendingDuplicatePartIsIdempotent(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	entry, err := table.Register("req-3", "dest", rec, time.Minute, nil)
	require.NoError(t, err)

	part := &nostr.ResponseMessage{
		ID: "req-3", PartIndex: 1, Parts: 2, BodyBase64: "",
	}
	require.True(t, table.AddPart("req-3", "dest", part))
	require.True(t, table.AddPart("req-3", "dest", part))

	select {
	case <-entry.Done():
		t.Fatal("duplicate part must not count toward completion")
	default:
	}
}

func TestPendingRejectsPartIndexBeyondCount(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	entry, err := table.Register("req-4", "dest", rec, time.Minute, nil)
	require.NoError(t, err)

	// First arrival with index >= parts must not fix the expected count
	require.True(t, table.AddPart("req-4", "dest", &nostr.ResponseMessage{
		ID: "req-4", PartIndex: 3, Parts: 2, BodyBase64: "",
	}))
	// The real parts still complete normally
	require.True(t, table.AddPart("req-4", "dest", &nostr.ResponseMessage{
		ID: "req-4", PartIndex: 0, Parts: 1, BodyBase64: b64("ok"),
		Status: 200, Headers: map[string]string{},
	}))

	waitDone(t, entry)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPendingTimeout(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	var closed atomic.Int32
	entry, err := table.Register("req-5", "dest", rec, 20*time.Millisecond, func() {
		closed.Add(1)
	})
	require.NoError(t, err)

	waitDone(t, entry)
	assert.Equal(t, 500, rec.Code)
	assert.Contains(t, rec.Body.String(), "Timed out")
	assert.Zero(t, table.Len())
	assert.Equal(t, int32(1), closed.Load())

	// Parts arriving after the timeout find no entry
	assert.False(t, table.AddPart("req-5", "dest", &nostr.ResponseMessage{
		ID: "req-5", PartIndex: 0, Parts: 1, BodyBase64: "", Status: 200, Headers: map[string]string{},
	}))
}

func TestPendingDeleteWritesNothing(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	var closed atomic.Int32
	entry, err := table.Register("req-6", "dest", rec, time.Minute, func() {
		closed.Add(1)
	})
	require.NoError(t, err)

	table.Delete("req-6", "dest")
	waitDone(t, entry)

	assert.Equal(t, 200, rec.Code, "recorder default code means no write happened")
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, int32(1), closed.Load())
}

func TestPendingDuplicateRegister(t *testing.T) {
	table := NewPendingTable()

	_, err := table.Register("req-7", "dest", httptest.NewRecorder(), time.Minute, nil)
	require.NoError(t, err)
	_, err = table.Register("req-7", "dest", httptest.NewRecorder(), time.Minute, nil)
	assert.Error(t, err)

	// Same id under a different destination is a distinct key
	_, err = table.Register("req-7", "dest2", httptest.NewRecorder(), time.Minute, nil)
	assert.NoError(t, err)
}

func TestPendingDestinationScoping(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	entry, err := table.Register("req-8", "dest-a", rec, time.Minute, nil)
	require.NoError(t, err)

	// A response from the wrong destination never reaches the entry
	assert.False(t, table.AddPart("req-8", "dest-b", &nostr.ResponseMessage{
		ID: "req-8", PartIndex: 0, Parts: 1, BodyBase64: "", Status: 200, Headers: map[string]string{},
	}))
	select {
	case <-entry.Done():
		t.Fatal("entry completed from a foreign destination")
	default:
	}
}

func TestPendingInvalidBodyBase64(t *testing.T) {
	table := NewPendingTable()
	rec := httptest.NewRecorder()

	entry, err := table.Register("req-9", "dest", rec, time.Minute, nil)
	require.NoError(t, err)

	require.True(t, table.AddPart("req-9", "dest", &nostr.ResponseMessage{
		ID: "req-9", PartIndex: 0, Parts: 1, BodyBase64: "!!!not-base64!!!",
		Status: 200, Headers: map[string]string{},
	}))

	waitDone(t, entry)
	assert.Equal(t, 500, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed")
}
