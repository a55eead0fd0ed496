package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used by the tunnel protocol
const (
	KindRequest  = 80    // inner HTTP request (unsigned)
	KindResponse = 81    // inner HTTP response (unsigned, trusted via seal)
	KindSeal     = 13    // signed by the real author, content encrypts the inner
	KindGiftWrap = 21059 // signed by a one-shot key, content encrypts the seal
)

// Event is a NIP-01 event
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// Serialize returns the canonical form [0, pubkey, created_at, kind, tags, content].
// HTML escaping must stay off or the hash diverges from what relays compute.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		tags,
		e.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(canonical); err != nil {
		return nil, err
	}

	// Encoder.Encode adds a trailing newline, remove it
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeID hashes the canonical serialization into the hex event id
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// Sign fills in ID and Sig under priv. PubKey must already match priv.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// VerifySignature checks the Schnorr signature against the event's pubkey.
// The id is recomputed, so a tampered body fails even with a valid sig pair.
func (e *Event) VerifySignature() bool {
	if len(e.Sig) != 128 || len(e.PubKey) != 64 {
		return false
	}

	id, err := e.ComputeID()
	if err != nil || id != e.ID {
		return false
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// MarshalWire encodes the event without HTML escaping, matching Serialize
func (e *Event) MarshalWire() ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ParseEvent decodes a JSON event
func ParseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	if evt.PubKey == "" {
		return nil, errors.New("event missing pubkey")
	}
	return &evt, nil
}

// ShortID truncates an id/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
