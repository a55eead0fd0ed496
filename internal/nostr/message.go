package nostr

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SegmentSize is the number of base64 characters carried per message part
const SegmentSize = 32768

const maxMessageIDLen = 100

// Largest integer exactly representable in a float64; status values beyond
// it cannot round-trip through JSON implementations on the other side.
const maxSafeInteger = 1<<53 - 1

// RequestMessage is the plaintext of a kind-80 inner event. Method, URL and
// Headers ride only on part 0.
type RequestMessage struct {
	ID         string            `json:"id"`
	PartIndex  uint32            `json:"partIndex"`
	Parts      uint32            `json:"parts"`
	BodyBase64 string            `json:"bodyBase64"`
	Method     string            `json:"method,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// ResponseMessage is the plaintext of a kind-81 inner event. Status and
// Headers ride only on part 0.
type ResponseMessage struct {
	ID         string            `json:"id"`
	PartIndex  uint32            `json:"partIndex"`
	Parts      uint32            `json:"parts"`
	BodyBase64 string            `json:"bodyBase64"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Marshal encodes the message without HTML escaping so the ciphertext the
// destination decrypts matches byte for byte what a JSON peer would produce
func (m *RequestMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// rawResponseMessage defers number conversion so that non-integer or unsafe
// values can be rejected instead of silently truncated
type rawResponseMessage struct {
	ID         *string           `json:"id"`
	PartIndex  *json.Number      `json:"partIndex"`
	Parts      *json.Number      `json:"parts"`
	BodyBase64 *string           `json:"bodyBase64"`
	Status     *json.Number      `json:"status"`
	Headers    map[string]string `json:"headers"`
}

// ParseResponseMessage parses and validates the content of an inner response
// event. Shape violations return an error; the caller drops the event.
func ParseResponseMessage(content string) (*ResponseMessage, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()

	var raw rawResponseMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("response message not valid JSON: %w", err)
	}

	if raw.ID == nil || len(*raw.ID) == 0 || len(*raw.ID) > maxMessageIDLen {
		return nil, errors.New("response message id missing or out of range")
	}
	if raw.BodyBase64 == nil {
		return nil, errors.New("response message missing bodyBase64")
	}

	partIndex, err := parseUint32(raw.PartIndex)
	if err != nil {
		return nil, fmt.Errorf("invalid partIndex: %w", err)
	}
	parts, err := parseUint32(raw.Parts)
	if err != nil {
		return nil, fmt.Errorf("invalid parts: %w", err)
	}
	if parts < 1 {
		return nil, errors.New("parts must be at least 1")
	}

	msg := &ResponseMessage{
		ID:         *raw.ID,
		PartIndex:  partIndex,
		Parts:      parts,
		BodyBase64: *raw.BodyBase64,
	}

	if partIndex == 0 {
		if raw.Status == nil {
			return nil, errors.New("part 0 missing status")
		}
		status, err := raw.Status.Int64()
		if err != nil || status < 0 || status > maxSafeInteger {
			return nil, errors.New("status is not a safe integer")
		}
		if status < 100 || status > 599 {
			return nil, errors.New("status outside [100, 599]")
		}
		if raw.Headers == nil {
			return nil, errors.New("part 0 missing headers")
		}
		msg.Status = int(status)
		msg.Headers = raw.Headers
	}

	return msg, nil
}

func parseUint32(n *json.Number) (uint32, error) {
	if n == nil {
		return 0, errors.New("missing")
	}
	v, err := n.Int64()
	if err != nil {
		return 0, errors.New("not an integer")
	}
	if v < 0 || v > 1<<32-1 {
		return 0, errors.New("out of range")
	}
	return uint32(v), nil
}

// SegmentBody base64-encodes the full body and splits the encoded form into
// SegmentSize-char chunks. An empty body yields a single empty part.
func SegmentBody(body []byte) []string {
	encoded := base64.StdEncoding.EncodeToString(body)
	if encoded == "" {
		return []string{""}
	}

	var parts []string
	for len(encoded) > SegmentSize {
		parts = append(parts, encoded[:SegmentSize])
		encoded = encoded[SegmentSize:]
	}
	return append(parts, encoded)
}

// AssembleBody decodes the concatenation of base64 parts in index order
func AssembleBody(parts []string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(parts, ""))
}
