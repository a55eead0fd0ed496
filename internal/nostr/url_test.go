package nostr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelayURL(t *testing.T) {
	cases := map[string]string{
		"wss://relay.example.com":         "wss://relay.example.com",
		"WSS://Relay.Example.COM":         "wss://relay.example.com",
		"wss://relay.example.com/":        "wss://relay.example.com",
		"wss://relay.example.com:443":     "wss://relay.example.com",
		"ws://relay.example.com:80":       "ws://relay.example.com",
		"ws://relay.example.com:8080":     "ws://relay.example.com:8080",
		"wss://relay.example.com/sub":     "wss://relay.example.com/sub",
		"wss://relay.example.com?auth=x":  "wss://relay.example.com?auth=x",
		"wss://user:pw@relay.example.com": "wss://user:pw@relay.example.com",
		"  wss://relay.example.com  ":     "wss://relay.example.com",

		"":                          "",
		"relay.example.com":         "",
		"https://relay.example.com": "",
		"wss://":                    "",
		"wss://a://b":               "",
	}

	for input, want := range cases {
		assert.Equal(t, want, NormalizeRelayURL(input), "input %q", input)
	}
}

func TestNormalizeRelayURLsDedupes(t *testing.T) {
	urls := NormalizeRelayURLs([]string{
		"wss://a.example.com",
		"WSS://A.Example.Com/",
		"not a url",
		"ws://b.example.com:80",
		"ws://b.example.com",
	})
	assert.Equal(t, []string{"wss://a.example.com", "ws://b.example.com"}, urls)
}

func TestIsSafeRelayURL(t *testing.T) {
	assert.True(t, IsSafeRelayURL("wss://relay.example.com"))
	assert.True(t, IsSafeRelayURL("ws://relay.example.com:8080/sub"))
	assert.False(t, IsSafeRelayURL("wss://user:pw@relay.example.com"), "credentials must never ride in tags")
	assert.False(t, IsSafeRelayURL("wss://relay.example.com?token=abc"))
}

func TestSafeRelayURLs(t *testing.T) {
	safe := SafeRelayURLs([]string{
		"wss://a.example.com",
		"wss://secret@b.example.com",
		"wss://c.example.com?k=v",
		"ws://d.example.com",
	})
	assert.Equal(t, []string{"wss://a.example.com", "ws://d.example.com"}, safe)
}
