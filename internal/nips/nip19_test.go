package nips

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPubkeyHex = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func TestPubkeyRoundtrip(t *testing.T) {
	npub, err := EncodePubkey(testPubkeyHex)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(npub, "npub1"), "npub should carry the npub1 prefix: %s", npub)

	decoded, err := DecodePubkey(npub)
	require.NoError(t, err)
	assert.Equal(t, testPubkeyHex, decoded)
}

func TestDecodePubkeyRejectsBadInput(t *testing.T) {
	_, err := DecodePubkey("nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5")
	assert.Error(t, err, "nsec must not decode as npub")

	_, err = DecodePubkey("npub1notvalidbech32")
	assert.Error(t, err)

	_, err = DecodePubkey("")
	assert.Error(t, err)
}

func TestDecodePubkeyRejectsCorruptedChecksum(t *testing.T) {
	npub, err := EncodePubkey(testPubkeyHex)
	require.NoError(t, err)

	// Flip one data character; the checksum must catch it
	corrupted := []byte(npub)
	pos := len(corrupted) - 10
	if corrupted[pos] == 'q' {
		corrupted[pos] = 'p'
	} else {
		corrupted[pos] = 'q'
	}
	_, err = DecodePubkey(string(corrupted))
	assert.Error(t, err)
}

func TestSecretKeyRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}

	nsec, err := EncodeSecretKey(key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(nsec, "nsec1"))

	decoded, err := DecodeSecretKey(nsec)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestEncodeSecretKeyRejectsWrongLength(t *testing.T) {
	_, err := EncodeSecretKey(make([]byte, 31))
	assert.Error(t, err)
	_, err = EncodeSecretKey(make([]byte, 33))
	assert.Error(t, err)
}

func TestNProfileRoundtrip(t *testing.T) {
	relays := []string{"wss://relay.example.com", "ws://10.0.0.5:8080"}

	nprofile, err := EncodeNProfile(testPubkeyHex, relays)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(nprofile, "nprofile1"))

	decoded, err := DecodeNProfile(nprofile)
	require.NoError(t, err)
	assert.Equal(t, testPubkeyHex, decoded.Pubkey)
	assert.Equal(t, relays, decoded.RelayHints)
}

func TestNProfileWithoutRelays(t *testing.T) {
	nprofile, err := EncodeNProfile(testPubkeyHex, nil)
	require.NoError(t, err)

	decoded, err := DecodeNProfile(nprofile)
	require.NoError(t, err)
	assert.Equal(t, testPubkeyHex, decoded.Pubkey)
	assert.Empty(t, decoded.RelayHints)
}

func TestDecodeNProfileRejectsNpub(t *testing.T) {
	npub, err := EncodePubkey(testPubkeyHex)
	require.NoError(t, err)

	_, err = DecodeNProfile(npub)
	assert.Error(t, err)
}
