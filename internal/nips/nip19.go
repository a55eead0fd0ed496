package nips

import (
	"encoding/hex"
	"errors"
	"strings"
)

// NProfile represents a decoded nprofile1... identifier
type NProfile struct {
	Pubkey     string   // 32-byte pubkey as hex
	RelayHints []string // Optional relay URLs
}

// TLV type constants for NIP-19
const (
	tlvTypeSpecial = 0 // pubkey for nprofile
	tlvTypeRelay   = 1 // relay URL
)

// DecodePubkey decodes an npub1... bech32 string to a hex pubkey
func DecodePubkey(npub string) (string, error) {
	if !strings.HasPrefix(npub, "npub1") {
		return "", errors.New("not an npub")
	}

	hrp, data, err := Bech32Decode(npub)
	if err != nil {
		return "", err
	}
	if hrp != "npub" {
		return "", errors.New("invalid hrp for npub")
	}

	pubkeyBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid npub length")
	}

	return hex.EncodeToString(pubkeyBytes), nil
}

// EncodePubkey encodes a hex pubkey to npub format
func EncodePubkey(hexPubkey string) (string, error) {
	pubkeyBytes, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	data, err := Bech32ConvertBits(pubkeyBytes, 8, 5, true)
	if err != nil {
		return "", err
	}

	return Bech32Encode("npub", data)
}

// DecodeSecretKey decodes an nsec1... bech32 string to the raw 32-byte secret
func DecodeSecretKey(nsec string) ([]byte, error) {
	if !strings.HasPrefix(nsec, "nsec1") {
		return nil, errors.New("not an nsec")
	}

	hrp, data, err := Bech32Decode(nsec)
	if err != nil {
		return nil, err
	}
	if hrp != "nsec" {
		return nil, errors.New("invalid hrp for nsec")
	}

	keyBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != 32 {
		return nil, errors.New("invalid nsec length")
	}

	return keyBytes, nil
}

// EncodeSecretKey encodes a raw 32-byte secret key to nsec format
func EncodeSecretKey(key []byte) (string, error) {
	if len(key) != 32 {
		return "", errors.New("invalid secret key length")
	}

	data, err := Bech32ConvertBits(key, 8, 5, true)
	if err != nil {
		return "", err
	}

	return Bech32Encode("nsec", data)
}

// DecodeNProfile decodes a nprofile1... bech32 string
func DecodeNProfile(nprofile string) (*NProfile, error) {
	if !strings.HasPrefix(nprofile, "nprofile1") {
		return nil, errors.New("not a nprofile")
	}

	hrp, data, err := Bech32Decode(nprofile)
	if err != nil {
		return nil, err
	}
	if hrp != "nprofile" {
		return nil, errors.New("invalid hrp for nprofile")
	}

	// Convert 5-bit groups to 8-bit bytes
	tlvBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}

	return decodeNProfileTLV(tlvBytes)
}

func decodeNProfileTLV(data []byte) (*NProfile, error) {
	n := &NProfile{RelayHints: []string{}}

	for i := 0; i < len(data); {
		if i+2 > len(data) {
			break
		}

		tlvType := data[i]
		tlvLen := int(data[i+1])
		i += 2

		if i+tlvLen > len(data) {
			break
		}

		value := data[i : i+tlvLen]
		i += tlvLen

		switch tlvType {
		case tlvTypeSpecial: // pubkey
			if tlvLen == 32 {
				n.Pubkey = hex.EncodeToString(value)
			}
		case tlvTypeRelay: // relay hint
			n.RelayHints = append(n.RelayHints, string(value))
		}
	}

	if n.Pubkey == "" {
		return nil, errors.New("nprofile missing pubkey")
	}

	return n, nil
}

// EncodeNProfile encodes a hex pubkey and relay hints to nprofile format
func EncodeNProfile(hexPubkey string, relays []string) (string, error) {
	pubkeyBytes, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	var tlvData []byte
	tlvData = append(tlvData, tlvTypeSpecial, 32)
	tlvData = append(tlvData, pubkeyBytes...)

	for _, relay := range relays {
		relayBytes := []byte(relay)
		if len(relayBytes) > 255 {
			return "", errors.New("relay URL too long for TLV")
		}
		tlvData = append(tlvData, tlvTypeRelay, byte(len(relayBytes)))
		tlvData = append(tlvData, relayBytes...)
	}

	data, err := Bech32ConvertBits(tlvData, 8, 5, true)
	if err != nil {
		return "", err
	}

	return Bech32Encode("nprofile", data)
}
