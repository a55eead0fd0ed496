package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"nostr-proxy/internal/nip44"
	"nostr-proxy/internal/nips"
)

// Identity owns the proxy's long-lived secret key. Read-only after startup.
type Identity struct {
	priv   *btcec.PrivateKey
	PubKey string // x-only, 64 hex chars
	Npub   string
}

// LoadIdentity loads the secret key from the nsec file when one exists,
// otherwise generates a fresh key. With SaveNsec set, a generated key is
// persisted (parent directories created as needed). A file containing
// anything other than an nsec fails startup.
func LoadIdentity(cfg *Config) (*Identity, error) {
	if cfg.NsecFile != "" {
		data, err := os.ReadFile(cfg.NsecFile)
		if err == nil {
			keyBytes, err := nips.DecodeSecretKey(strings.TrimSpace(string(data)))
			if err != nil {
				return nil, fmt.Errorf("nsec file %s: %w", cfg.NsecFile, err)
			}
			priv, _ := btcec.PrivKeyFromBytes(keyBytes)
			return newIdentity(priv), nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read nsec file: %w", err)
		}
	}

	priv, err := nip44.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}

	if cfg.NsecFile != "" && cfg.SaveNsec {
		nsec, err := nips.EncodeSecretKey(priv.Serialize())
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(cfg.NsecFile); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create nsec directory: %w", err)
			}
		}
		if err := os.WriteFile(cfg.NsecFile, []byte(nsec+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("save nsec file: %w", err)
		}
	}

	return newIdentity(priv), nil
}

func newIdentity(priv *btcec.PrivateKey) *Identity {
	pub := nip44.PublicKeyHex(priv)
	npub, _ := nips.EncodePubkey(pub)
	return &Identity{priv: priv, PubKey: pub, Npub: npub}
}

// Private exposes the secret key to the crypto pipeline
func (id *Identity) Private() *btcec.PrivateKey {
	return id.priv
}

// ConversationKey derives the shared key with a counterparty pubkey
func (id *Identity) ConversationKey(pubHex string) ([]byte, error) {
	return nip44.ConversationKey(id.priv, pubHex)
}
