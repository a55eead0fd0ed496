package nostr

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"nostr-proxy/internal/nip44"
)

// BuildSeal encrypts the inner event to destPub and wraps it in a kind-13
// seal signed by authorPriv. createdAt is supplied by the caller because it
// is randomized to blur publish timing.
func BuildSeal(inner *Event, authorPriv *btcec.PrivateKey, destPub string, createdAt int64) (*Event, error) {
	innerJSON, err := inner.MarshalWire()
	if err != nil {
		return nil, fmt.Errorf("serialize inner event: %w", err)
	}

	convKey, err := nip44.ConversationKey(authorPriv, destPub)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(innerJSON), convKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt inner event: %w", err)
	}

	seal := &Event{
		PubKey:    nip44.PublicKeyHex(authorPriv),
		CreatedAt: createdAt,
		Kind:      KindSeal,
		Tags:      [][]string{},
		Content:   ciphertext,
	}
	if err := seal.Sign(authorPriv); err != nil {
		return nil, fmt.Errorf("sign seal: %w", err)
	}
	return seal, nil
}

// BuildGiftWrap encrypts the seal to destPub under a fresh one-shot key and
// signs the kind-21059 wrap with it. The ephemeral key never leaves this
// function, so wraps from the same sender cannot be linked by pubkey.
// primaryRelay lands in the p tag; extraRelays become a relays tag.
func BuildGiftWrap(seal *Event, destPub string, primaryRelay string, extraRelays []string, createdAt int64) (*Event, error) {
	sealJSON, err := seal.MarshalWire()
	if err != nil {
		return nil, fmt.Errorf("serialize seal: %w", err)
	}

	ephemeral, err := nip44.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	convKey, err := nip44.ConversationKey(ephemeral, destPub)
	if err != nil {
		return nil, fmt.Errorf("derive wrap conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(sealJSON), convKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt seal: %w", err)
	}

	pTag := []string{"p", destPub}
	if primaryRelay != "" {
		pTag = append(pTag, primaryRelay)
	}
	tags := [][]string{pTag}
	if len(extraRelays) > 0 {
		tags = append(tags, append([]string{"relays"}, extraRelays...))
	}

	wrap := &Event{
		PubKey:    nip44.PublicKeyHex(ephemeral),
		CreatedAt: createdAt,
		Kind:      KindGiftWrap,
		Tags:      tags,
		Content:   ciphertext,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nil, fmt.Errorf("sign gift wrap: %w", err)
	}
	return wrap, nil
}

// UnwrapGift decrypts a gift wrap's content under the recipient key and the
// wrap's (ephemeral) pubkey, returning the embedded seal
func UnwrapGift(wrap *Event, recipientPriv *btcec.PrivateKey) (*Event, error) {
	if wrap.Kind != KindGiftWrap {
		return nil, fmt.Errorf("not a gift wrap: kind %d", wrap.Kind)
	}

	convKey, err := nip44.ConversationKey(recipientPriv, wrap.PubKey)
	if err != nil {
		return nil, fmt.Errorf("derive unwrap key: %w", err)
	}
	plaintext, err := nip44.Decrypt(wrap.Content, convKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt gift wrap: %w", err)
	}

	seal, err := ParseEvent([]byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("parse seal: %w", err)
	}
	if seal.Kind != KindSeal {
		return nil, fmt.Errorf("wrapped event is not a seal: kind %d", seal.Kind)
	}
	return seal, nil
}

// UnwrapSeal decrypts a seal's content under the recipient key and the
// seal's pubkey, returning the unsigned inner event. Signature verification
// of the seal itself is the caller's responsibility.
func UnwrapSeal(seal *Event, recipientPriv *btcec.PrivateKey) (*Event, error) {
	if seal.Kind != KindSeal {
		return nil, errors.New("not a seal")
	}

	convKey, err := nip44.ConversationKey(recipientPriv, seal.PubKey)
	if err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	plaintext, err := nip44.Decrypt(seal.Content, convKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt seal: %w", err)
	}

	inner, err := ParseEvent([]byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("parse inner event: %w", err)
	}
	return inner, nil
}
