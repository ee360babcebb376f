// Copyright 2024-2026 Aiku AI

package credstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"go.mau.fi/util/random"
	"golang.org/x/crypto/curve25519"
)

// Credentials is the identity and registration material the protocol engine
// needs to resume a session without re-pairing. Its schema is owned by the
// engine; the store treats it as a JSON-like tree that may contain binary
// values.
type Credentials map[string]any

// Credential fields the gateway itself reads.
const (
	FieldRegistered = "registered"
	FieldMe         = "me"
)

// NewCredentials returns a fresh, unpaired credential set with newly
// generated key pairs.
func NewCredentials() (Credentials, error) {
	noise, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	ephemeral, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	return Credentials{
		"noiseKey":                 noise,
		"pairingEphemeralKeyPair":  ephemeral,
		"signedIdentityKey":        identity,
		"registrationId":           float64(registrationID()),
		"advSecretKey":             base64.StdEncoding.EncodeToString(random.Bytes(32)),
		"processedHistoryMessages": []any{},
		"nextPreKeyId":             float64(1),
		"firstUnuploadedPreKeyId":  float64(1),
		"accountSyncCounter":       float64(0),
		"accountSettings": map[string]any{
			"unarchiveChats": false,
		},
		FieldRegistered: false,
	}, nil
}

// Registered reports whether the credentials belong to a paired device.
func (c Credentials) Registered() bool {
	v, _ := c[FieldRegistered].(bool)
	return v
}

// MeID returns the account id recorded after pairing, or "".
func (c Credentials) MeID() string {
	me, ok := c[FieldMe].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := me["id"].(string)
	return id
}

// newKeyPair generates a Curve25519 key pair with an RFC 7748 clamped
// private scalar.
func newKeyPair() (map[string]any, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return map[string]any{
		"private": priv[:],
		"public":  pub,
	}, nil
}

// registrationID returns a random 14-bit registration id.
func registrationID() uint16 {
	return binary.BigEndian.Uint16(random.Bytes(2)) & 16383
}
