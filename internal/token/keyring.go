package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

// ErrSigningUnavailable is returned when no signing material is loaded.
// The gate converts it into a fail-closed SIGNING_UNAVAILABLE block.
var ErrSigningUnavailable = errors.New("signing material unavailable")

const macKeySize = 32

// signingKey is an immutable derived key; the keyring swaps whole values.
type signingKey struct {
	keyID string
	mac   []byte
}

// Keyring holds the active MAC key, derived from the configured signing
// material via HKDF-SHA256. Keys are read-only at runtime; rotation is an
// atomic swap so in-flight requests never observe a partial key.
type Keyring struct {
	active atomic.Pointer[signingKey]
}

// NewKeyring creates an empty keyring. Load must be called before issuing.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Load derives the v0 MAC key from raw key material and installs it.
func (k *Keyring) Load(keyID, material string) error {
	if material == "" {
		return ErrSigningUnavailable
	}

	r := hkdf.New(sha256.New, []byte(material), nil, []byte("tradegate/decision-token/v0"))
	mac := make([]byte, macKeySize)
	if _, err := io.ReadFull(r, mac); err != nil {
		return fmt.Errorf("token: key derivation failed: %w", err)
	}

	k.active.Store(&signingKey{keyID: keyID, mac: mac})
	return nil
}

// Rotate is Load under its operational name; it atomically replaces the
// active key. Previously issued tokens verify only against the new key, which
// is intentional: historical decisions are proven from the audit chain, not
// by re-verifying old MACs.
func (k *Keyring) Rotate(keyID, material string) error {
	return k.Load(keyID, material)
}

// current returns the active key or ErrSigningUnavailable.
func (k *Keyring) current() (*signingKey, error) {
	key := k.active.Load()
	if key == nil || len(key.mac) == 0 {
		return nil, ErrSigningUnavailable
	}
	return key, nil
}

// KeyID returns the active key's identifier, or empty when unloaded.
func (k *Keyring) KeyID() string {
	if key := k.active.Load(); key != nil {
		return key.keyID
	}
	return ""
}

// Available reports whether signing material is loaded.
func (k *Keyring) Available() bool {
	_, err := k.current()
	return err == nil
}
