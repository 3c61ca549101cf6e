// Package meshid defines the identity and address types shared across the
// engine: the upper stack's 16-byte cryptographic Identity and the
// BLE-layer 48-bit MAC. Both are comparable fixed-width values so they can
// be used directly as map keys without a conversion step at every call
// site; hex/string rendering is reserved for logging boundaries.
package meshid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the upper stack's opaque 16-byte fingerprint. It survives
// MAC-address randomization and is the authoritative key for a Peer
// record. The zero value means "not yet learned".
type Identity [16]byte

// ZeroIdentity is the not-yet-learned sentinel.
var ZeroIdentity Identity

// NewIdentity generates a fresh random identity. Only used by demo/test
// harnesses standing in for the upper stack's real key material.
func NewIdentity() Identity {
	return Identity(uuid.New())
}

// IdentityFromBytes copies exactly 16 bytes into an Identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != 16 {
		return id, fmt.Errorf("meshid: identity must be 16 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether this is the not-yet-learned sentinel.
func (id Identity) IsZero() bool {
	return id == ZeroIdentity
}

// Bytes returns the raw 16 bytes.
func (id Identity) Bytes() []byte {
	return id[:]
}

// Hex returns the normative 32-character lowercase hex form used in logs;
// maps key on the Identity value itself. §9 of the spec rejects truncated
// forms as collision-prone.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer with the same normative hex form.
func (id Identity) String() string {
	return id.Hex()
}

// UUID exposes the identity as a uuid.UUID for interop with code that
// already speaks that type (e.g. the demo harness).
func (id Identity) UUID() uuid.UUID {
	return uuid.UUID(id)
}
