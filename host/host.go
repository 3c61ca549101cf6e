// Package host defines the typed boundary to the upper mesh stack (spec
// §6.2, C9): the packet ingestion, path table, and identity material
// that this engine bridges to BLE transport but never implements
// itself. A peerHandle is an opaque token tied to an identity; routing
// send/receive through it is the host's job, not the engine's.
package host

import (
	"context"

	"github.com/torlando-tech/ble-reticulum/meshid"
)

// PeerHandle is the opaque token the engine hands to the upper stack
// when a peer interface appears. Send/receive through this handle
// routes automatically back to the right identity.
type PeerHandle interface {
	Identity() meshid.Identity
}

// Sender is the engine's half of §6.2's contract: the entry point the
// upper stack calls to hand a packet to a peer, the reverse direction
// of Host. The engine implements this; the upper stack consumes it.
type Sender interface {
	// ProcessOutgoing fragments packet via the peer's negotiated MTU
	// and writes each fragment through the driver in order, blocking
	// until the whole packet has been accepted (§5 back-pressure: the
	// next call for the same peer does not begin writing until this
	// one's last fragment has been accepted). Fails if peer is not
	// currently Active.
	ProcessOutgoing(ctx context.Context, peer PeerHandle, packet []byte) error
}

// Host is the contract consumed and exposed per §6.2.
type Host interface {
	// LocalIdentity returns the upper stack's 16-byte identity. The
	// engine reads it when constructed (for the identity it writes
	// during the central handshake) and again in Start to populate the
	// identity characteristic.
	LocalIdentity() meshid.Identity

	// LocalMAC returns this node's own BLE MAC, used by the direction
	// arbiter (§4.5).
	LocalMAC() meshid.MAC

	// Inbound delivers one fully reassembled packet to the upper
	// stack. Must return promptly; the engine's single-threaded
	// executor is blocked on this call (§5).
	Inbound(peer PeerHandle, packet []byte)

	// PeerAppeared notifies the upper stack that identity now has a
	// live interface reachable through handle.
	PeerAppeared(identity meshid.Identity, handle PeerHandle)

	// PeerGone notifies the upper stack that identity's interface has
	// been torn down; the handle is no longer valid.
	PeerGone(identity meshid.Identity)
}

// Handle is the engine's concrete PeerHandle implementation: a thin
// wrapper binding an identity so the host never needs to know how the
// engine tracks peers internally.
type Handle struct {
	identity meshid.Identity
}

// NewHandle wraps identity as an opaque PeerHandle for the host.
func NewHandle(identity meshid.Identity) Handle {
	return Handle{identity: identity}
}

func (h Handle) Identity() meshid.Identity {
	return h.identity
}
