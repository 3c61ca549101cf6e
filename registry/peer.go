package registry

import (
	"time"

	"github.com/torlando-tech/ble-reticulum/fragment"
	"github.com/torlando-tech/ble-reticulum/meshid"
)

// State is a Peer's position in the C7 connection state machine (§4.7).
type State int

const (
	Discovered State = iota
	Dialing
	HandshakePending
	Active
	Disconnecting
	Blacklisted
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Dialing:
		return "dialing"
	case HandshakePending:
		return "handshake_pending"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Blacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Fragmenter is the per-peer outbound codec instance: it remembers the
// negotiated MTU and splits packets with it. It holds no lock; the
// back-pressure rule of §5 (the next packet does not begin until the
// previous packet's last fragment has been accepted) is enforced by
// orchestrator.ProcessOutgoing, which serializes sends per peer.
type Fragmenter struct {
	MTU int
}

// Encode splits packet using this fragmenter's negotiated MTU.
func (fr *Fragmenter) Encode(packet []byte) ([]fragment.Fragment, error) {
	return fragment.Encode(packet, fr.MTU)
}

// Peer is one record per known remote device (§3). Field names mirror
// the spec directly; identity is meshid.ZeroIdentity until the handshake
// binds it.
type Peer struct {
	Identity meshid.Identity
	MAC      meshid.MAC
	Name     string

	RSSILast int
	SeenAt   time.Time

	AttemptsTotal   int
	AttemptsSuccess int
	LastAttemptAt   time.Time

	// ConsecutiveFailures counts non-successful attempts since the last
	// success, reset to 0 by RecordSuccess. §4.7's blacklist threshold is
	// measured against this, not the cumulative attempt/success totals.
	ConsecutiveFailures int

	BlacklistedUntil time.Time

	State State

	// Fragmenter and Reassembler exist only while State == Active
	// (invariant 3, §3); both are nil otherwise.
	Fragmenter  *Fragmenter
	Reassembler *fragment.Buffer

	// outboundDepth is the count of packets queued behind the
	// back-pressure rule of §5 (one packet in flight at a time per peer).
	// Exposed read-only via PendingOutbound.
	outboundDepth int
}

// PendingOutbound returns the number of outbound packets currently
// queued for this peer (§12 supplemented feature).
func (p *Peer) PendingOutbound() int {
	return p.outboundDepth
}

// IsBlacklisted reports whether the peer is currently excluded from
// selection (invariant 5: blacklisted_until > now iff state == Blacklisted).
func (p *Peer) IsBlacklisted(now time.Time) bool {
	return p.State == Blacklisted && p.BlacklistedUntil.After(now)
}

// snapshot returns a value copy safe to hand to callers outside the
// registry lock.
func (p *Peer) snapshot() Peer {
	cp := *p
	return cp
}
