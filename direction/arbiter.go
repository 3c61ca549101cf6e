// Package direction implements the deterministic direction arbiter
// (§4.5, C5): comparing local and remote MACs decides, with no
// coordination between the two sides, which one dials the other.
package direction

import (
	"github.com/torlando-tech/ble-reticulum/logger"
	"github.com/torlando-tech/ble-reticulum/meshid"
)

// Decision is the arbiter's verdict for the local side of a potential link.
type Decision int

const (
	// Initiate means the local side should dial the remote.
	Initiate Decision = iota
	// Wait means the local side should wait passively to be dialed.
	Wait
	// Collision means local and remote MACs are equal; neither side
	// may initiate.
	Collision
)

func (d Decision) String() string {
	switch d {
	case Initiate:
		return "initiate"
	case Wait:
		return "wait"
	default:
		return "collision"
	}
}

// Decide compares local and remote as unsigned 48-bit integers: the
// lower MAC initiates. Equal MACs are a collision and refuse to
// initiate on either side, which is logged since it indicates a
// duplicate or spoofed address on the link.
func Decide(local, remote meshid.MAC) Decision {
	l, r := local.Uint64(), remote.Uint64()
	switch {
	case l < r:
		return Initiate
	case l > r:
		return Wait
	default:
		logger.Warn("direction", "MAC collision: local and remote both %s", local)
		return Collision
	}
}

// ShouldInitiate is a convenience predicate used by selection (§4.4).
func ShouldInitiate(local, remote meshid.MAC) bool {
	return Decide(local, remote) == Initiate
}
