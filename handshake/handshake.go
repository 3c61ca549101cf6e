// Package handshake implements the identity exchange of spec §4.6 (C6):
// the central's post-connection identity read+write, and the
// peripheral's detector that distinguishes a first handshake write from
// an ordinary data fragment on the same RX characteristic.
package handshake

import (
	"context"
	"time"

	"github.com/torlando-tech/ble-reticulum/driver"
	"github.com/torlando-tech/ble-reticulum/logger"
	"github.com/torlando-tech/ble-reticulum/mesherrors"
	"github.com/torlando-tech/ble-reticulum/meshid"
	"github.com/torlando-tech/ble-reticulum/wireproto"
)

// Engine runs both sides of the handshake. It holds no peer state of
// its own — the registry remains the single source of truth — and is
// safe for concurrent use across peers.
type Engine struct {
	prefix string
}

// New creates a handshake engine that logs under prefix.
func New(prefix string) *Engine {
	return &Engine{prefix: prefix}
}

// IsHandshakePayload reports whether data is shaped like an identity
// handshake write rather than a fragment (§4.6's peripheral detector:
// "payload is exactly 16 bytes").
func IsHandshakePayload(data []byte) bool {
	return len(data) == wireproto.IdentityLen
}

// CentralHandshake runs the dialing side's post-connection sequence
// (§4.6 central): wait for GATT services to resolve, subscribe to
// notifications, read the remote identity, verify it against
// expectedIdentity (the identity inferred at discovery, if any), then
// write our own identity to the remote's RX characteristic.
//
// A write failure is logged and swallowed (§4.6 step 3: "log warning
// and continue; remote may still learn us by other means"). A failure
// to resolve services, subscribe, or read the identity, or an identity
// mismatch, aborts the attempt.
func (e *Engine) CentralHandshake(
	ctx context.Context,
	drv driver.Driver,
	mac meshid.MAC,
	expectedIdentity meshid.Identity,
	localIdentity meshid.Identity,
	serviceDiscoveryDelay time.Duration,
) (meshid.Identity, error) {
	if err := drv.WaitServicesResolved(ctx, mac, serviceDiscoveryDelay); err != nil {
		return meshid.ZeroIdentity, mesherrors.Wrap(mesherrors.KindTransientLink, err)
	}
	if err := drv.SubscribeIdentityNotify(ctx, mac); err != nil {
		return meshid.ZeroIdentity, mesherrors.Wrap(mesherrors.KindTransientLink, err)
	}

	raw, err := drv.ReadIdentity(ctx, mac)
	if err != nil {
		return meshid.ZeroIdentity, mesherrors.Wrap(mesherrors.KindTransientLink, err)
	}
	remoteIdentity := meshid.Identity(raw)

	if !expectedIdentity.IsZero() && remoteIdentity != expectedIdentity {
		return meshid.ZeroIdentity, mesherrors.ErrIdentityMismatch
	}

	if err := drv.Send(ctx, mac, localIdentity.Bytes()); err != nil {
		logger.Warn(e.prefix, "identity write to %s failed, continuing in degraded mode: %v", mac, err)
	}

	return remoteIdentity, nil
}

// PeripheralDetectResult is the outcome of feeding one inbound write
// through the peripheral-side detector.
type PeripheralDetectResult int

const (
	// NotHandshake means the payload should be processed as a data
	// fragment (§4.1), not a handshake.
	NotHandshake PeripheralDetectResult = iota
	// Handshake means the payload was consumed as an identity
	// handshake and must not also be decoded as a fragment.
	Handshake
)

// DetectInboundWrite implements §4.6's peripheral-side rule: an inbound
// write is a handshake iff the sender's identity is not yet known (per
// knownIdentity, the zero value if unknown) and the payload is exactly
// 16 bytes. Everything else is data.
func DetectInboundWrite(knownIdentity meshid.Identity, data []byte) (PeripheralDetectResult, meshid.Identity) {
	if !knownIdentity.IsZero() {
		return NotHandshake, meshid.ZeroIdentity
	}
	if !IsHandshakePayload(data) {
		return NotHandshake, meshid.ZeroIdentity
	}
	identity, err := meshid.IdentityFromBytes(data)
	if err != nil {
		return NotHandshake, meshid.ZeroIdentity
	}
	return Handshake, identity
}
