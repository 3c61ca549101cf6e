// Package orchestrator implements the per-peer connection state
// machine of spec §4.7 (C7): dialing, the concurrency guard over
// in-flight connections, rate limiting, blacklist backoff, and cleanup
// on every exit path. It owns no transport of its own — every driver
// call and registry mutation goes through the typed contracts in
// driver, host, and registry.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/torlando-tech/ble-reticulum/config"
	"github.com/torlando-tech/ble-reticulum/driver"
	"github.com/torlando-tech/ble-reticulum/fragment"
	"github.com/torlando-tech/ble-reticulum/handshake"
	"github.com/torlando-tech/ble-reticulum/host"
	"github.com/torlando-tech/ble-reticulum/logger"
	"github.com/torlando-tech/ble-reticulum/mesherrors"
	"github.com/torlando-tech/ble-reticulum/meshid"
	"github.com/torlando-tech/ble-reticulum/registry"
)

// Orchestrator drives one peer at a time through Discovered -> Dialing
// -> HandshakePending -> Active -> Disconnecting -> Discovered (§4.7).
// Registry mutations triggered by driver events are serialized by the
// single executor goroutine that calls into it (engine, C8);
// Orchestrator adds its own locking only where a concurrent caller can
// reach the same state outside that goroutine: the connecting-set and
// MTU map guard a concurrent handshake goroutine, and the outbound map
// guards concurrent ProcessOutgoing calls the upper stack may issue
// from its own goroutines.
type Orchestrator struct {
	reg  *registry.Registry
	drv  driver.Driver
	hs   *handshake.Engine
	host host.Host
	cfg  config.Config
	clk  clock.Clock

	localIdentity meshid.Identity
	localMAC      meshid.MAC
	prefix        string

	// connMu guards connecting, the process-wide set of peers in
	// Dialing or HandshakePending (§4.7's concurrency guard, §5's
	// "separate mutex from the registry, ordered last").
	connMu     sync.Mutex
	connecting map[meshid.MAC]struct{}

	mtuMu      sync.Mutex
	pendingMTU map[meshid.MAC]int

	// sendMu guards outbound, the per-identity outbound-serialization
	// state (§5: "the next packet does not begin until the previous
	// packet's last fragment has been accepted").
	sendMu   sync.Mutex
	outbound map[meshid.Identity]*outboundState
}

// outboundState serializes ProcessOutgoing calls for one peer and
// tracks its queue depth for Registry.SetPendingOutbound.
type outboundState struct {
	mu    sync.Mutex
	depth atomic.Int32
}

// New creates an Orchestrator bound to reg/drv/host under cfg.
func New(reg *registry.Registry, drv driver.Driver, h host.Host, cfg config.Config, clk clock.Clock, localIdentity meshid.Identity, localMAC meshid.MAC, prefix string) *Orchestrator {
	return &Orchestrator{
		reg:           reg,
		drv:           drv,
		hs:            handshake.New(prefix),
		host:          h,
		cfg:           cfg,
		clk:           clk,
		localIdentity: localIdentity,
		localMAC:      localMAC,
		prefix:        prefix,
		connecting:    make(map[meshid.MAC]struct{}),
		pendingMTU:    make(map[meshid.MAC]int),
		outbound:      make(map[meshid.Identity]*outboundState),
	}
}

// ConnectingCount returns how many peers are currently Dialing or
// HandshakePending, used by the scheduler's scan gate (§4.8).
func (o *Orchestrator) ConnectingCount() int {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return len(o.connecting)
}

// enterConnecting adds mac to the connecting-set, reporting whether it
// was newly added (false means a dial is already in flight for mac and
// the caller's connect() call is a no-op per §4.7).
func (o *Orchestrator) enterConnecting(mac meshid.MAC) bool {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if _, ok := o.connecting[mac]; ok {
		return false
	}
	o.connecting[mac] = struct{}{}
	return true
}

func (o *Orchestrator) leaveConnecting(mac meshid.MAC) {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	delete(o.connecting, mac)
}

func (o *Orchestrator) storePendingMTU(mac meshid.MAC, mtu int) {
	o.mtuMu.Lock()
	defer o.mtuMu.Unlock()
	o.pendingMTU[mac] = mtu
}

func (o *Orchestrator) takePendingMTU(mac meshid.MAC) int {
	o.mtuMu.Lock()
	defer o.mtuMu.Unlock()
	mtu, ok := o.pendingMTU[mac]
	delete(o.pendingMTU, mac)
	if !ok {
		return 23 // wireproto.DefaultMTU; avoids importing wireproto for one constant.
	}
	return mtu
}

// Dial starts a connection attempt for a Discovered peer selected by
// §4.4. Per §4.7's concurrency guard, calling Dial on a peer already in
// the connecting-set is a silent no-op.
func (o *Orchestrator) Dial(ctx context.Context, mac meshid.MAC) error {
	if !o.enterConnecting(mac) {
		return nil
	}
	if err := o.reg.TransitionByMAC(mac, registry.Discovered, registry.Dialing); err != nil {
		o.leaveConnecting(mac)
		return err
	}
	o.reg.RecordAttemptByMAC(mac, o.clk.Now())

	if err := o.drv.Connect(ctx, mac); err != nil {
		o.handleFailureByMAC(mac, mesherrors.Wrap(mesherrors.KindTransientLink, err))
		return err
	}
	return nil
}

// HandleConnected processes the driver's device_connected event. On
// the central side (we were Dialing) it kicks off the handshake; on the
// peripheral side (a remote connected to us, so there's no prior
// Dialing record) it registers the inbound connection directly into
// HandshakePending and waits for the identity write (§4.6).
func (o *Orchestrator) HandleConnected(mac meshid.MAC, mtu int) {
	o.storePendingMTU(mac, mtu)

	peer, ok := o.reg.PeerByMAC(mac)
	if !ok {
		// A remote dialed us without ever appearing in a scan result;
		// the GATT server accepts it regardless (§4.7: peripheral role
		// doesn't require prior discovery of the dialing side).
		o.reg.RegisterInboundConnection(mac, o.clk.Now())
		o.enterConnecting(mac)
		return
	}

	switch peer.State {
	case registry.Dialing:
		if err := o.reg.TransitionByMAC(mac, registry.Dialing, registry.HandshakePending); err != nil {
			logger.Warn(o.prefix, "%v", err)
			return
		}
		go o.runCentralHandshake(mac)
	case registry.Discovered, registry.Blacklisted, registry.Disconnecting:
		o.reg.RegisterInboundConnection(mac, o.clk.Now())
		o.enterConnecting(mac)
	default:
		logger.Warn(o.prefix, "device_connected for %s already in state %s", mac, peer.State)
	}
}

func (o *Orchestrator) runCentralHandshake(mac meshid.MAC) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConnectionTimeout)
	defer cancel()

	peer, ok := o.reg.PeerByMAC(mac)
	if !ok {
		o.leaveConnecting(mac)
		return
	}
	expected := peer.Identity

	remoteIdentity, err := o.hs.CentralHandshake(ctx, o.drv, mac, expected, o.localIdentity, o.cfg.ServiceDiscoveryDelay)
	if err != nil {
		o.handleFailureByMAC(mac, err)
		return
	}

	o.reg.BindIdentity(mac, remoteIdentity, o.clk.Now())
	mtu := o.takePendingMTU(mac)
	if err := o.reg.ActivateWithMTU(remoteIdentity, mtu, o.cfg.MaxInflightBytes); err != nil {
		o.handleFailureByIdentity(remoteIdentity, mesherrors.Wrap(mesherrors.KindProtocol, err))
		return
	}
	o.leaveConnecting(mac)
	o.host.PeerAppeared(remoteIdentity, host.NewHandle(remoteIdentity))
	logger.Info(o.prefix, "peer %s active (central), mtu=%d", remoteIdentity, mtu)
}

// HandleDataReceived routes one inbound write/notification payload:
// the peripheral-side handshake detector (§4.6) first, then fragment
// reassembly (§4.1) for anything already Active.
func (o *Orchestrator) HandleDataReceived(mac meshid.MAC, data []byte) {
	peer, ok := o.reg.PeerByMAC(mac)
	if !ok {
		logger.Warn(o.prefix, "data_received for unknown mac %s", mac)
		return
	}

	if peer.State != registry.Active {
		result, identity := handshake.DetectInboundWrite(peer.Identity, data)
		if result != handshake.Handshake {
			logger.Warn(o.prefix, "dropping data from %s: %v", mac, mesherrors.ErrHandshakeNotSent)
			return
		}
		o.reg.BindIdentity(mac, identity, o.clk.Now())
		mtu := o.takePendingMTU(mac)
		if err := o.reg.ActivateWithMTU(identity, mtu, o.cfg.MaxInflightBytes); err != nil {
			logger.Warn(o.prefix, "activate after peripheral handshake failed: %v", err)
			return
		}
		o.leaveConnecting(mac)
		o.host.PeerAppeared(identity, host.NewHandle(identity))
		logger.Info(o.prefix, "peer %s active (peripheral), mtu=%d", identity, mtu)
		return
	}

	if peer.Reassembler == nil {
		logger.Warn(o.prefix, "data_received for %s with no reassembler installed", mac)
		return
	}
	f, err := fragment.DecodeFragment(data)
	if err != nil {
		logger.Warn(o.prefix, "malformed fragment from %s: %v", mac, err)
		return
	}
	res, payload, err := peer.Reassembler.DecodeInto(f, o.clk.Now())
	switch res {
	case fragment.Complete:
		o.host.Inbound(host.NewHandle(peer.Identity), payload)
	case fragment.Error:
		logger.Warn(o.prefix, "reassembly error from %s: %v", peer.Identity, err)
	}
}

func (o *Orchestrator) outboundStateFor(identity meshid.Identity) *outboundState {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	st, ok := o.outbound[identity]
	if !ok {
		st = &outboundState{}
		o.outbound[identity] = st
	}
	return st
}

func (o *Orchestrator) dropOutboundState(identity meshid.Identity) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	delete(o.outbound, identity)
}

// ProcessOutgoing is the engine's half of §6.2's process_outgoing: it
// fragments packet via the peer's negotiated MTU and writes every
// fragment through the driver in order. st.mu serializes calls for the
// same identity so the next packet's fragments never interleave with
// this one's (§5, §8's "outbound fragments for a single packet are
// written sequentially"); the queue depth bracketing the wait is
// published to the registry for PendingOutbound.
func (o *Orchestrator) ProcessOutgoing(ctx context.Context, peer host.PeerHandle, packet []byte) error {
	identity := peer.Identity()
	st := o.outboundStateFor(identity)

	o.reg.SetPendingOutbound(identity, int(st.depth.Add(1)))
	defer o.reg.SetPendingOutbound(identity, int(st.depth.Add(-1)))

	st.mu.Lock()
	defer st.mu.Unlock()

	p, ok := o.reg.PeerByIdentity(identity)
	if !ok || p.State != registry.Active || p.Fragmenter == nil {
		return fmt.Errorf("orchestrator: process_outgoing: %s is not active", identity)
	}

	frags, err := p.Fragmenter.Encode(packet)
	if err != nil {
		return mesherrors.Wrap(mesherrors.KindCodec, err)
	}

	for _, f := range frags {
		if err := o.drv.Send(ctx, p.MAC, f.Encode()); err != nil {
			return mesherrors.Wrap(mesherrors.KindTransientLink, err)
		}
	}
	return nil
}

// HandleDisconnected runs cleanup for a link the driver reports as
// dropped, on either side and regardless of how far the handshake had
// progressed (§4.7, §5: no orphaned resource on any exit path).
func (o *Orchestrator) HandleDisconnected(mac meshid.MAC) {
	peer, ok := o.reg.PeerByMAC(mac)
	if !ok {
		o.leaveConnecting(mac)
		return
	}
	identity := peer.Identity
	wasActive := peer.State == registry.Active

	o.leaveConnecting(mac)
	o.takePendingMTU(mac)
	_ = o.drv.Disconnect(mac)
	_ = o.drv.RemoveDevice(mac)

	if identity.IsZero() {
		o.reg.ForceStateByMAC(mac, registry.Disconnecting)
		o.applyBackoffByMAC(mac)
		return
	}

	o.reg.ForceState(identity, registry.Disconnecting)
	if wasActive {
		o.reg.RecordSuccess(identity)
		o.reg.ForceState(identity, registry.Discovered)
		o.dropOutboundState(identity)
		o.host.PeerGone(identity)
		return
	}
	o.applyBackoffByIdentity(identity)
}

// HandleConnectionFailed processes a driver-reported connect failure
// for a peer we were dialing (§6.1's on_connection_failed event).
func (o *Orchestrator) HandleConnectionFailed(mac meshid.MAC, err error) {
	o.handleFailureByMAC(mac, mesherrors.Wrap(mesherrors.KindTransientLink, err))
}

func (o *Orchestrator) handleFailureByMAC(mac meshid.MAC, err error) {
	logger.Warn(o.prefix, "connection attempt to %s failed: %v", mac, err)
	o.reg.ForceStateByMAC(mac, registry.Disconnecting)
	o.leaveConnecting(mac)
	o.takePendingMTU(mac)
	_ = o.drv.Disconnect(mac)
	_ = o.drv.RemoveDevice(mac)
	o.applyBackoffByMAC(mac)
}

func (o *Orchestrator) handleFailureByIdentity(identity meshid.Identity, err error) {
	logger.Warn(o.prefix, "connection attempt to %s failed: %v", identity, err)
	peer, ok := o.reg.PeerByIdentity(identity)
	if ok {
		o.leaveConnecting(peer.MAC)
		o.takePendingMTU(peer.MAC)
		_ = o.drv.Disconnect(peer.MAC)
		_ = o.drv.RemoveDevice(peer.MAC)
	}
	o.reg.ForceState(identity, registry.Disconnecting)
	o.applyBackoffByIdentity(identity)
}

// applyBackoffByMAC and applyBackoffByIdentity record the failed
// attempt and blacklist the peer once backoffDeadline says to.
func (o *Orchestrator) applyBackoffByMAC(mac meshid.MAC) {
	o.reg.RecordFailureByMAC(mac)
	peer, ok := o.reg.PeerByMAC(mac)
	if !ok {
		return
	}
	if until, blacklist := o.backoffDeadline(*peer); blacklist {
		o.reg.BlacklistByMAC(mac, until)
	} else {
		o.reg.ForceStateByMAC(mac, registry.Discovered)
	}
}

func (o *Orchestrator) applyBackoffByIdentity(identity meshid.Identity) {
	o.reg.RecordFailure(identity)
	peer, ok := o.reg.PeerByIdentity(identity)
	if !ok {
		return
	}
	if until, blacklist := o.backoffDeadline(*peer); blacklist {
		o.reg.Blacklist(identity, until)
	} else {
		o.reg.ForceState(identity, registry.Discovered)
	}
}

// backoffDeadline implements §4.7's formula: after
// max_failures_before_blacklist consecutive non-successful attempts,
// blacklisted_until = now + 60*min(failures - threshold + 1, 8)
// seconds. A success anywhere in the peer's history resets the streak,
// so interleaved successes never accumulate toward the threshold.
func (o *Orchestrator) backoffDeadline(peer registry.Peer) (time.Time, bool) {
	failures := peer.ConsecutiveFailures
	threshold := o.cfg.MaxFailuresBeforeBlacklist
	if failures < threshold {
		return time.Time{}, false
	}
	cappedSteps := failures - threshold + 1
	if cappedSteps > 8 {
		cappedSteps = 8
	}
	return o.clk.Now().Add(time.Duration(60*cappedSteps) * time.Second), true
}

// Shutdown force-disconnects every Active peer (§4.8's shutdown
// cleanup), aggregating per-peer driver errors instead of discarding
// all but the first.
func (o *Orchestrator) Shutdown() error {
	var errs error
	for _, p := range o.reg.Snapshot() {
		if p.State != registry.Active {
			continue
		}
		if err := o.drv.Disconnect(p.MAC); err != nil {
			errs = multierr.Append(errs, err)
		}
		o.reg.ForceState(p.Identity, registry.Disconnecting)
		o.host.PeerGone(p.Identity)
	}
	return errs
}
