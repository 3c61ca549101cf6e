// Package engine assembles the scheduler / runtime core (spec §4.8,
// C8): the cooperative executor that drains driver events, runs the
// discovery loop, and sweeps stale state, all coordinated through the
// registry and orchestrator. A single Engine value owns everything —
// no package-level state — so a process can run more than one radio
// interface if it ever needs to.
package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/torlando-tech/ble-reticulum/config"
	"github.com/torlando-tech/ble-reticulum/driver"
	"github.com/torlando-tech/ble-reticulum/host"
	"github.com/torlando-tech/ble-reticulum/logger"
	"github.com/torlando-tech/ble-reticulum/mesherrors"
	"github.com/torlando-tech/ble-reticulum/orchestrator"
	"github.com/torlando-tech/ble-reticulum/registry"
	"github.com/torlando-tech/ble-reticulum/wireproto"
)

// Engine is the runtime core binding a driver, a host, and the engine's
// own registry/orchestrator together for one local radio identity.
type Engine struct {
	cfg  config.Config
	drv  driver.Driver
	host host.Host
	clk  clock.Clock

	reg  *registry.Registry
	orch *orchestrator.Orchestrator

	prefix string

	dialSem *semaphore.Weighted

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an Engine. clk is injectable so tests can control time
// deterministically; production callers pass clock.New().
func New(cfg config.Config, drv driver.Driver, h host.Host, clk clock.Clock, prefix string) *Engine {
	reg := registry.New(prefix, cfg.MaxDiscoveredPeers)
	orch := orchestrator.New(reg, drv, h, cfg, clk, h.LocalIdentity(), h.LocalMAC(), prefix)
	return &Engine{
		cfg:     cfg,
		drv:     drv,
		host:    h,
		clk:     clk,
		reg:     reg,
		orch:    orch,
		prefix:  prefix,
		dialSem: semaphore.NewWeighted(int64(cfg.MaxPeers)),
	}
}

var _ host.Sender = (*Engine)(nil)

// Registry exposes the peer registry for observability callers
// (demo/trace tooling); the engine itself is the only mutator.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// ProcessOutgoing is the engine's exposed half of §6.2: the upper
// stack's entry point for handing a packet to peer, the reverse
// direction of Host.
func (e *Engine) ProcessOutgoing(ctx context.Context, peer host.PeerHandle, packet []byte) error {
	return e.orch.ProcessOutgoing(ctx, peer, packet)
}

// Start validates configuration, brings the driver online, and
// launches the three periodic activities of §4.8 plus the event loop
// that drains driver callbacks.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return mesherrors.Wrap(mesherrors.KindFatal, err)
	}

	if err := e.drv.Start(ctx, wireproto.ServiceUUID, wireproto.RXCharUUID, wireproto.TXCharUUID, wireproto.IdentityCharUUID); err != nil {
		return mesherrors.Wrap(mesherrors.KindFatal, err)
	}

	var identityBytes [16]byte
	copy(identityBytes[:], e.host.LocalIdentity().Bytes())
	if err := e.drv.SetIdentity(identityBytes); err != nil {
		return mesherrors.Wrap(mesherrors.KindFatal, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.eventLoop(gctx) })
	g.Go(func() error { return e.discoveryLoop(gctx) })
	g.Go(func() error { return e.cleanupLoop(gctx) })
	e.group = g

	if e.cfg.EnablePeripheral {
		if err := e.drv.StartAdvertising(ctx, e.cfg.DeviceName); err != nil {
			logger.Warn(e.prefix, "start_advertising failed: %v", err)
		}
	}

	logger.Info(e.prefix, "engine started, power_mode=%s scan_interval=%s", e.cfg.PowerMode, e.cfg.ScanInterval)
	return nil
}

// Stop signals every loop, waits up to ShutdownTimeout for them to
// drain, then force-cleans regardless: disconnect every Active peer,
// stop scanning/advertising, release the driver (§4.8 cancellation).
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	if e.group != nil {
		done := make(chan struct{})
		go func() {
			e.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-e.clk.After(e.cfg.ShutdownTimeout):
			logger.Warn(e.prefix, "shutdown timed out after %s, force-cleaning", e.cfg.ShutdownTimeout)
		}
	}

	err := e.orch.Shutdown()
	if stopErr := e.drv.StopScanning(); stopErr != nil {
		err = multierr.Append(err, stopErr)
	}
	if stopErr := e.drv.StopAdvertising(); stopErr != nil {
		err = multierr.Append(err, stopErr)
	}
	if stopErr := e.drv.Stop(); stopErr != nil {
		err = multierr.Append(err, stopErr)
	}
	logger.Info(e.prefix, "engine stopped")
	return err
}

// eventLoop is the single reader draining every driver callback,
// mirroring the teacher's single-reader socket loop: one goroutine, no
// reentrant callbacks, exclusive access to whatever it touches between
// receives (§5).
func (e *Engine) eventLoop(ctx context.Context) error {
	events := e.drv.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev driver.Event) {
	switch ev.Kind {
	case driver.DeviceDiscovered:
		e.reg.UpsertFromAdvert(registry.Advert{
			MAC:      ev.Advert.MAC,
			RSSI:     ev.Advert.RSSI,
			Name:     ev.Advert.Name,
			Services: ev.Advert.Services,
		}, e.clk.Now())
	case driver.DeviceConnected:
		e.orch.HandleConnected(ev.MAC, ev.MTU)
	case driver.DeviceDisconnected:
		e.orch.HandleDisconnected(ev.MAC)
	case driver.DataReceived:
		e.orch.HandleDataReceived(ev.MAC, ev.Data)
	case driver.ConnectionFailed:
		e.orch.HandleConnectionFailed(ev.MAC, ev.Err)
	default:
		logger.Warn(e.prefix, "unknown driver event kind %v", ev.Kind)
	}
}

// discoveryLoop runs the scan cadence of §4.8 activity 1, gated by
// activity 3 (the scan gate): any peer currently Dialing or
// HandshakePending causes this cycle to be skipped entirely, since the
// scanner and an in-progress connection can't run concurrently on this
// driver family.
func (e *Engine) discoveryLoop(ctx context.Context) error {
	ticker := e.clk.Ticker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runDiscoveryCycle(ctx)
		}
	}
}

func (e *Engine) runDiscoveryCycle(ctx context.Context) {
	if n := e.orch.ConnectingCount(); n > 0 {
		logger.Debug(e.prefix, "scan gate: skipping cycle, %d peer(s) connecting", n)
		return
	}

	if e.cfg.EnableCentral {
		if err := e.drv.StartScanning(ctx); err != nil {
			logger.Warn(e.prefix, "start_scanning failed: %v", err)
			return
		}
	}

	candidates := e.reg.Select(registry.SelectionParams{
		Now:              e.clk.Now(),
		LocalMAC:         e.host.LocalMAC(),
		MinRSSI:          e.cfg.MinRSSI,
		ConnectRateLimit: e.cfg.ConnectRateLimit,
		MaxPeers:         e.cfg.MaxPeers,
		ActiveCount:      e.reg.ActiveCount(),
	})

	for _, c := range candidates {
		mac := c.Peer.MAC
		if err := e.dialSem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer e.dialSem.Release(1)
			if e.cfg.ConnectJitter > 0 {
				jitter := time.Duration(rand.Int63n(int64(e.cfg.ConnectJitter)))
				select {
				case <-ctx.Done():
					return
				case <-e.clk.After(jitter):
				}
			}
			if err := e.orch.Dial(ctx, mac); err != nil {
				logger.Warn(e.prefix, "dial %s failed: %v", mac, err)
			}
		}()
	}
}

// cleanupLoop runs §4.8 activity 2 every CleanupInterval: expire
// blacklists, drop stale Discovered peers, and discard reassembly
// buffers whose last update is older than ReassemblyTimeout.
func (e *Engine) cleanupLoop(ctx context.Context) error {
	ticker := e.clk.Ticker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runCleanup()
		}
	}
}

func (e *Engine) runCleanup() {
	now := e.clk.Now()
	cleared := e.reg.ClearExpiredBlacklists(now)
	dropped := e.reg.DropStale(now, e.cfg.StalePeerInterval)

	staleBuffers := 0
	for _, p := range e.reg.Snapshot() {
		if p.Reassembler == nil {
			continue
		}
		if peer, ok := e.reg.PeerByIdentity(p.Identity); ok && peer.Reassembler != nil {
			if peer.Reassembler.DiscardIfStale(now, e.cfg.ReassemblyTimeout) {
				staleBuffers++
			}
		}
	}

	if cleared > 0 || dropped > 0 || staleBuffers > 0 {
		logger.Debug(e.prefix, "cleanup sweep: %d blacklist(s) cleared, %d stale peer(s) dropped, %d reassembly buffer(s) discarded",
			cleared, dropped, staleBuffers)
	}
}
