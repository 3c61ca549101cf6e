package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/torlando-tech/ble-reticulum/config"
	"github.com/torlando-tech/ble-reticulum/driver"
	"github.com/torlando-tech/ble-reticulum/host"
	"github.com/torlando-tech/ble-reticulum/meshid"
	"github.com/torlando-tech/ble-reticulum/registry"
	"github.com/torlando-tech/ble-reticulum/simdriver"
)

type fakeHost struct {
	identity meshid.Identity
	mac      meshid.MAC
	appeared chan meshid.Identity
	gone     chan meshid.Identity
	inbound  chan []byte
}

func newFakeHost(identity meshid.Identity, mac meshid.MAC) *fakeHost {
	return &fakeHost{
		identity: identity,
		mac:      mac,
		appeared: make(chan meshid.Identity, 4),
		gone:     make(chan meshid.Identity, 4),
		inbound:  make(chan []byte, 4),
	}
}

func (h *fakeHost) LocalIdentity() meshid.Identity { return h.identity }
func (h *fakeHost) LocalMAC() meshid.MAC           { return h.mac }
func (h *fakeHost) Inbound(peer host.PeerHandle, packet []byte) {
	h.inbound <- packet
}
func (h *fakeHost) PeerAppeared(identity meshid.Identity, handle host.PeerHandle) {
	h.appeared <- identity
}
func (h *fakeHost) PeerGone(identity meshid.Identity) {
	h.gone <- identity
}

func mustMAC(t *testing.T, s string) meshid.MAC {
	t.Helper()
	mac, err := meshid.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func newTestOrchestrator(t *testing.T, drv *simdriver.Driver, mac meshid.MAC) (*Orchestrator, *registry.Registry, *fakeHost, *clock.Mock) {
	t.Helper()
	reg := registry.New("test", 100)
	h := newFakeHost(meshid.NewIdentity(), mac)
	clk := clock.NewMock()
	cfg := config.Default()
	orch := New(reg, drv, h, cfg, clk, h.identity, mac, "test")
	return orch, reg, h, clk
}

func TestDialIsNoOpWhenAlreadyConnecting(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	remoteDrv := simdriver.New(remoteMAC, "remote")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start local: %v", err)
	}
	if err := remoteDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop(); remoteDrv.Stop() })

	orch, reg, _, clk := newTestOrchestrator(t, localDrv, localMAC)
	reg.UpsertFromAdvert(registry.Advert{MAC: remoteMAC, RSSI: -50}, clk.Now())

	if err := orch.Dial(context.Background(), remoteMAC); err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	if err := orch.Dial(context.Background(), remoteMAC); err != nil {
		t.Fatalf("second Dial should be a silent no-op, got error: %v", err)
	}

	peer, ok := reg.PeerByMAC(remoteMAC)
	if !ok {
		t.Fatal("peer record missing after Dial")
	}
	if peer.AttemptsTotal != 1 {
		t.Errorf("attempts_total = %d, want 1 (second Dial must not double-count)", peer.AttemptsTotal)
	}
	if n := orch.ConnectingCount(); n != 1 {
		t.Errorf("ConnectingCount = %d, want 1", n)
	}
}

func TestDialUnknownPeerFails(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop() })

	orch, _, _, _ := newTestOrchestrator(t, localDrv, localMAC)
	if err := orch.Dial(context.Background(), remoteMAC); err == nil {
		t.Error("Dial on a mac with no registry record should fail")
	}
	if n := orch.ConnectingCount(); n != 0 {
		t.Errorf("ConnectingCount = %d, want 0 after a failed dial", n)
	}
}

func TestCentralHandshakeActivatesPeer(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	remoteDrv := simdriver.New(remoteMAC, "remote")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start local: %v", err)
	}
	if err := remoteDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop(); remoteDrv.Stop() })

	remoteIdentity := meshid.NewIdentity()
	if err := remoteDrv.SetIdentity([16]byte(remoteIdentity)); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	orch, reg, h, clk := newTestOrchestrator(t, localDrv, localMAC)
	reg.UpsertFromAdvert(registry.Advert{MAC: remoteMAC, RSSI: -50}, clk.Now())

	if err := orch.Dial(context.Background(), remoteMAC); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ev := <-localDrv.Events()
	orch.HandleConnected(ev.MAC, ev.MTU)

	select {
	case identity := <-h.appeared:
		if identity != remoteIdentity {
			t.Errorf("PeerAppeared identity = %v, want %v", identity, remoteIdentity)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerAppeared")
	}

	peer, ok := reg.PeerByIdentity(remoteIdentity)
	if !ok {
		t.Fatal("peer not bound to remote identity")
	}
	if peer.State != registry.Active {
		t.Errorf("peer state = %s, want active", peer.State)
	}
	if peer.Fragmenter == nil || peer.Reassembler == nil {
		t.Error("active peer must have fragmenter and reassembler installed")
	}
	if n := orch.ConnectingCount(); n != 0 {
		t.Errorf("ConnectingCount = %d, want 0 once active", n)
	}
}

func TestPeripheralHandshakeActivatesPeer(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	remoteDrv := simdriver.New(remoteMAC, "remote")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start local: %v", err)
	}
	if err := remoteDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop(); remoteDrv.Stop() })

	orch, reg, h, _ := newTestOrchestrator(t, localDrv, localMAC)

	// The remote dials us; simdriver.Connect emits a DeviceConnected on
	// both sides.
	if err := remoteDrv.Connect(context.Background(), localMAC); err != nil {
		t.Fatalf("remote Connect: %v", err)
	}
	ev := <-localDrv.Events()
	orch.HandleConnected(ev.MAC, ev.MTU)

	peer, ok := reg.PeerByMAC(remoteMAC)
	if !ok || peer.State != registry.HandshakePending {
		t.Fatalf("inbound connection should land in handshake_pending, got %+v", peer)
	}

	remoteIdentity := meshid.NewIdentity()
	orch.HandleDataReceived(remoteMAC, remoteIdentity.Bytes())

	select {
	case identity := <-h.appeared:
		if identity != remoteIdentity {
			t.Errorf("PeerAppeared identity = %v, want %v", identity, remoteIdentity)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerAppeared")
	}

	peer, ok = reg.PeerByIdentity(remoteIdentity)
	if !ok || peer.State != registry.Active {
		t.Fatalf("peer should be active after peripheral handshake, got %+v", peer)
	}
}

func TestBlacklistBackoffScenario(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	unreachableMAC := mustMAC(t, "FF:FF:FF:FF:FF:FF")

	localDrv := simdriver.New(localMAC, "local")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop() })

	orch, reg, _, clk := newTestOrchestrator(t, localDrv, localMAC)

	dialAndFail := func(atSeconds int64) {
		clk.Set(time.Unix(atSeconds, 0))
		reg.UpsertFromAdvert(registry.Advert{MAC: unreachableMAC, RSSI: -50}, clk.Now())
		if err := orch.Dial(context.Background(), unreachableMAC); err == nil {
			t.Fatalf("Dial to an unregistered broker peer should fail at t=%d", atSeconds)
		}
	}

	dialAndFail(0)
	peer, _ := reg.PeerByMAC(unreachableMAC)
	if peer.State != registry.Discovered {
		t.Fatalf("after 1st failure, state = %s, want discovered", peer.State)
	}

	dialAndFail(10)
	peer, _ = reg.PeerByMAC(unreachableMAC)
	if peer.State != registry.Discovered {
		t.Fatalf("after 2nd failure, state = %s, want discovered", peer.State)
	}

	dialAndFail(20)
	peer, _ = reg.PeerByMAC(unreachableMAC)
	if peer.State != registry.Blacklisted {
		t.Fatalf("after 3rd failure, state = %s, want blacklisted", peer.State)
	}
	if got, want := peer.BlacklistedUntil, time.Unix(80, 0); !got.Equal(want) {
		t.Errorf("blacklisted_until after 3rd failure = %v, want %v", got, want)
	}

	// Simulate the cleanup sweep clearing the blacklist once its
	// deadline has passed, then a 4th failed attempt.
	clk.Set(time.Unix(80, 0))
	reg.ClearExpiredBlacklists(clk.Now())

	dialAndFail(90)
	peer, _ = reg.PeerByMAC(unreachableMAC)
	if peer.State != registry.Blacklisted {
		t.Fatalf("after 4th failure, state = %s, want blacklisted", peer.State)
	}
	if got, want := peer.BlacklistedUntil, time.Unix(210, 0); !got.Equal(want) {
		t.Errorf("blacklisted_until after 4th failure = %v, want %v", got, want)
	}
}

func TestShutdownDisconnectsActivePeers(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	remoteDrv := simdriver.New(remoteMAC, "remote")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start local: %v", err)
	}
	if err := remoteDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop(); remoteDrv.Stop() })

	remoteIdentity := meshid.NewIdentity()
	if err := remoteDrv.SetIdentity([16]byte(remoteIdentity)); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	orch, reg, h, clk := newTestOrchestrator(t, localDrv, localMAC)
	reg.UpsertFromAdvert(registry.Advert{MAC: remoteMAC, RSSI: -50}, clk.Now())
	if err := orch.Dial(context.Background(), remoteMAC); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ev := <-localDrv.Events()
	orch.HandleConnected(ev.MAC, ev.MTU)
	<-h.appeared

	if err := orch.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case identity := <-h.gone:
		if identity != remoteIdentity {
			t.Errorf("PeerGone identity = %v, want %v", identity, remoteIdentity)
		}
	default:
		t.Error("expected PeerGone to be called during Shutdown")
	}

	peer, ok := reg.PeerByIdentity(remoteIdentity)
	if !ok || peer.State != registry.Disconnecting {
		t.Fatalf("peer should be disconnecting after Shutdown, got %+v", peer)
	}
}

// activatePair connects local to remote and runs the central handshake
// to an Active peer on both sides, returning the remote's identity.
func activatePair(t *testing.T, orch *Orchestrator, localDrv, remoteDrv *simdriver.Driver, remoteMAC meshid.MAC, reg *registry.Registry, clk *clock.Mock, h *fakeHost) meshid.Identity {
	t.Helper()
	remoteIdentity := meshid.NewIdentity()
	if err := remoteDrv.SetIdentity([16]byte(remoteIdentity)); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	reg.UpsertFromAdvert(registry.Advert{MAC: remoteMAC, RSSI: -50}, clk.Now())
	if err := orch.Dial(context.Background(), remoteMAC); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ev := <-localDrv.Events()
	orch.HandleConnected(ev.MAC, ev.MTU)
	select {
	case <-h.appeared:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerAppeared")
	}
	return remoteIdentity
}

func TestProcessOutgoingDeliversFragmentedPacket(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	remoteDrv := simdriver.New(remoteMAC, "remote")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start local: %v", err)
	}
	if err := remoteDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop(); remoteDrv.Stop() })

	orch, reg, h, clk := newTestOrchestrator(t, localDrv, localMAC)
	remoteIdentity := activatePair(t, orch, localDrv, remoteDrv, remoteMAC, reg, clk, h)

	packet := make([]byte, 200)
	for i := range packet {
		packet[i] = byte(i)
	}
	if err := orch.ProcessOutgoing(context.Background(), host.NewHandle(remoteIdentity), packet); err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}

	// Drain every fragment the remote driver received and feed it to a
	// receiving orchestrator to confirm the bytes round-trip whole.
	remoteOrch, remoteReg, remoteHost, _ := newTestOrchestrator(t, remoteDrv, remoteMAC)
	remoteReg.RegisterInboundConnection(localMAC, clk.Now())
	remoteReg.BindIdentity(localMAC, h.identity, clk.Now())
	if err := remoteReg.ActivateWithMTU(h.identity, 517, config.Default().MaxInflightBytes); err != nil {
		t.Fatalf("ActivateWithMTU: %v", err)
	}
	_ = remoteOrch

	for {
		select {
		case ev := <-remoteDrv.Events():
			if ev.Kind != driver.DataReceived {
				continue
			}
			remoteOrch.HandleDataReceived(ev.MAC, ev.Data)
		case got := <-remoteHost.inbound:
			if string(got) != string(packet) {
				t.Fatalf("reassembled packet = %v, want %v", got, packet)
			}
			return
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reassembled packet")
		}
	}
}

func TestProcessOutgoingFailsWhenPeerNotActive(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop() })

	orch, reg, _, clk := newTestOrchestrator(t, localDrv, localMAC)
	reg.UpsertFromAdvert(registry.Advert{MAC: remoteMAC, RSSI: -50}, clk.Now())
	peer, _ := reg.PeerByMAC(remoteMAC)

	if err := orch.ProcessOutgoing(context.Background(), host.NewHandle(peer.Identity), []byte("hi")); err == nil {
		t.Error("ProcessOutgoing to a non-active peer should fail")
	}
}

func TestProcessOutgoingSerializesPerPeer(t *testing.T) {
	localMAC := mustMAC(t, "AA:AA:AA:AA:AA:AA")
	remoteMAC := mustMAC(t, "BB:BB:BB:BB:BB:BB")

	localDrv := simdriver.New(localMAC, "local")
	remoteDrv := simdriver.New(remoteMAC, "remote")
	if err := localDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start local: %v", err)
	}
	if err := remoteDrv.Start(context.Background(), "", "", "", ""); err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	t.Cleanup(func() { localDrv.Stop(); remoteDrv.Stop() })

	orch, reg, h, clk := newTestOrchestrator(t, localDrv, localMAC)
	remoteIdentity := activatePair(t, orch, localDrv, remoteDrv, remoteMAC, reg, clk, h)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			packet := make([]byte, 300)
			for i := range packet {
				packet[i] = byte(n)
			}
			errs <- orch.ProcessOutgoing(context.Background(), host.NewHandle(remoteIdentity), packet)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent ProcessOutgoing: %v", err)
		}
	}

	peer, _ := reg.PeerByIdentity(remoteIdentity)
	if got := peer.PendingOutbound(); got != 0 {
		t.Errorf("PendingOutbound after both calls drain = %d, want 0", got)
	}
}
