// Command meshdemo runs two engines against each other over simdriver's
// in-memory broker and prints the connection lifecycle as it happens:
// discovery, role assignment, handshake, and the first packet exchanged.
// There is no radio and no network; it exists to exercise the full
// engine end to end the way the teacher's demo-roles exercises role
// negotiation in isolation.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/torlando-tech/ble-reticulum/config"
	"github.com/torlando-tech/ble-reticulum/engine"
	"github.com/torlando-tech/ble-reticulum/host"
	"github.com/torlando-tech/ble-reticulum/meshid"
	"github.com/torlando-tech/ble-reticulum/simdriver"
)

// demoHost is a minimal host.Host that prints every callback it gets.
type demoHost struct {
	name     string
	identity meshid.Identity
	mac      meshid.MAC
}

func (h *demoHost) LocalIdentity() meshid.Identity { return h.identity }
func (h *demoHost) LocalMAC() meshid.MAC           { return h.mac }

func (h *demoHost) Inbound(peer host.PeerHandle, packet []byte) {
	fmt.Printf("[%s] inbound packet from %s: %q\n", h.name, peer.Identity().Hex()[:8], packet)
}

func (h *demoHost) PeerAppeared(identity meshid.Identity, _ host.PeerHandle) {
	fmt.Printf("[%s] peer appeared: %s\n", h.name, identity.Hex()[:8])
}

func (h *demoHost) PeerGone(identity meshid.Identity) {
	fmt.Printf("[%s] peer gone: %s\n", h.name, identity.Hex()[:8])
}

func main() {
	fmt.Println("=== BLE Mesh Engine Demo ===")
	fmt.Println()

	aliceMAC, err := meshid.ParseMAC("AA:AA:AA:AA:AA:01")
	must(err)
	bobMAC, err := meshid.ParseMAC("BB:BB:BB:BB:BB:02")
	must(err)

	aliceHost := &demoHost{name: "alice", identity: meshid.NewIdentity(), mac: aliceMAC}
	bobHost := &demoHost{name: "bob", identity: meshid.NewIdentity(), mac: bobMAC}

	aliceDrv := simdriver.New(aliceMAC, "alice")
	bobDrv := simdriver.New(bobMAC, "bob")

	clk := clock.New()
	cfg := config.Default().WithPowerMode(config.PowerAggressive)

	aliceEng := engine.New(cfg, aliceDrv, aliceHost, clk, "alice")
	bobEng := engine.New(cfg, bobDrv, bobHost, clk, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	must(aliceEng.Start(ctx))
	must(bobEng.Start(ctx))
	defer aliceEng.Stop()
	defer bobEng.Stop()

	fmt.Printf("alice: %s (%s)\n", aliceMAC, aliceHost.identity.Hex()[:8])
	fmt.Printf("bob:   %s (%s)\n", bobMAC, bobHost.identity.Hex()[:8])
	fmt.Println()
	fmt.Println("waiting for discovery and handshake...")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := aliceEng.Registry().PeerByMAC(bobMAC); ok && p.State.String() == "active" {
			fmt.Println("✓ alice sees bob as active")
			if err := aliceEng.ProcessOutgoing(ctx, host.NewHandle(p.Identity), []byte("hello from alice")); err != nil {
				fmt.Printf("process_outgoing failed: %v\n", err)
			}
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	for _, p := range aliceEng.Registry().Snapshot() {
		fmt.Printf("alice's registry: mac=%s state=%s attempts=%d/%d\n",
			p.MAC, p.State, p.AttemptsSuccess, p.AttemptsTotal)
	}
	for _, p := range bobEng.Registry().Snapshot() {
		fmt.Printf("bob's registry:   mac=%s state=%s attempts=%d/%d\n",
			p.MAC, p.State, p.AttemptsSuccess, p.AttemptsTotal)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
