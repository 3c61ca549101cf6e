// Command meshtrace replays a recorded driver-event session through one
// engine instance and reports the resulting registry state. The trace
// format is JSONL, one driver event per line with a millisecond offset
// from the start of the recording, mirroring the teacher's
// log2scenario/replay pair: log2scenario turns a raw platform log into a
// structured scenario file, replay drives a runner off it. Here the
// "structured scenario" is a flat driver-event trace and the "runner"
// is a real engine.Engine, so a trace recorded off a live run can be
// replayed deterministically against engine code under test.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/torlando-tech/ble-reticulum/config"
	"github.com/torlando-tech/ble-reticulum/driver"
	"github.com/torlando-tech/ble-reticulum/engine"
	"github.com/torlando-tech/ble-reticulum/host"
	"github.com/torlando-tech/ble-reticulum/meshid"
	"github.com/torlando-tech/ble-reticulum/wireproto"
)

// traceRecord is one JSONL line of a recorded session.
type traceRecord struct {
	OffsetMS int64  `json:"offset_ms"`
	Kind     string `json:"kind"`
	MAC      string `json:"mac"`
	RSSI     int    `json:"rssi,omitempty"`
	Name     string `json:"name,omitempty"`
	MTU      int    `json:"mtu,omitempty"`
	Data     string `json:"data,omitempty"`
	Err      string `json:"err,omitempty"`
}

func (r traceRecord) toEvent() (driver.Event, error) {
	mac, err := meshid.ParseMAC(r.MAC)
	if err != nil {
		return driver.Event{}, fmt.Errorf("meshtrace: record mac: %w", err)
	}
	ev := driver.Event{MAC: mac}
	switch r.Kind {
	case "device_discovered":
		ev.Kind = driver.DeviceDiscovered
		ev.Advert = driver.Advert{MAC: mac, RSSI: r.RSSI, Name: r.Name}
	case "device_connected":
		ev.Kind = driver.DeviceConnected
		ev.MTU = r.MTU
	case "device_disconnected":
		ev.Kind = driver.DeviceDisconnected
	case "data_received":
		ev.Kind = driver.DataReceived
		ev.Data = []byte(r.Data)
	case "connection_failed":
		ev.Kind = driver.ConnectionFailed
		ev.Err = fmt.Errorf("%s", r.Err)
	default:
		return driver.Event{}, fmt.Errorf("meshtrace: unknown event kind %q", r.Kind)
	}
	return ev, nil
}

// traceDriver feeds a recorded sequence of events to the engine on a
// schedule and never performs real scanning/connecting/sending; every
// outbound call is a no-op so the replay is driven entirely by the
// recorded inbound side.
type traceDriver struct {
	events chan driver.Event
}

func newTraceDriver() *traceDriver {
	return &traceDriver{events: make(chan driver.Event, 256)}
}

func (d *traceDriver) Start(context.Context, string, string, string, string) error { return nil }
func (d *traceDriver) Stop() error                                                 { close(d.events); return nil }
func (d *traceDriver) SetIdentity([16]byte) error                                  { return nil }
func (d *traceDriver) StartScanning(context.Context) error                        { return nil }
func (d *traceDriver) StopScanning() error                                        { return nil }
func (d *traceDriver) StartAdvertising(context.Context, string) error             { return nil }
func (d *traceDriver) StopAdvertising() error                                     { return nil }
func (d *traceDriver) Connect(context.Context, meshid.MAC) error                  { return nil }
func (d *traceDriver) Disconnect(meshid.MAC) error                                { return nil }
func (d *traceDriver) Send(context.Context, meshid.MAC, []byte) error             { return nil }
func (d *traceDriver) PeerMTU(meshid.MAC) int                                     { return wireproto.DefaultMTU }
func (d *traceDriver) RemoveDevice(meshid.MAC) error                              { return nil }
func (d *traceDriver) WaitServicesResolved(context.Context, meshid.MAC, time.Duration) error {
	return nil
}
func (d *traceDriver) SubscribeIdentityNotify(context.Context, meshid.MAC) error { return nil }
func (d *traceDriver) ReadIdentity(context.Context, meshid.MAC) ([16]byte, error) {
	return [16]byte{}, nil
}
func (d *traceDriver) Events() <-chan driver.Event { return d.events }

// traceHost prints and counts the peer appeared/gone callbacks the
// engine makes during replay; inbound packets are ignored.
type traceHost struct {
	identity meshid.Identity
	mac      meshid.MAC
	arrived  int
	gone     int
}

func (h *traceHost) LocalIdentity() meshid.Identity { return h.identity }
func (h *traceHost) LocalMAC() meshid.MAC           { return h.mac }
func (h *traceHost) Inbound(host.PeerHandle, []byte) {}
func (h *traceHost) PeerAppeared(identity meshid.Identity, _ host.PeerHandle) {
	h.arrived++
	fmt.Printf("  peer appeared: %s\n", identity.Hex())
}
func (h *traceHost) PeerGone(identity meshid.Identity) {
	h.gone++
	fmt.Printf("  peer gone: %s\n", identity.Hex())
}

func main() {
	tracePath := flag.String("trace", "", "path to a JSONL driver-event trace")
	speed := flag.Float64("speed", 0, "playback speed multiplier; 0 replays as fast as possible")
	localMACStr := flag.String("local-mac", "AA:AA:AA:AA:AA:AA", "local MAC identity for this replay")
	flag.Parse()

	if *tracePath == "" {
		fmt.Println("Usage: meshtrace --trace <path-to-trace.jsonl> [--speed 1.0]")
		os.Exit(1)
	}

	records, err := loadTrace(*tracePath)
	if err != nil {
		log.Fatalf("meshtrace: %v", err)
	}

	localMAC, err := meshid.ParseMAC(*localMACStr)
	if err != nil {
		log.Fatalf("meshtrace: %v", err)
	}

	fmt.Printf("=== Replaying %s ===\n", *tracePath)
	fmt.Printf("Records: %d\n\n", len(records))

	drv := newTraceDriver()
	h := &traceHost{identity: meshid.NewIdentity(), mac: localMAC}
	clk := clock.New()
	eng := engine.New(config.Default(), drv, h, clk, "meshtrace")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("meshtrace: engine start: %v", err)
	}
	defer eng.Stop()

	go feedTrace(drv, records, *speed)

	lastOffset := time.Duration(0)
	if len(records) > 0 {
		lastOffset = time.Duration(records[len(records)-1].OffsetMS) * time.Millisecond
	}
	wait := lastOffset + time.Second
	if *speed > 0 {
		wait = time.Duration(float64(wait) / *speed)
	}
	time.Sleep(wait)

	fmt.Println()
	fmt.Println("=== Final registry state ===")
	for _, p := range eng.Registry().Snapshot() {
		fmt.Printf("mac=%s identity=%s state=%s attempts=%d/%d\n",
			p.MAC, p.Identity.Hex(), p.State, p.AttemptsSuccess, p.AttemptsTotal)
	}
	fmt.Printf("\npeers appeared=%d gone=%d\n", h.arrived, h.gone)
}

func loadTrace(path string) ([]traceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	var records []traceRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec traceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse trace line: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func feedTrace(drv *traceDriver, records []traceRecord, speed float64) {
	var elapsed time.Duration
	for _, rec := range records {
		target := time.Duration(rec.OffsetMS) * time.Millisecond
		if speed > 0 {
			if gap := target - elapsed; gap > 0 {
				time.Sleep(time.Duration(float64(gap) / speed))
			}
			elapsed = target
		}
		ev, err := rec.toEvent()
		if err != nil {
			log.Printf("meshtrace: skipping record: %v", err)
			continue
		}
		drv.events <- ev
	}
}
