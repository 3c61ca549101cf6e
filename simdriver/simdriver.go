// Package simdriver is an in-process fake implementing the driver.Driver
// contract (spec §6.1) without any real Bluetooth hardware. Two or more
// simdriver.Driver instances register with a shared in-memory broker
// (playing the role the teacher's wire.Wire plays over a Unix domain
// socket) so scanning, connecting, and characteristic reads/writes
// between them behave like a real BLE mesh for demos and integration
// tests. It is test/demo tooling, not a production driver.
package simdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/torlando-tech/ble-reticulum/driver"
	"github.com/torlando-tech/ble-reticulum/logger"
	"github.com/torlando-tech/ble-reticulum/meshid"
	"github.com/torlando-tech/ble-reticulum/wireproto"
)

// SimulatedRSSI is the constant signal strength every simdriver advert
// reports; nothing in this fake models path loss.
const SimulatedRSSI = -50

type link struct {
	peer *Driver
	mtu  int
}

// broker is the shared registry every simdriver.Driver joins on Start,
// standing in for the radio medium two real devices would share.
type broker struct {
	mu      sync.Mutex
	drivers map[meshid.MAC]*Driver
}

func newBroker() *broker {
	return &broker{drivers: make(map[meshid.MAC]*Driver)}
}

func (b *broker) register(d *Driver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drivers[d.mac] = d
}

func (b *broker) unregister(mac meshid.MAC) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.drivers, mac)
}

func (b *broker) find(mac meshid.MAC) (*Driver, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.drivers[mac]
	return d, ok
}

// advertisers returns every currently-advertising driver other than
// exclude, the set one StartScanning call should discover.
func (b *broker) advertisers(exclude meshid.MAC) []*Driver {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Driver, 0, len(b.drivers))
	for mac, d := range b.drivers {
		if mac == exclude {
			continue
		}
		d.mu.Lock()
		advertising := d.advertising
		d.mu.Unlock()
		if advertising {
			out = append(out, d)
		}
	}
	return out
}

// sharedBroker is process-wide: every Driver in one process can see
// every other, which is exactly what the demo binary and integration
// tests need (two engine instances in one process, or two processes
// each with their own broker — the broker is not itself shared across
// processes, matching how two real radios only share the air, not
// memory).
var sharedBroker = newBroker()

// Driver is the in-memory fake (spec §6.1 contract implementation).
type Driver struct {
	mac  meshid.MAC
	name string

	mu          sync.Mutex
	started     bool
	scanning    bool
	advertising bool
	identity    [16]byte
	connections map[meshid.MAC]*link

	events    chan driver.Event
	closeOnce sync.Once
}

// New creates a fake driver for the given local MAC. name is the
// advertised device name, settable again via StartAdvertising.
func New(mac meshid.MAC, name string) *Driver {
	return &Driver{
		mac:         mac,
		name:        name,
		connections: make(map[meshid.MAC]*link),
		events:      make(chan driver.Event, 256),
	}
}

func (d *Driver) emit(ev driver.Event) {
	select {
	case d.events <- ev:
	default:
		logger.Warn("simdriver", "event queue full for %s, dropping %s event", d.mac, ev.Kind)
	}
}

func (d *Driver) Start(ctx context.Context, serviceUUID, rxCharUUID, txCharUUID, identityCharUUID string) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	sharedBroker.register(d)
	return nil
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	d.started = false
	d.advertising = false
	d.scanning = false
	d.mu.Unlock()
	sharedBroker.unregister(d.mac)
	d.closeOnce.Do(func() { close(d.events) })
	return nil
}

func (d *Driver) SetIdentity(identity [16]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = identity
	return nil
}

func (d *Driver) StartScanning(ctx context.Context) error {
	d.mu.Lock()
	d.scanning = true
	d.mu.Unlock()

	for _, peer := range sharedBroker.advertisers(d.mac) {
		peer.mu.Lock()
		name := peer.name
		peer.mu.Unlock()
		d.emit(driver.Event{
			Kind: driver.DeviceDiscovered,
			MAC:  peer.mac,
			Advert: driver.Advert{
				MAC:      peer.mac,
				RSSI:     SimulatedRSSI,
				Name:     name,
				Services: []string{wireproto.ServiceUUID},
			},
		})
	}
	return nil
}

func (d *Driver) StopScanning() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanning = false
	return nil
}

func (d *Driver) StartAdvertising(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "" {
		d.name = name
	}
	d.advertising = true
	return nil
}

func (d *Driver) StopAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = false
	return nil
}

func (d *Driver) Connect(ctx context.Context, mac meshid.MAC) error {
	peer, ok := sharedBroker.find(mac)
	if !ok {
		return fmt.Errorf("simdriver: no device at %s", mac)
	}

	d.mu.Lock()
	_, already := d.connections[mac]
	if !already {
		d.connections[mac] = &link{peer: peer, mtu: wireproto.DefaultMTU}
	}
	d.mu.Unlock()
	if already {
		return nil
	}

	peer.mu.Lock()
	_, peerAlready := peer.connections[d.mac]
	if !peerAlready {
		peer.connections[d.mac] = &link{peer: d, mtu: wireproto.DefaultMTU}
	}
	peer.mu.Unlock()

	d.emit(driver.Event{Kind: driver.DeviceConnected, MAC: mac, MTU: wireproto.DefaultMTU})
	if !peerAlready {
		peer.emit(driver.Event{Kind: driver.DeviceConnected, MAC: d.mac, MTU: wireproto.DefaultMTU})
	}
	return nil
}

func (d *Driver) Disconnect(mac meshid.MAC) error {
	d.mu.Lock()
	l, ok := d.connections[mac]
	delete(d.connections, mac)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	peer := l.peer
	peer.mu.Lock()
	_, stillThere := peer.connections[d.mac]
	delete(peer.connections, d.mac)
	peer.mu.Unlock()

	d.emit(driver.Event{Kind: driver.DeviceDisconnected, MAC: mac})
	if stillThere {
		peer.emit(driver.Event{Kind: driver.DeviceDisconnected, MAC: d.mac})
	}
	return nil
}

func (d *Driver) Send(ctx context.Context, mac meshid.MAC, data []byte) error {
	d.mu.Lock()
	l, ok := d.connections[mac]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("simdriver: not connected to %s", mac)
	}
	l.peer.emit(driver.Event{Kind: driver.DataReceived, MAC: d.mac, Data: append([]byte(nil), data...)})
	return nil
}

func (d *Driver) PeerMTU(mac meshid.MAC) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.connections[mac]; ok {
		return l.mtu
	}
	return wireproto.DefaultMTU
}

// RemoveDevice is a no-op: there's no platform-level state to evict
// from an in-memory fake.
func (d *Driver) RemoveDevice(mac meshid.MAC) error {
	return nil
}

// WaitServicesResolved returns immediately: there's no BlueZ
// services-resolved race to wait out in-process.
func (d *Driver) WaitServicesResolved(ctx context.Context, mac meshid.MAC, timeout time.Duration) error {
	return nil
}

// SubscribeIdentityNotify is a no-op: Send already routes directly to
// the peer's event channel, so there's no separate subscribe step.
func (d *Driver) SubscribeIdentityNotify(ctx context.Context, mac meshid.MAC) error {
	return nil
}

func (d *Driver) ReadIdentity(ctx context.Context, mac meshid.MAC) ([16]byte, error) {
	peer, ok := sharedBroker.find(mac)
	if !ok {
		return [16]byte{}, fmt.Errorf("simdriver: no device at %s", mac)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	return peer.identity, nil
}

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}
