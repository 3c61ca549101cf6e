// Package driver defines the typed boundary to the concrete BLE stack
// (spec §6.1, C9). The engine never talks to a radio directly: every
// scan, connect, and characteristic write goes through this interface,
// and every discovery/connect/data event comes back on the channel
// returned by Events. Driver implementations (the real platform stack,
// or simdriver's fake for tests and the demo) run their own I/O on
// whatever goroutines they like; they must never call back into the
// engine synchronously from inside a Driver method.
package driver

import (
	"context"
	"time"

	"github.com/torlando-tech/ble-reticulum/meshid"
)

// EventKind classifies an Event coming off a Driver's event channel.
type EventKind int

const (
	DeviceDiscovered EventKind = iota
	DeviceConnected
	DeviceDisconnected
	DataReceived
	ConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case DeviceDiscovered:
		return "device_discovered"
	case DeviceConnected:
		return "device_connected"
	case DeviceDisconnected:
		return "device_disconnected"
	case DataReceived:
		return "data_received"
	case ConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// Advert mirrors the DiscoveredAdvert of spec §3: what the driver
// reports about one scan result.
type Advert struct {
	MAC      meshid.MAC
	RSSI     int
	Name     string
	Services []string
}

// Event is the single sum type the engine receives from a Driver,
// tagged by Kind. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	MAC meshid.MAC

	// DeviceDiscovered
	Advert Advert

	// DeviceConnected
	MTU int

	// DataReceived
	Data []byte

	// ConnectionFailed
	Err error
}

// Driver is the contract consumed by C7/C8 (spec §6.1). It abstracts
// scanning, GATT client/server, advertising, and MTU query behind a
// platform-neutral boundary; the concrete implementation (real BLE
// stack or simdriver's fake) is out of scope for this module.
type Driver interface {
	// Start initializes the stack, powers the radio, and prepares a
	// GATT server exposing the given service/RX/TX/identity UUIDs.
	Start(ctx context.Context, serviceUUID, rxCharUUID, txCharUUID, identityCharUUID string) error

	// Stop releases everything. Idempotent.
	Stop() error

	// SetIdentity populates the read-only identity characteristic.
	SetIdentity(identity [16]byte) error

	StartScanning(ctx context.Context) error
	StopScanning() error

	// StartAdvertising advertises the service UUID with an optional
	// name, which must be <= wireproto.MaxAdvertisedNameLen bytes.
	StartAdvertising(ctx context.Context, name string) error
	StopAdvertising() error

	// Connect/Disconnect initiate or terminate a link. Both are
	// idempotent and coalesce concurrent calls for the same mac.
	Connect(ctx context.Context, mac meshid.MAC) error
	Disconnect(mac meshid.MAC) error

	// Send writes to the remote's RX characteristic (central role) or
	// notifies on TX (peripheral role); the driver picks the role
	// based on how the link was established.
	Send(ctx context.Context, mac meshid.MAC, data []byte) error

	// PeerMTU returns the negotiated MTU for mac, or
	// wireproto.DefaultMTU if unknown.
	PeerMTU(mac meshid.MAC) int

	// RemoveDevice is an optional cleanup hook evicting stale platform
	// state after repeated failures.
	RemoveDevice(mac meshid.MAC) error

	// WaitServicesResolved blocks until GATT service discovery has
	// settled for mac, absorbing the BlueZ services-resolved race
	// (spec §9, §12 supplemented feature) behind the contract instead
	// of leaking the quirk into the orchestrator.
	WaitServicesResolved(ctx context.Context, mac meshid.MAC, timeout time.Duration) error

	// SubscribeIdentityNotify subscribes to the remote's TX
	// characteristic so fragments notified after the handshake are
	// delivered as DataReceived events. Central side only; §4.6 step
	// "subscribing to notifications" ahead of the identity read.
	SubscribeIdentityNotify(ctx context.Context, mac meshid.MAC) error

	// ReadIdentity reads the remote's identity characteristic (§4.6's
	// central-side "reading the remote identity characteristic" step;
	// not itemized in §6.1's summary table but required to realize it).
	ReadIdentity(ctx context.Context, mac meshid.MAC) ([16]byte, error)

	// Events returns the channel the engine drains for every
	// DeviceDiscovered/Connected/Disconnected/DataReceived/
	// ConnectionFailed callback. Closed when the driver stops.
	Events() <-chan Event
}
