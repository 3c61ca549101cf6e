// Package wireproto holds the fixed wire-level constants of the protocol
// (§6.3): the GATT service/characteristic UUIDs and the MTU bounds that
// the fragment codec validates against.
package wireproto

// ServiceUUID, RXCharUUID, TXCharUUID and IdentityCharUUID are the fixed
// 128-bit GATT identifiers advertised and exposed by every node.
const (
	ServiceUUID      = "37145b00-442d-4a94-917f-8f42c5da28e3"
	RXCharUUID       = "37145b00-442d-4a94-917f-8f42c5da28e5"
	TXCharUUID       = "37145b00-442d-4a94-917f-8f42c5da28e4"
	IdentityCharUUID = "37145b00-442d-4a94-917f-8f42c5da28e6"
)

// MinMTU is the ATT minimum negotiated MTU; below this the fragment
// codec refuses to encode (§4.1, MtuTooSmall).
const MinMTU = 23

// MaxMTU is the ATT maximum negotiated MTU per the GATT spec ceiling.
const MaxMTU = 517

// DefaultMTU is assumed until the driver reports a negotiated value
// (§6.1, peer_mtu defaults to 23 when unknown).
const DefaultMTU = MinMTU

// MaxAdvertisedNameLen bounds the optional device name so it fits the
// 31-byte advertisement budget alongside the service UUID.
const MaxAdvertisedNameLen = 8

// IdentityLen is the fixed size of the identity handshake payload and of
// the identity characteristic's value.
const IdentityLen = 16
