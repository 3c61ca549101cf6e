// Package mesherrors defines the typed error taxonomy of spec §7, kept
// in its own leaf package so every layer (codec, registry, handshake,
// orchestrator, engine) can classify and wrap errors without creating an
// import cycle back through the engine that assembles them.
package mesherrors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error per §7's taxonomy, so callers can
// branch on kind with errors.As instead of string matching.
type ErrorKind int

const (
	// KindTransientLink covers connect timeouts and notify-subscribe
	// EOFs. The failed attempt is not retried; it is counted toward the
	// blacklist threshold.
	KindTransientLink ErrorKind = iota
	// KindProtocol covers handshake/identity violations: the attempt
	// aborts without automatic retry this cycle.
	KindProtocol
	// KindCodec covers fragment/reassembly violations: the buffer is
	// dropped and the upper stack is expected to retransmit.
	KindCodec
	// KindResource covers backpressure conditions (LRU eviction,
	// worker saturation): new work is refused, nothing blocks.
	KindResource
	// KindFatal covers startup-time failures that prevent the
	// interface from coming online.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientLink:
		return "transient_link"
	case KindProtocol:
		return "protocol"
	case KindCodec:
		return "codec"
	case KindResource:
		return "resource"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its §7 classification.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap produces a classified Error from cause, or nil if cause is nil.
func Wrap(kind ErrorKind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// Is reports whether err is classified as kind.
func Is(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Codec-kind sentinels named directly in §4.1/§4.2/§7.
var (
	ErrMtuTooSmall          = Wrap(KindCodec, errors.New("mtu below minimum of 23"))
	ErrPacketTooLarge       = Wrap(KindCodec, errors.New("packet requires more than 65535 fragments"))
	ErrFragmentInconsistent = Wrap(KindCodec, errors.New("fragment seq/total inconsistent with buffered total"))
	ErrReassemblyGap        = Wrap(KindCodec, errors.New("end fragment received with gaps in buffer"))
	ErrReassemblyOverflow   = Wrap(KindCodec, errors.New("reassembly buffer exceeded max inflight bytes"))
)

// Protocol-kind sentinels named directly in §4.6/§7.
var (
	ErrIdentityMismatch = Wrap(KindProtocol, errors.New("read identity does not match identity inferred at discovery"))
	ErrHandshakeNotSent = Wrap(KindProtocol, errors.New("central never wrote its identity"))
)
