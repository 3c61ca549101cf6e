package fragment

import (
	"sync"
	"time"

	"github.com/torlando-tech/ble-reticulum/mesherrors"
)

// DecodeResult classifies the outcome of feeding one fragment into a
// Buffer (§4.1 decoder rules).
type DecodeResult int

const (
	Incomplete DecodeResult = iota
	Complete
	Error
)

// Buffer is the per-peer in-flight partial-packet store (§4.2, C2). It
// holds at most one active partial packet at a time; every error kind
// clears it. The event loop's inbound decode and the cleanup sweep's
// staleness check run on separate goroutines and can reach the same
// Buffer concurrently, so every method locks mu for its duration.
type Buffer struct {
	mu sync.Mutex

	total        uint16
	received     map[uint16]bool
	bytes        map[uint16][]byte
	startedAt    time.Time
	lastUpdateAt time.Time
	inflight     int
	maxInflight  int
}

// NewBuffer creates an empty reassembly buffer bounded at maxInflightBytes
// (§4.2's default of 64 KiB, configurable).
func NewBuffer(maxInflightBytes int) *Buffer {
	return &Buffer{maxInflight: maxInflightBytes}
}

func (b *Buffer) reset(total uint16, now time.Time) {
	b.total = total
	b.received = make(map[uint16]bool, total)
	b.bytes = make(map[uint16][]byte, total)
	b.startedAt = now
	b.lastUpdateAt = now
	b.inflight = 0
}

// clear discards any partial packet, releasing its memory.
func (b *Buffer) clear() {
	b.total = 0
	b.received = nil
	b.bytes = nil
	b.inflight = 0
}

func (b *Buffer) isEmptyLocked() bool {
	return b.received == nil
}

// IsEmpty reports whether the buffer currently holds no partial packet.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isEmptyLocked()
}

// LastUpdateAt returns the timestamp of the most recent fragment
// accepted into this buffer, for the cleanup sweep's timeout check.
func (b *Buffer) LastUpdateAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateAt
}

// DiscardIfStale clears the buffer if it holds a partial packet whose
// last update is older than timeout, reporting whether it did. Called
// by the cleanup sweep (§4.2, §4.8), concurrently with DecodeInto being
// called from the event loop for the same peer.
func (b *Buffer) DiscardIfStale(now time.Time, timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isEmptyLocked() {
		return false
	}
	if now.Sub(b.lastUpdateAt) <= timeout {
		return false
	}
	b.clear()
	return true
}

// DecodeInto feeds one fragment into the buffer and reports the result
// per §4.1's decoder rules:
//   - a START re-arriving resets the buffer;
//   - duplicate mid-fragments idempotently overwrite their slot;
//   - seq >= total, or total disagreeing with the buffered total,
//     fails with FragmentInconsistent and drops the buffer;
//   - an END with gaps still open fails with ReassemblyGap.
//
// Locks for its duration against a concurrent DiscardIfStale from the
// cleanup sweep.
func (b *Buffer) DecodeInto(f Fragment, now time.Time) (DecodeResult, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f.IsStart() {
		b.reset(f.Total, now)
	}

	if b.isEmptyLocked() {
		// A non-START fragment arriving with no buffer open has nothing
		// to attach to; treat as inconsistent rather than silently
		// starting a packet mid-stream.
		return Error, nil, mesherrors.ErrFragmentInconsistent
	}

	if f.Total != b.total || f.Seq >= b.total {
		b.clear()
		return Error, nil, mesherrors.ErrFragmentInconsistent
	}

	if !b.received[f.Seq] {
		b.inflight += len(f.Payload)
		if b.maxInflight > 0 && b.inflight > b.maxInflight {
			b.clear()
			return Error, nil, mesherrors.ErrReassemblyOverflow
		}
	}

	b.received[f.Seq] = true
	b.bytes[f.Seq] = f.Payload
	b.lastUpdateAt = now

	if !f.IsEnd() {
		return Incomplete, nil, nil
	}

	for i := uint16(0); i < b.total; i++ {
		if !b.received[i] {
			b.clear()
			return Error, nil, mesherrors.ErrReassemblyGap
		}
	}

	out := make([]byte, 0, b.inflight)
	for i := uint16(0); i < b.total; i++ {
		out = append(out, b.bytes[i]...)
	}
	b.clear()
	return Complete, out, nil
}
