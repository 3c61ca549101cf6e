package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/torlando-tech/ble-reticulum/mesherrors"
)

var staticNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestHandshakeThenDataScenario(t *testing.T) {
	// Scenario 3's data fragment: single fragment, payload 0xDEADBEEF.
	f := Fragment{Type: TypeStart | TypeEnd, Seq: 0, Total: 1, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	buf := NewBuffer(1024)
	res, payload, err := buf.DecodeInto(f, staticNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if !bytes.Equal(payload, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("payload = %x, want deadbeef", payload)
	}
}

func TestStartRearrivalResetsBuffer(t *testing.T) {
	buf := NewBuffer(1024)
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 3, Payload: []byte("a")}, staticNow)
	buf.DecodeInto(Fragment{Type: 0, Seq: 1, Total: 3, Payload: []byte("b")}, staticNow)

	// A fresh START for a different packet should discard the half-built one.
	res, _, err := buf.DecodeInto(Fragment{Type: TypeStart | TypeEnd, Seq: 0, Total: 1, Payload: []byte("fresh")}, staticNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Complete {
		t.Fatalf("expected Complete after START reset, got %v", res)
	}
}

func TestDuplicateMidFragmentIsIdempotent(t *testing.T) {
	buf := NewBuffer(1024)
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 2, Payload: []byte("a")}, staticNow)
	buf.DecodeInto(Fragment{Type: 0, Seq: 1, Total: 2, Payload: []byte("X")}, staticNow)
	// duplicate of seq 1, should overwrite idempotently, not double-count inflight
	res, _, err := buf.DecodeInto(Fragment{Type: TypeEnd, Seq: 1, Total: 2, Payload: []byte("X")}, staticNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
}

func TestSeqGreaterEqualTotalIsInconsistent(t *testing.T) {
	buf := NewBuffer(1024)
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 2, Payload: []byte("a")}, staticNow)
	_, _, err := buf.DecodeInto(Fragment{Type: 0, Seq: 2, Total: 2, Payload: []byte("b")}, staticNow)
	if !mesherrors.Is(err, mesherrors.KindCodec) {
		t.Fatalf("expected codec error for seq >= total, got %v", err)
	}
	if !buf.IsEmpty() {
		t.Error("buffer should be cleared after FragmentInconsistent")
	}
}

func TestTotalDisagreementIsInconsistent(t *testing.T) {
	buf := NewBuffer(1024)
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 2, Payload: []byte("a")}, staticNow)
	_, _, err := buf.DecodeInto(Fragment{Type: 0, Seq: 1, Total: 5, Payload: []byte("b")}, staticNow)
	if err == nil {
		t.Fatal("expected FragmentInconsistent error")
	}
}

func TestEndWithGapFails(t *testing.T) {
	buf := NewBuffer(1024)
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 3, Payload: []byte("a")}, staticNow)
	// Skip seq 1, go straight to END at seq 2.
	_, _, err := buf.DecodeInto(Fragment{Type: TypeEnd, Seq: 2, Total: 3, Payload: []byte("c")}, staticNow)
	if err == nil {
		t.Fatal("expected ReassemblyGap error")
	}
	if !buf.IsEmpty() {
		t.Error("buffer should be cleared after ReassemblyGap")
	}
}

func TestReassemblyOverflow(t *testing.T) {
	buf := NewBuffer(10) // tiny cap
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 3, Payload: bytes.Repeat([]byte{1}, 8)}, staticNow)
	_, _, err := buf.DecodeInto(Fragment{Type: 0, Seq: 1, Total: 3, Payload: bytes.Repeat([]byte{2}, 8)}, staticNow)
	if err == nil {
		t.Fatal("expected ReassemblyOverflow error")
	}
	if !buf.IsEmpty() {
		t.Error("buffer should be cleared after ReassemblyOverflow")
	}
}

func TestReassemblyTimeoutScenario(t *testing.T) {
	buf := NewBuffer(1024)
	t0 := staticNow
	buf.DecodeInto(Fragment{Type: TypeStart, Seq: 0, Total: 3, Payload: []byte("a")}, t0)

	later := t0.Add(30*time.Second + time.Millisecond)
	if !buf.LastUpdateAt().Before(later.Add(-30 * time.Second)) {
		t.Fatalf("expected last update to be stale by %s", later.Sub(buf.LastUpdateAt()))
	}

	// Cleanup sweep would discard the buffer here; simulate it, then a
	// fresh fragment with seq=0 must start a clean new buffer.
	buf.clear()
	res, _, err := buf.DecodeInto(Fragment{Type: TypeStart | TypeEnd, Seq: 0, Total: 1, Payload: []byte("fresh")}, later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
}
