package registry

import (
	"testing"
	"time"

	"github.com/torlando-tech/ble-reticulum/meshid"
)

func TestScoreRewardsStrongRSSIHistoryAndFreshness(t *testing.T) {
	now := time.Unix(100, 0)
	strong := Peer{RSSILast: -30, AttemptsTotal: 10, AttemptsSuccess: 10, SeenAt: now}
	weak := Peer{RSSILast: -100, AttemptsTotal: 10, AttemptsSuccess: 1, SeenAt: now.Add(-29 * time.Second)}

	if Score(strong, now) <= Score(weak, now) {
		t.Errorf("Score(strong)=%v should exceed Score(weak)=%v", Score(strong, now), Score(weak, now))
	}
}

func TestHistoryScoreGivesNewPeersBenefitOfDoubt(t *testing.T) {
	fresh := Peer{AttemptsTotal: 0}
	if got := historyScore(fresh); got != 25 {
		t.Errorf("historyScore(never attempted) = %v, want 25", got)
	}

	perfect := Peer{AttemptsTotal: 4, AttemptsSuccess: 4}
	if got := historyScore(perfect); got != 50 {
		t.Errorf("historyScore(all succeeded) = %v, want 50", got)
	}
}

func TestFreshnessScoreDecaysToZeroPast30Seconds(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := freshnessScore(now, now); got != 25 {
		t.Errorf("freshnessScore(just seen) = %v, want 25", got)
	}
	if got := freshnessScore(now.Add(-30*time.Second), now); got != 0 {
		t.Errorf("freshnessScore(30s old) = %v, want 0", got)
	}
	if got := freshnessScore(now.Add(-35*time.Second), now); got != 0 {
		t.Errorf("freshnessScore(beyond 30s) = %v, want 0", got)
	}
}

func mustSelMAC(t *testing.T, s string) meshid.MAC {
	t.Helper()
	mac, err := meshid.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func TestSelectExcludesBlacklistedAndNonDiscoveredPeers(t *testing.T) {
	r := New("test", 100)
	local := mustSelMAC(t, "00:00:00:00:00:01")
	blocked := mustSelMAC(t, "10:00:00:00:00:02")
	active := mustSelMAC(t, "20:00:00:00:00:03")
	candidate := mustSelMAC(t, "30:00:00:00:00:04")

	now := time.Unix(100, 0)
	r.UpsertFromAdvert(Advert{MAC: blocked, RSSI: -50}, now)
	r.BlacklistByMAC(blocked, now.Add(time.Minute))

	activeID := meshid.NewIdentity()
	r.UpsertFromAdvert(Advert{MAC: active, RSSI: -50}, now)
	r.BindIdentity(active, activeID, now)
	r.Transition(activeID, Discovered, HandshakePending)
	r.ActivateWithMTU(activeID, 185, 64*1024)

	r.UpsertFromAdvert(Advert{MAC: candidate, RSSI: -50}, now)

	got := r.Select(SelectionParams{
		Now:      now,
		LocalMAC: local,
		MinRSSI:  -85,
		MaxPeers: 7,
	})

	if len(got) != 1 || got[0].Peer.MAC != candidate {
		t.Errorf("Select() = %+v, want only %s", got, candidate)
	}
}

func TestSelectRespectsConnectRateLimit(t *testing.T) {
	r := New("test", 100)
	local := mustSelMAC(t, "00:00:00:00:00:01")
	mac := mustSelMAC(t, "30:00:00:00:00:04")

	now := time.Unix(100, 0)
	r.UpsertFromAdvert(Advert{MAC: mac, RSSI: -50}, now)
	r.RecordAttemptByMAC(mac, now.Add(-1*time.Second))

	got := r.Select(SelectionParams{
		Now:              now,
		LocalMAC:         local,
		MinRSSI:          -85,
		ConnectRateLimit: 5 * time.Second,
		MaxPeers:         7,
	})
	if len(got) != 0 {
		t.Errorf("Select() = %+v, want none (rate limited)", got)
	}

	got = r.Select(SelectionParams{
		Now:              now,
		LocalMAC:         local,
		MinRSSI:          -85,
		ConnectRateLimit: 500 * time.Millisecond,
		MaxPeers:         7,
	})
	if len(got) != 1 {
		t.Errorf("Select() = %+v, want one candidate once the rate limit has elapsed", got)
	}
}

func TestSelectRespectsDirectionArbiter(t *testing.T) {
	r := New("test", 100)
	higherLocal := mustSelMAC(t, "FF:00:00:00:00:01")
	lowerRemote := mustSelMAC(t, "00:00:00:00:00:02")

	now := time.Unix(100, 0)
	r.UpsertFromAdvert(Advert{MAC: lowerRemote, RSSI: -50}, now)

	got := r.Select(SelectionParams{
		Now:      now,
		LocalMAC: higherLocal,
		MinRSSI:  -85,
		MaxPeers: 7,
	})
	if len(got) != 0 {
		t.Errorf("Select() = %+v, want none: the remote's lower MAC means it should initiate, not us", got)
	}
}

func TestSelectCapsAtRemainingSlots(t *testing.T) {
	r := New("test", 100)
	local := mustSelMAC(t, "00:00:00:00:00:01")
	now := time.Unix(100, 0)

	macs := []string{
		"F0:00:00:00:00:01", "F0:00:00:00:00:02", "F0:00:00:00:00:03",
	}
	for _, s := range macs {
		r.UpsertFromAdvert(Advert{MAC: mustSelMAC(t, s), RSSI: -40}, now)
	}

	got := r.Select(SelectionParams{
		Now:         now,
		LocalMAC:    local,
		MinRSSI:     -85,
		MaxPeers:    2,
		ActiveCount: 1,
	})
	if len(got) != 1 {
		t.Errorf("Select() returned %d candidates, want 1 (max_peers=2, active=1)", len(got))
	}
}

func TestSelectExcludesPeerAtExactly30SecondsOld(t *testing.T) {
	r := New("test", 100)
	local := mustSelMAC(t, "00:00:00:00:00:01")
	mac := mustSelMAC(t, "30:00:00:00:00:04")

	now := time.Unix(1000, 0)
	r.UpsertFromAdvert(Advert{MAC: mac, RSSI: -50}, now.Add(-30*time.Second))

	got := r.Select(SelectionParams{
		Now:      now,
		LocalMAC: local,
		MinRSSI:  -85,
		MaxPeers: 7,
	})
	if len(got) != 0 {
		t.Errorf("Select() = %+v, want none: a peer exactly 30s old should be excluded, matching freshnessScore's own cutoff", got)
	}
}
