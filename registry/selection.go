package registry

import (
	"sort"
	"time"

	"github.com/torlando-tech/ble-reticulum/direction"
	"github.com/torlando-tech/ble-reticulum/meshid"
)

// Candidate is a scored, selectable peer (§4.4, C4).
type Candidate struct {
	Peer  Peer
	Score float64
}

// rssiScore maps a clamped RSSI in [-100, -30] linearly onto [0, 70].
func rssiScore(rssi int) float64 {
	if rssi < -100 {
		rssi = -100
	}
	if rssi > -30 {
		rssi = -30
	}
	return float64(rssi+100) / 70.0 * 70.0
}

// historyScore gives new peers the benefit of the doubt (25) and
// otherwise rewards a high success ratio, up to 50.
func historyScore(p Peer) float64 {
	if p.AttemptsTotal == 0 {
		return 25
	}
	return 50 * float64(p.AttemptsSuccess) / float64(p.AttemptsTotal)
}

// freshnessScore is 25 within 5s of seen_at, decays linearly to 0 by
// 30s, and is 0 (excluded) beyond that.
func freshnessScore(seenAt, now time.Time) float64 {
	age := now.Sub(seenAt).Seconds()
	switch {
	case age <= 5:
		return 25
	case age >= 30:
		return 0
	default:
		return 25 * (1 - (age-5)/25)
	}
}

// Score computes R + H + F for a peer observed at `now` (max 145).
func Score(p Peer, now time.Time) float64 {
	return rssiScore(p.RSSILast) + historyScore(p) + freshnessScore(p.SeenAt, now)
}

// SelectionParams bundles the filters of §4.4 that depend on live
// engine/config state rather than on a single peer.
type SelectionParams struct {
	Now              time.Time
	LocalMAC         meshid.MAC
	MinRSSI          int
	ConnectRateLimit time.Duration
	MaxPeers         int
	ActiveCount      int
}

// Select ranks every Discovered candidate and returns the top
// (MaxPeers - ActiveCount) that pass every filter: not blacklisted,
// RSSI at or above MinRSSI, not already Dialing/HandshakePending/Active,
// rate-limit satisfied, fresh enough (age < 30s, matching freshnessScore's
// own cutoff), and the direction arbiter agreeing that we initiate. Ties
// break on stronger RSSI, then lower MAC.
func (r *Registry) Select(params SelectionParams) []Candidate {
	slots := params.MaxPeers - params.ActiveCount
	if slots <= 0 {
		return nil
	}

	peers := r.Snapshot()
	candidates := make([]Candidate, 0, len(peers))

	for _, p := range peers {
		if p.IsBlacklisted(params.Now) {
			continue
		}
		if p.State != Discovered {
			continue
		}
		if p.RSSILast < params.MinRSSI {
			continue
		}
		if params.Now.Sub(p.SeenAt) >= 30*time.Second {
			continue
		}
		if !p.LastAttemptAt.IsZero() && params.Now.Sub(p.LastAttemptAt) < params.ConnectRateLimit {
			continue
		}
		if !direction.ShouldInitiate(params.LocalMAC, p.MAC) {
			continue
		}
		candidates = append(candidates, Candidate{Peer: p, Score: Score(p, params.Now)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Peer.RSSILast != b.Peer.RSSILast {
			return a.Peer.RSSILast > b.Peer.RSSILast
		}
		return a.Peer.MAC.Uint64() < b.Peer.MAC.Uint64()
	})

	if len(candidates) > slots {
		candidates = candidates[:slots]
	}
	return candidates
}
