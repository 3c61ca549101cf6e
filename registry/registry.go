// Package registry implements the authoritative Peer Registry (§4.3, C3)
// and the scoring/selection policy layered on top of it (§4.4, C4).
package registry

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/torlando-tech/ble-reticulum/fragment"
	"github.com/torlando-tech/ble-reticulum/logger"
	"github.com/torlando-tech/ble-reticulum/meshid"
)

// Advert is the ephemeral value a driver produces per scan result
// (§3, DiscoveredAdvert).
type Advert struct {
	MAC      meshid.MAC
	RSSI     int
	Name     string
	Services []string
}

// Registry is the single authoritative map of known peers, keyed by
// identity once bound, with a MAC-keyed index for peers whose identity
// isn't known yet (discovered but not yet handshaken). All mutations take
// a single lock held only for the mutation itself; callers run callbacks
// and I/O outside it (§4.3, §5).
type Registry struct {
	mu sync.Mutex

	byIdentity map[meshid.Identity]*Peer
	macIndex   map[meshid.MAC]meshid.Identity // bound peers only
	pending    map[meshid.MAC]*Peer           // discovered, identity not yet known

	// lru tracks recency across every known MAC (bound or pending) and
	// evicts the least-recently-seen entry once maxDiscoveredPeers is
	// exceeded. Active peers are never actually evicted: the eviction
	// callback re-admits them immediately and removes only non-Active
	// records from the maps above.
	lru *lru.Cache[meshid.MAC, struct{}]

	prefix string
}

// New creates an empty registry capped at maxDiscoveredPeers (§6.4).
func New(prefix string, maxDiscoveredPeers int) *Registry {
	r := &Registry{
		byIdentity: make(map[meshid.Identity]*Peer),
		macIndex:   make(map[meshid.MAC]meshid.Identity),
		pending:    make(map[meshid.MAC]*Peer),
		prefix:     prefix,
	}
	cache, err := lru.NewWithEvict(maxDiscoveredPeers, r.onEvict)
	if err != nil {
		// Only returns an error for a non-positive size, and config
		// validation already enforces maxDiscoveredPeers in [10, 500].
		panic(fmt.Sprintf("registry: invalid LRU size: %v", err))
	}
	r.lru = cache
	return r
}

// onEvict runs under the lru's own bookkeeping, which we've already
// entered with r.mu held (every call site below holds it). An Active
// peer is rescued by re-adding it; everything else is actually dropped
// from the registry and a warning is logged. No error is returned to
// the caller whose insert caused the eviction.
func (r *Registry) onEvict(mac meshid.MAC, _ struct{}) {
	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		return
	}
	if peer.State == Active {
		r.lru.Add(mac, struct{}{})
		return
	}
	logger.Warn(r.prefix, "registry: evicting %s (state=%s) over max_discovered_peers cap", mac, peer.State)
	delete(r.pending, mac)
	if peer.Identity != meshid.ZeroIdentity {
		delete(r.byIdentity, peer.Identity)
		delete(r.macIndex, mac)
	}
}

func (r *Registry) lookupByMACLocked(mac meshid.MAC) *Peer {
	if p, ok := r.pending[mac]; ok {
		return p
	}
	if id, ok := r.macIndex[mac]; ok {
		return r.byIdentity[id]
	}
	return nil
}

// UpsertFromAdvert creates a new Discovered peer on first matching
// advertisement, or refreshes RSSI/name/seen_at on a known one. RSSI
// -127 (driver sentinel for "unknown") is discarded per §8.
func (r *Registry) UpsertFromAdvert(advert Advert, now time.Time) {
	if advert.RSSI == -127 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peer := r.lookupByMACLocked(advert.MAC)
	if peer == nil {
		peer = &Peer{
			MAC:   advert.MAC,
			State: Discovered,
		}
		r.pending[advert.MAC] = peer
	}
	peer.RSSILast = advert.RSSI
	peer.SeenAt = now
	if advert.Name != "" {
		peer.Name = advert.Name
	}
	r.lru.Add(advert.MAC, struct{}{})
}

// BindIdentity installs the identity learned via the handshake (§4.6).
// If another record already exists for this identity (a reconnect, or a
// MAC-rotated peer reappearing under its stable identity), that record
// is reused and re-keyed to the new MAC; the pending MAC-only record is
// discarded. Returns the authoritative *Peer for the identity.
func (r *Registry) BindIdentity(mac meshid.MAC, identity meshid.Identity, now time.Time) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byIdentity[identity]; ok {
		if existing.MAC != mac {
			delete(r.macIndex, existing.MAC)
			existing.MAC = mac
		}
		existing.SeenAt = now
		r.macIndex[mac] = identity
		delete(r.pending, mac)
		r.lru.Add(mac, struct{}{})
		return existing
	}

	peer := r.pending[mac]
	if peer == nil {
		peer = &Peer{MAC: mac, State: Discovered}
	}
	delete(r.pending, mac)
	peer.Identity = identity
	peer.SeenAt = now
	r.byIdentity[identity] = peer
	r.macIndex[mac] = identity
	r.lru.Add(mac, struct{}{})
	return peer
}

// PeerByIdentity returns the peer bound to identity, if any.
func (r *Registry) PeerByIdentity(identity meshid.Identity) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byIdentity[identity]
	return p, ok
}

// PeerByMAC returns whatever record (pending or bound) exists for mac.
func (r *Registry) PeerByMAC(mac meshid.MAC) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookupByMACLocked(mac)
	return p, p != nil
}

// RegisterInboundConnection gets-or-creates the pending (MAC-only)
// record for a remote that connected to us (peripheral role) and sets
// its state directly to HandshakePending, bypassing Dialing since we
// never called Connect (§4.7: the Dialing state only applies to the
// side that initiated).
func (r *Registry) RegisterInboundConnection(mac meshid.MAC, now time.Time) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		peer = &Peer{MAC: mac, SeenAt: now}
		r.pending[mac] = peer
	}
	peer.State = HandshakePending
	peer.SeenAt = now
	r.lru.Add(mac, struct{}{})
	return peer
}

// TransitionByMAC moves whatever record exists for mac from `from` to
// `to`. Used for the pre-identity portion of the state machine
// (Discovered -> Dialing -> HandshakePending), which runs entirely on
// MAC-keyed pending records since identity isn't learned until the
// handshake completes.
func (r *Registry) TransitionByMAC(mac meshid.MAC, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		return fmt.Errorf("registry: transition_by_mac: unknown mac %s", mac)
	}
	if peer.State != from {
		return fmt.Errorf("registry: transition_by_mac: %s is in state %s, not %s", mac, peer.State, from)
	}
	peer.State = to
	if to != Active {
		peer.Fragmenter = nil
		peer.Reassembler = nil
	}
	return nil
}

// RecordAttemptByMAC is RecordAttempt for a pending (not yet
// identity-bound) peer, used on the first dial before any handshake.
func (r *Registry) RecordAttemptByMAC(mac meshid.MAC, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		return fmt.Errorf("registry: record_attempt_by_mac: unknown mac %s", mac)
	}
	peer.AttemptsTotal++
	peer.LastAttemptAt = now
	return nil
}

// BlacklistByMAC is Blacklist for a peer that failed before an
// identity was ever learned.
func (r *Registry) BlacklistByMAC(mac meshid.MAC, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		return fmt.Errorf("registry: blacklist_by_mac: unknown mac %s", mac)
	}
	peer.State = Blacklisted
	peer.BlacklistedUntil = until
	return nil
}

// Transition moves a bound peer from `from` to `to`, refusing the call
// if the peer isn't currently in `from` (guards against racing
// transitions clobbering each other).
func (r *Registry) Transition(identity meshid.Identity, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: transition: unknown identity %s", identity)
	}
	if peer.State != from {
		return fmt.Errorf("registry: transition: %s is in state %s, not %s", identity, peer.State, from)
	}
	peer.State = to

	if to != Active {
		peer.Fragmenter = nil
		peer.Reassembler = nil
	}
	return nil
}

// ActivateWithMTU transitions HandshakePending -> Active and installs a
// fresh fragmenter/reassembler pair (invariant 3).
func (r *Registry) ActivateWithMTU(identity meshid.Identity, mtu int, maxInflightBytes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: activate: unknown identity %s", identity)
	}
	if peer.State != HandshakePending {
		return fmt.Errorf("registry: activate: %s is in state %s, not handshake_pending", identity, peer.State)
	}
	peer.State = Active
	peer.Fragmenter = &Fragmenter{MTU: mtu}
	peer.Reassembler = fragment.NewBuffer(maxInflightBytes)
	return nil
}

// RecordAttempt increments attempt counters and marks last_attempt_at
// (invariant 4: attempts_success <= attempts_total always holds because
// success is only ever recorded alongside a total increment or on an
// already-counted attempt transitioning through Disconnecting->Discovered).
func (r *Registry) RecordAttempt(identity meshid.Identity, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: record_attempt: unknown identity %s", identity)
	}
	peer.AttemptsTotal++
	peer.LastAttemptAt = now
	return nil
}

// RecordSuccess marks the most recent attempt as successful (called when
// Disconnecting -> Discovered and Active was reached, §4.7).
func (r *Registry) RecordSuccess(identity meshid.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: record_success: unknown identity %s", identity)
	}
	if peer.AttemptsSuccess < peer.AttemptsTotal {
		peer.AttemptsSuccess++
	}
	peer.ConsecutiveFailures = 0
	return nil
}

// RecordFailureByMAC increments the consecutive-failure streak for a
// peer that failed before an identity was ever learned.
func (r *Registry) RecordFailureByMAC(mac meshid.MAC) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		return fmt.Errorf("registry: record_failure_by_mac: unknown mac %s", mac)
	}
	peer.ConsecutiveFailures++
	return nil
}

// RecordFailure increments the consecutive-failure streak used by
// §4.7's blacklist threshold (invariant: reset to 0 on RecordSuccess,
// so it counts only non-successful attempts since the last success).
func (r *Registry) RecordFailure(identity meshid.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: record_failure: unknown identity %s", identity)
	}
	peer.ConsecutiveFailures++
	return nil
}

// SetPendingOutbound records the current outbound queue depth for a
// peer (§12 supplemented feature). The orchestrator calls this as
// packets are enqueued and drained so PendingOutbound reflects reality
// without the caller needing registry internals.
func (r *Registry) SetPendingOutbound(identity meshid.Identity, depth int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: set_pending_outbound: unknown identity %s", identity)
	}
	peer.outboundDepth = depth
	return nil
}

// Blacklist sets the peer's state and backoff deadline (§4.7).
func (r *Registry) Blacklist(identity meshid.Identity, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: blacklist: unknown identity %s", identity)
	}
	peer.State = Blacklisted
	peer.BlacklistedUntil = until
	return nil
}

// ClearExpiredBlacklist un-blacklists a peer whose deadline has passed,
// returning it to Discovered (called by the cleanup sweep, §4.8).
func (r *Registry) ClearExpiredBlacklist(identity meshid.Identity, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok || peer.State != Blacklisted {
		return false
	}
	if peer.BlacklistedUntil.After(now) {
		return false
	}
	peer.State = Discovered
	return true
}

// ForceState sets a bound peer's state unconditionally, bypassing the
// from-state check that Transition enforces. Used by the orchestrator
// to unwind cleanup paths where the prior state varies by exit reason
// (§5: every exit path releases resources, none of them care what the
// peer was doing a moment ago).
func (r *Registry) ForceState(identity meshid.Identity, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.byIdentity[identity]
	if !ok {
		return fmt.Errorf("registry: force_state: unknown identity %s", identity)
	}
	peer.State = to
	if to != Active {
		peer.Fragmenter = nil
		peer.Reassembler = nil
	}
	return nil
}

// ForceStateByMAC is ForceState addressed by MAC, for pre-identity
// cleanup paths.
func (r *Registry) ForceStateByMAC(mac meshid.MAC, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.lookupByMACLocked(mac)
	if peer == nil {
		return fmt.Errorf("registry: force_state_by_mac: unknown mac %s", mac)
	}
	peer.State = to
	if to != Active {
		peer.Fragmenter = nil
		peer.Reassembler = nil
	}
	return nil
}

// ClearExpiredBlacklists un-blacklists every peer (bound or pending)
// whose deadline has passed, returning them to Discovered. Called by
// the cleanup sweep (§4.8); returns the count cleared.
func (r *Registry) ClearExpiredBlacklists(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := 0
	for _, peer := range r.pending {
		if peer.State == Blacklisted && !peer.BlacklistedUntil.After(now) {
			peer.State = Discovered
			cleared++
		}
	}
	for _, peer := range r.byIdentity {
		if peer.State == Blacklisted && !peer.BlacklistedUntil.After(now) {
			peer.State = Discovered
			cleared++
		}
	}
	return cleared
}

// DropStale removes a Discovered peer (bound or pending) that has had no
// activity for longer than staleAfter (§12 supplemented feature).
func (r *Registry) DropStale(now time.Time, staleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for mac, peer := range r.pending {
		if peer.State == Discovered && now.Sub(peer.SeenAt) > staleAfter {
			delete(r.pending, mac)
			r.lru.Remove(mac)
			dropped++
		}
	}
	for identity, peer := range r.byIdentity {
		if peer.State == Discovered && now.Sub(peer.SeenAt) > staleAfter {
			delete(r.byIdentity, identity)
			delete(r.macIndex, peer.MAC)
			r.lru.Remove(peer.MAC)
			dropped++
		}
	}
	return dropped
}

// Snapshot returns a value copy of every known peer record, for
// selection and for tests that assert on registry contents.
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.pending)+len(r.byIdentity))
	for _, p := range r.pending {
		out = append(out, p.snapshot())
	}
	for _, p := range r.byIdentity {
		out = append(out, p.snapshot())
	}
	return out
}

// ActiveCount returns the number of peers currently Active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.byIdentity {
		if p.State == Active {
			n++
		}
	}
	return n
}
