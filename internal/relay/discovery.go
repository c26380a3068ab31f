// Package relay implements relay discovery and scoring (C7) and the
// circuit relay state machine (C8), per spec §3/§4.6/§4.7.
package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Info describes one known relay candidate and its track record.
type Info struct {
	PeerID                peer.ID
	Addresses             []multiaddr.Multiaddr
	LastSeen              time.Time
	SuccessCount          uint32
	FailureCount          uint32
	AvgLatencyMs          uint32
	SupportsCircuitRelay2 bool
	MaxConnections        *uint32
	CurrentConnections    *uint32
}

func newInfo(id peer.ID, addrs []multiaddr.Multiaddr, now time.Time) *Info {
	return &Info{PeerID: id, Addresses: addrs, LastSeen: now}
}

func (i *Info) recordSuccess(latencyMs uint32, now time.Time) {
	i.LastSeen = now
	i.SuccessCount++
	if i.AvgLatencyMs == 0 {
		i.AvgLatencyMs = latencyMs
	} else {
		// weighted moving average, 3:1 favoring history
		i.AvgLatencyMs = (i.AvgLatencyMs*3 + latencyMs) / 4
	}
}

func (i *Info) recordFailure() { i.FailureCount++ }

// Score computes the relay's desirability (higher is better), per spec
// §4.6: success rate, latency, recency, circuit-relay-v2 support, and
// available capacity all factor in.
func (i *Info) Score(now time.Time) float64 {
	score := 100.0

	total := i.SuccessCount + i.FailureCount
	if total > 0 {
		successRate := float64(i.SuccessCount) / float64(total)
		score *= successRate
	}

	if i.AvgLatencyMs > 0 {
		latency := i.AvgLatencyMs
		if latency > 500 {
			latency = 500
		}
		latencyFactor := 1.0 - float64(latency)/1000.0
		score *= 0.5 + latencyFactor*0.5
	}

	if now.Sub(i.LastSeen) > time.Hour {
		score *= 0.9
	}

	if i.SupportsCircuitRelay2 {
		score *= 1.2
	}

	if i.MaxConnections != nil && i.CurrentConnections != nil && *i.MaxConnections > 0 {
		usage := float64(*i.CurrentConnections) / float64(*i.MaxConnections)
		if usage > 0.8 {
			score *= 0.7
		}
	}

	return score
}

func (i *Info) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(i.LastSeen) > ttl
}

// BootstrapRelay is a statically configured relay seeded at startup.
type BootstrapRelay struct {
	PeerID  peer.ID
	Address multiaddr.Multiaddr
}

// DiscoveryConfig configures a DiscoveryManager.
type DiscoveryConfig struct {
	BootstrapRelays   []BootstrapRelay
	RelayTTL          time.Duration
	MaxRelays         int
	EnableDHTLookup   bool
}

// DefaultDiscoveryConfig matches the reference implementation's defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		RelayTTL:        24 * time.Hour,
		MaxRelays:       100,
		EnableDHTLookup: true,
	}
}

// DiscoveryManager tracks known relays and ranks them by Score.
type DiscoveryManager struct {
	cfg DiscoveryConfig

	mu     sync.Mutex
	relays map[peer.ID]*Info

	now func() time.Time
}

// NewDiscoveryManager constructs a DiscoveryManager, seeding it with any
// configured bootstrap relays.
func NewDiscoveryManager(cfg DiscoveryConfig) *DiscoveryManager {
	m := &DiscoveryManager{cfg: cfg, relays: make(map[peer.ID]*Info), now: time.Now}
	now := m.now()
	for _, b := range cfg.BootstrapRelays {
		m.relays[b.PeerID] = newInfo(b.PeerID, []multiaddr.Multiaddr{b.Address}, now)
	}
	return m
}

// AddRelay records a newly discovered (or re-seen) relay candidate,
// merging addresses if the relay is already known.
func (m *DiscoveryManager) AddRelay(id peer.ID, addrs []multiaddr.Multiaddr) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.relays[id]; ok {
		existing.LastSeen = now
		for _, addr := range addrs {
			if !containsAddr(existing.Addresses, addr) {
				existing.Addresses = append(existing.Addresses, addr)
			}
		}
		return
	}

	m.relays[id] = newInfo(id, addrs, now)
	if len(m.relays) > m.cfg.MaxRelays {
		m.pruneLocked()
	}
}

func containsAddr(addrs []multiaddr.Multiaddr, addr multiaddr.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// GetRelay returns a copy of the known info for id, if any.
func (m *DiscoveryManager) GetRelay(id peer.ID) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.relays[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// GetRelays returns a snapshot of all known relays.
func (m *DiscoveryManager) GetRelays() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.relays))
	for _, info := range m.relays {
		out = append(out, *info)
	}
	return out
}

// GetBestRelays returns up to count relays, ordered by descending Score.
func (m *DiscoveryManager) GetBestRelays(count int) []Info {
	now := m.now()

	m.mu.Lock()
	all := make([]Info, 0, len(m.relays))
	for _, info := range m.relays {
		all = append(all, *info)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Score(now) > all[j].Score(now) })
	if count < len(all) {
		all = all[:count]
	}
	return all
}

// RecordSuccess updates id's track record after a successful relayed
// connection attempt.
func (m *DiscoveryManager) RecordSuccess(id peer.ID, latencyMs uint32) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.relays[id]; ok {
		info.recordSuccess(latencyMs, now)
	}
}

// RecordFailure updates id's track record after a failed relayed
// connection attempt.
func (m *DiscoveryManager) RecordFailure(id peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.relays[id]; ok {
		info.recordFailure()
	}
}

// Prune removes expired relays and, if still over capacity, the
// lowest-scoring ones.
func (m *DiscoveryManager) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
}

func (m *DiscoveryManager) pruneLocked() {
	now := m.now()
	for id, info := range m.relays {
		if info.expired(m.cfg.RelayTTL, now) {
			delete(m.relays, id)
		}
	}

	if len(m.relays) <= m.cfg.MaxRelays {
		return
	}

	type scored struct {
		id    peer.ID
		score float64
	}
	ranked := make([]scored, 0, len(m.relays))
	for id, info := range m.relays {
		ranked = append(ranked, scored{id, info.Score(now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	toRemove := len(m.relays) - m.cfg.MaxRelays
	for _, r := range ranked[:toRemove] {
		delete(m.relays, r.id)
	}
}
