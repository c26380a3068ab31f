package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkswapfoundation/darkswap/internal/errs"
)

// CircuitID identifies one relayed circuit between two peers.
type CircuitID string

func newCircuitID() CircuitID { return CircuitID(uuid.NewString()) }

// CircuitState is the lifecycle state of a Circuit (C8).
type CircuitState int

const (
	Pending CircuitState = iota
	Active
	Closed
)

type reservation struct {
	id        CircuitID
	src, dst  string
	createdAt time.Time
	expiresAt time.Time
}

type dataChannel struct {
	name          string
	createdAt     time.Time
	bytesSent     uint64
	bytesReceived uint64
	lastActivity  time.Time
}

type circuit struct {
	id            CircuitID
	src, dst      string
	createdAt     time.Time
	expiresAt     time.Time
	state         CircuitState
	bytesSent     uint64
	bytesReceived uint64
	lastActivity  time.Time
	dataChannels  map[string]*dataChannel
}

// CircuitConfig configures a CircuitManager, per spec §6's relay section.
type CircuitConfig struct {
	ReservationDuration time.Duration
	MaxCircuitDuration  time.Duration
	MaxCircuitBytes     uint64
	MaxCircuitsPerPeer  int
}

// DefaultCircuitConfig supplies conservative defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		ReservationDuration: time.Minute,
		MaxCircuitDuration:  time.Hour,
		MaxCircuitBytes:     16 * 1024 * 1024,
		MaxCircuitsPerPeer:  8,
	}
}

// CircuitManager implements the circuit relay state machine (C8):
// Reservation -> Circuit, with per-peer concurrency limits and a
// per-circuit byte cap. Unlike the reference implementation's
// event-channel-driven actor, callers here invoke methods directly and
// synchronously; the manager itself does no networking or async
// dispatch, matching this core's "library, not a runtime" shape.
type CircuitManager struct {
	cfg CircuitConfig

	mu           sync.Mutex
	reservations map[CircuitID]*reservation
	circuits     map[CircuitID]*circuit
	peerCircuits map[string]map[CircuitID]struct{}

	now func() time.Time
}

// NewCircuitManager constructs a CircuitManager.
func NewCircuitManager(cfg CircuitConfig) *CircuitManager {
	return &CircuitManager{
		cfg:          cfg,
		reservations: make(map[CircuitID]*reservation),
		circuits:     make(map[CircuitID]*circuit),
		peerCircuits: make(map[string]map[CircuitID]struct{}),
		now:          time.Now,
	}
}

func (m *CircuitManager) peerCircuitCount(peer string) int {
	return len(m.peerCircuits[peer])
}

// Reserve allocates a reservation for a future circuit between src and
// dst, enforcing spec §4.7's per-peer circuit limit against each side's
// current (already-promoted) circuit count.
func (m *CircuitManager) Reserve(src, dst string) (CircuitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peerCircuitCount(src) >= m.cfg.MaxCircuitsPerPeer {
		return "", errs.PermissionDeniedf("source peer %s has reached the maximum number of circuits", src)
	}
	if m.peerCircuitCount(dst) >= m.cfg.MaxCircuitsPerPeer {
		return "", errs.PermissionDeniedf("destination peer %s has reached the maximum number of circuits", dst)
	}

	now := m.now()
	id := newCircuitID()
	m.reservations[id] = &reservation{
		id:        id,
		src:       src,
		dst:       dst,
		createdAt: now,
		expiresAt: now.Add(m.cfg.ReservationDuration),
	}
	return id, nil
}

// Promote turns a live reservation into an active circuit, re-checking
// the per-peer circuit limit (a peer may have opened other circuits
// between Reserve and Promote) and verifying src/dst match the
// reservation.
func (m *CircuitManager) Promote(id CircuitID, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.circuits[id]; exists {
		return errs.AlreadyExistsf("circuit %s already exists", id)
	}

	res, ok := m.reservations[id]
	if !ok {
		return errs.NotFoundf("circuit reservation %s not found", id)
	}
	if res.src != src || res.dst != dst {
		return errs.InvalidArgumentf("circuit %s source/destination mismatch", id)
	}
	if m.peerCircuitCount(src) >= m.cfg.MaxCircuitsPerPeer {
		return errs.PermissionDeniedf("source peer %s has reached the maximum number of circuits", src)
	}
	if m.peerCircuitCount(dst) >= m.cfg.MaxCircuitsPerPeer {
		return errs.PermissionDeniedf("destination peer %s has reached the maximum number of circuits", dst)
	}

	now := m.now()
	m.circuits[id] = &circuit{
		id:           id,
		src:          src,
		dst:          dst,
		createdAt:    now,
		expiresAt:    now.Add(m.cfg.MaxCircuitDuration),
		state:        Active,
		lastActivity: now,
		dataChannels: make(map[string]*dataChannel),
	}
	m.addPeerCircuit(src, id)
	m.addPeerCircuit(dst, id)
	delete(m.reservations, id)
	return nil
}

func (m *CircuitManager) addPeerCircuit(peer string, id CircuitID) {
	if m.peerCircuits[peer] == nil {
		m.peerCircuits[peer] = make(map[CircuitID]struct{})
	}
	m.peerCircuits[peer][id] = struct{}{}
}

func (m *CircuitManager) removePeerCircuit(peer string, id CircuitID) {
	delete(m.peerCircuits[peer], id)
	if len(m.peerCircuits[peer]) == 0 {
		delete(m.peerCircuits, peer)
	}
}

// Close marks a circuit closed; it remains queryable until swept by
// CleanupCircuits.
func (m *CircuitManager) Close(id CircuitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[id]
	if !ok {
		return errs.NotFoundf("circuit %s not found", id)
	}
	c.state = Closed
	return nil
}

// Forward relays data sent by src across circuit id, enforcing the
// per-circuit byte cap (spec §4.7). It returns the peer the data should
// be forwarded to. Exceeding the cap closes the circuit and returns an
// error, matching the reference implementation.
func (m *CircuitManager) Forward(src string, id CircuitID, data []byte) (dst string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[id]
	if !ok {
		return "", errs.NotFoundf("circuit %s not found", id)
	}
	if c.state != Active {
		return "", errs.InvalidArgumentf("circuit %s is not active", id)
	}
	if c.src != src && c.dst != src {
		return "", errs.PermissionDeniedf("peer %s is not a party to circuit %s", src, id)
	}

	if c.bytesSent+uint64(len(data)) > m.cfg.MaxCircuitBytes {
		c.state = Closed
		return "", errs.PermissionDeniedf("circuit %s exceeded its byte limit", id)
	}

	c.bytesSent += uint64(len(data))
	c.lastActivity = m.now()

	if c.src == src {
		return c.dst, nil
	}
	return c.src, nil
}

// OpenDataChannel registers a named data channel on an active circuit.
func (m *CircuitManager) OpenDataChannel(peer string, id CircuitID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[id]
	if !ok {
		return errs.NotFoundf("circuit %s not found", id)
	}
	if c.state != Active {
		return errs.InvalidArgumentf("circuit %s is not active", id)
	}
	if c.src != peer && c.dst != peer {
		return errs.PermissionDeniedf("peer %s is not a party to circuit %s", peer, id)
	}

	now := m.now()
	c.dataChannels[channel] = &dataChannel{name: channel, createdAt: now, lastActivity: now}
	return nil
}

// CloseDataChannel removes a data channel from a circuit.
func (m *CircuitManager) CloseDataChannel(id CircuitID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[id]
	if !ok {
		return errs.NotFoundf("circuit %s not found", id)
	}
	delete(c.dataChannels, channel)
	return nil
}

// CleanupReservations removes reservations past their expiry.
func (m *CircuitManager) CleanupReservations() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.reservations {
		if !now.Before(r.expiresAt) {
			delete(m.reservations, id)
		}
	}
}

// CleanupCircuits removes circuits that are closed or past their
// expiry, unwinding the per-peer circuit index as it goes.
func (m *CircuitManager) CleanupCircuits() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.circuits {
		if c.state == Closed || !now.Before(c.expiresAt) {
			m.removePeerCircuit(c.src, id)
			m.removePeerCircuit(c.dst, id)
			delete(m.circuits, id)
		}
	}
}

// CircuitMetrics summarizes manager occupancy.
type CircuitMetrics struct {
	Circuits     int
	Reservations int
	Peers        int
	BytesSent    uint64
}

// Metrics reports a point-in-time occupancy snapshot.
func (m *CircuitManager) Metrics() CircuitMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bytesSent uint64
	for _, c := range m.circuits {
		bytesSent += c.bytesSent
	}
	return CircuitMetrics{
		Circuits:     len(m.circuits),
		Reservations: len(m.reservations),
		Peers:        len(m.peerCircuits),
		BytesSent:    bytesSent,
	}
}
