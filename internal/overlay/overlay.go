// Package overlay implements the P2P overlay (C12): it composes
// signaling (C4), the connection pool (C6), relay discovery + circuit
// relay (C7+C8), auth (C9), encryption (C10), and the rate limiter
// (C11) behind the four primitives spec §4.11 exposes to higher
// layers: subscribe/unsubscribe, publish, request, and events.
package overlay

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/darkswapfoundation/darkswap/internal/auth"
	"github.com/darkswapfoundation/darkswap/internal/crypto"
	"github.com/darkswapfoundation/darkswap/internal/encryption"
	"github.com/darkswapfoundation/darkswap/internal/errs"
	"github.com/darkswapfoundation/darkswap/internal/pool"
	"github.com/darkswapfoundation/darkswap/internal/ratelimit"
	"github.com/darkswapfoundation/darkswap/internal/relay"
	"github.com/darkswapfoundation/darkswap/internal/signaling"
	"github.com/darkswapfoundation/darkswap/internal/types"
	"github.com/darkswapfoundation/darkswap/internal/webrtcconn"
)

var log = logrus.WithField("component", "overlay")

// RequestResponseProtocol is the reserved libp2p stream protocol id
// used for single-reply request/response (spec §4.11).
const RequestResponseProtocol = protocol.ID("/darkswap/request-response/1.0.0")

// HandshakeProtocol carries the X25519 ephemeral-key exchange that
// establishes an encryption (C10) session between two peers before
// their first Request/handleStream round trip, per spec §4.9.
const HandshakeProtocol = protocol.ID("/darkswap/handshake/1.0.0")

// Gossip topics, per spec §4.11.
const (
	OrderbookTopic = "darkswap/orderbook"
	TradeTopic     = "darkswap/trade"
	ChatTopic      = "darkswap/chat"
)

// EventKind distinguishes the lazy events() stream's payload shapes.
type EventKind int

const (
	PeerConnected EventKind = iota
	PeerDisconnected
	MessageReceived
	RelayReserved
	ConnectedThroughRelay
)

// Event is one item of the infinite, non-restartable events() sequence.
type Event struct {
	Kind  EventKind
	Peer  types.PeerID
	Topic string
	Data  []byte
}

// RequestHandler answers an inbound request() call from a remote peer.
type RequestHandler func(peer types.PeerID, request []byte) (response []byte, err error)

// Config configures an Overlay, matching spec §6's top-level sections
// for the components it composes.
type Config struct {
	ListenAddr          string
	BootstrapPeers      []string
	MaxRelayConnections int
	DedupCacheSize      int
	RequestTimeout      time.Duration

	Auth       auth.Config
	Encryption encryption.Config
	RateLimit  ratelimit.ManagerConfig
	Pool       pool.Config
	Discovery  relay.DiscoveryConfig
	Circuit    relay.CircuitConfig
	WebRTC     webrtcconn.Config
}

// DefaultConfig supplies conservative local-development defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "/ip4/0.0.0.0/tcp/0",
		MaxRelayConnections: 3,
		DedupCacheSize:      4096,
		RequestTimeout:      10 * time.Second,
		RateLimit:           ratelimit.ManagerConfig{ConnectionLimit: 30, MessageLimit: 200, BandwidthBytes: 8 << 20, WindowSeconds: time.Second, Enabled: true},
		Pool:                pool.DefaultConfig(),
		Discovery:           relay.DefaultDiscoveryConfig(),
		Circuit:             relay.DefaultCircuitConfig(),
		WebRTC:              webrtcconn.DefaultConfig(),
	}
}

// Overlay is the P2P overlay (C12).
type Overlay struct {
	cfg       Config
	localPeer types.PeerID

	host   host.Host
	pubsub *pubsub.PubSub

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription

	auth       *auth.Manager
	encryption *encryption.Manager
	limiter    *ratelimit.Manager
	discovery  *relay.DiscoveryManager
	circuits   *relay.CircuitManager
	conns      *pool.Pool[*webrtcconn.Conn]
	signaling  *signaling.Client

	dedup *lru.Cache[string, struct{}]

	sessionsMu sync.Mutex
	sessions   map[types.PeerID]struct{}

	handler RequestHandler

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Overlay: it stands up a libp2p host and gossip
// router (mirroring the teacher's `core.NewNode`), the supporting
// managers, and registers the request/response stream handler.
func New(cfg Config, localPeer types.PeerID, handler RequestHandler) (*Overlay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, errs.Wrap(errs.Transport, "create libp2p host", err)
	}

	// Strict signature verification: peers drop gossip messages lacking
	// a valid publisher signature, per spec §4.11.
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, errs.Wrap(errs.Transport, "create gossip router", err)
	}

	enc, err := encryption.New(cfg.Encryption)
	if err != nil {
		h.Close()
		cancel()
		return nil, errs.Wrap(errs.Crypto, "construct encryption manager", err)
	}

	dedupSize := cfg.DedupCacheSize
	if dedupSize <= 0 {
		dedupSize = 4096
	}
	dedup, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		h.Close()
		cancel()
		return nil, errs.Wrap(errs.Internal, "construct gossip dedup cache", err)
	}

	o := &Overlay{
		cfg:        cfg,
		localPeer:  localPeer,
		host:       h,
		pubsub:     ps,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		auth:       auth.New(cfg.Auth),
		encryption: enc,
		limiter:    ratelimit.NewManager(cfg.RateLimit),
		discovery:  relay.NewDiscoveryManager(cfg.Discovery),
		circuits:   relay.NewCircuitManager(cfg.Circuit),
		conns:      pool.New[*webrtcconn.Conn](cfg.Pool),
		signaling:  signaling.NewClient(string(localPeer)),
		dedup:      dedup,
		sessions:   make(map[types.PeerID]struct{}),
		handler:    handler,
		events:     make(chan Event, 256),
		ctx:        ctx,
		cancel:     cancel,
	}

	h.SetStreamHandler(RequestResponseProtocol, o.handleStream)
	h.SetStreamHandler(HandshakeProtocol, o.handleHandshake)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			o.emit(Event{Kind: PeerConnected, Peer: types.PeerID(c.RemotePeer().String())})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			o.emit(Event{Kind: PeerDisconnected, Peer: types.PeerID(c.RemotePeer().String())})
		},
	})

	if err := o.dialSeeds(cfg.BootstrapPeers); err != nil {
		log.Warnf("bootstrap dial warning: %v", err)
	}

	return o, nil
}

func (o *Overlay) dialSeeds(seeds []string) error {
	var lastErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			lastErr = err
			continue
		}
		if err := o.host.Connect(o.ctx, *pi); err != nil {
			lastErr = err
			continue
		}
		o.discovery.AddRelay(pi.ID, pi.Addrs)
	}
	return lastErr
}

func (o *Overlay) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Warn("dropping overlay event: events channel full")
	}
}

// Events returns the infinite, non-restartable events() sequence.
func (o *Overlay) Events() <-chan Event { return o.events }

// Subscribe joins topic and begins delivering MessageReceived events
// for it, suppressing envelopes already seen within the dedup window
// (spec §5 "Gossip delivery... duplicates suppressed by content hash
// id in a short-window LRU").
func (o *Overlay) Subscribe(topic string) error {
	o.topicsMu.Lock()
	defer o.topicsMu.Unlock()

	if _, ok := o.subs[topic]; ok {
		return nil
	}

	t, err := o.joinLocked(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return errs.Wrap(errs.Transport, fmt.Sprintf("subscribe topic %s", topic), err)
	}
	o.subs[topic] = sub

	go o.readLoop(topic, sub)
	return nil
}

func (o *Overlay) joinLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := o.topics[topic]; ok {
		return t, nil
	}
	t, err := o.pubsub.Join(topic)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, fmt.Sprintf("join topic %s", topic), err)
	}
	o.topics[topic] = t
	return t, nil
}

func (o *Overlay) readLoop(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(o.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == o.host.ID() {
			continue
		}
		if o.auth.IsBanned(auth.PeerID(msg.GetFrom().String())) {
			continue
		}

		digest := contentDigest(msg.Data)
		if _, seen := o.dedup.Get(digest); seen {
			continue
		}
		o.dedup.Add(digest, struct{}{})

		o.emit(Event{
			Kind:  MessageReceived,
			Peer:  types.PeerID(msg.GetFrom().String()),
			Topic: topic,
			Data:  msg.Data,
		})
	}
}

func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return string(sum[:])
}

// Unsubscribe leaves topic.
func (o *Overlay) Unsubscribe(topic string) {
	o.topicsMu.Lock()
	defer o.topicsMu.Unlock()

	if sub, ok := o.subs[topic]; ok {
		sub.Cancel()
		delete(o.subs, topic)
	}
	if t, ok := o.topics[topic]; ok {
		_ = t.Close()
		delete(o.topics, topic)
	}
}

// Publish gossips data to every peer subscribed to topic. Gossip
// envelopes are deliberately not end-to-end encrypted: the orderbook
// and trade topics must stay readable by every subscriber to converge,
// and GossipSub's strict signature verification (enabled in New)
// already rejects a forged publisher. readLoop drops envelopes from
// banned peers on receipt instead; the encryption (C10) and token
// auth (C9) managers guard the pairwise Request/handleStream channel,
// where payloads are confidential PSBTs/negotiation state rather than
// public orderbook state.
func (o *Overlay) Publish(topic string, data []byte) error {
	o.topicsMu.Lock()
	t, err := o.joinLocked(topic)
	o.topicsMu.Unlock()
	if err != nil {
		return err
	}
	if err := t.Publish(o.ctx, data); err != nil {
		return errs.Wrap(errs.Transport, fmt.Sprintf("publish topic %s", topic), err)
	}
	return nil
}

// Response is a single-reply request/response result.
type Response struct {
	Payload []byte
}

// RequestError carries a rejected or failed request/response round
// trip's reason back to the caller.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

// Request opens a stream to peer on the reserved request/response
// protocol id, sends msg, and waits for a single JSON-encoded reply.
// The payload is end-to-end encrypted (C10) over a session established
// by ensureSession, and the peer is checked against the ban list (C9)
// before either side does any work.
func (o *Overlay) Request(ctx context.Context, peerID types.PeerID, msg []byte) (Response, error) {
	if !o.limiter.AllowMessage(string(peerID)) {
		return Response{}, &RequestError{Reason: "rate limited"}
	}
	if o.auth.IsBanned(auth.PeerID(peerID)) {
		return Response{}, &RequestError{Reason: "peer is banned"}
	}

	pid, err := peer.Decode(string(peerID))
	if err != nil {
		return Response{}, errs.Wrap(errs.InvalidArgument, "decode peer id", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	if err := o.ensureSession(ctx, peerID); err != nil {
		return Response{}, &RequestError{Reason: fmt.Sprintf("establish encryption session: %v", err)}
	}

	ciphertext, err := o.encryption.Encrypt(encryption.PeerID(peerID), msg)
	if err != nil {
		return Response{}, &RequestError{Reason: fmt.Sprintf("encrypt request: %v", err)}
	}

	s, err := o.host.NewStream(ctx, pid, RequestResponseProtocol)
	if err != nil {
		return Response{}, &RequestError{Reason: fmt.Sprintf("open stream: %v", err)}
	}
	defer s.Close()

	// No token is attached here: this overlay has no out-of-band
	// challenge-response flow to acquire one from peerID yet (spec
	// §4.8's full mutual handshake is a future increment). ValidateToken
	// on the receiving side still runs and enforces RequireAuth/the
	// trusted/banned lists; an unset token only succeeds when the
	// remote's RequireAuth is false.
	if err := json.NewEncoder(s).Encode(wireMessage{Payload: ciphertext}); err != nil {
		return Response{}, &RequestError{Reason: fmt.Sprintf("send request: %v", err)}
	}

	var reply wireMessage
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&reply); err != nil {
		return Response{}, &RequestError{Reason: fmt.Sprintf("read response: %v", err)}
	}
	if reply.Error != "" {
		return Response{}, &RequestError{Reason: reply.Error}
	}

	plaintext, err := o.encryption.Decrypt(encryption.PeerID(peerID), reply.Payload)
	if err != nil {
		return Response{}, &RequestError{Reason: fmt.Sprintf("decrypt response: %v", err)}
	}
	return Response{Payload: plaintext}, nil
}

// wireMessage is the request/response envelope. Payload carries an
// AEAD-sealed ciphertext once a session is established (empty-Token
// peers still round-trip when the auth manager's RequireAuth is
// false, per spec §4.8's default-open behavior).
type wireMessage struct {
	Payload []byte `json:"payload,omitempty"`
	Token   []byte `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (o *Overlay) handleStream(s network.Stream) {
	defer s.Close()

	remote := types.PeerID(s.Conn().RemotePeer().String())
	if !o.limiter.AllowMessage(string(remote)) {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: "rate limited"})
		return
	}

	var req wireMessage
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	if result := o.auth.ValidateToken(auth.PeerID(remote), req.Token); !result.Success {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: fmt.Sprintf("unauthenticated: %s", result.Reason)})
		return
	}

	plaintext, err := o.encryption.Decrypt(encryption.PeerID(remote), req.Payload)
	if err != nil {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: fmt.Sprintf("decrypt request: %v", err)})
		return
	}

	if o.handler == nil {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: "no request handler registered"})
		return
	}

	resp, err := o.handler(remote, plaintext)
	if err != nil {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: err.Error()})
		return
	}

	ciphertext, err := o.encryption.Encrypt(encryption.PeerID(remote), resp)
	if err != nil {
		_ = json.NewEncoder(s).Encode(wireMessage{Error: fmt.Sprintf("encrypt response: %v", err)})
		return
	}
	_ = json.NewEncoder(s).Encode(wireMessage{Payload: ciphertext})
}

// ensureSession performs the X25519 ephemeral-key handshake with peer
// over HandshakeProtocol unless a session is already cached locally.
// EstablishSession is deterministic given both public keys, so it is
// safe to call again if the remote forgets and re-handshakes.
func (o *Overlay) ensureSession(ctx context.Context, peerID types.PeerID) error {
	o.sessionsMu.Lock()
	_, ok := o.sessions[peerID]
	o.sessionsMu.Unlock()
	if ok {
		return nil
	}

	pid, err := peer.Decode(string(peerID))
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "decode peer id", err)
	}

	localPub, err := o.encryption.EphemeralPublicKey(encryption.PeerID(peerID))
	if err != nil {
		return errs.Wrap(errs.Crypto, "derive local ephemeral key", err)
	}

	s, err := o.host.NewStream(ctx, pid, HandshakeProtocol)
	if err != nil {
		return errs.Wrap(errs.Transport, "open handshake stream", err)
	}
	defer s.Close()

	if _, err := s.Write(localPub[:]); err != nil {
		return errs.Wrap(errs.Transport, "send handshake key", err)
	}
	var remotePub [crypto.KeySize]byte
	if _, err := io.ReadFull(s, remotePub[:]); err != nil {
		return errs.Wrap(errs.Transport, "read handshake key", err)
	}

	if err := o.encryption.EstablishSession(encryption.PeerID(peerID), remotePub); err != nil {
		return err
	}

	o.sessionsMu.Lock()
	o.sessions[peerID] = struct{}{}
	o.sessionsMu.Unlock()
	return nil
}

// handleHandshake answers an inbound HandshakeProtocol stream: it
// reads the initiator's ephemeral public key, replies with this
// node's own, and derives the same session key ensureSession derives
// on the initiator's side.
func (o *Overlay) handleHandshake(s network.Stream) {
	defer s.Close()

	remote := types.PeerID(s.Conn().RemotePeer().String())

	var remotePub [crypto.KeySize]byte
	if _, err := io.ReadFull(s, remotePub[:]); err != nil {
		log.Warnf("handshake: read key from %s: %v", remote, err)
		return
	}

	localPub, err := o.encryption.EphemeralPublicKey(encryption.PeerID(remote))
	if err != nil {
		log.Warnf("handshake: derive local key for %s: %v", remote, err)
		return
	}
	if _, err := s.Write(localPub[:]); err != nil {
		log.Warnf("handshake: send key to %s: %v", remote, err)
		return
	}

	if err := o.encryption.EstablishSession(encryption.PeerID(remote), remotePub); err != nil {
		log.Warnf("handshake: establish session with %s: %v", remote, err)
		return
	}

	o.sessionsMu.Lock()
	o.sessions[remote] = struct{}{}
	o.sessionsMu.Unlock()
}

// Connect establishes a WebRTC data-channel connection to peerID for
// direct (non-gossip) trade negotiation traffic, per spec §4.11's
// connect policy: direct dial first, then the top-scoring reachable
// relays up to MaxRelayConnections, else a Transport-kind error.
func (o *Overlay) Connect(ctx context.Context, peerID types.PeerID) (*webrtcconn.Conn, error) {
	if o.auth.IsBanned(auth.PeerID(peerID)) {
		return nil, errs.New(errs.PermissionDenied, "peer is banned")
	}
	if conn, ok := o.conns.Get(string(peerID)); ok {
		return conn, nil
	}
	if !o.limiter.AllowConnection(string(peerID)) {
		return nil, errs.New(errs.RateLimited, "connection rate limit exceeded")
	}

	if conn, err := o.dialDirect(ctx, peerID); err == nil {
		o.conns.Add(string(peerID), conn)
		return conn, nil
	}

	relays := o.discovery.GetBestRelays(o.cfg.MaxRelayConnections)
	var lastErr error
	for _, r := range relays {
		conn, err := o.dialViaRelay(ctx, peerID, r)
		if err != nil {
			o.discovery.RecordFailure(r.PeerID)
			lastErr = err
			continue
		}
		o.discovery.RecordSuccess(r.PeerID, 0)
		o.conns.Add(string(peerID), conn)
		o.emit(Event{Kind: ConnectedThroughRelay, Peer: peerID})
		return conn, nil
	}

	if lastErr == nil {
		lastErr = errs.New(errs.Transport, "no relay candidates available")
	}
	return nil, errs.Wrap(errs.Transport, "connection failed after exhausting relays", lastErr)
}

func (o *Overlay) dialDirect(ctx context.Context, peerID types.PeerID) (*webrtcconn.Conn, error) {
	conn, err := webrtcconn.NewConn(string(peerID), o.cfg.WebRTC)
	if err != nil {
		return nil, err
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		return nil, err
	}

	answers := o.signaling.Subscribe(string(peerID))
	defer o.signaling.Unsubscribe(string(peerID))

	if err := o.signaling.SendOffer(string(peerID), offer); err != nil {
		return nil, err
	}

	select {
	case ev, ok := <-answers:
		if !ok || ev.Kind != signaling.AnswerReceived {
			return nil, errs.New(errs.Signaling, "no answer received")
		}
		if err := conn.SetRemoteAnswer(ev.SDP); err != nil {
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, "direct dial", ctx.Err())
	}
}

// dialViaRelay reserves a circuit through r and forwards the local
// WebRTC offer over it. No answer is awaited, so the returned
// connection has no remote description set. The relay forwards signaling traffic (OpenDataChannel/Forward)
// rather than terminating it, per spec §4.7.
func (o *Overlay) dialViaRelay(ctx context.Context, peerID types.PeerID, r relay.Info) (*webrtcconn.Conn, error) {
	relayID := r.PeerID.String()
	circuitID, err := o.circuits.Reserve(string(o.localPeer), string(peerID))
	if err != nil {
		return nil, err
	}
	o.emit(Event{Kind: RelayReserved, Peer: types.PeerID(relayID)})

	if err := o.circuits.Promote(circuitID, string(o.localPeer), string(peerID)); err != nil {
		return nil, err
	}
	if err := o.circuits.OpenDataChannel(string(o.localPeer), circuitID, "signaling"); err != nil {
		return nil, err
	}

	conn, err := webrtcconn.NewConn(string(peerID), o.cfg.WebRTC)
	if err != nil {
		_ = o.circuits.Close(circuitID)
		return nil, err
	}
	offer, err := conn.CreateOffer()
	if err != nil {
		_ = o.circuits.Close(circuitID)
		return nil, err
	}
	if _, err := o.circuits.Forward(string(o.localPeer), circuitID, []byte(offer)); err != nil {
		_ = o.circuits.Close(circuitID)
		return nil, err
	}

	return conn, nil
}

// Peers returns the connected peer set, as observed by the libp2p host.
func (o *Overlay) Peers() []types.PeerID {
	ids := o.host.Network().Peers()
	out := make([]types.PeerID, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.PeerID(id.String()))
	}
	return out
}

// CircuitMetrics reports a point-in-time occupancy snapshot of the
// circuit relay manager this overlay composes, for callers that poll
// it into a metrics registry (spec §4.14's circuit gauges).
func (o *Overlay) CircuitMetrics() relay.CircuitMetrics {
	return o.circuits.Metrics()
}

// Close tears down the overlay's host, connections, and background
// goroutines.
func (o *Overlay) Close() error {
	o.cancel()
	return o.host.Close()
}
