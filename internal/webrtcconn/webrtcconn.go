// Package webrtcconn implements the WebRTC connection + data channel
// lifecycle state machine (C5), per spec §4.4.
package webrtcconn

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/darkswapfoundation/darkswap/internal/errs"
)

var log = logrus.WithField("component", "webrtcconn")

// State is the connection's top-level lifecycle state.
type State int

const (
	New State = iota
	Connecting
	Connected
	Disconnected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Failed:
		return "Failed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SignalingState mirrors the SDP offer/answer negotiation sub-state.
type SignalingState int

const (
	Stable SignalingState = iota
	HaveLocalOffer
	HaveRemoteOffer
)

// ChannelState mirrors one data channel's lifecycle.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

// TURNServer configures one TURN relay with credentials.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// Config configures ICE servers and negotiation timeouts, per spec §6's
// `ice` section.
type Config struct {
	STUNServers          []string
	TURNServers          []TURNServer
	GatherTimeout        time.Duration
	EstablishmentTimeout time.Duration
	DataChannelTimeout   time.Duration
}

// DefaultConfig matches spec §4.4/§5's defaults.
func DefaultConfig() Config {
	return Config{
		STUNServers:          []string{"stun:stun.l.google.com:19302"},
		GatherTimeout:        5 * time.Second,
		EstablishmentTimeout: 30 * time.Second,
		DataChannelTimeout:   10 * time.Second,
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+len(c.TURNServers))
	for _, url := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	for _, t := range c.TURNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{t.URL}, Username: t.Username, Credential: t.Credential,
		})
	}
	return servers
}

// channelEntry tracks one data channel alongside our own state, since
// pion's DataChannel.ReadyState() only distinguishes
// connecting/open/closing/closed and doesn't track "we asked to close".
type channelEntry struct {
	dc    *webrtc.DataChannel
	state ChannelState
}

// Conn is one peer connection plus its named data channels.
type Conn struct {
	PeerID string

	cfg Config
	pc  *webrtc.PeerConnection

	mu       sync.Mutex
	state    State
	sigState SignalingState
	channels map[string]*channelEntry
}

func stateFromPion(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return New
	case webrtc.PeerConnectionStateConnecting:
		return Connecting
	case webrtc.PeerConnectionStateConnected:
		return Connected
	case webrtc.PeerConnectionStateDisconnected:
		return Disconnected
	case webrtc.PeerConnectionStateFailed:
		return Failed
	case webrtc.PeerConnectionStateClosed:
		return Closed
	default:
		return New
	}
}

// NewConn constructs a Conn for peerID using the given ICE configuration.
func NewConn(peerID string, cfg Config) (*Conn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "create peer connection", err)
	}

	c := &Conn{
		PeerID:   peerID,
		cfg:      cfg,
		pc:       pc,
		state:    New,
		sigState: Stable,
		channels: make(map[string]*channelEntry),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mu.Lock()
		c.state = stateFromPion(s)
		c.mu.Unlock()
		log.WithField("peer", peerID).WithField("state", s.String()).Debug("connection state changed")
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		c.channels[dc.Label()] = &channelEntry{dc: dc, state: ChannelConnecting}
		c.mu.Unlock()
		c.wireChannelState(dc)
	})

	return c, nil
}

func (c *Conn) wireChannelState(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		c.mu.Lock()
		if e, ok := c.channels[dc.Label()]; ok {
			e.state = ChannelOpen
		}
		c.mu.Unlock()
	})
	dc.OnClose(func() {
		c.mu.Lock()
		if e, ok := c.channels[dc.Label()]; ok {
			e.state = ChannelClosed
		}
		c.mu.Unlock()
	})
}

// State returns the current top-level connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SignalingState returns the current SDP negotiation sub-state.
func (c *Conn) SignalingState() SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sigState
}

// CreateOffer generates a local SDP offer and sets it as the local
// description, transitioning into HaveLocalOffer/Connecting.
func (c *Conn) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", errs.Wrap(errs.Transport, "create offer", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", errs.Wrap(errs.Transport, "set local description", err)
	}

	c.mu.Lock()
	c.sigState = HaveLocalOffer
	c.state = Connecting
	c.mu.Unlock()

	return offer.SDP, nil
}

// SetRemoteAnswer applies a remote SDP answer, returning to Stable.
func (c *Conn) SetRemoteAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return errs.Wrap(errs.Transport, "set remote answer", err)
	}
	c.mu.Lock()
	c.sigState = Stable
	c.mu.Unlock()
	return nil
}

// HandleRemoteOffer applies a remote SDP offer and returns the local
// SDP answer, transitioning HaveRemoteOffer -> Stable and Connecting.
func (c *Conn) HandleRemoteOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}

	c.mu.Lock()
	c.sigState = HaveRemoteOffer
	c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", errs.Wrap(errs.Transport, "set remote offer", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", errs.Wrap(errs.Transport, "create answer", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", errs.Wrap(errs.Transport, "set local description", err)
	}

	c.mu.Lock()
	c.sigState = Stable
	c.state = Connecting
	c.mu.Unlock()

	return answer.SDP, nil
}

// AddICECandidate feeds one remote ICE candidate to the underlying
// connection.
func (c *Conn) AddICECandidate(candidate, sdpMid string, sdpMLineIndex uint16) error {
	idx := sdpMLineIndex
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: &sdpMid, SDPMLineIndex: &idx}
	if err := c.pc.AddICECandidate(init); err != nil {
		return errs.Wrap(errs.Transport, "add ice candidate", err)
	}
	return nil
}

// OpenDataChannel creates (or returns, if already present) a named data
// channel.
func (c *Conn) OpenDataChannel(label string) error {
	c.mu.Lock()
	if _, ok := c.channels[label]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return errs.Wrap(errs.Transport, "create data channel", err)
	}

	c.mu.Lock()
	c.channels[label] = &channelEntry{dc: dc, state: ChannelConnecting}
	c.mu.Unlock()
	c.wireChannelState(dc)
	return nil
}

// Send writes data to the named channel, failing with a Transport error
// tagged "data channel not open" (spec's DataChannelNotOpen) unless the
// channel is currently open.
func (c *Conn) Send(label string, data []byte) error {
	c.mu.Lock()
	e, ok := c.channels[label]
	c.mu.Unlock()
	if !ok {
		return errs.NotFoundf("data channel %q not found", label)
	}
	if e.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errs.New(errs.Transport, "data channel not open")
	}
	if err := e.dc.Send(data); err != nil {
		return errs.Wrap(errs.Transport, "data channel send", err)
	}
	return nil
}

// CloseChannel closes one named data channel, moving it through
// Closing -> Closed.
func (c *Conn) CloseChannel(label string) error {
	c.mu.Lock()
	e, ok := c.channels[label]
	if ok {
		e.state = ChannelClosing
	}
	c.mu.Unlock()
	if !ok {
		return errs.NotFoundf("data channel %q not found", label)
	}
	if err := e.dc.Close(); err != nil {
		return errs.Wrap(errs.Transport, "close data channel", err)
	}
	c.mu.Lock()
	e.state = ChannelClosed
	c.mu.Unlock()
	return nil
}

// ChannelState reports one channel's lifecycle state.
func (c *Conn) ChannelState(label string) (ChannelState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.channels[label]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Close closes every data channel and then the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	channels := make([]*channelEntry, 0, len(c.channels))
	for _, e := range c.channels {
		channels = append(channels, e)
	}
	c.mu.Unlock()

	for _, e := range channels {
		_ = e.dc.Close()
	}

	if err := c.pc.Close(); err != nil {
		return errs.Wrap(errs.Transport, "close peer connection", err)
	}

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	return nil
}
