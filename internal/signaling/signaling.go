// Package signaling implements the WebSocket rendezvous client (C4):
// Register/Offer/Answer/IceCandidate/RelayRequest/RelayResponse exchange
// with per-peer subscriber fanout, per spec §4.3.
package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/darkswapfoundation/darkswap/internal/errs"
)

var log = logrus.WithField("component", "signaling")

// MessageType tags the wire envelope's payload shape.
type MessageType string

const (
	TypeRegister      MessageType = "Register"
	TypeOffer         MessageType = "Offer"
	TypeAnswer        MessageType = "Answer"
	TypeIceCandidate  MessageType = "IceCandidate"
	TypeRelayRequest  MessageType = "RelayRequest"
	TypeRelayResponse MessageType = "RelayResponse"
	TypeError         MessageType = "Error"
)

// envelope is the JSON tagged union on the wire: {"type":..., "payload":...}.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type registerPayload struct {
	PeerID string `json:"peer_id"`
}

type offerPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
}

type answerPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
}

type iceCandidatePayload struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Candidate      string `json:"candidate"`
	SDPMid         string `json:"sdp_mid"`
	SDPMLineIndex  uint16 `json:"sdp_m_line_index"`
}

type relayRequestPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type relayResponsePayload struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Accepted bool    `json:"accepted"`
	RelayID  *string `json:"relay_id,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// EventKind distinguishes a dispatched Event's payload.
type EventKind int

const (
	OfferReceived EventKind = iota
	AnswerReceived
	IceCandidateReceived
	RelayRequestReceived
	RelayResponseReceived
	ErrorReceived
)

// Event is delivered to subscribers of a peer (or the wildcard "*").
type Event struct {
	Kind          EventKind
	From          string
	SDP           string
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
	Accepted      bool
	RelayID       *string
	Message       string
}

// Wildcard subscribes to every inbound event regardless of sender.
const Wildcard = "*"

// Client is a WebSocket client to a rendezvous signaling server.
type Client struct {
	localPeerID string

	writeMu sync.Mutex
	conn    *websocket.Conn

	subMu       sync.Mutex
	subscribers map[string][]chan Event
}

// NewClient constructs a disconnected Client for localPeerID.
func NewClient(localPeerID string) *Client {
	return &Client{localPeerID: localPeerID, subscribers: make(map[string][]chan Event)}
}

// Connect dials serverURL, registers the local peer, and starts the
// background read loop that dispatches inbound messages to subscribers.
func (c *Client) Connect(ctx context.Context, serverURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return errs.Wrap(errs.Signaling, "dial signaling server", err)
	}
	c.conn = conn

	if err := c.register(); err != nil {
		return err
	}

	go c.readLoop()
	return nil
}

func (c *Client) register() error {
	return c.sendEnvelope(TypeRegister, registerPayload{PeerID: c.localPeerID})
}

func (c *Client) sendEnvelope(t MessageType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal signaling payload", err)
	}
	env := envelope{Type: t, Payload: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal signaling envelope", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errs.New(errs.Signaling, "not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errs.Wrap(errs.Signaling, "send signaling message", err)
	}
	return nil
}

// SendOffer sends an SDP offer addressed to peerID.
func (c *Client) SendOffer(peerID, sdp string) error {
	return c.sendEnvelope(TypeOffer, offerPayload{From: c.localPeerID, To: peerID, SDP: sdp})
}

// SendAnswer sends an SDP answer addressed to peerID.
func (c *Client) SendAnswer(peerID, sdp string) error {
	return c.sendEnvelope(TypeAnswer, answerPayload{From: c.localPeerID, To: peerID, SDP: sdp})
}

// SendIceCandidate sends one ICE candidate addressed to peerID.
func (c *Client) SendIceCandidate(peerID, candidate, sdpMid string, sdpMLineIndex uint16) error {
	return c.sendEnvelope(TypeIceCandidate, iceCandidatePayload{
		From: c.localPeerID, To: peerID, Candidate: candidate,
		SDPMid: sdpMid, SDPMLineIndex: sdpMLineIndex,
	})
}

// SendRelayRequest asks peerID to act as a relay for the local peer.
func (c *Client) SendRelayRequest(peerID string) error {
	return c.sendEnvelope(TypeRelayRequest, relayRequestPayload{From: c.localPeerID, To: peerID})
}

// SendRelayResponse replies to a relay request from peerID.
func (c *Client) SendRelayResponse(peerID string, accepted bool, relayID *string) error {
	return c.sendEnvelope(TypeRelayResponse, relayResponsePayload{
		From: c.localPeerID, To: peerID, Accepted: accepted, RelayID: relayID,
	})
}

// Subscribe registers a channel to receive events from peerID, or from
// every sender if peerID is Wildcard. The returned channel is buffered
// and delivery is best-effort: a full channel drops the event rather
// than blocking the read loop.
func (c *Client) Subscribe(peerID string) <-chan Event {
	ch := make(chan Event, 32)
	c.subMu.Lock()
	c.subscribers[peerID] = append(c.subscribers[peerID], ch)
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes every channel registered for peerID.
func (c *Client) Unsubscribe(peerID string) {
	c.subMu.Lock()
	chans := c.subscribers[peerID]
	delete(c.subscribers, peerID)
	c.subMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (c *Client) dispatch(peerID string, ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers[peerID] {
		select {
		case ch <- ev:
		default:
			log.WithField("peer", peerID).Warn("dropping signaling event: subscriber channel full")
		}
	}
	if peerID != Wildcard {
		for _, ch := range c.subscribers[Wildcard] {
			select {
			case ch <- ev:
			default:
				log.Warn("dropping signaling event: wildcard subscriber channel full")
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.WithError(err).Warn("signaling read loop exiting")
			c.broadcastError(err.Error())
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("failed to decode signaling envelope")
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) broadcastError(message string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, chans := range c.subscribers {
		for _, ch := range chans {
			select {
			case ch <- Event{Kind: ErrorReceived, Message: message}:
			default:
			}
		}
	}
}

func (c *Client) handleEnvelope(env envelope) {
	switch env.Type {
	case TypeOffer:
		var p offerPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.To == c.localPeerID {
			c.dispatch(p.From, Event{Kind: OfferReceived, From: p.From, SDP: p.SDP})
		}
	case TypeAnswer:
		var p answerPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.To == c.localPeerID {
			c.dispatch(p.From, Event{Kind: AnswerReceived, From: p.From, SDP: p.SDP})
		}
	case TypeIceCandidate:
		var p iceCandidatePayload
		if json.Unmarshal(env.Payload, &p) == nil && p.To == c.localPeerID {
			c.dispatch(p.From, Event{
				Kind: IceCandidateReceived, From: p.From, Candidate: p.Candidate,
				SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex,
			})
		}
	case TypeRelayRequest:
		var p relayRequestPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.To == c.localPeerID {
			c.dispatch(p.From, Event{Kind: RelayRequestReceived, From: p.From})
		}
	case TypeRelayResponse:
		var p relayResponsePayload
		if json.Unmarshal(env.Payload, &p) == nil && p.To == c.localPeerID {
			c.dispatch(p.From, Event{Kind: RelayResponseReceived, From: p.From, Accepted: p.Accepted, RelayID: p.RelayID})
		}
	case TypeError:
		var p errorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.broadcastError(p.Message)
		}
	default:
		log.WithField("type", env.Type).Debug("ignoring unknown signaling message type")
	}
}

// Close terminates the underlying WebSocket connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
