package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// rendezvous is a minimal in-test stand-in for the signaling server: it
// accepts the Register message and lets the test script further
// messages to/from the client.
type rendezvous struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newRendezvous() *rendezvous {
	return &rendezvous{connCh: make(chan *websocket.Conn, 1)}
}

func (r *rendezvous) handler(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.connCh <- conn
}

func dialURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/signaling"
}

func TestConnectRegistersWithServer(t *testing.T) {
	r := newRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(r.handler))
	defer srv.Close()

	client := NewClient("peer-a")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, dialURL(srv.URL)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	serverConn := <-r.connCh
	_, data, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server ReadMessage: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeRegister {
		t.Fatalf("first message type = %q, want Register", env.Type)
	}
	var reg registerPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		t.Fatalf("unmarshal register payload: %v", err)
	}
	if reg.PeerID != "peer-a" {
		t.Fatalf("registered peer_id = %q, want peer-a", reg.PeerID)
	}
}

func TestOfferRoutedToSubscriber(t *testing.T) {
	r := newRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(r.handler))
	defer srv.Close()

	client := NewClient("peer-a")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, dialURL(srv.URL)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	serverConn := <-r.connCh
	if _, _, err := serverConn.ReadMessage(); err != nil { // drain Register
		t.Fatalf("drain register: %v", err)
	}

	events := client.Subscribe("peer-b")
	wildcard := client.Subscribe(Wildcard)

	payload, _ := json.Marshal(offerPayload{From: "peer-b", To: "peer-a", SDP: "v=0..."})
	env, _ := json.Marshal(envelope{Type: TypeOffer, Payload: payload})
	if err := serverConn.WriteMessage(websocket.TextMessage, env); err != nil {
		t.Fatalf("server WriteMessage: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != OfferReceived || ev.From != "peer-b" || ev.SDP != "v=0..." {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for offer event on direct subscriber")
	}

	select {
	case ev := <-wildcard:
		if ev.Kind != OfferReceived || ev.From != "peer-b" {
			t.Fatalf("unexpected wildcard event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for offer event on wildcard subscriber")
	}
}

func TestOfferForOtherPeerIsIgnored(t *testing.T) {
	r := newRendezvous()
	srv := httptest.NewServer(http.HandlerFunc(r.handler))
	defer srv.Close()

	client := NewClient("peer-a")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, dialURL(srv.URL)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	serverConn := <-r.connCh
	if _, _, err := serverConn.ReadMessage(); err != nil {
		t.Fatalf("drain register: %v", err)
	}

	events := client.Subscribe("peer-b")

	payload, _ := json.Marshal(offerPayload{From: "peer-b", To: "someone-else", SDP: "v=0..."})
	env, _ := json.Marshal(envelope{Type: TypeOffer, Payload: payload})
	if err := serverConn.WriteMessage(websocket.TextMessage, env); err != nil {
		t.Fatalf("server WriteMessage: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no event, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendOfferBeforeConnectFails(t *testing.T) {
	client := NewClient("peer-a")
	if err := client.SendOffer("peer-b", "sdp"); err == nil {
		t.Fatalf("expected SendOffer to fail before Connect")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	client := NewClient("peer-a")
	events := client.Subscribe("peer-b")
	client.Unsubscribe("peer-b")

	_, ok := <-events
	if ok {
		t.Fatalf("expected channel to be closed after Unsubscribe")
	}
}
