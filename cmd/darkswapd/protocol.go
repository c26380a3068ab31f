package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/darkswapfoundation/darkswap/internal/errs"
	"github.com/darkswapfoundation/darkswap/internal/orderbook"
	"github.com/darkswapfoundation/darkswap/internal/overlay"
	"github.com/darkswapfoundation/darkswap/internal/trade"
	"github.com/darkswapfoundation/darkswap/internal/types"
	"github.com/darkswapfoundation/darkswap/internal/wallet"
)

// tradeMessageKind tags the JSON envelope exchanged over the
// request/response protocol for trade negotiation (spec §1's "direct
// request/response for trade negotiation", distinct from the gossiped
// orderbook envelope).
type tradeMessageKind string

const (
	tradeKindPropose     tradeMessageKind = "propose"
	tradeKindAccept      tradeMessageKind = "accept"
	tradeKindReject      tradeMessageKind = "reject"
	tradeKindCancel      tradeMessageKind = "cancel"
	tradeKindExecute     tradeMessageKind = "execute"
	tradeKindCounterSign tradeMessageKind = "countersign"
	tradeKindFinalize    tradeMessageKind = "finalize"
)

type tradeMessage struct {
	Kind             tradeMessageKind `json:"kind"`
	Trade            types.Trade      `json:"trade"`
	Order            types.Order      `json:"order,omitempty"`
	CounterpartyAddr string           `json:"counterparty_addr,omitempty"`
	UTXOs            []wallet.UTXO    `json:"utxos,omitempty"`
	PSBT             []byte           `json:"psbt,omitempty"`
}

// sendTradeMessage marshals msg and round-trips it to peer over the
// overlay's request/response primitive.
func sendTradeMessage(ctx context.Context, node *overlay.Overlay, peerID types.PeerID, msg tradeMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal trade message", err)
	}
	resp, err := node.Request(ctx, peerID, body)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// newRequestHandler builds the overlay.RequestHandler that answers
// inbound trade-negotiation requests by dispatching them onto the
// local trade.Manager, mirroring the ReceiveProposal/ReceiveExecute
// pairing described in spec §4.13. A successful finalize marks the
// underlying order Filled in book and regossips the resulting
// envelope on OrderbookTopic, the same way CreateOrder/CancelOrder's
// envelopes are published — without this, Filled is a dead terminal
// state and peers never converge on it (spec §3/§4.12 testable
// property #2). node is read through a pointer so this handler can be
// constructed before the overlay it will be installed into exists.
func newRequestHandler(trades *trade.Manager, book *orderbook.Book, node **overlay.Overlay) overlay.RequestHandler {
	return func(peer types.PeerID, request []byte) ([]byte, error) {
		var msg tradeMessage
		if err := json.Unmarshal(request, &msg); err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "decode trade message", err)
		}

		switch msg.Kind {
		case tradeKindPropose:
			if err := trades.ReceiveProposal(msg.Trade, msg.Order); err != nil {
				return nil, err
			}
		case tradeKindAccept:
			if err := trades.Accept(msg.Trade.ID, peer, msg.CounterpartyAddr, msg.UTXOs); err != nil {
				return nil, err
			}
		case tradeKindReject:
			if err := trades.Reject(msg.Trade.ID, peer); err != nil {
				return nil, err
			}
		case tradeKindCancel:
			if err := trades.Cancel(msg.Trade.ID, peer); err != nil {
				return nil, err
			}
		case tradeKindExecute:
			if err := trades.ReceiveExecute(msg.Trade.ID, peer, msg.PSBT); err != nil {
				return nil, err
			}
		case tradeKindFinalize:
			txid, err := trades.FinalizeTrade(msg.Trade.ID, peer, msg.PSBT)
			if err != nil {
				return nil, err
			}
			finalized, err := trades.Get(msg.Trade.ID)
			if err != nil {
				return nil, err
			}
			publishFilledOrder(book, *node, finalized.OrderID)
			return json.Marshal(map[string]string{"txid": txid})
		default:
			return nil, errs.InvalidArgumentf("unknown trade message kind %q", msg.Kind)
		}
		return json.Marshal(map[string]string{"status": "ok"})
	}
}

// publishFilledOrder marks orderID Filled in the local book and
// gossips the resulting envelope on OrderbookTopic so every other peer
// converges on the same terminal state. A failure here is logged, not
// returned: the trade itself already finalized on-chain by this point,
// and the remaining peer (or a later ApplyRemote from the counterparty
// or an expiry sweep) still converges the book eventually.
func publishFilledOrder(book *orderbook.Book, node *overlay.Overlay, orderID string) {
	env, err := book.MarkFilled(orderID)
	if err != nil {
		log.WithError(err).WithField("order_id", orderID).Warn("failed to mark order filled after finalize")
		return
	}
	data, err := encodeOrderEnvelope(env)
	if err != nil {
		log.WithError(err).WithField("order_id", orderID).Warn("failed to encode filled-order envelope")
		return
	}
	if err := node.Publish(overlay.OrderbookTopic, data); err != nil {
		log.WithError(err).WithField("order_id", orderID).Warn("failed to publish filled-order envelope")
	}
}

// orderEnvelopeMessage is the JSON form of orderbook.Envelope gossiped
// on overlay.OrderbookTopic.
type orderEnvelopeMessage struct {
	Kind  orderbook.EventKind `json:"kind"`
	Order types.Order         `json:"order"`
}

func encodeOrderEnvelope(env orderbook.Envelope) ([]byte, error) {
	return json.Marshal(orderEnvelopeMessage{Kind: env.Kind, Order: env.Order})
}

func decodeOrderEnvelope(data []byte) (orderbook.Envelope, error) {
	var msg orderEnvelopeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return orderbook.Envelope{}, errs.Wrap(errs.InvalidArgument, "decode order envelope", err)
	}
	return orderbook.Envelope{Kind: msg.Kind, Order: msg.Order}, nil
}

func formatEvent(ev overlay.Event) string {
	return fmt.Sprintf("kind=%d peer=%s topic=%s bytes=%d", ev.Kind, ev.Peer, ev.Topic, len(ev.Data))
}
