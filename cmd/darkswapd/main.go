// Command darkswapd is the darkswap node daemon: it wires the overlay,
// orderbook, and trade engine together and runs until terminated. Per
// spec.md's "Out of scope" line there is no HTTP/REST API, no
// WebSocket broadcast, and no subcommand CLI here — darkswapd is a
// single long-running process configured entirely by file and
// environment, in the shape of the teacher's cmd/dexserver/main.go.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/darkswapfoundation/darkswap/internal/config"
	"github.com/darkswapfoundation/darkswap/internal/metrics"
	"github.com/darkswapfoundation/darkswap/internal/orderbook"
	"github.com/darkswapfoundation/darkswap/internal/overlay"
	"github.com/darkswapfoundation/darkswap/internal/trade"
	"github.com/darkswapfoundation/darkswap/internal/types"
	"github.com/darkswapfoundation/darkswap/internal/wallet"
)

var log = logrus.WithField("component", "darkswapd")

func main() {
	configPath := flag.String("config", "", "path to a darkswap YAML config file (defaults to DARKSWAP_CONFIG_PATH or built-in defaults)")
	pushgatewayURL := flag.String("metrics-pushgateway", "", "optional Prometheus Pushgateway URL to push metrics to")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	localPeer := localPeerID(cfg)
	log.WithField("peer_id", localPeer).Info("starting darkswapd")

	registry := metrics.NewRegistry()
	if *pushgatewayURL != "" {
		go runMetricsPusher(registry, *pushgatewayURL)
	}

	book := orderbook.New(orderbook.Config{
		ExpirySweepInterval: cfg.Orderbook.ExpirySweepInterval,
		DedupWindow:         cfg.Orderbook.DedupWindow,
	})

	w := wallet.NewInMemory()
	trades := trade.New(tradeConfig(cfg), localPeer, w)

	// newRequestHandler needs to publish onto the overlay it will be
	// installed into, so it's given a pointer to this not-yet-assigned
	// variable rather than the Overlay itself.
	var node *overlay.Overlay
	node, err = overlay.New(overlayConfig(cfg), localPeer, newRequestHandler(trades, book, &node))
	if err != nil {
		log.Fatalf("start overlay: %v", err)
	}
	defer node.Close()

	if err := node.Subscribe(overlay.OrderbookTopic); err != nil {
		log.Fatalf("subscribe %s: %v", overlay.OrderbookTopic, err)
	}
	if err := node.Subscribe(overlay.TradeTopic); err != nil {
		log.Fatalf("subscribe %s: %v", overlay.TradeTopic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumeEvents(ctx, node, book, registry)
	go sweepExpiredOrders(ctx, book, sweepInterval(cfg), registry)
	go reportCircuitMetrics(ctx, node, registry, 15*time.Second)

	waitForShutdown()
	log.Info("shutting down darkswapd")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

// localPeerID determines this node's libp2p-facing peer identity.
// Config-supplied ids take precedence so operators can pin a stable
// identity across restarts; otherwise a random id is minted for the
// lifetime of the process, matching the teacher's dexserver pattern of
// generating an ephemeral session id when none is configured.
func localPeerID(cfg *config.Config) types.PeerID {
	if cfg.Node.PeerID != "" {
		return types.PeerID(cfg.Node.PeerID)
	}
	return types.PeerID(uuid.NewString())
}

func runMetricsPusher(registry *metrics.Registry, url string) {
	pusher := registry.Pusher(url, "darkswapd")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := pusher.Push(); err != nil {
			log.WithError(err).Warn("metrics push failed")
		}
	}
}

// consumeEvents drains the overlay's event stream, applying gossiped
// orderbook envelopes to the local book and recording connectivity
// metrics. Trade-negotiation traffic arrives over the request/response
// protocol instead and is handled by newRequestHandler, not here.
func consumeEvents(ctx context.Context, node *overlay.Overlay, book *orderbook.Book, registry *metrics.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-node.Events():
			if !ok {
				return
			}
			handleEvent(ev, book, registry)
		}
	}
}

func handleEvent(ev overlay.Event, book *orderbook.Book, registry *metrics.Registry) {
	switch ev.Kind {
	case overlay.PeerConnected:
		registry.IncCounter("darkswap_peers_connected_total", nil, 1)
	case overlay.PeerDisconnected:
		registry.IncCounter("darkswap_peers_disconnected_total", nil, 1)
	case overlay.RelayReserved:
		registry.IncCounter("darkswap_relay_reservations_total", nil, 1)
	case overlay.ConnectedThroughRelay:
		registry.IncCounter("darkswap_relay_connections_total", nil, 1)
	case overlay.MessageReceived:
		if ev.Topic != overlay.OrderbookTopic {
			return
		}
		env, err := decodeOrderEnvelope(ev.Data)
		if err != nil {
			log.WithError(err).WithField("peer", ev.Peer).Warn("dropping malformed orderbook envelope")
			return
		}
		if err := book.ApplyRemote(env); err != nil {
			log.WithError(err).WithField("peer", ev.Peer).Debug("rejected remote orderbook envelope")
			return
		}
		registry.IncCounter("darkswap_orderbook_envelopes_applied_total", nil, 1)
	}
}

func sweepExpiredOrders(ctx context.Context, book *orderbook.Book, interval time.Duration, registry *metrics.Registry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := book.ExpireOrders(); n > 0 {
				registry.IncCounter("darkswap_orders_expired_total", nil, float64(n))
			}
		}
	}
}

// reportCircuitMetrics polls the overlay's circuit relay manager and
// feeds its occupancy snapshot into the registry's gauges (spec
// §4.14), the same polling shape as sweepExpiredOrders.
func reportCircuitMetrics(ctx context.Context, node *overlay.Overlay, registry *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := node.CircuitMetrics()
			registry.SetGauge("darkswap_circuits_active", nil, float64(m.Circuits))
			registry.SetGauge("darkswap_circuit_reservations_active", nil, float64(m.Reservations))
			registry.SetGauge("darkswap_circuit_bytes_total", nil, float64(m.BytesSent))
		}
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
