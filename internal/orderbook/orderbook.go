// Package orderbook implements the replicated orderbook (C13): local
// order lifecycle plus gossip-driven convergence across peers, per
// spec §4.12.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkswapfoundation/darkswap/internal/errs"
	"github.com/darkswapfoundation/darkswap/internal/types"
)

// EventKind distinguishes the two envelope kinds the orderbook gossips.
type EventKind int

const (
	OrderCreated EventKind = iota
	OrderCanceled
	OrderFilled
)

// Envelope is the gossip-carried orderbook event (spec §4.12/§6). The
// overlay layer is responsible for signing and publishing it on the
// `darkswap/orderbook` topic; this package only produces and consumes
// the payload.
type Envelope struct {
	Kind  EventKind
	Order types.Order
}

// Config configures expiry sweeping and dedup, matching spec §6's
// `orderbook` section. DedupWindow is not read by Book, and the
// overlay's gossip-dedup cache does not read it either (that cache is
// bounded by entry count, overlay.Config.DedupCacheSize); it's kept
// here so one struct maps onto the whole configuration section.
type Config struct {
	ExpirySweepInterval time.Duration
	DedupWindow         time.Duration
}

// DefaultConfig is a reasonable local-development default.
func DefaultConfig() Config {
	return Config{ExpirySweepInterval: 30 * time.Second, DedupWindow: 60 * time.Second}
}

func pairKey(base, quote types.AssetID) string { return base.String() + "/" + quote.String() }

// Book is the orderbook (C13): a primary OrderID -> Order index. Buy/
// sell buckets and pair grouping are derived at query time from this
// index rather than maintained incrementally, since orderbook sizes in
// this system are small enough that an O(n) scan per query is cheap
// and this avoids a second structure that could drift out of sync with
// the primary one.
type Book struct {
	cfg Config

	mu     sync.RWMutex
	orders map[string]*types.Order

	now func() time.Time
}

// New constructs an empty Book.
func New(cfg Config) *Book {
	return &Book{cfg: cfg, orders: make(map[string]*types.Order), now: time.Now}
}

// CreateOrder assigns an id and timestamp, persists the order locally,
// and returns the OrderCreated envelope the caller should broadcast.
func (b *Book) CreateOrder(maker types.PeerID, base, quote types.AssetID, side types.Side, amount, price float64, expiry time.Time) (types.Order, Envelope, error) {
	if amount <= 0 || price <= 0 {
		return types.Order{}, Envelope{}, errs.InvalidArgumentf("amount and price must be positive")
	}

	order := types.Order{
		ID:        uuid.NewString(),
		Maker:     maker,
		Base:      base,
		Quote:     quote,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Status:    types.Open,
		Timestamp: b.now().Unix(),
	}
	if !expiry.IsZero() {
		order.Expiry = expiry.Unix()
	}

	b.mu.Lock()
	b.orders[order.ID] = &order
	b.mu.Unlock()

	return order, Envelope{Kind: OrderCreated, Order: order}, nil
}

// CancelOrder marks id Canceled, but only if maker is the order's own
// maker, per spec §4.12.
func (b *Book) CancelOrder(maker types.PeerID, id string) (Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[id]
	if !ok {
		return Envelope{}, errs.NotFoundf("order %q not found", id)
	}
	if order.Maker != maker {
		return Envelope{}, errs.PermissionDeniedf("only the maker may cancel order %q", id)
	}
	if order.Status != types.Open {
		return Envelope{}, errs.InvalidArgumentf("order %q is not open", id)
	}

	order.Status = types.Canceled
	return Envelope{Kind: OrderCanceled, Order: *order}, nil
}

// MarkFilled marks id Filled once its trade has finalized on-chain,
// the terminal state spec §3/§4.13 assigns an order whose trade
// reaches FinalizeTrade. Unlike CancelOrder this isn't maker-gated:
// either trade counterparty's node may observe finalization first and
// both must converge on the same Filled envelope.
func (b *Book) MarkFilled(id string) (Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[id]
	if !ok {
		return Envelope{}, errs.NotFoundf("order %q not found", id)
	}
	if order.Status != types.Open {
		return Envelope{}, errs.InvalidArgumentf("order %q is not open", id)
	}

	order.Status = types.Filled
	return Envelope{Kind: OrderFilled, Order: *order}, nil
}

// GetOrders returns open orders for (base,quote), sorted per spec
// §4.12: Buy side by price descending, Sell side by price ascending,
// ties broken by timestamp ascending.
func (b *Book) GetOrders(base, quote types.AssetID) []types.Order {
	key := pairKey(base, quote)

	b.mu.RLock()
	var buys, sells []types.Order
	for _, o := range b.orders {
		if o.Status != types.Open || pairKey(o.Base, o.Quote) != key {
			continue
		}
		if o.Side == types.Buy {
			buys = append(buys, *o)
		} else {
			sells = append(sells, *o)
		}
	}
	b.mu.RUnlock()

	sort.Slice(buys, func(i, j int) bool {
		if buys[i].Price != buys[j].Price {
			return buys[i].Price > buys[j].Price
		}
		return buys[i].Timestamp < buys[j].Timestamp
	})
	sort.Slice(sells, func(i, j int) bool {
		if sells[i].Price != sells[j].Price {
			return sells[i].Price < sells[j].Price
		}
		return sells[i].Timestamp < sells[j].Timestamp
	})

	out := make([]types.Order, 0, len(buys)+len(sells))
	out = append(out, buys...)
	out = append(out, sells...)
	return out
}

// GetBestBidAsk returns the best open buy price and best open sell
// price for (base,quote); either is nil if no open order exists on
// that side.
func (b *Book) GetBestBidAsk(base, quote types.AssetID) (bid, ask *float64) {
	orders := b.GetOrders(base, quote)
	for _, o := range orders {
		if o.Side == types.Buy && bid == nil {
			p := o.Price
			bid = &p
		}
		if o.Side == types.Sell && ask == nil {
			p := o.Price
			ask = &p
		}
	}
	return bid, ask
}

// GetOrder returns the order with the given id from the secondary
// index, regardless of status.
func (b *Book) GetOrder(id string) (types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// ApplyRemote idempotently merges a gossip envelope from another peer.
// Conflicts on the same id with divergent fields are resolved by
// highest timestamp, then by lexicographically larger maker peer-id
// (spec §4.12), making application order-independent.
func (b *Book) ApplyRemote(env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.orders[env.Order.ID]
	if !ok {
		order := env.Order
		applyEnvelopeStatus(&order, env.Kind)
		b.orders[order.ID] = &order
		return nil
	}

	if !wins(env.Order, *existing) {
		return nil // existing record already wins the conflict rule; no-op
	}

	merged := env.Order
	applyEnvelopeStatus(&merged, env.Kind)
	b.orders[merged.ID] = &merged
	return nil
}

// applyEnvelopeStatus forces the terminal status a gossip envelope's
// Kind implies, since a remote OrderCanceled/OrderFilled envelope may
// carry a stale Status snapshot from before the transition.
func applyEnvelopeStatus(order *types.Order, kind EventKind) {
	switch kind {
	case OrderCanceled:
		order.Status = types.Canceled
	case OrderFilled:
		order.Status = types.Filled
	}
}

// wins reports whether candidate should replace incumbent under the
// conflict rule in spec §4.12: highest timestamp wins, ties broken by
// lexicographically larger maker peer-id.
func wins(candidate, incumbent types.Order) bool {
	if candidate.Timestamp != incumbent.Timestamp {
		return candidate.Timestamp > incumbent.Timestamp
	}
	return candidate.Maker > incumbent.Maker
}

// ExpireOrders marks every order whose expiry is set and has elapsed
// as Expired and drops it from query results. Callers run this on a
// fixed interval (spec §4.12's "background sweep"); Book itself owns
// no timer or goroutine.
func (b *Book) ExpireOrders() int {
	now := b.now().Unix()

	b.mu.Lock()
	defer b.mu.Unlock()

	expired := 0
	for id, o := range b.orders {
		if o.Status == types.Open && o.Expiry != 0 && o.Expiry <= now {
			o.Status = types.Expired
			delete(b.orders, id)
			expired++
		}
	}
	return expired
}
