// Package types holds the domain value types shared across the
// orderbook (C13), trade engine (C14), and wallet facade: PeerId,
// AssetId, Order, and Trade, per spec §3.
package types

import "math/big"

// PeerID is the text form of a stable peer identifier.
type PeerID string

// AssetKind tags which variant an AssetID holds.
type AssetKind int

const (
	AssetBitcoin AssetKind = iota
	AssetRune
	AssetAlkane
)

// AssetID is the tagged variant {Bitcoin | Rune(u128) | Alkane(text)}.
type AssetID struct {
	Kind    AssetKind
	RuneID  *big.Int // only meaningful when Kind == AssetRune
	AlkaneID string   // only meaningful when Kind == AssetAlkane
}

// Bitcoin is the native-BTC asset singleton.
func Bitcoin() AssetID { return AssetID{Kind: AssetBitcoin} }

// Rune constructs a Rune asset id.
func Rune(id *big.Int) AssetID { return AssetID{Kind: AssetRune, RuneID: id} }

// Alkane constructs an Alkane asset id.
func Alkane(id string) AssetID { return AssetID{Kind: AssetAlkane, AlkaneID: id} }

// Equal reports whether two AssetIDs denote the same asset.
func (a AssetID) Equal(b AssetID) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case AssetRune:
		if a.RuneID == nil || b.RuneID == nil {
			return a.RuneID == b.RuneID
		}
		return a.RuneID.Cmp(b.RuneID) == 0
	case AssetAlkane:
		return a.AlkaneID == b.AlkaneID
	default:
		return true
	}
}

func (a AssetID) String() string {
	switch a.Kind {
	case AssetBitcoin:
		return "BTC"
	case AssetRune:
		if a.RuneID == nil {
			return "Rune(?)"
		}
		return "Rune(" + a.RuneID.String() + ")"
	case AssetAlkane:
		return "Alkane(" + a.AlkaneID + ")"
	default:
		return "Unknown"
	}
}

// Side is an order's market side.
type Side int

const (
	Buy Side = iota
	Sell
)

// OrderStatus is an order's lifecycle state.
type OrderStatus int

const (
	Open OrderStatus = iota
	Filled
	Canceled
	Expired
)

// Order is immutable except Status, per spec §3.
type Order struct {
	ID        string
	Maker     PeerID
	Base      AssetID
	Quote     AssetID
	Side      Side
	Amount    float64
	Price     float64
	Status    OrderStatus
	Timestamp int64
	Expiry    int64 // unix seconds; 0 = no expiry
}

// TradeStatus is a trade's lifecycle state along the linear state
// machine in spec §4.13.
type TradeStatus int

const (
	Proposed TradeStatus = iota
	Accepted
	Rejected
	Executing
	Confirmed
	Cancelled
)

func (s TradeStatus) String() string {
	switch s {
	case Proposed:
		return "Proposed"
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	case Executing:
		return "Executing"
	case Confirmed:
		return "Confirmed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Trade is mutable through the linear state machine in spec §4.13.
type Trade struct {
	ID            string
	OrderID       string
	Amount        float64
	Initiator     PeerID
	Counterparty  PeerID
	Timestamp     int64
	Status        TradeStatus
	MakerPSBT     []byte
	TakerPSBT     []byte
	FinalTxID     string
}
