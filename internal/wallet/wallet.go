// Package wallet defines the wallet-facade contract (spec §6): the
// trust boundary the trade engine (C14) calls across for UTXOs,
// signing, verification, and broadcast. The engine never holds keys.
package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswapfoundation/darkswap/internal/errs"
	"github.com/darkswapfoundation/darkswap/internal/types"
)

// UTXO is one spendable output: an outpoint, its value in satoshis, and
// its locking script.
type UTXO struct {
	Outpoint wire.OutPoint
	Value    int64
	Script   []byte
}

// Facade is the external collaborator the trade engine calls across the
// wallet trust boundary. Implementations never hand private keys to the
// engine; the engine validates every PSBT structurally before and after
// signing regardless of what a Facade returns.
type Facade interface {
	GetUTXOs(asset types.AssetID) ([]UTXO, error)
	SignPSBT(packet *psbt.Packet) (*psbt.Packet, error)
	VerifyPSBT(packet *psbt.Packet) (bool, error)
	FinalizeAndBroadcast(packet *psbt.Packet) (txid string, err error)
	GetAddress(asset types.AssetID) (string, error)
}

// InMemory is a reference Facade for tests and development: it serves
// UTXOs from an in-memory set, "signs" by marking inputs finalized
// idempotently, and "broadcasts" by returning a deterministic,
// obviously-fake txid derived from a monotonically increasing counter —
// never a value that could be mistaken for a real chain txid. Wiring a
// real broadcaster is left to the caller of Facade, per the resolution
// of spec §9's open question on wallet interactions.
type InMemory struct {
	mu      sync.Mutex
	utxos   map[types.AssetKind][]UTXO
	address map[types.AssetKind]string

	broadcastCounter atomic.Uint64
}

// NewInMemory constructs an InMemory wallet with no UTXOs configured.
func NewInMemory() *InMemory {
	return &InMemory{
		utxos:   make(map[types.AssetKind][]UTXO),
		address: make(map[types.AssetKind]string),
	}
}

// SeedUTXOs adds utxos as spendable for asset's kind.
func (w *InMemory) SeedUTXOs(asset types.AssetID, utxos ...UTXO) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.utxos[asset.Kind] = append(w.utxos[asset.Kind], utxos...)
}

// SetAddress configures the address GetAddress returns for asset's kind.
func (w *InMemory) SetAddress(asset types.AssetID, address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.address[asset.Kind] = address
}

// GetUTXOs returns the UTXOs seeded for asset's kind.
func (w *InMemory) GetUTXOs(asset types.AssetID) ([]UTXO, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]UTXO, len(w.utxos[asset.Kind]))
	copy(out, w.utxos[asset.Kind])
	return out, nil
}

// GetAddress returns the configured address for asset's kind, or an
// error if none was set.
func (w *InMemory) GetAddress(asset types.AssetID) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr, ok := w.address[asset.Kind]
	if !ok {
		return "", errs.NotFoundf("no address configured for asset %s", asset)
	}
	return addr, nil
}

// SignPSBT finalizes every input this wallet recognizes (all of them,
// for the reference implementation), idempotently: inputs already
// marked final are left untouched.
func (w *InMemory) SignPSBT(packet *psbt.Packet) (*psbt.Packet, error) {
	if packet == nil {
		return nil, errs.InvalidArgumentf("nil psbt packet")
	}
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			continue // already signed; idempotent
		}
		// The reference wallet has no real keys; it marks inputs
		// final with an empty witness so structural validation
		// downstream of signing can still proceed in tests.
		in.FinalScriptWitness = []byte{0x00}
	}
	return packet, nil
}

// VerifyPSBT reports whether every input carries a final signature.
func (w *InMemory) VerifyPSBT(packet *psbt.Packet) (bool, error) {
	if packet == nil {
		return false, errs.InvalidArgumentf("nil psbt packet")
	}
	for _, in := range packet.Inputs {
		if len(in.FinalScriptSig) == 0 && len(in.FinalScriptWitness) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// FinalizeAndBroadcast returns a deterministic, clearly-fake txid: the
// hex SHA-256 of an incrementing counter. It is never derived from
// real network broadcast and must not be treated as chain-confirmed.
func (w *InMemory) FinalizeAndBroadcast(packet *psbt.Packet) (string, error) {
	if packet == nil {
		return "", errs.InvalidArgumentf("nil psbt packet")
	}
	ok, err := w.VerifyPSBT(packet)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.WalletError, "cannot broadcast an unsigned psbt")
	}

	n := w.broadcastCounter.Add(1)
	sum := sha256.Sum256([]byte(fmt.Sprintf("darkswap-fake-broadcast-%d", n)))
	return hex.EncodeToString(sum[:]), nil
}
