// Package trade implements the atomic PSBT trade engine (C14): the
// Proposed -> Accepted -> Executing -> Confirmed state machine and the
// PSBT construction/validation at its heart, per spec §4.13.
package trade

import (
	"bytes"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/darkswapfoundation/darkswap/internal/alkane"
	"github.com/darkswapfoundation/darkswap/internal/errs"
	"github.com/darkswapfoundation/darkswap/internal/runestone"
	"github.com/darkswapfoundation/darkswap/internal/types"
	"github.com/darkswapfoundation/darkswap/internal/wallet"
)

// Rough per-vbyte size constants for fee estimation, ported verbatim
// from the BoostyLabs tx builder's headerSizeVBytes/inputSizeVBytes/
// outputSizeVBytes.
const (
	headerSizeVBytes = 11
	inputSizeVBytes  = 90
	outputSizeVBytes = 30

	// dustSats is the value of a non-BTC asset's delivery output (its
	// OP_RETURN carrier holds 0); a change output is added only when the
	// change is at least dustSats+1.
	dustSats = 546
)

// Config configures fee policy and address decoding, matching spec
// §6's `bitcoin` section.
type Config struct {
	MinFeeRateSatPerVB int64
	NetworkParams      *chaincfg.Params
}

// DefaultConfig targets regtest, the default for local development.
func DefaultConfig() Config {
	return Config{MinFeeRateSatPerVB: 1, NetworkParams: &chaincfg.RegressionNetParams}
}

// record is a trade plus the negotiation state the spec's Trade struct
// doesn't itself carry (receiving addresses, the counterparty's
// contributed UTXOs, and the order snapshot the trade was proposed
// against).
type record struct {
	trade             types.Trade
	order             types.Order
	initiatorAddr     string
	counterpartyAddr  string
	counterpartyUTXOs []wallet.UTXO
}

func roughVSize(numInputs, numOutputs int) int64 {
	return int64(headerSizeVBytes + inputSizeVBytes*numInputs + outputSizeVBytes*numOutputs)
}

// Manager runs one local peer's view of every trade it's party to.
// Each peer in a trade runs its own Manager instance; ExecuteTrade and
// ValidateAndCounterSign are mirror-image operations meant to be
// called on the initiator's and counterparty's respective Managers.
type Manager struct {
	cfg       Config
	localPeer types.PeerID
	wallet    wallet.Facade

	mu      sync.Mutex
	records map[string]*record

	now func() time.Time
}

// New constructs a Manager for localPeer, backed by w for signing and
// broadcast.
func New(cfg Config, localPeer types.PeerID, w wallet.Facade) *Manager {
	return &Manager{cfg: cfg, localPeer: localPeer, wallet: w, records: make(map[string]*record), now: time.Now}
}

// ProposeTrade starts a new trade against order as its initiator.
func (m *Manager) ProposeTrade(order types.Order, amount float64, initiatorAddr string) (types.Trade, error) {
	if order.Status != types.Open {
		return types.Trade{}, errs.InvalidArgumentf("order %q is not open", order.ID)
	}
	if amount <= 0 || amount > order.Amount {
		return types.Trade{}, errs.InvalidArgumentf("amount %v exceeds order amount %v", amount, order.Amount)
	}

	trade := types.Trade{
		ID:           uuid.NewString(),
		OrderID:      order.ID,
		Amount:       amount,
		Initiator:    m.localPeer,
		Counterparty: order.Maker,
		Timestamp:    m.now().Unix(),
		Status:       types.Proposed,
	}

	m.mu.Lock()
	m.records[trade.ID] = &record{trade: trade, order: order, initiatorAddr: initiatorAddr}
	m.mu.Unlock()

	return trade, nil
}

// ReceiveProposal registers a trade proposed by a remote initiator, so
// the counterparty's Manager has a local record to Accept/Reject
// against. Idempotent: re-registering an already-known id is a no-op.
func (m *Manager) ReceiveProposal(trade types.Trade, order types.Order) error {
	if trade.Counterparty != m.localPeer {
		return errs.PermissionDeniedf("trade %q is not addressed to this peer", trade.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[trade.ID]; ok {
		return nil
	}
	m.records[trade.ID] = &record{trade: trade, order: order}
	return nil
}

func (m *Manager) get(tradeID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tradeID]
	if !ok {
		return nil, errs.NotFoundf("trade %q not found", tradeID)
	}
	return rec, nil
}

// Accept transitions Proposed -> Accepted. Only the counterparty may
// accept; counterpartyAddr and counterpartyUTXOs are recorded for use
// when the PSBT is built.
func (m *Manager) Accept(tradeID string, caller types.PeerID, counterpartyAddr string, counterpartyUTXOs []wallet.UTXO) error {
	rec, err := m.get(tradeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != rec.trade.Counterparty {
		return errs.PermissionDeniedf("only the counterparty may accept trade %q", tradeID)
	}
	if rec.trade.Status != types.Proposed {
		return errs.InvalidArgumentf("trade %q is not Proposed", tradeID)
	}
	rec.trade.Status = types.Accepted
	rec.counterpartyAddr = counterpartyAddr
	rec.counterpartyUTXOs = counterpartyUTXOs
	return nil
}

// Reject transitions Proposed -> Rejected. Only the counterparty may reject.
func (m *Manager) Reject(tradeID string, caller types.PeerID) error {
	rec, err := m.get(tradeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != rec.trade.Counterparty {
		return errs.PermissionDeniedf("only the counterparty may reject trade %q", tradeID)
	}
	if rec.trade.Status != types.Proposed {
		return errs.InvalidArgumentf("trade %q is not Proposed", tradeID)
	}
	rec.trade.Status = types.Rejected
	return nil
}

// Cancel transitions Proposed or Accepted -> Cancelled, or Executing ->
// Cancelled provided broadcast hasn't happened yet. Either party may cancel.
func (m *Manager) Cancel(tradeID string, caller types.PeerID) error {
	rec, err := m.get(tradeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != rec.trade.Initiator && caller != rec.trade.Counterparty {
		return errs.PermissionDeniedf("caller is not party to trade %q", tradeID)
	}
	switch rec.trade.Status {
	case types.Proposed, types.Accepted:
	case types.Executing:
		if rec.trade.FinalTxID != "" {
			return errs.InvalidArgumentf("trade %q already broadcast", tradeID)
		}
	default:
		return errs.InvalidArgumentf("trade %q cannot be cancelled from state %s", tradeID, rec.trade.Status)
	}
	rec.trade.Status = types.Cancelled
	return nil
}

// ExecuteTrade transitions Accepted -> Executing on the initiator's
// side: it builds the joint PSBT, signs the initiator's own inputs,
// and returns the serialized PSBT to hand to the counterparty.
func (m *Manager) ExecuteTrade(tradeID string, caller types.PeerID) ([]byte, error) {
	rec, err := m.lockedRecordForTransition(tradeID, caller, types.Accepted)
	if err != nil {
		return nil, err
	}

	packet, err := m.buildPSBT(rec)
	if err != nil {
		return nil, err
	}
	signed, err := m.wallet.SignPSBT(packet)
	if err != nil {
		return nil, errs.Wrap(errs.WalletError, "sign initiator inputs", err)
	}

	raw, err := serializePSBT(signed)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec.trade.Status = types.Executing
	rec.trade.MakerPSBT = raw
	m.mu.Unlock()

	return raw, nil
}

// ReceiveExecute registers the initiator's PSBT on the counterparty's
// side, transitioning Accepted -> Executing there too.
func (m *Manager) ReceiveExecute(tradeID string, caller types.PeerID, psbtBytes []byte) error {
	rec, err := m.lockedRecordForTransition(tradeID, caller, types.Accepted)
	if err != nil {
		return err
	}
	m.mu.Lock()
	rec.trade.Status = types.Executing
	rec.trade.MakerPSBT = psbtBytes
	m.mu.Unlock()
	return nil
}

// ValidateAndCounterSign is the counterparty's "Confirm" action: it
// validates the proposed PSBT against the order and trade, adds the
// counterparty's own signature, and returns the jointly-signed PSBT for
// the initiator to broadcast. The counterparty's own view moves to
// Confirmed immediately, since it never broadcasts.
func (m *Manager) ValidateAndCounterSign(tradeID string, caller types.PeerID) ([]byte, error) {
	rec, err := m.get(tradeID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if caller != rec.trade.Counterparty {
		m.mu.Unlock()
		return nil, errs.PermissionDeniedf("only the counterparty confirms trade %q", tradeID)
	}
	if rec.trade.Status != types.Executing {
		m.mu.Unlock()
		return nil, errs.InvalidArgumentf("trade %q is not Executing", tradeID)
	}
	raw := rec.trade.MakerPSBT
	m.mu.Unlock()

	packet, err := deserializePSBT(raw)
	if err != nil {
		return nil, err
	}
	if err := m.validatePSBT(rec, packet); err != nil {
		return nil, err
	}

	signed, err := m.wallet.SignPSBT(packet)
	if err != nil {
		return nil, errs.Wrap(errs.WalletError, "countersign", err)
	}
	signedRaw, err := serializePSBT(signed)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec.trade.TakerPSBT = signedRaw
	rec.trade.Status = types.Confirmed
	m.mu.Unlock()

	return signedRaw, nil
}

// FinalizeTrade is the initiator's side of "Confirm": it validates the
// jointly-signed PSBT, broadcasts it through the wallet facade, and
// transitions Executing -> Confirmed with the resulting txid.
func (m *Manager) FinalizeTrade(tradeID string, caller types.PeerID, signedPSBTBytes []byte) (string, error) {
	rec, err := m.get(tradeID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if caller != rec.trade.Initiator {
		m.mu.Unlock()
		return "", errs.PermissionDeniedf("only the initiator finalizes trade %q", tradeID)
	}
	if rec.trade.Status != types.Executing {
		m.mu.Unlock()
		return "", errs.InvalidArgumentf("trade %q is not Executing", tradeID)
	}
	m.mu.Unlock()

	packet, err := deserializePSBT(signedPSBTBytes)
	if err != nil {
		return "", err
	}
	if err := m.validatePSBT(rec, packet); err != nil {
		return "", err
	}
	ok, err := m.wallet.VerifyPSBT(packet)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.InvalidTransaction, "jointly-signed psbt is not fully signed")
	}

	txid, err := m.wallet.FinalizeAndBroadcast(packet)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	rec.trade.TakerPSBT = signedPSBTBytes
	rec.trade.Status = types.Confirmed
	rec.trade.FinalTxID = txid
	m.mu.Unlock()

	return txid, nil
}

// Get returns a snapshot of the current trade state.
func (m *Manager) Get(tradeID string) (types.Trade, error) {
	rec, err := m.get(tradeID)
	if err != nil {
		return types.Trade{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.trade, nil
}

// lockedRecordForTransition fetches tradeID's record and checks caller
// against its initiator (both for the initiator's own ExecuteTrade call
// and for the counterparty-side ReceiveExecute call, where caller is
// the remote initiator's identity, since it's the initiator who must
// have produced the execute in either case).
func (m *Manager) lockedRecordForTransition(tradeID string, caller types.PeerID, want types.TradeStatus) (*record, error) {
	rec, err := m.get(tradeID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != rec.trade.Initiator {
		return nil, errs.PermissionDeniedf("only the initiator executes trade %q", tradeID)
	}
	if rec.trade.Status != want {
		return nil, errs.InvalidArgumentf("trade %q is not %s", tradeID, want)
	}
	return rec, nil
}

// baseRoles reports which party delivers the base asset (baseSeller)
// and which receives it (baseBuyer): the party not delivering base
// delivers (pays with) quote instead.
func baseRoles(order types.Order, rec *record) (baseBuyerAddr, baseSellerAddr string, initiatorDeliversBase bool) {
	// order.Side == Sell: the maker is selling base, so the initiator
	// (the taker) is the one buying base.
	initiatorIsBaseBuyer := order.Side == types.Sell
	if initiatorIsBaseBuyer {
		return rec.initiatorAddr, rec.counterpartyAddr, false
	}
	return rec.counterpartyAddr, rec.initiatorAddr, true
}

// buildPSBT constructs the joint unsigned transaction and wraps it in
// a PSBT per spec §4.13's output ordering: base delivery, quote
// delivery, asset OP_RETURN(s), then change.
func (m *Manager) buildPSBT(rec *record) (*psbt.Packet, error) {
	order := rec.order
	if rec.counterpartyAddr == "" {
		return nil, errs.InvalidArgumentf("trade %q has no counterparty address on file", rec.trade.ID)
	}

	baseBuyerAddr, baseSellerAddr, initiatorDeliversBase := baseRoles(order, rec)

	var initiatorUTXOs []wallet.UTXO
	var err error
	if initiatorDeliversBase {
		initiatorUTXOs, err = m.wallet.GetUTXOs(order.Base)
	} else {
		initiatorUTXOs, err = m.wallet.GetUTXOs(order.Quote)
	}
	if err != nil {
		return nil, errs.Wrap(errs.WalletError, "get utxos", err)
	}
	if len(initiatorUTXOs) == 0 {
		return nil, errs.InvalidTransactionf("no utxos available for this side of the trade")
	}

	tx := wire.NewMsgTx(2)

	allInputs := append(append([]wallet.UTXO{}, initiatorUTXOs...), rec.counterpartyUTXOs...)
	if len(allInputs) == 0 {
		return nil, errs.InvalidTransactionf("no utxos contributed by either party")
	}
	for _, u := range allInputs {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: u.Outpoint})
	}

	quoteAmount := rec.trade.Amount * order.Price

	if err := addAssetOutput(tx, order.Base, rec.trade.Amount, baseBuyerAddr, m.cfg.NetworkParams); err != nil {
		return nil, err
	}
	if err := addAssetOutput(tx, order.Quote, quoteAmount, baseSellerAddr, m.cfg.NetworkParams); err != nil {
		return nil, err
	}
	if err := addAssetCarrier(tx, order.Base, rec.trade.Amount, 0); err != nil {
		return nil, err
	}
	if err := addAssetCarrier(tx, order.Quote, quoteAmount, 1); err != nil {
		return nil, err
	}

	inputTotal := int64(0)
	for _, u := range allInputs {
		inputTotal += u.Value
	}
	fee := m.cfg.MinFeeRateSatPerVB * roughVSize(len(allInputs), len(tx.TxOut)+1)
	outputTotal := int64(0)
	for _, o := range tx.TxOut {
		outputTotal += o.Value
	}
	change := inputTotal - outputTotal - fee
	if change < 0 {
		return nil, errs.InvalidTransactionf("insufficient input value: have %d, need %d (outputs+fee)", inputTotal, outputTotal+fee)
	}
	if change >= dustSats+1 {
		changeAddr := rec.initiatorAddr
		if err := addValueOutput(tx, change, changeAddr, m.cfg.NetworkParams); err != nil {
			return nil, err
		}
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidTransaction, "build psbt", err)
	}
	for i, u := range allInputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(u.Value, u.Script)
	}
	return packet, nil
}

// addAssetOutput appends the value-bearing delivery output for asset:
// its full notional value for Bitcoin, dust for Rune/Alkane (the
// asset's quantity rides in the matching OP_RETURN carrier instead).
func addAssetOutput(tx *wire.MsgTx, asset types.AssetID, amount float64, addr string, params *chaincfg.Params) error {
	value := int64(dustSats)
	if asset.Kind == types.AssetBitcoin {
		value = int64(math.Round(amount * 1e8))
	}
	return addValueOutput(tx, value, addr, params)
}

func addValueOutput(tx *wire.MsgTx, value int64, addr string, params *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "decode address", err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "pay-to-addr script", err)
	}
	tx.AddTxOut(wire.NewTxOut(value, script))
	return nil
}

// addAssetCarrier appends an OP_RETURN output describing asset's
// transfer when asset isn't native Bitcoin, pointing at outputIndex
// (the delivery output its balance is attached to).
func addAssetCarrier(tx *wire.MsgTx, asset types.AssetID, amount float64, outputIndex uint32) error {
	ticks := big.NewInt(int64(math.Round(amount)))

	switch asset.Kind {
	case types.AssetBitcoin:
		return nil
	case types.AssetRune:
		script, err := runestone.ToScript(runestone.Runestone{
			Edicts: []runestone.Edict{{ID: asset.RuneID, Amount: ticks, Output: outputIndex}},
		})
		if err != nil {
			return err
		}
		tx.AddTxOut(wire.NewTxOut(0, script))
		return nil
	case types.AssetAlkane:
		script, err := alkane.ToScript(alkane.Transfer{ID: asset.AlkaneID, Amount: ticks})
		if err != nil {
			return errs.Wrap(errs.InvalidTransaction, "alkane carrier", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, script))
		return nil
	default:
		return errs.InvalidArgumentf("unknown asset kind")
	}
}

// validatePSBT reconstructs the expected output set and checks fee
// sufficiency and asset-carrier correctness, per spec §4.13.
func (m *Manager) validatePSBT(rec *record, packet *psbt.Packet) error {
	order := rec.order
	baseBuyerAddr, baseSellerAddr, _ := baseRoles(order, rec)
	quoteAmount := rec.trade.Amount * order.Price

	expected := wire.NewMsgTx(2)
	if err := addAssetOutput(expected, order.Base, rec.trade.Amount, baseBuyerAddr, m.cfg.NetworkParams); err != nil {
		return err
	}
	if err := addAssetOutput(expected, order.Quote, quoteAmount, baseSellerAddr, m.cfg.NetworkParams); err != nil {
		return err
	}
	if err := addAssetCarrier(expected, order.Base, rec.trade.Amount, 0); err != nil {
		return err
	}
	if err := addAssetCarrier(expected, order.Quote, quoteAmount, 1); err != nil {
		return err
	}

	actual := packet.UnsignedTx
	if len(actual.TxOut) < len(expected.TxOut) {
		return errs.New(errs.InvalidTransaction, "psbt has fewer outputs than expected")
	}
	for i, want := range expected.TxOut {
		got := actual.TxOut[i]
		if got.Value != want.Value || !bytes.Equal(got.PkScript, want.PkScript) {
			return errs.New(errs.InvalidTransaction, "psbt output does not match expected trade output")
		}
	}

	inputTotal := int64(0)
	for _, in := range packet.Inputs {
		if in.WitnessUtxo != nil {
			inputTotal += in.WitnessUtxo.Value
		}
	}
	outputTotal := int64(0)
	for _, out := range actual.TxOut {
		outputTotal += out.Value
	}
	fee := inputTotal - outputTotal
	minFee := m.cfg.MinFeeRateSatPerVB * roughVSize(len(packet.Inputs), len(actual.TxOut))
	if fee < minFee {
		return errs.New(errs.InvalidTransaction, "fee below min_fee_rate * vsize")
	}

	if err := validateRuneEdict(order.Base, rec.trade.Amount, actual); err != nil {
		return err
	}
	if err := validateRuneEdict(order.Quote, quoteAmount, actual); err != nil {
		return err
	}
	if err := validateAlkaneTransfer(order.Base, rec.trade.Amount, actual); err != nil {
		return err
	}
	return validateAlkaneTransfer(order.Quote, quoteAmount, actual)
}

func validateRuneEdict(asset types.AssetID, amount float64, tx *wire.MsgTx) error {
	if asset.Kind != types.AssetRune {
		return nil
	}
	rs, err := runestone.FromTransaction(tx)
	if err != nil || rs == nil {
		return errs.New(errs.InvalidTransaction, "missing or malformed runestone for rune leg")
	}
	if rs.Burn {
		return errs.New(errs.InvalidTransaction, "runestone burn flag set without explicit intent")
	}
	want := big.NewInt(int64(math.Round(amount)))
	for _, e := range rs.Edicts {
		if e.ID != nil && asset.RuneID != nil && e.ID.Cmp(asset.RuneID) == 0 && e.Amount.Cmp(want) == 0 {
			return nil
		}
	}
	return errs.New(errs.InvalidTransaction, "runestone edict does not match expected rune id/amount")
}

func validateAlkaneTransfer(asset types.AssetID, amount float64, tx *wire.MsgTx) error {
	if asset.Kind != types.AssetAlkane {
		return nil
	}
	transfer, err := alkane.FromTransaction(tx)
	if err != nil || transfer == nil {
		return errs.New(errs.InvalidTransaction, "missing or malformed alkane transfer for alkane leg")
	}
	want := big.NewInt(int64(math.Round(amount)))
	if transfer.ID != asset.AlkaneID || transfer.Amount.Cmp(want) != 0 {
		return errs.New(errs.InvalidTransaction, "alkane transfer does not match expected id/amount")
	}
	return nil
}

func serializePSBT(p *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, errs.Wrap(errs.InvalidTransaction, "serialize psbt", err)
	}
	return buf.Bytes(), nil
}

func deserializePSBT(raw []byte) (*psbt.Packet, error) {
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidTransaction, "parse psbt", err)
	}
	return p, nil
}
