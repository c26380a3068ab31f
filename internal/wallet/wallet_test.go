package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswapfoundation/darkswap/internal/types"
)

func newUnsignedPacket(t *testing.T) *psbt.Packet {
	t.Helper()

	var hash chainhash.Hash
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: hash, Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x00}})

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("NewFromUnsignedTx: %v", err)
	}
	return p
}

func TestGetUTXOsReturnsSeededSet(t *testing.T) {
	w := NewInMemory()
	asset := types.Bitcoin()
	w.SeedUTXOs(asset, UTXO{Value: 5000}, UTXO{Value: 7000})

	got, err := w.GetUTXOs(asset)
	if err != nil {
		t.Fatalf("GetUTXOs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetUTXOs returned %d utxos, want 2", len(got))
	}

	other, err := w.GetUTXOs(types.Alkane("foo"))
	if err != nil {
		t.Fatalf("GetUTXOs(other): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no utxos for unseeded asset, got %d", len(other))
	}
}

func TestGetAddressRequiresConfiguration(t *testing.T) {
	w := NewInMemory()
	if _, err := w.GetAddress(types.Bitcoin()); err == nil {
		t.Fatalf("expected error for unconfigured address")
	}

	w.SetAddress(types.Bitcoin(), "bcrt1qexampleaddress")
	addr, err := w.GetAddress(types.Bitcoin())
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr != "bcrt1qexampleaddress" {
		t.Fatalf("GetAddress = %q, want bcrt1qexampleaddress", addr)
	}
}

func TestSignVerifyFinalizeAndBroadcastHappyPath(t *testing.T) {
	w := NewInMemory()
	p := newUnsignedPacket(t)

	if ok, err := w.VerifyPSBT(p); err != nil || ok {
		t.Fatalf("VerifyPSBT before signing = (%v, %v), want (false, nil)", ok, err)
	}

	signed, err := w.SignPSBT(p)
	if err != nil {
		t.Fatalf("SignPSBT: %v", err)
	}

	ok, err := w.VerifyPSBT(signed)
	if err != nil {
		t.Fatalf("VerifyPSBT after signing: %v", err)
	}
	if !ok {
		t.Fatalf("expected VerifyPSBT to report true after signing")
	}

	txid1, err := w.FinalizeAndBroadcast(signed)
	if err != nil {
		t.Fatalf("FinalizeAndBroadcast: %v", err)
	}
	if len(txid1) != 64 {
		t.Fatalf("txid length = %d, want 64 (hex sha256)", len(txid1))
	}

	txid2, err := w.FinalizeAndBroadcast(signed)
	if err != nil {
		t.Fatalf("FinalizeAndBroadcast (second): %v", err)
	}
	if txid1 == txid2 {
		t.Fatalf("expected distinct txids across successive broadcasts, got %q twice", txid1)
	}
}

func TestFinalizeAndBroadcastRejectsUnsignedPacket(t *testing.T) {
	w := NewInMemory()
	p := newUnsignedPacket(t)

	if _, err := w.FinalizeAndBroadcast(p); err == nil {
		t.Fatalf("expected FinalizeAndBroadcast to reject an unsigned psbt")
	}
}

func TestSignPSBTIsIdempotent(t *testing.T) {
	w := NewInMemory()
	p := newUnsignedPacket(t)

	first, err := w.SignPSBT(p)
	if err != nil {
		t.Fatalf("SignPSBT: %v", err)
	}
	witness := first.Inputs[0].FinalScriptWitness

	second, err := w.SignPSBT(first)
	if err != nil {
		t.Fatalf("SignPSBT (second): %v", err)
	}
	if string(second.Inputs[0].FinalScriptWitness) != string(witness) {
		t.Fatalf("expected re-signing an already-final input to be a no-op")
	}
}
