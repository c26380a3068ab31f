package runestone

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func ptrU32(v uint32) *uint32 { return &v }
func ptrByte(v byte) *byte    { return &v }
func ptrStr(v string) *string { return &v }

func TestRoundTripSimpleEdict(t *testing.T) {
	rs := Runestone{
		Edicts: []Edict{{ID: big.NewInt(12345), Amount: big.NewInt(1000), Output: 1}},
	}

	encoded, err := Encode(rs)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	assertRunestoneEqual(t, rs, decoded)
}

// TestRoundTripWithEtching implements scenario S1 from the specification.
func TestRoundTripWithEtching(t *testing.T) {
	rs := Runestone{
		Edicts: []Edict{{ID: big.NewInt(12345), Amount: big.NewInt(1000), Output: 1}},
		Etching: &Etching{
			Rune:     big.NewInt(12345),
			Symbol:   ptrStr("TEST"),
			Decimals: ptrByte(8),
			Spacers:  0,
			Amount:   big.NewInt(21_000_000),
			Terms: &Terms{
				Cap:    big.NewInt(21_000_000),
				Height: ptrU32(100_000),
				Amount: nil,
			},
		},
		DefaultOutput: ptrU32(0),
		Burn:          true,
	}

	encoded, err := Encode(rs)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	assertRunestoneEqual(t, rs, decoded)
}

func TestDecodeRejectsBadPrefix(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 0, 0, 1, 0, 0, 0, 0, 0}); err == nil {
		t.Fatalf("expected error for bad prefix")
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data := append(append([]byte{}, Prefix[:]...), 99, 0, 0, 0, 0, 0)
	if _, err := Decode(data); err == nil {
		t.Fatalf("expected error for unknown version")
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	data := append(append([]byte{}, Prefix[:]...), Version)
	if _, err := Decode(data); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

func TestToScriptRejectsOversizeData(t *testing.T) {
	edicts := make([]Edict, 10)
	for i := range edicts {
		edicts[i] = Edict{ID: big.NewInt(int64(i) + 1), Amount: big.NewInt(1), Output: uint32(i)}
	}
	rs := Runestone{Edicts: edicts}
	if _, err := ToScript(rs); err == nil {
		t.Fatalf("expected oversize script error")
	}
}

func TestToScriptRoundTripsThroughFromTransaction(t *testing.T) {
	rs := Runestone{Edicts: []Edict{{ID: big.NewInt(1), Amount: big.NewInt(2), Output: 0}}}
	script, err := ToScript(rs)
	if err != nil {
		t.Fatalf("ToScript: %v", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))
	got, err := FromTransaction(tx)
	if err != nil {
		t.Fatalf("FromTransaction: %v", err)
	}
	if got == nil {
		t.Fatalf("FromTransaction found no runestone in the OP_RETURN output")
	}
	assertRunestoneEqual(t, rs, *got)
}

func assertRunestoneEqual(t *testing.T, want, got Runestone) {
	t.Helper()
	if want.Burn != got.Burn {
		t.Fatalf("Burn mismatch: want %v got %v", want.Burn, got.Burn)
	}
	if (want.DefaultOutput == nil) != (got.DefaultOutput == nil) {
		t.Fatalf("DefaultOutput presence mismatch")
	}
	if want.DefaultOutput != nil && *want.DefaultOutput != *got.DefaultOutput {
		t.Fatalf("DefaultOutput mismatch")
	}
	if len(want.Edicts) != len(got.Edicts) {
		t.Fatalf("edict count mismatch: want %d got %d", len(want.Edicts), len(got.Edicts))
	}
	for i := range want.Edicts {
		if want.Edicts[i].ID.Cmp(got.Edicts[i].ID) != 0 ||
			want.Edicts[i].Amount.Cmp(got.Edicts[i].Amount) != 0 ||
			want.Edicts[i].Output != got.Edicts[i].Output {
			t.Fatalf("edict %d mismatch: want %+v got %+v", i, want.Edicts[i], got.Edicts[i])
		}
	}
	if (want.Etching == nil) != (got.Etching == nil) {
		t.Fatalf("etching presence mismatch")
	}
	if want.Etching == nil {
		return
	}
	we, ge := want.Etching, got.Etching
	if we.Rune.Cmp(ge.Rune) != 0 || we.Amount.Cmp(ge.Amount) != 0 || we.Spacers != ge.Spacers {
		t.Fatalf("etching core fields mismatch")
	}
	if (we.Symbol == nil) != (ge.Symbol == nil) || (we.Symbol != nil && *we.Symbol != *ge.Symbol) {
		t.Fatalf("symbol mismatch")
	}
	if (we.Decimals == nil) != (ge.Decimals == nil) || (we.Decimals != nil && *we.Decimals != *ge.Decimals) {
		t.Fatalf("decimals mismatch")
	}
	if (we.Terms == nil) != (ge.Terms == nil) {
		t.Fatalf("terms presence mismatch")
	}
	if we.Terms == nil {
		return
	}
	wt, gt := we.Terms, ge.Terms
	if (wt.Cap == nil) != (gt.Cap == nil) || (wt.Cap != nil && wt.Cap.Cmp(gt.Cap) != 0) {
		t.Fatalf("terms cap mismatch")
	}
	if (wt.Height == nil) != (gt.Height == nil) || (wt.Height != nil && *wt.Height != *gt.Height) {
		t.Fatalf("terms height mismatch")
	}
	if (wt.Amount == nil) != (gt.Amount == nil) || (wt.Amount != nil && wt.Amount.Cmp(gt.Amount) != 0) {
		t.Fatalf("terms amount mismatch")
	}
}
