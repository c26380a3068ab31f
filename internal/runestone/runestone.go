// Package runestone implements the binary rune-edict/etching codec (C2)
// and its OP_RETURN embedding/extraction, per spec §3/§4.1. The wire
// format is a direct port of the darkswap-sdk Rust runestone codec.
package runestone

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/big"
	"unicode/utf8"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswapfoundation/darkswap/internal/errs"
)

// Prefix is the 4-byte magic ("rune") that opens every runestone.
var Prefix = [4]byte{0x72, 0x75, 0x6e, 0x65}

// Version is the only wire version this codec understands.
const Version byte = 1

const (
	flagBurn         byte = 0x01
	flagHasEtching   byte = 0x02
	flagHasDefault   byte = 0x04
	etchFlagSymbol   byte = 0x01
	etchFlagDecimals byte = 0x02
	etchFlagTerms    byte = 0x04
	termFlagCap      byte = 0x01
	termFlagHeight   byte = 0x02
	termFlagAmount   byte = 0x04
)

// Edict is a single transfer of amount units of rune id to output.
type Edict struct {
	ID     *big.Int
	Amount *big.Int
	Output uint32
}

// Terms bound an etching's future minting.
type Terms struct {
	Cap    *big.Int // nil if absent
	Height *uint32  // nil if absent
	Amount *big.Int // nil if absent
}

// Etching creates (mints) a new rune.
type Etching struct {
	Rune     *big.Int
	Symbol   *string // nil if absent
	Decimals *byte   // nil if absent
	Spacers  uint32
	Amount   *big.Int
	Terms    *Terms // nil if absent
}

// Runestone is the full decoded record embedded in an OP_RETURN output.
type Runestone struct {
	Edicts        []Edict
	Etching       *Etching
	DefaultOutput *uint32
	Burn          bool
}

func putUint128LE(buf *bytes.Buffer, v *big.Int) {
	var b [16]byte
	v.FillBytes(b[:]) // big-endian, 16 bytes
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	buf.Write(b[:])
}

func readUint128LE(r *bytes.Reader) (*big.Int, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return new(big.Int).SetBytes(b[:]), nil
}

func readExact(r *bytes.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Encode serializes a Runestone to its binary wire form.
func Encode(rs Runestone) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Prefix[:])
	buf.WriteByte(Version)

	var flags byte
	if rs.Burn {
		flags |= flagBurn
	}
	if rs.Etching != nil {
		flags |= flagHasEtching
	}
	if rs.DefaultOutput != nil {
		flags |= flagHasDefault
	}
	buf.WriteByte(flags)

	if rs.DefaultOutput != nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], *rs.DefaultOutput)
		buf.Write(b[:])
	}

	if e := rs.Etching; e != nil {
		if e.Rune == nil || e.Amount == nil {
			return nil, errs.InvalidArgumentf("etching requires rune id and amount")
		}
		putUint128LE(&buf, e.Rune)
		putUint128LE(&buf, e.Amount)
		var spacers [4]byte
		binary.LittleEndian.PutUint32(spacers[:], e.Spacers)
		buf.Write(spacers[:])

		var etchFlags byte
		if e.Symbol != nil {
			etchFlags |= etchFlagSymbol
		}
		if e.Decimals != nil {
			etchFlags |= etchFlagDecimals
		}
		if e.Terms != nil {
			etchFlags |= etchFlagTerms
		}
		buf.WriteByte(etchFlags)

		if e.Symbol != nil {
			sym := []byte(*e.Symbol)
			if len(sym) > 255 {
				return nil, errs.New(errs.InvalidTransaction, "InvalidRunestone: symbol too long")
			}
			buf.WriteByte(byte(len(sym)))
			buf.Write(sym)
		}
		if e.Decimals != nil {
			buf.WriteByte(*e.Decimals)
		}
		if t := e.Terms; t != nil {
			var termFlags byte
			if t.Cap != nil {
				termFlags |= termFlagCap
			}
			if t.Height != nil {
				termFlags |= termFlagHeight
			}
			if t.Amount != nil {
				termFlags |= termFlagAmount
			}
			buf.WriteByte(termFlags)
			if t.Cap != nil {
				putUint128LE(&buf, t.Cap)
			}
			if t.Height != nil {
				var hb [4]byte
				binary.LittleEndian.PutUint32(hb[:], *t.Height)
				buf.Write(hb[:])
			}
			if t.Amount != nil {
				putUint128LE(&buf, t.Amount)
			}
		}
	}

	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], uint32(len(rs.Edicts)))
	buf.Write(countBytes[:])

	for _, ed := range rs.Edicts {
		if ed.ID == nil || ed.Amount == nil {
			return nil, errs.InvalidArgumentf("edict requires id and amount")
		}
		putUint128LE(&buf, ed.ID)
		putUint128LE(&buf, ed.Amount)
		var ob [4]byte
		binary.LittleEndian.PutUint32(ob[:], ed.Output)
		buf.Write(ob[:])
	}

	return buf.Bytes(), nil
}

func invalid(reason string) error {
	return errs.New(errs.InvalidTransaction, "InvalidRunestone: "+reason)
}

// Decode parses the binary wire form of a Runestone, returning
// InvalidRunestone(reason)-kind errors (InvalidTransaction) on any
// malformed input.
func Decode(data []byte) (Runestone, error) {
	r := bytes.NewReader(data)

	prefix, err := readExact(r, 4)
	if err != nil {
		return Runestone{}, invalid("truncated prefix")
	}
	if !bytes.Equal(prefix, Prefix[:]) {
		return Runestone{}, invalid("bad prefix")
	}

	versionB, err := readExact(r, 1)
	if err != nil {
		return Runestone{}, invalid("truncated version")
	}
	if versionB[0] != Version {
		return Runestone{}, invalid("unknown version")
	}

	flagsB, err := readExact(r, 1)
	if err != nil {
		return Runestone{}, invalid("truncated flags")
	}
	flags := flagsB[0]
	rs := Runestone{Burn: flags&flagBurn != 0}
	hasEtching := flags&flagHasEtching != 0
	hasDefault := flags&flagHasDefault != 0

	if hasDefault {
		b, err := readExact(r, 4)
		if err != nil {
			return Runestone{}, invalid("truncated default output")
		}
		v := binary.LittleEndian.Uint32(b)
		rs.DefaultOutput = &v
	}

	if hasEtching {
		rune, err := readUint128LE(r)
		if err != nil {
			return Runestone{}, invalid("truncated etching rune id")
		}
		amount, err := readUint128LE(r)
		if err != nil {
			return Runestone{}, invalid("truncated etching amount")
		}
		spacersB, err := readExact(r, 4)
		if err != nil {
			return Runestone{}, invalid("truncated spacers")
		}
		spacers := binary.LittleEndian.Uint32(spacersB)

		etchFlagsB, err := readExact(r, 1)
		if err != nil {
			return Runestone{}, invalid("truncated etching flags")
		}
		etchFlags := etchFlagsB[0]

		e := &Etching{Rune: rune, Amount: amount, Spacers: spacers}

		if etchFlags&etchFlagSymbol != 0 {
			lenB, err := readExact(r, 1)
			if err != nil {
				return Runestone{}, invalid("truncated symbol length")
			}
			symBytes, err := readExact(r, int(lenB[0]))
			if err != nil {
				return Runestone{}, invalid("truncated symbol")
			}
			if !isValidUTF8(symBytes) {
				return Runestone{}, invalid("non-UTF8 symbol")
			}
			sym := string(symBytes)
			e.Symbol = &sym
		}
		if etchFlags&etchFlagDecimals != 0 {
			b, err := readExact(r, 1)
			if err != nil {
				return Runestone{}, invalid("truncated decimals")
			}
			d := b[0]
			e.Decimals = &d
		}
		if etchFlags&etchFlagTerms != 0 {
			termFlagsB, err := readExact(r, 1)
			if err != nil {
				return Runestone{}, invalid("truncated terms flags")
			}
			termFlags := termFlagsB[0]
			t := &Terms{}
			if termFlags&termFlagCap != 0 {
				cap, err := readUint128LE(r)
				if err != nil {
					return Runestone{}, invalid("truncated terms cap")
				}
				t.Cap = cap
			}
			if termFlags&termFlagHeight != 0 {
				b, err := readExact(r, 4)
				if err != nil {
					return Runestone{}, invalid("truncated terms height")
				}
				h := binary.LittleEndian.Uint32(b)
				t.Height = &h
			}
			if termFlags&termFlagAmount != 0 {
				amt, err := readUint128LE(r)
				if err != nil {
					return Runestone{}, invalid("truncated terms amount")
				}
				t.Amount = amt
			}
			e.Terms = t
		}
		rs.Etching = e
	}

	countB, err := readExact(r, 4)
	if err != nil {
		return Runestone{}, invalid("truncated edict count")
	}
	count := binary.LittleEndian.Uint32(countB)

	edicts := make([]Edict, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readUint128LE(r)
		if err != nil {
			return Runestone{}, invalid("truncated edict id")
		}
		amount, err := readUint128LE(r)
		if err != nil {
			return Runestone{}, invalid("truncated edict amount")
		}
		outB, err := readExact(r, 4)
		if err != nil {
			return Runestone{}, invalid("truncated edict output")
		}
		edicts = append(edicts, Edict{ID: id, Amount: amount, Output: binary.LittleEndian.Uint32(outB)})
	}
	rs.Edicts = edicts

	return rs, nil
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// ToScript wraps the encoded runestone in an OP_RETURN output script.
// Per spec §4.1, a push greater than 75 bytes is rejected.
func ToScript(rs Runestone) ([]byte, error) {
	data, err := Encode(rs)
	if err != nil {
		return nil, err
	}
	if len(data) > 75 {
		return nil, invalid("oversize script (>75-byte push rejected)")
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddData(data)
	return builder.Script()
}

// FromTransaction scans a transaction's outputs for the first OP_RETURN
// whose payload starts with the runestone prefix, decoding it.
func FromTransaction(tx *wire.MsgTx) (*Runestone, error) {
	for _, out := range tx.TxOut {
		data, ok := extractOpReturnPush(out.PkScript)
		if !ok || len(data) < 4 {
			continue
		}
		if !bytes.Equal(data[:4], Prefix[:]) {
			continue
		}
		rs, err := Decode(data)
		if err != nil {
			continue
		}
		return &rs, nil
	}
	return nil, nil
}

func extractOpReturnPush(script []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	return tokenizer.Data(), true
}
