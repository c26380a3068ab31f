// Package alkane implements the OP_RETURN-based alkane transfer and
// etching codec (C3), per spec §3/§4.2.
package alkane

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswapfoundation/darkswap/internal/errs"
)

const transferPrefix = "ALKANE:"

// Transfer is a decoded "ALKANE:<id>:<amount>" transfer record.
type Transfer struct {
	ID     string
	Amount *big.Int
}

// EncodeTransfer renders a Transfer as the ASCII payload carried in an
// OP_RETURN output.
func EncodeTransfer(t Transfer) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", transferPrefix, t.ID, t.Amount.String()))
}

// ToScript wraps EncodeTransfer's payload in an OP_RETURN script.
func ToScript(t Transfer) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddData(EncodeTransfer(t))
	return builder.Script()
}

// DecodeTransfer parses an ASCII "ALKANE:<id>:<amount>" payload. Per
// spec §4.2 the decoder tolerates extraneous \x01 bytes by stripping
// them before parsing, and never derives or trusts amounts from
// scriptless data — the amount must be present and parse as an unsigned
// 128-bit integer.
func DecodeTransfer(data []byte) (Transfer, error) {
	cleaned := strings.ReplaceAll(string(data), "\x01", "")
	if !strings.HasPrefix(cleaned, transferPrefix) {
		return Transfer{}, errs.New(errs.InvalidTransaction, "InvalidAlkane: missing ALKANE prefix")
	}
	rest := strings.TrimPrefix(cleaned, transferPrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Transfer{}, errs.New(errs.InvalidTransaction, "InvalidAlkane: malformed transfer record")
	}
	amount, ok := new(big.Int).SetString(parts[1], 10)
	if !ok || amount.Sign() < 0 {
		return Transfer{}, errs.New(errs.InvalidTransaction, "InvalidAlkane: amount not a valid unsigned integer")
	}
	return Transfer{ID: parts[0], Amount: amount}, nil
}

// EtchingMetadata is the JSON payload carried in a second OP_RETURN output
// when an alkane is being created rather than transferred.
type EtchingMetadata struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals,omitempty"`
}

// EncodeEtching marshals etching metadata to its JSON OP_RETURN payload.
func EncodeEtching(m EtchingMetadata) ([]byte, error) {
	m.Type = "alkane"
	return json.Marshal(m)
}

// DecodeEtching parses an alkane etching JSON payload, detected by the
// presence of `"type":"alkane"`.
func DecodeEtching(data []byte) (EtchingMetadata, bool) {
	if !strings.Contains(string(data), `"type":"alkane"`) && !strings.Contains(string(data), `"type": "alkane"`) {
		return EtchingMetadata{}, false
	}
	var m EtchingMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return EtchingMetadata{}, false
	}
	return m, true
}

// FromTransaction scans a transaction's OP_RETURN outputs for the first
// alkane transfer record.
func FromTransaction(tx *wire.MsgTx) (*Transfer, error) {
	for _, out := range tx.TxOut {
		data, ok := extractOpReturnPush(out.PkScript)
		if !ok {
			continue
		}
		t, err := DecodeTransfer(data)
		if err != nil {
			continue
		}
		return &t, nil
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
