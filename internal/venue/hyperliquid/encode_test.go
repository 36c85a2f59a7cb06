package hyperliquid

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func TestFloatToWire(t *testing.T) {
	cases := []struct {
		in  float64
		out string
	}{
		{in: 1.23, out: "1.23"},
		{in: 0, out: "0"},
		{in: math.Copysign(0, -1), out: "0"},
		{in: 1891.4000000000001, out: "1891.4"},
		{in: 100, out: "100"},
	}
	for _, tc := range cases {
		got, err := floatToWire(tc.in)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("expected %s, got %s", tc.out, got)
		}
	}
	if _, err := floatToWire(1.234567891); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestEncodeOrderAction(t *testing.T) {
	order, err := limitOrder(1, true, 2.5, 100, false, "")
	if err != nil {
		t.Fatalf("order wire: %v", err)
	}
	action := orderAction{Type: "order", Orders: []orderWire{order}, Grouping: "na"}
	b1, err := encodeAction(action)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b2, err := encodeAction(action)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	// fixmap(3) then fixstr "type": key order must follow the struct.
	if !bytes.HasPrefix(b1, []byte{0x83, 0xa4, 't', 'y', 'p', 'e'}) {
		t.Fatalf("unexpected prefix % x", b1[:6])
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected one order, got %v", decoded["orders"])
	}
	o := orders[0].(map[string]any)
	if o["p"] != "100" || o["s"] != "2.5" {
		t.Fatalf("unexpected price/size %v/%v", o["p"], o["s"])
	}
	if _, hasCloid := o["c"]; hasCloid {
		t.Fatalf("expected empty cloid to be omitted")
	}
}

func TestEncodeCompactInts(t *testing.T) {
	b, err := encodeAction(updateLeverageAction{Type: "updateLeverage", Asset: 4, IsCross: true, Leverage: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// "asset" followed by positive fixint 4.
	if !bytes.Contains(b, []byte{0xa5, 'a', 's', 's', 'e', 't', 0x04}) {
		t.Fatalf("expected compact asset int in % x", b)
	}
}

func TestEncodeRejectsUnknownAction(t *testing.T) {
	if _, err := encodeAction(map[string]any{"type": "x"}); err == nil {
		t.Fatalf("expected unsupported action error")
	}
	if _, err := encodeAction(orderAction{Type: "order"}); err == nil {
		t.Fatalf("expected error for empty order action")
	}
}

func TestCloidFromID(t *testing.T) {
	got, err := cloidFromID("6F9619FF-8B86-D011-B42D-00C04FC964FF")
	if err != nil {
		t.Fatalf("cloid: %v", err)
	}
	if got != "0x6f9619ff8b86d011b42d00c04fc964ff" {
		t.Fatalf("unexpected cloid %s", got)
	}
	if _, err := cloidFromID("short"); err == nil {
		t.Fatalf("expected error for non-uuid id")
	}
	if got, _ := cloidFromID(""); got != "" {
		t.Fatalf("expected empty cloid")
	}
}

func TestSignerRecoversAddress(t *testing.T) {
	signer, err := NewSigner(testKey, true)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	order, err := limitOrder(1, true, 2.5, 100, false, "")
	if err != nil {
		t.Fatalf("order wire: %v", err)
	}
	action := orderAction{Type: "order", Orders: []orderWire{order}, Grouping: "na"}
	nonce := uint64(1700000000000)
	sig, err := signer.SignL1(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload, err := encodeAction(action)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	digest, err := agentDigest(actionHash(payload, nonce, nil), true)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	raw, err := signatureBytes(sig)
	if err != nil {
		t.Fatalf("signature bytes: %v", err)
	}
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), got.Hex())
	}
}

func TestSignClassTransferFillsChain(t *testing.T) {
	signer, err := NewSigner("0x"+testKey, false)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	action := usdClassTransferAction{Type: "usdClassTransfer", Amount: "10", ToPerp: true, Nonce: 1}
	if _, err := signer.SignClassTransfer(&action); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if action.HyperliquidChain != "Testnet" || action.SignatureChainID != signatureChainID {
		t.Fatalf("unexpected chain fields %+v", action)
	}
}

func signatureBytes(sig signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errors.New("unexpected signature length")
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errors.New("unexpected signature v")
	}
	out := append(append([]byte{}, r...), s...)
	return append(out, byte(v)), nil
}
