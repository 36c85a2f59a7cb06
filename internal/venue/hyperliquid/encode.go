package hyperliquid

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeAction produces the msgpack bytes that L1 action hashes are taken
// over. Ints must be packed in their smallest form to match the venue.
func encodeAction(action any) ([]byte, error) {
	switch a := action.(type) {
	case orderAction:
		if len(a.Orders) == 0 {
			return nil, errors.New("order action without orders")
		}
		for _, o := range a.Orders {
			if o.OrderType.Limit == nil {
				return nil, errors.New("limit order type required")
			}
		}
	case updateLeverageAction:
		if a.Leverage < 1 {
			return nil, fmt.Errorf("leverage %d must be >= 1", a.Leverage)
		}
	default:
		return nil, fmt.Errorf("unsupported action %T", action)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func limitOrder(asset int, isBuy bool, size, price float64, reduceOnly bool, cloid string) (orderWire, error) {
	px, err := floatToWire(price)
	if err != nil {
		return orderWire{}, fmt.Errorf("price: %w", err)
	}
	sz, err := floatToWire(size)
	if err != nil {
		return orderWire{}, fmt.Errorf("size: %w", err)
	}
	return orderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      px,
		Size:       sz,
		ReduceOnly: reduceOnly,
		OrderType:  orderType{Limit: &limitType{Tif: TifIoc}},
		Cloid:      cloid,
	}, nil
}

// floatToWire renders x with at most 8 decimals and no trailing zeros. Values
// that cannot be represented that way are rejected rather than silently
// rounded.
func floatToWire(x float64) (string, error) {
	rounded := strconv.FormatFloat(x, 'f', 8, 64)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("%v is not representable with 8 decimals", x)
	}
	out := strings.TrimRight(strings.TrimRight(rounded, "0"), ".")
	if out == "" || out == "-0" {
		out = "0"
	}
	return out, nil
}

// cloidFromID converts a UUID client id into the 16-byte hex form the venue
// accepts. Ids that are already 0x-prefixed pass through.
func cloidFromID(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if strings.HasPrefix(id, "0x") {
		if len(id) != 34 {
			return "", fmt.Errorf("cloid %q must be 16 bytes", id)
		}
		return strings.ToLower(id), nil
	}
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) != 32 {
		return "", fmt.Errorf("client order id %q must be a uuid", id)
	}
	return "0x" + strings.ToLower(hex), nil
}
