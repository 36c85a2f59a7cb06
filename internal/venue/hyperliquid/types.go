package hyperliquid

import "encoding/json"

type Tif string

const (
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

// Field order below is the signing order; msgpack keeps struct order.

type limitType struct {
	Tif Tif `json:"tif" msgpack:"tif"`
}

type orderType struct {
	Limit *limitType `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

type orderWire struct {
	Asset      int       `json:"a" msgpack:"a"`
	IsBuy      bool      `json:"b" msgpack:"b"`
	Price      string    `json:"p" msgpack:"p"`
	Size       string    `json:"s" msgpack:"s"`
	ReduceOnly bool      `json:"r" msgpack:"r"`
	OrderType  orderType `json:"t" msgpack:"t"`
	Cloid      string    `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type updateLeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

type usdClassTransferAction struct {
	Type             string `json:"type"`
	SignatureChainID string `json:"signatureChainId"`
	HyperliquidChain string `json:"hyperliquidChain"`
	Amount           string `json:"amount"`
	ToPerp           bool   `json:"toPerp"`
	Nonce            uint64 `json:"nonce"`
}

type signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type signedAction struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

type orderStatus struct {
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Error string `json:"error"`
}

// Info payloads. Numbers arrive as decimal strings.

type perpUniverse struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int    `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
		IsDelisted  bool   `json:"isDelisted"`
	} `json:"universe"`
}

type perpAssetCtx struct {
	DayNtlVlm string  `json:"dayNtlVlm"`
	Funding   string  `json:"funding"`
	MarkPx    string  `json:"markPx"`
	MidPx     *string `json:"midPx"`
	OraclePx  string  `json:"oraclePx"`
}

type spotUniverse struct {
	Tokens []struct {
		Name       string `json:"name"`
		Index      int    `json:"index"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"tokens"`
	Universe []struct {
		Name   string `json:"name"`
		Tokens []int  `json:"tokens"`
		Index  int    `json:"index"`
	} `json:"universe"`
}

type spotAssetCtx struct {
	Coin      string  `json:"coin"`
	DayNtlVlm string  `json:"dayNtlVlm"`
	MarkPx    string  `json:"markPx"`
	MidPx     *string `json:"midPx"`
}

type fundingSample struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Time        int64  `json:"time"`
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string        `json:"coin"`
	Levels [][]bookLevel `json:"levels"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"`
			EntryPx  string `json:"entryPx"`
			Leverage struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
			PositionValue string `json:"positionValue"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

type spotClearinghouseState struct {
	Balances []struct {
		Coin     string `json:"coin"`
		Total    string `json:"total"`
		Hold     string `json:"hold"`
		EntryNtl string `json:"entryNtl"`
	} `json:"balances"`
}

type userFundingEntry struct {
	Time  int64 `json:"time"`
	Delta struct {
		Type        string `json:"type"`
		Coin        string `json:"coin"`
		USDC        string `json:"usdc"`
		FundingRate string `json:"fundingRate"`
	} `json:"delta"`
}
