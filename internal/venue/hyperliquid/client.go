// Package hyperliquid adapts the Hyperliquid spot and perpetual markets to
// venue.Market. Info responses are decoded into typed records here so the
// engine never sees raw payloads.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	VenueName      = "hyperliquid"
	DefaultBaseURL = "https://api.hyperliquid.xyz"
)

// Client talks to the /info endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	Coin      string `json:"coin,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
}

func (c *Client) info(ctx context.Context, req infoRequest, out any) error {
	return postJSON(ctx, c.http, c.baseURL+"/info", req, out)
}

func (c *Client) PerpMeta(ctx context.Context) (perpUniverse, []perpAssetCtx, error) {
	var raw []json.RawMessage
	if err := c.info(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return perpUniverse{}, nil, err
	}
	if len(raw) != 2 {
		return perpUniverse{}, nil, venue.DataUnavailable("metaAndAssetCtxs: expected 2 elements, got %d", len(raw))
	}
	var meta perpUniverse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return perpUniverse{}, nil, fmt.Errorf("decode perp meta: %w", err)
	}
	var ctxs []perpAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return perpUniverse{}, nil, fmt.Errorf("decode perp contexts: %w", err)
	}
	return meta, ctxs, nil
}

func (c *Client) SpotMeta(ctx context.Context) (spotUniverse, []spotAssetCtx, error) {
	var raw []json.RawMessage
	if err := c.info(ctx, infoRequest{Type: "spotMetaAndAssetCtxs"}, &raw); err != nil {
		return spotUniverse{}, nil, err
	}
	if len(raw) != 2 {
		return spotUniverse{}, nil, venue.DataUnavailable("spotMetaAndAssetCtxs: expected 2 elements, got %d", len(raw))
	}
	var meta spotUniverse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return spotUniverse{}, nil, fmt.Errorf("decode spot meta: %w", err)
	}
	var ctxs []spotAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return spotUniverse{}, nil, fmt.Errorf("decode spot contexts: %w", err)
	}
	return meta, ctxs, nil
}

func (c *Client) FundingHistory(ctx context.Context, coin string, since time.Time) ([]fundingSample, error) {
	var out []fundingSample
	err := c.info(ctx, infoRequest{Type: "fundingHistory", Coin: coin, StartTime: since.UnixMilli()}, &out)
	return out, err
}

func (c *Client) L2Book(ctx context.Context, coin string) (l2Book, error) {
	var out l2Book
	err := c.info(ctx, infoRequest{Type: "l2Book", Coin: coin}, &out)
	return out, err
}

func (c *Client) AllMids(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.info(ctx, infoRequest{Type: "allMids"}, &out)
	return out, err
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (clearinghouseState, error) {
	var out clearinghouseState
	err := c.info(ctx, infoRequest{Type: "clearinghouseState", User: user}, &out)
	return out, err
}

func (c *Client) SpotClearinghouseState(ctx context.Context, user string) (spotClearinghouseState, error) {
	var out spotClearinghouseState
	err := c.info(ctx, infoRequest{Type: "spotClearinghouseState", User: user}, &out)
	return out, err
}

func (c *Client) UserFunding(ctx context.Context, user string, since time.Time) ([]userFundingEntry, error) {
	var out []userFundingEntry
	err := c.info(ctx, infoRequest{Type: "userFunding", User: user, StartTime: since.UnixMilli()}, &out)
	return out, err
}

// postJSON maps transport failures onto the venue error taxonomy so the
// guard can decide whether to retry.
func postJSON(ctx context.Context, client *http.Client, url string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return venue.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if cerr := venue.Classify(resp.StatusCode, string(body)); cerr != nil {
			return cerr
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
