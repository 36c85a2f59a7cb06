package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding-rotation-bot/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// NonceStore persists the last used nonce so restarts never reuse one.
type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Exchange signs and posts actions to the /exchange endpoint.
type Exchange struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	vault   *common.Address
	log     *zap.Logger

	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	persistMu     sync.Mutex
	persistWarned atomic.Bool
	nonceStore    NonceStore
	nonceKey      string
}

func NewExchange(baseURL string, timeout time.Duration, signer *Signer, vaultAddress string, log *zap.Logger) (*Exchange, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	var vault *common.Address
	if v := strings.TrimSpace(vaultAddress); v != "" {
		addr := common.HexToAddress(v)
		vault = &addr
	}
	return &Exchange{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		vault:   vault,
		log:     log,
	}, nil
}

func (e *Exchange) Address() common.Address { return e.signer.Address() }

// Order submits a single IOC limit order and reports what filled.
func (e *Exchange) Order(ctx context.Context, order orderWire) (venue.Fill, error) {
	action := orderAction{Type: "order", Orders: []orderWire{order}, Grouping: "na"}
	nonce := e.nextNonce()
	sig, err := e.signer.SignL1(action, nonce, e.vault)
	if err != nil {
		return venue.Fill{}, err
	}
	raw, err := e.post(ctx, action, sig, nonce, true)
	if err != nil {
		return venue.Fill{}, err
	}
	return parseOrderResponse(raw)
}

func (e *Exchange) UpdateLeverage(ctx context.Context, asset, leverage int) error {
	action := updateLeverageAction{Type: "updateLeverage", Asset: asset, IsCross: true, Leverage: leverage}
	nonce := e.nextNonce()
	sig, err := e.signer.SignL1(action, nonce, e.vault)
	if err != nil {
		return err
	}
	_, err = e.post(ctx, action, sig, nonce, true)
	return err
}

func (e *Exchange) ClassTransfer(ctx context.Context, amount float64, toPerp bool) error {
	if amount <= 0 {
		return errors.New("transfer amount must be > 0")
	}
	amountStr := strconv.FormatFloat(amount, 'f', -1, 64)
	if e.vault != nil {
		amountStr += " subaccount:" + e.vault.Hex()
	}
	action := usdClassTransferAction{
		Type:   "usdClassTransfer",
		Amount: amountStr,
		ToPerp: toPerp,
		Nonce:  e.nextNonce(),
	}
	sig, err := e.signer.SignClassTransfer(&action)
	if err != nil {
		return err
	}
	_, err = e.post(ctx, action, sig, action.Nonce, false)
	return err
}

func (e *Exchange) post(ctx context.Context, action any, sig signature, nonce uint64, withVault bool) (json.RawMessage, error) {
	var vault *string
	if withVault && e.vault != nil {
		addr := e.vault.Hex()
		vault = &addr
	}
	body := signedAction{Action: action, Nonce: nonce, Signature: sig, VaultAddress: vault}
	var resp exchangeResponse
	if err := postJSON(ctx, e.http, e.baseURL+"/exchange", body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		if err := venue.Classify(200, msg); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", venue.ErrRejected, msg)
	}
	return resp.Response, nil
}

func parseOrderResponse(raw json.RawMessage) (venue.Fill, error) {
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.Fill{}, fmt.Errorf("decode order response: %w", err)
	}
	if len(resp.Data.Statuses) == 0 {
		return venue.Fill{}, venue.DataUnavailable("order response without statuses")
	}
	st := resp.Data.Statuses[0]
	switch {
	case st.Error != "":
		return venue.Fill{}, fmt.Errorf("%w: %s", venue.ErrRejected, st.Error)
	case st.Filled != nil:
		size, err := parseFloat(st.Filled.TotalSz)
		if err != nil {
			return venue.Fill{}, fmt.Errorf("filled size: %w", err)
		}
		px, err := parseFloat(st.Filled.AvgPx)
		if err != nil {
			return venue.Fill{}, fmt.Errorf("filled price: %w", err)
		}
		return venue.Fill{OrderID: strconv.FormatInt(st.Filled.Oid, 10), FilledSize: size, AvgPrice: px}, nil
	case st.Resting != nil:
		return venue.Fill{OrderID: strconv.FormatInt(st.Resting.Oid, 10)}, nil
	}
	return venue.Fill{}, venue.DataUnavailable("order status has no outcome")
}

// InitNonceStore seeds the nonce from the store so that it keeps increasing
// across restarts.
func (e *Exchange) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceKey(e.baseURL, e.signer.Address(), e.vault)
	seed := uint64(time.Now().UnixMilli())
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		stored, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if stored > seed {
			seed = stored
		}
	}
	if cur := e.lastNonce.Load(); cur > seed {
		seed = cur
	}
	e.nonceStore = store
	e.nonceKey = key
	e.lastNonce.Store(seed)
	e.lastPersisted.Store(seed)
	return nil
}

func (e *Exchange) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := e.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if e.lastNonce.CompareAndSwap(prev, next) {
			e.persistNonce(next)
			return next
		}
	}
}

func (e *Exchange) persistNonce(nonce uint64) {
	if e.nonceStore == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if nonce <= e.lastPersisted.Load() {
		return
	}
	if err := e.nonceStore.Set(context.Background(), e.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if e.persistWarned.CompareAndSwap(false, true) {
			e.log.Warn("nonce persistence failed", zap.String("nonce_key", e.nonceKey), zap.Error(err))
		}
		return
	}
	e.lastPersisted.Store(nonce)
	e.persistWarned.Store(false)
}

func nonceKey(baseURL string, signer common.Address, vault *common.Address) string {
	v := "none"
	if vault != nil {
		v = strings.ToLower(vault.Hex())
	}
	return fmt.Sprintf("venue:nonce:%s:%s:%s", strings.ToLower(strings.TrimSpace(baseURL)), strings.ToLower(signer.Hex()), v)
}
