package exec

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"funding-rotation-bot/internal/state"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

const orderKeyPrefix = "order:"

// Executor places single orders. A client order id that already produced a
// fill returns that fill instead of reaching the venue again, including
// across restarts when a store is configured.
type Executor struct {
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]venue.Fill
}

func NewExecutor(store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		store: store,
		log:   log,
		cache: make(map[string]venue.Fill),
	}
}

func (e *Executor) Place(ctx context.Context, m venue.Market, req venue.OrderRequest) (venue.Fill, error) {
	if req.ClientOrderID == "" {
		return m.PlaceOrder(ctx, req)
	}
	cacheKey := orderKeyPrefix + m.Venue() + ":" + req.ClientOrderID
	e.mu.Lock()
	if fill, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return fill, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		raw, ok, err := e.store.Get(ctx, cacheKey)
		if err != nil {
			return venue.Fill{}, err
		}
		if ok {
			var fill venue.Fill
			if err := json.Unmarshal([]byte(raw), &fill); err != nil {
				return venue.Fill{}, err
			}
			e.remember(cacheKey, fill)
			return fill, nil
		}
	}
	fill, err := m.PlaceOrder(ctx, req)
	if err != nil {
		return venue.Fill{}, err
	}
	if fill.FilledSize <= 0 {
		return venue.Fill{}, errors.New("order returned without a fill")
	}
	if e.store != nil {
		payload, _ := json.Marshal(fill)
		if err := e.store.Set(ctx, cacheKey, string(payload)); err != nil {
			e.log.Warn("failed to persist order fill", zap.String("cloid", req.ClientOrderID), zap.Error(err))
		}
	}
	e.remember(cacheKey, fill)
	return fill, nil
}

func (e *Executor) remember(key string, fill venue.Fill) {
	e.mu.Lock()
	e.cache[key] = fill
	e.mu.Unlock()
}
