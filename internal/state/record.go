package state

import (
	"context"
	"encoding/json"
	"strings"

	"funding-rotation-bot/internal/strategy"
)

const StrategyStateKey = "strategy:state"

// LoadRecord reports ok=false when nothing has been persisted yet.
func LoadRecord(ctx context.Context, store Store) (strategy.Record, bool, error) {
	if store == nil {
		return strategy.NewRecord(), false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, StrategyStateKey)
	if err != nil {
		return strategy.Record{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return strategy.NewRecord(), false, nil
	}
	var rec strategy.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return strategy.Record{}, false, err
	}
	if rec.Phase == "" {
		rec.Phase = strategy.PhaseNoPosition
	}
	return rec, true, nil
}

func SaveRecord(ctx context.Context, store Store, rec strategy.Record) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, StrategyStateKey, string(payload))
}
