package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const AuditKeyPrefix = "ops:audit:"

type AuditEntry struct {
	At       time.Time `json:"at"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Command  string    `json:"command"`
	Result   string    `json:"result"`
}

func auditKey(at time.Time) string {
	return fmt.Sprintf("%s%020d", AuditKeyPrefix, at.UTC().UnixNano())
}

func AppendAudit(ctx context.Context, store Store, entry AuditEntry) error {
	if store == nil {
		return nil
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return store.Set(ctx, auditKey(entry.At), string(payload))
}

// RecentAudit returns up to limit entries, newest first. Stores that cannot
// list keys yield nothing.
func RecentAudit(ctx context.Context, store Store, limit int) ([]AuditEntry, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, nil
	}
	keys, err := lister.Keys(ctx, AuditKeyPrefix)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]AuditEntry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
