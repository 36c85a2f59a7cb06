package sqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "strategy:state", `{"phase":"HOLDING"}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "strategy:state", `{"phase":"CLOSING"}`); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "strategy:state")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != `{"phase":"CLOSING"}` {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "strategy:state"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "strategy:state")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, k := range []string{"ops:audit:2", "ops:audit:1", "ops:auditx", "order:abc", "strategy:state"} {
		if err := store.Set(ctx, k, "v"); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := store.Keys(ctx, "ops:audit:")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	want := []string{"ops:audit:1", "ops:audit:2"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	val, ok, err := store.Get(context.Background(), "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", val, ok, err)
	}
}
