package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-rotation-bot/internal/alerts"
	"funding-rotation-bot/internal/state"
	"funding-rotation-bot/internal/strategy"
)

type fakeOperator struct {
	recordingNotifier

	pollMu  sync.Mutex
	pending []alerts.Update
	offsets []int64
}

func (f *fakeOperator) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error) {
	f.pollMu.Lock()
	f.offsets = append(f.offsets, offset)
	batch := f.pending
	f.pending = nil
	f.pollMu.Unlock()
	if len(batch) > 0 {
		return batch, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return nil, nil
	}
}

func command(id, chat, user int64, text string) alerts.Update {
	return alerts.Update{UpdateID: id, Message: &alerts.Message{
		From: &alerts.User{ID: user, Username: "ops"},
		Chat: &alerts.Chat{ID: chat},
		Text: text,
	}}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/Audit@rotation_bot 3")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "audit" {
		t.Fatalf("expected audit, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "3" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("status"); ok {
		t.Fatalf("plain text is not a command")
	}
	if _, _, ok := parseOperatorCommand("   "); ok {
		t.Fatalf("blank text is not a command")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := operatorMeta{UserID: 1, Username: "ops", Raw: "/pause"}

	if resp := h.app.handleOperatorCommand(ctx, "pause", nil, meta); resp != "entries paused" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !h.app.isPaused() {
		t.Fatalf("expected paused")
	}
	h.clock.Advance(time.Second)
	if resp := h.app.handleOperatorCommand(ctx, "pause", nil, meta); resp != "entries already paused" {
		t.Fatalf("unexpected second pause response: %s", resp)
	}
	h.clock.Advance(time.Second)
	meta.Raw = "/resume"
	if resp := h.app.handleOperatorCommand(ctx, "resume", nil, meta); resp != "entries resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if h.app.isPaused() {
		t.Fatalf("expected resumed")
	}

	entries, err := state.RecentAudit(ctx, h.store, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 3 || entries[0].Command != "/resume" || entries[0].Result != "entries resumed" {
		t.Fatalf("unexpected audit entries %#v", entries)
	}
	resp := h.app.handleOperatorCommand(ctx, "audit", []string{"1"}, meta)
	if strings.Count(resp, "\n") != 0 || !strings.Contains(resp, "ops /resume: entries resumed") {
		t.Fatalf("unexpected audit response %q", resp)
	}
}

func TestOperatorStatus(t *testing.T) {
	h := newHarness(t)
	if err := h.app.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	status := h.app.handleOperatorCommand(context.Background(), "status", nil, operatorMeta{})
	for _, want := range []string{"phase: HOLDING", "position: ETH 3x", "best: ETH", "portfolio: $4000.00"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q:\n%s", want, status)
		}
	}
	if help := h.app.handleOperatorCommand(context.Background(), "bogus", nil, operatorMeta{}); !strings.Contains(help, "/pause") {
		t.Fatalf("expected help text, got %q", help)
	}
}

func TestOperatorLoopFiltersAndPersistsOffset(t *testing.T) {
	h := newHarness(t)
	op := &fakeOperator{pending: []alerts.Update{
		command(7, 99, 5, "/pause"),
		command(8, 12, 1, "/pause"),
		command(9, 12, 5, "/pause"),
	}}
	h.app.operator = op
	h.store.Set(context.Background(), operatorOffsetKey, "7")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.app.operatorLoop(ctx, 12, map[int64]struct{}{1: {}}, 10*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if raw, _, _ := h.store.Get(context.Background(), operatorOffsetKey); raw == "10" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if !h.app.isPaused() {
		t.Fatalf("expected allowed user in the operator chat to pause")
	}
	if msgs := op.Messages(); len(msgs) != 1 || msgs[0] != "entries paused" {
		t.Fatalf("expected one reply, got %q", msgs)
	}
	raw, _, _ := h.store.Get(context.Background(), operatorOffsetKey)
	if raw != "10" {
		t.Fatalf("expected offset 10, got %q", raw)
	}
	op.pollMu.Lock()
	first := op.offsets[0]
	op.pollMu.Unlock()
	if first != 7 {
		t.Fatalf("expected loop to resume from stored offset 7, got %d", first)
	}
	if h.app.machine.Snapshot().Phase != strategy.PhaseNoPosition {
		t.Fatalf("operator commands must not change the strategy phase")
	}
}
