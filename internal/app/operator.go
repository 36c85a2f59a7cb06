package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funding-rotation-bot/internal/alerts"
	"funding-rotation-bot/internal/state"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UserID   int64
	Username string
	Raw      string
}

func (a *App) startOperator(ctx context.Context) {
	if a.operator == nil || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for ctx.Err() == nil {
		updates, err := a.operator.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		a.operatorRecovered()
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{UserID: msg.From.ID, Username: msg.From.Username, Raw: msg.Text}
	resp := a.handleOperatorCommand(ctx, cmd, args, meta)
	if resp == "" {
		return
	}
	if err := a.operator.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		before := a.isPaused()
		a.setPaused(true)
		result := "entries paused"
		if before {
			result = "entries already paused"
		}
		a.audit(ctx, meta, result)
		return result
	case "resume":
		before := a.isPaused()
		a.setPaused(false)
		result := "entries resumed"
		if !before {
			result = "entries already active"
		}
		a.audit(ctx, meta, result)
		return result
	case "audit":
		return a.operatorAudit(ctx, args)
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus() string {
	rec := a.machine.Snapshot()
	a.opsMu.RLock()
	scan, scanAt, view, paused := a.lastScan, a.lastScanAt, a.portfolio, a.paused
	a.opsMu.RUnlock()

	lines := []string{
		fmt.Sprintf("phase: %s", rec.Phase),
		fmt.Sprintf("paused: %t", paused),
	}
	if p := rec.Position; p != nil {
		lines = append(lines,
			fmt.Sprintf("position: %s %dx qty %.6g / %.6g", p.Instrument, p.Leverage, p.Unlevered.Quantity, p.Levered.Quantity),
			fmt.Sprintf("held: %s", p.Age(a.now()).Round(time.Minute)),
			fmt.Sprintf("apr: entry %.2f%% current %.2f%%", p.EntryAPR, p.CurrentAPR),
			fmt.Sprintf("funding: $%.2f pnl: $%.2f", p.FundingReceived, p.PnL),
		)
	}
	if rec.LastError != "" {
		lines = append(lines, "last_error: "+rec.LastError)
	}
	if best, ok := scan.Best(); ok {
		lines = append(lines, fmt.Sprintf("best: %s %.2f%% (scanned %s)", best.Instrument, best.StabilizedAPR, scanAt.UTC().Format(time.RFC3339)))
	} else if !scanAt.IsZero() {
		lines = append(lines, "best: none eligible")
	}
	lines = append(lines,
		fmt.Sprintf("portfolio: $%.2f pnl $%.2f", view.Value, view.PnL),
		fmt.Sprintf("cycles: %d completed: %d realized: $%.2f", rec.Cycles, rec.CompletedCycles, rec.RealizedPnL),
	)
	return strings.Join(lines, "\n")
}

func (a *App) operatorAudit(ctx context.Context, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}
	entries, err := state.RecentAudit(ctx, a.store, limit)
	if err != nil {
		return fmt.Sprintf("audit unavailable: %v", err)
	}
	if len(entries) == 0 {
		return "no operator actions recorded"
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		who := e.Username
		if who == "" {
			who = strconv.FormatInt(e.UserID, 10)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s: %s", e.At.UTC().Format(time.RFC3339), who, e.Command, e.Result))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - phase, position and best opportunity",
		"/pause - stop opening new positions",
		"/resume - allow new positions again",
		"/audit [n] - last operator actions",
	}, "\n")
}

func (a *App) setPaused(paused bool) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
}

func (a *App) logOperatorError(err error) {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if !warned {
		a.log.Warn("telegram operator failed", zap.Error(err))
	}
}

func (a *App) operatorRecovered() {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = false
	a.opsMu.Unlock()
	if warned {
		a.log.Info("telegram operator recovered")
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset persist failed", zap.Error(err))
	}
}

func (a *App) audit(ctx context.Context, meta operatorMeta, result string) {
	err := state.AppendAudit(ctx, a.store, state.AuditEntry{
		At:       a.now().UTC(),
		UserID:   meta.UserID,
		Username: meta.Username,
		Command:  meta.Raw,
		Result:   result,
	})
	if err != nil {
		a.log.Warn("operator audit persist failed", zap.Error(err))
	}
}
