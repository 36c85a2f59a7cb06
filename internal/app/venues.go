package app

import (
	"context"
	"fmt"
	"strings"

	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/venue"
	"funding-rotation-bot/internal/venue/hyperliquid"

	"go.uber.org/zap"
)

// Markets are the two legs of the hedge plus the shared feed behind them.
type Markets struct {
	Unlevered venue.Market
	Levered   venue.Market
	Stream    *hyperliquid.Stream
	// Exchange is nil when no signing key is configured.
	Exchange *hyperliquid.Exchange
}

func (m *Markets) ReadOnly() bool {
	return m.Exchange == nil
}

// BuildMarkets wires the Hyperliquid spot wallet as the unleveraged leg and
// the perp wallet as the leveraged leg. Both legs share one gate. nonces may
// be nil.
func BuildMarkets(ctx context.Context, cfg *config.Config, nonces hyperliquid.NonceStore, log *zap.Logger) (*Markets, error) {
	if log == nil {
		log = zap.NewNop()
	}
	info := hyperliquid.NewClient(cfg.Venue.BaseURL, cfg.Venue.Timeout, log)
	stream := hyperliquid.NewStream(cfg.Venue.WSURL, cfg.Venue.ReconnectDelay, cfg.Venue.PingInterval, log)

	var ex *hyperliquid.Exchange
	if key := strings.TrimSpace(cfg.Venue.PrivateKey); key != "" {
		mainnet := !strings.Contains(strings.ToLower(cfg.Venue.BaseURL), "testnet")
		signer, err := hyperliquid.NewSigner(key, mainnet)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		wallet := strings.TrimSpace(cfg.Venue.WalletAddress)
		if wallet != "" && !strings.EqualFold(wallet, signer.Address().Hex()) {
			return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", wallet, signer.Address().Hex())
		}
		ex, err = hyperliquid.NewExchange(cfg.Venue.BaseURL, cfg.Venue.Timeout, signer, cfg.Venue.VaultAddress, log)
		if err != nil {
			return nil, err
		}
		if nonces != nil {
			if err := ex.InitNonceStore(ctx, nonces); err != nil {
				log.Warn("nonce store init failed", zap.Error(err))
			}
		}
	}

	user := strings.TrimSpace(cfg.Venue.AccountAddress)
	if v := strings.TrimSpace(cfg.Venue.VaultAddress); v != "" {
		user = v
	}
	if user == "" && ex != nil {
		user = ex.Address().Hex()
	}
	if user == "" {
		log.Warn("no account address configured, only market data is available")
	}

	acct := hyperliquid.NewAccount(info, ex, stream, hyperliquid.Options{
		User:         user,
		QuoteAsset:   cfg.Venue.QuoteAsset,
		TakerFeeRate: cfg.Execution.TakerFeeRate,
	}, log)
	gate := venue.NewGate(cfg.Gate.MaxInFlight, cfg.Gate.RatePerSecond, cfg.Gate.Burst)
	policies := PoliciesFromConfig(cfg.Gate)
	log.Info("venue markets ready",
		zap.String("venue", hyperliquid.VenueName),
		zap.String("user", user),
		zap.Bool("read_only", ex == nil),
	)
	return &Markets{
		Unlevered: venue.Guard(acct.Spot(), gate, policies, log),
		Levered:   venue.Guard(acct.Perp(), gate, policies, log),
		Stream:    stream,
		Exchange:  ex,
	}, nil
}

func PoliciesFromConfig(cfg config.GateConfig) venue.Policies {
	policy := func(attempts int) venue.RetryPolicy {
		return venue.RetryPolicy{
			Attempts: attempts,
			Initial:  cfg.InitialBackoff,
			Max:      cfg.MaxBackoff,
			Factor:   2,
			Jitter:   0.25,
		}
	}
	return venue.Policies{
		MarketData: policy(cfg.MarketDataRetries),
		Account:    policy(cfg.AccountRetries),
		Order:      policy(cfg.OrderRetries),
		Timeout:    cfg.CallTimeout,
	}
}

func walletOf(kind venue.Kind) venue.Wallet {
	if kind == venue.KindSpot {
		return venue.WalletSpot
	}
	return venue.WalletPerp
}
