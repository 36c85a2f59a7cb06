package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding-rotation-bot/internal/venue"
	"funding-rotation-bot/internal/venue/venuetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicies() venue.Policies {
	quick := func(n int) venue.RetryPolicy {
		return venue.RetryPolicy{Attempts: n, Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	}
	return venue.Policies{MarketData: quick(5), Account: quick(3), Order: quick(2), Timeout: time.Second}
}

func TestGuardRetriesMarketDataWithinBudget(t *testing.T) {
	inner := venuetest.New("fake", venue.KindPerp)
	inner.List(venue.Instrument{Symbol: "ETH"}, 1e9, venue.FundingRates{Current: 0.0001}, venue.Quote{Bid: 99, Ask: 101})
	inner.FailNext("quote", venue.ErrTransient, venue.RateLimited(errors.New("429")))
	g := venue.Guard(inner, venue.NewGate(2, 0, 1), fastPolicies(), nil)

	q, err := g.BestBidAsk(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Mid())
	assert.Equal(t, 3, inner.Calls("quote"))
}

func TestGuardOrderBudgetIsSmaller(t *testing.T) {
	inner := venuetest.New("fake", venue.KindPerp)
	inner.FailNext("place_order", venue.ErrTransient, venue.ErrTransient, venue.ErrTransient)
	g := venue.Guard(inner, nil, fastPolicies(), nil)

	_, err := g.PlaceOrder(context.Background(), venue.OrderRequest{Symbol: "ETH", Side: venue.Buy, Size: 1, Price: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, venue.ErrTransient)
	assert.Equal(t, 2, inner.Calls("place_order"))
}

func TestGuardDoesNotRetryRejections(t *testing.T) {
	inner := venuetest.New("fake", venue.KindPerp)
	inner.FailNext("positions", venue.ErrRejected)
	g := venue.Guard(inner, nil, fastPolicies(), nil)

	_, err := g.Positions(context.Background())
	require.ErrorIs(t, err, venue.ErrRejected)
	assert.Equal(t, 1, inner.Calls("positions"))
}

func TestGuardPassesThroughIdentity(t *testing.T) {
	inner := venuetest.New("alpha", venue.KindSpot)
	g := venue.Guard(inner, nil, fastPolicies(), nil)
	assert.Equal(t, "alpha", g.Venue())
	assert.Equal(t, venue.KindSpot, g.Kind())
	assert.Same(t, inner, g.Unwrap())
	assert.True(t, venue.SameVenue(g, inner))
}
