package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func px(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stopReq(symbol string, action Action, qty int64, price string) OrderRequest {
	return OrderRequest{Instrument: NewStock(symbol), Action: action, Quantity: qty, Type: Stop, Price: px(price)}
}

func TestMockStopEntriesFillAsPriceRises(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.SetPrice("AAPL", px("99.50"))

	for _, level := range []string{"100", "101", "102"} {
		_, err := c.PlaceOrder(ctx, stopReq("AAPL", Buy, 10, level))
		require.NoError(t, err)
	}
	open, err := c.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	c.SetPrice("AAPL", px("101.20"))
	positions, err := c.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(20), positions[0].Quantity)

	summary, err := c.AccountSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TradeCount)
}

func TestMockMarketOrderClosesPosition(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.SetPosition("TSLA", -5, px("200"))
	c.SetPrice("TSLA", px("190"))

	h, err := c.PlaceOrder(ctx, OrderRequest{Instrument: NewStock("TSLA"), Action: Buy, Quantity: 5, Type: Market})
	require.NoError(t, err)
	assert.Equal(t, Filled, h.Status)

	positions, err := c.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	summary, err := c.AccountSummary(ctx)
	require.NoError(t, err)
	assert.True(t, summary.RealizedPnL.Equal(px("50")), summary.RealizedPnL.String())
}

func TestMockCancelAckDelay(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.SetCancelAckDelay(2)

	h, err := c.PlaceOrder(ctx, stopReq("AAPL", Sell, 10, "95"))
	require.NoError(t, err)
	require.NoError(t, c.CancelOrder(ctx, *h))

	st, err := c.OrderStatus(ctx, *h)
	require.NoError(t, err)
	assert.Equal(t, Working, st)

	st, err = c.OrderStatus(ctx, *h)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, st)

	// Cancelling a terminal order is a no-op.
	assert.NoError(t, c.CancelOrder(ctx, *h))
}

func TestMockFillDuringPendingCancel(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.SetCancelAckDelay(5)

	h, err := c.PlaceOrder(ctx, stopReq("AAPL", Sell, 10, "95"))
	require.NoError(t, err)
	require.NoError(t, c.CancelOrder(ctx, *h))
	c.SetPrice("AAPL", px("94"))

	st, err := c.OrderStatus(ctx, *h)
	require.NoError(t, err)
	assert.Equal(t, Filled, st)
}

func TestMockClientIDDedupe(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	req := stopReq("AAPL", Buy, 10, "100")
	req.ClientID = "abc"

	first, err := c.PlaceOrder(ctx, req)
	require.NoError(t, err)
	second, err := c.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, c.PlacedOrders(), 1)
}

func TestMockFaultInjectionAndRejection(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.FailNext(OpPositions, 1)

	_, err := c.Positions(ctx)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
	_, err = c.Positions(ctx)
	assert.NoError(t, err)

	_, err = c.PlaceOrder(ctx, OrderRequest{Instrument: NewStock("AAPL"), Action: Buy, Quantity: 0, Type: Market})
	assert.True(t, errors.Is(err, ErrOrderRejected))

	require.NoError(t, c.Disconnect())
	_, err = c.OpenOrders(ctx)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestMockHeldMarketFills(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.SetPosition("AAPL", 10, px("100"))
	c.HoldMarketFills(true)

	h, err := c.PlaceOrder(ctx, OrderRequest{Instrument: NewStock("AAPL"), Action: Sell, Quantity: 10, Type: Market})
	require.NoError(t, err)
	assert.Equal(t, Working, h.Status)

	c.ReleaseMarketFills()
	st, err := c.OrderStatus(ctx, *h)
	require.NoError(t, err)
	assert.Equal(t, Filled, st)
}

func TestMockOverrides(t *testing.T) {
	ctx := context.Background()
	c := NewMockClient()
	c.SetRealizedPnL(px("-250"))
	c.SetTradeCount(21)

	summary, err := c.AccountSummary(ctx)
	require.NoError(t, err)
	assert.True(t, summary.RealizedPnL.Equal(px("-250")))
	assert.Equal(t, 21, summary.TradeCount)
}
