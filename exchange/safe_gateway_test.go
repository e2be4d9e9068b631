package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSafe(inner Gateway, retries int) *SafeGateway {
	s := NewSafeGateway(inner, retries, time.Millisecond)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func TestSafeGatewayRetriesTransientReads(t *testing.T) {
	mock := NewMockClient()
	mock.SetPosition("AAPL", 10, px("100"))
	mock.FailNext(OpPositions, 2)

	positions, err := newTestSafe(mock, 3).Positions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestSafeGatewayGivesUp(t *testing.T) {
	mock := NewMockClient()
	mock.FailNext(OpAccount, 5)

	_, err := newTestSafe(mock, 2).AccountSummary(context.Background())
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestSafeGatewayDoesNotRetryRejections(t *testing.T) {
	mock := NewMockClient()
	safe := newTestSafe(mock, 3)

	_, err := safe.PlaceOrder(context.Background(), OrderRequest{Instrument: NewStock("AAPL"), Action: Buy, Quantity: -1, Type: Market})
	assert.True(t, IsRejection(err))
	assert.Empty(t, mock.PlacedOrders())
}

func TestSafeGatewayAssignsStableClientID(t *testing.T) {
	mock := NewMockClient()
	mock.FailNext(OpPlace, 1)
	safe := newTestSafe(mock, 2)

	h, err := safe.PlaceOrder(context.Background(), stopReq("AAPL", Buy, 10, "100"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.ClientID)

	placed := mock.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, h.ClientID, placed[0].ClientID)
}
