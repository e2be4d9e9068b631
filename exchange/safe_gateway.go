package exchange

import (
	"context"
	"time"

	"auto_ibkr_go/logs"
	"auto_ibkr_go/metrics"

	"github.com/google/uuid"
)

// SafeGateway wraps a Gateway with bounded retries on transient failures.
// Order placement is retried under a fixed client order id so a request that
// reached the venue before the connection dropped is not duplicated.
type SafeGateway struct {
	inner      Gateway
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewSafeGateway creates the wrapper. maxRetries counts attempts after the first.
func NewSafeGateway(inner Gateway, maxRetries int, backoff time.Duration) *SafeGateway {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &SafeGateway{inner: inner, maxRetries: maxRetries, backoff: backoff, sleep: sleepCtx}
}

var _ Gateway = (*SafeGateway)(nil)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails permanently or the attempts run out.
// Backoff grows linearly with the attempt number.
func (s *SafeGateway) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i <= s.maxRetries; i++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			break
		}
		if i == s.maxRetries {
			break
		}
		logs.Warnf("[Gateway] %s failed (attempt %d/%d): %v", op, i+1, s.maxRetries+1, err)
		if serr := s.sleep(ctx, time.Duration(i+1)*s.backoff); serr != nil {
			break
		}
	}
	if err != nil {
		metrics.IncGatewayError(op)
	}
	return err
}

func (s *SafeGateway) Connect(ctx context.Context) (bool, error) {
	var ok bool
	err := s.retry(ctx, OpConnect, func() error {
		var err error
		ok, err = s.inner.Connect(ctx)
		return err
	})
	return ok, err
}

func (s *SafeGateway) Disconnect() error { return s.inner.Disconnect() }

func (s *SafeGateway) Positions(ctx context.Context) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	err := s.retry(ctx, OpPositions, func() error {
		var err error
		out, err = s.inner.Positions(ctx)
		return err
	})
	return out, err
}

func (s *SafeGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	var out *OrderHandle
	err := s.retry(ctx, OpPlace, func() error {
		var err error
		out, err = s.inner.PlaceOrder(ctx, req)
		return err
	})
	if err == nil {
		metrics.IncOrder(string(req.Type), string(req.Action))
	}
	return out, err
}

// CancelOrder retries transient failures. An unknown order is reported as is.
func (s *SafeGateway) CancelOrder(ctx context.Context, order OrderHandle) error {
	return s.retry(ctx, OpCancel, func() error { return s.inner.CancelOrder(ctx, order) })
}

func (s *SafeGateway) CancelAll(ctx context.Context) error {
	return s.retry(ctx, OpCancelAll, func() error { return s.inner.CancelAll(ctx) })
}

func (s *SafeGateway) OrderStatus(ctx context.Context, order OrderHandle) (OrderStatus, error) {
	var st OrderStatus
	err := s.retry(ctx, OpStatus, func() error {
		var err error
		st, err = s.inner.OrderStatus(ctx, order)
		return err
	})
	return st, err
}

func (s *SafeGateway) OpenOrders(ctx context.Context) ([]OrderHandle, error) {
	var out []OrderHandle
	err := s.retry(ctx, OpOpenOrders, func() error {
		var err error
		out, err = s.inner.OpenOrders(ctx)
		return err
	})
	return out, err
}

func (s *SafeGateway) AccountSummary(ctx context.Context) (AccountSummary, error) {
	var out AccountSummary
	err := s.retry(ctx, OpAccount, func() error {
		var err error
		out, err = s.inner.AccountSummary(ctx)
		return err
	})
	return out, err
}
