package exchange

import (
	"context"
	"fmt"
	"time"
)

// ConfirmFill 轮询订单直到进入终态或超时。超时返回最后一次观察到的状态与 ErrFillTimeout。
func ConfirmFill(ctx context.Context, g Gateway, symbol, orderID string, timeout, poll time.Duration) (OrderStatus, error) {
	if orderID == "" {
		return OrderStatus{Status: StatusUnknown}, fmt.Errorf("confirm fill: empty order id")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	last := OrderStatus{OrderID: orderID, Status: StatusUnknown}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		st, err := g.GetOrder(ctx, symbol, orderID)
		if err == nil {
			last = st
			if st.Status.Final() {
				if st.Status != StatusFilled {
					return st, fmt.Errorf("%w: order %s ended %s", ErrRejected, orderID, st.Status)
				}
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: order %s last status %s", ErrFillTimeout, orderID, last.Status)
		case <-ticker.C:
		}
	}
}
