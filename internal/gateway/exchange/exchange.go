package exchange

import (
	"context"
	"errors"
	"fmt"

	"helmsman/internal/market"
	"helmsman/internal/types"
)

// Gateway 是下单与查询能力。实现方负责把交易所回包转换为上面的类型。
type Gateway interface {
	Name() string

	OpenLong(ctx context.Context, req OpenRequest) (OpenResult, error)
	OpenShort(ctx context.Context, req OpenRequest) (OpenResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error)

	GetAccountBalance(ctx context.Context) (Balance, error)
	// GetPosition 在交易所无持仓时返回 nil, nil。
	GetPosition(ctx context.Context, symbol string) (*PositionSnapshot, error)
	GetOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error)

	market.Source
}

// Open 按方向分派到 OpenLong / OpenShort。
func Open(ctx context.Context, g Gateway, dir types.Direction, req OpenRequest) (OpenResult, error) {
	switch dir {
	case types.DirectionLong:
		return g.OpenLong(ctx, req)
	case types.DirectionShort:
		return g.OpenShort(ctx, req)
	default:
		return OpenResult{Status: StatusRejected}, fmt.Errorf("%w: direction %q is not tradable", ErrRejected, dir)
	}
}

// Retryable 判断错误是否值得重试。
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBusy)
}

// Business 表示交易所明确拒绝的业务错误，不计入熔断。
func Business(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrNoPosition)
}
