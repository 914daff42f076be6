package execution

import (
	"context"

	"trades-desk/internal/gateway"
	"trades-desk/internal/order"
)

// Submitter 抽象括号单提交，方便在上层替换为模拟实现。
type Submitter interface {
	Submit(ctx context.Context, sets []order.BracketOrderSet) (Result, error)
	SubmitAsync(ctx context.Context, sets []order.BracketOrderSet) <-chan Outcome
	Cancel(ctx context.Context, orderID string) (gateway.Ack, error)
	OrderStatus(ctx context.Context, orderID string) (gateway.OrderInfo, error)
	ActiveOrders(ctx context.Context) ([]gateway.OrderInfo, error)
}

var _ Submitter = (*Coordinator)(nil)
