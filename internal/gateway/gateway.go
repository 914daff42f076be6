package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"trades-desk/internal/order"
)

var (
	// ErrUnavailable 表示券商不可达或返回了无法解释的响应，属于基础设施故障。
	ErrUnavailable = errors.New("gateway: 券商不可用")
	// ErrUnknownOrder 表示撤单或查询时找不到对应委托。
	ErrUnknownOrder = errors.New("gateway: 未知委托")
)

// AckStatus 为券商对单腿的确认结果。
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
)

// Ack 为券商回执。Staged 为 true 表示该腿仅在本地暂存、等待同组的发送腿，尚未到达券商。
// 发送腿的回执只反映其所在组；Groups 列出本次随发送腿一起提交的每一组结果，返回 error 时同样有效。
type Ack struct {
	OrderID string        `json:"order_id"`
	Status  AckStatus     `json:"status"`
	Reason  string        `json:"reason,omitempty"`
	Staged  bool          `json:"staged"`
	Groups  []GroupResult `json:"groups,omitempty"`
}

// Accepted 判断是否被接受。
func (a Ack) Accepted() bool {
	return a.Status == AckAccepted
}

// GroupResult 为一组括号单提交到券商后的结果。Err 非空表示基础设施故障，券商侧状态未知。
type GroupResult struct {
	OCAGroup string            `json:"oca_group"`
	Status   AckStatus         `json:"status,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	OrderIDs map[string]string `json:"order_ids,omitempty"` // leg ref -> broker id
	Err      error             `json:"-"`
}

// OrderState 为归一化后的委托状态。
type OrderState string

const (
	OrderStaged          OrderState = "staged"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
	OrderUnknown         OrderState = "unknown"
)

// Active 判断委托是否仍可能成交。
func (s OrderState) Active() bool {
	switch s {
	case OrderStaged, OrderOpen, OrderPartiallyFilled:
		return true
	}
	return false
}

// OrderInfo 为委托查询结果，用于提交后的人工核对。
type OrderInfo struct {
	OrderID      string          `json:"order_id"`
	ClientRef    string          `json:"client_ref,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side,omitempty"`
	Type         string          `json:"type,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Filled       decimal.Decimal `json:"filled"`
	Price        decimal.Decimal `json:"price"`
	State        OrderState      `json:"state"`
	BrokerStatus string          `json:"broker_status,omitempty"`
}

// Gateway 抽象券商下单、撤单与委托查询。返回 error 代表基础设施故障，业务拒绝通过 Ack 表达。
type Gateway interface {
	Name() string
	PlaceOrder(ctx context.Context, leg order.OrderLeg) (Ack, error)
	CancelOrder(ctx context.Context, orderID string) (Ack, error)
	OrderStatus(ctx context.Context, orderID string) (OrderInfo, error)
	ActiveOrders(ctx context.Context) ([]OrderInfo, error)
}

// RejectError 表示券商明确拒绝了委托。
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "gateway: 券商拒单: " + e.Reason
}

func rejected(reason string) Ack {
	return Ack{Status: AckRejected, Reason: reason}
}
