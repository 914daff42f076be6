package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-desk/internal/order"
)

type alpacaOrderClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
}

const alpacaOpenOrdersLimit = 500

// Alpaca 把每组括号单作为 order_class=bracket 的单笔委托提交。
type Alpaca struct {
	client      alpacaOrderClient
	timeInForce alpaca.TimeInForce
	stage       *stager
	logger      *zap.Logger
}

var _ Gateway = (*Alpaca)(nil)

// NewAlpaca 创建 Alpaca 网关，timeInForce 为空时使用 day。
func NewAlpaca(client alpacaOrderClient, timeInForce string, logger *zap.Logger) *Alpaca {
	if logger == nil {
		logger = zap.NewNop()
	}
	tif := alpaca.Day
	if strings.EqualFold(timeInForce, "gtc") {
		tif = alpaca.GTC
	}
	g := &Alpaca{client: client, timeInForce: tif, logger: logger}
	g.stage = newStager(g, logger.With(zap.String("gateway", "alpaca")))
	return g
}

// Name 返回 "alpaca"。
func (g *Alpaca) Name() string {
	return "alpaca"
}

// PlaceOrder 暂存或提交一条腿。
func (g *Alpaca) PlaceOrder(ctx context.Context, leg order.OrderLeg) (Ack, error) {
	return g.stage.place(ctx, leg)
}

// CancelOrder 撤销委托。
func (g *Alpaca) CancelOrder(ctx context.Context, orderID string) (Ack, error) {
	return g.stage.cancel(ctx, orderID)
}

// OrderStatus 查询委托状态。
func (g *Alpaca) OrderStatus(ctx context.Context, orderID string) (OrderInfo, error) {
	return g.stage.status(ctx, orderID)
}

// ActiveOrders 返回暂存与未结束的委托，括号单子单一并展开。
func (g *Alpaca) ActiveOrders(ctx context.Context) ([]OrderInfo, error) {
	return g.stage.active(ctx)
}

func (g *Alpaca) precheck(leg order.OrderLeg) string {
	if leg.Role == order.RoleStopLoss && leg.Type != order.TypeStop {
		return "Alpaca 括号单止损腿仅支持 STOP"
	}
	return ""
}

func (g *Alpaca) submitBracket(ctx context.Context, b *bracket) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := buildAlpacaBracket(b, g.timeInForce)
	placed, err := g.client.PlaceOrder(req)
	if err != nil {
		return nil, classifyAlpacaError(err)
	}
	if placed == nil {
		return nil, fmt.Errorf("%w: 空委托响应", ErrUnavailable)
	}

	ids := map[string]string{b.parent.Ref: placed.ID}
	for _, child := range placed.Legs {
		switch child.Type {
		case alpaca.Limit:
			ids[b.take.Ref] = child.ID
		case alpaca.Stop, alpaca.StopLimit:
			ids[b.stop.Ref] = child.ID
		}
	}
	// 子单回执缺失时按父单撤销，券商会连带撤销子单。
	for _, ref := range []string{b.stop.Ref, b.take.Ref} {
		if _, ok := ids[ref]; !ok {
			ids[ref] = placed.ID
		}
	}
	return ids, nil
}

func (g *Alpaca) cancel(ctx context.Context, brokerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.client.CancelOrder(brokerID); err != nil {
		return classifyAlpacaError(err)
	}
	return nil
}

func (g *Alpaca) status(ctx context.Context, brokerID string) (OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return OrderInfo{}, err
	}
	o, err := g.client.GetOrder(brokerID)
	if err != nil {
		return OrderInfo{}, classifyAlpacaError(err)
	}
	if o == nil {
		return OrderInfo{}, fmt.Errorf("%w: 空委托响应", ErrUnavailable)
	}
	return alpacaOrderInfo(*o), nil
}

func (g *Alpaca) active(ctx context.Context) ([]OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orders, err := g.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  alpacaOpenOrdersLimit,
		Nested: true,
	})
	if err != nil {
		return nil, classifyAlpacaError(err)
	}

	var out []OrderInfo
	for _, o := range orders {
		out = append(out, alpacaOrderInfo(o))
		for _, child := range o.Legs {
			if info := alpacaOrderInfo(child); info.State.Active() {
				out = append(out, info)
			}
		}
	}
	return out, nil
}

func alpacaOrderInfo(o alpaca.Order) OrderInfo {
	info := OrderInfo{
		OrderID:      o.ID,
		ClientRef:    o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         strings.ToUpper(string(o.Side)),
		Type:         strings.ToUpper(string(o.Type)),
		Filled:       o.FilledQty,
		State:        alpacaState(o.Status, o.FilledQty),
		BrokerStatus: o.Status,
	}
	if o.Qty != nil {
		info.Quantity = *o.Qty
	}
	switch {
	case o.LimitPrice != nil:
		info.Price = *o.LimitPrice
	case o.StopPrice != nil:
		info.Price = *o.StopPrice
	}
	return info
}

// alpacaState 把 Alpaca 委托状态归一化；子单在父单成交前处于 held，视为挂单中。
func alpacaState(status string, filled decimal.Decimal) OrderState {
	switch strings.ToLower(status) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held",
		"pending_replace", "replaced", "calculated", "pending_cancel", "stopped":
		if filled.IsPositive() {
			return OrderPartiallyFilled
		}
		return OrderOpen
	case "partially_filled":
		return OrderPartiallyFilled
	case "filled":
		return OrderFilled
	case "canceled", "expired", "done_for_day":
		return OrderCancelled
	case "rejected", "suspended":
		return OrderRejected
	default:
		return OrderUnknown
	}
}

func buildAlpacaBracket(b *bracket, tif alpaca.TimeInForce) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(b.parent.Quantity)
	takePrice := b.take.Price
	stopPrice := b.stop.Price

	req := alpaca.PlaceOrderRequest{
		Symbol:        b.parent.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(b.parent.Side),
		TimeInForce:   tif,
		ClientOrderID: b.parent.Ref,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &takePrice},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopPrice},
	}

	entry := b.parent.Price
	switch b.parent.Type {
	case order.TypeMarket:
		req.Type = alpaca.Market
	case order.TypeStopLimit:
		trigger := b.parent.TriggerPrice
		req.Type = alpaca.StopLimit
		req.StopPrice = &trigger
		req.LimitPrice = &entry
	default:
		req.Type = alpaca.Limit
		req.LimitPrice = &entry
	}
	return req
}

func alpacaSide(side order.Side) alpaca.Side {
	if side == order.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// classifyAlpacaError 4xx 视为拒单，其余视为券商不可用。
func classifyAlpacaError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrUnknownOrder, apiErr.Message)
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Error())
		case apiErr.StatusCode >= 400:
			return &RejectError{Reason: apiErr.Message}
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
