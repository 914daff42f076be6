package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-desk/internal/id"
	"trades-desk/internal/order"
)

// PaperOrder 为模拟盘记录的一条委托。
type PaperOrder struct {
	BrokerID  string
	Leg       order.OrderLeg
	Filled    int64
	Cancelled bool
	PlacedAt  time.Time
}

func (o *PaperOrder) state() OrderState {
	switch {
	case o.Cancelled:
		return OrderCancelled
	case o.Filled >= o.Leg.Quantity:
		return OrderFilled
	case o.Filled > 0:
		return OrderPartiallyFilled
	default:
		return OrderOpen
	}
}

func (o *PaperOrder) info() OrderInfo {
	return OrderInfo{
		OrderID:   o.BrokerID,
		ClientRef: o.Leg.Ref,
		Symbol:    o.Leg.Symbol,
		Side:      string(o.Leg.Side),
		Type:      string(o.Leg.Type),
		Quantity:  decimal.NewFromInt(o.Leg.Quantity),
		Filled:    decimal.NewFromInt(o.Filled),
		Price:     o.Leg.Price,
		State:     o.state(),
	}
}

// Paper 为内存模拟券商，可注入拒单、故障与延迟。
type Paper struct {
	stage *stager

	mu       sync.Mutex
	orders   map[string]*PaperOrder
	rejectFn func(order.OrderLeg) string
	submitFn func(order.OrderLeg) string
	faultFn  func(order.OrderLeg) error
	latency  time.Duration
	logger   *zap.Logger
}

var _ Gateway = (*Paper)(nil)

// NewPaper 创建模拟券商。
func NewPaper(logger *zap.Logger) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Paper{
		orders: make(map[string]*PaperOrder),
		logger: logger,
	}
	p.stage = newStager(p, logger.With(zap.String("gateway", "paper")))
	return p
}

// Name 返回 "paper"。
func (p *Paper) Name() string {
	return "paper"
}

// RejectWhen 设置拒单规则，返回非空原因即拒绝。
func (p *Paper) RejectWhen(fn func(order.OrderLeg) string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectFn = fn
}

// RejectOnSubmit 设置券商端拒单规则：整组发出时按开仓腿判断，返回非空原因即整组被拒。
func (p *Paper) RejectOnSubmit(fn func(parent order.OrderLeg) string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitFn = fn
}

// FailWhen 设置基础设施故障规则。
func (p *Paper) FailWhen(fn func(order.OrderLeg) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faultFn = fn
}

// SetLatency 设置每次回执前的延迟。
func (p *Paper) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// PlaceOrder 暂存或提交一条腿。
func (p *Paper) PlaceOrder(ctx context.Context, leg order.OrderLeg) (Ack, error) {
	p.mu.Lock()
	latency, fault := p.latency, p.faultFn
	p.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ack{}, ctx.Err()
		case <-timer.C:
		}
	}
	if fault != nil {
		if err := fault(leg); err != nil {
			return Ack{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return p.stage.place(ctx, leg)
}

// CancelOrder 撤销暂存或已提交的委托。
func (p *Paper) CancelOrder(ctx context.Context, orderID string) (Ack, error) {
	return p.stage.cancel(ctx, orderID)
}

// OrderStatus 查询单条委托。
func (p *Paper) OrderStatus(ctx context.Context, orderID string) (OrderInfo, error) {
	return p.stage.status(ctx, orderID)
}

// ActiveOrders 返回暂存与未结束的委托。
func (p *Paper) ActiveOrders(ctx context.Context) ([]OrderInfo, error) {
	return p.stage.active(ctx)
}

// Fill 模拟成交 qty 股，累计成交不超过委托数量。
func (p *Paper) Fill(brokerID string, qty int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, brokerID)
	}
	if o.Cancelled {
		return fmt.Errorf("gateway: 委托 %s 已撤销，无法成交", brokerID)
	}
	o.Filled += qty
	if o.Filled > o.Leg.Quantity {
		o.Filled = o.Leg.Quantity
	}
	return nil
}

// Prune 清理已成交或已撤销的委托，返回清理数量。
func (p *Paper) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for brokerID, o := range p.orders {
		if !o.state().Active() {
			delete(p.orders, brokerID)
			n++
		}
	}
	return n
}

// Orders 返回已提交委托的副本。
func (p *Paper) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out
}

func (p *Paper) precheck(leg order.OrderLeg) string {
	p.mu.Lock()
	fn := p.rejectFn
	p.mu.Unlock()
	if fn == nil {
		return ""
	}
	return fn(leg)
}

func (p *Paper) submitBracket(_ context.Context, b *bracket) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.submitFn != nil {
		if reason := p.submitFn(*b.parent); reason != "" {
			return nil, &RejectError{Reason: reason}
		}
	}

	now := time.Now().UTC()
	ids := make(map[string]string, 3)
	for _, leg := range []*order.OrderLeg{b.parent, b.stop, b.take} {
		brokerID := id.WithPrefix("PAPER")
		p.orders[brokerID] = &PaperOrder{BrokerID: brokerID, Leg: *leg, PlacedAt: now}
		ids[leg.Ref] = brokerID
	}
	return ids, nil
}

func (p *Paper) cancel(_ context.Context, brokerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, brokerID)
	}
	switch o.state() {
	case OrderCancelled:
		return &RejectError{Reason: "委托已撤销"}
	case OrderFilled:
		return &RejectError{Reason: "委托已成交"}
	}
	o.Cancelled = true
	return nil
}

func (p *Paper) status(_ context.Context, brokerID string) (OrderInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerID]
	if !ok {
		return OrderInfo{}, fmt.Errorf("%w: %s", ErrUnknownOrder, brokerID)
	}
	return o.info(), nil
}

func (p *Paper) active(context.Context) ([]OrderInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OrderInfo, 0, len(p.orders))
	placedAt := make(map[string]time.Time, len(p.orders))
	for _, o := range p.orders {
		if o.state().Active() {
			out = append(out, o.info())
			placedAt[o.BrokerID] = o.PlacedAt
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := placedAt[out[i].OrderID], placedAt[out[j].OrderID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out, nil
}
