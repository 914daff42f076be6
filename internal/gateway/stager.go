package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-desk/internal/order"
)

// bracket 为同一 OCA 组内暂存的三条腿。
type bracket struct {
	oca    string
	parent *order.OrderLeg
	stop   *order.OrderLeg
	take   *order.OrderLeg
}

func (b *bracket) complete() bool {
	return b.parent != nil && b.stop != nil && b.take != nil
}

func (b *bracket) leg(ref string) *order.OrderLeg {
	for _, leg := range []*order.OrderLeg{b.parent, b.stop, b.take} {
		if leg != nil && leg.Ref == ref {
			return leg
		}
	}
	return nil
}

func (b *bracket) refs() []string {
	out := make([]string, 0, 3)
	for _, leg := range []*order.OrderLeg{b.parent, b.stop, b.take} {
		if leg != nil {
			out = append(out, leg.Ref)
		}
	}
	return out
}

// venue 为具体券商的提交实现，一次提交一整组括号单。
type venue interface {
	precheck(leg order.OrderLeg) string
	submitBracket(ctx context.Context, b *bracket) (map[string]string, error)
	cancel(ctx context.Context, brokerID string) error
	status(ctx context.Context, brokerID string) (OrderInfo, error)
	active(ctx context.Context) ([]OrderInfo, error)
}

// stager 模拟 transmit 语义：Transmit=false 的腿只暂存，发送腿到达时一次性提交同一请求下所有完整的括号单。
// 其它请求暂存的腿不会随之发出。
type stager struct {
	venue  venue
	logger *zap.Logger

	mu       sync.Mutex
	groups   map[string]*bracket
	sequence []string
	staged   map[string]string // leg ref -> OCA
	placed   map[string]string // leg ref -> broker id
}

func newStager(v venue, logger *zap.Logger) *stager {
	return &stager{
		venue:  v,
		logger: logger,
		groups: make(map[string]*bracket),
		staged: make(map[string]string),
		placed: make(map[string]string),
	}
}

func (s *stager) place(ctx context.Context, leg order.OrderLeg) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	if reason := checkLeg(leg); reason != "" {
		return rejected(reason), nil
	}
	if reason := s.venue.precheck(leg); reason != "" {
		return rejected(reason), nil
	}

	s.mu.Lock()
	if reason := s.stageLocked(leg); reason != "" {
		s.mu.Unlock()
		return rejected(reason), nil
	}
	if !leg.Transmit {
		s.mu.Unlock()
		return Ack{OrderID: leg.Ref, Status: AckAccepted, Staged: true}, nil
	}
	if g := s.groups[leg.OCAGroup]; g == nil || !g.complete() {
		s.unstageLocked(leg.OCAGroup, leg.Ref)
		s.mu.Unlock()
		return rejected(fmt.Sprintf("OCA 组 %s 不完整，未提交", leg.OCAGroup)), nil
	}
	ready := s.drainLocked(leg.RequestID)
	s.mu.Unlock()

	return s.flush(ctx, leg, ready)
}

func (s *stager) stageLocked(leg order.OrderLeg) string {
	if _, dup := s.staged[leg.Ref]; dup {
		return fmt.Sprintf("委托 %s 重复提交", leg.Ref)
	}
	if _, dup := s.placed[leg.Ref]; dup {
		return fmt.Sprintf("委托 %s 已提交", leg.Ref)
	}

	g := s.groups[leg.OCAGroup]
	stored := leg
	switch leg.Role {
	case order.RoleParent:
		if g != nil {
			return fmt.Sprintf("OCA 组 %s 已存在开仓腿", leg.OCAGroup)
		}
		g = &bracket{oca: leg.OCAGroup, parent: &stored}
		s.groups[leg.OCAGroup] = g
		s.sequence = append(s.sequence, leg.OCAGroup)
	case order.RoleStopLoss, order.RoleTakeProfit:
		if g == nil || g.parent == nil || g.parent.Ref != leg.ParentRef {
			return fmt.Sprintf("子单 %s 找不到开仓腿 %s", leg.Ref, leg.ParentRef)
		}
		slot := &g.stop
		if leg.Role == order.RoleTakeProfit {
			slot = &g.take
		}
		if *slot != nil {
			return fmt.Sprintf("OCA 组 %s 已存在 %s 腿", leg.OCAGroup, leg.Role)
		}
		*slot = &stored
	default:
		return fmt.Sprintf("未知腿角色 %q", leg.Role)
	}

	s.staged[leg.Ref] = leg.OCAGroup
	return ""
}

// drainLocked 取出指定请求下全部完整的括号单，保持暂存顺序。
func (s *stager) drainLocked(requestID string) []*bracket {
	var (
		ready []*bracket
		keep  []string
	)
	for _, oca := range s.sequence {
		g, ok := s.groups[oca]
		if !ok {
			continue
		}
		if !g.complete() || g.parent.RequestID != requestID {
			keep = append(keep, oca)
			continue
		}
		ready = append(ready, g)
		delete(s.groups, oca)
		for _, ref := range g.refs() {
			delete(s.staged, ref)
		}
	}
	s.sequence = keep
	return ready
}

// flush 逐组提交并返回每组结果；发送腿自身的回执只取决于它所在的组。
func (s *stager) flush(ctx context.Context, leg order.OrderLeg, ready []*bracket) (Ack, error) {
	groups := make([]GroupResult, 0, len(ready))
	own := -1
	for _, b := range ready {
		res := GroupResult{OCAGroup: b.oca}
		ids, err := s.venue.submitBracket(ctx, b)
		if err != nil {
			var rej *RejectError
			if errors.As(err, &rej) {
				res.Status = AckRejected
				res.Reason = rej.Reason
			} else {
				res.Err = err
			}
			s.logger.Error("括号单提交失败",
				zap.String("oca_group", b.oca),
				zap.String("symbol", b.parent.Symbol),
				zap.Error(err),
			)
		} else {
			res.Status = AckAccepted
			res.OrderIDs = ids

			s.mu.Lock()
			for ref, brokerID := range ids {
				s.placed[ref] = brokerID
			}
			s.mu.Unlock()

			s.logger.Info("括号单已提交",
				zap.String("oca_group", b.oca),
				zap.String("symbol", b.parent.Symbol),
				zap.Int64("quantity", b.parent.Quantity),
				zap.String("parent_order_id", ids[b.parent.Ref]),
			)
		}
		if b.oca == leg.OCAGroup {
			own = len(groups)
		}
		groups = append(groups, res)
	}

	ack := Ack{Groups: groups}
	if own < 0 {
		return ack, fmt.Errorf("%w: OCA 组 %s 未进入提交队列", ErrUnavailable, leg.OCAGroup)
	}

	mine := groups[own]
	switch {
	case mine.Err != nil:
		err := mine.Err
		if !errors.Is(err, ErrUnavailable) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return ack, err
	case mine.Status == AckRejected:
		ack.Status = AckRejected
		ack.Reason = mine.Reason
	default:
		ack.Status = AckAccepted
		ack.OrderID = mine.OrderIDs[leg.Ref]
	}
	return ack, nil
}

func (s *stager) cancel(ctx context.Context, orderID string) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	if oca, ok := s.staged[orderID]; ok {
		s.unstageLocked(oca, orderID)
		s.mu.Unlock()
		s.logger.Info("已撤销暂存委托", zap.String("ref", orderID), zap.String("oca_group", oca))
		return Ack{OrderID: orderID, Status: AckAccepted, Staged: true}, nil
	}
	brokerID, ok := s.placed[orderID]
	if !ok {
		brokerID = orderID
	}
	s.mu.Unlock()

	if err := s.venue.cancel(ctx, brokerID); err != nil {
		var rej *RejectError
		switch {
		case errors.As(err, &rej):
			return rejected(rej.Reason), nil
		case errors.Is(err, ErrUnknownOrder), errors.Is(err, ErrUnavailable):
			return Ack{}, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Ack{}, err
		default:
			return Ack{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return Ack{OrderID: brokerID, Status: AckAccepted}, nil
}

// status 查询委托状态，暂存中的腿直接由本地返回。
func (s *stager) status(ctx context.Context, orderID string) (OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return OrderInfo{}, err
	}

	s.mu.Lock()
	if oca, ok := s.staged[orderID]; ok {
		var info OrderInfo
		if g := s.groups[oca]; g != nil {
			if leg := g.leg(orderID); leg != nil {
				info = stagedInfo(*leg)
			}
		}
		s.mu.Unlock()
		if info.OrderID == "" {
			return OrderInfo{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}
		return info, nil
	}
	brokerID, ok := s.placed[orderID]
	if !ok {
		brokerID = orderID
	}
	s.mu.Unlock()

	info, err := s.venue.status(ctx, brokerID)
	if err != nil {
		return OrderInfo{}, queryError(err)
	}
	return info, nil
}

// active 返回暂存中的腿以及券商侧仍未结束的委托。
func (s *stager) active(ctx context.Context) ([]OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []OrderInfo
	for _, oca := range s.sequence {
		g, ok := s.groups[oca]
		if !ok {
			continue
		}
		for _, leg := range []*order.OrderLeg{g.parent, g.stop, g.take} {
			if leg != nil {
				out = append(out, stagedInfo(*leg))
			}
		}
	}
	s.mu.Unlock()

	// 部分查询失败时仍返回已取得的委托。
	remote, err := s.venue.active(ctx)
	out = append(out, remote...)
	if err != nil {
		return out, queryError(err)
	}
	return out, nil
}

func stagedInfo(leg order.OrderLeg) OrderInfo {
	return OrderInfo{
		OrderID:   leg.Ref,
		ClientRef: leg.Ref,
		Symbol:    leg.Symbol,
		Side:      string(leg.Side),
		Type:      string(leg.Type),
		Quantity:  decimal.NewFromInt(leg.Quantity),
		Filled:    decimal.Zero,
		Price:     leg.Price,
		State:     OrderStaged,
	}
}

// queryError 查询时的拒绝同样视为券商不可用，调用方无法据此判断委托状态。
func queryError(err error) error {
	var rej *RejectError
	switch {
	case errors.As(err, &rej):
		return fmt.Errorf("%w: %s", ErrUnavailable, rej.Reason)
	case errors.Is(err, ErrUnknownOrder), errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// unstageLocked 撤销开仓腿时整组移除，撤销子单只清空对应位置。
func (s *stager) unstageLocked(oca, ref string) {
	delete(s.staged, ref)
	g, ok := s.groups[oca]
	if !ok {
		return
	}
	switch {
	case g.parent != nil && g.parent.Ref == ref:
		for _, r := range g.refs() {
			delete(s.staged, r)
		}
		delete(s.groups, oca)
	case g.stop != nil && g.stop.Ref == ref:
		g.stop = nil
	case g.take != nil && g.take.Ref == ref:
		g.take = nil
	}
}

func checkLeg(leg order.OrderLeg) string {
	switch {
	case leg.Ref == "" || leg.OCAGroup == "":
		return "委托缺少编号或 OCA 组"
	case leg.Symbol == "":
		return "委托缺少标的"
	case leg.Quantity <= 0:
		return fmt.Sprintf("委托数量无效: %d", leg.Quantity)
	case leg.Side != order.SideBuy && leg.Side != order.SideSell:
		return fmt.Sprintf("未知买卖方向 %q", leg.Side)
	case leg.Type != order.TypeMarket && !leg.Price.IsPositive():
		return fmt.Sprintf("%s 委托价格无效", leg.Type)
	}
	return ""
}
