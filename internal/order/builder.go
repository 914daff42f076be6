package order

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-desk/internal/id"
	"trades-desk/internal/risk"
)

const maxTiers = 4

var (
	// ErrUnvalidatedRequest 表示 sizing 不属于该请求或未通过校验。
	ErrUnvalidatedRequest = errors.New("order: 请求未经校验")
	// ErrInvalidTargets 表示止盈目标数量不在 1 到 4 之间。
	ErrInvalidTargets = errors.New("order: 止盈目标数量无效")

	hundred = decimal.NewFromInt(100)
)

// Builder 把已校验的请求拆成按止盈档位划分的括号单。
type Builder struct {
	logger *zap.Logger
}

// NewBuilder 创建括号单构建器。
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger}
}

// Build 生成括号单。各档数量向下取整，最后一档吸收余数，总数严格等于 sizing.Shares。
// 只有最后一档的止盈腿 Transmit 为 true，其余腿由券商暂存直到该腿到达。
func (b *Builder) Build(req *risk.TradeRequest, sizing *risk.SizingResult) ([]BracketOrderSet, error) {
	if req == nil || sizing == nil {
		return nil, ErrUnvalidatedRequest
	}
	if sizing.RequestID == "" || sizing.RequestID != req.ID() {
		return nil, fmt.Errorf("%w: sizing 请求号 %q 与请求 %q 不匹配", ErrUnvalidatedRequest, sizing.RequestID, req.ID())
	}
	if sizing.Shares <= 0 {
		return nil, fmt.Errorf("%w: 股数为 %d", ErrUnvalidatedRequest, sizing.Shares)
	}

	// 与校验使用同一组取整价格，保证下单价格与风险计算一致。
	req = req.Rounded()
	targets := orderTargets(req.Direction(), req.ProfitTargets())
	if len(targets) == 0 || len(targets) > maxTiers {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTargets, len(targets))
	}

	quantities := splitShares(sizing.Shares, targets)

	entrySide, exitSide := SideBuy, SideSell
	if req.Direction() == risk.DirectionShort {
		entrySide, exitSide = SideSell, SideBuy
	}

	entry, stop := req.Entry(), req.Stop()

	var sets []BracketOrderSet
	for i, target := range targets {
		qty := quantities[i]
		if qty <= 0 {
			b.logger.Warn("止盈档位数量为 0，跳过",
				zap.String("request_id", req.ID()),
				zap.Int("tier", i+1),
				zap.String("target", target.Price.String()),
			)
			continue
		}

		tier := i + 1
		if len(targets) == 1 {
			tier = 0
		}
		oca := id.WithPrefix("OCA")

		parent := OrderLeg{
			Ref:        id.WithPrefix("LEG"),
			RequestID:  req.ID(),
			Symbol:     req.Symbol(),
			Role:       RoleParent,
			Side:       entrySide,
			TargetTier: tier,
			Quantity:   qty,
			Price:      entry,
			OCAGroup:   oca,
		}
		switch req.OrderType() {
		case risk.OrderTypeMarket:
			parent.Type = TypeMarket
		case risk.OrderTypeStopLimit:
			parent.Type = TypeStopLimit
			parent.TriggerPrice = entry
			parent.Price = req.LimitPrice()
		default:
			parent.Type = TypeLimit
		}

		child := func(role Role, typ Type, p decimal.Decimal) OrderLeg {
			return OrderLeg{
				Ref:        id.WithPrefix("LEG"),
				ParentRef:  parent.Ref,
				RequestID:  req.ID(),
				Symbol:     req.Symbol(),
				Role:       role,
				Side:       exitSide,
				Type:       typ,
				TargetTier: tier,
				Quantity:   qty,
				Price:      p,
				OCAGroup:   oca,
			}
		}

		sets = append(sets, BracketOrderSet{
			Tier:       tier,
			OCAGroup:   oca,
			Symbol:     req.Symbol(),
			RequestID:  req.ID(),
			Parent:     parent,
			StopLoss:   child(RoleStopLoss, TypeStop, stop),
			TakeProfit: child(RoleTakeProfit, TypeLimit, target.Price),
		})
	}

	// 最后一档数量至少为 1，因此 sets 非空。
	sets[len(sets)-1].TakeProfit.Transmit = true

	b.logger.Info("括号单构建完成",
		zap.String("request_id", req.ID()),
		zap.String("symbol", req.Symbol()),
		zap.Int64("shares", sizing.Shares),
		zap.Int("tiers", len(sets)),
	)
	return sets, nil
}

// orderTargets 按距离入场价由近到远排序，做多升序、做空降序。
func orderTargets(dir risk.Direction, targets []risk.ProfitTarget) []risk.ProfitTarget {
	sort.SliceStable(targets, func(i, j int) bool {
		if dir == risk.DirectionShort {
			return targets[i].Price.GreaterThan(targets[j].Price)
		}
		return targets[i].Price.LessThan(targets[j].Price)
	})
	return targets
}

// splitShares 按占比向下取整分配股数，余数全部归最后一档。
func splitShares(total int64, targets []risk.ProfitTarget) []int64 {
	out := make([]int64, len(targets))
	allocated := int64(0)
	shares := decimal.NewFromInt(total)
	for i := 0; i < len(targets)-1; i++ {
		q := shares.Mul(targets[i].AllocationPercent).Div(hundred).Floor().IntPart()
		if q < 0 {
			q = 0
		}
		if allocated+q > total {
			q = total - allocated
		}
		out[i] = q
		allocated += q
	}
	last := len(out) - 1
	out[last] = total - allocated
	if out[last] == 0 {
		for i := last - 1; i >= 0; i-- {
			if out[i] > 0 {
				out[i]--
				out[last] = 1
				break
			}
		}
	}
	return out
}
