package levels

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trades-desk/internal/price"
	"trades-desk/internal/risk"
)

// ErrZeroRisk 表示入场价与止损价相同，无法按 R 倍数推算。
var ErrZeroRisk = errors.New("levels: 入场价与止损价相同")

// TargetSpec 以 R 倍数描述一档止盈。
type TargetSpec struct {
	RMultiple         float64 `json:"r_multiple"`
	AllocationPercent float64 `json:"allocation_percent"`
}

// DefaultTargets 为 2R/4R/6R/20R 各 25%。
func DefaultTargets() []TargetSpec {
	return []TargetSpec{
		{RMultiple: 2, AllocationPercent: 25},
		{RMultiple: 4, AllocationPercent: 25},
		{RMultiple: 6, AllocationPercent: 25},
		{RMultiple: 20, AllocationPercent: 25},
	}
}

// RMultiple 返回 target 相对 basis 的回报与风险之比，风险为零时返回 0。
// basis 对 STOP_LIMIT 应取限价，见 risk.TradeRequest.SizingPrice。
func RMultiple(basis, stop, target decimal.Decimal) decimal.Decimal {
	perShare := basis.Sub(stop).Abs()
	if perShare.IsZero() {
		return decimal.Zero
	}
	return target.Sub(basis).Abs().Div(perShare)
}

// SuggestTargets 按 R 倍数推算止盈价，每档价格按最小价位取整。
func SuggestTargets(direction risk.Direction, basis, stop decimal.Decimal, specs []TargetSpec) ([]risk.ProfitTarget, error) {
	perShare := basis.Sub(stop).Abs()
	if perShare.IsZero() {
		return nil, ErrZeroRisk
	}

	sign := decimal.NewFromInt(1)
	switch direction {
	case risk.DirectionLong:
	case risk.DirectionShort:
		sign = sign.Neg()
	default:
		return nil, fmt.Errorf("levels: 未知方向 %q", direction)
	}

	targets := make([]risk.ProfitTarget, 0, len(specs))
	for i, spec := range specs {
		r, err := price.FromFloat(spec.RMultiple)
		if err != nil || !r.IsPositive() {
			return nil, fmt.Errorf("levels: 第 %d 档 R 倍数无效: %v", i+1, spec.RMultiple)
		}
		alloc, err := price.FromFloat(spec.AllocationPercent)
		if err != nil || !alloc.IsPositive() {
			return nil, fmt.Errorf("levels: 第 %d 档分配比例无效: %v", i+1, spec.AllocationPercent)
		}

		level := basis.Add(perShare.Mul(r).Mul(sign))
		level = price.RoundToTick(level, level)
		if !price.ValidateBounds(level) {
			return nil, fmt.Errorf("%w: 第 %d 档 %s", ErrLevelOutOfBounds, i+1, level)
		}
		targets = append(targets, risk.ProfitTarget{Price: level, AllocationPercent: alloc})
	}
	return targets, nil
}
