package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"trades-desk/internal/account"
)

// ErrZeroRiskDistance 表示入场价与止损价几乎相同，无法计算仓位。
var ErrZeroRiskDistance = errors.New("risk: 入场价与止损价距离为零")

var (
	riskDistanceEpsilon = decimal.New(1, -6)
	hundred             = decimal.NewFromInt(100)
)

// Sizer 按账户风险比例计算股数，无状态、无 I/O。
type Sizer struct{}

// NewSizer 创建仓位计算器。
func NewSizer() *Sizer {
	return &Sizer{}
}

// Calculate 计算股数。购买力约束优先于名义风险目标：持仓市值超出购买力时按购买力截断。
// 股数为 0 是合法结果，由调用方决定是否拒绝。
func (s *Sizer) Calculate(acct account.Snapshot, entry, stop, riskPercent decimal.Decimal) (SizingResult, error) {
	perShare := entry.Sub(stop).Abs()
	if perShare.LessThan(riskDistanceEpsilon) {
		return SizingResult{}, ErrZeroRiskDistance
	}

	riskDollars := acct.NetLiquidation.Mul(riskPercent).Div(hundred)
	shares := floorShares(riskDollars.Div(perShare))

	result := SizingResult{PerShareRisk: perShare}

	positionValue := decimal.NewFromInt(shares).Mul(entry)
	if positionValue.GreaterThan(acct.BuyingPower) {
		capped := int64(0)
		if acct.BuyingPower.IsPositive() && entry.IsPositive() {
			capped = floorShares(acct.BuyingPower.Div(entry))
		}
		if capped < shares {
			shares = capped
			result.BuyingPowerCapped = true
		}
		positionValue = decimal.NewFromInt(shares).Mul(entry)
	}

	result.Shares = shares
	result.PositionValue = positionValue
	result.DollarRisk = decimal.NewFromInt(shares).Mul(perShare)
	if acct.NetLiquidation.IsPositive() {
		result.PercentOfAccount = positionValue.Div(acct.NetLiquidation).Mul(hundred)
	}
	if acct.BuyingPower.IsPositive() {
		result.PercentOfBuyingPower = positionValue.Div(acct.BuyingPower).Mul(hundred)
	}

	return result, nil
}

func floorShares(v decimal.Decimal) int64 {
	if !v.IsPositive() {
		return 0
	}
	return v.Floor().IntPart()
}
