package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-desk/internal/account"
	"trades-desk/internal/price"
)

const (
	minTargets = 1
	maxTargets = 4
)

var (
	// ErrNilRequest 表示调用方传入了空请求，属于编程错误。
	ErrNilRequest = errors.New("risk: 交易请求为空")

	maxRiskPercentHardCap = decimal.NewFromInt(10)
	allocationTolerance   = decimal.RequireFromString("0.01")
	nearLimitRatio        = decimal.RequireFromString("0.8")
)

// Validator 对交易请求执行快速失败的结构与风险校验。
type Validator struct {
	sizer  *Sizer
	limits Limits
	logger *zap.Logger

	maxRisk     decimal.Decimal
	maxPosition decimal.Decimal
	minStopDist decimal.Decimal
}

// NewValidator 创建校验器，风控上限由配置注入。
func NewValidator(limits Limits, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		sizer:       NewSizer(),
		limits:      limits,
		logger:      logger,
		maxRisk:     decimal.NewFromFloat(limits.MaxRiskPercent),
		maxPosition: decimal.NewFromFloat(limits.MaxPositionPercent),
		minStopDist: decimal.NewFromFloat(limits.MinStopDistancePercent),
	}
}

// Limits 返回当前生效的上限。
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate 校验请求。遇到第一条违规即返回；账户不可用或风控上限无效时直接拒绝，不会静默放行。
// 所有价格先按最小价位取整，与实际下单价格一致。通过时 Sizing 携带请求号，构建括号单时以此确认请求已校验。
func (v *Validator) Validate(req *TradeRequest, acct *account.Snapshot) (ValidationResult, error) {
	if req == nil || req.ID() == "" {
		return ValidationResult{}, ErrNilRequest
	}
	req = req.Rounded()

	if !v.maxRisk.IsPositive() || !v.maxPosition.IsPositive() {
		return v.deny(req, Violation{
			Code:    CodeLimitsInvalid,
			Kind:    KindSystem,
			Message: fmt.Sprintf("风控上限未配置: max_risk_percent=%s max_position_percent=%s", v.maxRisk.String(), v.maxPosition.String()),
		}), nil
	}

	if acct == nil {
		return v.deny(req, Violation{
			Code:    CodeAccountUnavailable,
			Kind:    KindSystem,
			Message: "无法获取账户数据，交易已拒绝",
		}), nil
	}
	if !acct.NetLiquidation.IsPositive() {
		return v.deny(req, Violation{
			Code:    CodeAccountInvalid,
			Kind:    KindSystem,
			Message: fmt.Sprintf("账户净值无效: %s", acct.NetLiquidation.StringFixed(2)),
		}), nil
	}

	if vio := checkStructure(req); vio != nil {
		return v.deny(req, *vio), nil
	}

	sizing, err := v.sizer.Calculate(*acct, req.SizingPrice(), req.Stop(), req.RiskPercent())
	if err != nil {
		if errors.Is(err, ErrZeroRiskDistance) {
			return v.deny(req, inputViolation(CodeZeroRiskDistance, "限价与止损价相同，无法计算每股风险")), nil
		}
		return ValidationResult{}, fmt.Errorf("risk: 仓位计算失败: %w", err)
	}

	if sizing.Shares <= 0 {
		return v.deny(req, inputViolation(CodeZeroPositionSize,
			fmt.Sprintf("按 %s%% 风险计算股数为 0，请放宽止损或提高风险比例", req.RiskPercent().String()))), nil
	}

	if vio := v.checkExposure(req, sizing); vio != nil {
		return v.deny(req, *vio), nil
	}

	sizing.RequestID = req.ID()
	result := ValidationResult{
		Valid:    true,
		Sizing:   &sizing,
		Warnings: v.collectWarnings(req, sizing),
	}

	v.logger.Info("交易校验通过",
		zap.String("request_id", req.ID()),
		zap.String("symbol", req.Symbol()),
		zap.String("direction", string(req.Direction())),
		zap.Int64("shares", sizing.Shares),
		zap.String("dollar_risk", sizing.DollarRisk.StringFixed(2)),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (v *Validator) deny(req *TradeRequest, vio Violation) ValidationResult {
	v.logger.Warn("交易校验未通过",
		zap.String("request_id", req.ID()),
		zap.String("symbol", req.Symbol()),
		zap.String("code", string(vio.Code)),
		zap.String("kind", string(vio.Kind)),
		zap.String("reason", vio.Message),
	)
	return ValidationResult{Valid: false, Violations: []Violation{vio}}
}

func inputViolation(code Code, msg string) *Violation {
	return &Violation{Code: code, Kind: KindInput, Message: msg}
}

func checkStructure(req *TradeRequest) *Violation {
	if req.Symbol() == "" {
		return inputViolation(CodeInvalidSymbol, "缺少交易标的")
	}
	switch req.Direction() {
	case DirectionLong, DirectionShort:
	default:
		return inputViolation(CodeInvalidDirection, fmt.Sprintf("未知交易方向 %q", req.Direction()))
	}
	switch req.OrderType() {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeStopLimit:
	default:
		return inputViolation(CodeInvalidOrderType, fmt.Sprintf("未知委托类型 %q", req.OrderType()))
	}

	risk := req.RiskPercent()
	if !risk.IsPositive() || risk.GreaterThan(maxRiskPercentHardCap) {
		return inputViolation(CodeRiskPercentOutOfRange,
			fmt.Sprintf("风险比例 %s%% 不在 (0, 10] 范围内", risk.String()))
	}

	entry, stop := req.Entry(), req.Stop()
	if !entry.IsPositive() || !stop.IsPositive() {
		return inputViolation(CodeInvalidPrice, "入场价与止损价必须大于 0")
	}
	if !price.ValidateBounds(entry) || !price.ValidateBounds(stop) {
		return inputViolation(CodePriceOutOfBounds,
			fmt.Sprintf("价格需在 %s 与 %s 之间", price.MinPrice.StringFixed(2), price.MaxPrice.StringFixed(2)))
	}

	if req.OrderType() == OrderTypeStopLimit {
		limit := req.LimitPrice()
		if !limit.IsPositive() {
			return inputViolation(CodeLimitPriceRequired, "STOP_LIMIT 委托必须提供限价")
		}
		if !price.ValidateBounds(limit) {
			return inputViolation(CodePriceOutOfBounds, fmt.Sprintf("限价 %s 超出允许范围", limit.String()))
		}
	}

	if entry.Sub(stop).Abs().LessThan(riskDistanceEpsilon) {
		return inputViolation(CodeZeroRiskDistance, "入场价与止损价相同，无法计算每股风险")
	}

	if vio := checkStopSide(req.Direction(), entry, stop, "入场价"); vio != nil {
		return vio
	}
	if req.OrderType() == OrderTypeStopLimit {
		if vio := checkStopSide(req.Direction(), req.LimitPrice(), stop, "限价"); vio != nil {
			return vio
		}
	}

	return checkTargets(req)
}

func checkStopSide(dir Direction, ref, stop decimal.Decimal, label string) *Violation {
	if dir == DirectionLong && !stop.LessThan(ref) {
		return inputViolation(CodeStopWrongSide,
			fmt.Sprintf("做多时止损价 %s 必须低于%s %s", stop.String(), label, ref.String()))
	}
	if dir == DirectionShort && !stop.GreaterThan(ref) {
		return inputViolation(CodeStopWrongSide,
			fmt.Sprintf("做空时止损价 %s 必须高于%s %s", stop.String(), label, ref.String()))
	}
	return nil
}

func checkTargets(req *TradeRequest) *Violation {
	targets := req.ProfitTargets()
	if len(targets) < minTargets || len(targets) > maxTargets {
		return inputViolation(CodeTargetCount,
			fmt.Sprintf("止盈目标数量为 %d，需在 %d 到 %d 之间", len(targets), minTargets, maxTargets))
	}

	ref := req.SizingPrice()
	total := decimal.Zero
	for i, t := range targets {
		if !t.AllocationPercent.IsPositive() {
			return inputViolation(CodeTargetAllocation, fmt.Sprintf("第 %d 个止盈占比必须大于 0", i+1))
		}
		if !t.Price.IsPositive() {
			return inputViolation(CodeInvalidPrice, fmt.Sprintf("第 %d 个止盈价必须大于 0", i+1))
		}
		if !price.ValidateBounds(t.Price) {
			return inputViolation(CodePriceOutOfBounds, fmt.Sprintf("第 %d 个止盈价 %s 超出允许范围", i+1, t.Price.String()))
		}
		if req.Direction() == DirectionLong && !t.Price.GreaterThan(ref) {
			return inputViolation(CodeTargetWrongSide,
				fmt.Sprintf("做多时第 %d 个止盈价 %s 必须高于入场价 %s", i+1, t.Price.String(), ref.String()))
		}
		if req.Direction() == DirectionShort && !t.Price.LessThan(ref) {
			return inputViolation(CodeTargetWrongSide,
				fmt.Sprintf("做空时第 %d 个止盈价 %s 必须低于入场价 %s", i+1, t.Price.String(), ref.String()))
		}
		total = total.Add(t.AllocationPercent)
	}

	if total.Sub(hundred).Abs().GreaterThan(allocationTolerance) {
		return inputViolation(CodeTargetAllocation,
			fmt.Sprintf("止盈占比合计 %s%%，应为 100%%", total.String()))
	}
	return nil
}

func (v *Validator) checkExposure(req *TradeRequest, sizing SizingResult) *Violation {
	if req.RiskPercent().GreaterThan(v.maxRisk) {
		return inputViolation(CodeRiskAboveLimit,
			fmt.Sprintf("风险比例 %s%% 超过上限 %s%%", req.RiskPercent().String(), v.maxRisk.String()))
	}
	if sizing.PercentOfAccount.GreaterThan(v.maxPosition) {
		return inputViolation(CodePositionTooLarge,
			fmt.Sprintf("仓位占账户 %s%%，超过上限 %s%%", sizing.PercentOfAccount.StringFixed(2), v.maxPosition.String()))
	}
	if sizing.PercentOfBuyingPower.GreaterThan(hundred) {
		return inputViolation(CodeInsufficientBuyingPower,
			fmt.Sprintf("仓位占购买力 %s%%，购买力不足", sizing.PercentOfBuyingPower.StringFixed(2)))
	}
	return nil
}

func (v *Validator) collectWarnings(req *TradeRequest, sizing SizingResult) []Violation {
	var warnings []Violation

	ref := req.SizingPrice()
	if v.minStopDist.IsPositive() && ref.IsPositive() {
		distPct := sizing.PerShareRisk.Div(ref).Mul(hundred)
		if distPct.LessThan(v.minStopDist) {
			warnings = append(warnings, Violation{
				Code:    CodeTightStop,
				Kind:    KindInput,
				Message: fmt.Sprintf("止损距离仅 %s%%，低于建议值 %s%%", distPct.StringFixed(2), v.minStopDist.String()),
			})
		}
	}

	if sizing.PercentOfAccount.GreaterThan(v.maxPosition.Mul(nearLimitRatio)) {
		warnings = append(warnings, Violation{
			Code:    CodeNearPositionLimit,
			Kind:    KindInput,
			Message: fmt.Sprintf("仓位占账户 %s%%，接近上限 %s%%", sizing.PercentOfAccount.StringFixed(2), v.maxPosition.String()),
		})
	}

	if sizing.BuyingPowerCapped {
		warnings = append(warnings, Violation{
			Code:    CodeBuyingPowerCapped,
			Kind:    KindInput,
			Message: fmt.Sprintf("股数已按购买力截断为 %d", sizing.Shares),
		})
	}

	return warnings
}
