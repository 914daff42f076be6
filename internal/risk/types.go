package risk

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trades-desk/internal/id"
	"trades-desk/internal/price"
)

// Direction 表示交易方向。
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// OrderType 表示开仓委托类型。
type OrderType string

const (
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// ProfitTarget 描述一档止盈目标及其仓位占比（百分比）。
type ProfitTarget struct {
	Price             decimal.Decimal `json:"price"`
	AllocationPercent decimal.Decimal `json:"allocation_percent"`
}

// TradeParams 为构造交易请求的原始参数。
type TradeParams struct {
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	OrderType     OrderType       `json:"order_type"`
	Entry         decimal.Decimal `json:"entry"`
	Stop          decimal.Decimal `json:"stop"`
	LimitPrice    decimal.Decimal `json:"limit_price"` // 仅 STOP_LIMIT 使用，Entry 为触发价
	RiskPercent   decimal.Decimal `json:"risk_percent"`
	ProfitTargets []ProfitTarget  `json:"profit_targets"`
}

// FloatTarget 为浮点形式的止盈目标输入。
type FloatTarget struct {
	Price             float64 `json:"price" mapstructure:"price"`
	AllocationPercent float64 `json:"allocation_percent" mapstructure:"allocation_percent"`
}

// TradeParamsFromFloats 将界面或命令行的浮点输入转换为 TradeParams，拒绝 NaN 与无穷大。
func TradeParamsFromFloats(symbol string, direction Direction, orderType OrderType, entry, stop, limit, riskPercent float64, targets []FloatTarget) (TradeParams, error) {
	params := TradeParams{
		Symbol:        symbol,
		Direction:     direction,
		OrderType:     orderType,
		ProfitTargets: make([]ProfitTarget, 0, len(targets)),
	}

	fields := []struct {
		name  string
		value float64
		dst   *decimal.Decimal
	}{
		{"entry", entry, &params.Entry},
		{"stop", stop, &params.Stop},
		{"limit_price", limit, &params.LimitPrice},
		{"risk_percent", riskPercent, &params.RiskPercent},
	}
	for _, f := range fields {
		v, err := price.FromFloat(f.value)
		if err != nil {
			return TradeParams{}, fmt.Errorf("risk: 字段 %s 无效: %w", f.name, err)
		}
		*f.dst = v
	}

	for i, t := range targets {
		p, err := price.FromFloat(t.Price)
		if err != nil {
			return TradeParams{}, fmt.Errorf("risk: 第 %d 个止盈价无效: %w", i+1, err)
		}
		alloc, err := price.FromFloat(t.AllocationPercent)
		if err != nil {
			return TradeParams{}, fmt.Errorf("risk: 第 %d 个止盈占比无效: %w", i+1, err)
		}
		params.ProfitTargets = append(params.ProfitTargets, ProfitTarget{Price: p, AllocationPercent: alloc})
	}

	return params, nil
}

// TradeRequest 为不可变的交易意图，只能通过 NewTradeRequest 构造，修改任何字段都需要新建请求。
type TradeRequest struct {
	id     string
	params TradeParams
}

// NewTradeRequest 复制参数并分配唯一请求号。
func NewTradeRequest(p TradeParams) *TradeRequest {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	p.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(p.Direction))))
	p.OrderType = OrderType(strings.ToUpper(strings.TrimSpace(string(p.OrderType))))
	if p.OrderType == "" {
		p.OrderType = OrderTypeLimit
	}
	p.ProfitTargets = append([]ProfitTarget(nil), p.ProfitTargets...)

	return &TradeRequest{
		id:     id.WithPrefix("REQ"),
		params: p,
	}
}

func (r *TradeRequest) ID() string                   { return r.id }
func (r *TradeRequest) Symbol() string               { return r.params.Symbol }
func (r *TradeRequest) Direction() Direction         { return r.params.Direction }
func (r *TradeRequest) OrderType() OrderType         { return r.params.OrderType }
func (r *TradeRequest) Entry() decimal.Decimal       { return r.params.Entry }
func (r *TradeRequest) Stop() decimal.Decimal        { return r.params.Stop }
func (r *TradeRequest) LimitPrice() decimal.Decimal  { return r.params.LimitPrice }
func (r *TradeRequest) RiskPercent() decimal.Decimal { return r.params.RiskPercent }
func (r *TradeRequest) TargetCount() int             { return len(r.params.ProfitTargets) }

// ProfitTargets 返回止盈目标副本。
func (r *TradeRequest) ProfitTargets() []ProfitTarget {
	return append([]ProfitTarget(nil), r.params.ProfitTargets...)
}

// Params 返回参数副本，便于基于旧请求构造新请求。
func (r *TradeRequest) Params() TradeParams {
	p := r.params
	p.ProfitTargets = r.ProfitTargets()
	return p
}

// Rounded 返回按最小价位取整后的副本，请求号不变。校验与生成括号单都基于取整后的价格。
func (r *TradeRequest) Rounded() *TradeRequest {
	p := r.Params()
	p.Entry = price.RoundToTick(p.Entry, p.Entry)
	p.Stop = price.RoundToTick(p.Stop, p.Stop)
	p.LimitPrice = price.RoundToTick(p.LimitPrice, p.LimitPrice)
	for i := range p.ProfitTargets {
		p.ProfitTargets[i].Price = price.RoundToTick(p.ProfitTargets[i].Price, p.ProfitTargets[i].Price)
	}
	return &TradeRequest{id: r.id, params: p}
}

// SizingPrice 返回计算仓位所用价格：STOP_LIMIT 使用限价，其余使用入场价。
func (r *TradeRequest) SizingPrice() decimal.Decimal {
	if r.params.OrderType == OrderTypeStopLimit && r.params.LimitPrice.IsPositive() {
		return r.params.LimitPrice
	}
	return r.params.Entry
}

// MarshalJSON 供审计日志序列化。
func (r *TradeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID string `json:"id"`
		TradeParams
	}{ID: r.id, TradeParams: r.params})
}

// ViolationKind 区分“输入无效”与“系统无法校验”。
type ViolationKind string

const (
	KindInput  ViolationKind = "input"
	KindSystem ViolationKind = "system"
)

// Code 为违规代码。
type Code string

const (
	CodeAccountUnavailable      Code = "ACCOUNT_UNAVAILABLE"
	CodeAccountInvalid          Code = "ACCOUNT_INVALID"
	CodeLimitsInvalid           Code = "RISK_LIMITS_INVALID"
	CodeInvalidSymbol           Code = "INVALID_SYMBOL"
	CodeInvalidDirection        Code = "INVALID_DIRECTION"
	CodeInvalidOrderType        Code = "INVALID_ORDER_TYPE"
	CodeInvalidPrice            Code = "INVALID_PRICE"
	CodePriceOutOfBounds        Code = "PRICE_OUT_OF_BOUNDS"
	CodeLimitPriceRequired      Code = "LIMIT_PRICE_REQUIRED"
	CodeZeroRiskDistance        Code = "ZERO_RISK_DISTANCE"
	CodeStopWrongSide           Code = "STOP_WRONG_SIDE"
	CodeRiskPercentOutOfRange   Code = "RISK_PERCENT_OUT_OF_RANGE"
	CodeTargetCount             Code = "TARGET_COUNT"
	CodeTargetAllocation        Code = "TARGET_ALLOCATION"
	CodeTargetWrongSide         Code = "TARGET_WRONG_SIDE"
	CodeZeroPositionSize        Code = "ZERO_POSITION_SIZE"
	CodeRiskAboveLimit          Code = "RISK_ABOVE_LIMIT"
	CodePositionTooLarge        Code = "POSITION_TOO_LARGE"
	CodeInsufficientBuyingPower Code = "INSUFFICIENT_BUYING_POWER"

	CodeTightStop         Code = "TIGHT_STOP"
	CodeNearPositionLimit Code = "NEAR_POSITION_LIMIT"
	CodeBuyingPowerCapped Code = "BUYING_POWER_CAPPED"
)

// Violation 为一条结构化的校验结论。
type Violation struct {
	Code    Code          `json:"code"`
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

// String 返回面向用户的完整原因。
func (v Violation) String() string {
	prefix := "输入无效"
	if v.Kind == KindSystem {
		prefix = "系统无法完成校验"
	}
	return fmt.Sprintf("[%s] %s: %s", v.Code, prefix, v.Message)
}

// SizingResult 为仓位计算结果。
type SizingResult struct {
	RequestID            string          `json:"request_id,omitempty"`
	Shares               int64           `json:"shares"`
	PerShareRisk         decimal.Decimal `json:"per_share_risk"`
	DollarRisk           decimal.Decimal `json:"dollar_risk"`
	PositionValue        decimal.Decimal `json:"position_value"`
	PercentOfAccount     decimal.Decimal `json:"percent_of_account"`
	PercentOfBuyingPower decimal.Decimal `json:"percent_of_buying_power"`
	BuyingPowerCapped    bool            `json:"buying_power_capped"`
}

// ValidationResult 为校验输出；无效时 Sizing 必为 nil。
type ValidationResult struct {
	Valid      bool          `json:"valid"`
	Sizing     *SizingResult `json:"sizing,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Warnings   []Violation   `json:"warnings,omitempty"`
}

// HasViolation 判断是否包含指定代码。
func (r ValidationResult) HasViolation(code Code) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Reasons 返回全部违规与提示的可读文本。
func (r ValidationResult) Reasons() []string {
	out := make([]string, 0, len(r.Violations)+len(r.Warnings))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	for _, w := range r.Warnings {
		out = append(out, "提示 "+w.String())
	}
	return out
}

// Limits 为外部注入的风控上限（百分比）。
type Limits struct {
	MaxRiskPercent         float64 `json:"max_risk_percent"`
	MaxPositionPercent     float64 `json:"max_position_percent"`
	MinStopDistancePercent float64 `json:"min_stop_distance_percent"`
}
