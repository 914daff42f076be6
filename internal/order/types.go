package order

import (
	"github.com/shopspring/decimal"
)

// Role 表示括号单中的腿角色。
type Role string

const (
	RoleParent     Role = "PARENT_ENTRY"
	RoleStopLoss   Role = "STOP_LOSS"
	RoleTakeProfit Role = "TAKE_PROFIT"
)

// Side 为买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type 为单腿委托类型。
type Type string

const (
	TypeLimit     Type = "LIMIT"
	TypeMarket    Type = "MARKET"
	TypeStop      Type = "STOP"
	TypeStopLimit Type = "STOP_LIMIT"
)

// OrderLeg 为一条待提交的委托。
type OrderLeg struct {
	Ref          string          `json:"ref"`
	ParentRef    string          `json:"parent_ref,omitempty"`
	RequestID    string          `json:"request_id"`
	Symbol       string          `json:"symbol"`
	Role         Role            `json:"role"`
	Side         Side            `json:"side"`
	Type         Type            `json:"type"`
	TargetTier   int             `json:"target_tier"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"` // 仅 STOP_LIMIT 开仓腿
	OCAGroup     string          `json:"oca_group"`
	Transmit     bool            `json:"transmit"`
}

// IsChild 判断是否为挂在开仓腿下的子单。
func (l OrderLeg) IsChild() bool {
	return l.ParentRef != ""
}

// BracketOrderSet 为一档止盈对应的完整括号单：开仓、止损、止盈。
type BracketOrderSet struct {
	Tier       int      `json:"tier"`
	OCAGroup   string   `json:"oca_group"`
	Symbol     string   `json:"symbol"`
	RequestID  string   `json:"request_id"`
	Parent     OrderLeg `json:"parent"`
	StopLoss   OrderLeg `json:"stop_loss"`
	TakeProfit OrderLeg `json:"take_profit"`
}

// Legs 按提交顺序返回三条腿。
func (b BracketOrderSet) Legs() []OrderLeg {
	return []OrderLeg{b.Parent, b.StopLoss, b.TakeProfit}
}

// Quantity 返回本档数量。
func (b BracketOrderSet) Quantity() int64 {
	return b.Parent.Quantity
}

// Transmits 判断本档是否包含触发整组发送的腿。
func (b BracketOrderSet) Transmits() bool {
	for _, leg := range b.Legs() {
		if leg.Transmit {
			return true
		}
	}
	return false
}
