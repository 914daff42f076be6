package execution

import (
	"time"

	"trades-desk/internal/order"
)

// LegStatus 为单腿提交结果。
type LegStatus string

// LegHeld 表示已在本地暂存、尚未随发送腿到达券商；LegNotTransmitted 表示暂存后已撤回，券商从未收到。
const (
	LegAccepted       LegStatus = "accepted"
	LegHeld           LegStatus = "held"
	LegRejected       LegStatus = "rejected"
	LegGatewayError   LegStatus = "gateway_error"
	LegCancelled      LegStatus = "cancelled"
	LegNotSent        LegStatus = "not_sent"
	LegNotTransmitted LegStatus = "not_transmitted"
)

// TierStatus 为一档括号单的结果。
type TierStatus string

const (
	TierComplete       TierStatus = "complete"
	TierPartial        TierStatus = "partial"
	TierFailed         TierStatus = "failed"
	TierCancelled      TierStatus = "cancelled"
	TierSkipped        TierStatus = "skipped"
	TierHeld           TierStatus = "held"
	TierNotTransmitted TierStatus = "not_transmitted"
)

// Status 为整体提交结果。
type Status string

const (
	StatusComplete  Status = "complete"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Options 控制提交行为。
type Options struct {
	AckTimeout   time.Duration
	AllOrNothing bool
}

// LegResult 记录单腿回执。
type LegResult struct {
	Ref     string     `json:"ref"`
	Role    order.Role `json:"role"`
	OrderID string     `json:"order_id,omitempty"`
	Status  LegStatus  `json:"status"`
	Reason  string     `json:"reason,omitempty"`
	AckedAt time.Time  `json:"acked_at,omitempty"`
}

// TierResult 记录一档括号单的提交情况。
type TierResult struct {
	Tier     int         `json:"tier"`
	OCAGroup string      `json:"oca_group"`
	Quantity int64       `json:"quantity"`
	Status   TierStatus  `json:"status"`
	Legs     []LegResult `json:"legs"`
}

// Accepted 统计已被券商接受的腿数，暂存中的腿不计入。
func (t TierResult) Accepted() int {
	n := 0
	for _, leg := range t.Legs {
		if leg.Status == LegAccepted {
			n++
		}
	}
	return n
}

// Result 为一次提交的完整结果。NeedsReconciliation 为 true 时需要人工核对券商侧状态。
type Result struct {
	RequestID           string       `json:"request_id"`
	Symbol              string       `json:"symbol"`
	Status              Status       `json:"status"`
	Tiers               []TierResult `json:"tiers"`
	NeedsReconciliation bool         `json:"needs_reconciliation"`
	SubmittedAt         time.Time    `json:"submitted_at"`
	CompletedAt         time.Time    `json:"completed_at"`
	Notes               []string     `json:"notes,omitempty"`
}

// Outcome 为异步提交的回传值。
type Outcome struct {
	Result Result
	Err    error
}
