package monitor

import (
	"time"

	"trades-desk/internal/account"
	"trades-desk/internal/execution"
	"trades-desk/internal/order"
	"trades-desk/internal/risk"
)

// EventType 标识审计事件类别。
type EventType string

const (
	EventValidation EventType = "validation"
	EventBuild      EventType = "build"
	EventSubmission EventType = "submission"
	EventCancel     EventType = "cancel"
	EventError      EventType = "error"
)

// Valid 判断是否为已知事件类型。
func (t EventType) Valid() bool {
	switch t {
	case EventValidation, EventBuild, EventSubmission, EventCancel, EventError:
		return true
	}
	return false
}

// Event 为审计日志中的一条记录。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ValidationPayload 记录一次风控校验的输入与结论。
type ValidationPayload struct {
	Request *risk.TradeRequest    `json:"request"`
	Account *account.Snapshot     `json:"account,omitempty"`
	Result  risk.ValidationResult `json:"result"`
	Limits  risk.Limits           `json:"limits"`
}

// BuildPayload 记录生成的括号单。
type BuildPayload struct {
	Sizing risk.SizingResult       `json:"sizing"`
	Sets   []order.BracketOrderSet `json:"sets"`
}

// SubmissionPayload 记录提交结果。
type SubmissionPayload struct {
	Result execution.Result `json:"result"`
	Error  string           `json:"error,omitempty"`
}

// CancelPayload 记录撤单请求。
type CancelPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
