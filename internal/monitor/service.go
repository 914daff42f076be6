package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-desk/internal/account"
	"trades-desk/internal/execution"
	"trades-desk/internal/gateway"
	"trades-desk/internal/order"
	"trades-desk/internal/risk"
	"trades-desk/internal/store"
)

// ErrUnknownEventType 表示事件类型不在审计范围内。
var ErrUnknownEventType = errors.New("monitor: 未知事件类型")

// Service 负责持久化审计事件。写入失败必须返回给调用方，由调用方决定是否继续。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id, event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件，返回分配的事件编号。
func (s *Service) Record(ctx context.Context, event Event) (int64, error) {
	if !event.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, request_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.RequestID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("monitor: 读取事件编号失败: %w", err)
	}
	return id, nil
}

// RecordValidation 记录风控校验，无论是否通过。
func (s *Service) RecordValidation(ctx context.Context, req *risk.TradeRequest, acct *account.Snapshot, limits risk.Limits, result risk.ValidationResult) error {
	requestID := ""
	if req != nil {
		requestID = req.ID()
	}
	_, err := s.Record(ctx, Event{
		Type:      EventValidation,
		RequestID: requestID,
		Payload:   ValidationPayload{Request: req, Account: acct, Result: result, Limits: limits},
	})
	return err
}

// RecordBuild 记录生成的括号单。
func (s *Service) RecordBuild(ctx context.Context, sizing risk.SizingResult, sets []order.BracketOrderSet) error {
	_, err := s.Record(ctx, Event{
		Type:      EventBuild,
		RequestID: sizing.RequestID,
		Payload:   BuildPayload{Sizing: sizing, Sets: sets},
	})
	return err
}

// RecordSubmission 记录提交结果，submitErr 为提交时返回的错误。
func (s *Service) RecordSubmission(ctx context.Context, result execution.Result, submitErr error) error {
	payload := SubmissionPayload{Result: result}
	if submitErr != nil {
		payload.Error = submitErr.Error()
	}
	_, err := s.Record(ctx, Event{
		Type:      EventSubmission,
		RequestID: result.RequestID,
		Payload:   payload,
	})
	return err
}

// RecordCancel 记录撤单请求。
func (s *Service) RecordCancel(ctx context.Context, orderID string, ack gateway.Ack, cancelErr error) error {
	payload := CancelPayload{OrderID: orderID, Status: string(ack.Status), Reason: ack.Reason}
	if cancelErr != nil {
		payload.Error = cancelErr.Error()
	}
	_, err := s.Record(ctx, Event{Type: EventCancel, Payload: payload})
	return err
}

// RecordError 记录异常，写入失败只打日志。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if _, recErr := s.Record(ctx, Event{Type: EventError, Payload: payload}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// Has 判断某请求是否已有指定类型的审计记录。
func (s *Service) Has(ctx context.Context, eventType EventType, requestID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM audit_events WHERE event_type = ? AND request_id = ?`,
		string(eventType), requestID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("monitor: 查询审计记录失败: %w", err)
	}
	return n > 0, nil
}

// ListEvents 按类型检索最近事件，eventType 为空时返回全部类型。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, request_id, payload, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id        int64
			typ       string
			requestID string
			payload   string
			created   string
		)
		if scanErr := rows.Scan(&id, &typ, &requestID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			s.logger.Warn("事件时间格式异常", zap.Int64("id", id), zap.String("created_at", created))
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			RequestID: requestID,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
