package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trades-desk/internal/account"
	"trades-desk/internal/execution"
	"trades-desk/internal/gateway"
	"trades-desk/internal/levels"
	"trades-desk/internal/monitor"
	"trades-desk/internal/order"
	"trades-desk/internal/risk"
)

var (
	// ErrAuditUnavailable 表示审计记录未能落盘，流程不得继续。
	ErrAuditUnavailable = errors.New("app: 审计记录写入失败")
	// ErrNotAudited 表示上一步没有审计记录。
	ErrNotAudited = errors.New("app: 缺少上一步的审计记录")
)

// Auditor 为下单台使用的审计存储。
type Auditor interface {
	RecordValidation(ctx context.Context, req *risk.TradeRequest, acct *account.Snapshot, limits risk.Limits, result risk.ValidationResult) error
	RecordBuild(ctx context.Context, sizing risk.SizingResult, sets []order.BracketOrderSet) error
	RecordSubmission(ctx context.Context, result execution.Result, submitErr error) error
	RecordCancel(ctx context.Context, orderID string, ack gateway.Ack, cancelErr error) error
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
	Has(ctx context.Context, eventType monitor.EventType, requestID string) (bool, error)
}

var _ Auditor = (*monitor.Service)(nil)

// Desk 是从交易意图到委托的唯一入口：校验、生成、提交、撤单，每一步先落审计再放行。
type Desk struct {
	accounts  account.Provider
	validator *risk.Validator
	builder   *order.Builder
	submitter execution.Submitter
	audit     Auditor
	targets   []levels.TargetSpec
	logger    *zap.Logger
}

// NewDesk 组装下单台，依赖按 账户 → 风控 → 订单 → 执行 的顺序注入。
func NewDesk(accounts account.Provider, validator *risk.Validator, builder *order.Builder, submitter execution.Submitter, audit Auditor, targets []levels.TargetSpec, logger *zap.Logger) *Desk {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(targets) == 0 {
		targets = levels.DefaultTargets()
	}
	return &Desk{
		accounts:  accounts,
		validator: validator,
		builder:   builder,
		submitter: submitter,
		audit:     audit,
		targets:   targets,
		logger:    logger,
	}
}

// ValidateTrade 读取账户快照并校验请求。账户不可用时以空快照校验，结果为 ACCOUNT_UNAVAILABLE。
func (d *Desk) ValidateTrade(ctx context.Context, req *risk.TradeRequest) (risk.ValidationResult, error) {
	if req == nil {
		return risk.ValidationResult{}, risk.ErrNilRequest
	}

	var acct *account.Snapshot
	snap, err := d.accounts.Snapshot(ctx)
	switch {
	case err == nil:
		acct = &snap
	case ctx.Err() != nil:
		return risk.ValidationResult{}, ctx.Err()
	default:
		d.logger.Warn("账户快照不可用", zap.String("request_id", req.ID()), zap.Error(err))
	}

	result, err := d.validator.Validate(req, acct)
	if err != nil {
		return risk.ValidationResult{}, err
	}

	if err := d.audit.RecordValidation(ctx, req, acct, d.validator.Limits(), result); err != nil {
		d.logger.Error("校验审计写入失败", zap.String("request_id", req.ID()), zap.Error(err))
		return result, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return result, nil
}

// BuildBrackets 为已通过校验的请求生成括号单。
func (d *Desk) BuildBrackets(ctx context.Context, req *risk.TradeRequest, sizing *risk.SizingResult) ([]order.BracketOrderSet, error) {
	if req == nil || sizing == nil {
		return nil, order.ErrUnvalidatedRequest
	}
	if err := d.requireAudit(ctx, monitor.EventValidation, req.ID()); err != nil {
		return nil, err
	}

	sets, err := d.builder.Build(req, sizing)
	if err != nil {
		return nil, err
	}

	if err := d.audit.RecordBuild(ctx, *sizing, sets); err != nil {
		d.logger.Error("括号单审计写入失败", zap.String("request_id", req.ID()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return sets, nil
}

// Submit 提交已生成并已审计的括号单。提交结果无论成败都会写入审计。
func (d *Desk) Submit(ctx context.Context, sets []order.BracketOrderSet) (execution.Result, error) {
	if len(sets) == 0 {
		return execution.Result{}, execution.ErrNoOrderSets
	}
	if err := d.requireAudit(ctx, monitor.EventBuild, sets[0].RequestID); err != nil {
		return execution.Result{}, err
	}

	result, submitErr := d.submitter.Submit(ctx, sets)
	if result.RequestID == "" {
		// 未进入券商流程的编程错误。
		return result, submitErr
	}

	if err := d.audit.RecordSubmission(context.WithoutCancel(ctx), result, submitErr); err != nil {
		d.logger.Error("提交审计写入失败",
			zap.String("request_id", result.RequestID),
			zap.String("status", string(result.Status)),
			zap.Error(err),
		)
		submitErr = multierr.Append(submitErr, fmt.Errorf("%w: %v", ErrAuditUnavailable, err))
	}
	if result.NeedsReconciliation {
		d.audit.RecordError(context.WithoutCancel(ctx), "提交结果需要人工核对", submitErr, map[string]interface{}{
			"request_id": result.RequestID,
			"symbol":     result.Symbol,
			"status":     string(result.Status),
		})
	}
	return result, submitErr
}

// SubmitAsync 在后台执行 Submit，结果经通道回传一次后关闭，调用方无需阻塞等待回执。
func (d *Desk) SubmitAsync(ctx context.Context, sets []order.BracketOrderSet) <-chan execution.Outcome {
	ch := make(chan execution.Outcome, 1)
	go func() {
		defer close(ch)
		result, err := d.Submit(ctx, sets)
		ch <- execution.Outcome{Result: result, Err: err}
	}()
	return ch
}

// CancelOrder 撤销已提交的委托。
func (d *Desk) CancelOrder(ctx context.Context, orderID string) (gateway.Ack, error) {
	ack, cancelErr := d.submitter.Cancel(ctx, orderID)
	if err := d.audit.RecordCancel(context.WithoutCancel(ctx), orderID, ack, cancelErr); err != nil {
		d.logger.Error("撤单审计写入失败", zap.String("order_id", orderID), zap.Error(err))
		cancelErr = multierr.Append(cancelErr, fmt.Errorf("%w: %v", ErrAuditUnavailable, err))
	}
	return ack, cancelErr
}

// OrderStatus 查询单条委托，可传本地腿编号或券商委托号。
func (d *Desk) OrderStatus(ctx context.Context, orderID string) (gateway.OrderInfo, error) {
	return d.submitter.OrderStatus(ctx, orderID)
}

// ActiveOrders 列出暂存与未结束的委托，已成交或已撤销的不再返回。
func (d *Desk) ActiveOrders(ctx context.Context) ([]gateway.OrderInfo, error) {
	orders, err := d.submitter.ActiveOrders(ctx)
	if err != nil {
		d.logger.Warn("活动委托查询不完整", zap.Int("orders", len(orders)), zap.Error(err))
	}
	return orders, err
}

// SuggestTargets 按配置的 R 倍数推算止盈价。
func (d *Desk) SuggestTargets(direction risk.Direction, basis, stop decimal.Decimal) ([]risk.ProfitTarget, error) {
	return levels.SuggestTargets(direction, basis, stop, d.targets)
}

func (d *Desk) requireAudit(ctx context.Context, eventType monitor.EventType, requestID string) error {
	ok, err := d.audit.Has(ctx, eventType, requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotAudited, eventType, requestID)
	}
	return nil
}
