package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-desk/internal/gateway"
	"trades-desk/internal/order"
)

var (
	// ErrNoOrderSets 表示没有可提交的括号单。
	ErrNoOrderSets = errors.New("execution: 没有可提交的括号单")
	// ErrAlreadySubmitted 表示括号单已提交过，不能重复使用。
	ErrAlreadySubmitted = errors.New("execution: 括号单已提交")
	// ErrNoTransmitLeg 表示括号单中缺少发送腿。
	ErrNoTransmitLeg = errors.New("execution: 缺少发送腿")
	// ErrMultipleTransmitLegs 表示同一批括号单中有多条发送腿。
	ErrMultipleTransmitLegs = errors.New("execution: 发送腿不唯一")

	errTierFailed = errors.New("execution: 档位提交失败")
)

const defaultAckTimeout = 10 * time.Second

// Coordinator 负责把括号单按顺序提交到券商并汇总回执，不做自动重试，也不撤销已到达券商的委托。
// 发送腿未成功时，仍在本地暂存的腿会被撤回，不会留给后续请求带出。
type Coordinator struct {
	gateway gateway.Gateway
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	submitted map[string]struct{}
}

// NewCoordinator 创建提交协调器。
func NewCoordinator(gw gateway.Gateway, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	return &Coordinator{
		gateway:   gw,
		opts:      opts,
		logger:    logger,
		submitted: make(map[string]struct{}),
	}
}

// SubmitAsync 在后台提交并通过通道回传结果，通道只发送一次后关闭。
func (c *Coordinator) SubmitAsync(ctx context.Context, sets []order.BracketOrderSet) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		result, err := c.Submit(ctx, sets)
		ch <- Outcome{Result: result, Err: err}
	}()
	return ch
}

// Submit 提交一组括号单。档内按 开仓→止损→止盈 顺序等待回执；非发送档并发提交，
// 含发送腿的档位最后提交。券商故障时返回包装了 gateway.ErrUnavailable 的错误以及完整结果。
func (c *Coordinator) Submit(ctx context.Context, sets []order.BracketOrderSet) (Result, error) {
	if len(sets) == 0 {
		return Result{}, ErrNoOrderSets
	}

	finalIdx, transmits := -1, 0
	for i, set := range sets {
		for _, leg := range set.Legs() {
			if leg.Transmit {
				transmits++
				finalIdx = i
			}
		}
	}
	if finalIdx < 0 {
		return Result{}, ErrNoTransmitLeg
	}
	if transmits > 1 {
		return Result{}, fmt.Errorf("%w: %d", ErrMultipleTransmitLegs, transmits)
	}
	if err := c.reserve(sets); err != nil {
		return Result{}, err
	}

	result := Result{
		RequestID:   sets[0].RequestID,
		Symbol:      sets[0].Symbol,
		Tiers:       make([]TierResult, len(sets)),
		SubmittedAt: time.Now().UTC(),
	}

	c.logger.Info("开始提交括号单",
		zap.String("request_id", result.RequestID),
		zap.String("symbol", result.Symbol),
		zap.String("gateway", c.gateway.Name()),
		zap.Int("tiers", len(sets)),
		zap.Bool("all_or_nothing", c.opts.AllOrNothing),
	)

	failed := c.submitSiblings(ctx, sets, finalIdx, result.Tiers)

	switch {
	case failed && c.opts.AllOrNothing:
		result.Tiers[finalIdx] = skippedTier(sets[finalIdx])
		c.cancelSiblings(ctx, sets, finalIdx, result.Tiers)
		result.Notes = append(result.Notes, "有档位失败，已放弃发送腿")
	case ctx.Err() != nil:
		result.Tiers[finalIdx] = cancelledTier(sets[finalIdx])
	default:
		tier, groups := c.submitTier(ctx, sets[finalIdx])
		result.Tiers[finalIdx] = tier
		applyGroups(sets, result.Tiers, groups)
	}

	if n := c.withdrawHeld(ctx, sets, result.Tiers); n > 0 {
		result.Notes = append(result.Notes, fmt.Sprintf("本批次未全部发出，已撤回 %d 条暂存委托", n))
	}

	result.CompletedAt = time.Now().UTC()
	result.Status, result.NeedsReconciliation = summarize(result.Tiers)
	c.record(result)

	if hasGatewayError(result.Tiers) {
		return result, fmt.Errorf("execution: 提交过程中券商异常: %w", gateway.ErrUnavailable)
	}
	return result, nil
}

// OrderStatus 查询委托状态，用于提交后的人工核对。
func (c *Coordinator) OrderStatus(ctx context.Context, orderID string) (gateway.OrderInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	info, err := c.gateway.OrderStatus(queryCtx, orderID)
	if err != nil {
		return info, fmt.Errorf("execution: 查询委托 %s 失败: %w", orderID, err)
	}
	return info, nil
}

// ActiveOrders 返回暂存与未结束的委托；部分查询失败时同时返回已取得的结果。
func (c *Coordinator) ActiveOrders(ctx context.Context) ([]gateway.OrderInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	orders, err := c.gateway.ActiveOrders(queryCtx)
	if err != nil {
		return orders, fmt.Errorf("execution: 查询活动委托失败: %w", err)
	}
	return orders, nil
}

// Cancel 对已确认的委托发起撤单。
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (gateway.Ack, error) {
	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	ack, err := c.gateway.CancelOrder(ackCtx, orderID)
	status := string(ack.Status)
	if err != nil {
		status = "error"
		c.logger.Error("撤单失败", zap.String("order_id", orderID), zap.Error(err))
	} else {
		c.logger.Info("撤单回执",
			zap.String("order_id", orderID),
			zap.String("status", status),
			zap.String("reason", ack.Reason),
		)
	}
	metricCancels.WithLabelValues(c.gateway.Name(), status).Inc()

	if err != nil {
		return ack, fmt.Errorf("execution: 撤单 %s 失败: %w", orderID, err)
	}
	return ack, nil
}

func (c *Coordinator) reserve(sets []order.BracketOrderSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(sets))
	for _, set := range sets {
		if _, ok := c.submitted[set.OCAGroup]; ok {
			return fmt.Errorf("%w: OCA %s", ErrAlreadySubmitted, set.OCAGroup)
		}
		if _, ok := seen[set.OCAGroup]; ok {
			return fmt.Errorf("%w: 同批次重复 OCA %s", ErrAlreadySubmitted, set.OCAGroup)
		}
		seen[set.OCAGroup] = struct{}{}
	}
	for oca := range seen {
		c.submitted[oca] = struct{}{}
	}
	return nil
}

// submitSiblings 并发提交非发送档，返回是否有档位未能完整暂存或被接受。
func (c *Coordinator) submitSiblings(ctx context.Context, sets []order.BracketOrderSet, finalIdx int, out []TierResult) bool {
	group, groupCtx := errgroup.WithContext(ctx)
	tierCtx := ctx
	if c.opts.AllOrNothing {
		tierCtx = groupCtx
	}

	for i := range sets {
		if i == finalIdx {
			continue
		}
		group.Go(func() error {
			out[i], _ = c.submitTier(tierCtx, sets[i])
			if out[i].Status != TierComplete && out[i].Status != TierHeld {
				return errTierFailed
			}
			return nil
		})
	}
	return group.Wait() != nil
}

// submitTier 按 开仓→止损→止盈 顺序提交一档，同时返回发送腿带出的逐组结果。
func (c *Coordinator) submitTier(ctx context.Context, set order.BracketOrderSet) (TierResult, []gateway.GroupResult) {
	legs := set.Legs()
	tier := TierResult{
		Tier:     set.Tier,
		OCAGroup: set.OCAGroup,
		Quantity: set.Quantity(),
		Legs:     make([]LegResult, len(legs)),
	}
	for i, leg := range legs {
		tier.Legs[i] = LegResult{Ref: leg.Ref, Role: leg.Role, Status: LegNotSent}
	}

	var groups []gateway.GroupResult
	for i, leg := range legs {
		if ctx.Err() != nil {
			break
		}

		res, flushed := c.placeLeg(ctx, leg)
		tier.Legs[i] = res
		groups = append(groups, flushed...)
		metricLegs.WithLabelValues(c.gateway.Name(), string(res.Status)).Inc()
		if res.Status != LegAccepted && res.Status != LegHeld {
			c.logger.Warn("委托未被接受，停止提交本档后续腿",
				zap.String("oca_group", set.OCAGroup),
				zap.String("ref", leg.Ref),
				zap.String("role", string(leg.Role)),
				zap.String("status", string(res.Status)),
				zap.String("reason", res.Reason),
			)
			break
		}
	}

	tier.Status = tierStatus(tier.Legs)
	return tier, groups
}

func (c *Coordinator) placeLeg(ctx context.Context, leg order.OrderLeg) (LegResult, []gateway.GroupResult) {
	res := LegResult{Ref: leg.Ref, Role: leg.Role}

	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	ack, err := c.gateway.PlaceOrder(ackCtx, leg)
	cancel()
	res.AckedAt = time.Now().UTC()

	switch {
	case err == nil && ack.Accepted() && ack.Staged:
		res.Status = LegHeld
		res.OrderID = ack.OrderID
	case err == nil && ack.Accepted():
		res.Status = LegAccepted
		res.OrderID = ack.OrderID
	case err == nil:
		res.Status = LegRejected
		res.OrderID = ack.OrderID
		res.Reason = ack.Reason
	case ctx.Err() != nil:
		res.Status = LegCancelled
		res.Reason = ctx.Err().Error()
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = LegGatewayError
		res.Reason = fmt.Sprintf("%s 内未收到回执", c.opts.AckTimeout)
	default:
		res.Status = LegGatewayError
		res.Reason = err.Error()
	}
	return res, ack.Groups
}

// applyGroups 按券商返回的逐组结果更新各档位中暂存的腿。
func applyGroups(sets []order.BracketOrderSet, tiers []TierResult, groups []gateway.GroupResult) {
	if len(groups) == 0 {
		return
	}
	index := make(map[string]int, len(sets))
	for i, set := range sets {
		index[set.OCAGroup] = i
	}

	for _, g := range groups {
		i, ok := index[g.OCAGroup]
		if !ok {
			continue
		}
		for j := range tiers[i].Legs {
			leg := &tiers[i].Legs[j]
			if leg.Status != LegHeld {
				continue
			}
			switch {
			case g.Err != nil:
				leg.Status = LegGatewayError
				leg.Reason = g.Err.Error()
			case g.Status == gateway.AckRejected:
				leg.Status = LegRejected
				leg.Reason = g.Reason
			default:
				leg.Status = LegAccepted
				leg.OrderID = g.OrderIDs[leg.Ref]
			}
		}
		tiers[i].Status = tierStatus(tiers[i].Legs)
	}
}

// withdrawHeld 撤回仍在本地暂存的腿并返回撤回条数。撤回失败的腿保持 held，需要人工核对。
func (c *Coordinator) withdrawHeld(ctx context.Context, sets []order.BracketOrderSet, tiers []TierResult) int {
	cleanupCtx := context.WithoutCancel(ctx)
	withdrawn := 0
	for i := range tiers {
		var held []int
		for j, leg := range tiers[i].Legs {
			if leg.Status == LegHeld {
				held = append(held, j)
			}
		}
		if len(held) == 0 {
			continue
		}

		// 撤回开仓腿即撤回整组。
		var refs []string
		if held[0] == 0 {
			refs = []string{tiers[i].Legs[0].Ref}
		} else {
			for _, j := range held {
				refs = append(refs, tiers[i].Legs[j].Ref)
			}
		}

		ok := true
		for _, ref := range refs {
			ack, err := c.Cancel(cleanupCtx, ref)
			if err != nil || !ack.Accepted() {
				ok = false
			}
		}
		if !ok {
			c.logger.Error("暂存委托撤回失败", zap.String("oca_group", sets[i].OCAGroup))
			continue
		}

		for _, j := range held {
			tiers[i].Legs[j].Status = LegNotTransmitted
			tiers[i].Legs[j].Reason = "本批次未发出，暂存委托已撤回"
		}
		withdrawn += len(held)
		tiers[i].Status = tierStatus(tiers[i].Legs)
		c.logger.Info("已撤回暂存委托", zap.String("oca_group", sets[i].OCAGroup), zap.Int("legs", len(held)))
	}
	return withdrawn
}

// cancelSiblings 撤销其它档位已被接受的委托，撤开仓腿即撤整组。
func (c *Coordinator) cancelSiblings(ctx context.Context, sets []order.BracketOrderSet, finalIdx int, tiers []TierResult) {
	cleanupCtx := context.WithoutCancel(ctx)
	for i := range tiers {
		if i == finalIdx || tiers[i].Accepted() == 0 {
			continue
		}
		parent := tiers[i].Legs[0]
		if parent.Status != LegAccepted {
			continue
		}

		wasComplete := tiers[i].Status == TierComplete
		ack, err := c.Cancel(cleanupCtx, parent.OrderID)
		if err != nil || !ack.Accepted() {
			tiers[i].Status = TierPartial
			continue
		}
		for j := range tiers[i].Legs {
			if tiers[i].Legs[j].Status == LegAccepted {
				tiers[i].Legs[j].Status = LegCancelled
				tiers[i].Legs[j].Reason = "同批次其它档位失败"
			}
		}
		tiers[i].Status = TierCancelled
		if !wasComplete {
			tiers[i].Status = TierFailed
		}
		c.logger.Info("已撤销兄弟档位", zap.String("oca_group", sets[i].OCAGroup))
	}
}

func (c *Coordinator) record(result Result) {
	metricSubmissions.WithLabelValues(c.gateway.Name(), string(result.Status)).Inc()
	if result.NeedsReconciliation {
		metricReconciliation.Inc()
	}

	fields := []zap.Field{
		zap.String("request_id", result.RequestID),
		zap.String("status", string(result.Status)),
		zap.Bool("needs_reconciliation", result.NeedsReconciliation),
		zap.Duration("elapsed", result.CompletedAt.Sub(result.SubmittedAt)),
	}
	if result.Status == StatusComplete {
		c.logger.Info("括号单提交完成", fields...)
		return
	}
	c.logger.Warn("括号单提交未完整完成", fields...)
}

func tierStatus(legs []LegResult) TierStatus {
	var accepted, held, withdrawn, failed int
	for _, leg := range legs {
		switch leg.Status {
		case LegAccepted:
			accepted++
		case LegHeld:
			held++
		case LegNotTransmitted:
			withdrawn++
		case LegRejected, LegGatewayError:
			failed++
		}
	}
	switch {
	case accepted == len(legs):
		return TierComplete
	case accepted > 0:
		return TierPartial
	case failed > 0:
		return TierFailed
	case held > 0:
		return TierHeld
	case withdrawn > 0:
		return TierNotTransmitted
	default:
		return TierCancelled
	}
}

func skippedTier(set order.BracketOrderSet) TierResult {
	tier := notSentTier(set)
	tier.Status = TierSkipped
	return tier
}

func cancelledTier(set order.BracketOrderSet) TierResult {
	tier := notSentTier(set)
	tier.Status = TierCancelled
	return tier
}

func notSentTier(set order.BracketOrderSet) TierResult {
	legs := set.Legs()
	tier := TierResult{
		Tier:     set.Tier,
		OCAGroup: set.OCAGroup,
		Quantity: set.Quantity(),
		Legs:     make([]LegResult, len(legs)),
	}
	for i, leg := range legs {
		tier.Legs[i] = LegResult{Ref: leg.Ref, Role: leg.Role, Status: LegNotSent}
	}
	return tier
}

// summarize 计算整体状态；部分成功、回执未知、暂存未撤回或中途取消都需要人工核对。
func summarize(tiers []TierResult) (Status, bool) {
	var complete, partial, failed int
	reconcile := false
	for _, tier := range tiers {
		switch tier.Status {
		case TierComplete:
			complete++
		case TierPartial:
			partial++
		case TierFailed:
			failed++
		}
		for _, leg := range tier.Legs {
			if leg.Status == LegGatewayError || leg.Status == LegHeld || (leg.Status == LegCancelled && leg.OrderID == "") {
				reconcile = true
			}
		}
	}

	switch {
	case complete == len(tiers):
		return StatusComplete, reconcile
	case complete > 0 || partial > 0:
		return StatusPartial, true
	case failed > 0:
		return StatusFailed, reconcile
	default:
		return StatusCancelled, reconcile
	}
}

func hasGatewayError(tiers []TierResult) bool {
	for _, tier := range tiers {
		for _, leg := range tier.Legs {
			if leg.Status == LegGatewayError {
				return true
			}
		}
	}
	return false
}
