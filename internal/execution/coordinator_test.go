package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-desk/internal/gateway"
	"trades-desk/internal/order"
	"trades-desk/internal/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func threeTierSets(t *testing.T) []order.BracketOrderSet {
	t.Helper()
	req := risk.NewTradeRequest(risk.TradeParams{
		Symbol:      "AAPL",
		Direction:   risk.DirectionLong,
		OrderType:   risk.OrderTypeLimit,
		Entry:       dec("100"),
		Stop:        dec("95"),
		RiskPercent: dec("1"),
		ProfitTargets: []risk.ProfitTarget{
			{Price: dec("110"), AllocationPercent: dec("50")},
			{Price: dec("120"), AllocationPercent: dec("30")},
			{Price: dec("130"), AllocationPercent: dec("20")},
		},
	})
	sets, err := order.NewBuilder(nil).Build(req, &risk.SizingResult{RequestID: req.ID(), Shares: 347})
	require.NoError(t, err)
	require.Len(t, sets, 3)
	return sets
}

func TestSubmit_AllTiersAccepted(t *testing.T) {
	paper := gateway.NewPaper(nil)
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	result, err := c.Submit(context.Background(), threeTierSets(t))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, result.Status)
	assert.False(t, result.NeedsReconciliation)
	for _, tier := range result.Tiers {
		assert.Equal(t, TierComplete, tier.Status)
		assert.Equal(t, 3, tier.Accepted())
	}
	assert.Len(t, paper.Orders(), 9)
}

func TestSubmit_RejectedTierDoesNotBlockOthers(t *testing.T) {
	paper := gateway.NewPaper(nil)
	paper.RejectWhen(func(leg order.OrderLeg) string {
		if leg.TargetTier == 2 && leg.Role == order.RoleStopLoss {
			return "stop price too close"
		}
		return ""
	})
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	result, err := c.Submit(context.Background(), threeTierSets(t))
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, result.Status)
	assert.True(t, result.NeedsReconciliation)

	tier2 := result.Tiers[1]
	assert.Equal(t, TierFailed, tier2.Status)
	assert.Equal(t, LegNotTransmitted, tier2.Legs[0].Status)
	assert.Equal(t, LegRejected, tier2.Legs[1].Status)
	assert.Equal(t, "stop price too close", tier2.Legs[1].Reason)
	assert.Equal(t, LegNotSent, tier2.Legs[2].Status)
	assert.Zero(t, tier2.Accepted())

	assert.Equal(t, TierComplete, result.Tiers[0].Status)
	assert.Equal(t, TierComplete, result.Tiers[2].Status)
	for _, leg := range result.Tiers[0].Legs {
		assert.Equal(t, LegAccepted, leg.Status)
		assert.True(t, strings.HasPrefix(leg.OrderID, "PAPER"), leg.OrderID)
	}
	assert.Len(t, paper.Orders(), 6)

	active, err := paper.ActiveOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 6)
}

func TestSubmit_AllOrNothingSkipsTransmit(t *testing.T) {
	paper := gateway.NewPaper(nil)
	paper.RejectWhen(func(leg order.OrderLeg) string {
		if leg.TargetTier == 1 && leg.Role == order.RoleParent {
			return "symbol halted"
		}
		return ""
	})
	c := NewCoordinator(paper, Options{AckTimeout: time.Second, AllOrNothing: true}, nil)

	result, err := c.Submit(context.Background(), threeTierSets(t))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, TierFailed, result.Tiers[0].Status)
	assert.Contains(t, []TierStatus{TierNotTransmitted, TierCancelled}, result.Tiers[1].Status)
	assert.Zero(t, result.Tiers[1].Accepted())
	assert.Equal(t, TierSkipped, result.Tiers[2].Status)
	for _, leg := range result.Tiers[2].Legs {
		assert.Equal(t, LegNotSent, leg.Status)
	}
	assert.NotEmpty(t, result.Notes)
	assert.Empty(t, paper.Orders())

	active, err := paper.ActiveOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSubmit_GatewayErrorIsReported(t *testing.T) {
	paper := gateway.NewPaper(nil)
	paper.FailWhen(func(leg order.OrderLeg) error {
		if leg.Transmit {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	result, err := c.Submit(context.Background(), threeTierSets(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, result.NeedsReconciliation)
	assert.NotEmpty(t, result.Notes)
	for _, tier := range result.Tiers[:2] {
		assert.Equal(t, TierNotTransmitted, tier.Status)
		for _, leg := range tier.Legs {
			assert.Equal(t, LegNotTransmitted, leg.Status)
		}
	}
	final := result.Tiers[2]
	assert.Equal(t, TierFailed, final.Status)
	assert.Equal(t, LegNotTransmitted, final.Legs[0].Status)
	assert.Equal(t, LegNotTransmitted, final.Legs[1].Status)
	assert.Equal(t, LegGatewayError, final.Legs[2].Status)
	assert.Empty(t, paper.Orders())

	// 故障恢复后，下一笔请求只发出自己的括号单。
	paper.FailWhen(nil)
	next := threeTierSets(t)
	require.NotEqual(t, result.RequestID, next[0].RequestID)

	again, err := c.Submit(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, again.Status)

	orders := paper.Orders()
	require.Len(t, orders, 9)
	for _, o := range orders {
		assert.Equal(t, next[0].RequestID, o.Leg.RequestID)
	}
}

func TestSubmit_BrokerRejectsSiblingGroup(t *testing.T) {
	paper := gateway.NewPaper(nil)
	sets := threeTierSets(t)
	paper.RejectOnSubmit(func(parent order.OrderLeg) string {
		if parent.Ref == sets[0].Parent.Ref {
			return "insufficient buying power"
		}
		return ""
	})
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	result, err := c.Submit(context.Background(), sets)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, result.Status)
	assert.True(t, result.NeedsReconciliation)

	rejected := result.Tiers[0]
	assert.Equal(t, TierFailed, rejected.Status)
	for _, leg := range rejected.Legs {
		assert.Equal(t, LegRejected, leg.Status)
		assert.Equal(t, "insufficient buying power", leg.Reason)
	}
	assert.Equal(t, TierComplete, result.Tiers[1].Status)
	assert.Equal(t, TierComplete, result.Tiers[2].Status)
	assert.Len(t, paper.Orders(), 6)
}

func TestSubmit_AckTimeout(t *testing.T) {
	paper := gateway.NewPaper(nil)
	paper.SetLatency(200 * time.Millisecond)
	c := NewCoordinator(paper, Options{AckTimeout: 20 * time.Millisecond}, nil)

	sets := threeTierSets(t)
	result, err := c.Submit(context.Background(), sets[2:])
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	parent := result.Tiers[0].Legs[0]
	assert.Equal(t, LegGatewayError, parent.Status)
	assert.Contains(t, parent.Reason, "未收到回执")
	assert.Equal(t, TierFailed, result.Tiers[0].Status)
	assert.True(t, result.NeedsReconciliation)
}

func TestSubmit_CallerCancelled(t *testing.T) {
	c := NewCoordinator(gateway.NewPaper(nil), Options{AckTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := c.Submit(ctx, threeTierSets(t))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	for _, tier := range result.Tiers {
		assert.Equal(t, TierCancelled, tier.Status)
	}
}

func TestSubmit_SetsAreConsumedOnce(t *testing.T) {
	c := NewCoordinator(gateway.NewPaper(nil), Options{}, nil)
	sets := threeTierSets(t)

	_, err := c.Submit(context.Background(), sets)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), sets)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmit_ProgrammerErrors(t *testing.T) {
	c := NewCoordinator(gateway.NewPaper(nil), Options{}, nil)

	_, err := c.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoOrderSets)

	sets := threeTierSets(t)
	_, err = c.Submit(context.Background(), sets[:2])
	assert.ErrorIs(t, err, ErrNoTransmitLeg)

	doubled := threeTierSets(t)
	doubled[0].TakeProfit.Transmit = true
	_, err = c.Submit(context.Background(), doubled)
	assert.ErrorIs(t, err, ErrMultipleTransmitLegs)
}

func TestSubmitAsync_DeliversOutcome(t *testing.T) {
	c := NewCoordinator(gateway.NewPaper(nil), Options{AckTimeout: time.Second}, nil)

	select {
	case out, ok := <-c.SubmitAsync(context.Background(), threeTierSets(t)):
		require.True(t, ok)
		require.NoError(t, out.Err)
		assert.Equal(t, StatusComplete, out.Result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for submission outcome")
	}
}

func TestCancel_AfterSubmission(t *testing.T) {
	paper := gateway.NewPaper(nil)
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	result, err := c.Submit(context.Background(), threeTierSets(t)[2:])
	require.NoError(t, err)

	for _, leg := range result.Tiers[0].Legs {
		assert.Equal(t, LegAccepted, leg.Status)
	}
	tp := result.Tiers[0].Legs[2]
	ack, err := c.Cancel(context.Background(), tp.OrderID)
	require.NoError(t, err)
	assert.True(t, ack.Accepted())

	_, err = c.Cancel(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, gateway.ErrUnknownOrder)
}

func TestSubmit_StagedLegsAreHeldUntilTransmit(t *testing.T) {
	paper := gateway.NewPaper(nil)
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	sets := threeTierSets(t)
	tier, groups := c.submitTier(context.Background(), sets[0])
	assert.Equal(t, TierHeld, tier.Status)
	assert.Zero(t, tier.Accepted())
	assert.Empty(t, groups)
	for _, leg := range tier.Legs {
		assert.Equal(t, LegHeld, leg.Status)
		assert.Equal(t, leg.Ref, leg.OrderID)
	}
	assert.Empty(t, paper.Orders())
}

func TestOrderQueries(t *testing.T) {
	paper := gateway.NewPaper(nil)
	c := NewCoordinator(paper, Options{AckTimeout: time.Second}, nil)

	result, err := c.Submit(context.Background(), threeTierSets(t)[2:])
	require.NoError(t, err)

	parent := result.Tiers[0].Legs[0]
	info, err := c.OrderStatus(context.Background(), parent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, gateway.OrderOpen, info.State)
	assert.Equal(t, parent.Ref, info.ClientRef)

	active, err := c.ActiveOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 3)

	_, err = c.OrderStatus(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, gateway.ErrUnknownOrder)
}
