package order

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-desk/internal/account"
	"trades-desk/internal/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func request(dir risk.Direction, orderType risk.OrderType, entry, stop string, targets ...risk.ProfitTarget) *risk.TradeRequest {
	return risk.NewTradeRequest(risk.TradeParams{
		Symbol:        "AAPL",
		Direction:     dir,
		OrderType:     orderType,
		Entry:         dec(entry),
		Stop:          dec(stop),
		RiskPercent:   dec("1"),
		ProfitTargets: targets,
	})
}

func target(p, alloc string) risk.ProfitTarget {
	return risk.ProfitTarget{Price: dec(p), AllocationPercent: dec(alloc)}
}

func sizingFor(req *risk.TradeRequest, shares int64) *risk.SizingResult {
	return &risk.SizingResult{RequestID: req.ID(), Shares: shares}
}

func TestBuild_ThreeTierRemainderGoesToLastTier(t *testing.T) {
	req := request(risk.DirectionLong, risk.OrderTypeLimit, "100", "95",
		target("110", "50"), target("120", "30"), target("130", "20"))

	sets, err := NewBuilder(nil).Build(req, sizingFor(req, 347))
	require.NoError(t, err)
	require.Len(t, sets, 3)

	assert.Equal(t, []int64{173, 104, 70}, []int64{sets[0].Quantity(), sets[1].Quantity(), sets[2].Quantity()})
	for i, set := range sets {
		assert.Equal(t, i+1, set.Tier)
		for _, leg := range set.Legs() {
			assert.Equal(t, set.Quantity(), leg.Quantity)
			assert.Equal(t, set.OCAGroup, leg.OCAGroup)
		}
	}
}

func TestBuild_SharesConservedForAnySplit(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	b := NewBuilder(nil)

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4)
		allocs := make([]int, n)
		remaining := 100
		for j := 0; j < n-1; j++ {
			allocs[j] = 1 + rng.Intn(remaining-(n-1-j))
			remaining -= allocs[j]
		}
		allocs[n-1] = remaining

		targets := make([]risk.ProfitTarget, n)
		for j := range targets {
			targets[j] = risk.ProfitTarget{
				Price:             decimal.NewFromInt(int64(101 + j)),
				AllocationPercent: decimal.NewFromInt(int64(allocs[j])),
			}
		}
		req := request(risk.DirectionLong, risk.OrderTypeLimit, "100", "95", targets...)
		shares := int64(1 + rng.Intn(5000))

		sets, err := b.Build(req, sizingFor(req, shares))
		require.NoError(t, err)

		var sum int64
		transmit := 0
		for _, set := range sets {
			require.Positive(t, set.Quantity())
			sum += set.Quantity()
			for _, leg := range set.Legs() {
				if leg.Transmit {
					transmit++
				}
			}
		}
		require.Equal(t, shares, sum, "allocs=%v", allocs)
		require.Equal(t, 1, transmit)
		last := sets[len(sets)-1]
		require.True(t, last.TakeProfit.Transmit, "transmit leg must be the final take-profit")
	}
}

func TestBuild_LegShapeLong(t *testing.T) {
	req := request(risk.DirectionLong, risk.OrderTypeLimit, "100.004", "95.006", target("110.123", "100"))

	sets, err := NewBuilder(nil).Build(req, sizingFor(req, 200))
	require.NoError(t, err)
	require.Len(t, sets, 1)

	set := sets[0]
	assert.Equal(t, 0, set.Tier)
	assert.Equal(t, RoleParent, set.Parent.Role)
	assert.Equal(t, SideBuy, set.Parent.Side)
	assert.Equal(t, TypeLimit, set.Parent.Type)
	assert.True(t, dec("100").Equal(set.Parent.Price))
	assert.False(t, set.Parent.Transmit)

	assert.Equal(t, SideSell, set.StopLoss.Side)
	assert.Equal(t, TypeStop, set.StopLoss.Type)
	assert.True(t, dec("95.01").Equal(set.StopLoss.Price))
	assert.Equal(t, set.Parent.Ref, set.StopLoss.ParentRef)
	assert.False(t, set.StopLoss.Transmit)

	assert.Equal(t, SideSell, set.TakeProfit.Side)
	assert.True(t, dec("110.12").Equal(set.TakeProfit.Price))
	assert.Equal(t, set.Parent.Ref, set.TakeProfit.ParentRef)
	assert.True(t, set.TakeProfit.Transmit)
}

func TestBuild_ShortOrdersTargetsNearestFirst(t *testing.T) {
	req := request(risk.DirectionShort, risk.OrderTypeMarket, "50", "52",
		target("40", "50"), target("46", "50"))

	sets, err := NewBuilder(nil).Build(req, sizingFor(req, 62))
	require.NoError(t, err)
	require.Len(t, sets, 2)

	assert.True(t, dec("46").Equal(sets[0].TakeProfit.Price))
	assert.True(t, dec("40").Equal(sets[1].TakeProfit.Price))
	assert.Equal(t, SideSell, sets[0].Parent.Side)
	assert.Equal(t, SideBuy, sets[0].StopLoss.Side)
	assert.Equal(t, TypeMarket, sets[0].Parent.Type)
	assert.NotEqual(t, sets[0].OCAGroup, sets[1].OCAGroup)
}

func TestBuild_StopLimitParent(t *testing.T) {
	req := risk.NewTradeRequest(risk.TradeParams{
		Symbol:        "AAPL",
		Direction:     risk.DirectionLong,
		OrderType:     risk.OrderTypeStopLimit,
		Entry:         dec("100"),
		LimitPrice:    dec("100.50"),
		Stop:          dec("95"),
		RiskPercent:   dec("1"),
		ProfitTargets: []risk.ProfitTarget{target("110", "100")},
	})

	sets, err := NewBuilder(nil).Build(req, sizingFor(req, 10))
	require.NoError(t, err)

	parent := sets[0].Parent
	assert.Equal(t, TypeStopLimit, parent.Type)
	assert.True(t, dec("100").Equal(parent.TriggerPrice))
	assert.True(t, dec("100.5").Equal(parent.Price))
}

func TestBuild_SkipsEmptyTiers(t *testing.T) {
	req := request(risk.DirectionLong, risk.OrderTypeLimit, "100", "95",
		target("110", "10"), target("120", "10"), target("130", "80"))

	sets, err := NewBuilder(nil).Build(req, sizingFor(req, 3))
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, int64(3), sets[0].Quantity())
	assert.Equal(t, 3, sets[0].Tier)
	assert.True(t, sets[0].TakeProfit.Transmit)
}

func TestBuild_RejectsUnvalidatedSizing(t *testing.T) {
	req := request(risk.DirectionLong, risk.OrderTypeLimit, "100", "95", target("110", "100"))
	other := request(risk.DirectionLong, risk.OrderTypeLimit, "100", "95", target("110", "100"))
	b := NewBuilder(nil)

	_, err := b.Build(req, sizingFor(other, 100))
	assert.ErrorIs(t, err, ErrUnvalidatedRequest)

	_, err = b.Build(req, &risk.SizingResult{Shares: 100})
	assert.ErrorIs(t, err, ErrUnvalidatedRequest)

	_, err = b.Build(req, sizingFor(req, 0))
	assert.ErrorIs(t, err, ErrUnvalidatedRequest)

	_, err = b.Build(nil, sizingFor(req, 10))
	assert.ErrorIs(t, err, ErrUnvalidatedRequest)
}

func TestBuild_RejectsMissingTargets(t *testing.T) {
	req := request(risk.DirectionLong, risk.OrderTypeLimit, "100", "95")
	_, err := NewBuilder(nil).Build(req, sizingFor(req, 10))
	assert.ErrorIs(t, err, ErrInvalidTargets)
}

func TestBuild_LegPricesMatchValidatedRisk(t *testing.T) {
	v := risk.NewValidator(risk.Limits{MaxRiskPercent: 2, MaxPositionPercent: 100}, nil)
	acct := account.Snapshot{NetLiquidation: dec("100000"), BuyingPower: dec("100000")}
	req := request(risk.DirectionLong, risk.OrderTypeLimit, "100.004", "95.006", target("110.123", "100"))

	res, err := v.Validate(req, &acct)
	require.NoError(t, err)
	require.True(t, res.Valid, res.Reasons())

	sets, err := NewBuilder(nil).Build(req, res.Sizing)
	require.NoError(t, err)
	require.Len(t, sets, 1)

	distance := sets[0].Parent.Price.Sub(sets[0].StopLoss.Price)
	assert.True(t, res.Sizing.PerShareRisk.Equal(distance), "risk %s vs legs %s", res.Sizing.PerShareRisk, distance)
	assert.True(t, sets[0].TakeProfit.Price.GreaterThan(sets[0].Parent.Price))
}
