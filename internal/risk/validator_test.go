package risk

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"trades-desk/internal/account"
)

var testLimits = Limits{
	MaxRiskPercent:         2,
	MaxPositionPercent:     100,
	MinStopDistancePercent: 0.5,
}

func longRequest(entry, stop, risk string, targets ...ProfitTarget) *TradeRequest {
	if len(targets) == 0 {
		targets = []ProfitTarget{{Price: dec(entry).Mul(dec("1.1")), AllocationPercent: dec("100")}}
	}
	return NewTradeRequest(TradeParams{
		Symbol:        "aapl",
		Direction:     DirectionLong,
		OrderType:     OrderTypeLimit,
		Entry:         dec(entry),
		Stop:          dec(stop),
		RiskPercent:   dec(risk),
		ProfitTargets: targets,
	})
}

func singleViolation(t *testing.T, res ValidationResult, code Code) {
	t.Helper()
	if res.Valid {
		t.Fatalf("expected invalid result with %s", code)
	}
	if res.Sizing != nil {
		t.Errorf("expected nil sizing on invalid result")
	}
	if len(res.Violations) != 1 || res.Violations[0].Code != code {
		t.Fatalf("expected single violation %s, got %+v", code, res.Violations)
	}
}

func TestValidate_LongScenario(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("100000", "100000")

	req := longRequest("100.00", "95.00", "1")
	res, err := v.Validate(req, &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %v", res.Reasons())
	}
	if res.Sizing.Shares != 200 || !res.Sizing.DollarRisk.Equal(dec("1000")) {
		t.Fatalf("unexpected sizing: %+v", res.Sizing)
	}
	if res.Sizing.RequestID != req.ID() {
		t.Errorf("expected sizing stamped with request id %s, got %s", req.ID(), res.Sizing.RequestID)
	}
	if req.Symbol() != "AAPL" {
		t.Errorf("expected normalized symbol, got %s", req.Symbol())
	}
}

func TestValidate_ShortScenario(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("25000", "50000")

	req := NewTradeRequest(TradeParams{
		Symbol:        "XYZ",
		Direction:     DirectionShort,
		OrderType:     OrderTypeLimit,
		Entry:         dec("50.00"),
		Stop:          dec("52.00"),
		RiskPercent:   dec("0.5"),
		ProfitTargets: []ProfitTarget{{Price: dec("46"), AllocationPercent: dec("100")}},
	})
	res, err := v.Validate(req, &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %v", res.Reasons())
	}
	if res.Sizing.Shares != 62 || !res.Sizing.DollarRisk.Equal(dec("124")) {
		t.Fatalf("unexpected sizing: %+v", res.Sizing)
	}
}

func TestValidate_ZeroRiskDistance(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("100000", "100000")

	res, err := v.Validate(longRequest("100.00", "100.00", "1"), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	singleViolation(t, res, CodeZeroRiskDistance)
}

func TestValidate_AccountUnavailableBlocksEverything(t *testing.T) {
	v := NewValidator(testLimits, nil)

	requests := []*TradeRequest{
		longRequest("100", "95", "1"),
		longRequest("100", "100", "1"),
		longRequest("-3", "95", "50"),
		NewTradeRequest(TradeParams{}),
	}
	for _, req := range requests {
		res, err := v.Validate(req, nil)
		if err != nil {
			t.Fatalf("Validate returned error: %v", err)
		}
		singleViolation(t, res, CodeAccountUnavailable)
		if res.Violations[0].Kind != KindSystem {
			t.Errorf("expected system kind, got %s", res.Violations[0].Kind)
		}
	}
}

func TestValidate_NilRequest(t *testing.T) {
	acct := snapshot("1000", "1000")
	if _, err := NewValidator(testLimits, nil).Validate(nil, &acct); !errors.Is(err, ErrNilRequest) {
		t.Fatalf("expected ErrNilRequest, got %v", err)
	}
}

func TestValidate_InputViolations(t *testing.T) {
	acct := snapshot("100000", "100000")
	v := NewValidator(testLimits, nil)

	cases := []struct {
		name string
		req  *TradeRequest
		code Code
	}{
		{"stop above entry for long", longRequest("100", "105", "1"), CodeStopWrongSide},
		{"risk percent zero", longRequest("100", "95", "0"), CodeRiskPercentOutOfRange},
		{"risk percent over hard cap", longRequest("100", "95", "12"), CodeRiskPercentOutOfRange},
		{"risk above configured limit", longRequest("100", "95", "3"), CodeRiskAboveLimit},
		{"negative entry", longRequest("-1", "95", "1"), CodeInvalidPrice},
		{"entry above max", longRequest("6000", "95", "1"), CodePriceOutOfBounds},
		{"target below entry", longRequest("100", "95", "1",
			ProfitTarget{Price: dec("99"), AllocationPercent: dec("100")}), CodeTargetWrongSide},
		{"allocations short of 100", longRequest("100", "95", "1",
			ProfitTarget{Price: dec("110"), AllocationPercent: dec("50")},
			ProfitTarget{Price: dec("120"), AllocationPercent: dec("40")}), CodeTargetAllocation},
		{"too many targets", longRequest("100", "95", "1",
			ProfitTarget{Price: dec("110"), AllocationPercent: dec("20")},
			ProfitTarget{Price: dec("120"), AllocationPercent: dec("20")},
			ProfitTarget{Price: dec("130"), AllocationPercent: dec("20")},
			ProfitTarget{Price: dec("140"), AllocationPercent: dec("20")},
			ProfitTarget{Price: dec("150"), AllocationPercent: dec("20")}), CodeTargetCount},
		{"missing limit for stop limit", NewTradeRequest(TradeParams{
			Symbol: "AAPL", Direction: DirectionLong, OrderType: OrderTypeStopLimit,
			Entry: dec("100"), Stop: dec("95"), RiskPercent: dec("1"),
			ProfitTargets: []ProfitTarget{{Price: dec("110"), AllocationPercent: dec("100")}},
		}), CodeLimitPriceRequired},
		{"unknown direction", NewTradeRequest(TradeParams{
			Symbol: "AAPL", Direction: "SIDEWAYS", Entry: dec("100"), Stop: dec("95"), RiskPercent: dec("1"),
		}), CodeInvalidDirection},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := v.Validate(tc.req, &acct)
			if err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
			singleViolation(t, res, tc.code)
		})
	}
}

func TestValidate_ZeroSharesRejected(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("100", "100")

	// 1% of $100 is $1, each share risks $50.
	res, err := v.Validate(longRequest("100", "50", "1"), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	singleViolation(t, res, CodeZeroPositionSize)
}

func TestValidate_PositionLimit(t *testing.T) {
	limits := testLimits
	limits.MaxPositionPercent = 10
	v := NewValidator(limits, nil)
	acct := snapshot("100000", "100000")

	res, err := v.Validate(longRequest("100", "95", "1"), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	singleViolation(t, res, CodePositionTooLarge)
}

func TestValidate_Warnings(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("100000", "50000")

	res, err := v.Validate(longRequest("100", "99.90", "1"), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %v", res.Reasons())
	}

	got := map[Code]bool{}
	for _, w := range res.Warnings {
		got[w.Code] = true
	}
	if !got[CodeTightStop] || !got[CodeBuyingPowerCapped] {
		t.Fatalf("expected tight stop and buying power warnings, got %+v", res.Warnings)
	}
}

func TestValidate_StopLimitSizesOffLimitPrice(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("100000", "100000")

	req := NewTradeRequest(TradeParams{
		Symbol:        "AAPL",
		Direction:     DirectionLong,
		OrderType:     OrderTypeStopLimit,
		Entry:         dec("100"),
		LimitPrice:    dec("100.50"),
		Stop:          dec("95.50"),
		RiskPercent:   dec("1"),
		ProfitTargets: []ProfitTarget{{Price: dec("110"), AllocationPercent: dec("100")}},
	})
	res, err := v.Validate(req, &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %v", res.Reasons())
	}
	if res.Sizing.Shares != 200 {
		t.Fatalf("expected 200 shares sized off the 5.00 limit distance, got %d", res.Sizing.Shares)
	}
}

func TestValidate_NeverValidWithZeroShares(t *testing.T) {
	v := NewValidator(Limits{MaxRiskPercent: 10, MaxPositionPercent: 1000}, nil)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 3000; i++ {
		entry := decimal.NewFromFloat(0.01 + rng.Float64()*4999).Round(2)
		stop := entry.Mul(decimal.NewFromFloat(0.5 + rng.Float64())).Round(2)
		riskPct := decimal.NewFromFloat(rng.Float64() * 10).Round(2)
		acct := account.Snapshot{
			NetLiquidation: decimal.NewFromFloat(rng.Float64() * 50000).Round(2),
			BuyingPower:    decimal.NewFromFloat(rng.Float64() * 100000).Round(2),
		}
		dir := DirectionLong
		target := entry.Mul(dec("1.5")).Round(2)
		if rng.Intn(2) == 0 {
			dir = DirectionShort
			target = entry.Mul(dec("0.5")).Round(2)
		}

		req := NewTradeRequest(TradeParams{
			Symbol:        "SYM",
			Direction:     dir,
			Entry:         entry,
			Stop:          stop,
			RiskPercent:   riskPct,
			ProfitTargets: []ProfitTarget{{Price: target, AllocationPercent: dec("100")}},
		})
		res, err := v.Validate(req, &acct)
		if err != nil {
			t.Fatalf("Validate returned error: %v", err)
		}
		if res.Valid && (res.Sizing == nil || res.Sizing.Shares <= 0) {
			t.Fatalf("valid result without shares for entry=%s stop=%s risk=%s acct=%+v", entry, stop, riskPct, acct)
		}
		if !res.Valid && res.Sizing != nil {
			t.Fatalf("invalid result carries sizing: %+v", res)
		}
	}
}

func TestTradeParamsFromFloats_RejectsNaN(t *testing.T) {
	if _, err := TradeParamsFromFloats("AAPL", DirectionLong, OrderTypeLimit, math.NaN(), 95, 0, 1, nil); err == nil {
		t.Fatalf("expected error for NaN entry")
	}

	p, err := TradeParamsFromFloats("AAPL", DirectionLong, OrderTypeLimit, 100, 95, 0, 1,
		[]FloatTarget{{Price: 110, AllocationPercent: 100}})
	if err != nil {
		t.Fatalf("TradeParamsFromFloats returned error: %v", err)
	}
	if !p.Entry.Equal(dec("100")) || len(p.ProfitTargets) != 1 {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestTradeRequest_TargetsAreCopied(t *testing.T) {
	targets := []ProfitTarget{{Price: dec("110"), AllocationPercent: dec("100")}}
	req := longRequest("100", "95", "1", targets...)
	targets[0].Price = dec("1")

	got := req.ProfitTargets()
	if !got[0].Price.Equal(dec("110")) {
		t.Fatalf("request mutated through caller slice: %s", got[0].Price)
	}
	got[0].Price = dec("2")
	if !req.ProfitTargets()[0].Price.Equal(dec("110")) {
		t.Fatalf("request mutated through accessor slice")
	}
}

func TestValidate_UsesTickRoundedPrices(t *testing.T) {
	v := NewValidator(testLimits, nil)
	acct := snapshot("100000", "100000")

	// 10.004 与 10.001 取整后都是 10.00。
	res, err := v.Validate(longRequest("10.004", "10.001", "1", ProfitTarget{Price: dec("11"), AllocationPercent: dec("100")}), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	singleViolation(t, res, CodeZeroRiskDistance)

	res, err = v.Validate(longRequest("10.00", "9.50", "1", ProfitTarget{Price: dec("10.004"), AllocationPercent: dec("100")}), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	singleViolation(t, res, CodeTargetWrongSide)

	res, err = v.Validate(longRequest("100.004", "95.004", "1"), &acct)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %v", res.Reasons())
	}
	if !res.Sizing.PerShareRisk.Equal(dec("5")) || res.Sizing.Shares != 200 {
		t.Fatalf("expected sizing off rounded prices, got %+v", res.Sizing)
	}
}

func TestValidate_ZeroLimitsDeny(t *testing.T) {
	acct := snapshot("100000", "100000")

	for _, limits := range []Limits{
		{},
		{MaxRiskPercent: 2},
		{MaxPositionPercent: 100},
	} {
		res, err := NewValidator(limits, nil).Validate(longRequest("100", "95", "1"), &acct)
		if err != nil {
			t.Fatalf("Validate returned error: %v", err)
		}
		singleViolation(t, res, CodeLimitsInvalid)
		if res.Violations[0].Kind != KindSystem {
			t.Errorf("expected system kind, got %s", res.Violations[0].Kind)
		}
	}
}

func TestTradeRequest_RoundedKeepsID(t *testing.T) {
	req := longRequest("0.12345", "0.11111", "1", ProfitTarget{Price: dec("150.005"), AllocationPercent: dec("100")})
	rounded := req.Rounded()

	if rounded.ID() != req.ID() {
		t.Fatalf("rounded request changed id: %s != %s", rounded.ID(), req.ID())
	}
	if !rounded.Entry().Equal(dec("0.1235")) || !rounded.Stop().Equal(dec("0.1111")) {
		t.Fatalf("unexpected sub-dollar rounding: entry=%s stop=%s", rounded.Entry(), rounded.Stop())
	}
	if !rounded.ProfitTargets()[0].Price.Equal(dec("150.01")) {
		t.Fatalf("unexpected target rounding: %s", rounded.ProfitTargets()[0].Price)
	}
	if !req.Entry().Equal(dec("0.12345")) {
		t.Fatalf("original request mutated: %s", req.Entry())
	}
}
