package levels

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trades-desk/internal/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func flatBars(n int) []Bar {
	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := make([]Bar, n)
	// 倒序提供，验证按时间排序。
	for i := 0; i < n; i++ {
		bars[n-1-i] = Bar{
			Time:  start.Add(time.Duration(i) * time.Minute),
			Open:  100,
			High:  101,
			Low:   99,
			Close: 100,
		}
	}
	return bars
}

func TestATRFlatRange(t *testing.T) {
	atr, err := ATR(NewSeries(flatBars(20)), 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(atr-2) > 1e-9 {
		t.Fatalf("expected ATR 2, got %v", atr)
	}
}

func TestATRNotEnoughBars(t *testing.T) {
	_, err := ATR(NewSeries(flatBars(14)), 14)
	if !errors.Is(err, ErrNotEnoughBars) {
		t.Fatalf("expected ErrNotEnoughBars, got %v", err)
	}
}

func TestATRRejectsBadBars(t *testing.T) {
	bars := flatBars(20)
	bars[5].Low = math.NaN()
	if _, err := ATR(NewSeries(bars), 14); !errors.Is(err, ErrInvalidBar) {
		t.Fatalf("expected ErrInvalidBar, got %v", err)
	}
}

func TestATRStop(t *testing.T) {
	long, err := ATRStop(risk.DirectionLong, dec("100"), flatBars(20), 14, 1.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !long.Equal(dec("97")) {
		t.Fatalf("expected long stop 97, got %s", long)
	}

	short, err := ATRStop(risk.DirectionShort, dec("100"), flatBars(20), 14, 1.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !short.Equal(dec("103")) {
		t.Fatalf("expected short stop 103, got %s", short)
	}

	if _, err := ATRStop(risk.DirectionLong, dec("2"), flatBars(20), 14, 1.5); !errors.Is(err, ErrLevelOutOfBounds) {
		t.Fatalf("expected ErrLevelOutOfBounds for negative stop, got %v", err)
	}
}

func TestRMultiple(t *testing.T) {
	if got := RMultiple(dec("100"), dec("95"), dec("115")); !got.Equal(dec("3")) {
		t.Fatalf("expected 3R, got %s", got)
	}
	if got := RMultiple(dec("100"), dec("105"), dec("90")); !got.Equal(dec("2")) {
		t.Fatalf("expected 2R for short, got %s", got)
	}
	if got := RMultiple(dec("100"), dec("100"), dec("110")); !got.IsZero() {
		t.Fatalf("expected 0 for zero risk, got %s", got)
	}
}

func TestSuggestTargetsLong(t *testing.T) {
	targets, err := SuggestTargets(risk.DirectionLong, dec("50.00"), dec("48.50"), DefaultTargets())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"53", "56", "59", "80"}
	if len(targets) != len(want) {
		t.Fatalf("expected %d targets, got %d", len(want), len(targets))
	}
	sum := decimal.Zero
	for i, tgt := range targets {
		if !tgt.Price.Equal(dec(want[i])) {
			t.Fatalf("target %d: expected %s, got %s", i, want[i], tgt.Price)
		}
		sum = sum.Add(tgt.AllocationPercent)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected allocations to sum to 100, got %s", sum)
	}
}

func TestSuggestTargetsShortRoundsToTick(t *testing.T) {
	targets, err := SuggestTargets(risk.DirectionShort, dec("10.00"), dec("10.333"), []TargetSpec{{RMultiple: 1, AllocationPercent: 100}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !targets[0].Price.Equal(dec("9.67")) {
		t.Fatalf("expected 9.67, got %s", targets[0].Price)
	}
}

func TestSuggestTargetsErrors(t *testing.T) {
	if _, err := SuggestTargets(risk.DirectionLong, dec("10"), dec("10"), DefaultTargets()); !errors.Is(err, ErrZeroRisk) {
		t.Fatalf("expected ErrZeroRisk, got %v", err)
	}
	if _, err := SuggestTargets(risk.DirectionShort, dec("10"), dec("12"), DefaultTargets()); !errors.Is(err, ErrLevelOutOfBounds) {
		t.Fatalf("expected ErrLevelOutOfBounds, got %v", err)
	}
	if _, err := SuggestTargets(risk.DirectionLong, dec("10"), dec("9"), []TargetSpec{{RMultiple: 0, AllocationPercent: 100}}); err == nil {
		t.Fatalf("expected error for zero R multiple")
	}
}
