package levels

import (
	"errors"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"trades-desk/internal/price"
	"trades-desk/internal/risk"
)

var (
	// ErrNotEnoughBars 表示K线数量不足以计算 ATR。
	ErrNotEnoughBars = errors.New("levels: K线数量不足")
	// ErrInvalidBar 表示K线含有非正数或非有限值。
	ErrInvalidBar = errors.New("levels: K线数据无效")
	// ErrLevelOutOfBounds 表示推算出的价位超出允许范围。
	ErrLevelOutOfBounds = errors.New("levels: 推算价位超出范围")
)

// ATR 计算最后一根K线的平均真实波幅。
func ATR(series Series, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("levels: ATR 周期无效: %d", period)
	}
	if series.Len() <= period {
		return 0, fmt.Errorf("%w: 需要 %d 根，实际 %d 根", ErrNotEnoughBars, period+1, series.Len())
	}
	for i := 0; i < series.Len(); i++ {
		h, l, c := series.High[i], series.Low[i], series.Close[i]
		if !finitePositive(h) || !finitePositive(l) || !finitePositive(c) || l > h {
			return 0, fmt.Errorf("%w: 第 %d 根", ErrInvalidBar, i)
		}
	}

	atr := Last(talib.Atr(series.High, series.Low, series.Close, period))
	if math.IsNaN(atr) || atr <= 0 {
		return 0, fmt.Errorf("%w: ATR=%v", ErrInvalidBar, atr)
	}
	return atr, nil
}

// ATRStop 按 entry ∓ ATR×multiplier 推算止损价，结果按最小价位取整。
func ATRStop(direction risk.Direction, entry decimal.Decimal, bars []Bar, period int, multiplier float64) (decimal.Decimal, error) {
	if multiplier <= 0 {
		return decimal.Zero, fmt.Errorf("levels: ATR 倍数必须大于0: %v", multiplier)
	}
	atr, err := ATR(NewSeries(bars), period)
	if err != nil {
		return decimal.Zero, err
	}

	offset, err := price.FromFloat(atr * multiplier)
	if err != nil {
		return decimal.Zero, err
	}

	var stop decimal.Decimal
	switch direction {
	case risk.DirectionLong:
		stop = entry.Sub(offset)
	case risk.DirectionShort:
		stop = entry.Add(offset)
	default:
		return decimal.Zero, fmt.Errorf("levels: 未知方向 %q", direction)
	}

	stop = price.RoundToTick(stop, stop)
	if !price.ValidateBounds(stop) {
		return decimal.Zero, fmt.Errorf("%w: 止损 %s", ErrLevelOutOfBounds, stop)
	}
	return stop, nil
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
