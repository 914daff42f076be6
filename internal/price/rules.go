package price

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// MinPrice 为允许下单的最低价格。
	MinPrice = decimal.RequireFromString("0.01")
	// MaxPrice 为价格熔断上限，超出即拒绝，不做截断。
	MaxPrice = decimal.RequireFromString("5000.00")

	// ErrNonFinite 表示输入为 NaN 或无穷大。
	ErrNonFinite = errors.New("price: 价格不是有限数值")

	one = decimal.NewFromInt(1)
)

const (
	pennyPlaces    int32 = 2
	subPennyPlaces int32 = 4
)

// RoundToTick 按参考价所在档位对价格取整：参考价 >= 1 保留两位小数，否则保留四位。
func RoundToTick(p, reference decimal.Decimal) decimal.Decimal {
	return p.Round(TickPlaces(reference))
}

// TickPlaces 返回参考价对应的小数位数。
func TickPlaces(reference decimal.Decimal) int32 {
	if reference.GreaterThanOrEqual(one) {
		return pennyPlaces
	}
	return subPennyPlaces
}

// ValidateBounds 判断价格是否位于 [0.01, 5000.00]。
func ValidateBounds(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(MinPrice) && p.LessThanOrEqual(MaxPrice)
}

// ValidateBoundsFloat 为浮点输入的边界校验，NaN 与无穷大一律视为越界。
func ValidateBoundsFloat(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return ValidateBounds(decimal.NewFromFloat(f))
}

// FromFloat 将浮点价格转换为 decimal，拒绝非有限值。
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNonFinite, f)
	}
	return decimal.NewFromFloat(f), nil
}
