package levels

import (
	"math"
	"sort"
	"time"
)

// Bar 为调用方提供的一根K线。
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series 将K线数据拆分为便于指标计算的序列。
type Series struct {
	Timestamps []time.Time
	High       []float64
	Low        []float64
	Close      []float64
}

// NewSeries 从K线创建 Series，按时间升序排列。
func NewSeries(bars []Bar) Series {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	series := Series{
		Timestamps: make([]time.Time, len(sorted)),
		High:       make([]float64, len(sorted)),
		Low:        make([]float64, len(sorted)),
		Close:      make([]float64, len(sorted)),
	}
	for i, bar := range sorted {
		series.Timestamps[i] = bar.Time.UTC()
		series.High[i] = bar.High
		series.Low[i] = bar.Low
		series.Close[i] = bar.Close
	}
	return series
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
