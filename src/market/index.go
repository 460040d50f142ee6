package market

// Market —— 日线行情数据模型（PriceBar / PriceSeries）
// 约定：
// 1) Series 按日期升序、同一交易日唯一；Normalize() 负责排序与去重（后写覆盖先写）；
// 2) Validate() 只报告第一处不满足 OHLCV 约束的位置，不修改数据；
// 3) 所有列访问器都返回新切片，调用方可以随意修改。

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// DateLayout 日期标签格式（回测结果、CSV 统一使用）
const DateLayout = "2006-01-02"

var ErrMalformedSeries = errors.New("malformed price series")

// ===================== 数据结构 =====================

type Bar struct {
	Date      time.Time `json:"date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount,omitempty"`     // 成交额（可选）
	Turnover  float64   `json:"turnover,omitempty"`   // 换手率（可选）
	PctChange float64   `json:"pct_change,omitempty"` // 涨跌幅（可选）
}

// Series 日线序列（升序）
type Series []Bar

// Day 截断到自然日（UTC）
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ===================== 规范化 / 校验 =====================

// Normalize 升序 + 按自然日去重，后出现的同日记录覆盖先出现的
func (s Series) Normalize() Series {
	if len(s) == 0 {
		return Series{}
	}
	out := make(Series, len(s))
	copy(out, s)
	for i := range out {
		out[i].Date = Day(out[i].Date)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	w := 0
	for i := 0; i < len(out); i++ {
		if w > 0 && out[w-1].Date.Equal(out[i].Date) {
			out[w-1] = out[i]
			continue
		}
		out[w] = out[i]
		w++
	}
	return out[:w]
}

// Validate 检查有序、唯一以及 OHLCV 约束
func (s Series) Validate() error {
	for i, b := range s {
		for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: bar %d has non-finite value", ErrMalformedSeries, i)
			}
		}
		if b.High < math.Max(b.Open, math.Max(b.Close, b.Low)) {
			return fmt.Errorf("%w: bar %d high %.4f below open/close/low", ErrMalformedSeries, i, b.High)
		}
		if b.Low > math.Min(b.Open, math.Min(b.Close, b.High)) {
			return fmt.Errorf("%w: bar %d low %.4f above open/close/high", ErrMalformedSeries, i, b.Low)
		}
		if b.Volume < 0 {
			return fmt.Errorf("%w: bar %d negative volume", ErrMalformedSeries, i)
		}
		if i > 0 && !s[i-1].Date.Before(b.Date) {
			return fmt.Errorf("%w: bar %d date %s not after %s", ErrMalformedSeries, i,
				b.Date.Format(DateLayout), s[i-1].Date.Format(DateLayout))
		}
	}
	return nil
}

// ===================== 列访问器 =====================

func (s Series) column(f func(Bar) float64) []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = f(b)
	}
	return out
}

func (s Series) Opens() []float64   { return s.column(func(b Bar) float64 { return b.Open }) }
func (s Series) Highs() []float64   { return s.column(func(b Bar) float64 { return b.High }) }
func (s Series) Lows() []float64    { return s.column(func(b Bar) float64 { return b.Low }) }
func (s Series) Closes() []float64  { return s.column(func(b Bar) float64 { return b.Close }) }
func (s Series) Volumes() []float64 { return s.column(func(b Bar) float64 { return b.Volume }) }

func (s Series) Dates() []time.Time {
	out := make([]time.Time, len(s))
	for i, b := range s {
		out[i] = b.Date
	}
	return out
}

// DateLabels YYYY-MM-DD
func (s Series) DateLabels() []string {
	out := make([]string, len(s))
	for i, b := range s {
		out[i] = b.Date.Format(DateLayout)
	}
	return out
}

// Last 最后一根；空序列返回零值与 false
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Tail 最近 n 根（不复制底层数组）
func (s Series) Tail(n int) Series {
	if n <= 0 {
		return Series{}
	}
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}
