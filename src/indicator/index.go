package indicator

// Indicator —— 技术指标库（纯函数，不修改输入，无未来函数）
// 约定：
// 1) 输出与输入等长、逐根对齐；窗口未满（warm-up）的位置为 NaN；
// 2) 滚动均值/极值/真实波幅/OBV 走 go-talib，样本标准差走 gonum/stat；
// 3) 指数平均为递推形式（无偏差修正），以第一个有限值作为种子，之后遇到 NaN 沿用上一值；
// 4) 退化输入（零波动、零区间）返回约定的哨兵值，而不是 NaN/Inf。

import (
	"math"
	"strconv"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"signaldesk/src/market"
)

// Set 指标集：列名 -> 与序列对齐的数值列
type Set map[string][]float64

// Last 某列最后一个值（不存在返回 NaN）
func (s Set) Last(name string) float64 { return Last(s[name]) }

// Prev 某列倒数第二个值
func (s Set) Prev(name string) float64 { return At(s[name], len(s[name])-2) }

// ===================== 基础工具 =====================

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// At 越界返回 NaN
func At(x []float64, i int) float64 {
	if i < 0 || i >= len(x) {
		return math.NaN()
	}
	return x[i]
}

func Last(x []float64) float64 { return At(x, len(x)-1) }

// Tail 最近 n 个值（复制）
func Tail(x []float64, n int) []float64 {
	if n > len(x) {
		n = len(x)
	}
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	copy(out, x[len(x)-n:])
	return out
}

// ===================== 滚动统计 =====================

// SMA 简单移动平均
func SMA(x []float64, n int) []float64 {
	if n <= 0 || len(x) < n {
		return nanSlice(len(x))
	}
	if allFinite(x) {
		out := talib.Sma(x, n)
		for i := 0; i < n-1; i++ {
			out[i] = math.NaN()
		}
		return out
	}
	// 含 NaN：窗口内任一 NaN 则结果 NaN
	out := nanSlice(len(x))
	for i := n - 1; i < len(x); i++ {
		sum := 0.0
		for _, v := range x[i-n+1 : i+1] {
			sum += v
		}
		out[i] = sum / float64(n)
	}
	return out
}

// RollingStd 滚动样本标准差（ddof=1）
func RollingStd(x []float64, n int) []float64 {
	out := nanSlice(len(x))
	if n < 2 {
		return out
	}
	for i := n - 1; i < len(x); i++ {
		w := x[i-n+1 : i+1]
		if !allFinite(w) {
			continue
		}
		out[i] = stat.StdDev(w, nil)
	}
	return out
}

// RollingMax 滚动最高
func RollingMax(x []float64, n int) []float64 { return rollingExtreme(x, n, talib.Max) }

// RollingMin 滚动最低
func RollingMin(x []float64, n int) []float64 { return rollingExtreme(x, n, talib.Min) }

func rollingExtreme(x []float64, n int, f func([]float64, int) []float64) []float64 {
	if n <= 0 || len(x) < n {
		return nanSlice(len(x))
	}
	if n == 1 {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	out := f(x, n)
	for i := 0; i < n-1; i++ {
		out[i] = math.NaN()
	}
	return out
}

// EWMSpan 指数平均，alpha = 2/(span+1)
func EWMSpan(x []float64, span float64) []float64 { return ewm(x, 2/(span+1)) }

// EWMCom 指数平均，alpha = 1/(1+com)
func EWMCom(x []float64, com float64) []float64 { return ewm(x, 1/(1+com)) }

func ewm(x []float64, alpha float64) []float64 {
	out := nanSlice(len(x))
	seeded := false
	prev := 0.0
	for i, v := range x {
		switch {
		case math.IsNaN(v) && !seeded:
			continue
		case math.IsNaN(v):
			out[i] = prev
		case !seeded:
			prev, seeded = v, true
			out[i] = v
		default:
			// 增量形式：常数输入保持精确不变
			prev += alpha * (v - prev)
			out[i] = prev
		}
	}
	return out
}

// PctChange n 期变化率 x[i]/x[i-n]-1（分母为 0 记 0）
func PctChange(x []float64, n int) []float64 {
	if n < 1 {
		return nanSlice(len(x))
	}
	out := talib.Rocp(x, n)
	for i := 0; i < n && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

// ===================== 经典指标 =====================

// MACD dif/dea/柱（柱 = (dif-dea)*2）
func MACD(close []float64, fast, slow, signal int) (dif, dea, hist []float64) {
	ef := EWMSpan(close, float64(fast))
	es := EWMSpan(close, float64(slow))
	dif = make([]float64, len(close))
	for i := range close {
		dif[i] = ef[i] - es[i]
	}
	dea = EWMSpan(dif, float64(signal))
	hist = make([]float64, len(close))
	for i := range close {
		hist[i] = (dif[i] - dea[i]) * 2
	}
	return
}

// RSI 简单均值版 RSI；均亏为 0 记 100，均盈均亏同时为 0 记 50
func RSI(close []float64, n int) []float64 {
	gain := make([]float64, len(close))
	loss := make([]float64, len(close))
	for i := 1; i < len(close); i++ {
		d := close[i] - close[i-1]
		if d > 0 {
			gain[i] = d
		} else if d < 0 {
			loss[i] = -d
		}
	}
	ag := SMA(gain, n)
	al := SMA(loss, n)
	out := nanSlice(len(close))
	for i := range close {
		g, l := ag[i], al[i]
		if math.IsNaN(g) || math.IsNaN(l) {
			continue
		}
		switch {
		case l == 0 && g == 0:
			out[i] = 50
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

// KDJ RSV 区间为 0 时记 50；J 不截断
func KDJ(high, low, close []float64, n, kSmooth, dSmooth int) (k, d, j []float64) {
	hh := RollingMax(high, n)
	ll := RollingMin(low, n)
	rsv := nanSlice(len(close))
	for i := range close {
		if math.IsNaN(hh[i]) || math.IsNaN(ll[i]) {
			continue
		}
		rng := hh[i] - ll[i]
		if rng == 0 {
			rsv[i] = 50
			continue
		}
		rsv[i] = (close[i] - ll[i]) / rng * 100
	}
	k = EWMCom(rsv, float64(kSmooth-1))
	d = EWMCom(k, float64(dSmooth-1))
	j = make([]float64, len(close))
	for i := range close {
		j[i] = 3*k[i] - 2*d[i]
	}
	return
}

// Bands 布林带
type Bands struct {
	Upper, Mid, Lower []float64
	Width             []float64 // (upper-lower)/mid；mid 为 0 记 0
	Position          []float64 // (close-lower)/(upper-lower)；带宽为 0 记 0.5
}

func Bollinger(close []float64, n int, k float64) Bands {
	mid := SMA(close, n)
	sd := RollingStd(close, n)
	b := Bands{
		Upper: nanSlice(len(close)), Mid: mid, Lower: nanSlice(len(close)),
		Width: nanSlice(len(close)), Position: nanSlice(len(close)),
	}
	for i := range close {
		if math.IsNaN(mid[i]) || math.IsNaN(sd[i]) {
			continue
		}
		b.Upper[i] = mid[i] + k*sd[i]
		b.Lower[i] = mid[i] - k*sd[i]
		bw := b.Upper[i] - b.Lower[i]
		if mid[i] != 0 {
			b.Width[i] = bw / mid[i]
		} else {
			b.Width[i] = 0
		}
		if bw > 0 {
			b.Position[i] = (close[i] - b.Lower[i]) / bw
		} else {
			b.Position[i] = 0.5
		}
	}
	return b
}

// TrueRange 首根取 high-low
func TrueRange(high, low, close []float64) []float64 {
	if len(close) == 0 {
		return []float64{}
	}
	tr := talib.TRange(high, low, close)
	tr[0] = high[0] - low[0]
	return tr
}

// ATR 真实波幅的简单均值
func ATR(high, low, close []float64, n int) []float64 {
	return SMA(TrueRange(high, low, close), n)
}

// OBV 能量潮（首根为 0）
func OBV(close, volume []float64) []float64 {
	if len(close) == 0 {
		return []float64{}
	}
	out := talib.Obv(close, volume)
	base := volume[0]
	for i := range out {
		out[i] -= base
	}
	return out
}

// VolumeMA 多周期成交量均线，键为 vol_ma<n>
func VolumeMA(volume []float64, periods ...int) Set {
	out := Set{}
	for _, p := range periods {
		out[volMAKey(p)] = SMA(volume, p)
	}
	return out
}

func volMAKey(p int) string { return "vol_ma" + strconv.Itoa(p) }

// ===================== 全量计算 =====================

// Compute 计算默认参数下的完整指标集
func Compute(s market.Series) Set {
	c, h, l, v := s.Closes(), s.Highs(), s.Lows(), s.Volumes()
	set := Set{}
	for _, p := range []int{5, 10, 20, 60} {
		set["ma"+strconv.Itoa(p)] = SMA(c, p)
	}
	set["macd_dif"], set["macd_dea"], set["macd_histogram"] = MACD(c, 12, 26, 9)
	set["rsi"] = RSI(c, 14)
	set["kdj_k"], set["kdj_d"], set["kdj_j"] = KDJ(h, l, c, 9, 3, 3)
	bb := Bollinger(c, 20, 2)
	set["boll_upper"], set["boll_mid"], set["boll_lower"] = bb.Upper, bb.Mid, bb.Lower
	set["boll_width"], set["boll_position"] = bb.Width, bb.Position
	for k, col := range VolumeMA(v, 5, 10, 20) {
		set[k] = col
	}
	set["atr"] = ATR(h, l, c, 14)
	set["obv"] = OBV(c, v)
	return set
}
