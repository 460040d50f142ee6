package confidence

// Confidence —— 置信度计算器（无状态）
// 所有对外返回的置信度都经过 Clamp：NaN/Inf -> 0，再截断到 [0,1]。
// 各函数的常数（0.35 / 0.7 / 0.95 ...）是信号强弱分档，修改会直接影响策略排序。

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Kind 信号方向
type Kind string

const (
	Buy   Kind = "BUY"
	Sell  Kind = "SELL"
	Hold  Kind = "HOLD"
	Error Kind = "ERROR"
)

// ===================== 基础映射 =====================

// Clamp 非有限值记 0，其余截断到 [0,1]
func Clamp(c float64) float64 {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

// clip01 NaN 记 0
func clip01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// Scale 把 [0,1] 强度线性映射到 [lower, upper]
func Scale(strength, lower, upper float64) float64 {
	return Clamp(lower + (upper-lower)*clip01(strength))
}

// capAt min(x, c)；NaN 原样返回，由 Clamp 兜底
func capAt(x, c float64) float64 {
	if x > c {
		return c
	}
	return x
}

// RelativeDiff |a-b| / max(|a|, |b|, 1e-9)
func RelativeDiff(a, b float64) float64 {
	return math.Abs(a-b) / math.Max(math.Max(math.Abs(a), math.Abs(b)), 1e-9)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return stat.Mean(x, nil)
}

// ===================== 趋势 =====================

// Trend 当前值相对基准的偏离 + 近期单向移动占比
func Trend(current, benchmark float64, recent []float64, above bool) float64 {
	dev := math.Abs(current-benchmark) / math.Max(math.Abs(benchmark), 1e-9)
	conf := capAt(0.5+dev*5, 0.95)
	if len(recent) >= 3 {
		hits := 0
		for i := 1; i < len(recent); i++ {
			d := recent[i] - recent[i-1]
			if (above && d > 0) || (!above && d < 0) {
				hits++
			}
		}
		share := float64(hits) / float64(len(recent)-1)
		conf = capAt(conf+share*0.2, 0.95)
	}
	return Clamp(conf)
}

// ===================== 交叉 =====================

// Crossover 快慢线交叉；fastHist/slowHist 为最近若干值（可为空）
func Crossover(fast, slow, prevFast, prevSlow float64, fastHist, slowHist []float64) (Kind, float64) {
	wasAbove := above(prevFast, prevSlow)
	isAbove := above(fast, slow)
	rel := RelativeDiff(fast, slow)
	if wasAbove == isAbove {
		return Hold, Clamp(0.35 + math.Min(1, rel*3)*0.3)
	}
	conf := 0.7 + math.Min(0.25, rel*10)
	if len(fastHist) >= 5 && len(slowHist) >= 5 {
		ft := fiveBarTrend(fastHist)
		st := fiveBarTrend(slowHist)
		if (isAbove && ft > st) || (!isAbove && ft < st) {
			conf = capAt(conf+0.1, 0.95)
		}
	}
	if isAbove {
		return Buy, Clamp(conf)
	}
	return Sell, Clamp(conf)
}

// above a > b，忽略浮点舍入级别的差异
func above(a, b float64) bool {
	return a-b > 1e-12*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func fiveBarTrend(x []float64) float64 {
	base := x[len(x)-5]
	if base == 0 {
		return 0
	}
	return (x[len(x)-1] - base) / base
}

// ===================== 极值区间 =====================

// Extreme 数值相对 [lower, upper] 区间的位置；meanReversion 决定越界方向
func Extreme(value, lower, upper float64, recent []float64, meanReversion bool) (Kind, float64) {
	rng := math.Max(upper-lower, 1e-9)
	var kind Kind
	var conf float64
	switch {
	case value < lower:
		deg := (lower - value) / rng
		if meanReversion {
			kind, conf = Buy, capAt(0.6+deg*2, 0.95)
		} else {
			kind, conf = Sell, capAt(0.6+deg*1.5, 0.95)
		}
	case value > upper:
		deg := (value - upper) / rng
		if meanReversion {
			kind, conf = Sell, capAt(0.6+deg*2, 0.95)
		} else {
			kind, conf = Buy, capAt(0.6+deg*1.5, 0.95)
		}
	default:
		pos := (value - lower) / rng
		switch {
		case pos < 0.3:
			kind, conf = Sell, 0.45+(0.3-pos)*0.4
			if meanReversion {
				kind = Buy
			}
		case pos > 0.7:
			kind, conf = Buy, 0.45+(pos-0.7)*0.4
			if meanReversion {
				kind = Sell
			}
		default:
			kind, conf = Hold, 0.3+math.Abs(pos-0.5)*2*0.3
		}
	}
	if len(recent) >= 10 {
		head := mean(recent[:5])
		tail := mean(recent[len(recent)-5:])
		if (kind == Buy && tail > head) || (kind == Sell && tail < head) {
			conf = capAt(conf+0.05, 0.95)
		}
	}
	return kind, Clamp(conf)
}

// ===================== 突破 =====================

// Breakout 价格相对阻力/支撑；volumeRatio = 当前量 / 均量
func Breakout(price, resistance, support, volumeRatio float64) (Kind, float64) {
	switch {
	case price > resistance:
		conf := 0.65 + math.Min(0.3, (price-resistance)/math.Max(math.Abs(resistance), 1e-9)*10)
		if volumeRatio > 1.5 {
			conf = capAt(conf+0.1, 0.95)
		} else if volumeRatio < 1.0 {
			conf = math.Max(conf-0.1, 0.5)
		}
		return Buy, Clamp(conf)
	case price < support:
		conf := 0.65 + math.Min(0.3, (support-price)/math.Max(math.Abs(support), 1e-9)*10)
		if volumeRatio > 1.5 {
			conf = capAt(conf+0.1, 0.95)
		}
		return Sell, Clamp(conf)
	}
	mid := (resistance + support) / 2
	var strength float64
	if price > mid && resistance > mid {
		strength = (price - mid) / (resistance - mid)
	} else if price <= mid && mid > support {
		strength = (mid - price) / (mid - support)
	}
	return Hold, Clamp(0.35 + clip01(strength)*0.3)
}

// ===================== 多因子 =====================

type MultiFactorDetail struct {
	WeightedScore float64            `json:"weighted_score"`
	Consistency   float64            `json:"consistency"`
	FactorScores  map[string]float64 `json:"factor_scores"`
}

// MultiFactor 因子得分（0..1）加权；weights 为空时等权；一致性 = 1 - 总体标准差
func MultiFactor(scores, weights map[string]float64, buyTh, sellTh float64) (Kind, float64, MultiFactorDetail) {
	names := make([]string, 0, len(scores))
	for k := range scores {
		names = append(names, k)
	}
	sort.Strings(names)
	det := MultiFactorDetail{FactorScores: map[string]float64{}}
	if len(names) == 0 {
		return Hold, 0, det
	}
	vals := make([]float64, len(names))
	ws := 0.0
	for i, n := range names {
		s := scores[n]
		vals[i] = s
		det.FactorScores[n] = s
		w, ok := weights[n]
		if !ok || len(weights) == 0 {
			w = 1 / float64(len(names))
		}
		ws += s * w
	}
	cons := 1 - stat.PopStdDev(vals, nil)
	det.WeightedScore, det.Consistency = ws, cons

	var kind Kind
	var base float64
	switch {
	case ws >= buyTh:
		kind, base = Buy, ws
	case ws <= sellTh:
		kind, base = Sell, 1-ws
	default:
		kind, base = Hold, 0.35+math.Min(0.3, math.Abs(ws-0.5)*0.8)
	}
	return kind, Clamp(capAt(base*(0.8+0.2*cons), 0.95)), det
}

// ===================== 背离 =====================

// Divergence 价格与指标在最近 lookback 根上的顶/底背离
func Divergence(price, ind []float64, lookback int) (Kind, float64) {
	if lookback <= 1 || len(price) < lookback || len(ind) < lookback {
		return Hold, 0
	}
	p := price[len(price)-lookback:]
	x := ind[len(ind)-lookback:]
	last := p[len(p)-1]

	pMax, pMin := argMax(p), argMin(p)
	iMax, iMin := argMax(x), argMin(x)
	if pMax > iMax && p[iMax] != 0 {
		d := (last - p[iMax]) / p[iMax]
		if d > 0.05 {
			return Sell, Clamp(math.Min(0.85, 0.65+d*2))
		}
	}
	if pMin > iMin && p[iMin] != 0 {
		d := (p[iMin] - last) / p[iMin]
		if d > 0.05 {
			return Buy, Clamp(math.Min(0.85, 0.65+d*2))
		}
	}

	mp, sp := stat.MeanStdDev(p, nil)
	mi, si := stat.MeanStdDev(x, nil)
	intensity := 0.0
	if sp > 0 && si > 0 {
		zp := (last - mp) / (sp + 1e-9)
		zi := (x[len(x)-1] - mi) / (si + 1e-9)
		intensity = math.Min(1, math.Abs(zp-zi)/3)
	}
	return Hold, Clamp(0.3 + intensity*0.3)
}

// 首次出现的最大/最小位置
func argMax(x []float64) int {
	idx := 0
	for i, v := range x {
		if v > x[idx] {
			idx = i
		}
	}
	return idx
}

func argMin(x []float64) int {
	idx := 0
	for i, v := range x {
		if v < x[idx] {
			idx = i
		}
	}
	return idx
}

// ===================== 波动 / 量能 =====================

// VolatilityAdjust 近 lookback 根收益率样本标准差超过 3% 时下调置信度
func VolatilityAdjust(base float64, prices []float64, lookback int, penalty float64) float64 {
	if lookback <= 0 || len(prices) < lookback {
		return Clamp(base)
	}
	rets := make([]float64, 0, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 || math.IsNaN(prices[i]) || math.IsNaN(prices[i-1]) {
			continue
		}
		rets = append(rets, prices[i]/prices[i-1]-1)
	}
	if len(rets) > lookback {
		rets = rets[len(rets)-lookback:]
	}
	if len(rets) < 2 {
		return Clamp(base)
	}
	vol := stat.StdDev(rets, nil)
	if vol > 0.03 {
		return Clamp(math.Max(0.3, math.Min(0.95, base-penalty*vol/0.03)))
	}
	return Clamp(base)
}

// Volume 量价配合度；up 表示检验上涨方向
func Volume(current, average, priceChange float64, up bool) float64 {
	if average == 0 || math.IsNaN(average) {
		return 0
	}
	ratio := current / average
	anomaly := math.Min(1, math.Abs(ratio-1))
	drift := math.Min(1, math.Abs(priceChange))
	if up {
		switch {
		case priceChange > 0 && ratio > 1.5:
			return Clamp(math.Min(0.9, 0.6+(ratio-1.5)*0.2))
		case priceChange > 0 && ratio > 1:
			return Clamp(0.55 + (ratio-1)*0.2)
		case priceChange > 0:
			return Clamp(0.3 + anomaly*0.2)
		default:
			return Clamp(0.25 + drift*0.2)
		}
	}
	switch {
	case priceChange < 0 && ratio > 2:
		return 0.6
	case priceChange < 0 && ratio < 0.8:
		return 0.6
	case priceChange < 0:
		return Clamp(0.3 + anomaly*0.2)
	default:
		return Clamp(0.25 + drift*0.2)
	}
}
