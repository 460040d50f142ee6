package strategy

// 带跨调用状态的策略：Grid（网格成交计数、最近成交价、网格价位）与 Fractal（最近分形、计数）。
// 状态只在显式 Reset() 时清空；GenerateSignals 的逐根输出本身只依赖输入序列。

import (
	"fmt"
	"math"
	"time"

	"signaldesk/src/confidence"
	"signaldesk/src/indicator"
	"signaldesk/src/market"
)

// ===================== 网格 =====================

// GridLevel 某一档的买入/卖出价
type GridLevel struct {
	Level int     `json:"level"`
	Buy   float64 `json:"buy"`
	Sell  float64 `json:"sell"`
}

type Grid struct {
	base
	totalTrades    int
	lastTradePrice float64 // 0 = 无
	gridPrices     []GridLevel
}

func NewGrid(p Params) *Grid {
	return &Grid{base: newBase("grid", Params{
		"grid_levels": 5, "grid_spacing": 0.02, "grid_type": "arithmetic", "base_period": 20,
		"trailing_stop": true, "stop_loss": 0.10, "take_profit": 0.15, "max_position": 0.5,
		"capital": 100000.0, "risk_per_trade": 0.02,
	}, p)}
}

func (g *Grid) MinBars() int { return g.params.Int("base_period", 20) }

// Reset 清空成交计数、最近成交价与网格价位
func (g *Grid) Reset() {
	g.totalTrades = 0
	g.lastTradePrice = 0
	g.gridPrices = nil
}

func (g *Grid) TotalTrades() int { return g.totalTrades }

func (g *Grid) levels() int { return maxInt(g.params.Int("grid_levels", 5), 1) }

// levelPrice 第 level 档（0 起）相对基准价的买/卖价
func (g *Grid) levelPrice(basePrice float64, level int) (buy, sell float64) {
	sp := g.params.Float("grid_spacing", 0.02)
	k := float64(level + 1)
	if g.params.String("grid_type", "arithmetic") == "geometric" {
		return basePrice * math.Pow(1-sp, k), basePrice * math.Pow(1+sp, k)
	}
	return basePrice * (1 - sp*k), basePrice * (1 + sp*k)
}

func (g *Grid) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	p := g.params
	sp, tp, sl := p.Float("grid_spacing", 0.02), p.Float("take_profit", 0.15), p.Float("stop_loss", 0.10)
	maxPos, trailing := p.Float("max_position", 0.5), p.Bool("trailing_stop", true)
	levels := g.levels()
	step := 1 / float64(levels)

	c := s.Closes()
	basePrice := indicator.SMA(c, g.MinBars())
	f := newFrame(len(s))
	gridLevel := make([]float64, len(s))
	f.Columns["base_price"], f.Columns["grid_level"] = basePrice, gridLevel

	pos, lastBuy, peak := 0.0, 0.0, 0.0
	trades := 0
	for i := 1; i < len(c); i++ {
		bp := basePrice[i]
		if math.IsNaN(bp) || bp == 0 {
			gridLevel[i] = math.NaN()
			f.Position[i] = math.Min(pos, 1)
			continue
		}
		cur, prev := c[i], c[i-1]
		dev := (cur - bp) / bp
		gridLevel[i] = float64(minInt(int(math.Abs(dev)/sp), levels-1))

		bought := false
		if pos < maxPos {
			for lv := 0; lv < levels; lv++ {
				lower, _ := g.levelPrice(bp, lv)
				if cur <= lower && lower < prev && (pos == 0 || cur <= lastBuy*(1-sp)) {
					f.Signal[i] = 1
					pos += step
					lastBuy, peak = cur, cur
					trades++
					bought = true
					break
				}
			}
		}
		if !bought && pos > 0 && lastBuy > 0 {
			peak = math.Max(peak, cur)
			stopRef := lastBuy
			if trailing {
				stopRef = peak
			}
			switch {
			case cur >= lastBuy*(1+tp):
				f.Signal[i] = -1
				pos, lastBuy = 0, 0
				trades++
			case cur >= lastBuy*(1+sp):
				f.Signal[i] = -1
				pos = math.Max(0, pos-step)
				if pos < 1e-9 {
					pos, lastBuy = 0, 0
				}
				trades++
			case cur <= stopRef*(1-sl):
				f.Signal[i] = -1
				pos, lastBuy = 0, 0
				trades++
			}
		}
		f.Position[i] = math.Min(pos, 1)
	}

	g.totalTrades += trades
	if lastBuy > 0 {
		g.lastTradePrice = lastBuy
	}
	return f, nil
}

func (g *Grid) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < g.MinBars() {
		return insufficient(s, g.MinBars()), nil
	}
	sp := math.Max(g.params.Float("grid_spacing", 0.02), 1e-9)
	c := s.Closes()
	bp := indicator.Last(indicator.SMA(c, g.MinBars()))
	price := c[len(c)-1]
	dev := 0.0
	if bp != 0 {
		dev = (price - bp) / bp
	}

	levels := g.levels()
	g.gridPrices = make([]GridLevel, levels)
	for lv := 0; lv < levels; lv++ {
		buy, sell := g.levelPrice(bp, lv)
		g.gridPrices[lv] = GridLevel{Level: lv + 1, Buy: math.Round(buy*100) / 100, Sell: math.Round(sell*100) / 100}
	}

	kind := Hold
	conf := confidence.Scale(math.Min(1, math.Abs(dev)/sp), 0.34, 0.68)
	reason := fmt.Sprintf("price %.2f%% from grid base %.2f", dev*100, bp)
	switch {
	case dev < -sp:
		kind = Buy
		conf = confidence.Scale(math.Min(1, math.Abs(dev)/(2*sp)), 0.55, 0.82)
		reason = fmt.Sprintf("price %.2f%% below grid base, buy zone", -dev*100)
	case dev > sp:
		kind = Sell
		conf = confidence.Scale(math.Min(1, math.Abs(dev)/(2*sp)), 0.55, 0.82)
		reason = fmt.Sprintf("price %.2f%% above grid base, sell zone", dev*100)
	}
	grid := make([]GridLevel, len(g.gridPrices))
	copy(grid, g.gridPrices)
	fields := map[string]any{
		"base_price": bp, "deviation": round4(dev), "grid_level": minInt(int(math.Abs(dev)/sp), levels-1),
		"grid_prices": grid, "total_trades": g.totalTrades, "last_trade_price": g.lastTradePrice,
	}
	if kind == Buy {
		// 买入区给出建议股数：单笔风险 / 止损距离 与 最大仓位 取小
		fields["suggested_shares"] = PositionSize(g.params, g.params.Float("capital", 100000),
			price, g.params.Float("risk_per_trade", 0.02))
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: price, Reason: reason, Fields: fields}), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ===================== 分形 =====================

type fractalPoint struct {
	Date  time.Time
	Price float64
}

type Fractal struct {
	base
	lastBullish    *fractalPoint
	lastBearish    *fractalPoint
	fractalsSeen   int
	signalsEmitted int
}

func NewFractal(p Params) *Fractal {
	return &Fractal{base: newBase("fractal", Params{
		"window": 2, "trend_filter": true, "trend_ma": 20, "volume_confirm": true,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (f *Fractal) MinBars() int {
	return f.params.Int("trend_ma", 20) + 2*f.window()
}

func (f *Fractal) window() int { return maxInt(f.params.Int("window", 2), 1) }

// Reset 清空最近分形与计数
func (f *Fractal) Reset() {
	f.lastBullish, f.lastBearish = nil, nil
	f.fractalsSeen, f.signalsEmitted = 0, 0
}

func (f *Fractal) SignalsEmitted() int { return f.signalsEmitted }

// detect 中心 K 线的低点（高点）严格低于（高于）两侧各 w 根
func (f *Fractal) detect(h, l []float64) (bull, bear []bool) {
	w := f.window()
	bull, bear = make([]bool, len(l)), make([]bool, len(h))
	for i := w; i < len(l)-w; i++ {
		isBull, isBear := true, true
		for j := i - w; j <= i+w; j++ {
			if j == i {
				continue
			}
			if l[i] >= l[j] {
				isBull = false
			}
			if h[i] <= h[j] {
				isBear = false
			}
		}
		bull[i], bear[i] = isBull, isBear
	}
	return
}

// GenerateSignals 分形在中心后第 w 根才被确认，信号落在确认那根
func (f *Fractal) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	w := f.window()
	filter, confirm := f.params.Bool("trend_filter", true), f.params.Bool("volume_confirm", true)
	h, l, c, v := s.Highs(), s.Lows(), s.Closes(), s.Volumes()
	ma := indicator.SMA(c, f.params.Int("trend_ma", 20))
	vma := indicator.SMA(v, f.params.Int("trend_ma", 20))
	bull, bear := f.detect(h, l)

	fr := newFrame(len(s))
	fr.Columns["trend_ma"], fr.Columns["volume_ma"] = ma, vma
	seen := 0
	for i := range s {
		if !bull[i] && !bear[i] {
			continue
		}
		seen++
		volOK := !confirm || v[i] > vma[i]*0.8
		trendKnown := !math.IsNaN(ma[i])
		trendUp := trendKnown && c[i] > ma[i]
		at := i + w
		if bull[i] && volOK && (!filter || trendUp) {
			fr.Signal[at] = 1
		}
		if bear[i] && volOK && (!filter || (trendKnown && !trendUp)) {
			fr.Signal[at] = -1
		}
	}
	fr.Position = sweep(fr.Signal)
	f.fractalsSeen += seen
	return fr, nil
}

func (f *Fractal) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < f.MinBars() {
		return insufficient(s, f.MinBars()), nil
	}
	h, l, c, v := s.Highs(), s.Lows(), s.Closes(), s.Volumes()
	n := len(c)
	ma := indicator.Last(indicator.SMA(c, f.params.Int("trend_ma", 20)))
	vma := indicator.Last(indicator.SMA(v, f.params.Int("trend_ma", 20)))
	p := c[n-1]
	trendUp := p > ma
	vr := nz(ratio(v[n-1], vma), 1)
	bull, bear := f.detect(h, l)

	lastBull, lastBear := -1, -1
	for i := n - 1; i >= 0 && (lastBull < 0 || lastBear < 0); i-- {
		if bull[i] && lastBull < 0 {
			lastBull = i
		}
		if bear[i] && lastBear < 0 {
			lastBear = i
		}
	}
	if lastBull >= 0 {
		f.lastBullish = &fractalPoint{Date: s[lastBull].Date, Price: l[lastBull]}
	}
	if lastBear >= 0 {
		f.lastBearish = &fractalPoint{Date: s[lastBear].Date, Price: h[lastBear]}
	}

	trend := "down"
	if trendUp {
		trend = "up"
	}
	fields := map[string]any{"trend": trend, "trend_ma": ma, "volume_ratio": vr, "fractals_seen": f.fractalsSeen}
	if f.lastBullish != nil {
		fields["last_bullish"] = f.lastBullish.Date.Format(market.DateLayout)
	}
	if f.lastBearish != nil {
		fields["last_bearish"] = f.lastBearish.Date.Format(market.DateLayout)
	}

	if lastBull < 0 && lastBear < 0 {
		conf := 0.0
		reason := "no fractal found"
		switch {
		case trendUp && ma > 0:
			conf = confidence.Scale(math.Min(1, (p-ma)/ma*10), 0.35, 0.55)
			reason += ", price above trend MA"
		case p < ma && ma > 0:
			conf = confidence.Scale(math.Min(1, (ma-p)/ma*10), 0.35, 0.55)
			reason += ", price below trend MA"
		}
		fields["signals_emitted"] = f.signalsEmitted
		return finalize(Signal{Kind: Hold, Confidence: conf, Price: p, Reason: reason, Fields: fields}), nil
	}

	bullish := lastBull > lastBear || (lastBull == lastBear && trendUp)
	idx, kind, label := lastBear, Sell, "bearish"
	if bullish {
		idx, kind, label = lastBull, Buy, "bullish"
	}
	bars := n - 1 - idx
	fields["fractal_type"] = label
	fields["bars_since"] = bars
	if bullish {
		fields["fractal_price"] = l[idx]
	} else {
		fields["fractal_price"] = h[idx]
	}

	if bars > 3 {
		fields["signals_emitted"] = f.signalsEmitted
		return finalize(Signal{Kind: Hold, Confidence: 0.3, Price: p,
			Reason: fmt.Sprintf("%s fractal %d bars ago, expired", label, bars), Fields: fields}), nil
	}

	aligned := (bullish && trendUp) || (!bullish && !trendUp)
	trendScore := 0.5
	if aligned {
		trendScore = 1
	}
	var move float64
	if bullish {
		move = (p - l[idx]) / math.Max(l[idx], 1e-9) * 100
	} else {
		move = (h[idx] - p) / math.Max(h[idx], 1e-9) * 100
	}
	reboundScore := math.Min(1, math.Max(0, move)/2)
	fresh := 1 - float64(bars)*0.2
	raw := 0.35*trendScore + 0.25*math.Min(1, vr) + 0.25*reboundScore + 0.15*fresh

	f.signalsEmitted++
	fields["signals_emitted"] = f.signalsEmitted
	return finalize(Signal{Kind: kind, Confidence: confidence.Scale(raw, 0.55, 0.9), Price: p,
		Reason: fmt.Sprintf("%s fractal %d bars ago, move %.2f%%, trend %s", label, bars, move, trend),
		Fields: fields}), nil
}
