package strategy

import (
	"fmt"
	"math"

	"signaldesk/src/confidence"
	"signaldesk/src/indicator"
	"signaldesk/src/market"
)

// ===================== 双均线交叉 =====================

type MACross struct{ base }

func NewMACross(p Params) *MACross {
	return &MACross{newBase("ma_cross", Params{
		"short_window": 5, "long_window": 20,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (m *MACross) MinBars() int { return m.params.Int("long_window", 20) }

func (m *MACross) lines(c []float64) (short, long []float64) {
	return indicator.SMA(c, m.params.Int("short_window", 5)), indicator.SMA(c, m.params.Int("long_window", 20))
}

func (m *MACross) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	ms, ml := m.lines(s.Closes())
	f := newFrame(len(s))
	f.Columns["ma_short"], f.Columns["ma_long"] = ms, ml
	for i := 1; i < len(s); i++ {
		switch {
		case ms[i] > ml[i] && ms[i-1] <= ml[i-1]:
			f.Signal[i] = 1
		case ms[i] < ml[i] && ms[i-1] >= ml[i-1]:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (m *MACross) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < m.MinBars() {
		return insufficient(s, m.MinBars()), nil
	}
	c := s.Closes()
	ms, ml := m.lines(c)
	price := indicator.Last(c)
	sv, lv := indicator.Last(ms), indicator.Last(ml)
	var fh, sh []float64
	if len(c) >= 10 {
		fh, sh = indicator.Tail(ms, 10), indicator.Tail(ml, 10)
	}
	kind, conf := confidence.Crossover(sv, lv, indicator.At(ms, len(ms)-2), indicator.At(ml, len(ml)-2), fh, sh)

	var reason string
	switch kind {
	case Buy:
		reason = fmt.Sprintf("golden cross: MA short %.2f crossed above MA long %.2f", sv, lv)
		if price > sv && sv > lv {
			conf = math.Min(0.95, conf+0.05)
			reason += ", price above both"
		}
	case Sell:
		reason = fmt.Sprintf("death cross: MA short %.2f crossed below MA long %.2f", sv, lv)
		if price < sv && sv < lv {
			conf = math.Min(0.95, conf+0.05)
			reason += ", price below both"
		}
	default:
		reason = "moving averages converged"
		if sv != lv && lv != 0 {
			dev := math.Abs(sv-lv) / lv
			if sv > lv {
				conf = math.Min(0.7, 0.5+dev*3)
				reason = fmt.Sprintf("short MA above long MA by %.2f%%", dev*100)
			} else {
				conf = math.Max(0.3, 0.5-dev*3)
				reason = fmt.Sprintf("short MA below long MA by %.2f%%", dev*100)
			}
		}
	}
	conf = confidence.VolatilityAdjust(conf, c, 20, 0.1)
	return finalize(Signal{Kind: kind, Confidence: conf, Price: price, Reason: reason,
		Fields: map[string]any{"ma_short": sv, "ma_long": lv}}), nil
}

// ===================== MACD =====================

type MACD struct{ base }

func NewMACD(p Params) *MACD {
	return &MACD{newBase("macd", Params{
		"fast_period": 12, "slow_period": 26, "signal_period": 9,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (m *MACD) MinBars() int { return m.params.Int("slow_period", 26) }

func (m *MACD) lines(c []float64) (dif, dea, hist []float64) {
	return indicator.MACD(c, m.params.Int("fast_period", 12), m.params.Int("slow_period", 26), m.params.Int("signal_period", 9))
}

func (m *MACD) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	dif, dea, hist := m.lines(s.Closes())
	f := newFrame(len(s))
	f.Columns["macd_dif"], f.Columns["macd_dea"], f.Columns["macd_hist"] = dif, dea, hist
	for i := 1; i < len(s); i++ {
		switch {
		case dif[i] > dea[i] && dif[i-1] <= dea[i-1] && hist[i] > 0:
			f.Signal[i] = 1
		case dif[i] < dea[i] && dif[i-1] >= dea[i-1]:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (m *MACD) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < m.MinBars() {
		return insufficient(s, m.MinBars()), nil
	}
	c := s.Closes()
	dif, dea, hist := m.lines(c)
	n := len(c)
	d, e, h := dif[n-1], dea[n-1], hist[n-1]
	var fh, sh []float64
	if n >= 10 {
		fh, sh = indicator.Tail(dif, 10), indicator.Tail(dea, 10)
	}
	kind, conf := confidence.Crossover(d, e, dif[n-2], dea[n-2], fh, sh)

	var reason string
	switch kind {
	case Buy:
		reason = "DIF crossed above DEA"
		if h > 0 {
			conf += math.Min(0.1, math.Abs(h)/100)
		}
		if d > 0 && e > 0 {
			conf += 0.05
			reason += " above zero axis"
		}
	case Sell:
		reason = "DIF crossed below DEA"
		if d < 0 && e < 0 {
			conf += 0.05
			reason += " below zero axis"
		}
	default:
		denom := math.Max(math.Max(math.Abs(e), math.Abs(d)), 1e-9)
		var dev float64
		if d >= e {
			dev = (d - e) / denom
			reason = "DIF above DEA, no cross"
		} else {
			dev = (e - d) / denom
			reason = "DIF below DEA, no cross"
		}
		conf = confidence.Scale(math.Min(1, math.Max(0, dev)*2.5), 0.35, 0.72)
	}

	fields := map[string]any{"macd_dif": d, "macd_dea": e, "macd_hist": h}
	if n >= 20 {
		dk, _ := confidence.Divergence(indicator.Tail(c, 20), indicator.Tail(dif, 20), 20)
		if dk != Hold {
			fields["divergence"] = string(dk)
			if dk == kind {
				conf = math.Min(0.95, conf+0.1)
				reason += fmt.Sprintf(", confirmed by %s divergence", divergenceName(dk))
			} else {
				reason += fmt.Sprintf(", warning: %s divergence", divergenceName(dk))
			}
		}
	}
	return finalize(Signal{Kind: kind, Confidence: math.Min(conf, 0.95), Price: c[n-1], Reason: reason, Fields: fields}), nil
}

func divergenceName(k Kind) string {
	if k == Buy {
		return "bottom"
	}
	return "top"
}

// ===================== 动量 =====================

type Momentum struct{ base }

func NewMomentum(p Params) *Momentum {
	return &Momentum{newBase("momentum", Params{
		"momentum_period": 10, "ma_period": 20, "threshold": 0.03, "volume_period": 10,
		"stop_loss": 0.05, "take_profit": 0.15, "max_position": 0.3,
	}, p)}
}

func (m *Momentum) MinBars() int {
	return maxInt(m.params.Int("momentum_period", 10)+1, m.params.Int("ma_period", 20), m.params.Int("volume_period", 10))
}

type momentumCols struct{ mom, ma, vr []float64 }

func (m *Momentum) columns(s market.Series) momentumCols {
	c, v := s.Closes(), s.Volumes()
	vma := indicator.SMA(v, m.params.Int("volume_period", 10))
	vr := make([]float64, len(v))
	for i := range v {
		vr[i] = nz(ratio(v[i], vma[i]), 1)
	}
	return momentumCols{
		mom: indicator.PctChange(c, m.params.Int("momentum_period", 10)),
		ma:  indicator.SMA(c, m.params.Int("ma_period", 20)),
		vr:  vr,
	}
}

func (m *Momentum) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	th := m.params.Float("threshold", 0.03)
	cols := m.columns(s)
	f := newFrame(len(s))
	f.Columns["momentum"], f.Columns["ma"], f.Columns["volume_ratio"] = cols.mom, cols.ma, cols.vr
	for i, b := range s {
		switch {
		case cols.mom[i] > th && b.Close > cols.ma[i] && cols.vr[i] > 1.2:
			f.Signal[i] = 1
		case cols.mom[i] < -th || b.Close < cols.ma[i]*0.95:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (m *Momentum) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < m.MinBars() {
		return insufficient(s, m.MinBars()), nil
	}
	th := m.params.Float("threshold", 0.03)
	cols := m.columns(s)
	p := s[len(s)-1].Close
	mom, ma, vr := indicator.Last(cols.mom), indicator.Last(cols.ma), indicator.Last(cols.vr)
	ms := math.Abs(mom) / math.Max(th, 1e-9)
	dev := math.Abs(p-ma) / math.Max(math.Abs(ma), 1e-9)

	kind := Hold
	conf := confidence.Scale(math.Min(1, ms*0.5+dev*5), 0.33, 0.68)
	reason := fmt.Sprintf("momentum %.2f%% within threshold", mom*100)
	switch {
	case mom > th && p > ma:
		kind = Buy
		conf = confidence.Scale(math.Min(1, ms), 0.62, 0.9)
		reason = fmt.Sprintf("momentum %.2f%% above threshold, price above MA", mom*100)
		if vr > 1.5 {
			conf += math.Min(0.08, (vr-1.5)*0.1)
			reason += fmt.Sprintf(", volume %.2fx", vr)
		}
	case mom < -th || p < ma*0.97:
		kind = Sell
		conf = confidence.Scale(math.Min(1, ms), 0.62, 0.9)
		reason = fmt.Sprintf("momentum %.2f%% weak or price below MA", mom*100)
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: p, Reason: reason,
		Fields: map[string]any{"momentum": mom, "ma": ma, "volume_ratio": vr}}), nil
}

// ===================== 通道突破 =====================

type Breakout struct{ base }

func NewBreakout(p Params) *Breakout {
	return &Breakout{newBase("breakout", Params{
		"lookback_period": 20, "breakout_threshold": 0.02, "volume_confirm": true, "atr_period": 14,
		"stop_loss": 0.05, "take_profit": 0.15, "max_position": 0.3,
	}, p)}
}

// MinBars 通道取前 lookback 根（不含当前根）
func (b *Breakout) MinBars() int { return b.params.Int("lookback_period", 20) + 1 }

type channel struct{ high, low, upper, lower, volMA, atr []float64 }

func (b *Breakout) channel(s market.Series) channel {
	lb := b.params.Int("lookback_period", 20)
	th := b.params.Float("breakout_threshold", 0.02)
	h, l, c := s.Highs(), s.Lows(), s.Closes()
	rh, rl := shift(indicator.RollingMax(h, lb)), shift(indicator.RollingMin(l, lb))
	ch := channel{high: rh, low: rl, upper: make([]float64, len(s)), lower: make([]float64, len(s))}
	for i := range s {
		ch.upper[i] = rh[i] * (1 + th)
		ch.lower[i] = rl[i] * (1 - th)
	}
	ch.volMA = indicator.SMA(s.Volumes(), lb)
	ch.atr = indicator.ATR(h, l, c, b.params.Int("atr_period", 14))
	return ch
}

// shift 整体后移一根，首根 NaN
func shift(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	out[0] = math.NaN()
	copy(out[1:], x[:len(x)-1])
	return out
}

func (b *Breakout) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	confirm := b.params.Bool("volume_confirm", true)
	ch := b.channel(s)
	f := newFrame(len(s))
	f.Columns["recent_high"], f.Columns["recent_low"] = ch.high, ch.low
	f.Columns["breakout_high"], f.Columns["breakout_low"] = ch.upper, ch.lower
	f.Columns["volume_ma"], f.Columns["atr"] = ch.volMA, ch.atr
	for i, bar := range s {
		up := bar.Close > ch.upper[i]
		if confirm {
			up = up && bar.Volume > ch.volMA[i]*1.2
		}
		if up {
			f.Signal[i] = 1
		}
		if bar.Close < ch.lower[i] {
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (b *Breakout) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < b.MinBars() {
		return insufficient(s, b.MinBars()), nil
	}
	ch := b.channel(s)
	n := len(s)
	last := s[n-1]
	p, rh, rl := last.Close, ch.high[n-1], ch.low[n-1]
	vr := 1.0
	if ch.volMA[n-1] > 0 {
		vr = last.Volume / ch.volMA[n-1]
	}
	rw := math.Max(rh-rl, p*1e-9)
	center := (rh + rl) / 2
	pressure := math.Min(1, math.Abs(p-center)/(rw/2))

	kind := Hold
	conf := confidence.Scale(pressure, 0.35, 0.65)
	reason := fmt.Sprintf("price inside channel (high %.2f, low %.2f)", rh, rl)
	switch {
	case p > ch.upper[n-1]:
		kind = Buy
		conf = confidence.Scale(math.Min(1, (p-ch.upper[n-1])/math.Max(math.Abs(rh), 1e-9)*8), 0.62, 0.92)
		reason = fmt.Sprintf("price broke above recent high (%.2f > %.2f)", p, rh)
		if vr > 1.3 {
			conf += math.Min(0.08, (vr-1.3)*0.1)
			reason += fmt.Sprintf(", volume %.2fx", vr)
		}
	case p < ch.lower[n-1]:
		kind = Sell
		conf = confidence.Scale(math.Min(1, (ch.lower[n-1]-p)/math.Max(math.Abs(rl), 1e-9)*8), 0.62, 0.92)
		reason = fmt.Sprintf("price broke below recent low (%.2f < %.2f)", p, rl)
	case p > 0 && (rh-p)/p < 0.02:
		reason = fmt.Sprintf("price near recent high (%.2f%%)", (rh-p)/p*100)
	case p > 0 && (p-rl)/p < 0.02:
		reason = fmt.Sprintf("price near recent low (%.2f%%)", (p-rl)/p*100)
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: p, Reason: reason, Fields: map[string]any{
		"recent_high": rh, "recent_low": rl, "volume_ratio": vr, "atr": indicator.Last(ch.atr),
	}}), nil
}
