package strategy

import (
	"fmt"
	"math"

	"signaldesk/src/confidence"
	"signaldesk/src/indicator"
	"signaldesk/src/market"
)

// ===================== RSI 超买超卖 =====================

type RSI struct{ base }

func NewRSI(p Params) *RSI {
	return &RSI{newBase("rsi", Params{
		"period": 14, "oversold": 30.0, "overbought": 70.0,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (r *RSI) MinBars() int { return r.params.Int("period", 14) }

func (r *RSI) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	os, ob := r.params.Float("oversold", 30), r.params.Float("overbought", 70)
	rsi := indicator.RSI(s.Closes(), r.MinBars())
	f := newFrame(len(s))
	f.Columns["rsi"] = rsi
	for i := 1; i < len(s); i++ {
		switch {
		case rsi[i] > os && rsi[i-1] <= os:
			f.Signal[i] = 1
		case rsi[i] < ob && rsi[i-1] >= ob:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (r *RSI) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < r.MinBars() {
		return insufficient(s, r.MinBars()), nil
	}
	os, ob := r.params.Float("oversold", 30), r.params.Float("overbought", 70)
	c := s.Closes()
	rsi := indicator.RSI(c, r.MinBars())
	cur, prev := indicator.Last(rsi), indicator.At(rsi, len(rsi)-2)
	var recent []float64
	if len(rsi) >= 10 {
		recent = indicator.Tail(rsi, 10)
	}
	kind, conf := confidence.Extreme(cur, os, ob, recent, true)

	var reason string
	switch {
	case cur < os:
		reason = fmt.Sprintf("RSI %.2f oversold", cur)
		if prev < cur {
			conf = math.Min(0.95, conf+0.05)
			reason += ", turning up"
		}
	case cur > ob:
		reason = fmt.Sprintf("RSI %.2f overbought", cur)
		if prev > cur {
			conf = math.Min(0.95, conf+0.05)
			reason += ", turning down"
		}
	default:
		band := math.Max(ob-os, 1e-9)
		pos := (cur - os) / band
		switch {
		case prev <= os && cur > os:
			kind = Buy
			conf = confidence.Scale(math.Min(1, (cur-os)/band+math.Abs(cur-prev)/20), 0.62, 0.88)
			reason = fmt.Sprintf("RSI %.2f left oversold zone", cur)
		case prev >= ob && cur < ob:
			kind = Sell
			conf = confidence.Scale(math.Min(1, (ob-cur)/band+math.Abs(cur-prev)/20), 0.62, 0.88)
			reason = fmt.Sprintf("RSI %.2f left overbought zone", cur)
		case pos < 0.3:
			kind, conf = Buy, 0.5+(0.3-pos)*0.3
			reason = fmt.Sprintf("RSI %.2f in lower band", cur)
		case pos > 0.7:
			kind, conf = Sell, 0.5+(pos-0.7)*0.3
			reason = fmt.Sprintf("RSI %.2f in upper band", cur)
		default:
			kind = Hold
			conf = confidence.Scale(math.Abs(pos-0.5)*2, 0.32, 0.66)
			reason = fmt.Sprintf("RSI %.2f neutral", cur)
		}
	}
	conf = confidence.VolatilityAdjust(conf, c, 20, 0.1)
	return finalize(Signal{Kind: kind, Confidence: conf, Price: indicator.Last(c), Reason: reason,
		Fields: map[string]any{"rsi": cur, "rsi_prev": prev}}), nil
}

// ===================== KDJ =====================

type KDJ struct{ base }

func NewKDJ(p Params) *KDJ {
	return &KDJ{newBase("kdj", Params{
		"k_period": 9, "d_period": 3, "j_period": 3, "oversold": 20.0, "overbought": 80.0,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (k *KDJ) MinBars() int { return k.params.Int("k_period", 9) + k.params.Int("d_period", 3) }

func (k *KDJ) lines(s market.Series) (kk, dd, jj []float64) {
	return indicator.KDJ(s.Highs(), s.Lows(), s.Closes(),
		k.params.Int("k_period", 9), k.params.Int("d_period", 3), k.params.Int("j_period", 3))
}

func (k *KDJ) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	ob := k.params.Float("overbought", 80)
	kk, dd, jj := k.lines(s)
	f := newFrame(len(s))
	f.Columns["kdj_k"], f.Columns["kdj_d"], f.Columns["kdj_j"] = kk, dd, jj
	for i := 1; i < len(s); i++ {
		golden := gt(kk[i], dd[i]) && !gt(kk[i-1], dd[i-1])
		death := lt(kk[i], dd[i]) && !lt(kk[i-1], dd[i-1])
		switch {
		case golden && jj[i] < 50:
			f.Signal[i] = 1
		case death || jj[i] > ob:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (k *KDJ) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < k.MinBars() {
		return insufficient(s, k.MinBars()), nil
	}
	os, ob := k.params.Float("oversold", 20), k.params.Float("overbought", 80)
	kk, dd, jj := k.lines(s)
	n := len(s)
	kv, dv, jv := kk[n-1], dd[n-1], jj[n-1]
	pk, pd := kk[n-2], dd[n-2]
	spread := math.Min(1, math.Abs(kv-dv)/25)
	jx := math.Min(1, math.Abs(jv-50)/50)

	kind := Hold
	conf := confidence.Scale(math.Min(1, spread*0.6+jx*0.4), 0.32, 0.7)
	var reason string
	switch {
	case gt(kv, dv) && !gt(pk, pd):
		kind = Buy
		conf = confidence.Scale(math.Min(1, spread+math.Min(1, math.Max(0, 30-jv)/30)*0.7), 0.65, 0.95)
		reason = fmt.Sprintf("K %.2f crossed above D %.2f", kv, dv)
	case gt(kv, dv) && jv < os:
		kind = Buy
		conf = confidence.Scale(math.Min(1, math.Min(1, (os-jv)/math.Max(os, 1))*0.8+spread*0.4), 0.58, 0.88)
		reason = fmt.Sprintf("J %.2f oversold with K above D", jv)
	case gt(kv, dv):
		reason = fmt.Sprintf("K %.2f above D %.2f", kv, dv)
	case lt(kv, dv) && !lt(pk, pd):
		kind = Sell
		conf = confidence.Scale(math.Min(1, spread+math.Min(1, math.Max(0, jv-70)/30)*0.7), 0.65, 0.95)
		reason = fmt.Sprintf("K %.2f crossed below D %.2f", kv, dv)
	case lt(kv, dv) && jv > ob:
		kind = Sell
		conf = confidence.Scale(math.Min(1, math.Min(1, (jv-ob)/math.Max(100-ob, 1))*0.8+spread*0.4), 0.58, 0.88)
		reason = fmt.Sprintf("J %.2f overbought with K below D", jv)
	case lt(kv, dv):
		reason = fmt.Sprintf("K %.2f below D %.2f", kv, dv)
	default:
		reason = "K equals D"
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: s[n-1].Close, Reason: reason,
		Fields: map[string]any{"kdj_k": kv, "kdj_d": dv, "kdj_j": jv}}), nil
}

// ===================== 布林带 =====================

type Bollinger struct{ base }

func NewBollinger(p Params) *Bollinger {
	return &Bollinger{newBase("bollinger", Params{
		"period": 20, "std_dev": 2.0,
		"stop_loss": 0.05, "take_profit": 0.15, "max_position": 0.3,
	}, p)}
}

func (b *Bollinger) MinBars() int { return b.params.Int("period", 20) }

func (b *Bollinger) bands(c []float64) indicator.Bands {
	return indicator.Bollinger(c, b.MinBars(), b.params.Float("std_dev", 2))
}

func (b *Bollinger) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	c := s.Closes()
	bb := b.bands(c)
	f := newFrame(len(s))
	f.Columns["boll_upper"], f.Columns["boll_mid"], f.Columns["boll_lower"] = bb.Upper, bb.Mid, bb.Lower
	f.Columns["boll_width"], f.Columns["boll_position"] = bb.Width, bb.Position
	for i := 1; i < len(s); i++ {
		switch {
		case c[i] > bb.Upper[i] && c[i-1] <= bb.Upper[i-1]:
			f.Signal[i] = 1
		case c[i] < bb.Lower[i] && c[i-1] >= bb.Lower[i-1]:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (b *Bollinger) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < b.MinBars() {
		return insufficient(s, b.MinBars()), nil
	}
	c := s.Closes()
	bb := b.bands(c)
	n := len(c)
	p, pc := c[n-1], indicator.At(c, n-2)
	u, m, l := bb.Upper[n-1], bb.Mid[n-1], bb.Lower[n-1]
	pu, pl := indicator.At(bb.Upper, n-2), indicator.At(bb.Lower, n-2)
	pos := math.Max(0, math.Min(1, nz(bb.Position[n-1], 0.5)))
	edge := math.Abs(pos-0.5) * 2

	kind := Hold
	conf := confidence.Scale(edge, 0.35, 0.68)
	reason := fmt.Sprintf("price inside bands (position %.2f)", pos)
	rebound := math.Min(1, math.Abs(p-pc)/math.Max(math.Abs(pc), 1e-9)*20)
	switch {
	case p > u:
		kind = Buy
		conf = confidence.Scale(math.Min(1, (p-u)/math.Max(math.Abs(u), 1e-9)*12), 0.62, 0.9)
		reason = fmt.Sprintf("price %.2f broke above upper band %.2f", p, u)
	case p < l:
		kind = Sell
		conf = confidence.Scale(math.Min(1, (l-p)/math.Max(math.Abs(l), 1e-9)*12), 0.62, 0.9)
		reason = fmt.Sprintf("price %.2f broke below lower band %.2f", p, l)
	case pc <= pl && p > l:
		kind = Buy
		conf = confidence.Scale(math.Min(1, rebound+edge*0.4), 0.6, 0.88)
		reason = "price rebounded from lower band"
	case pc >= pu && p < u:
		kind = Sell
		conf = confidence.Scale(math.Min(1, rebound+edge*0.4), 0.6, 0.88)
		reason = "price fell back from upper band"
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: p, Reason: reason, Fields: map[string]any{
		"boll_upper": u, "boll_mid": m, "boll_lower": l,
		"boll_width": bb.Width[n-1], "boll_position": pos,
	}}), nil
}

// ===================== 均值回归 =====================

type MeanReversion struct{ base }

func NewMeanReversion(p Params) *MeanReversion {
	return &MeanReversion{newBase("mean_reversion", Params{
		"ma_period": 20, "std_period": 20, "entry_threshold": 2.0, "exit_threshold": 0.5, "rsi_period": 14,
		"stop_loss": 0.05, "take_profit": 0.08, "max_position": 0.3,
	}, p)}
}

func (m *MeanReversion) MinBars() int {
	return maxInt(m.params.Int("ma_period", 20), m.params.Int("std_period", 20), m.params.Int("rsi_period", 14))
}

// zscore 标准差为 0 时记 0
func (m *MeanReversion) columns(c []float64) (z, ma, sd, rsi []float64) {
	ma = indicator.SMA(c, m.params.Int("ma_period", 20))
	sd = indicator.RollingStd(c, m.params.Int("std_period", 20))
	z = make([]float64, len(c))
	for i := range c {
		switch {
		case math.IsNaN(ma[i]) || math.IsNaN(sd[i]):
			z[i] = math.NaN()
		case sd[i] == 0:
			z[i] = 0
		default:
			z[i] = (c[i] - ma[i]) / sd[i]
		}
	}
	rsi = indicator.RSI(c, m.params.Int("rsi_period", 14))
	return
}

func (m *MeanReversion) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	entry, exit := m.params.Float("entry_threshold", 2), m.params.Float("exit_threshold", 0.5)
	z, ma, sd, rsi := m.columns(s.Closes())
	f := newFrame(len(s))
	f.Columns["z_score"], f.Columns["ma"], f.Columns["std"], f.Columns["rsi"] = z, ma, sd, rsi
	pos := 0.0
	for i := range s {
		switch {
		case z[i] < -entry && rsi[i] < 30:
			f.Signal[i] = 1
			pos = 1
		case z[i] > entry && rsi[i] > 70:
			f.Signal[i] = -1
			pos = 0
		case math.Abs(z[i]) < exit && pos == 1:
			// 回归到均值附近平仓
			f.Signal[i] = -1
			pos = 0
		}
		f.Position[i] = pos
	}
	return f, nil
}

func (m *MeanReversion) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < m.MinBars() {
		return insufficient(s, m.MinBars()), nil
	}
	entry := m.params.Float("entry_threshold", 2)
	c := s.Closes()
	z, ma, sd, rsi := m.columns(c)
	zv, rv := nz(indicator.Last(z), 0), indicator.Last(rsi)
	zs := math.Abs(zv) / math.Max(entry, 1e-9)

	kind := Hold
	conf := confidence.Scale(math.Min(1, zs), 0.32, 0.7)
	reason := fmt.Sprintf("z-score %.2f within entry band", zv)
	switch {
	case zv < -entry:
		kind = Buy
		conf = confidence.Scale(math.Min(1, zs/1.5), 0.62, 0.9)
		reason = fmt.Sprintf("price %.2f std below mean", -zv)
		if rv < 30 {
			conf += math.Min(0.08, (30-rv)/30*0.08)
			reason += fmt.Sprintf(", RSI %.2f confirms", rv)
		}
	case zv > entry:
		kind = Sell
		conf = confidence.Scale(math.Min(1, zs/1.5), 0.62, 0.9)
		reason = fmt.Sprintf("price %.2f std above mean", zv)
		if rv > 70 {
			conf += math.Min(0.08, (rv-70)/30*0.08)
			reason += fmt.Sprintf(", RSI %.2f confirms", rv)
		}
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: indicator.Last(c), Reason: reason, Fields: map[string]any{
		"z_score": zv, "ma": indicator.Last(ma), "std": indicator.Last(sd), "rsi": rv,
	}}), nil
}
