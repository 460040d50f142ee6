package strategy

import (
	"fmt"
	"math"

	"signaldesk/src/confidence"
	"signaldesk/src/indicator"
	"signaldesk/src/market"
)

// ===================== 量价 =====================

type Volume struct{ base }

func NewVolume(p Params) *Volume {
	return &Volume{newBase("volume", Params{
		"ma_period": 20, "surge_ratio": 1.5, "shrink_ratio": 0.7, "price_threshold": 0.02,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (v *Volume) MinBars() int { return maxInt(v.params.Int("ma_period", 20), 2) }

func (v *Volume) columns(s market.Series) (vr, pc, obv, vma []float64) {
	vol := s.Volumes()
	vma = indicator.SMA(vol, v.params.Int("ma_period", 20))
	vr = make([]float64, len(vol))
	for i := range vol {
		vr[i] = nz(ratio(vol[i], vma[i]), 1)
	}
	c := s.Closes()
	return vr, indicator.PctChange(c, 1), indicator.OBV(c, vol), vma
}

func (v *Volume) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	surge, th := v.params.Float("surge_ratio", 1.5), v.params.Float("price_threshold", 0.02)
	vr, pc, obv, vma := v.columns(s)
	f := newFrame(len(s))
	f.Columns["volume_ratio"], f.Columns["price_change"], f.Columns["obv"], f.Columns["volume_ma"] = vr, pc, obv, vma
	for i := range s {
		if math.IsNaN(vma[i]) {
			continue
		}
		switch {
		case vr[i] > surge && pc[i] > th:
			f.Signal[i] = 1
		case vr[i] > surge && pc[i] < -th:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (v *Volume) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < v.MinBars() {
		return insufficient(s, v.MinBars()), nil
	}
	surge, shrink := v.params.Float("surge_ratio", 1.5), v.params.Float("shrink_ratio", 0.7)
	th := math.Max(v.params.Float("price_threshold", 0.02), 1e-9)
	vr, pc, obv, vma := v.columns(s)
	n := len(s)
	r, ch := vr[n-1], nz(pc[n-1], 0)

	kind := Hold
	conf := confidence.Scale(math.Min(1, math.Abs(r-1)*0.7+math.Abs(ch)/th*0.3), 0.33, 0.68)
	reason := fmt.Sprintf("volume ratio %.2f, price change %.2f%%", r, ch*100)
	switch {
	case r > surge && ch > th:
		kind = Buy
		conf = confidence.Scale(math.Min(1, (r-surge)/surge+math.Abs(ch)/th*0.4), 0.62, 0.88)
		reason = fmt.Sprintf("volume surge %.2fx with price up %.2f%%", r, ch*100)
	case r > surge && ch < -th:
		kind = Sell
		conf = confidence.Scale(math.Min(1, (r-surge)/surge+math.Abs(ch)/th*0.4), 0.62, 0.88)
		reason = fmt.Sprintf("volume surge %.2fx with price down %.2f%%", r, ch*100)
	case r < shrink:
		reason = fmt.Sprintf("volume shrinking %.2fx", r)
	}
	obvTrend := "flat"
	if n >= 5 {
		switch {
		case obv[n-1] > obv[n-5]:
			obvTrend = "up"
		case obv[n-1] < obv[n-5]:
			obvTrend = "down"
		}
		reason += ", OBV " + obvTrend
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: s[n-1].Close, Reason: reason, Fields: map[string]any{
		"volume_ratio": r, "price_change": ch, "obv_trend": obvTrend,
		"volume_score": confidence.Volume(s[n-1].Volume, nz(vma[n-1], 0), ch, ch >= 0),
	}}), nil
}

// ===================== 多因子 =====================

type MultiFactor struct{ base }

func NewMultiFactor(p Params) *MultiFactor {
	return &MultiFactor{newBase("multi_factor", Params{
		"ma_short": 5, "ma_long": 20,
		"macd_fast": 12, "macd_slow": 26, "macd_signal": 9,
		"rsi_period": 14, "rsi_oversold": 30.0, "rsi_overbought": 70.0,
		"weight_ma": 0.25, "weight_macd": 0.25, "weight_rsi": 0.25, "weight_trend": 0.25,
		"buy_threshold": 0.6, "sell_threshold": 0.4,
		"stop_loss": 0.05, "take_profit": 0.10, "max_position": 0.3,
	}, p)}
}

func (m *MultiFactor) MinBars() int {
	return maxInt(m.params.Int("ma_long", 20), m.params.Int("macd_slow", 26), m.params.Int("rsi_period", 14))
}

type factorCols struct {
	ms, ml, dif, dea, rsi []float64
	ma, macd, rsiF, trend []float64 // 各因子加权得分
	score                 []float64
}

// factors 平局（收盘=短均线、dif=dea、趋势=0）记半分
func (m *MultiFactor) factors(c []float64) factorCols {
	p := m.params
	fc := factorCols{
		ms: indicator.SMA(c, p.Int("ma_short", 5)),
		ml: indicator.SMA(c, p.Int("ma_long", 20)),
	}
	fc.dif, fc.dea, _ = indicator.MACD(c, p.Int("macd_fast", 12), p.Int("macd_slow", 26), p.Int("macd_signal", 9))
	fc.rsi = indicator.RSI(c, p.Int("rsi_period", 14))
	wMA, wMACD := p.Float("weight_ma", 0.25), p.Float("weight_macd", 0.25)
	wRSI, wTrend := p.Float("weight_rsi", 0.25), p.Float("weight_trend", 0.25)
	os, ob := p.Float("rsi_oversold", 30), p.Float("rsi_overbought", 70)
	mid := (os + ob) / 2
	n := len(c)
	fc.ma, fc.macd, fc.rsiF, fc.trend, fc.score = make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	warm := m.MinBars() - 1
	for i := range c {
		if i < warm || math.IsNaN(fc.ml[i]) || math.IsNaN(fc.rsi[i]) {
			fc.score[i] = math.NaN()
			continue
		}
		switch {
		case c[i] > fc.ms[i] && fc.ms[i] > fc.ml[i]:
			fc.ma[i] = wMA
		case c[i] >= fc.ms[i]:
			fc.ma[i] = wMA * 0.5
		}
		switch {
		case fc.dif[i] > fc.dea[i] && fc.dea[i] > 0:
			fc.macd[i] = wMACD
		case fc.dif[i] >= fc.dea[i]:
			fc.macd[i] = wMACD * 0.5
		}
		r := fc.rsi[i]
		switch {
		case r >= os && r < mid:
			fc.rsiF[i] = wRSI
		case r >= mid && r <= ob:
			fc.rsiF[i] = wRSI * 0.5
		case r < os:
			fc.rsiF[i] = wRSI * 0.3
		}
		if fc.ml[i] != 0 {
			t := (c[i] - fc.ml[i]) / fc.ml[i]
			switch {
			case t > 0.05:
				fc.trend[i] = wTrend
			case t >= 0:
				fc.trend[i] = wTrend * 0.5
			}
		}
		fc.score[i] = fc.ma[i] + fc.macd[i] + fc.rsiF[i] + fc.trend[i]
	}
	return fc
}

func (m *MultiFactor) GenerateSignals(s market.Series) (*Frame, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	buyTh, sellTh := m.params.Float("buy_threshold", 0.6), m.params.Float("sell_threshold", 0.4)
	fc := m.factors(s.Closes())
	f := newFrame(len(s))
	f.Columns["factor_score"] = fc.score
	for i := range s {
		switch {
		case fc.score[i] >= buyTh:
			f.Signal[i] = 1
		case fc.score[i] <= sellTh:
			f.Signal[i] = -1
		}
	}
	f.Position = sweep(f.Signal)
	return f, nil
}

func (m *MultiFactor) CurrentSignal(s market.Series) (Signal, error) {
	if err := validate(s); err != nil {
		return Signal{}, err
	}
	if len(s) < m.MinBars() {
		return insufficient(s, m.MinBars()), nil
	}
	p := m.params
	buyTh, sellTh := p.Float("buy_threshold", 0.6), p.Float("sell_threshold", 0.4)
	c := s.Closes()
	fc := m.factors(c)
	n := len(c)
	score := nz(fc.score[n-1], 0.5)

	kind := Hold
	conf := confidence.Scale(math.Min(1, math.Abs(score-0.5)*2), 0.3, 0.7)
	reason := fmt.Sprintf("factor score %.2f neutral", score)
	switch {
	case score >= buyTh:
		kind = Buy
		conf = confidence.Scale(score, 0.6, 0.95)
		reason = fmt.Sprintf("factor score %.2f above buy threshold", score)
	case score <= sellTh:
		kind = Sell
		conf = confidence.Scale(1-score, 0.6, 0.95)
		reason = fmt.Sprintf("factor score %.2f below sell threshold", score)
	}

	// 归一化到 [0,1] 的各因子得分，交给置信度计算器给出一致性
	norm := func(v float64, w string) float64 {
		wt := p.Float(w, 0.25)
		if wt == 0 {
			return 0
		}
		return v / wt
	}
	_, _, det := confidence.MultiFactor(map[string]float64{
		"ma":    norm(fc.ma[n-1], "weight_ma"),
		"macd":  norm(fc.macd[n-1], "weight_macd"),
		"rsi":   norm(fc.rsiF[n-1], "weight_rsi"),
		"trend": norm(fc.trend[n-1], "weight_trend"),
	}, map[string]float64{
		"ma": p.Float("weight_ma", 0.25), "macd": p.Float("weight_macd", 0.25),
		"rsi": p.Float("weight_rsi", 0.25), "trend": p.Float("weight_trend", 0.25),
	}, buyTh, sellTh)

	maStatus, macdStatus := "DOWN", "BEAR"
	if fc.ms[n-1] > fc.ml[n-1] {
		maStatus = "UP"
	}
	if fc.dif[n-1] > fc.dea[n-1] {
		macdStatus = "BULL"
	}
	return finalize(Signal{Kind: kind, Confidence: conf, Price: c[n-1], Reason: reason, Fields: map[string]any{
		"factor_score": round4(score), "ma_status": maStatus, "macd_status": macdStatus,
		"rsi": fc.rsi[n-1], "consistency": round4(det.Consistency), "factor_scores": det.FactorScores,
	}}), nil
}
