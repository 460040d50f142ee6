package indicator

import (
	"math"
	"testing"
	"time"

	"signaldesk/src/market"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func series(closes []float64) market.Series {
	out := make(market.Series, len(closes))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = market.Bar{Date: base.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000 + float64(i)}
	}
	return out
}

func TestSMAWarmupAndValues(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Fatalf("warm-up should be NaN: %v", out)
	}
	if !near(out[2], 2) || !near(out[4], 4) {
		t.Fatalf("unexpected sma %v", out)
	}
	short := SMA([]float64{1, 2}, 5)
	if len(short) != 2 || !math.IsNaN(short[1]) {
		t.Fatalf("short input should be all NaN: %v", short)
	}
	withNaN := SMA([]float64{math.NaN(), 2, 4, 6}, 2)
	if !math.IsNaN(withNaN[1]) || !near(withNaN[2], 3) || !near(withNaN[3], 5) {
		t.Fatalf("unexpected sma with NaN %v", withNaN)
	}
}

func TestRollingStdIsSample(t *testing.T) {
	out := RollingStd([]float64{1, 2, 3, 4}, 4)
	// 样本方差 = 1.6667
	if !near(out[3], math.Sqrt(5.0/3.0)) {
		t.Fatalf("expected sample std got %.6f", out[3])
	}
}

func TestRollingExtremes(t *testing.T) {
	x := []float64{3, 1, 4, 1, 5, 9, 2}
	mx := RollingMax(x, 3)
	mn := RollingMin(x, 3)
	if !math.IsNaN(mx[1]) || mx[2] != 4 || mx[6] != 9 {
		t.Fatalf("bad rolling max %v", mx)
	}
	if mn[2] != 1 || mn[6] != 2 {
		t.Fatalf("bad rolling min %v", mn)
	}
}

func TestEWMSeedsAndCarries(t *testing.T) {
	out := EWMCom([]float64{math.NaN(), 10, 20, math.NaN()}, 1)
	if !math.IsNaN(out[0]) || out[1] != 10 || !near(out[2], 15) || !near(out[3], 15) {
		t.Fatalf("unexpected ewm %v", out)
	}
	span := EWMSpan([]float64{1, 1, 1}, 12)
	if !near(span[2], 1) {
		t.Fatalf("constant input should stay constant: %v", span)
	}
}

func TestPctChange(t *testing.T) {
	out := PctChange([]float64{100, 110, 121, 0, 5}, 1)
	if !math.IsNaN(out[0]) || !near(out[1], 0.1) || !near(out[2], 0.1) {
		t.Fatalf("unexpected pct change %v", out)
	}
	if out[4] != 0 {
		t.Fatalf("zero denominator should give 0 got %v", out[4])
	}
}

func TestRSIDegenerate(t *testing.T) {
	flat := make([]float64, 30)
	rising := make([]float64, 30)
	for i := range flat {
		flat[i] = 10
		rising[i] = 10 + float64(i)
	}
	if v := Last(RSI(flat, 14)); v != 50 {
		t.Fatalf("flat rsi expected 50 got %.2f", v)
	}
	if v := Last(RSI(rising, 14)); v != 100 {
		t.Fatalf("rising rsi expected 100 got %.2f", v)
	}
	r := RSI(rising, 14)
	if !math.IsNaN(r[12]) || math.IsNaN(r[13]) {
		t.Fatalf("rsi warm-up should end at index 13")
	}
}

func TestMACDHistogram(t *testing.T) {
	c := make([]float64, 60)
	for i := range c {
		c[i] = 100 + math.Sin(float64(i)/5)*5
	}
	dif, dea, hist := MACD(c, 12, 26, 9)
	for i := range c {
		if !near(hist[i], (dif[i]-dea[i])*2) {
			t.Fatalf("hist mismatch at %d", i)
		}
	}
}

func TestKDJFlatIsFifty(t *testing.T) {
	h := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	k, d, j := KDJ(h, h, h, 9, 3, 3)
	if !near(Last(k), 50) || !near(Last(d), 50) || !near(Last(j), 50) {
		t.Fatalf("flat kdj expected 50 got %.2f %.2f %.2f", Last(k), Last(d), Last(j))
	}
	if !math.IsNaN(k[7]) {
		t.Fatalf("kdj warm-up should be NaN")
	}
}

func TestBollingerFlat(t *testing.T) {
	c := make([]float64, 25)
	for i := range c {
		c[i] = 20
	}
	b := Bollinger(c, 20, 2)
	if Last(b.Position) != 0.5 || Last(b.Width) != 0 || Last(b.Upper) != 20 {
		t.Fatalf("flat bands unexpected pos=%.2f width=%.2f", Last(b.Position), Last(b.Width))
	}
}

func TestTrueRangeAndOBV(t *testing.T) {
	h := []float64{11, 12, 13}
	l := []float64{9, 10, 8}
	c := []float64{10, 11, 9}
	tr := TrueRange(h, l, c)
	if tr[0] != 2 || tr[1] != 2 || tr[2] != 5 {
		t.Fatalf("unexpected true range %v", tr)
	}
	obv := OBV(c, []float64{100, 200, 50})
	if obv[0] != 0 || obv[1] != 200 || obv[2] != 150 {
		t.Fatalf("unexpected obv %v", obv)
	}
}

func TestComputeNoLookAhead(t *testing.T) {
	c := make([]float64, 80)
	for i := range c {
		c[i] = 50 + math.Sin(float64(i)/4)*3 + float64(i)*0.1
	}
	full := Compute(series(c))
	part := Compute(series(c[:50]))
	for name, col := range part {
		for i := range col {
			a, b := col[i], full[name][i]
			if math.IsNaN(a) != math.IsNaN(b) || (!math.IsNaN(a) && !near(a, b)) {
				t.Fatalf("%s differs at %d: %.6f vs %.6f", name, i, a, b)
			}
		}
	}
	if len(full["ma60"]) != 80 || math.IsNaN(full.Last("ma60")) {
		t.Fatalf("ma60 should be aligned and ready")
	}
}
