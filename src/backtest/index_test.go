package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"signaldesk/src/market"
	"signaldesk/src/strategy"
)

func closes(cs ...float64) market.Series {
	out := make(market.Series, len(cs))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range cs {
		out[i] = market.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return out
}

func wave(n int) market.Series {
	out := make(market.Series, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 50 + 6*math.Sin(float64(i)/4) + float64(i)*0.05
		out[i] = market.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 500 + float64(i%9)*40}
	}
	return out
}

func flags(n int, idx ...int) []bool {
	out := make([]bool, n)
	for _, i := range idx {
		out[i] = true
	}
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func engine(mode string) *Engine {
	return New(Config{InitialCash: 1000, Commission: 0.001, Slippage: 0.01, CashBuffer: 0.95, Mode: mode}, nil)
}

func TestRunRoundTrip(t *testing.T) {
	s := closes(10, 10, 12, 11)
	r := engine(ModeSimple).Run(s, flags(4, 0), flags(4, 2), "T")
	if r.Error != "" {
		t.Fatalf("unexpected error %s", r.Error)
	}
	if len(r.Trades) != 2 || r.Trades[0].Shares != 95 || !near(r.Trades[0].Cost, 950.95) {
		t.Fatalf("unexpected buy %+v", r.Trades)
	}
	sell := r.Trades[1]
	if sell.Type != "SELL" || !near(sell.Revenue, 1138.86) || !near(sell.PnL, 187.91) || sell.Date != "2024-01-03" {
		t.Fatalf("unexpected sell %+v", sell)
	}
	want := []float64{999.05, 999.05, 1187.91, 1187.91}
	for i, v := range want {
		if !near(r.EquityCurve[i], v) {
			t.Fatalf("equity[%d]=%v want %v", i, r.EquityCurve[i], v)
		}
	}
	if !near(r.FinalEquity, 1187.91) || !near(r.TotalReturn, 0.18791) || r.TotalReturnPct != "18.79%" {
		t.Fatalf("unexpected totals %v %v %v", r.FinalEquity, r.TotalReturn, r.TotalReturnPct)
	}
	if r.TotalTrades != 1 || r.WinRate != "100.00%" || r.WinRatio() != 1 || !near(r.AvgWinningTrade, 187.91) {
		t.Fatalf("unexpected trade stats %d %s %v", r.TotalTrades, r.WinRate, r.AvgWinningTrade)
	}
	if len(r.Dates) != 4 || r.Dates[0] != "2024-01-01" || len(r.Prices) != 4 {
		t.Fatalf("labels %v prices %v", r.Dates, r.Prices)
	}
}

func TestRunOpenPositionMarkedToLastClose(t *testing.T) {
	s := closes(10, 8, 12, 6)
	r := engine(ModeSimple).Run(s, flags(4, 0), flags(4), "T")
	if len(r.Trades) != 1 || r.TotalTrades != 0 || r.WinRate != "0.00%" {
		t.Fatalf("expected a single open buy, got %+v", r.Trades)
	}
	if !near(r.FinalEquity, 49.05+95*6) {
		t.Fatalf("final equity %v", r.FinalEquity)
	}
	if !near(r.MaxDrawdown, 570/1189.05) || r.MaxDrawdownPct != "47.94%" {
		t.Fatalf("max drawdown %v %s", r.MaxDrawdown, r.MaxDrawdownPct)
	}
}

func TestRunLosingTrade(t *testing.T) {
	r := engine(ModeSimple).Run(closes(10, 9, 9), flags(3, 0), flags(3, 1), "T")
	if r.TotalTrades != 1 || r.WinRate != "0.00%" || r.AvgLosingTrade >= 0 || r.AvgWinningTrade != 0 {
		t.Fatalf("unexpected stats %+v", r.Stats())
	}
}

func TestRunSkipsUnaffordableEntry(t *testing.T) {
	e := New(Config{InitialCash: 5, Commission: 0.001, CashBuffer: 0.95}, nil)
	r := e.Run(closes(10, 11), flags(2, 0, 1), flags(2), "T")
	if len(r.Trades) != 0 || r.FinalEquity != 5 {
		t.Fatalf("expected no trades, got %+v", r.Trades)
	}
}

func TestRunEquityIsCashPlusPosition(t *testing.T) {
	s := wave(120)
	en, ex := make([]bool, len(s)), make([]bool, len(s))
	for i := range s {
		en[i] = i%11 == 3
		ex[i] = i%7 == 5
	}
	for _, mode := range []string{ModeSimple, ModeFidelity} {
		r := engine(mode).Run(s, en, ex, "T")
		if r.Error != "" {
			t.Fatalf("%s: %s", mode, r.Error)
		}
		byDate := map[string]Trade{}
		for _, tr := range r.Trades {
			byDate[tr.Date] = tr
		}
		cash, shares := r.InitialCash, int64(0)
		for i, b := range s {
			if tr, ok := byDate[r.Dates[i]]; ok {
				if tr.Type == "BUY" {
					cash -= tr.Cost
					shares = tr.Shares
				} else {
					cash += tr.Revenue
					shares = 0
				}
			}
			if cash < -1e-9 {
				t.Fatalf("%s: negative cash %v at %d", mode, cash, i)
			}
			if !near(r.EquityCurve[i], cash+float64(shares)*b.Close) {
				t.Fatalf("%s: equity[%d]=%v want %v", mode, i, r.EquityCurve[i], cash+float64(shares)*b.Close)
			}
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	s := wave(90)
	st := strategy.NewMACross(nil)
	e := engine(ModeSimple)
	a, _ := json.Marshal(e.RunStrategy(s, st, "T"))
	b, _ := json.Marshal(e.RunStrategy(s, st, "T"))
	if !bytes.Equal(a, b) {
		t.Fatalf("results differ between identical runs")
	}
}

func TestRunInsufficientBars(t *testing.T) {
	r := engine(ModeSimple).Run(closes(10), flags(1, 0), flags(1), "T")
	if r.Error != "insufficient data" || !errors.Is(r.Err(), ErrInsufficientBars) {
		t.Fatalf("expected insufficient data, got %q", r.Error)
	}
	if _, err := json.Marshal(r); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if r := engine(ModeSimple).RunStrategy(nil, strategy.NewRSI(nil), "T"); !errors.Is(r.Err(), ErrInsufficientBars) {
		t.Fatalf("expected insufficient data from RunStrategy, got %q", r.Error)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	r := engine(ModeSimple).Run(closes(10, 11, 12), flags(2), flags(3), "T")
	if !errors.Is(r.Err(), ErrSignalLength) {
		t.Fatalf("expected length mismatch, got %q", r.Error)
	}
	s := closes(10, 11, 12)
	s[1].High = 1
	r = engine(ModeSimple).Run(s, flags(3), flags(3), "T")
	if !errors.Is(r.Err(), market.ErrMalformedSeries) {
		t.Fatalf("expected malformed series, got %q", r.Error)
	}
}

func TestFidelityLedger(t *testing.T) {
	r := engine(ModeFidelity).Run(closes(10, 10, 12, 11), flags(4, 0), flags(4, 2), "T")
	if r.Mode != ModeFidelity {
		t.Fatalf("expected fidelity mode got %q", r.Mode)
	}
	if r.Trades[0].Shares != 94 || !near(r.Trades[0].Price, 10.1) || !near(r.Trades[0].Cost, 950.3494) {
		t.Fatalf("unexpected buy %+v", r.Trades[0])
	}
	if !near(r.Trades[1].Price, 11.88) || !near(r.Trades[1].Revenue, 1115.60328) || !near(r.Trades[1].PnL, 165.25388) {
		t.Fatalf("unexpected sell %+v", r.Trades[1])
	}
	if !near(r.FinalEquity, 1165.25388) {
		t.Fatalf("final equity %v", r.FinalEquity)
	}
}

func TestFidelityFallsBackToSimple(t *testing.T) {
	s := closes(10, 0, 12)
	r := engine(ModeFidelity).Run(s, flags(3, 0), flags(3, 2), "T")
	if r.Error != "" || r.Mode != ModeSimple {
		t.Fatalf("expected simple fallback, got mode %q error %q", r.Mode, r.Error)
	}
	if len(r.Trades) != 2 || len(r.EquityCurve) != 3 {
		t.Fatalf("fallback result shape %+v", r)
	}
}

func TestSummaryUsesSnakeCaseKeys(t *testing.T) {
	r := engine(ModeSimple).Run(closes(10, 10, 12, 11), flags(4, 0), flags(4, 2), "T")
	sum := r.Summary()
	for _, k := range []string{`"win_rate": "100.00%"`, `"total_trades": 1`, `"sharpe_ratio"`, `"bars": 4`} {
		if !strings.Contains(sum, k) {
			t.Fatalf("summary missing %s:\n%s", k, sum)
		}
	}
	if strings.Contains(sum, `"error"`) {
		t.Fatalf("summary should omit empty error")
	}
}

func TestGridCombinationsOrder(t *testing.T) {
	combos := Grid{"short_window": {3, 5}, "long_window": {10, 20}, "unused": {}}.Combinations()
	if len(combos) != 4 {
		t.Fatalf("expected 4 combos got %d", len(combos))
	}
	if combos[0].Int("long_window", 0) != 10 || combos[0].Int("short_window", 0) != 3 ||
		combos[1].Int("short_window", 0) != 5 || combos[2].Int("long_window", 0) != 20 {
		t.Fatalf("unexpected order %v", combos)
	}
	if len(Grid{}.Combinations()) != 1 {
		t.Fatalf("empty grid should yield one default run")
	}
}

func TestOptimizePicksBestReturn(t *testing.T) {
	s := wave(160)
	e := engine(ModeSimple)
	opt, err := e.Optimize(context.Background(), s, func(p strategy.Params) strategy.Strategy { return strategy.NewMACross(p) },
		Grid{"short_window": {3, 5, 8}, "long_window": {15, 30}}, "T")
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if opt.Strategy != "ma_cross" || len(opt.Runs) != 6 {
		t.Fatalf("unexpected optimization %+v", opt.Runs)
	}
	for _, r := range opt.Runs {
		if r.TotalReturn > opt.Best.TotalReturn {
			t.Fatalf("run %v beats best %v", r.TotalReturn, opt.Best.TotalReturn)
		}
	}
	again := e.RunStrategy(s, strategy.NewMACross(opt.BestParams), "T")
	if again.TotalReturn != opt.Best.TotalReturn {
		t.Fatalf("best params do not reproduce best result")
	}
}

func TestOptimizeTiesGoToFirst(t *testing.T) {
	s := wave(60)
	opt, err := engine(ModeSimple).Optimize(context.Background(), s,
		func(strategy.Params) strategy.Strategy { return strategy.NewRSI(nil) },
		Grid{"x": {1, 2, 3}}, "T")
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if opt.BestParams.Int("x", 0) != 1 {
		t.Fatalf("tie should go to first combination, got %v", opt.BestParams)
	}
}

func TestOptimizeAllFailing(t *testing.T) {
	_, err := engine(ModeSimple).Optimize(context.Background(), closes(10),
		func(p strategy.Params) strategy.Strategy { return strategy.NewRSI(p) }, Grid{"period": {5, 6}}, "T")
	if !errors.Is(err, ErrNoValidRun) {
		t.Fatalf("expected ErrNoValidRun got %v", err)
	}
}

func TestOptimizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine(ModeSimple).Optimize(ctx, wave(40),
		func(p strategy.Params) strategy.Strategy { return strategy.NewRSI(p) }, Grid{"period": {5, 6}}, "T")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
