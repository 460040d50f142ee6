package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"signaldesk/src/market"
	"signaldesk/src/strategy"
)

// fixed 固定输出的测试策略
type fixed struct {
	name   string
	kind   strategy.Kind
	conf   float64
	err    error
	panics bool
	params strategy.Params
	calls  *int32
}

func (f *fixed) Name() string { return f.name }
func (f *fixed) Params() strategy.Params { return f.params.Clone() }
func (f *fixed) SetParams(p strategy.Params) { f.params = f.params.Merge(p) }
func (f *fixed) MinBars() int { return 1 }
func (f *fixed) GenerateSignals(market.Series) (*strategy.Frame, error) { return &strategy.Frame{}, nil }
func (f *fixed) CurrentSignal(market.Series) (strategy.Signal, error) {
	if f.calls != nil {
		atomic.AddInt32(f.calls, 1)
	}
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return strategy.Signal{}, f.err
	}
	return strategy.Signal{Kind: f.kind, Confidence: f.conf, Reason: f.name}, nil
}

func register(t *testing.T, e *Engine, specs ...*fixed) []string {
	t.Helper()
	names := make([]string, 0, len(specs))
	for _, sp := range specs {
		sp := sp
		if err := e.Register(sp.name, func(p strategy.Params) strategy.Strategy {
			c := *sp
			c.params = strategy.Params{}.Merge(p)
			return &c
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
		names = append(names, sp.name)
	}
	return names
}

func bars(n int) market.Series {
	out := make(market.Series, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 10 + float64(i%7)
		out[i] = market.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100}
	}
	return out
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAnalyzeMarginOfVictory(t *testing.T) {
	e := New(Config{}, nil)
	names := register(t, e, &fixed{name: "a", kind: strategy.Buy, conf: 0.8}, &fixed{name: "b", kind: strategy.Sell, conf: 0.6})
	d := e.Analyze(context.Background(), bars(5), names)
	if d.FinalSignal != strategy.Buy || !approx(d.Confidence, 0.2) {
		t.Fatalf("expected BUY 0.2 got %s %v", d.FinalSignal, d.Confidence)
	}
	if len(d.BuySignals) != 1 || d.BuySignals[0].Strategy != "a" || len(d.SellSignals) != 1 {
		t.Fatalf("unexpected groups %+v %+v", d.BuySignals, d.SellSignals)
	}
	if d.Price != 14 {
		t.Fatalf("price %v", d.Price)
	}
}

func TestAnalyzeUnanimousMean(t *testing.T) {
	e := New(Config{Workers: 2}, nil)
	names := register(t, e,
		&fixed{name: "a", kind: strategy.Buy, conf: 0.5},
		&fixed{name: "b", kind: strategy.Buy, conf: 0.7},
		&fixed{name: "c", kind: strategy.Buy, conf: 0.9})
	d := e.Analyze(context.Background(), bars(5), names)
	if d.FinalSignal != strategy.Buy || !approx(d.Confidence, 0.7) {
		t.Fatalf("expected BUY 0.7 got %s %v", d.FinalSignal, d.Confidence)
	}
	got := []string{d.BuySignals[0].Strategy, d.BuySignals[1].Strategy, d.BuySignals[2].Strategy}
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("buy list should follow request order: %v", got)
	}
}

func TestAnalyzeTieGoesToSell(t *testing.T) {
	e := New(Config{}, nil)
	names := register(t, e, &fixed{name: "a", kind: strategy.Buy, conf: 0.6}, &fixed{name: "b", kind: strategy.Sell, conf: 0.6})
	d := e.Analyze(context.Background(), bars(5), names)
	if d.FinalSignal != strategy.Sell || d.Confidence != 0 {
		t.Fatalf("expected SELL 0 got %s %v", d.FinalSignal, d.Confidence)
	}
}

func TestAnalyzeHoldMeanAndClamp(t *testing.T) {
	e := New(Config{}, nil)
	names := register(t, e, &fixed{name: "a", kind: strategy.Hold, conf: 0.33}, &fixed{name: "b", kind: strategy.Hold, conf: 0.69})
	d := e.Analyze(context.Background(), bars(5), names)
	if d.FinalSignal != strategy.Hold || !approx(d.Confidence, 0.51) {
		t.Fatalf("expected HOLD 0.51 got %s %v", d.FinalSignal, d.Confidence)
	}

	e = New(Config{}, nil)
	names = register(t, e, &fixed{name: "hi", kind: strategy.Sell, conf: 1.4}, &fixed{name: "lo", kind: strategy.Sell, conf: -0.2})
	d = e.Analyze(context.Background(), bars(5), names)
	if d.FinalSignal != strategy.Sell || !approx(d.Confidence, 0.5) {
		t.Fatalf("expected clamped mean 0.5 got %s %v", d.FinalSignal, d.Confidence)
	}
	if d.Details["hi"].Confidence != 1 || d.Details["lo"].Confidence != 0 {
		t.Fatalf("details not clamped: %+v", d.Details)
	}
}

func TestAnalyzeEmptyIsHoldZero(t *testing.T) {
	e := New(Config{}, nil)
	d := e.Analyze(context.Background(), bars(5), []string{})
	if d.FinalSignal != strategy.Hold || d.Confidence != 0 || len(d.Details) != 0 {
		t.Fatalf("expected empty HOLD got %+v", d)
	}
}

func TestAnalyzeIsolatesFailures(t *testing.T) {
	e := New(Config{}, nil)
	names := register(t, e,
		&fixed{name: "ok", kind: strategy.Sell, conf: 0.7},
		&fixed{name: "bad", err: errors.New("malformed")},
		&fixed{name: "crash", panics: true})
	d := e.Analyze(context.Background(), bars(5), names)
	if len(d.Details) != len(names) {
		t.Fatalf("details %d != %d", len(d.Details), len(names))
	}
	for _, n := range []string{"bad", "crash"} {
		if d.Details[n].Kind != strategy.Error || !strings.Contains(d.Details[n].Reason, ErrStrategyFailed.Error()) {
			t.Fatalf("%s: expected ERROR detail got %+v", n, d.Details[n])
		}
	}
	if d.FinalSignal != strategy.Sell || !approx(d.Confidence, 0.7) {
		t.Fatalf("failures must not affect aggregation: %s %v", d.FinalSignal, d.Confidence)
	}
}

func TestAnalyzeUnknownShortCircuits(t *testing.T) {
	var calls int32
	e := New(Config{}, nil)
	register(t, e, &fixed{name: "a", kind: strategy.Buy, conf: 0.9, calls: &calls})
	d := e.Analyze(context.Background(), bars(5), []string{"a", "nope"})
	if d.FinalSignal != strategy.Error || d.Confidence != 0 || len(d.Details) != 0 || !d.Failed() {
		t.Fatalf("expected ERROR decision got %+v", d)
	}
	if !strings.Contains(d.Error, "nope") || !strings.Contains(d.Error, "available: a") {
		t.Fatalf("error should name the invalid and valid strategies: %q", d.Error)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no strategy should run after an invalid name")
	}
	b, err := json.Marshal(d)
	if err != nil || !strings.Contains(string(b), `"buy_signals":[]`) || !strings.Contains(string(b), `"sell_signals":[]`) {
		t.Fatalf("vote lists should encode as empty arrays: %s (%v)", b, err)
	}
}

func TestGetCachesAndAppliesParams(t *testing.T) {
	e := NewDefault(Config{Params: map[string]strategy.Params{"rsi": {"period": 7}}}, nil)
	a, err := e.Get("rsi", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Params().Int("period", 0) != 7 {
		t.Fatalf("config params not applied: %v", a.Params())
	}
	b, _ := e.Get("rsi", strategy.Params{"oversold": 25.0})
	if a != b {
		t.Fatalf("get should return the cached instance")
	}
	if a.Params().Float("oversold", 0) != 25 || a.Params().Int("period", 0) != 7 {
		t.Fatalf("params not merged: %v", a.Params())
	}
	if _, err := e.Get("nope", nil); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy got %v", err)
	}
}

func TestFactoryBuildsIndependentInstances(t *testing.T) {
	e := NewDefault(Config{Params: map[string]strategy.Params{"rsi": {"period": 7}}}, nil)
	f, err := e.Factory("rsi")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	st := f(strategy.Params{"oversold": 20.0})
	cached, _ := e.Get("rsi", nil)
	if st == cached {
		t.Fatalf("factory must not hand out the cached instance")
	}
	if st.Params().Int("period", 0) != 7 || st.Params().Float("oversold", 0) != 20 {
		t.Fatalf("factory params %v", st.Params())
	}
	if cached.Params().Float("oversold", 0) != 30 {
		t.Fatalf("cached instance touched: %v", cached.Params())
	}
	if _, err := e.Factory("nope"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy got %v", err)
	}
}

func TestValidateDedupsAndSplits(t *testing.T) {
	e := NewDefault(Config{}, nil)
	valid, invalid := e.Validate([]string{"rsi", "x", "rsi", "macd"})
	if strings.Join(valid, ",") != "rsi,macd" || strings.Join(invalid, ",") != "x" {
		t.Fatalf("valid %v invalid %v", valid, invalid)
	}
	if len(e.Names()) != 12 || len(e.Catalogue()) != 12 {
		t.Fatalf("expected 12 builtins")
	}
	if info, ok := e.Info("kdj"); !ok || info.Category != "均值回归" {
		t.Fatalf("info %+v", info)
	}
}

func TestAnalyzeBuiltinsAndReset(t *testing.T) {
	e := NewDefault(Config{Workers: 4}, nil)
	s := bars(80)
	d := e.Analyze(context.Background(), s, nil)
	if len(d.Details) != 12 {
		t.Fatalf("expected 12 details got %d", len(d.Details))
	}
	for name, sig := range d.Details {
		if sig.Kind == strategy.Error {
			t.Fatalf("%s failed: %s", name, sig.Reason)
		}
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		t.Fatalf("confidence %v", d.Confidence)
	}
	if _, err := json.Marshal(d); err != nil {
		t.Fatalf("marshal decision: %v", err)
	}

	g, _ := e.Get("grid", nil)
	g.GenerateSignals(s)
	e.ResetState("grid")
	if g.(*strategy.Grid).TotalTrades() != 0 {
		t.Fatalf("reset did not clear grid counter")
	}
}

func TestAnalyzeMalformedSeriesRecordsErrors(t *testing.T) {
	e := NewDefault(Config{}, nil)
	s := bars(40)
	s[3].Low = s[3].High + 5
	d := e.Analyze(context.Background(), s, []string{"rsi", "macd"})
	if len(d.Details) != 2 || d.Details["rsi"].Kind != strategy.Error || d.Details["macd"].Kind != strategy.Error {
		t.Fatalf("expected per-strategy errors got %+v", d.Details)
	}
	if d.FinalSignal != strategy.Hold || d.Confidence != 0 {
		t.Fatalf("all-error decision should be HOLD 0, got %s %v", d.FinalSignal, d.Confidence)
	}
}

func TestJournalConversion(t *testing.T) {
	d := Decision{FinalSignal: strategy.Sell, Confidence: 0.3, Price: 12, Details: map[string]strategy.Signal{}}
	j := d.Journal("000001")
	if j.Symbol != "000001" || j.Final != strategy.Sell || j.Price != 12 {
		t.Fatalf("journal %+v", j)
	}
}
