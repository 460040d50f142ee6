package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signaldesk/src/backtest"
	"signaldesk/src/engine"
	"signaldesk/src/stream"
)

func init() { gin.SetMode(gin.TestMode) }

func newServer() *Server {
	return New(Deps{
		Engine:   engine.NewDefault(engine.Config{Workers: 4}, nil),
		Backtest: backtest.New(backtest.Config{}, nil),
		Defaults: []string{"rsi", "macd", "bollinger"},
	})
}

func wave(n int) []BarDTO {
	out := make([]BarDTO, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 100 + 10*math.Sin(float64(i)/5)
		out[i] = BarDTO{
			Date: start.AddDate(0, 0, i).Format("2006-01-02"),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000 + float64(i),
		}
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthAndCatalogue(t *testing.T) {
	s := newServer()
	w, body := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" || body["strategies"] != 12.0 {
		t.Fatalf("healthz %d %v", w.Code, body)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/strategies", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var cat []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cat); err != nil || len(cat) != 12 || cat[0]["key"] != "ma_cross" {
		t.Fatalf("catalogue %s (%v)", rec.Body.String(), err)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	s := newServer()
	w, body := do(t, s.Handler(), http.MethodPost, "/analyze",
		AnalyzeRequest{Symbol: "600519", Bars: wave(60), Strategies: []string{"rsi", "macd"}})
	if w.Code != http.StatusOK {
		t.Fatalf("analyze %d %s", w.Code, w.Body.String())
	}
	switch body["final_signal"] {
	case "BUY", "SELL", "HOLD":
	default:
		t.Fatalf("final signal %v", body["final_signal"])
	}
	if details, _ := body["details"].(map[string]any); len(details) != 2 {
		t.Fatalf("details %v", body["details"])
	}

	w, body = do(t, s.Handler(), http.MethodPost, "/analyze",
		AnalyzeRequest{Bars: wave(30), Strategies: []string{"rsi", "astrology"}})
	if w.Code != http.StatusOK || body["final_signal"] != "ERROR" || !strings.Contains(body["error"].(string), "astrology") {
		t.Fatalf("unknown strategy %d %v", w.Code, body)
	}
}

func TestAnalyzeRejectsMalformedInput(t *testing.T) {
	s := newServer()
	bad := wave(10)
	bad[4].Low = bad[4].High + 3
	for name, body := range map[string]any{
		"ohlc":    AnalyzeRequest{Bars: bad},
		"date":    AnalyzeRequest{Bars: []BarDTO{{Date: "someday", Open: 1, High: 1, Low: 1, Close: 1}}},
		"missing": map[string]any{"symbol": "x"},
	} {
		w, out := do(t, s.Handler(), http.MethodPost, "/analyze", body)
		if w.Code != http.StatusBadRequest || out["error"] == nil {
			t.Fatalf("%s: %d %v", name, w.Code, out)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json %d", rec.Code)
	}
}

func TestBacktestEndpoint(t *testing.T) {
	s := newServer()
	w, body := do(t, s.Handler(), http.MethodPost, "/backtest",
		BacktestRequest{Symbol: "600519", Bars: wave(80), Strategy: "bollinger", Mode: "fidelity"})
	if w.Code != http.StatusOK || body["symbol"] != "600519" || body["mode"] != "fidelity" {
		t.Fatalf("backtest %d %v", w.Code, body)
	}
	if curve, _ := body["equity_curve"].([]any); len(curve) != 80 {
		t.Fatalf("equity curve length %d", len(curve))
	}

	w, body = do(t, s.Handler(), http.MethodPost, "/backtest",
		BacktestRequest{Symbol: "x", Bars: wave(1), Strategy: "rsi"})
	if w.Code != http.StatusOK || body["error"] != "insufficient data" {
		t.Fatalf("short series %d %v", w.Code, body)
	}

	for name, req := range map[string]BacktestRequest{
		"strategy": {Bars: wave(20), Strategy: "astrology"},
		"mode":     {Bars: wave(20), Strategy: "rsi", Mode: "vector"},
	} {
		if w, _ := do(t, s.Handler(), http.MethodPost, "/backtest", req); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", name, w.Code)
		}
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	s := newServer()
	w, body := do(t, s.Handler(), http.MethodPost, "/optimize", OptimizeRequest{
		Symbol: "600519", Bars: wave(80), Strategy: "rsi",
		Grid: backtest.Grid{"period": {10, 14}, "oversold": {25, 30}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("optimize %d %s", w.Code, w.Body.String())
	}
	if runs, _ := body["runs"].([]any); len(runs) != 4 || body["best_params"] == nil {
		t.Fatalf("optimization %v", body)
	}
}

func TestBarsCacheAndPush(t *testing.T) {
	s := newServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?symbols=600519", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack stream.Message
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != stream.TypeSubscribed {
		t.Fatalf("ack %+v %v", ack, err)
	}

	bars := wave(60)
	w, body := do(t, s.Handler(), http.MethodPost, "/bars/600519", BarsRequest{Bars: bars[:40]})
	if w.Code != http.StatusOK || body["accepted"] != 40.0 || body["window"] != 40.0 || body["delivered"] != 1.0 {
		t.Fatalf("bars %d %v", w.Code, body)
	}
	var msg stream.Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != stream.TypeDecision || msg.Symbol != "600519" {
		t.Fatalf("push %+v %v", msg, err)
	}
	decision, _ := msg.Decision.(map[string]any)
	if details, _ := decision["details"].(map[string]any); len(details) != 3 {
		t.Fatalf("pushed decision %v", msg.Decision)
	}

	_, body = do(t, s.Handler(), http.MethodPost, "/bars/600519", BarsRequest{Bars: bars[39:]})
	if body["accepted"] != 21.0 || body["window"] != 60.0 {
		t.Fatalf("second batch %v", body)
	}

	w, body = do(t, s.Handler(), http.MethodGet, "/analyze/600519?strategies=rsi", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cached analyze %d", w.Code)
	}
	if details, _ := body["details"].(map[string]any); len(details) != 1 || details["rsi"] == nil {
		t.Fatalf("cached details %v", body["details"])
	}
	if w, _ := do(t, s.Handler(), http.MethodGet, "/analyze/000000", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}
