package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"signaldesk/src/backtest"
)

// ===================== 成交日志（JSON Lines + 按日滚动） =====================

type TradeJournal struct {
	mu       sync.Mutex
	dir      string
	baseName string
	file     *os.File
	writer   *bufio.Writer
	dayMark  string
	now      func() time.Time
}

func NewTradeJournal(dir, filename string) *TradeJournal {
	if filename == "" {
		filename = "trades.jsonl"
	}
	return &TradeJournal{dir: dir, baseName: filename, now: time.Now}
}

func (t *TradeJournal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *TradeJournal) closeLocked() error {
	if t.writer != nil {
		_ = t.writer.Flush()
		t.writer = nil
	}
	if t.file != nil {
		err := t.file.Close()
		t.file = nil
		return err
	}
	return nil
}

// —— 日志结构 ——

type entry struct {
	TS   string `json:"ts"`
	Host string `json:"host"`
	Cat  string `json:"cat"` // trade/decision/info
}

type TradeEntry struct {
	entry
	RunID    string `json:"run_id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	backtest.Trade
}

type DecisionEntry struct {
	entry
	Symbol     string  `json:"symbol"`
	Final      string  `json:"final_signal"`
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func (t *TradeJournal) stamp(cat string) entry {
	return entry{TS: t.now().UTC().Format(time.RFC3339Nano), Host: hostName(), Cat: cat}
}

func hostName() string {
	h, _ := os.Hostname()
	if h == "" {
		h = runtime.GOOS
	}
	return h
}

// —— API ——

// Trades 一次回测的全部成交，逐行写入
func (t *TradeJournal) Trades(runID, strategy string, r backtest.Result) error {
	for _, tr := range r.Trades {
		if err := t.write(TradeEntry{entry: t.stamp("trade"), RunID: runID, Symbol: r.Symbol, Strategy: strategy, Trade: tr}); err != nil {
			return err
		}
	}
	return nil
}

func (t *TradeJournal) Decision(symbol, final string, confidence, price float64, errMsg string) error {
	return t.write(DecisionEntry{
		entry: t.stamp("decision"), Symbol: symbol, Final: final, Confidence: confidence, Price: price, Error: errMsg,
	})
}

func (t *TradeJournal) write(obj any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rotateIfNeeded(); err != nil {
		return err
	}
	if _, err := t.writer.Write(b); err != nil {
		return err
	}
	return t.writer.Flush()
}

// Tail 当日活跃文件最近 n 行
func (t *TradeJournal) Tail(n int) ([]json.RawMessage, error) {
	if n <= 0 {
		n = 50
	}
	t.mu.Lock()
	path := t.Path(t.now())
	t.mu.Unlock()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]json.RawMessage, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			out = append(out, json.RawMessage(ln))
		}
	}
	return out, nil
}

// —— 滚动与文件管理 ——

// Path 某日的活跃文件：<base>_YYYYMMDD<ext>
func (t *TradeJournal) Path(day time.Time) string {
	ext := filepath.Ext(t.baseName)
	base := strings.TrimSuffix(t.baseName, ext)
	return filepath.Join(t.dir, fmt.Sprintf("%s_%s%s", base, day.Format("20060102"), ext))
}

func (t *TradeJournal) rotateIfNeeded() error {
	now := t.now()
	day := now.Format("20060102")
	if t.file != nil && day == t.dayMark {
		return nil
	}
	_ = t.closeLocked()
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.Path(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.file = f
	t.writer = bufio.NewWriterSize(f, 64*1024)
	t.dayMark = day
	return nil
}
