package strategy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"signaldesk/src/market"
)

// Decision 写入信号日志的一条综合决策
type Decision struct {
	Symbol     string
	Final      Kind
	Confidence float64
	Price      float64
	Details    map[string]Signal
	Error      string
}

// SignalLogger 把综合决策写入到 “<dir>/代码_YYYY-MM-DD.log”
//   - 多行格式（含小图标），如：
//     🕒 时间:2025-10-27T12:34:56.789Z
//     📈 代码:600519
//     🧭 结论:买入
//     🎯 置信度:0.2000
//     💵 价格:1680.5
//     📋 明细:
//     macd:买入 0.8000 golden cross
//     rsi:卖出 0.6000 overbought
//     （条目间以空行分隔）
//
// - 每天自动换新文件（按本地日期）
// - 并发安全
type SignalLogger struct {
	baseDir     string
	now         func() time.Time
	mu          sync.Mutex
	files       map[string]*os.File // key: symbol
	paths       map[string]string   // key: symbol -> current file path
	currentDate string
}

func NewSignalLogger(baseDir string) *SignalLogger {
	if baseDir == "" {
		baseDir = "策略日志"
	}
	return &SignalLogger{
		baseDir:     baseDir,
		now:         time.Now,
		files:       make(map[string]*os.File),
		paths:       make(map[string]string),
		currentDate: time.Now().Format(market.DateLayout),
	}
}

func (l *SignalLogger) rotateIfNeeded(now time.Time) {
	date := now.Format(market.DateLayout)
	if date == l.currentDate {
		return
	}
	// 日期变更 -> 关闭所有已打开文件
	for sym, f := range l.files {
		_ = f.Close()
		delete(l.files, sym)
		delete(l.paths, sym)
	}
	l.currentDate = date
}

func (l *SignalLogger) fileFor(symbol string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.baseDir, fmt.Sprintf("%s_%s.log", symbol, now.Format(market.DateLayout)))

	if f, ok := l.files[symbol]; ok && l.paths[symbol] == path {
		return f, nil
	}
	if f, ok := l.files[symbol]; ok {
		_ = f.Close()
		delete(l.files, symbol)
		delete(l.paths, symbol)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[symbol] = f
	l.paths[symbol] = path
	return f, nil
}

// LogDecision 写入一条「多行文本」日志
func (l *SignalLogger) LogDecision(d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rotateIfNeeded(now)
	sym := d.Symbol
	if sym == "" {
		sym = "unknown"
	}
	f, err := l.fileFor(sym, now)
	if err != nil {
		return fmt.Errorf("open signal log: %w", err)
	}
	_, err = f.WriteString(formatDecision(now, d))
	return err
}

// Close 进程退出时调用
func (l *SignalLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for sym, f := range l.files {
		if e := f.Close(); e != nil {
			err = e
		}
		delete(l.files, sym)
		delete(l.paths, sym)
	}
	return err
}

// ===================== 展示 =====================

func formatDecision(now time.Time, d Decision) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "🕒 时间:%s\n", now.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "📈 代码:%s\n", d.Symbol)
	fmt.Fprintf(&b, "🧭 结论:%s\n", kindToCN(d.Final))
	fmt.Fprintf(&b, "🎯 置信度:%.4f\n", d.Confidence)
	fmt.Fprintf(&b, "💵 价格:%g\n", d.Price)
	if d.Error != "" {
		fmt.Fprintf(&b, "⚠️ 错误:%s\n", d.Error)
	}

	if len(d.Details) > 0 {
		b.WriteString("📋 明细:\n")
		names := make([]string, 0, len(d.Details))
		for k := range d.Details {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			s := d.Details[k]
			fmt.Fprintf(&b, "%s:%s %.4f %s\n", k, kindToCN(s.Kind), s.Confidence, s.Reason)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func kindToCN(k Kind) string {
	switch k {
	case Buy:
		return "买入"
	case Sell:
		return "卖出"
	case Hold:
		return "观望"
	case Error:
		return "错误"
	default:
		return string(k)
	}
}
