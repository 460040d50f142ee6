package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"signaldesk/src/backtest"
)

// ===================== 回测结果导出 =====================

// tradeRow trades.csv 行，字段名与 backtest.Trade 一致以便 copier 复制
type tradeRow struct {
	Type    string  `csv:"type"`
	Date    string  `csv:"date"`
	Price   float64 `csv:"price"`
	Shares  int64   `csv:"shares"`
	Cost    float64 `csv:"cost"`
	Revenue float64 `csv:"revenue"`
	PnL     float64 `csv:"pnl"`
}

type equityRow struct {
	Date   string  `csv:"date"`
	Close  float64 `csv:"close"`
	Equity float64 `csv:"equity"`
}

// RunID 结果目录名：<时间>_<代码>_<uuid 前 8 位>
func RunID(symbol string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", now.Format("20060102-150405"), sanitize(symbol), uuid.New().String()[:8])
}

// ExportResult 在 dir 下新建一次回测的结果目录并写入 result.json / stats.json / trades.csv / equity_curve.csv；
// now 决定目录名里的时间戳
func ExportResult(dir string, r backtest.Result, now time.Time) (string, error) {
	runDir := filepath.Join(dir, RunID(r.Symbol, now))

	res, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(runDir, "result.json"), res); err != nil {
		return "", err
	}
	stats, err := json.MarshalIndent(r.Stats().Map(), "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(runDir, "stats.json"), stats); err != nil {
		return "", err
	}

	trades := []tradeRow{}
	if err := copier.Copy(&trades, &r.Trades); err != nil {
		return "", fmt.Errorf("trades: %w", err)
	}
	if err := writeCSV(filepath.Join(runDir, "trades.csv"), &trades); err != nil {
		return "", err
	}

	curve := make([]equityRow, len(r.EquityCurve))
	for i, eq := range r.EquityCurve {
		curve[i].Equity = eq
		if i < len(r.Dates) {
			curve[i].Date = r.Dates[i]
		}
		if i < len(r.Prices) {
			curve[i].Close = r.Prices[i]
		}
	}
	if err := writeCSV(filepath.Join(runDir, "equity_curve.csv"), &curve); err != nil {
		return "", err
	}
	return runDir, nil
}

// ExportOptimization 参数寻优结果写成 optimization.json
func ExportOptimization(dir string, o backtest.Optimization, now time.Time) (string, error) {
	runDir := filepath.Join(dir, RunID(o.Best.Symbol+"_opt", now))
	b, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(runDir, "optimization.json"), b); err != nil {
		return "", err
	}
	return runDir, nil
}

func writeCSV(path string, rows any) error {
	var buf bytes.Buffer
	if err := gocsv.Marshal(rows, &buf); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return writeFile(path, buf.Bytes())
}
