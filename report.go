package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"signaldesk/src/backtest"
	"signaldesk/src/engine"
	"signaldesk/src/strategy"
)

const rule = "============================================================"

// ==================== Reporting ====================

func printCatalogue(w io.Writer, infos []strategy.Info) {
	fmt.Fprintf(w, "%-16s %-12s %-10s %-4s %s\n", "Key", "Name", "Category", "Risk", "Description")
	for _, in := range infos {
		fmt.Fprintf(w, "%-16s %-12s %-10s %-4s %s\n", in.Key, in.Name, in.Category, in.RiskLevel, in.Description)
	}
}

func printDecision(w io.Writer, symbol string, d engine.Decision) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Decision %s\n", symbol)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Final Signal        : %s\n", d.FinalSignal)
	fmt.Fprintf(w, "Confidence          : %.4f\n", d.Confidence)
	if d.Price != 0 {
		fmt.Fprintf(w, "Price               : %.2f\n", d.Price)
	}
	if d.Error != "" {
		fmt.Fprintf(w, "Error               : %s\n", d.Error)
	}
	names := make([]string, 0, len(d.Details))
	for n := range d.Details {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) > 0 {
		fmt.Fprintln(w, strings.Repeat("-", len(rule)))
		fmt.Fprintf(w, "%-16s %-6s %-8s %s\n", "Strategy", "Signal", "Conf", "Reason")
	}
	for _, n := range names {
		sig := d.Details[n]
		fmt.Fprintf(w, "%-16s %-6s %-8.4f %s\n", n, sig.Kind, sig.Confidence, sig.Reason)
	}
	fmt.Fprintln(w, rule)
}

func printResult(w io.Writer, r backtest.Result) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Backtest Summary %s (%s)\n", r.Symbol, r.Mode)
	fmt.Fprintln(w, rule)
	if r.Error != "" {
		fmt.Fprintf(w, "Error               : %s\n", r.Error)
		fmt.Fprintln(w, rule)
		return
	}
	fmt.Fprintf(w, "Initial Cash        : %.2f\n", r.InitialCash)
	fmt.Fprintf(w, "Final Equity        : %.2f\n", r.FinalEquity)
	fmt.Fprintf(w, "Total Return        : %s\n", r.TotalReturnPct)
	fmt.Fprintf(w, "Max Drawdown        : %s\n", r.MaxDrawdownPct)
	fmt.Fprintf(w, "Sharpe              : %.4f\n", r.SharpeRatio)
	fmt.Fprintf(w, "Win Rate            : %s\n", r.WinRate)
	fmt.Fprintf(w, "Number of Trades    : %d\n", r.TotalTrades)
	fmt.Fprintf(w, "Avg Win / Avg Loss  : %.2f / %.2f\n", r.AvgWinningTrade, r.AvgLosingTrade)
	fmt.Fprintln(w, strings.Repeat("-", len(rule)))
	fmt.Fprintln(w, "Trades Detail")
	fmt.Fprintln(w, strings.Repeat("-", len(rule)))
	printTrades(w, r.Trades)
	fmt.Fprintln(w, rule)
}

func printTrades(w io.Writer, trades []backtest.Trade) {
	if len(trades) == 0 {
		fmt.Fprintln(w, "No trades executed.")
		return
	}
	fmt.Fprintf(w, "%-4s %-5s %-11s %-10s %-8s %-12s %s\n", "No.", "Dir", "Date", "Price", "Shares", "Amount", "PnL")
	for i, tr := range trades {
		amount, pnl := tr.Cost, "-"
		if tr.Type == "SELL" {
			amount, pnl = tr.Revenue, fmt.Sprintf("%.2f", tr.PnL)
		}
		fmt.Fprintf(w, "%-4d %-5s %-11s %-10.2f %-8d %-12.2f %s\n", i+1, tr.Type, tr.Date, tr.Price, tr.Shares, amount, pnl)
	}
}

func printOptimization(w io.Writer, o backtest.Optimization) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Optimization %s (%d runs)\n", o.Strategy, len(o.Runs))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%-40s %-10s %-10s %-8s %-7s %s\n", "Params", "Return", "MaxDD", "Sharpe", "Trades", "WinRate")
	for _, run := range o.Runs {
		if run.Error != "" {
			fmt.Fprintf(w, "%-40s error: %s\n", formatParams(run.Params), run.Error)
			continue
		}
		fmt.Fprintf(w, "%-40s %-10.4f %-10.4f %-8.4f %-7d %s\n",
			formatParams(run.Params), run.TotalReturn, run.MaxDrawdown, run.SharpeRatio, run.TotalTrades, run.WinRate)
	}
	fmt.Fprintln(w, strings.Repeat("-", len(rule)))
	fmt.Fprintf(w, "Best Params         : %s\n", formatParams(o.BestParams))
	fmt.Fprintf(w, "Best Return         : %s\n", o.Best.TotalReturnPct)
	fmt.Fprintln(w, rule)
}

// formatParams 按 key 排序的 k=v 列表
func formatParams(p strategy.Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, " ")
}
