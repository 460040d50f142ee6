package backtest

import (
	"fmt"
	"math"

	"github.com/fatih/structs"
	"gonum.org/v1/gonum/stat"
)

const tradingDays = 252

// Stats 汇总指标（不含逐根序列），用于控制台与 stats.json
type Stats struct {
	Symbol          string  `structs:"symbol"`
	Mode            string  `structs:"mode"`
	InitialCash     float64 `structs:"initial_cash"`
	FinalEquity     float64 `structs:"final_equity"`
	TotalReturn     float64 `structs:"total_return"`
	TotalReturnPct  string  `structs:"total_return_pct"`
	MaxDrawdown     float64 `structs:"max_drawdown"`
	MaxDrawdownPct  string  `structs:"max_drawdown_pct"`
	TotalTrades     int     `structs:"total_trades"`
	WinRate         string  `structs:"win_rate"`
	SharpeRatio     float64 `structs:"sharpe_ratio"`
	AvgWinningTrade float64 `structs:"avg_winning_trade"`
	AvgLosingTrade  float64 `structs:"avg_losing_trade"`
	Bars            int     `structs:"bars"`
	Error           string  `structs:"error,omitempty"`
}

func (s Stats) Map() map[string]any { return structs.Map(s) }

func (r Result) Stats() Stats {
	return Stats{
		Symbol:          r.Symbol,
		Mode:            r.Mode,
		InitialCash:     r.InitialCash,
		FinalEquity:     r.FinalEquity,
		TotalReturn:     r.TotalReturn,
		TotalReturnPct:  r.TotalReturnPct,
		MaxDrawdown:     r.MaxDrawdown,
		MaxDrawdownPct:  r.MaxDrawdownPct,
		TotalTrades:     r.TotalTrades,
		WinRate:         r.WinRate,
		SharpeRatio:     r.SharpeRatio,
		AvgWinningTrade: r.AvgWinningTrade,
		AvgLosingTrade:  r.AvgLosingTrade,
		Bars:            len(r.EquityCurve),
		Error:           r.Error,
	}
}

// fillStats 由权益曲线与成交明细计算汇总指标
func fillStats(r *Result) {
	eq := r.EquityCurve
	if len(eq) == 0 {
		return
	}
	r.FinalEquity = eq[len(eq)-1]
	if r.InitialCash > 0 {
		r.TotalReturn = (r.FinalEquity - r.InitialCash) / r.InitialCash
	}
	r.MaxDrawdown = maxDrawdown(eq)
	r.TotalReturnPct = pct(r.TotalReturn)
	r.MaxDrawdownPct = pct(r.MaxDrawdown)
	r.SharpeRatio = sharpe(eq)

	var wins, losses []float64
	for _, t := range r.Trades {
		if t.Type != "SELL" {
			continue
		}
		if t.PnL > 0 {
			wins = append(wins, t.PnL)
		} else {
			losses = append(losses, t.PnL)
		}
	}
	r.TotalTrades = len(wins) + len(losses)
	if r.TotalTrades > 0 {
		r.winRatio = float64(len(wins)) / float64(r.TotalTrades)
	}
	r.WinRate = pct(r.winRatio)
	if len(wins) > 0 {
		r.AvgWinningTrade = stat.Mean(wins, nil)
	}
	if len(losses) > 0 {
		r.AvgLosingTrade = stat.Mean(losses, nil)
	}
}

// maxDrawdown 相对运行峰值的最大回撤比例
func maxDrawdown(eq []float64) float64 {
	peak, dd := math.Inf(-1), 0.0
	for _, v := range eq {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if d := (peak - v) / peak; d > dd {
				dd = d
			}
		}
	}
	return dd
}

// sharpe 日收益年化夏普（无风险利率 0）
func sharpe(eq []float64) float64 {
	if len(eq) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(eq)-1)
	for i := 1; i < len(eq); i++ {
		if eq[i-1] <= 0 {
			continue
		}
		rets = append(rets, eq[i]/eq[i-1]-1)
	}
	if len(rets) < 2 {
		return 0
	}
	m, sd := stat.MeanStdDev(rets, nil)
	if sd < 1e-12 || math.IsNaN(sd) {
		return 0
	}
	return round4(m / sd * math.Sqrt(tradingDays))
}

// pct 比例 -> "xx.xx%"
func pct(x float64) string { return fmt.Sprintf("%.2f%%", x*100) }
func round4(x float64) float64 { return math.Round(x*1e4) / 1e4 }
