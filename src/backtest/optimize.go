package backtest

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signaldesk/src/market"
	"signaldesk/src/strategy"
)

var ErrNoValidRun = errors.New("no parameter combination produced a result")

// Grid 参数名 -> 候选值
type Grid map[string][]any

// Combinations 笛卡尔积；参数名按字典序，最后一个参数变化最快
func (g Grid) Combinations() []strategy.Params {
	keys := make([]string, 0, len(g))
	for k, vs := range g {
		if len(vs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := []strategy.Params{{}}
	for _, k := range keys {
		next := make([]strategy.Params, 0, len(out)*len(g[k]))
		for _, p := range out {
			for _, v := range g[k] {
				q := p.Clone()
				q[k] = v
				next = append(next, q)
			}
		}
		out = next
	}
	return out
}

type Run struct {
	Params      strategy.Params `json:"params"`
	TotalReturn float64         `json:"total_return"`
	MaxDrawdown float64         `json:"max_drawdown"`
	SharpeRatio float64         `json:"sharpe_ratio"`
	TotalTrades int             `json:"total_trades"`
	WinRate     string          `json:"win_rate"`
	Error       string          `json:"error,omitempty"`
}

type Optimization struct {
	Strategy   string          `json:"strategy"`
	BestParams strategy.Params `json:"best_params"`
	Best       Result          `json:"best"`
	Runs       []Run           `json:"runs"`
}

// Optimize 并发回测每个参数组合，总收益最高者胜出（相同时取组合顺序靠前者）
func (e *Engine) Optimize(ctx context.Context, s market.Series, factory strategy.Factory, grid Grid, symbol string) (Optimization, error) {
	combos := grid.Combinations()
	results := make([]Result, len(combos))
	names := make([]string, len(combos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, p := range combos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st := factory(p)
			names[i] = st.Name()
			results[i] = e.RunStrategy(s, st, symbol)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Optimization{}, err
	}

	opt := Optimization{Runs: make([]Run, len(combos))}
	best := -1
	for i, r := range results {
		opt.Runs[i] = Run{
			Params: combos[i], TotalReturn: r.TotalReturn, MaxDrawdown: r.MaxDrawdown,
			SharpeRatio: r.SharpeRatio, TotalTrades: r.TotalTrades, WinRate: r.WinRate, Error: r.Error,
		}
		if r.Error != "" {
			continue
		}
		if best < 0 || r.TotalReturn > results[best].TotalReturn {
			best = i
		}
	}
	if len(names) > 0 {
		opt.Strategy = names[0]
	}
	if best < 0 {
		return opt, ErrNoValidRun
	}
	opt.BestParams, opt.Best = combos[best], results[best]
	e.log.Info("optimize done",
		zap.String("symbol", symbol),
		zap.String("strategy", opt.Strategy),
		zap.Int("combinations", len(combos)),
		zap.Any("best_params", opt.BestParams),
		zap.Float64("best_return", opt.Best.TotalReturn),
	)
	return opt, nil
}
