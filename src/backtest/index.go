package backtest

// Backtest —— 单标的日线回测（收盘成交，全仓进出）
// 1) 状态机：FLAT --买入信号--> LONG --卖出信号--> FLAT；不加仓、不做空、不做日内成交；
// 2) 买入：floor(min(现金*0.95, 现金)/收盘价) 股，成本含手续费，成本超过现金则放弃；
// 3) 卖出：全部清仓，收入扣手续费，盈亏 = 收入 - 对应买入成本（含手续费）；
// 4) 逐根权益 = 现金 + 持股*收盘；结束仍持仓按最后收盘估值，不记成交；
// 5) fidelity 模式用 decimal 账本（滑点 + 手续费），任何失败回退到简单回放，结果结构一致。

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"signaldesk/src/market"
	"signaldesk/src/strategy"
)

var (
	ErrInsufficientBars = errors.New("insufficient data")
	ErrSignalLength     = errors.New("signal length mismatch")
	ErrSimulator        = errors.New("simulator failed")
)

const (
	ModeSimple   = "simple"
	ModeFidelity = "fidelity"
)

// ===================== 配置与结果 =====================

type Config struct {
	InitialCash float64
	Commission  float64 // 手续费率（按成交额）
	Slippage    float64 // 滑点比例，仅 fidelity 模式使用
	CashBuffer  float64 // 买入时可动用现金比例
	Mode        string  // simple / fidelity
	Workers     int     // 参数优化并发上限
}

func (c *Config) withDefaults() Config {
	q := *c
	if q.InitialCash == 0 {
		q.InitialCash = 100000
	}
	if q.Commission == 0 {
		q.Commission = 0.0003
	}
	if q.Slippage == 0 {
		q.Slippage = 0.001
	}
	if q.CashBuffer == 0 {
		q.CashBuffer = 0.95
	}
	if q.Mode == "" {
		q.Mode = ModeSimple
	}
	if q.Workers <= 0 {
		q.Workers = 4
	}
	return q
}

// Trade 成交明细；Cost 只在买入时有值，Revenue/PnL 只在卖出时有值
type Trade struct {
	Type    string  `json:"type"`
	Date    string  `json:"date"`
	Price   float64 `json:"price"`
	Shares  int64   `json:"shares"`
	Cost    float64 `json:"cost,omitempty"`
	Revenue float64 `json:"revenue,omitempty"`
	PnL     float64 `json:"pnl,omitempty"`
}

type Result struct {
	Symbol          string    `json:"symbol"`
	Mode            string    `json:"mode,omitempty"`
	InitialCash     float64   `json:"initial_cash"`
	FinalEquity     float64   `json:"final_equity"`
	TotalReturn     float64   `json:"total_return"`
	TotalReturnPct  string    `json:"total_return_pct"`
	MaxDrawdown     float64   `json:"max_drawdown"`
	MaxDrawdownPct  string    `json:"max_drawdown_pct"`
	TotalTrades     int       `json:"total_trades"`
	WinRate         string    `json:"win_rate"`
	SharpeRatio     float64   `json:"sharpe_ratio"`
	AvgWinningTrade float64   `json:"avg_winning_trade"`
	AvgLosingTrade  float64   `json:"avg_losing_trade"`
	Trades          []Trade   `json:"trades"`
	EquityCurve     []float64 `json:"equity_curve"`
	Prices          []float64 `json:"prices"`
	Dates           []string  `json:"dates"`
	Error           string    `json:"error,omitempty"`

	winRatio float64
	err      error
}

func failed(symbol string, err error) Result {
	return Result{Symbol: symbol, Error: err.Error(), err: err}
}

// Err 失败结果对应的错误（可用 errors.Is 判断哨兵错误）
func (r Result) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

func (r Result) WinRatio() float64 { return r.winRatio }

// Summary 汇总指标（不含逐根序列）
func (r Result) Summary() string {
	b, _ := json.MarshalIndent(r.Stats().Map(), "", "  ")
	return string(b)
}

// ===================== 引擎 =====================

type Engine struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg.withDefaults(), log: log.Named("backtest")}
}

func (e *Engine) Config() Config { return e.cfg }

// Run 按给定买卖布尔序列回放
func (e *Engine) Run(s market.Series, entries, exits []bool, symbol string) Result {
	if len(s) < 2 {
		return failed(symbol, ErrInsufficientBars)
	}
	if len(entries) != len(s) || len(exits) != len(s) {
		return failed(symbol, fmt.Errorf("%w: bars=%d entries=%d exits=%d", ErrSignalLength, len(s), len(entries), len(exits)))
	}
	if err := s.Validate(); err != nil {
		return failed(symbol, err)
	}

	if e.cfg.Mode == ModeFidelity {
		res, err := e.runFidelity(s, entries, exits, symbol)
		if err == nil {
			return res
		}
		e.log.Warn("fidelity simulator failed, falling back to simple replay",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return e.runSimple(s, entries, exits, symbol)
}

// RunStrategy 用策略的逐根标签回放：1 -> 买入，-1 -> 卖出
func (e *Engine) RunStrategy(s market.Series, st strategy.Strategy, symbol string) Result {
	if len(s) < 2 {
		return failed(symbol, ErrInsufficientBars)
	}
	f, err := st.GenerateSignals(s)
	if err != nil {
		return failed(symbol, fmt.Errorf("%s: %w", st.Name(), err))
	}
	return e.Run(s, f.Entries(), f.Exits(), symbol)
}

// runSimple 浮点账本
func (e *Engine) runSimple(s market.Series, entries, exits []bool, symbol string) Result {
	c := e.cfg
	closes := s.Closes()
	labels := s.DateLabels()

	cash := c.InitialCash
	var shares int64
	var buyCost float64
	trades := make([]Trade, 0)
	equity := make([]float64, len(s))

	for i, price := range closes {
		switch {
		case shares == 0 && entries[i] && price > 0:
			n := int64(math.Floor(math.Min(cash*c.CashBuffer, cash) / price))
			cost := float64(n) * price * (1 + c.Commission)
			if n > 0 && cost <= cash {
				cash -= cost
				shares, buyCost = n, cost
				trades = append(trades, Trade{Type: "BUY", Date: labels[i], Price: price, Shares: n, Cost: cost})
			}
		case shares > 0 && exits[i]:
			revenue := float64(shares) * price * (1 - c.Commission)
			cash += revenue
			trades = append(trades, Trade{Type: "SELL", Date: labels[i], Price: price, Shares: shares, Revenue: revenue, PnL: revenue - buyCost})
			shares, buyCost = 0, 0
		}
		equity[i] = cash + float64(shares)*price
	}

	res := Result{
		Symbol:      symbol,
		Mode:        ModeSimple,
		InitialCash: c.InitialCash,
		Trades:      trades,
		EquityCurve: equity,
		Prices:      closes,
		Dates:       labels,
	}
	fillStats(&res)
	return res
}
