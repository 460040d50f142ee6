package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signaldesk/src/market"
)

// ledger decimal 账本：买入价上浮滑点、卖出价下浮滑点，手续费按成交额计
type ledger struct {
	cash    decimal.Decimal
	shares  decimal.Decimal
	buyCost decimal.Decimal

	comm, slip, buffer decimal.Decimal
}

func newLedger(c Config) *ledger {
	return &ledger{
		cash:    decimal.NewFromFloat(c.InitialCash),
		shares:  decimal.Zero,
		buyCost: decimal.Zero,
		comm:    decimal.NewFromFloat(c.Commission),
		slip:    decimal.NewFromFloat(c.Slippage),
		buffer:  decimal.NewFromFloat(c.CashBuffer),
	}
}

func (l *ledger) buy(price decimal.Decimal) (fill, shares, cost decimal.Decimal, ok bool) {
	fill = price.Mul(decimal.NewFromInt(1).Add(l.slip))
	budget := decimal.Min(l.cash.Mul(l.buffer), l.cash)
	shares = budget.Div(fill).Floor()
	if !shares.IsPositive() {
		return fill, shares, decimal.Zero, false
	}
	notional := shares.Mul(fill)
	cost = notional.Add(notional.Mul(l.comm))
	if cost.GreaterThan(l.cash) {
		return fill, shares, cost, false
	}
	l.cash = l.cash.Sub(cost)
	l.shares, l.buyCost = shares, cost
	return fill, shares, cost, true
}

func (l *ledger) sell(price decimal.Decimal) (fill, revenue, pnl decimal.Decimal) {
	fill = price.Mul(decimal.NewFromInt(1).Sub(l.slip))
	notional := l.shares.Mul(fill)
	revenue = notional.Sub(notional.Mul(l.comm))
	pnl = revenue.Sub(l.buyCost)
	l.cash = l.cash.Add(revenue)
	l.shares, l.buyCost = decimal.Zero, decimal.Zero
	return fill, revenue, pnl
}

func (l *ledger) equity(price decimal.Decimal) decimal.Decimal {
	return l.cash.Add(l.shares.Mul(price))
}

func (e *Engine) runFidelity(s market.Series, entries, exits []bool, symbol string) (Result, error) {
	l := newLedger(e.cfg)
	labels := s.DateLabels()
	closes := s.Closes()
	trades := make([]Trade, 0)
	equity := make([]float64, len(s))

	for i, c := range closes {
		if c <= 0 {
			return Result{}, fmt.Errorf("%w: non-positive close %v at %s", ErrSimulator, c, labels[i])
		}
		price := decimal.NewFromFloat(c)
		switch {
		case l.shares.IsZero() && entries[i]:
			if fill, n, cost, ok := l.buy(price); ok {
				trades = append(trades, Trade{Type: "BUY", Date: labels[i], Price: fill.InexactFloat64(),
					Shares: n.IntPart(), Cost: cost.InexactFloat64()})
			}
		case l.shares.IsPositive() && exits[i]:
			n := l.shares.IntPart()
			fill, revenue, pnl := l.sell(price)
			trades = append(trades, Trade{Type: "SELL", Date: labels[i], Price: fill.InexactFloat64(),
				Shares: n, Revenue: revenue.InexactFloat64(), PnL: pnl.InexactFloat64()})
		}
		if l.cash.IsNegative() {
			return Result{}, fmt.Errorf("%w: cash went negative at %s", ErrSimulator, labels[i])
		}
		equity[i] = l.equity(price).InexactFloat64()
	}

	res := Result{
		Symbol:      symbol,
		Mode:        ModeFidelity,
		InitialCash: e.cfg.InitialCash,
		Trades:      trades,
		EquityCurve: equity,
		Prices:      closes,
		Dates:       labels,
	}
	fillStats(&res)
	return res, nil
}
