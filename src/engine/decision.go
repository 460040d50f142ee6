package engine

import (
	"math"

	"signaldesk/src/strategy"
)

type Vote struct {
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
}

// Decision 综合决策；Details 与合法请求名字一一对应
type Decision struct {
	FinalSignal strategy.Kind              `json:"final_signal"`
	Confidence  float64                    `json:"confidence"`
	Price       float64                    `json:"price,omitempty"`
	Details     map[string]strategy.Signal `json:"details"`
	BuySignals  []Vote                     `json:"buy_signals"`
	SellSignals []Vote                     `json:"sell_signals"`
	Error       string                     `json:"error,omitempty"`
}

func (d Decision) Failed() bool { return d.FinalSignal == strategy.Error }

// Journal 转为信号日志条目
func (d Decision) Journal(symbol string) strategy.Decision {
	price := d.Price
	if math.IsNaN(price) {
		price = 0
	}
	return strategy.Decision{
		Symbol:     symbol,
		Final:      d.FinalSignal,
		Confidence: d.Confidence,
		Price:      price,
		Details:    d.Details,
		Error:      d.Error,
	}
}
