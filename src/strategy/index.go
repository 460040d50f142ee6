package strategy

// Strategy —— 日线信号策略（统一接口 + 共享工具）
// 约定：
// 1) 每个策略只拥有自己的参数（Params），指标列在调用内临时计算，不缓存到实例上；
// 2) GenerateSignals 输出逐根标签：1=买入，-1=卖出，0=无动作；Position 按 买入->1 / 卖出->0 向前推进；
// 3) CurrentSignal 只看最后一根；历史不足返回 HOLD/0（reason 含 "insufficient data"），不返回 error；
// 4) 序列本身不合法（OHLCV 约束、乱序）才返回 error；
// 5) Grid / Fractal 带跨调用计数状态，需要显式 Reset()；实例非并发安全，由调用方加锁。

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"signaldesk/src/confidence"
	"signaldesk/src/market"
)

type Kind = confidence.Kind

const (
	Buy   = confidence.Buy
	Sell  = confidence.Sell
	Hold  = confidence.Hold
	Error = confidence.Error
)

var ErrInsufficientData = errors.New("insufficient data")

// ===================== 信号 =====================

type Signal struct {
	Kind       Kind
	Confidence float64
	Price      float64
	Reason     string
	Fields     map[string]any // 策略特有的辅助字段（rsi、macd_dif ...）
}

// MarshalJSON 平铺：signal/confidence/price/reason + Fields；非有限浮点数输出为 null
func (s Signal) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Fields)+4)
	for k, v := range s.Fields {
		m[k] = jsonSafe(v)
	}
	m["signal"] = s.Kind
	m["confidence"] = jsonSafe(s.Confidence)
	m["price"] = jsonSafe(s.Price)
	if s.Reason != "" {
		m["reason"] = s.Reason
	}
	return json.Marshal(m)
}

func jsonSafe(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return v
}

// ErrorSignal 单策略失败时写入明细的占位信号
func ErrorSignal(err error) Signal {
	return Signal{Kind: Error, Reason: err.Error()}
}

// ===================== 参数 =====================

// Params 扁平 key -> value；数值兼容 int/float/json.Number/字符串
type Params map[string]any

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		if xs, ok := v.([]float64); ok {
			v = append([]float64(nil), xs...)
		}
		out[k] = v
	}
	return out
}

// Merge 返回 over 覆盖 p 后的新参数
func (p Params) Merge(over Params) Params {
	out := p.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ===================== 逐根输出 =====================

type Frame struct {
	Columns  map[string][]float64 `json:"-"`
	Signal   []int                `json:"signal"`
	Position []float64            `json:"position"`
}

func newFrame(n int) *Frame {
	return &Frame{Columns: map[string][]float64{}, Signal: make([]int, n), Position: make([]float64, n)}
}

func (f *Frame) Entries() []bool {
	out := make([]bool, len(f.Signal))
	for i, s := range f.Signal {
		out[i] = s == 1
	}
	return out
}

func (f *Frame) Exits() []bool {
	out := make([]bool, len(f.Signal))
	for i, s := range f.Signal {
		out[i] = s == -1
	}
	return out
}

// sweep 买入 -> 1，卖出 -> 0，其余沿用上一根
func sweep(signal []int) []float64 {
	pos := make([]float64, len(signal))
	cur := 0.0
	for i, s := range signal {
		switch s {
		case 1:
			cur = 1
		case -1:
			cur = 0
		}
		pos[i] = cur
	}
	return pos
}

// ===================== 接口 =====================

type Strategy interface {
	Name() string
	Params() Params
	SetParams(Params)
	MinBars() int
	GenerateSignals(market.Series) (*Frame, error)
	CurrentSignal(market.Series) (Signal, error)
}

// Resetter 有跨调用状态的策略（grid / fractal）
type Resetter interface {
	Reset()
}

// base 参数持有 + 默认值合并
type base struct {
	name   string
	params Params
}

func newBase(name string, defaults, over Params) base {
	return base{name: name, params: defaults.Merge(over)}
}

func (b *base) Name() string          { return b.name }
func (b *base) Params() Params        { return b.params.Clone() }
func (b *base) SetParams(over Params) { b.params = b.params.Merge(over) }

// ===================== 共享工具 =====================

func insufficient(s market.Series, need int) Signal {
	price := math.NaN()
	if last, ok := s.Last(); ok {
		price = last.Close
	}
	return Signal{
		Kind:   Hold,
		Price:  price,
		Reason: fmt.Sprintf("%s: need %d bars, have %d", ErrInsufficientData, need, len(s)),
		Fields: map[string]any{},
	}
}

// PositionSize 按单笔风险与止损距离、最大仓位比例取较小的股数
func PositionSize(p Params, capital, price, riskPerTrade float64) int {
	if price <= 0 || capital <= 0 {
		return 0
	}
	maxPos := p.Float("max_position", 0.3)
	stop := p.Float("stop_loss", 0.05)
	byRisk := 0.0
	if stop > 0 {
		byRisk = capital * riskPerTrade / (price * stop)
	}
	byPos := capital * maxPos / price
	n := int(math.Min(byRisk, byPos))
	if n < 0 {
		return 0
	}
	return n
}

func round4(x float64) float64 { return math.Round(x*1e4) / 1e4 }

// finalize 截断 + 四舍五入到 4 位
func finalize(sig Signal) Signal {
	sig.Confidence = round4(confidence.Clamp(sig.Confidence))
	if sig.Fields == nil {
		sig.Fields = map[string]any{}
	}
	return sig
}

func ratio(a, b float64) float64 {
	if b == 0 || math.IsNaN(b) {
		return math.NaN()
	}
	return a / b
}

func nz(x, def float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return def
	}
	return x
}

func validate(s market.Series) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("validate series: %w", err)
	}
	return nil
}

// gt / lt 忽略浮点舍入级别的差异
func gt(a, b float64) bool { return a-b > 1e-9 }
func lt(a, b float64) bool { return b-a > 1e-9 }

func maxInt(xs ...int) int {
	m := 0
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}
