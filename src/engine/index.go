package engine

// Engine —— 策略注册表 + 编排器
// 1) Register/Get：按名字缓存实例，Get 传入参数时合并到缓存实例上；
// 2) Validate：拆分合法/非法名字（去重、保持请求顺序）；
// 3) Analyze：非法名字直接短路为 ERROR；合法名字并发求值（errgroup + 每实例互斥锁），全部完成后再聚合；
// 4) 单策略出错/崩溃 -> 明细记 ERROR，不参与聚合，不影响其它策略。

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signaldesk/src/confidence"
	"signaldesk/src/market"
	"signaldesk/src/strategy"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrStrategyFailed  = errors.New("strategy failed")
)

type Config struct {
	Workers int                        // 并发上限；<=0 表示每个策略一个 goroutine
	Params  map[string]strategy.Params // 首次实例化时的参数覆盖
}

// slot 缓存实例 + 独占锁（策略实例非并发安全）
type slot struct {
	mu sync.Mutex
	st strategy.Strategy
}

type Engine struct {
	cfg Config
	log *zap.Logger

	mu        sync.RWMutex
	order     []string
	factories map[string]strategy.Factory
	cache     map[string]*slot
}

func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		log:       log.Named("engine"),
		factories: map[string]strategy.Factory{},
		cache:     map[string]*slot{},
	}
}

// NewDefault 注册全部内置策略
func NewDefault(cfg Config, log *zap.Logger) *Engine {
	e := New(cfg, log)
	for _, k := range strategy.Keys() {
		f, _ := strategy.Builtin(k)
		_ = e.Register(k, f)
	}
	return e
}

// ===================== 注册表 =====================

// Register 同名重复注册会替换工厂并丢弃缓存实例
func (e *Engine) Register(name string, f strategy.Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register %q: empty name or nil factory", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.factories[name]; !ok {
		e.order = append(e.order, name)
	}
	e.factories[name] = f
	delete(e.cache, name)
	return nil
}

// Names 注册顺序
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

func (e *Engine) Info(name string) (strategy.Info, bool) {
	e.mu.RLock()
	_, ok := e.factories[name]
	e.mu.RUnlock()
	if !ok {
		return strategy.Info{}, false
	}
	if info, ok := strategy.Describe(name); ok {
		return info, true
	}
	return strategy.Info{Key: name, Name: name}, true
}

// Catalogue 已注册策略的目录（注册顺序）
func (e *Engine) Catalogue() []strategy.Info {
	names := e.Names()
	out := make([]strategy.Info, 0, len(names))
	for _, n := range names {
		info, _ := e.Info(n)
		out = append(out, info)
	}
	return out
}

func (e *Engine) slot(name string) (*slot, error) {
	e.mu.RLock()
	s, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.cache[name]; ok {
		return s, nil
	}
	f, ok := e.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	s = &slot{st: f(e.cfg.Params[name].Clone())}
	e.cache[name] = s
	return s, nil
}

// Get 幂等：同名返回同一个实例；params 非空时合并到实例参数。
// 返回的实例与 Analyze 共享，调用方不要与 Analyze 并发使用它。
func (e *Engine) Get(name string, params strategy.Params) (strategy.Strategy, error) {
	s, err := e.slot(name)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		s.mu.Lock()
		s.st.SetParams(params)
		s.mu.Unlock()
	}
	return s.st, nil
}

// Factory 返回新建独立实例的工厂（配置参数在下，调用参数覆盖在上），不触碰缓存实例
func (e *Engine) Factory(name string) (strategy.Factory, error) {
	e.mu.RLock()
	f, ok := e.factories[name]
	base := e.cfg.Params[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s; available: %s", ErrUnknownStrategy, name, strings.Join(e.Names(), ", "))
	}
	return func(p strategy.Params) strategy.Strategy { return f(base.Merge(p)) }, nil
}

// Validate 拆分合法/非法名字；去重并保持请求顺序
func (e *Engine) Validate(names []string) (valid, invalid []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		if _, ok := e.factories[n]; ok {
			valid = append(valid, n)
		} else {
			invalid = append(invalid, n)
		}
	}
	return valid, invalid
}

// ResetState 清空有状态策略（grid / fractal）的计数；names 为空时作用于全部已缓存实例
func (e *Engine) ResetState(names ...string) {
	e.mu.RLock()
	targets := make([]*slot, 0, len(e.cache))
	if len(names) == 0 {
		for _, s := range e.cache {
			targets = append(targets, s)
		}
	} else {
		for _, n := range names {
			if s, ok := e.cache[n]; ok {
				targets = append(targets, s)
			}
		}
	}
	e.mu.RUnlock()
	for _, s := range targets {
		if r, ok := s.st.(strategy.Resetter); ok {
			s.mu.Lock()
			r.Reset()
			s.mu.Unlock()
		}
	}
}

// ===================== 分析 =====================

// Analyze names 为 nil 时分析全部已注册策略
func (e *Engine) Analyze(ctx context.Context, s market.Series, names []string) Decision {
	if names == nil {
		names = e.Names()
	}
	valid, invalid := e.Validate(names)
	if len(invalid) > 0 {
		msg := fmt.Sprintf("%v: %s; available: %s", ErrUnknownStrategy,
			strings.Join(invalid, ", "), strings.Join(e.Names(), ", "))
		e.log.Warn("analyze rejected", zap.Strings("invalid", invalid))
		return Decision{
			FinalSignal: strategy.Error,
			Details:     map[string]strategy.Signal{},
			BuySignals:  []Vote{},
			SellSignals: []Vote{},
			Error:       msg,
		}
	}

	results := make([]strategy.Signal, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Workers > 0 {
		g.SetLimit(e.cfg.Workers)
	}
	for i, name := range valid {
		g.Go(func() error {
			results[i] = e.evaluate(gctx, name, s)
			return nil
		})
	}
	_ = g.Wait()

	details := make(map[string]strategy.Signal, len(valid))
	for i, name := range valid {
		details[name] = results[i]
	}
	d := aggregate(valid, details)
	if last, ok := s.Last(); ok && !math.IsNaN(last.Close) && !math.IsInf(last.Close, 0) {
		d.Price = last.Close
	}
	e.log.Info("analyze",
		zap.Int("bars", len(s)),
		zap.Int("strategies", len(valid)),
		zap.String("final", string(d.FinalSignal)),
		zap.Float64("confidence", d.Confidence),
	)
	return d
}

func (e *Engine) evaluate(ctx context.Context, name string, s market.Series) (sig strategy.Signal) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %s: panic: %v", ErrStrategyFailed, name, r)
			e.log.Error("strategy panicked", zap.String("strategy", name), zap.Any("panic", r))
			sig = strategy.ErrorSignal(err)
		}
	}()
	if err := ctx.Err(); err != nil {
		return strategy.ErrorSignal(fmt.Errorf("%w: %s: %v", ErrStrategyFailed, name, err))
	}
	sl, err := e.slot(name)
	if err != nil {
		return strategy.ErrorSignal(err)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out, err := sl.st.CurrentSignal(s)
	if err != nil {
		e.log.Warn("strategy failed", zap.String("strategy", name), zap.Error(err))
		return strategy.ErrorSignal(fmt.Errorf("%w: %s: %v", ErrStrategyFailed, name, err))
	}
	e.log.Debug("strategy evaluated",
		zap.String("strategy", name),
		zap.String("signal", string(out.Kind)),
		zap.Float64("confidence", out.Confidence),
	)
	return out
}

// aggregate 置信度先截断到 [0,1]；买卖同时出现时取均值较高一方，置信度为两者均值之差（相等归 SELL）
func aggregate(order []string, details map[string]strategy.Signal) Decision {
	d := Decision{FinalSignal: strategy.Hold, Details: details, BuySignals: []Vote{}, SellSignals: []Vote{}}
	var buy, sell, hold []float64
	for _, name := range order {
		sig, ok := details[name]
		if !ok {
			continue
		}
		sig.Confidence = confidence.Clamp(sig.Confidence)
		details[name] = sig
		switch sig.Kind {
		case strategy.Buy:
			buy = append(buy, sig.Confidence)
			d.BuySignals = append(d.BuySignals, Vote{Strategy: name, Confidence: sig.Confidence})
		case strategy.Sell:
			sell = append(sell, sig.Confidence)
			d.SellSignals = append(d.SellSignals, Vote{Strategy: name, Confidence: sig.Confidence})
		case strategy.Hold:
			hold = append(hold, sig.Confidence)
		}
	}

	switch {
	case len(buy) > 0 && len(sell) == 0:
		d.FinalSignal, d.Confidence = strategy.Buy, mean(buy)
	case len(sell) > 0 && len(buy) == 0:
		d.FinalSignal, d.Confidence = strategy.Sell, mean(sell)
	case len(buy) > 0 && len(sell) > 0:
		b, s := mean(buy), mean(sell)
		d.FinalSignal = strategy.Sell
		if b > s {
			d.FinalSignal = strategy.Buy
		}
		d.Confidence = math.Abs(b - s)
	default:
		d.FinalSignal, d.Confidence = strategy.Hold, mean(hold)
	}
	return d
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
