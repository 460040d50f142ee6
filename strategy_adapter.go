package main

import (
	"fmt"
	"strconv"
	"strings"

	"signaldesk/src/backtest"
	"signaldesk/src/config"
	"signaldesk/src/engine"
	"signaldesk/src/strategy"
)

// ==================== 配置 -> 引擎 ====================

// buildEngineConfig 只为启用的策略带上参数覆盖
func buildEngineConfig(cfg *config.Config) engine.Config {
	params := make(map[string]strategy.Params, len(cfg.Strategies))
	for name, sc := range cfg.Strategies {
		if !sc.IsEnabled() || len(sc.Params) == 0 {
			continue
		}
		params[name] = strategy.Params(sc.Params).Clone()
	}
	return engine.Config{Workers: cfg.Engine.Workers, Params: params}
}

func buildBacktestConfig(cfg *config.Config) backtest.Config {
	b := cfg.Backtest
	return backtest.Config{
		InitialCash: b.InitialCash,
		Commission:  b.Commission,
		Slippage:    b.Slippage,
		CashBuffer:  b.CashBuffer,
		Mode:        b.Mode,
		Workers:     b.Workers,
	}
}

// enabledStrategies 默认分析的策略：engine.strategies 显式给出时按其顺序，否则取全部已注册；均剔除被禁用的
func enabledStrategies(cfg *config.Config, registered []string) []string {
	names := registered
	if len(cfg.Engine.Strategies) > 0 {
		names = cfg.Engine.Strategies
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if sc, ok := cfg.Strategies[n]; ok && !sc.IsEnabled() {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ==================== 命令行参数解析 ====================

// parseGrid "period=10,14;oversold=25,30" -> 参数网格
func parseGrid(s string) (backtest.Grid, error) {
	g := backtest.Grid{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, vs, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("grid: bad segment %q (want key=v1,v2)", part)
		}
		vals := config.SplitCSV(vs)
		if len(vals) == 0 {
			return nil, fmt.Errorf("grid: %s has no values", k)
		}
		for _, v := range vals {
			g[k] = append(g[k], parseValue(v))
		}
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("grid: empty")
	}
	return g, nil
}

// parseParams "period=10;oversold=25" -> 参数覆盖
func parseParams(s string) (strategy.Params, error) {
	p := strategy.Params{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("params: bad segment %q (want key=value)", part)
		}
		p[k] = parseValue(strings.TrimSpace(v))
	}
	return p, nil
}

// parseValue 整数 / 浮点 / 布尔，其余按字符串
func parseValue(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
