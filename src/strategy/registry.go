package strategy

// ===================== 内置策略表 =====================

type Factory func(Params) Strategy

// Info 策略目录条目
type Info struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	RiskLevel   string `json:"risk_level"`
}

type entry struct {
	factory Factory
	info    Info
}

// 顺序即注册顺序
var builtins = []entry{
	{func(p Params) Strategy { return NewMACross(p) },
		Info{"ma_cross", "双均线交叉", "短期均线上穿长期均线买入，下穿卖出", "趋势跟踪", "中"}},
	{func(p Params) Strategy { return NewMACD(p) },
		Info{"macd", "MACD策略", "DIF 与 DEA 金叉死叉，结合柱状图与零轴位置", "趋势跟踪", "中"}},
	{func(p Params) Strategy { return NewRSI(p) },
		Info{"rsi", "RSI超买卖", "RSI 低于超卖线买入，高于超买线卖出", "均值回归", "中"}},
	{func(p Params) Strategy { return NewBollinger(p) },
		Info{"bollinger", "布林带突破", "价格触及布林带上下轨时的突破与回归", "波动突破", "中"}},
	{func(p Params) Strategy { return NewMomentum(p) },
		Info{"momentum", "动量策略", "N 日涨跌幅配合均线方向与成交量", "趋势跟踪", "高"}},
	{func(p Params) Strategy { return NewMeanReversion(p) },
		Info{"mean_reversion", "均值回归", "价格偏离均值超过若干个标准差后反向入场", "均值回归", "中"}},
	{func(p Params) Strategy { return NewBreakout(p) },
		Info{"breakout", "突破策略", "突破前 N 日高低点构成的通道", "趋势跟踪", "高"}},
	{func(p Params) Strategy { return NewKDJ(p) },
		Info{"kdj", "KDJ随机指标", "K/D 交叉与 J 值超买超卖", "均值回归", "中"}},
	{func(p Params) Strategy { return NewVolume(p) },
		Info{"volume", "成交量策略", "放量上涨买入，放量下跌卖出，参考 OBV 趋势", "量价分析", "中"}},
	{func(p Params) Strategy { return NewMultiFactor(p) },
		Info{"multi_factor", "多因子组合", "均线、MACD、RSI、趋势四因子加权打分", "综合策略", "低"}},
	{func(p Params) Strategy { return NewGrid(p) },
		Info{"grid", "网格交易", "围绕基准价分层低买高卖，带止盈止损", "套利策略", "低"}},
	{func(p Params) Strategy { return NewFractal(p) },
		Info{"fractal", "分形交易策略", "顶底分形确认后结合趋势均线与成交量入场", "趋势反转", "中"}},
}

// Keys 内置策略 key（注册顺序）
func Keys() []string {
	out := make([]string, len(builtins))
	for i, e := range builtins {
		out[i] = e.info.Key
	}
	return out
}

// Builtin 按 key 取工厂
func Builtin(key string) (Factory, bool) {
	for _, e := range builtins {
		if e.info.Key == key {
			return e.factory, true
		}
	}
	return nil, false
}

// Catalogue 内置策略目录（注册顺序）
func Catalogue() []Info {
	out := make([]Info, len(builtins))
	for i, e := range builtins {
		out[i] = e.info
	}
	return out
}

func Describe(key string) (Info, bool) {
	for _, e := range builtins {
		if e.info.Key == key {
			return e.info, true
		}
	}
	return Info{}, false
}
