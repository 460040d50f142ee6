package config

// 配置（Config）层 —— 日线信号与回测
//
// 设计目标：
// 1) 支持 YAML 文件 + 环境变量（ENV）覆盖；
// 2) 提供合理的默认值，开箱可用；
// 3) 加入严格校验（Validate），在启动时尽早发现问题；
// 4) 启动时构造一次，显式传给 engine / backtest / server，不做全局单例。
//
// 常用环境变量（统一前缀：TRADER_）：
//   TRADER_APP_NAME=signaldesk
//   TRADER_APP_ENV=dev                # dev|staging|prod
//   TRADER_APP_TIMEZONE=Asia/Shanghai
//
//   TRADER_DATA_DIR=./data/bars       # 行情 CSV 目录（<代码>.csv）
//   TRADER_DATA_RESULTS_DIR=./results
//   TRADER_DATA_JOURNAL_DIR=./策略日志
//   TRADER_DATA_CACHE_BARS=250        # 内存缓存每个代码保留的 K 线数
//
//   TRADER_ENGINE_WORKERS=4
//   TRADER_ENGINE_STRATEGIES=ma_cross,macd,rsi
//
//   TRADER_BACKTEST_INITIAL_CASH=100000
//   TRADER_BACKTEST_COMMISSION=0.0003
//   TRADER_BACKTEST_SLIPPAGE=0.001
//   TRADER_BACKTEST_CASH_BUFFER=0.95
//   TRADER_BACKTEST_MODE=simple       # simple|fidelity
//   TRADER_BACKTEST_WORKERS=4
//
//   TRADER_SERVER_ADDR=:8080
//   TRADER_SERVER_WS_PING_SEC=20
//   TRADER_SERVER_WS_SEND_BUFFER=32
//
//   TRADER_LOG_LEVEL=info             # debug|info|warn|error
//   TRADER_LOG_JSON=false
//
// 示例 YAML（configs/signaldesk.yaml）：
// ---
// app:
//   name: signaldesk
//   env: dev
//   timezone: Asia/Shanghai
// data:
//   dir: ./data/bars
//   resultsDir: ./results
//   journalDir: ./策略日志
//   cacheBars: 250
// engine:
//   workers: 4
//   strategies: [ma_cross, macd, rsi, kdj]
// backtest:
//   initialCash: 100000
//   commission: 0.0003
//   slippage: 0.001
//   cashBuffer: 0.95
//   mode: simple
// strategies:
//   rsi:
//     params: {period: 14, oversold: 25, overbought: 75}
//   grid:
//     enabled: false
// server:
//   addr: ":8080"
//   wsPingSec: 20
//   wsSendBuffer: 32
// logging:
//   level: info
//   json: false

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // 精简镜像里没有系统时区库

	"gopkg.in/yaml.v3"
)

// 根配置结构体（导出字段便于 YAML 反序列化）
type Config struct {
	App        AppConfig                 `yaml:"app"`
	Data       DataConfig                `yaml:"data"`
	Engine     EngineConfig              `yaml:"engine"`
	Backtest   BacktestConfig            `yaml:"backtest"`
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	Server     ServerConfig              `yaml:"server"`
	Logging    LoggingConfig             `yaml:"logging"`

	Source string `yaml:"-"` // 实际使用的配置文件（空 = 仅默认值 + ENV）
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`      // dev|staging|prod
	Timezone string `yaml:"timezone"` // 日期按该时区归一到自然日
}

// 数据与产出目录
type DataConfig struct {
	Dir        string `yaml:"dir"`        // 行情 CSV 目录
	ResultsDir string `yaml:"resultsDir"` // 回测结果目录
	JournalDir string `yaml:"journalDir"` // 信号日志目录
	CacheBars  int    `yaml:"cacheBars"`  // 内存缓存窗口
}

type EngineConfig struct {
	Workers    int      `yaml:"workers"`    // 策略并发上限
	Strategies []string `yaml:"strategies"` // 默认分析的策略（空 = 全部启用的）
}

type BacktestConfig struct {
	InitialCash float64 `yaml:"initialCash"`
	Commission  float64 `yaml:"commission"`
	Slippage    float64 `yaml:"slippage"`
	CashBuffer  float64 `yaml:"cashBuffer"`
	Mode        string  `yaml:"mode"`    // simple|fidelity
	Workers     int     `yaml:"workers"` // 参数优化并发
}

// 单个策略：是否启用 + 参数覆盖（扁平 key -> value）
type StrategyConfig struct {
	Enabled *bool          `yaml:"enabled"`
	Params  map[string]any `yaml:"params"`
}

// IsEnabled 未显式配置时视为启用
func (s StrategyConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	WSPingSec    int    `yaml:"wsPingSec"`    // WS 心跳间隔（秒）
	WSSendBuffer int    `yaml:"wsSendBuffer"` // 每个连接的发送队列，满了视为慢消费者
}

// 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`  // 是否 JSON 输出
}

// ===================== 对外 API =====================

// Default 返回带默认值的配置
func Default() Config {
	return Config{
		App: AppConfig{
			Name:     "signaldesk",
			Env:      "dev",
			Timezone: "Asia/Shanghai",
		},
		Data: DataConfig{
			Dir:        "./data/bars",
			ResultsDir: "./results",
			JournalDir: "./策略日志",
			CacheBars:  250,
		},
		Engine: EngineConfig{Workers: 4},
		Backtest: BacktestConfig{
			InitialCash: 100000,
			Commission:  0.0003,
			Slippage:    0.001,
			CashBuffer:  0.95,
			Mode:        "simple",
			Workers:     4,
		},
		Strategies: map[string]StrategyConfig{},
		Server: ServerConfig{
			Addr:         ":8080",
			WSPingSec:    20,
			WSSendBuffer: 32,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load 按优先顺序读取 YAML，并应用 ENV 覆盖与校验。
//   - paths 为空时会尝试：./configs/signaldesk.yaml、./config.yaml、./signaldesk.yaml
//   - 若找不到任何文件，则仅用默认值 + 环境变量；显式给出的路径不存在则报错。
func Load(paths ...string) (*Config, error) {
	c := Default()

	explicit := len(paths) > 0
	if !explicit {
		paths = []string{
			"./configs/signaldesk.yaml",
			"./config.yaml",
			"./signaldesk.yaml",
		}
	}

	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(p) {
			abs, _ = filepath.Abs(p)
		}
		fi, err := os.Stat(abs)
		if err != nil || fi.IsDir() {
			continue
		}
		b, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("解析 YAML 失败: %w", err)
		}
		c.Source = abs
		break
	}
	if explicit && c.Source == "" {
		return nil, fmt.Errorf("配置文件不存在: %s", strings.Join(paths, ", "))
	}

	// 环境变量覆盖
	c.applyEnv("TRADER_")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 对配置进行一致性与边界校验（顺带补齐空字段）。
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name 不能为空")
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	switch strings.ToLower(c.App.Env) {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("app.env 无效: %s (允许: dev|staging|prod)", c.App.Env)
	}
	if c.App.Timezone == "" {
		c.App.Timezone = "Asia/Shanghai"
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone 无效: %v", err)
	}

	// Data
	if c.Data.Dir == "" {
		c.Data.Dir = "./data/bars"
	}
	if c.Data.ResultsDir == "" {
		c.Data.ResultsDir = "./results"
	}
	if c.Data.JournalDir == "" {
		c.Data.JournalDir = "./策略日志"
	}
	if c.Data.CacheBars < 0 {
		return errors.New("data.cacheBars 不能为负")
	}

	// Engine
	if c.Engine.Workers < 0 {
		return errors.New("engine.workers 不能为负")
	}

	// Backtest
	if c.Backtest.InitialCash <= 0 {
		return errors.New("backtest.initialCash 必须 > 0")
	}
	if c.Backtest.Commission < 0 || c.Backtest.Commission >= 1 {
		return errors.New("backtest.commission 需在 [0,1) 之间")
	}
	if c.Backtest.Slippage < 0 || c.Backtest.Slippage >= 1 {
		return errors.New("backtest.slippage 需在 [0,1) 之间")
	}
	if c.Backtest.CashBuffer <= 0 || c.Backtest.CashBuffer > 1 {
		return errors.New("backtest.cashBuffer 需在 (0,1] 之间")
	}
	mode := strings.ToLower(c.Backtest.Mode)
	if mode == "" {
		mode = "simple"
	}
	switch mode {
	case "simple", "fidelity":
		c.Backtest.Mode = mode
	default:
		return fmt.Errorf("backtest.mode 无效: %s (允许: simple|fidelity)", c.Backtest.Mode)
	}
	if c.Backtest.Workers < 0 {
		return errors.New("backtest.workers 不能为负")
	}

	// Strategies
	if c.Strategies == nil {
		c.Strategies = map[string]StrategyConfig{}
	}
	for name := range c.Strategies {
		if strings.TrimSpace(name) == "" {
			return errors.New("strategies 中存在空名字")
		}
	}

	// Server
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.WSPingSec <= 0 {
		c.Server.WSPingSec = 20
	}
	if c.Server.WSSendBuffer <= 0 {
		c.Server.WSSendBuffer = 32
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
		if c.Logging.Level == "" {
			c.Logging.Level = "info"
		}
	default:
		return fmt.Errorf("logging.level 无效: %s", c.Logging.Level)
	}
	return nil
}

// Location app.timezone 对应的时区，无法解析时退回本地时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ===================== 环境变量覆盖 =====================

// applyEnv 读取以 prefix 开头的环境变量并覆盖配置。
func (c *Config) applyEnv(prefix string) {
	// App
	c.App.Name = pickStr(os.Getenv(prefix+"APP_NAME"), c.App.Name)
	c.App.Env = pickStr(os.Getenv(prefix+"APP_ENV"), c.App.Env)
	c.App.Timezone = pickStr(os.Getenv(prefix+"APP_TIMEZONE"), c.App.Timezone)

	// Data
	c.Data.Dir = pickStr(os.Getenv(prefix+"DATA_DIR"), c.Data.Dir)
	c.Data.ResultsDir = pickStr(os.Getenv(prefix+"DATA_RESULTS_DIR"), c.Data.ResultsDir)
	c.Data.JournalDir = pickStr(os.Getenv(prefix+"DATA_JOURNAL_DIR"), c.Data.JournalDir)
	c.Data.CacheBars = pickInt(os.Getenv(prefix+"DATA_CACHE_BARS"), c.Data.CacheBars)

	// Engine
	c.Engine.Workers = pickInt(os.Getenv(prefix+"ENGINE_WORKERS"), c.Engine.Workers)
	if v := os.Getenv(prefix + "ENGINE_STRATEGIES"); v != "" {
		c.Engine.Strategies = SplitCSV(v)
	}

	// Backtest
	c.Backtest.InitialCash = pickFloat(os.Getenv(prefix+"BACKTEST_INITIAL_CASH"), c.Backtest.InitialCash)
	c.Backtest.Commission = pickFloat(os.Getenv(prefix+"BACKTEST_COMMISSION"), c.Backtest.Commission)
	c.Backtest.Slippage = pickFloat(os.Getenv(prefix+"BACKTEST_SLIPPAGE"), c.Backtest.Slippage)
	c.Backtest.CashBuffer = pickFloat(os.Getenv(prefix+"BACKTEST_CASH_BUFFER"), c.Backtest.CashBuffer)
	c.Backtest.Mode = pickStr(os.Getenv(prefix+"BACKTEST_MODE"), c.Backtest.Mode)
	c.Backtest.Workers = pickInt(os.Getenv(prefix+"BACKTEST_WORKERS"), c.Backtest.Workers)

	// Server
	c.Server.Addr = pickStr(os.Getenv(prefix+"SERVER_ADDR"), c.Server.Addr)
	c.Server.WSPingSec = pickInt(os.Getenv(prefix+"SERVER_WS_PING_SEC"), c.Server.WSPingSec)
	c.Server.WSSendBuffer = pickInt(os.Getenv(prefix+"SERVER_WS_SEND_BUFFER"), c.Server.WSSendBuffer)

	// Logging
	c.Logging.Level = pickStr(os.Getenv(prefix+"LOG_LEVEL"), c.Logging.Level)
	c.Logging.JSON = pickBool(os.Getenv(prefix+"LOG_JSON"), c.Logging.JSON)
}

// ===================== 小工具函数 =====================

func pickStr(env, cur string) string {
	if strings.TrimSpace(env) != "" {
		return strings.TrimSpace(env)
	}
	return cur
}

func pickInt(env string, cur int) int {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
		return v
	}
	return cur
}

func pickFloat(env string, cur float64) float64 {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
		return v
	}
	return cur
}

func pickBool(env string, cur bool) bool {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	s := strings.ToLower(strings.TrimSpace(env))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// SplitCSV 逗号分隔并去空白
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
