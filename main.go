package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"signaldesk/src/api"
	"signaldesk/src/backtest"
	"signaldesk/src/config"
	"signaldesk/src/engine"
	"signaldesk/src/logging"
	"signaldesk/src/market"
	"signaldesk/src/storage"
	"signaldesk/src/strategy"
	"signaldesk/src/stream"
)

const usage = `usage: signaldesk [-config path] <command> [flags]

commands:
  strategies                                   列出内置策略
  analyze   -symbol S [-file f] [-strategies a,b] [-json]
  backtest  -symbol S -strategy name [-file f] [-params k=v;k2=v] [-mode simple|fidelity] [-no-export] [-json]
  optimize  -symbol S -strategy name -grid "k=v1,v2;k2=v3" [-file f] [-no-export] [-json]
  serve     [-addr :8080]
`

var errUsage = errors.New("usage")

// ==================== Runner ====================

// App 一次命令执行所需的全部组件
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	engine *engine.Engine
	bt     *backtest.Engine
	out    io.Writer
}

func NewApp(cfg *config.Config, log *zap.Logger, out io.Writer) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		log:    log,
		engine: engine.NewDefault(buildEngineConfig(cfg), log),
		bt:     backtest.New(buildBacktestConfig(cfg), log),
		out:    out,
	}
}

// loadSeries file 为空时读取 <data.dir>/<symbol>.csv
func (a *App) loadSeries(symbol, file string) (market.Series, error) {
	if file == "" {
		if symbol == "" {
			return nil, fmt.Errorf("%w: -symbol or -file is required", errUsage)
		}
		file = filepath.Join(a.cfg.Data.Dir, symbol+".csv")
	}
	s, err := storage.LoadBarsCSV(file)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	a.log.Info("bars loaded", zap.String("symbol", symbol), zap.String("file", file), zap.Int("bars", len(s)))
	return s, nil
}

func (a *App) Strategies() {
	printCatalogue(a.out, a.engine.Catalogue())
}

// Analyze names 为空时使用配置里启用的策略；决策写入信号日志
func (a *App) Analyze(ctx context.Context, symbol, file string, names []string) (engine.Decision, error) {
	s, err := a.loadSeries(symbol, file)
	if err != nil {
		return engine.Decision{}, err
	}
	if len(names) == 0 {
		names = enabledStrategies(a.cfg, a.engine.Names())
	}
	d := a.engine.Analyze(ctx, s, names)

	journal := strategy.NewSignalLogger(a.cfg.Data.JournalDir)
	defer journal.Close()
	if err := journal.LogDecision(d.Journal(symbol)); err != nil {
		a.log.Warn("signal log", zap.Error(err))
	}
	return d, nil
}

// Backtest 回测并（可选）导出结果目录与成交日志；返回结果目录
func (a *App) Backtest(symbol, file, name string, params strategy.Params, mode string, export bool) (backtest.Result, string, error) {
	s, err := a.loadSeries(symbol, file)
	if err != nil {
		return backtest.Result{}, "", err
	}
	factory, err := a.engine.Factory(name)
	if err != nil {
		return backtest.Result{}, "", err
	}
	bt := a.bt
	if mode != "" {
		cfg := a.bt.Config()
		cfg.Mode = mode
		bt = backtest.New(cfg, a.log)
	}
	res := bt.RunStrategy(s, factory(params), symbol)
	if res.Error != "" || !export {
		return res, "", nil
	}

	runDir, err := storage.ExportResult(a.cfg.Data.ResultsDir, res, a.now())
	if err != nil {
		return res, "", fmt.Errorf("export: %w", err)
	}
	tj := storage.NewTradeJournal(a.cfg.Data.JournalDir, "")
	defer tj.Close()
	if err := tj.Trades(filepath.Base(runDir), name, res); err != nil {
		a.log.Warn("trade journal", zap.Error(err))
	}
	a.log.Info("results exported", zap.String("dir", runDir))
	return res, runDir, nil
}

// Optimize 网格寻优；export 时写 optimization.json 并返回其目录
func (a *App) Optimize(ctx context.Context, symbol, file, name, gridSpec string, export bool) (backtest.Optimization, string, error) {
	grid, err := parseGrid(gridSpec)
	if err != nil {
		return backtest.Optimization{}, "", fmt.Errorf("%w: %v", errUsage, err)
	}
	s, err := a.loadSeries(symbol, file)
	if err != nil {
		return backtest.Optimization{}, "", err
	}
	factory, err := a.engine.Factory(name)
	if err != nil {
		return backtest.Optimization{}, "", err
	}
	o, err := a.bt.Optimize(ctx, s, factory, grid, symbol)
	if err != nil || !export {
		return o, "", err
	}
	runDir, err := storage.ExportOptimization(a.cfg.Data.ResultsDir, o, a.now())
	if err != nil {
		return o, "", fmt.Errorf("export: %w", err)
	}
	return o, runDir, nil
}

// now 按 app.timezone 取当前时间，用于结果目录命名
func (a *App) now() time.Time { return time.Now().In(a.cfg.Location()) }

// Serve HTTP + WebSocket，直到 ctx 取消；退出时把缓存落盘
func (a *App) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	cache := storage.NewBarCache(a.cfg.Data.CacheBars)
	hub := stream.NewHub(stream.Options{
		PingInterval: time.Duration(a.cfg.Server.WSPingSec) * time.Second,
		SendBuffer:   a.cfg.Server.WSSendBuffer,
	}, a.log)
	signals := strategy.NewSignalLogger(a.cfg.Data.JournalDir)
	defer signals.Close()
	tj := storage.NewTradeJournal(a.cfg.Data.JournalDir, "")
	defer tj.Close()

	srv := api.New(api.Deps{
		Engine:   a.engine,
		Backtest: a.bt,
		Cache:    cache,
		Hub:      hub,
		Signals:  signals,
		Journal:  tj,
		Defaults: enabledStrategies(a.cfg, a.engine.Names()),
		Log:      a.log,
	})
	err := srv.Run(ctx, addr)
	if perr := cache.PersistAll(filepath.Join(a.cfg.Data.Dir, "cache")); perr != nil {
		a.log.Warn("persist cache", zap.Error(perr))
	}
	return err
}

// ==================== CLI ====================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := flag.NewFlagSet("signaldesk", flag.ContinueOnError)
	root.SetOutput(stderr)
	cfgPath := root.String("config", "", "YAML 配置文件（默认按 ./configs/signaldesk.yaml 等路径查找）")
	root.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := root.Parse(args); err != nil {
		return 2
	}
	if root.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var (
		cfg *config.Config
		err error
	)
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	log := logging.Must(cfg.Logging)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, log, stdout)
	if err := dispatch(ctx, app, root.Arg(0), root.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, app *App, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	symbol := fs.String("symbol", "", "股票代码")
	file := fs.String("file", "", "日线 CSV（默认 <data.dir>/<symbol>.csv）")
	asJSON := fs.Bool("json", false, "输出 JSON")

	switch cmd {
	case "strategies":
		app.Strategies()
		return nil

	case "analyze":
		names := fs.String("strategies", "", "逗号分隔的策略列表")
		if err := fs.Parse(args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		d, err := app.Analyze(ctx, *symbol, *file, config.SplitCSV(*names))
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(app.out, d)
		}
		printDecision(app.out, *symbol, d)
		return nil

	case "backtest":
		name := fs.String("strategy", "", "策略 key")
		paramSpec := fs.String("params", "", "参数覆盖 k=v;k2=v2")
		mode := fs.String("mode", "", "simple|fidelity（默认取配置）")
		noExport := fs.Bool("no-export", false, "不写结果目录")
		if err := fs.Parse(args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if *name == "" {
			return fmt.Errorf("%w: -strategy is required", errUsage)
		}
		params, err := parseParams(*paramSpec)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		res, runDir, err := app.Backtest(*symbol, *file, *name, params, *mode, !*noExport)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(app.out, res)
		}
		printResult(app.out, res)
		if runDir != "" {
			fmt.Fprintf(app.out, "Results             : %s\n", runDir)
		}
		return nil

	case "optimize":
		name := fs.String("strategy", "", "策略 key")
		gridSpec := fs.String("grid", "", "参数网格 k=v1,v2;k2=v3")
		noExport := fs.Bool("no-export", false, "不写结果目录")
		if err := fs.Parse(args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if *name == "" {
			return fmt.Errorf("%w: -strategy is required", errUsage)
		}
		o, runDir, err := app.Optimize(ctx, *symbol, *file, *name, *gridSpec, !*noExport)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(app.out, o)
		}
		printOptimization(app.out, o)
		if runDir != "" {
			fmt.Fprintf(app.out, "Results             : %s\n", runDir)
		}
		return nil

	case "serve":
		addr := fs.String("addr", "", "监听地址（默认取配置）")
		if err := fs.Parse(args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return app.Serve(ctx, *addr)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
