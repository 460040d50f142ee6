package api

// API —— HTTP 入口（gin）
// 1) 无状态接口：/analyze、/backtest、/optimize 直接携带日线；
// 2) 有状态接口：/bars/:symbol 追加到内存缓存后分析缓存窗口，并把决策推送给 /ws 订阅者；
// 3) 输入不合法一律 400 + {"error": ...}；策略层面的失败以结构化结果返回（200）。

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signaldesk/src/backtest"
	"signaldesk/src/engine"
	"signaldesk/src/market"
	"signaldesk/src/storage"
	"signaldesk/src/strategy"
	"signaldesk/src/stream"
)

const requestIDHeader = "X-Request-ID"

// Deps 服务依赖；Signals / Journal 可为空
type Deps struct {
	Engine   *engine.Engine
	Backtest *backtest.Engine
	Cache    *storage.BarCache
	Hub      *stream.Hub
	Signals  *strategy.SignalLogger
	Journal  *storage.TradeJournal
	Defaults []string // 缓存窗口分析所用策略，nil 表示全部
	Log      *zap.Logger
}

type Server struct {
	Deps
	router *gin.Engine
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	d.Log = d.Log.Named("api")
	if d.Cache == nil {
		d.Cache = storage.NewBarCache(0)
	}
	if d.Hub == nil {
		d.Hub = stream.NewHub(stream.Options{}, d.Log)
	}
	s := &Server{Deps: d}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run 监听直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.Hub.Close()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// ===================== 路由 / 中间件 =====================

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/healthz", s.health)
	r.GET("/strategies", s.strategies)
	r.POST("/analyze", s.analyze)
	r.POST("/backtest", s.runBacktest)
	r.POST("/optimize", s.runOptimize)
	r.POST("/bars/:symbol", s.appendBars)
	r.GET("/analyze/:symbol", s.analyzeCached)
	r.GET("/ws", gin.WrapH(s.Hub))
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "request_id": c.GetString("request_id")})
}

// ===================== 请求体 =====================

// BarDTO 日期接受 YYYY-MM-DD / YYYYMMDD / RFC3339
type BarDTO struct {
	Date      string  `json:"date" binding:"required"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Amount    float64 `json:"amount,omitempty"`
	Turnover  float64 `json:"turnover,omitempty"`
	PctChange float64 `json:"pct_change,omitempty"`
}

func toSeries(in []BarDTO) (market.Series, error) {
	s := make(market.Series, 0, len(in))
	for i, b := range in {
		d, err := storage.ParseDate(b.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: bar %d: %v", market.ErrMalformedSeries, i, err)
		}
		s = append(s, market.Bar{
			Date: d, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			Amount: b.Amount, Turnover: b.Turnover, PctChange: b.PctChange,
		})
	}
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

type AnalyzeRequest struct {
	Symbol     string   `json:"symbol"`
	Bars       []BarDTO `json:"bars" binding:"required,dive"`
	Strategies []string `json:"strategies"`
}

type BacktestRequest struct {
	Symbol   string          `json:"symbol"`
	Bars     []BarDTO        `json:"bars" binding:"required,dive"`
	Strategy string          `json:"strategy" binding:"required"`
	Params   strategy.Params `json:"params"`
	Mode     string          `json:"mode"`
}

type OptimizeRequest struct {
	Symbol   string        `json:"symbol"`
	Bars     []BarDTO      `json:"bars" binding:"required,dive"`
	Strategy string        `json:"strategy" binding:"required"`
	Grid     backtest.Grid `json:"grid" binding:"required"`
}

type BarsRequest struct {
	Bars       []BarDTO `json:"bars" binding:"required,dive"`
	Strategies []string `json:"strategies"`
}

// BarsResponse /bars/:symbol 的返回
type BarsResponse struct {
	Symbol    string          `json:"symbol"`
	Accepted  int             `json:"accepted"`
	Window    int             `json:"window"`
	Delivered int             `json:"delivered"`
	Decision  engine.Decision `json:"decision"`
}

// ===================== 处理函数 =====================

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"strategies": len(s.Engine.Names()),
		"clients":    s.Hub.Clients(),
		"cache":      s.Cache.Summary(),
		"cache_cap":  s.Cache.Capacity(),
	})
}

func (s *Server) strategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Catalogue())
}

func (s *Server) analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	series, err := toSeries(req.Bars)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	d := s.Engine.Analyze(c.Request.Context(), series, req.Strategies)
	s.journal(req.Symbol, d)
	c.JSON(http.StatusOK, d)
}

func (s *Server) runBacktest(c *gin.Context) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	series, err := toSeries(req.Bars)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	factory, err := s.Engine.Factory(req.Strategy)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	bt, err := s.backtester(req.Mode)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res := bt.RunStrategy(series, factory(req.Params), req.Symbol)
	if s.Journal != nil && res.Error == "" {
		if err := s.Journal.Trades(c.GetString("request_id"), req.Strategy, res); err != nil {
			s.Log.Warn("journal trades", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) runOptimize(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	series, err := toSeries(req.Bars)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	factory, err := s.Engine.Factory(req.Strategy)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	opt, err := s.Backtest.Optimize(c.Request.Context(), series, factory, req.Grid, req.Symbol)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, opt)
}

func (s *Server) appendBars(c *gin.Context) {
	symbol := c.Param("symbol")
	var req BarsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	series, err := toSeries(req.Bars)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	accepted := s.Cache.Append(symbol, series...)
	window := s.Cache.Window(symbol, 0)
	d := s.Engine.Analyze(c.Request.Context(), window, s.names(req.Strategies))
	s.journal(symbol, d)
	delivered := s.Hub.Publish(symbol, d)
	c.JSON(http.StatusOK, BarsResponse{Symbol: symbol, Accepted: accepted, Window: len(window), Delivered: delivered, Decision: d})
}

func (s *Server) analyzeCached(c *gin.Context) {
	symbol := c.Param("symbol")
	window := s.Cache.Window(symbol, 0)
	if len(window) == 0 {
		fail(c, http.StatusNotFound, fmt.Errorf("no cached bars for %s", symbol))
		return
	}
	var names []string
	if q := c.Query("strategies"); q != "" {
		names = strings.Split(q, ",")
	}
	d := s.Engine.Analyze(c.Request.Context(), window, s.names(names))
	c.JSON(http.StatusOK, d)
}

// ===================== 工具 =====================

func (s *Server) names(req []string) []string {
	if len(req) > 0 {
		return req
	}
	return s.Defaults
}

func (s *Server) backtester(mode string) (*backtest.Engine, error) {
	switch strings.ToLower(mode) {
	case "":
		return s.Backtest, nil
	case backtest.ModeSimple, backtest.ModeFidelity:
		cfg := s.Backtest.Config()
		cfg.Mode = strings.ToLower(mode)
		return backtest.New(cfg, s.Log), nil
	default:
		return nil, fmt.Errorf("unknown backtest mode %q", mode)
	}
}

func (s *Server) journal(symbol string, d engine.Decision) {
	if symbol == "" {
		return
	}
	if s.Signals != nil {
		if err := s.Signals.LogDecision(d.Journal(symbol)); err != nil {
			s.Log.Warn("signal log", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	if s.Journal != nil {
		if err := s.Journal.Decision(symbol, string(d.FinalSignal), d.Confidence, d.Price, d.Error); err != nil {
			s.Log.Warn("journal decision", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}
