package storage

// Storage —— 数据存储层（日线缓存 / CSV 读写 / 回测结果导出 / 成交日志）
// =============================================================================
// 1) BarCache：按代码管理环形缓冲，线程安全，同日覆盖最新一根，支持 CSV 快照/恢复；
// 2) CSV：gocsv 读写日线，兼容 akshare 中文表头；
// 3) 导出：每次回测一个 uuid 目录（result.json / stats.json / trades.csv / equity_curve.csv）；
// 4) 成交日志：JSON Lines 按日滚动。

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"signaldesk/src/market"
)

// DefaultCacheBars 单代码默认缓存根数
const DefaultCacheBars = 500

// ===================== 日线内存缓存（环形，多代码） =====================

type BarCache struct {
	mu       sync.RWMutex
	series   map[string]*ring
	capacity int
}

func NewBarCache(capacity int) *BarCache {
	if capacity <= 0 {
		capacity = DefaultCacheBars
	}
	return &BarCache{series: make(map[string]*ring), capacity: capacity}
}

func (c *BarCache) Capacity() int { return c.capacity }

func (c *BarCache) ring(symbol string, create bool) *ring {
	c.mu.RLock()
	r := c.series[symbol]
	c.mu.RUnlock()
	if r != nil || !create {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r = c.series[symbol]; r == nil {
		r = newRing(c.capacity)
		c.series[symbol] = r
	}
	return r
}

// Append 追加若干根日线（先规范化）；同日覆盖最新一根，早于最新一根的记录丢弃。返回实际写入数
func (c *BarCache) Append(symbol string, bars ...market.Bar) int {
	if len(bars) == 0 {
		return 0
	}
	r := c.ring(symbol, true)
	n := 0
	for _, b := range market.Series(bars).Normalize() {
		if r.push(b) {
			n++
		}
	}
	return n
}

// Window 最近 n 根（n<=0 或不足则全量），日期升序，返回副本
func (c *BarCache) Window(symbol string, n int) market.Series {
	r := c.ring(symbol, false)
	if r == nil {
		return nil
	}
	return r.window(n)
}

// Last 最新一根
func (c *BarCache) Last(symbol string) (market.Bar, bool) {
	r := c.ring(symbol, false)
	if r == nil {
		return market.Bar{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return market.Bar{}, false
	}
	return r.at(r.count - 1), true
}

// Symbols 已缓存的代码（升序）
func (c *BarCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.series))
	for k, r := range c.series {
		if r.len() > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Reset 清空某代码
func (c *BarCache) Reset(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.series, symbol)
}

// SnapshotCSV 将某代码的缓存写成 CSV（覆盖写）
func (c *BarCache) SnapshotCSV(symbol, path string) error {
	s := c.Window(symbol, 0)
	if len(s) == 0 {
		return fmt.Errorf("snapshot %s: no data", symbol)
	}
	return SaveBarsCSV(path, s)
}

// LoadCSV 读取 CSV 并覆盖现有缓存
func (c *BarCache) LoadCSV(symbol, path string) error {
	s, err := LoadBarsCSV(path)
	if err != nil {
		return err
	}
	r := newRing(c.capacity)
	for _, b := range s {
		r.push(b)
	}
	c.mu.Lock()
	c.series[symbol] = r
	c.mu.Unlock()
	return nil
}

// PersistAll 全部代码快照到 dir/<symbol>.csv
func (c *BarCache) PersistAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, sym := range c.Symbols() {
		if err := c.SnapshotCSV(sym, filepath.Join(dir, sanitize(sym)+".csv")); err != nil {
			return err
		}
	}
	return nil
}

type SeriesMeta struct {
	Symbol string    `json:"symbol"`
	Bars   int       `json:"bars"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// Summary 所有缓存序列的简要信息
func (c *BarCache) Summary() []SeriesMeta {
	syms := c.Symbols()
	out := make([]SeriesMeta, 0, len(syms))
	for _, sym := range syms {
		r := c.ring(sym, false)
		if r == nil {
			continue
		}
		r.mu.RLock()
		if r.count > 0 {
			out = append(out, SeriesMeta{Symbol: sym, Bars: r.count, From: r.at(0).Date, To: r.at(r.count - 1).Date})
		}
		r.mu.RUnlock()
	}
	return out
}

// —— 单序列：环形缓冲 ——

// ring 自带锁；at 只在已持锁时调用
type ring struct {
	mu    sync.RWMutex
	data  []market.Bar
	cap   int
	count int
	idx   int // 写满后下一次覆盖的位置（即最旧一根）
}

func newRing(capacity int) *ring {
	return &ring{data: make([]market.Bar, capacity), cap: capacity}
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *ring) push(b market.Bar) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count > 0 {
		last := r.pos(r.count - 1)
		switch {
		case r.data[last].Date.Equal(b.Date):
			r.data[last] = b
			return true
		case b.Date.Before(r.data[last].Date):
			return false
		}
	}
	if r.count < r.cap {
		r.data[r.count] = b
		r.count++
		return true
	}
	r.data[r.idx] = b
	r.idx = (r.idx + 1) % r.cap
	return true
}

// pos 第 i 条（0 最旧）在底层数组中的下标
func (r *ring) pos(i int) int {
	if r.count < r.cap {
		return i
	}
	return (r.idx + i) % r.cap
}

func (r *ring) at(i int) market.Bar { return r.data[r.pos(i)] }

func (r *ring) window(n int) market.Series {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make(market.Series, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.at(start + i)
	}
	return out
}
