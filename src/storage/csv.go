package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"signaldesk/src/market"
)

// ===================== 日线 CSV =====================

// barRow CSV 行；date 保留字符串，兼容多种日期写法
type barRow struct {
	Date      string  `csv:"date"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
	Amount    float64 `csv:"amount,omitempty"`
	Turnover  float64 `csv:"turnover,omitempty"`
	PctChange float64 `csv:"pct_change,omitempty"`
}

// akshare 中文表头
var headerAlias = map[string]string{
	"日期":  "date",
	"开盘":  "open",
	"最高":  "high",
	"最低":  "low",
	"收盘":  "close",
	"成交量": "volume",
	"成交额": "amount",
	"换手率": "turnover",
	"涨跌幅": "pct_change",
}

var dateLayouts = []string{
	market.DateLayout,
	"2006-01-02 15:04:05",
	"20060102",
	"2006/01/02",
	time.RFC3339,
}

// ParseDate 支持 YYYY-MM-DD、YYYYMMDD、带时分秒与 RFC3339，结果截断到自然日
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return market.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad date %q", s)
}

// ReadBarsCSV 解析 CSV，返回规范化后的序列（升序、同日去重）并校验
func ReadBarsCSV(r io.Reader) (market.Series, error) {
	br := bufio.NewReader(r)
	head, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = strings.TrimPrefix(head, "\ufeff")
	if strings.TrimSpace(head) == "" {
		return nil, fmt.Errorf("%w: empty csv", market.ErrMalformedSeries)
	}
	cols := strings.Split(strings.TrimRight(head, "\r\n"), ",")
	for i, c := range cols {
		c = strings.ToLower(strings.TrimSpace(c))
		if alias, ok := headerAlias[c]; ok {
			c = alias
		}
		cols[i] = c
	}

	var rows []barRow
	in := io.MultiReader(strings.NewReader(strings.Join(cols, ",")+"\n"), br)
	if err := gocsv.Unmarshal(in, &rows); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return market.Series{}, nil
		}
		return nil, fmt.Errorf("%w: %v", market.ErrMalformedSeries, err)
	}

	s := make(market.Series, 0, len(rows))
	for i, row := range rows {
		d, err := ParseDate(row.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", market.ErrMalformedSeries, i+1, err)
		}
		s = append(s, market.Bar{
			Date: d, Open: row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume,
			Amount: row.Amount, Turnover: row.Turnover, PctChange: row.PctChange,
		})
	}
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadBarsCSV 读取日线 CSV 文件
func LoadBarsCSV(path string) (market.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ReadBarsCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// WriteBarsCSV 输出表头 date,open,high,low,close,volume,amount,turnover,pct_change
func WriteBarsCSV(w io.Writer, s market.Series) error {
	rows := make([]barRow, len(s))
	for i, b := range s {
		rows[i] = barRow{
			Date: b.Date.Format(market.DateLayout), Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
			Volume: b.Volume, Amount: b.Amount, Turnover: b.Turnover, PctChange: b.PctChange,
		}
	}
	return gocsv.Marshal(&rows, w)
}

// SaveBarsCSV 覆盖写日线 CSV
func SaveBarsCSV(path string, s market.Series) error {
	var buf bytes.Buffer
	if err := WriteBarsCSV(&buf, s); err != nil {
		return err
	}
	return writeFile(path, buf.Bytes())
}

// writeFile 先写临时文件再改名
func writeFile(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sanitize(name string) string {
	repl := []string{"/", "_", "\\", "_", ":", "-", "*", "-", "?", "-", "\"", "-", "<", "-", ">", "-", "|", "-", " ", "_"}
	for i := 0; i < len(repl); i += 2 {
		name = strings.ReplaceAll(name, repl[i], repl[i+1])
	}
	return name
}
