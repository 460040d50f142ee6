package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "signaldesk.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaultValidates(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Backtest.InitialCash != 100000 || c.Backtest.CashBuffer != 0.95 || c.Backtest.Mode != "simple" {
		t.Fatalf("unexpected backtest defaults %+v", c.Backtest)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	p := writeYAML(t, `
app:
  name: desk
backtest:
  initialCash: 50000
  mode: FIDELITY
engine:
  strategies: [rsi, macd]
strategies:
  rsi:
    params: {period: 10, oversold: 25.5}
  grid:
    enabled: false
`)
	t.Setenv("TRADER_BACKTEST_COMMISSION", "0.001")
	t.Setenv("TRADER_LOG_LEVEL", "debug")
	t.Setenv("TRADER_ENGINE_WORKERS", "2")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Source == "" || c.App.Name != "desk" || c.Backtest.InitialCash != 50000 || c.Backtest.Mode != "fidelity" {
		t.Fatalf("yaml not applied: %+v", c)
	}
	if c.Backtest.Commission != 0.001 || c.Logging.Level != "debug" || c.Engine.Workers != 2 {
		t.Fatalf("env not applied: %+v %+v", c.Backtest, c.Logging)
	}
	if c.Backtest.Slippage != 0.001 || c.Server.Addr != ":8080" {
		t.Fatalf("defaults lost: %+v %+v", c.Backtest, c.Server)
	}
	if strings.Join(c.Engine.Strategies, ",") != "rsi,macd" {
		t.Fatalf("strategies %v", c.Engine.Strategies)
	}
	rsi := c.Strategies["rsi"]
	if !rsi.IsEnabled() || rsi.Params["period"] != 10 || rsi.Params["oversold"] != 25.5 {
		t.Fatalf("rsi params %+v", rsi.Params)
	}
	if c.Strategies["grid"].IsEnabled() {
		t.Fatalf("grid should be disabled")
	}
	if c.Location() == nil {
		t.Fatalf("location")
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"env":      func(c *Config) { c.App.Env = "qa" },
		"cash":     func(c *Config) { c.Backtest.InitialCash = 0 },
		"buffer":   func(c *Config) { c.Backtest.CashBuffer = 1.5 },
		"mode":     func(c *Config) { c.Backtest.Mode = "vector" },
		"level":    func(c *Config) { c.Logging.Level = "trace" },
		"timezone": func(c *Config) { c.App.Timezone = "Mars/Olympus" },
		"workers":  func(c *Config) { c.Engine.Workers = -1 },
	}
	for name, mut := range cases {
		c := Default()
		mut(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a, ,b ,c,")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("split %v", got)
	}
}
