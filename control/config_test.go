package control

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hioload.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.TCPAddr != "127.0.0.1:9001" || cfg.Server.ReadChunk != 64*1024 {
		t.Errorf("server defaults: %+v", cfg.Server)
	}
	if cfg.Logging.Level != "info" || !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("defaults: %+v %+v", cfg.Logging, cfg.Metrics)
	}
	ac := cfg.Pool.AllocatorConfig()
	if ac.NumArenas <= 0 || ac.PageSize != 4096 {
		t.Errorf("allocator config: %+v", ac)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Server.UDPAddr != "127.0.0.1:9002" {
		t.Errorf("UDPAddr = %q", cfg.Server.UDPAddr)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
pool:
  page_size: 8192
  pages_per_chunk: 512
  num_arenas: 3
  use_mmap: false
server:
  tcp_addr: "0.0.0.0:7000"
  workers: 2
logging:
  level: debug
`)
	t.Setenv("HIOLOAD_SERVER_WORKERS", "6")
	t.Setenv("HIOLOAD_METRICS_ENABLED", "false")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	ac := cfg.Pool.AllocatorConfig()
	if ac.PageSize != 8192 || ac.PagesPerChunk != 512 || ac.NumArenas != 3 || ac.UseMmap {
		t.Errorf("pool section not applied: %+v", ac)
	}
	if cfg.Server.TCPAddr != "0.0.0.0:7000" {
		t.Errorf("TCPAddr = %q", cfg.Server.TCPAddr)
	}
	if cfg.Server.Workers != 6 {
		t.Errorf("Workers = %d, env override not applied", cfg.Server.Workers)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should be disabled by environment")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"page size":      "pool:\n  page_size: 3000\n",
		"no listeners":   "server:\n  tcp_addr: \"\"\n  udp_addr: \"\"\n  websocket_addr: \"\"\n",
		"workers":        "server:\n  workers: -1\n",
		"read chunk":     "server:\n  read_chunk: 4096\n  max_message_size: 1024\n",
		"level":          "logging:\n  level: verbose\n",
		"metrics path":   "metrics:\n  path: metrics\n",
		"malformed yaml": "pool: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug": zapcore.DebugLevel, "": zapcore.InfoLevel, "WARN": zapcore.WarnLevel,
		"warning": zapcore.WarnLevel, " error ": zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestApplyLevel(t *testing.T) {
	logger, level, err := NewLogger(LoggingConfig{Level: "info"})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Sync()
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("debug enabled at info level")
	}
	if !ApplyLevel(level, LoggingConfig{Level: "debug"}) {
		t.Fatal("ApplyLevel reported no change")
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("level change did not reach the logger")
	}
	if ApplyLevel(level, LoggingConfig{Level: "debug"}) || ApplyLevel(level, LoggingConfig{Level: "bogus"}) {
		t.Error("ApplyLevel should ignore unchanged and unknown levels")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	loader := NewLoader()
	if _, err := loader.Load(path); err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan *Config, 16)
	loader.OnReload(func(c *Config) { reloaded <- c })
	loader.Watch(func(error) {})

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if strings.EqualFold(c.Logging.Level, "debug") {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
