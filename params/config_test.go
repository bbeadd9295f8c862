package params

import (
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults checks the zero-env configuration.
func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Network.SignalingURL == "" {
		t.Error("default signaling URL must be set")
	}
	if cfg.Network.SignalMaxRetries <= 0 {
		t.Error("default retry budget must be positive")
	}
	if cfg.Trade.Timeout <= 0 {
		t.Error("default trade timeout must be positive")
	}
	if cfg.Node.APIAddr == "" {
		t.Error("default API addr must be set")
	}
}

// TestEnvOverrides checks ENV beats defaults.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGNALING_URL", "ws://relay.example:9001/signal")
	t.Setenv("LISTEN", "/ip4/0.0.0.0/tcp/4001")
	t.Setenv("BOOTSTRAP", "/ip4/10.0.0.1/tcp/4001/p2p/QmA,/ip4/10.0.0.2/tcp/4001/p2p/QmB")
	t.Setenv("SIGNAL_MAX_RETRIES", "9")
	t.Setenv("SIGNAL_BACKOFF_MS", "250")
	t.Setenv("TRADE_TIMEOUT_MS", "30000")
	t.Setenv("DATA_DIR", "/tmp/darkswap-test")
	t.Setenv("API_ADDR", ":9999")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Network.SignalingURL != "ws://relay.example:9001/signal" {
		t.Errorf("signaling = %s", cfg.Network.SignalingURL)
	}
	if cfg.Network.ListenAddr != "/ip4/0.0.0.0/tcp/4001" {
		t.Errorf("listen = %s", cfg.Network.ListenAddr)
	}
	if len(cfg.Network.Bootstrap) != 2 {
		t.Errorf("bootstrap = %v", cfg.Network.Bootstrap)
	}
	if cfg.Network.SignalMaxRetries != 9 {
		t.Errorf("retries = %d", cfg.Network.SignalMaxRetries)
	}
	if cfg.Network.SignalBackoff != 250*time.Millisecond {
		t.Errorf("backoff = %s", cfg.Network.SignalBackoff)
	}
	if cfg.Trade.Timeout != 30*time.Second {
		t.Errorf("trade timeout = %s", cfg.Trade.Timeout)
	}
	if cfg.Node.DataDir != "/tmp/darkswap-test" {
		t.Errorf("data dir = %s", cfg.Node.DataDir)
	}
	if cfg.Node.APIAddr != ":9999" {
		t.Errorf("api addr = %s", cfg.Node.APIAddr)
	}
}

// TestBadEnvValuesIgnored checks unparseable numbers fall back to defaults.
func TestBadEnvValuesIgnored(t *testing.T) {
	t.Setenv("SIGNAL_MAX_RETRIES", "many")
	t.Setenv("TRADE_TIMEOUT_MS", "soon")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()

	if cfg.Network.SignalMaxRetries != def.Network.SignalMaxRetries {
		t.Errorf("retries = %d, want default %d", cfg.Network.SignalMaxRetries, def.Network.SignalMaxRetries)
	}
	if cfg.Trade.Timeout != def.Trade.Timeout {
		t.Errorf("timeout = %s, want default %s", cfg.Trade.Timeout, def.Trade.Timeout)
	}
}
