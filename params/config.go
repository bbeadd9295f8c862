package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Network struct {
	// ListenAddr is the libp2p multiaddr the host binds to ("" = random port).
	ListenAddr string
	// SignalingURL is the websocket URL of the signaling relay.
	SignalingURL string
	// Bootstrap holds multiaddrs of peers to dial at startup.
	Bootstrap []string
	// SignalMaxRetries caps signaling reconnect attempts before the manager
	// surfaces SignalingUnavailable.
	SignalMaxRetries int
	// SignalBackoff is the initial reconnect backoff; doubles per attempt.
	SignalBackoff time.Duration
}

type Trade struct {
	// Timeout bounds how long a negotiation may sit in a non-terminal state.
	Timeout time.Duration
}

type Node struct {
	DataDir string
	APIAddr string
	LogFile string
}

type Config struct {
	Network Network
	Trade   Trade
	Node    Node
}

func Default() Config {
	return Config{
		Network: Network{
			ListenAddr:       "",
			SignalingURL:     "ws://localhost:9001/signal",
			Bootstrap:        nil,
			SignalMaxRetries: 5,
			SignalBackoff:    500 * time.Millisecond,
		},
		Trade: Trade{
			Timeout: 60 * time.Second,
		},
		Node: Node{
			DataDir: "data",
			APIAddr: ":8080",
			LogFile: "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Network.ListenAddr = v
	}
	if v := os.Getenv("SIGNALING_URL"); v != "" {
		cfg.Network.SignalingURL = v
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Network.Bootstrap = strings.Split(v, ",")
	}
	if v := os.Getenv("SIGNAL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.SignalMaxRetries = n
		}
	}
	if v := os.Getenv("SIGNAL_BACKOFF_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Network.SignalBackoff = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TRADE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Trade.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}
