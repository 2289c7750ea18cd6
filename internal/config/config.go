package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/orchardlive/callkit/internal/domain"
)

// Config holds the application configuration.
type Config struct {
	// Identity is this client's signaling identity.
	Identity string

	// SignalURL is the websocket URL of the pub/sub relay.
	SignalURL string

	// ICEServers is the static STUN/TURN endpoint list.
	ICEServers []domain.ICEServer

	// RingTimeout bounds how long an unanswered call rings.
	RingTimeout time.Duration

	// ReconnectGrace bounds how long a disconnected call may recover
	// before it is torn down.
	ReconnectGrace time.Duration

	// SnapshotWait bounds how long the presence registry waits for a
	// roster snapshot before starting empty.
	SnapshotWait time.Duration

	// RedisAddr enables the redis session store when non-empty;
	// otherwise the in-memory store is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	identity := os.Getenv("CALLKIT_IDENTITY")
	if identity == "" {
		return nil, fmt.Errorf("CALLKIT_IDENTITY environment variable is required")
	}

	ringTimeout, err := getDuration("CALLKIT_RING_TIMEOUT", 35*time.Second)
	if err != nil {
		return nil, err
	}
	reconnectGrace, err := getDuration("CALLKIT_RECONNECT_GRACE", 8*time.Second)
	if err != nil {
		return nil, err
	}
	snapshotWait, err := getDuration("CALLKIT_SNAPSHOT_WAIT", 2*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Identity:       identity,
		SignalURL:      getEnv("CALLKIT_SIGNAL_URL", "ws://localhost:8080/ws"),
		ICEServers:     parseICEServers(),
		RingTimeout:    ringTimeout,
		ReconnectGrace: reconnectGrace,
		SnapshotWait:   snapshotWait,
		RedisAddr:      os.Getenv("CALLKIT_REDIS_ADDR"),
		RedisPassword:  os.Getenv("CALLKIT_REDIS_PASSWORD"),
		RedisDB:        0,
	}, nil
}

// parseICEServers reads CALLKIT_ICE_SERVERS as a comma-separated URL
// list. TURN credentials apply to every turn:/turns: entry.
func parseICEServers() []domain.ICEServer {
	urls := getEnv("CALLKIT_ICE_SERVERS", "stun:stun.l.google.com:19302")
	username := os.Getenv("CALLKIT_TURN_USERNAME")
	credential := os.Getenv("CALLKIT_TURN_CREDENTIAL")

	var servers []domain.ICEServer
	for _, u := range strings.Split(urls, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		s := domain.ICEServer{URL: u}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = username
			s.Credential = credential
		}
		servers = append(servers, s)
	}
	return servers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
