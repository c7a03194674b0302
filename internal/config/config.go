package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Upstream transports.
const (
	TransportSSE  = "sse"
	TransportWS   = "ws"
	TransportNATS = "nats"
)

type Config struct {
	Port                int
	NatsURL             string
	DatabaseURL         string
	UpstreamURL         string
	UpstreamTransport   string
	UpstreamToken       string
	UpstreamSubject     string
	TurnTimeout         time.Duration
	BatchFlushInterval  time.Duration
	BatchFlushThreshold int
	BufferMaxSize       int
	LogLevel            string
	SlackBotToken       string
	SlackAlertChannel   string
}

func Load() Config {
	return Config{
		Port:                envInt("SCRIBE_PORT", 8710),
		NatsURL:             envStr("NATS_URL", ""),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		UpstreamURL:         envStr("UPSTREAM_URL", "http://localhost:8000/api/v1/chat-stream"),
		UpstreamTransport:   envStr("UPSTREAM_TRANSPORT", TransportSSE),
		UpstreamToken:       envStr("UPSTREAM_TOKEN", ""),
		UpstreamSubject:     envStr("UPSTREAM_SUBJECT", "assistant.chat.request"),
		TurnTimeout:         time.Duration(envInt("TURN_TIMEOUT_MS", 300000)) * time.Millisecond,
		BatchFlushInterval:  time.Duration(envInt("BATCH_FLUSH_INTERVAL_MS", 5000)) * time.Millisecond,
		BatchFlushThreshold: envInt("BATCH_FLUSH_THRESHOLD", 100),
		BufferMaxSize:       envInt("BUFFER_MAX_SIZE", 10000),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		SlackBotToken:       envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel:   envStr("SLACK_ALERT_CHANNEL", ""),
	}
}

// LoadFile reads a dotenv file into the environment, then loads the config. Variables
// already set in the environment win. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return Load(), nil
}

// Validate checks that the upstream settings are usable together.
func (c Config) Validate() error {
	switch c.UpstreamTransport {
	case TransportSSE, TransportWS:
		if c.UpstreamURL == "" {
			return fmt.Errorf("UPSTREAM_URL is required for %s transport", c.UpstreamTransport)
		}
	case TransportNATS:
		if c.NatsURL == "" {
			return errors.New("NATS_URL is required for nats transport")
		}
		if c.UpstreamSubject == "" {
			return errors.New("UPSTREAM_SUBJECT is required for nats transport")
		}
	default:
		return fmt.Errorf("unknown UPSTREAM_TRANSPORT %q (want sse, ws or nats)", c.UpstreamTransport)
	}
	if c.TurnTimeout <= 0 {
		return errors.New("TURN_TIMEOUT_MS must be positive")
	}
	if c.BatchFlushThreshold <= 0 || c.BufferMaxSize < c.BatchFlushThreshold {
		return errors.New("BUFFER_MAX_SIZE must be at least BATCH_FLUSH_THRESHOLD, both positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
