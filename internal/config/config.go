package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the dispatch plane.
type Config struct {
	Port       int
	Version    string
	LogLevel   string
	APIKeys    []string
	Store      StoreConfig
	Intent     IntentConfig
	Embeddings EmbeddingsConfig
	LLM        LLMConfig
	Tools      ToolsConfig
	Sweeper    SweeperConfig
	Notify     NotifyConfig
	Telemetry  TelemetryConfig
}

type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver      string
	DatabaseURL string
	SQLitePath  string
	// ConfirmationTTL is the default lifetime of a pending confirmation.
	ConfirmationTTL time.Duration
}

type IntentConfig struct {
	// CatalogPath overrides the embedded catalog when set.
	CatalogPath string
	// Scorer is none, heuristic or embedding.
	Scorer             string
	HeuristicThreshold float64
}

type EmbeddingsConfig struct {
	// Provider is openai or ollama; empty disables embeddings.
	Provider string
	Endpoint string
	APIKey   string
	Model    string
}

type LLMConfig struct {
	// Endpoint is an OpenAI-compatible base URL; empty disables the
	// structured and generative tiers.
	Endpoint    string
	APIKey      string
	Model       string
	TierTimeout time.Duration
}

type ToolsConfig struct {
	ManifestPath      string
	MessageWebhookURL string
	MessageToken      string
}

type SweeperConfig struct {
	Interval   time.Duration
	ArchiveDir string
	Compress   bool
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
	RatePerSecond float64
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	// SampleRatio is the share of root traces kept, 0 to 1.
	SampleRatio float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("DISPATCH_PORT", 8080),
		Version:  envStr("DISPATCH_VERSION", "0.1.0"),
		LogLevel: envStr("LOG_LEVEL", "info"),
		APIKeys:  envList("DISPATCH_API_KEYS"),
		Store: StoreConfig{
			Driver:          envStr("DISPATCH_STORE", "memory"),
			DatabaseURL:     envStr("DATABASE_URL", ""),
			SQLitePath:      envStr("SQLITE_PATH", "dispatch.db"),
			ConfirmationTTL: envDur("CONFIRMATION_TTL", 5*time.Minute),
		},
		Intent: IntentConfig{
			CatalogPath:        envStr("INTENT_CATALOG", ""),
			Scorer:             envStr("INTENT_SCORER", "heuristic"),
			HeuristicThreshold: envFloat("INTENT_THRESHOLD", 0.6),
		},
		Embeddings: EmbeddingsConfig{
			Provider: envStr("EMBEDDINGS_PROVIDER", ""),
			Endpoint: envStr("EMBEDDINGS_ENDPOINT", ""),
			APIKey:   envStr("EMBEDDINGS_API_KEY", ""),
			Model:    envStr("EMBEDDINGS_MODEL", ""),
		},
		LLM: LLMConfig{
			Endpoint:    envStr("LLM_ENDPOINT", ""),
			APIKey:      envStr("LLM_API_KEY", ""),
			Model:       envStr("LLM_MODEL", "gpt-4o-mini"),
			TierTimeout: envDur("LLM_TIER_TIMEOUT", 8*time.Second),
		},
		Tools: ToolsConfig{
			ManifestPath:      envStr("TOOLS_MANIFEST", ""),
			MessageWebhookURL: envStr("MESSAGE_WEBHOOK_URL", ""),
			MessageToken:      envStr("MESSAGE_WEBHOOK_TOKEN", ""),
		},
		Sweeper: SweeperConfig{
			Interval:   envDur("SWEEP_INTERVAL", time.Minute),
			ArchiveDir: envStr("SWEEP_ARCHIVE_DIR", ""),
			Compress:   envBool("SWEEP_ARCHIVE_COMPRESS", false),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("NOTIFY_WEBHOOK_SECRET", ""),
			RatePerSecond: envFloat("NOTIFY_WEBHOOK_RPS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "dispatch-plane"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDur accepts Go durations ("90s") or plain milliseconds ("90000").
func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
