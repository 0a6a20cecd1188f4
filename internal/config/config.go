package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the TaskPilot service.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	API       APIConfig
	Loop      LoopConfig
	Tools     ToolsConfig
	Store     StoreConfig
	Backend   BackendConfig
	LLM       LLMConfig
	Links     LinksConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
}

// APIConfig guards the HTTP surface. No keys disables authentication.
type APIConfig struct {
	Keys           []string
	AllowedOrigins []string
	// GuardrailsFile is a YAML rule list screening queries. Empty uses
	// the built-in rules; "off" disables screening.
	GuardrailsFile string
}

// LoopConfig bounds the tool-orchestration loop.
type LoopConfig struct {
	// MaxIterations is MAX_ACTION_EXECUTOR_ITERATIONS: the cap on LLM calls per turn.
	MaxIterations int
	// MaxReminders caps consecutive "select an action tool" reminders.
	MaxReminders int
	// LoopThreshold is how many identical tool signatures are tolerated
	// before a loop warning is raised.
	LoopThreshold int
	// LoopPolicy is "warn" (flag only) or "abort" (stop the loop).
	LoopPolicy string
	// HistoryTokenBudget limits replayed prior conversation.
	HistoryTokenBudget int
}

type ToolsConfig struct {
	RegistryFile string
	// UnknownClass is the class given to tool names that match no pattern.
	UnknownClass string
	Timeout      time.Duration
}

type StoreConfig struct {
	Driver         string // memory | sqlite
	DataDir        string
	PersistTimeout time.Duration
}

type BackendConfig struct {
	URL       string
	Transport string // jsonrpc | mcp
	Token     string
}

type LLMConfig struct {
	Providers []string // fallback order
	Strategy  string   // fallback | latency-optimized

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	AnthropicKey   string
	AnthropicModel string

	OllamaURL   string
	OllamaModel string
}

type LinksConfig struct {
	AppBaseURL string
}

// RetentionConfig controls how long conversation history is kept.
// Days <= 0 disables the janitor.
type RetentionConfig struct {
	Days        int
	Interval    time.Duration
	ArchiveMode string // none | archive-and-purge | archive-only
	ArchiveDir  string
	Compress    bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("TASKPILOT_PORT", 8080),
		Version:  envStr("TASKPILOT_VERSION", "0.1.0"),
		LogLevel: envStr("TASKPILOT_LOG_LEVEL", "info"),
		API: APIConfig{
			Keys:           envList("TASKPILOT_API_KEYS", nil),
			AllowedOrigins: envList("TASKPILOT_ALLOWED_ORIGINS", []string{"*"}),
			GuardrailsFile: envStr("TASKPILOT_GUARDRAILS_FILE", ""),
		},
		Loop: LoopConfig{
			MaxIterations:      envInt("TASKPILOT_MAX_ACTION_EXECUTOR_ITERATIONS", 8),
			MaxReminders:       envInt("TASKPILOT_MAX_ACTION_REMINDERS", 3),
			LoopThreshold:      envInt("TASKPILOT_LOOP_THRESHOLD", 2),
			LoopPolicy:         envStr("TASKPILOT_LOOP_POLICY", "warn"),
			HistoryTokenBudget: envInt("TASKPILOT_HISTORY_TOKEN_BUDGET", 6000),
		},
		Tools: ToolsConfig{
			RegistryFile: envStr("TASKPILOT_TOOL_REGISTRY", ""),
			UnknownClass: envStr("TASKPILOT_UNKNOWN_TOOL_CLASS", "action"),
			Timeout:      envDur("TASKPILOT_TOOL_TIMEOUT", 20*time.Second),
		},
		Store: StoreConfig{
			Driver:         envStr("TASKPILOT_STORE", "memory"),
			DataDir:        envStr("TASKPILOT_DATA_DIR", defaultDataDir()),
			PersistTimeout: envDur("TASKPILOT_PERSIST_TIMEOUT", 3*time.Second),
		},
		Backend: BackendConfig{
			URL:       envStr("TASKPILOT_BACKEND_URL", "http://localhost:8000/mcp"),
			Transport: envStr("TASKPILOT_BACKEND_TRANSPORT", "jsonrpc"),
			Token:     envStr("TASKPILOT_BACKEND_TOKEN", ""),
		},
		LLM: LLMConfig{
			Providers:      envList("TASKPILOT_LLM_PROVIDERS", []string{"openai"}),
			Strategy:       envStr("TASKPILOT_LLM_STRATEGY", "fallback"),
			OpenAIKey:      envStr("OPENAI_API_KEY", ""),
			OpenAIModel:    envStr("TASKPILOT_OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL:  envStr("TASKPILOT_OPENAI_BASE_URL", ""),
			AnthropicKey:   envStr("ANTHROPIC_API_KEY", ""),
			AnthropicModel: envStr("TASKPILOT_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			OllamaURL:      envStr("TASKPILOT_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:    envStr("TASKPILOT_OLLAMA_MODEL", "llama3.1"),
		},
		Links: LinksConfig{
			AppBaseURL: envStr("TASKPILOT_APP_BASE_URL", ""),
		},
		Retention: RetentionConfig{
			Days:        envInt("TASKPILOT_RETENTION_DAYS", 30),
			Interval:    envDur("TASKPILOT_RETENTION_INTERVAL", time.Hour),
			ArchiveMode: envStr("TASKPILOT_ARCHIVE_MODE", "none"),
			ArchiveDir:  envStr("TASKPILOT_ARCHIVE_DIR", ""),
			Compress:    envBool("TASKPILOT_ARCHIVE_COMPRESS", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "taskpilot"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".taskpilot")
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
