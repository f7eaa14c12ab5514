package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// dbPathOverride is set by the --db-path flag and wins over env and config.
var (
	dbPathMu       sync.Mutex
	dbPathOverride string
)

// SetDBPathOverride wires the --db-path flag into the resolver.
func SetDBPathOverride(path string) {
	dbPathMu.Lock()
	defer dbPathMu.Unlock()
	dbPathOverride = path
}

// GetDBPath resolves the database path: flag > OAK_DB_PATH > config.yaml >
// default under the data dir.
func GetDBPath() (string, error) {
	path, _, err := ResolveDBPathDetailed()
	return path, err
}

// ResolveDBPathDetailed returns the resolved path plus which source won.
func ResolveDBPathDetailed() (path, source string, err error) {
	dbPathMu.Lock()
	override := dbPathOverride
	dbPathMu.Unlock()

	if override != "" {
		return override, "flag", nil
	}
	if env := os.Getenv("OAK_DB_PATH"); env != "" {
		return env, "env", nil
	}
	cfg, err := LoadSettings()
	if err == nil && cfg.DBPath != "" {
		return expandHome(cfg.DBPath), "config", nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "oak.db"), "default", nil
}

// EnsureDBDir creates the parent directory of the database file.
func EnsureDBDir(dbPath string) (string, error) {
	if dbPath == ":memory:" || strings.Contains(dbPath, ":memory:") {
		return "", nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create db dir %s: %w", dir, err)
	}
	return dir, nil
}

// HTTPSettings configures the local hook/query server.
type HTTPSettings struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// EmbeddingSettings configures the embedding provider chain, tried in order.
type EmbeddingSettings struct {
	Providers      []string `yaml:"providers"`
	OllamaEndpoint string   `yaml:"ollama_endpoint"`
	OllamaModel    string   `yaml:"ollama_model"`
	OpenAIBaseURL  string   `yaml:"openai_base_url"`
	OpenAIAPIKey   string   `yaml:"openai_api_key"`
	OpenAIModel    string   `yaml:"openai_model"`
}

// LLMSettings configures the extraction/summarization model.
type LLMSettings struct {
	Provider       string  `yaml:"provider"` // openai | cli
	Model          string  `yaml:"model"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	CLIAgent       string  `yaml:"cli_agent"` // claude | opencode
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// ProcessorSettings bounds the extraction context budget.
type ProcessorSettings struct {
	MaxActivities      int `yaml:"max_activities"`
	MaxPromptChars     int `yaml:"max_prompt_chars"`
	MaxContextChars    int `yaml:"max_context_chars"`
	MaxOutputTokens    int `yaml:"max_output_tokens"`
	MaxObservations    int `yaml:"max_observations"`
	PollIntervalSecond int `yaml:"poll_interval_seconds"`
}

// RetrievalSettings tunes the progressive-disclosure engine.
type RetrievalSettings struct {
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	PreviewChars       int     `yaml:"preview_chars"`
}

// SuggestionSettings tunes the parent-session suggestion engine.
type SuggestionSettings struct {
	MaxCandidates   int     `yaml:"max_candidates"`
	MaxAgeDays      int     `yaml:"max_age_days"`
	VectorWeight    float64 `yaml:"vector_weight"`
	LLMWeight       float64 `yaml:"llm_weight"`
	LowThreshold    float64 `yaml:"low_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`
	HighThreshold   float64 `yaml:"high_threshold"`
	UseLLM          bool    `yaml:"use_llm"`
}

// AgentInstance is one configured scheduled agent.
type AgentInstance struct {
	Name           string `yaml:"name"`
	Cron           string `yaml:"cron"`
	Task           string `yaml:"task"`
	Template       string `yaml:"template"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
}

// SchedulerSettings configures the cron loop.
type SchedulerSettings struct {
	IntervalSeconds    int             `yaml:"interval_seconds"`
	StopTimeoutSeconds int             `yaml:"stop_timeout_seconds"`
	WatchdogBufferMin  int             `yaml:"watchdog_buffer_minutes"`
	DefaultTimeoutMin  int             `yaml:"default_timeout_minutes"`
	Instances          []AgentInstance `yaml:"instances"`
}

// Settings is the full daemon configuration.
type Settings struct {
	DBPath     string             `yaml:"db_path"`
	VectorDir  string             `yaml:"vector_dir"`
	BackupDir  string             `yaml:"backup_dir"`
	HTTP       HTTPSettings       `yaml:"http"`
	Embedding  EmbeddingSettings  `yaml:"embedding"`
	LLM        LLMSettings        `yaml:"llm"`
	Processor  ProcessorSettings  `yaml:"processor"`
	Retrieval  RetrievalSettings  `yaml:"retrieval"`
	Suggestion SuggestionSettings `yaml:"suggestion"`
	Scheduler  SchedulerSettings  `yaml:"scheduler"`
}

// DefaultSettings returns the built-in defaults. Every field can be
// overridden by config.yaml and the OAK_* environment variables.
func DefaultSettings() Settings {
	return Settings{
		HTTP: HTTPSettings{Addr: "127.0.0.1:9137"},
		Embedding: EmbeddingSettings{
			Providers:      []string{"ollama"},
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			OpenAIBaseURL:  "https://api.openai.com/v1",
			OpenAIModel:    "text-embedding-3-small",
		},
		LLM: LLMSettings{
			Provider:       "cli",
			CLIAgent:       "claude",
			Model:          "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			Temperature:    0.3,
			TimeoutSeconds: 120,
		},
		Processor: ProcessorSettings{
			MaxActivities:      50,
			MaxPromptChars:     10000,
			MaxContextChars:    24000,
			MaxOutputTokens:    1024,
			MaxObservations:    10,
			PollIntervalSecond: 5,
		},
		Retrieval: RetrievalSettings{
			RelevanceThreshold: 0.35,
			PreviewChars:       200,
		},
		Suggestion: SuggestionSettings{
			MaxCandidates:   10,
			MaxAgeDays:      30,
			VectorWeight:    0.6,
			LLMWeight:       0.4,
			LowThreshold:    0.5,
			MediumThreshold: 0.65,
			HighThreshold:   0.8,
		},
		Scheduler: SchedulerSettings{
			IntervalSeconds:    60,
			StopTimeoutSeconds: 10,
			WatchdogBufferMin:  10,
			DefaultTimeoutMin:  30,
		},
	}
}

// LoadSettings reads config.yaml layered over defaults, then applies
// environment overrides.
func LoadSettings() (Settings, error) {
	cfg := DefaultSettings()

	dir, err := ConfigDir()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	applyEnvOverrides(&cfg)

	if cfg.VectorDir == "" {
		if dataDir, err := DataDir(); err == nil {
			cfg.VectorDir = filepath.Join(dataDir, "vectors")
		}
	}
	if cfg.BackupDir == "" {
		if dataDir, err := DataDir(); err == nil {
			cfg.BackupDir = filepath.Join(dataDir, "backups")
		}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) {
	if v := os.Getenv("OAK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OAK_VECTOR_DIR"); v != "" {
		cfg.VectorDir = v
	}
	if v := os.Getenv("OAK_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("OAK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("OAK_AUTH_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
	if v := os.Getenv("OAK_OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
		cfg.Embedding.OpenAIAPIKey = v
	}
	if v := os.Getenv("OAK_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("OAK_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OAK_SCHEDULER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.IntervalSeconds = n
		}
	}
}

// Timeout returns the LLM call timeout as a duration.
func (s LLMSettings) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
