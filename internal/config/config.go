package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Analysis modes. Review produces candidates for human arbitration; direct
// lets the orchestrator author a solution straight from the LLM.
const (
	ModeReview = "review"
	ModeDirect = "direct"
)

// Config holds all environment- and file-driven settings.
type Config struct {
	HTTPPort      string
	DBPath        string
	TemplatesPath string
	AnalysisMode  string
	StrictConfig  bool

	// AdapterTimeout bounds every single external-service call.
	AdapterTimeout time.Duration
	// RevertAttempts is the compensating-revert budget for a failed analysis.
	RevertAttempts int
	// SearchLimit caps how many ranked matches one analysis keeps.
	SearchLimit int

	Embedding    EmbeddingConfig
	LLM          LLMConfig
	VectorSearch VectorSearchConfig

	// FeedbackEnabled toggles the knowledge-base publish on acknowledgment.
	FeedbackEnabled bool
}

// EmbeddingConfig points at the embedding service.
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	TextWeight float64
	// MaxImageEdge is the longest image side sent inline, in pixels.
	MaxImageEdge int
}

// LLMConfig points at the generation service.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// VectorSearchConfig points at the similarity-search service.
type VectorSearchConfig struct {
	BaseURL string
}

type fileConfig struct {
	HTTPPort      string   `yaml:"http_port"`
	DBPath        string   `yaml:"db_path"`
	TemplatesPath string   `yaml:"templates_path"`
	AnalysisMode  string   `yaml:"analysis_mode"`
	SearchLimit   *int     `yaml:"search_limit"`
	TextWeight    *float64 `yaml:"text_weight"`

	Embedding struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"embedding"`
	LLM struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"llm"`
	VectorSearch struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"vector_search"`
}

const (
	defaultPort           = ":8000"
	defaultDBFile         = "railops.db"
	defaultTemplatesPath  = "config/templates.yaml"
	defaultAdapterTimeout = 15 * time.Second
	defaultRevertAttempts = 3
	defaultSearchLimit    = 3
	maxSearchLimit        = 10
	defaultTextWeight     = 0.6
	defaultMaxImageEdge   = 512
	defaultEmbedModel     = "text-embedding-3-small"
	defaultLLMModel       = "gpt-4o-mini"
)

// Load reads configuration from environment variables, an optional .env file,
// and an optional YAML file, applying sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AdapterTimeout: defaultAdapterTimeout,
		RevertAttempts: defaultRevertAttempts,
		SearchLimit:    defaultSearchLimit,
		StrictConfig:   parseBoolEnv("STRICT_CONFIG"),
		Embedding: EmbeddingConfig{
			APIKey:       os.Getenv("EMBEDDING_API_KEY"),
			TextWeight:   defaultTextWeight,
			MaxImageEdge: defaultMaxImageEdge,
		},
		LLM: LLMConfig{
			APIKey: os.Getenv("LLM_API_KEY"),
		},
		FeedbackEnabled: parseBoolEnvDefault("FEEDBACK_ENABLED", true),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, defaultDBFile)
	cfg.TemplatesPath = firstNonEmpty(os.Getenv("TEMPLATES_PATH"), fileCfg.TemplatesPath, defaultTemplatesPath)
	cfg.AnalysisMode = strings.ToLower(firstNonEmpty(os.Getenv("ANALYSIS_MODE"), fileCfg.AnalysisMode, ModeReview))

	cfg.Embedding.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("EMBEDDING_BASE_URL"), fileCfg.Embedding.BaseURL, "http://localhost:8100"), "/")
	cfg.Embedding.Model = firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), fileCfg.Embedding.Model, defaultEmbedModel)
	cfg.LLM.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("LLM_BASE_URL"), fileCfg.LLM.BaseURL, "https://api.openai.com"), "/")
	cfg.LLM.Model = firstNonEmpty(os.Getenv("LLM_MODEL"), fileCfg.LLM.Model, defaultLLMModel)
	cfg.VectorSearch.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("VECTOR_SEARCH_BASE_URL"), fileCfg.VectorSearch.BaseURL, "http://localhost:8200"), "/")

	if fileCfg.SearchLimit != nil && *fileCfg.SearchLimit > 0 {
		cfg.SearchLimit = *fileCfg.SearchLimit
	}
	if v, ok, err := parseIntEnv("SEARCH_LIMIT"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid SEARCH_LIMIT: %w", err)
		}
		log.Printf("invalid SEARCH_LIMIT: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.SearchLimit = v
	}
	if cfg.SearchLimit > maxSearchLimit {
		log.Printf("SEARCH_LIMIT capped at %d (was %d)", maxSearchLimit, cfg.SearchLimit)
		cfg.SearchLimit = maxSearchLimit
	}

	if fileCfg.TextWeight != nil {
		cfg.Embedding.TextWeight = *fileCfg.TextWeight
	}
	if v, ok, err := parseFloatEnv("EMBEDDING_TEXT_WEIGHT"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid EMBEDDING_TEXT_WEIGHT: %w", err)
		}
		log.Printf("invalid EMBEDDING_TEXT_WEIGHT: %v (using default)", err)
	} else if ok {
		cfg.Embedding.TextWeight = v
	}

	if v, ok, err := parseIntEnv("ADAPTER_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid ADAPTER_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, errors.New("ADAPTER_TIMEOUT_SEC must be positive")
		}
		cfg.AdapterTimeout = time.Duration(v) * time.Second
	}

	if v, ok, err := parseIntEnv("REVERT_ATTEMPTS"); err != nil {
		return cfg, fmt.Errorf("invalid REVERT_ATTEMPTS: %w", err)
	} else if ok && v > 0 {
		cfg.RevertAttempts = v
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation failed: %v (continuing)", err)
	}

	log.Printf("config: db=%s mode=%s templates=%s timeout=%s", cfg.DBPath, cfg.AnalysisMode, cfg.TemplatesPath, cfg.AdapterTimeout)
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.AnalysisMode != ModeReview && cfg.AnalysisMode != ModeDirect {
		return fmt.Errorf("analysis_mode must be %q or %q (got %q)", ModeReview, ModeDirect, cfg.AnalysisMode)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH is required")
	}
	if cfg.Embedding.TextWeight < 0 || cfg.Embedding.TextWeight > 1 {
		return fmt.Errorf("text_weight must be in [0,1] (got %v)", cfg.Embedding.TextWeight)
	}
	if cfg.SearchLimit <= 0 {
		return errors.New("search_limit must be positive")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func parseFloatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	return val, true, err
}

// Now returns a UTC timestamp truncated to the second, so values round-trip
// through SQLite without sub-second drift.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
