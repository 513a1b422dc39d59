package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir   string `yaml:"data_dir"`
	DBPath    string `yaml:"db_path"`
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	LLMModel  string `yaml:"llm_model"`
	LLMAPIKey string `yaml:"-"`

	Bus        BusConfig        `yaml:"bus"`
	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Context    ContextConfig    `yaml:"context"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
}

type BusConfig struct {
	QueueCapacity     int           `yaml:"queue_capacity"`
	BatchSize         int           `yaml:"batch_size"`
	StarvationBatches int           `yaml:"starvation_batches"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

type StoreConfig struct {
	PoolSize         int           `yaml:"pool_size"`
	FlushThreshold   int           `yaml:"flush_threshold"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxFlushInterval time.Duration `yaml:"max_flush_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	TaskIDPrefix     string        `yaml:"task_id_prefix"`
}

type CheckpointConfig struct {
	FullEvery int `yaml:"full_every"`
}

type ContextConfig struct {
	MaxInputTokens             int     `yaml:"max_input_tokens"`
	MaxOutputTokens            int     `yaml:"max_output_tokens"`
	WarningRatio               float64 `yaml:"warning_ratio"`
	CompressionRatio           float64 `yaml:"compression_ratio"`
	EmergencyRatio             float64 `yaml:"emergency_ratio"`
	MaxScreenshots             int     `yaml:"max_screenshots"`
	PerScreenshotTokenEstimate int     `yaml:"per_screenshot_token_estimate"`
	SystemPromptReserve        int     `yaml:"system_prompt_reserve"`
	ToolDefinitionReserve      int     `yaml:"tool_definition_reserve"`
	ResponseReserve            int     `yaml:"response_reserve"`
	PreserveRecent             int     `yaml:"preserve_recent"`
}

type ScreenshotConfig struct {
	MaxEntries     int   `yaml:"max_entries"`
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
	MaxDimension   int   `yaml:"max_dimension"`
	JPEGQuality    int   `yaml:"jpeg_quality"`
}

// Default returns the configuration used when nothing overrides it. An
// empty DBPath resolves to nogicos.db inside DataDir.
func Default() Config {
	return Config{
		DataDir:   "data",
		HTTPAddr:  "127.0.0.1:9464",
		LogLevel:  "info",
		LogFormat: "text",
		Bus: BusConfig{
			QueueCapacity:     1000,
			BatchSize:         10,
			StarvationBatches: 4,
			StopTimeout:       5 * time.Second,
		},
		Store: StoreConfig{
			PoolSize:         4,
			FlushThreshold:   10,
			FlushInterval:    5 * time.Second,
			MaxFlushInterval: 30 * time.Second,
			MaxAttempts:      3,
			TaskIDPrefix:     "task",
		},
		Checkpoint: CheckpointConfig{FullEvery: 10},
		Context: ContextConfig{
			MaxInputTokens:             200_000,
			MaxOutputTokens:            8_192,
			WarningRatio:               0.70,
			CompressionRatio:           0.80,
			EmergencyRatio:             0.95,
			MaxScreenshots:             5,
			PerScreenshotTokenEstimate: 1_600,
			SystemPromptReserve:        4_000,
			ToolDefinitionReserve:      6_000,
			ResponseReserve:            8_192,
			PreserveRecent:             6,
		},
		Screenshot: ScreenshotConfig{
			MaxEntries:     50,
			MaxMemoryBytes: 100 << 20,
			MaxDimension:   1568,
			JPEGQuality:    75,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// NOGICOS_CONFIG, then NOGICOS_* environment variables. A .env file in the
// working directory fills variables that are not already set.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := Default()

	if path := os.Getenv("NOGICOS_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.DataDir = getEnv("NOGICOS_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("NOGICOS_DB_PATH", cfg.DBPath)
	cfg.HTTPAddr = getEnv("NOGICOS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv("NOGICOS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("NOGICOS_LOG_FORMAT", cfg.LogFormat)
	cfg.LLMModel = getEnv("NOGICOS_LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = getEnv("NOGICOS_LLM_API_KEY", getEnv("ANTHROPIC_API_KEY", ""))

	p := &envParser{}
	cfg.Bus.QueueCapacity = p.intVar("NOGICOS_BUS_QUEUE_CAPACITY", cfg.Bus.QueueCapacity)
	cfg.Bus.BatchSize = p.intVar("NOGICOS_BUS_BATCH_SIZE", cfg.Bus.BatchSize)
	cfg.Bus.StopTimeout = p.durationVar("NOGICOS_BUS_STOP_TIMEOUT", cfg.Bus.StopTimeout)
	cfg.Store.FlushThreshold = p.intVar("NOGICOS_STORE_FLUSH_THRESHOLD", cfg.Store.FlushThreshold)
	cfg.Store.FlushInterval = p.durationVar("NOGICOS_STORE_FLUSH_INTERVAL", cfg.Store.FlushInterval)
	cfg.Store.PoolSize = p.intVar("NOGICOS_STORE_POOL_SIZE", cfg.Store.PoolSize)
	cfg.Checkpoint.FullEvery = p.intVar("NOGICOS_CHECKPOINT_FULL_EVERY", cfg.Checkpoint.FullEvery)
	cfg.Context.MaxInputTokens = p.intVar("NOGICOS_CONTEXT_MAX_INPUT_TOKENS", cfg.Context.MaxInputTokens)
	cfg.Context.CompressionRatio = p.floatVar("NOGICOS_CONTEXT_COMPRESSION_RATIO", cfg.Context.CompressionRatio)
	cfg.Context.MaxScreenshots = p.intVar("NOGICOS_CONTEXT_MAX_SCREENSHOTS", cfg.Context.MaxScreenshots)
	cfg.Context.PreserveRecent = p.intVar("NOGICOS_CONTEXT_PRESERVE_RECENT", cfg.Context.PreserveRecent)
	cfg.Screenshot.MaxEntries = p.intVar("NOGICOS_SCREENSHOT_MAX_ENTRIES", cfg.Screenshot.MaxEntries)
	cfg.Screenshot.MaxMemoryBytes = int64(p.intVar("NOGICOS_SCREENSHOT_MAX_MEMORY_BYTES", int(cfg.Screenshot.MaxMemoryBytes)))
	if err := p.err(); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "nogicos.db")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Logger builds the process logger described by LogLevel and LogFormat.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envParser reads typed variables and collects every malformed one.
type envParser struct {
	errs []error
}

func (p *envParser) intVar(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *envParser) floatVar(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (p *envParser) durationVar(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *envParser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %w", errors.Join(p.errs...))
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
