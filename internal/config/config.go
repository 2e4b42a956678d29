// Package config loads StudyMate configuration from an optional YAML file
// with environment-variable overrides. Defaults are usable out of the box
// against a local Ollama runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "90s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Brain      BrainConfig      `yaml:"brain"`
	Models     ModelsConfig     `yaml:"models"`
	Processing ProcessingConfig `yaml:"processing"`
	Chat       ChatConfig       `yaml:"chat"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BrainConfig configures the Brain service and its supervision.
type BrainConfig struct {
	// Endpoint the Brain Client talks to.
	Endpoint string `yaml:"endpoint"`

	// ListenAddr the Brain service binds when run as `studymate brain`.
	ListenAddr string `yaml:"listen_addr"`

	// Command the supervisor spawns. Empty means re-exec this binary with
	// the `brain` subcommand.
	Command []string `yaml:"command"`

	// StartupDeadline bounds the health-gate poll after spawn.
	StartupDeadline Duration `yaml:"startup_deadline"`

	// StopGrace is the soft-termination window before SIGKILL.
	StopGrace Duration `yaml:"stop_grace"`

	// HealthInterval is the poll interval while waiting for readiness.
	HealthInterval Duration `yaml:"health_interval"`

	// Provider selects the model runtime: "ollama" (local, residency
	// managed) or "genai" (cloud, residency is a no-op).
	Provider string `yaml:"provider"`

	// RuntimeEndpoint is the Ollama base URL.
	RuntimeEndpoint string `yaml:"runtime_endpoint"`

	// GenAIAPIKey is used when Provider is "genai".
	GenAIAPIKey string `yaml:"genai_api_key"`
}

// ModelsConfig names the model handles passed to the runtime.
type ModelsConfig struct {
	Core     string `yaml:"core"`
	Vision   string `yaml:"vision"`
	Embed    string `yaml:"embed"`
	Audio    string `yaml:"audio"` // empty disables audio
	EmbedDim int    `yaml:"embed_dim"`
}

// ProcessingConfig bounds the material pipeline.
type ProcessingConfig struct {
	Timeout          Duration `yaml:"timeout"`     // OCR + embed for one material
	Concurrency      int      `yaml:"concurrency"` // worker pool size
	QueueDepth       int      `yaml:"queue_depth"`
	EnqueueWait      Duration `yaml:"enqueue_wait"` // producer block budget
	PDFRenderDPI     int      `yaml:"pdf_render_dpi"`
	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
	AllowedMediaTypes []string `yaml:"allowed_media_types"`
}

// ChatConfig bounds the retrieval-augmented chat pipeline.
type ChatConfig struct {
	HistoryTurns     int      `yaml:"history_turns"`
	RetrievalTopK    int      `yaml:"retrieval_top_k"`
	PromptCharBudget int      `yaml:"prompt_char_budget"`
	MinQueryLen      int      `yaml:"min_query_len"`
	SystemDirective  string   `yaml:"system_directive"`
	GenerateTimeout  Duration `yaml:"generate_timeout"`
	EmbedTimeout     Duration `yaml:"embed_timeout"`
	OCRTimeout       Duration `yaml:"ocr_timeout"`
	ProfileTimeout   Duration `yaml:"profile_timeout"`
	PersistGlobal    bool     `yaml:"persist_global"` // keep history for course-less chat
}

// ServerConfig configures the API server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig mirrors logging.Config in YAML.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
	OutputPath string `yaml:"output_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Brain: BrainConfig{
			Endpoint:        "http://127.0.0.1:8900",
			ListenAddr:      "127.0.0.1:8900",
			StartupDeadline: Duration(90 * time.Second),
			StopGrace:       Duration(10 * time.Second),
			HealthInterval:  Duration(1 * time.Second),
			Provider:        "ollama",
			RuntimeEndpoint: "http://localhost:11434",
		},
		Models: ModelsConfig{
			Core:     "llama3.1:8b",
			Vision:   "llama3.2-vision:11b",
			Embed:    "mxbai-embed-large",
			Audio:    "",
			EmbedDim: 1024,
		},
		Processing: ProcessingConfig{
			Timeout:        Duration(5 * time.Minute),
			Concurrency:    2,
			QueueDepth:     32,
			EnqueueWait:    Duration(50 * time.Millisecond),
			PDFRenderDPI:   150,
			MaxUploadBytes: 25 << 20,
			AllowedMediaTypes: []string{
				"image/jpeg", "image/png", "image/gif", "image/webp",
				"image/bmp", "application/pdf",
			},
		},
		Chat: ChatConfig{
			HistoryTurns:     10,
			RetrievalTopK:    3,
			PromptCharBudget: 12000,
			MinQueryLen:      3,
			SystemDirective: "You are StudyMate, a personal study assistant. " +
				"Answer using the provided course materials when relevant, " +
				"and adapt explanations to the student's profile.",
			GenerateTimeout: Duration(60 * time.Second),
			EmbedTimeout:    Duration(10 * time.Second),
			OCRTimeout:      Duration(3 * time.Minute),
			ProfileTimeout:  Duration(2 * time.Second),
		},
		Server: ServerConfig{ListenAddr: "127.0.0.1:8800"},
		Store:  StoreConfig{Path: "studymate.db"},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the documented environment variables on top of
// the file values.
func applyEnvOverrides(cfg *Config) {
	envString("BRAIN_ENDPOINT", &cfg.Brain.Endpoint)
	envString("BRAIN_LISTEN_ADDR", &cfg.Brain.ListenAddr)
	envDuration("BRAIN_STARTUP_DEADLINE", &cfg.Brain.StartupDeadline)
	envDuration("BRAIN_STOP_GRACE", &cfg.Brain.StopGrace)
	envString("BRAIN_PROVIDER", &cfg.Brain.Provider)
	envString("OLLAMA_ENDPOINT", &cfg.Brain.RuntimeEndpoint)
	envString("GENAI_API_KEY", &cfg.Brain.GenAIAPIKey)

	envString("CORE_MODEL", &cfg.Models.Core)
	envString("VISION_MODEL", &cfg.Models.Vision)
	envString("EMBED_MODEL", &cfg.Models.Embed)
	envString("AUDIO_MODEL", &cfg.Models.Audio)
	envInt("EMBED_DIM", &cfg.Models.EmbedDim)

	envDuration("PROCESSING_TIMEOUT", &cfg.Processing.Timeout)
	envInt("PROCESSING_CONCURRENCY", &cfg.Processing.Concurrency)
	envInt64("MAX_UPLOAD_BYTES", &cfg.Processing.MaxUploadBytes)
	if v := os.Getenv("ALLOWED_MEDIA_TYPES"); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		cfg.Processing.AllowedMediaTypes = out
	}

	envInt("CHAT_HISTORY_TURNS", &cfg.Chat.HistoryTurns)
	envInt("RETRIEVAL_TOPK_DEFAULT", &cfg.Chat.RetrievalTopK)
	envInt("PROMPT_CHAR_BUDGET", &cfg.Chat.PromptCharBudget)
	envInt("MIN_QUERY_LEN", &cfg.Chat.MinQueryLen)

	envString("STUDYMATE_LISTEN_ADDR", &cfg.Server.ListenAddr)
	envString("STUDYMATE_DB", &cfg.Store.Path)
	envString("STUDYMATE_LOG_LEVEL", &cfg.Logging.Level)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Brain.Provider != "ollama" && c.Brain.Provider != "genai" {
		return fmt.Errorf("brain.provider must be 'ollama' or 'genai', got %q", c.Brain.Provider)
	}
	if c.Brain.Provider == "genai" && c.Brain.GenAIAPIKey == "" {
		return fmt.Errorf("brain.genai_api_key is required for the genai provider")
	}
	if c.Models.Core == "" {
		return fmt.Errorf("models.core is required")
	}
	if c.Models.Embed == "" {
		return fmt.Errorf("models.embed is required")
	}
	if c.Models.EmbedDim <= 0 {
		return fmt.Errorf("models.embed_dim must be positive, got %d", c.Models.EmbedDim)
	}
	if c.Processing.Concurrency <= 0 {
		return fmt.Errorf("processing.concurrency must be positive, got %d", c.Processing.Concurrency)
	}
	if c.Chat.HistoryTurns < 0 {
		return fmt.Errorf("chat.history_turns must not be negative")
	}
	if c.Chat.PromptCharBudget <= 0 {
		return fmt.Errorf("chat.prompt_char_budget must be positive")
	}
	if c.Chat.MinQueryLen < 0 {
		return fmt.Errorf("chat.min_query_len must not be negative")
	}
	return nil
}

// AudioEnabled reports whether an audio model handle is configured.
func (c *Config) AudioEnabled() bool { return c.Models.Audio != "" }

// MediaTypeAllowed reports whether mt passes the upload allow-list.
func (c *Config) MediaTypeAllowed(mt string) bool {
	for _, allowed := range c.Processing.AllowedMediaTypes {
		if allowed == mt {
			return true
		}
	}
	return false
}
