package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/himanishpuri/ScoreFollow/pkg/logger"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/storage"
)

// envPrefix namespaces environment overrides, e.g. SCOREFOLLOW_PORT.
const envPrefix = "SCOREFOLLOW"

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `yaml:"port" envconfig:"PORT"`
	DBPath         string   `yaml:"db_path" envconfig:"DB_PATH"`
	UploadDir      string   `yaml:"upload_dir" envconfig:"UPLOAD_DIR"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	LogLevel       string   `yaml:"log_level" envconfig:"LOG_LEVEL"`

	WorkerSlots      int           `yaml:"worker_slots" envconfig:"WORKER_SLOTS"`
	MaxInputRetries  int           `yaml:"max_input_retries" envconfig:"MAX_INPUT_RETRIES"`
	RetryDelay       time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
	Engine           string        `yaml:"engine" envconfig:"ENGINE"`
	RenderSampleRate int           `yaml:"render_sample_rate" envconfig:"RENDER_SAMPLE_RATE"`

	StreamInterval  time.Duration `yaml:"stream_interval" envconfig:"STREAM_INTERVAL"`
	InitTimeout     time.Duration `yaml:"init_timeout" envconfig:"INIT_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" envconfig:"MAX_UPLOAD_BYTES"`

	DefaultDevice    string `yaml:"default_device" envconfig:"DEFAULT_DEVICE"`
	FFmpegPath       string `yaml:"ffmpeg_path" envconfig:"FFMPEG_PATH"`
	ConverterCommand string `yaml:"converter_command" envconfig:"CONVERTER_COMMAND"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:             50003,
		DBPath:           storage.DefaultDBFile,
		UploadDir:        "uploads",
		AllowedOrigins:   []string{"http://localhost:50003", "http://127.0.0.1:50003"},
		LogLevel:         "INFO",
		WorkerSlots:      1,
		MaxInputRetries:  3,
		RetryDelay:       500 * time.Millisecond,
		Engine:           scorefollow.EngineAuto,
		RenderSampleRate: 22050,
		StreamInterval:   100 * time.Millisecond,
		InitTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		MaxUploadBytes:   32 << 20,
		DefaultDevice:    "MacBook Pro Microphone",
		FFmpegPath:       "ffmpeg",
		ConverterCommand: "mscore",
	}
}

// LoadConfig layers defaults, the YAML file named by -config, a .env file,
// SCOREFOLLOW_* variables and finally explicitly set flags.
func LoadConfig(args []string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	flags := flag.NewFlagSet("scorefollow-server", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path to a YAML config file")
	port := flags.Int("port", cfg.Port, "HTTP server port")
	dbPath := flags.String("db", cfg.DBPath, "Path to SQLite database")
	uploadDir := flags.String("upload-dir", cfg.UploadDir, "Directory for uploaded scores (purged on start and exit)")
	origins := flags.String("origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated list of allowed CORS origins (use * for all)")
	engine := flags.String("engine", cfg.Engine, "Alignment engine: auto, clock or onset")
	slots := flags.Int("workers", cfg.WorkerSlots, "Number of alignment workers that may run at once")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := loadYAML(*configPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.DBPath = *dbPath
		case "upload-dir":
			cfg.UploadDir = *uploadDir
		case "origins":
			cfg.AllowedOrigins = splitOrigins(*origins)
		case "engine":
			cfg.Engine = *engine
		case "workers":
			cfg.WorkerSlots = *slots
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func splitOrigins(s string) []string {
	if strings.TrimSpace(s) == "*" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks if the configuration is usable
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.UploadDir == "" {
		errs = append(errs, errors.New("upload_dir is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.WorkerSlots < 1 {
		errs = append(errs, fmt.Errorf("worker_slots must be at least 1, got %d", c.WorkerSlots))
	}
	if c.MaxInputRetries < 0 {
		errs = append(errs, fmt.Errorf("max_input_retries cannot be negative, got %d", c.MaxInputRetries))
	}
	if c.StreamInterval <= 0 {
		errs = append(errs, errors.New("stream_interval must be positive"))
	}
	if c.InitTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("init_timeout and write_timeout must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if _, err := scorefollow.EngineByName(c.Engine, scorefollow.EngineConfig{}); err != nil {
		errs = append(errs, err)
	}
	if _, ok := logger.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
