package scorefollow

import (
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/position"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/storage"
)

type Config struct {
	DBPath           string
	UploadDir        string
	WorkerSlots      int
	MaxInputRetries  int
	RetryDelay       time.Duration
	RenderSampleRate int
	Logger           Logger
	Storage          Storage
	Store            *position.Store
	Metrics          *metrics.Metrics
	Opener           InputOpener
	Engines          EngineFactory
	Converter        score.Converter
}

type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) {
		c.DBPath = path
	}
}

func WithUploadDir(dir string) Option {
	return func(c *Config) {
		c.UploadDir = dir
	}
}

// WithWorkerSlots sets how many alignment workers may run at once.
// Further sessions queue until a slot frees up.
func WithWorkerSlots(n int) Option {
	return func(c *Config) {
		c.WorkerSlots = n
	}
}

// WithMaxInputRetries bounds how often a worker re-acquires an input that
// ended before the alignment completed.
func WithMaxInputRetries(n int) Option {
	return func(c *Config) {
		c.MaxInputRetries = n
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		c.RetryDelay = d
	}
}

func WithRenderSampleRate(rate int) Option {
	return func(c *Config) {
		c.RenderSampleRate = rate
	}
}

func WithLogger(log Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

func WithStorage(storage Storage) Option {
	return func(c *Config) {
		c.Storage = storage
	}
}

func WithStore(store *position.Store) Option {
	return func(c *Config) {
		c.Store = store
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

func WithInputOpener(o InputOpener) Option {
	return func(c *Config) {
		c.Opener = o
	}
}

func WithEngineFactory(f EngineFactory) Option {
	return func(c *Config) {
		c.Engines = f
	}
}

func WithConverter(conv score.Converter) Option {
	return func(c *Config) {
		c.Converter = conv
	}
}

func defaultConfig() *Config {
	return &Config{
		DBPath:           storage.DefaultDBFile,
		UploadDir:        "uploads",
		WorkerSlots:      1,
		MaxInputRetries:  3,
		RetryDelay:       500 * time.Millisecond,
		RenderSampleRate: score.DefaultRenderSampleRate,
	}
}
