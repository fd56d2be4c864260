package analytics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Defaults for the hosted platform.
const (
	DefaultEndpoint   = "https://api.headless.ly/v1/events"
	DefaultWSEndpoint = "wss://realtime.headless.ly/v1"
)

// PersistenceMode selects the backend for durable identifiers.
type PersistenceMode string

const (
	// PersistenceLocal stores the anonymous id and opt-out flag on disk so
	// they survive restarts.
	PersistenceLocal PersistenceMode = "local"
	// PersistenceMemory keeps identifiers for the client lifetime only and
	// never touches disk.
	PersistenceMemory PersistenceMode = "memory"
)

// Config configures a Client. The zero value plus an APIKey is usable:
// every other field falls back to a sensible default.
type Config struct {
	APIKey     string `envconfig:"HEADLESSLY_API_KEY" required:"true"`
	Endpoint   string `envconfig:"HEADLESSLY_ENDPOINT"`
	WSEndpoint string `envconfig:"HEADLESSLY_WS_ENDPOINT"`

	// BatchSize triggers a flush once that many events are queued.
	BatchSize     int           `envconfig:"HEADLESSLY_BATCH_SIZE"`
	FlushInterval time.Duration `envconfig:"HEADLESSLY_FLUSH_INTERVAL"`
	// MaxRetries bounds delivery retries per batch. Zero means the default
	// of 3; a negative value disables retries.
	MaxRetries     int           `envconfig:"HEADLESSLY_MAX_RETRIES"`
	RetryBaseDelay time.Duration `envconfig:"HEADLESSLY_RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `envconfig:"HEADLESSLY_RETRY_MAX_DELAY"`
	// SampleRate keeps this fraction of analytics events. Zero means 1
	// (keep everything); diagnostic and identity events are never sampled.
	SampleRate float64 `envconfig:"HEADLESSLY_SAMPLE_RATE"`

	// FlagTTL marks the flag snapshot stale after this age. Zero disables
	// TTL refresh.
	FlagTTL time.Duration `envconfig:"HEADLESSLY_FLAG_TTL"`

	HeartbeatInterval    time.Duration `envconfig:"HEADLESSLY_HEARTBEAT_INTERVAL"`
	ReconnectBaseDelay   time.Duration `envconfig:"HEADLESSLY_RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `envconfig:"HEADLESSLY_RECONNECT_MAX_DELAY"`
	MaxReconnectAttempts int           `envconfig:"HEADLESSLY_MAX_RECONNECT_ATTEMPTS"`

	Persistence PersistenceMode `envconfig:"HEADLESSLY_PERSISTENCE"`
	StoragePath string          `envconfig:"HEADLESSLY_STORAGE_PATH"`

	Debug bool `envconfig:"HEADLESSLY_DEBUG"`

	// ErrorHandler receives terminal delivery errors. Optional.
	ErrorHandler func(error) `ignored:"true"`
	// HTTPClient overrides the default client for event and flag requests.
	HTTPClient *http.Client `ignored:"true"`
	// Logger overrides the SDK logger.
	Logger *zap.Logger `ignored:"true"`
}

// FromEnv loads configuration from HEADLESSLY_* environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process config: %w", err)
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.WSEndpoint == "" {
		c.WSEndpoint = DefaultWSEndpoint
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Persistence == "" {
		c.Persistence = PersistenceLocal
	}
	if c.StoragePath == "" {
		c.StoragePath = defaultStoragePath()
	}
}

func defaultStoragePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "headlessly.db"
	}
	return filepath.Join(dir, "headlessly", "analytics.db")
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be within [0, 1], got %v", c.SampleRate)
	}
	switch c.Persistence {
	case PersistenceLocal, PersistenceMemory:
	default:
		return fmt.Errorf("unknown persistence mode: %q", c.Persistence)
	}
	return nil
}
