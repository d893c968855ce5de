// Package config loads the runtime configuration: defaults, then a YAML
// file, then FLOWRUN_* environment variables, in increasing priority.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowrun/internal/dispatch"
	"github.com/BaSui01/flowrun/internal/server"
	"github.com/BaSui01/flowrun/internal/store"
)

// Config is the complete runtime configuration.
type Config struct {
	// Server is the HTTP facade listener.
	Server server.Config `yaml:"server" env:"SERVER"`

	// Redis is the shared session store.
	Redis store.Config `yaml:"redis" env:"REDIS"`

	// Worker configures the local execution worker.
	Worker dispatch.WorkerConfig `yaml:"worker" env:"WORKER"`

	// LLM configures the model provider.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// ObjectStore configures file storage for generated artifacts.
	ObjectStore ObjectStoreConfig `yaml:"object_store" env:"OBJECT_STORE"`

	// Facade tunes the client-facing surface.
	Facade FacadeConfig `yaml:"facade" env:"FACADE"`

	// Log configures logging output.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the Prometheus namespace.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// LLMConfig configures the OpenAI-compatible provider.
type LLMConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Model   string `yaml:"model" env:"MODEL"`
}

// ObjectStoreConfig selects the artifact storage backend.
type ObjectStoreConfig struct {
	// Provider is "memory" or "cos".
	Provider  string `yaml:"provider" env:"PROVIDER"`
	BucketURL string `yaml:"bucket_url" env:"BUCKET_URL"`
	SecretID  string `yaml:"secret_id" env:"SECRET_ID"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
}

// FacadeConfig tunes the client-facing endpoints.
type FacadeConfig struct {
	// InvokeWait bounds how long the invoke endpoint waits for the next
	// event before giving up on the session.
	InvokeWait time.Duration `yaml:"invoke_wait" env:"INVOKE_WAIT"`
	// WSPoll is the event FIFO poll interval on WebSocket channels.
	WSPoll time.Duration `yaml:"ws_poll" env:"WS_POLL"`
	// RateLimit is requests per second per facade instance; 0 disables.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// RateBurst is the rate limiter burst size.
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
	// WorkflowDir holds stored definitions as <workflow_id>.json files for
	// invoke-by-id. Empty means only inline definitions are accepted.
	WorkflowDir string `yaml:"workflow_dir" env:"WORKFLOW_DIR"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures metric exposition.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Path is where the Prometheus handler is mounted.
	Path string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Server: server.DefaultConfig(),
		Redis:  store.DefaultConfig(),
		Worker: dispatch.DefaultWorkerConfig(defaultWorkerID()),
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		ObjectStore: ObjectStoreConfig{
			Provider: "memory",
		},
		Facade: FacadeConfig{
			InvokeWait: 2 * time.Minute,
			WSPoll:     2 * time.Second,
			RateLimit:  50,
			RateBurst:  100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "flowrun",
			Path:      "/metrics",
		},
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return host
}

// Loader builds a Config from defaults, file and environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the FLOWRUN env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "FLOWRUN"}
}

// WithConfigPath sets the YAML file path. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			// Nested configs from other packages carry yaml tags only;
			// derive the env segment from the yaml name.
			envTag = yamlEnvTag(fieldType)
			if envTag == "" {
				continue
			}
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func yamlEnvTag(f reflect.StructField) string {
	name := strings.Split(f.Tag.Get("yaml"), ",")[0]
	if name == "" || name == "-" {
		return ""
	}
	return strings.ToUpper(name)
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "worker concurrency must be positive")
	}
	if c.Worker.ID == "" {
		errs = append(errs, "worker id is required")
	}
	switch c.ObjectStore.Provider {
	case "memory":
	case "cos":
		if c.ObjectStore.BucketURL == "" {
			errs = append(errs, "cos object store requires bucket_url")
		}
		if c.ObjectStore.SecretID == "" || c.ObjectStore.SecretKey == "" {
			errs = append(errs, "cos object store requires secret_id and secret_key")
		}
	default:
		errs = append(errs, "unknown object store provider: "+c.ObjectStore.Provider)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "unknown log level: "+c.Log.Level)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
