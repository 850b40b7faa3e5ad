package connection

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by FromEnv.
const (
	EnvDataset         = "GCLOUD_DATASET_ID"
	EnvEmulatorDataset = "DATASTORE_DATASET"
	EnvNamespace       = "DATASTORE_NAMESPACE"
	EnvEmulatorHost    = "DATASTORE_EMULATOR_HOST"
	EnvCredentials     = "GOOGLE_APPLICATION_CREDENTIALS"
)

// DefaultEndpoint is the production Datastore API.
const DefaultEndpoint = "https://datastore.googleapis.com"

// Config holds configuration for a Conn.
type Config struct {
	// Dataset is the project id requests are addressed to. When empty it is
	// taken from the service account credentials, if they carry one.
	Dataset string `yaml:"dataset"`

	// Namespace partitions keys within the dataset.
	// Default: "" (the default namespace)
	Namespace string `yaml:"namespace"`

	// Endpoint is the API base URL.
	// Default: DefaultEndpoint, or http://EmulatorHost when an emulator is set.
	Endpoint string `yaml:"endpoint"`

	// EmulatorHost is the host:port of a local Datastore emulator. Requests to
	// an emulator are sent unauthenticated.
	EmulatorHost string `yaml:"emulator_host"`

	// CredentialsFile is a service account JSON key. When empty, Application
	// Default Credentials are used.
	CredentialsFile string `yaml:"credentials_file"`

	// Timeout bounds every HTTP attempt.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first attempt of an
	// idempotent RPC. Commit is never retried.
	// Default: 5
	// Max: 20
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the first retry delay.
	// Default: 100ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	// Default: 10s
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns defaults for the production API.
func DefaultConfig() Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		Timeout:        30 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// validate fills unset values and clamps the rest to acceptable bounds.
func (c *Config) validate() {
	if c.EmulatorHost != "" && (c.Endpoint == "" || c.Endpoint == DefaultEndpoint) {
		c.Endpoint = c.EmulatorHost
		if !strings.Contains(c.Endpoint, "://") {
			c.Endpoint = "http://" + c.Endpoint
		}
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > 20 {
		c.MaxRetries = 20
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("connection: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("connection: parse config %s: %w", path, err)
	}
	cfg.validate()
	return cfg, nil
}

// FromEnv returns DefaultConfig overlaid with the environment.
func FromEnv() Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv(os.Getenv)
	return cfg
}

// ApplyEnv overlays values found through getenv. GCLOUD_DATASET_ID takes
// precedence over the emulator's DATASTORE_DATASET.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvDataset); v != "" {
		c.Dataset = v
	} else if v := getenv(EnvEmulatorDataset); v != "" {
		c.Dataset = v
	}
	if v := getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := getenv(EnvEmulatorHost); v != "" {
		c.EmulatorHost = v
	}
	if v := getenv(EnvCredentials); v != "" {
		c.CredentialsFile = v
	}
}
