package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Azure   AzureConfig
	Storage StorageConfig
	Search  SearchConfig
	OpenAI  OpenAIConfig
	Server  ServerConfig
	Data    DataConfig
	Log     LogConfig
}

// AzureConfig pins the identity to a tenant and, optionally, a subscription
// the operator is expected to be working in.
type AzureConfig struct {
	TenantID       string
	SubscriptionID string
}

type StorageConfig struct {
	AccountURL string
	Container  string
}

type SearchConfig struct {
	Endpoint    string
	IndexName   string
	IndexerName string
	APIKey      string
	APIVersion  string
	TopK        int
}

type OpenAIConfig struct {
	Endpoint    string
	APIKey      string
	Deployment  string
	APIVersion  string
	Temperature float64
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type DataConfig struct {
	Dir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Search: SearchConfig{
			APIVersion: "2023-11-01",
			TopK:       3,
		},
		OpenAI: OpenAIConfig{
			APIVersion:  "2024-02-01",
			Temperature: 0.7,
		},
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Data: DataConfig{
			Dir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DotEnvFile is loaded before the environment is read. Variables already set
// in the process environment win over the file.
var DotEnvFile = ".env"

// Load reads configuration from the JSON file backend, a .env file in the
// working directory, and environment variables, in increasing precedence.
//
// Service credentials are not validated here since most commands need only
// a subset of them; see Config.RequireStorage and friends.
func Load() (Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend())
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// RequireStorage reports the storage settings that are still missing.
func (c Config) RequireStorage() error {
	return require(c, "storage.account_url", "storage.container")
}

// RequireSearch reports the search settings that are still missing.
func (c Config) RequireSearch() error {
	return require(c, "search.endpoint", "search.index_name", "search.api_key")
}

// RequireOpenAI reports the Azure OpenAI settings that are still missing.
func (c Config) RequireOpenAI() error {
	return require(c, "openai.endpoint", "openai.api_key", "openai.deployment", "openai.api_version")
}

func require(cfg Config, keys ...string) error {
	var missing []string
	for _, k := range keys {
		s, ok := lookupSpec(k)
		if !ok {
			continue
		}
		if fmt.Sprint(s.extract(cfg)) == "" {
			missing = append(missing, s.env)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required config: set %s in the environment or in %s",
		strings.Join(missing, ", "), DotEnvFile)
}
