package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "azure.tenant_id", typ: kString, env: "AZURE_TENANT_ID",
		apply:   func(cfg *Config, v any) { cfg.Azure.TenantID = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.TenantID },
	},
	{
		key: "azure.subscription_id", typ: kString, env: "AZURE_SUBSCRIPTION_ID",
		apply:   func(cfg *Config, v any) { cfg.Azure.SubscriptionID = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.SubscriptionID },
	},
	{
		key: "storage.account_url", typ: kString, env: "AZURE_STORAGE_ACCOUNT_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.AccountURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.AccountURL },
	},
	{
		key: "storage.container", typ: kString, env: "BLOB_CONTAINER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Storage.Container = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Container },
	},
	{
		key: "search.endpoint", typ: kString, env: "AZURE_SEARCH_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Search.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Endpoint },
	},
	{
		key: "search.index_name", typ: kString, env: "AZURE_SEARCH_INDEX_NAME",
		apply:   func(cfg *Config, v any) { cfg.Search.IndexName = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.IndexName },
	},
	{
		key: "search.indexer_name", typ: kString, env: "AZURE_SEARCH_INDEXER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Search.IndexerName = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.IndexerName },
	},
	{
		key: "search.api_key", typ: kString, env: "AZURE_SEARCH_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Search.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.APIKey },
	},
	{
		key: "search.api_version", typ: kString, env: "AZURE_SEARCH_API_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Search.APIVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.APIVersion },
	},
	{
		key: "search.top_k", typ: kInt, env: "POLICYRAG_SEARCH_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Search.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.TopK },
	},
	{
		key: "openai.endpoint", typ: kString, env: "AZURE_OPENAI_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Endpoint },
	},
	{
		key: "openai.api_key", typ: kString, env: "AZURE_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.deployment", typ: kString, env: "AZURE_OPENAI_DEPLOYMENT_NAME",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Deployment = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Deployment },
	},
	{
		key: "openai.api_version", typ: kString, env: "AZURE_OPENAI_API_VERSION",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIVersion },
	},
	{
		key: "openai.temperature", typ: kFloat, env: "POLICYRAG_OPENAI_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.OpenAI.Temperature },
	},
	{
		key: "server.port", typ: kInt, env: "POLICYRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "POLICYRAG_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "data.dir", typ: kString, env: "POLICYRAG_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Data.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Data.Dir },
	},
	{
		key: "log.level", typ: kString, env: "POLICYRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
