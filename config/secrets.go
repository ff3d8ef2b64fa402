package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore resolves secrets by name.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from process environment variables.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s not set", key)
	}
	return v, nil
}

func (s EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

// LoadSecretsFromEnv fills credentials that should never live in a config
// file: Redis passwords, the SQL DSN, the webhook signing secret and API keys.
func LoadSecretsFromEnv(ctx context.Context, cfg *Config, store SecretStore) {
	cfg.Storage.Redis.Password = store.GetWithDefault(ctx, EnvPrefix+"STORAGE_REDIS_PASSWORD", cfg.Storage.Redis.Password)
	cfg.Broker.Redis.Password = store.GetWithDefault(ctx, EnvPrefix+"BROKER_REDIS_PASSWORD", cfg.Broker.Redis.Password)
	cfg.Storage.SQL.DSN = store.GetWithDefault(ctx, EnvPrefix+"STORAGE_SQL_DSN", cfg.Storage.SQL.DSN)
	cfg.Webhooks.Secret = store.GetWithDefault(ctx, EnvPrefix+"WEBHOOKS_SECRET", cfg.Webhooks.Secret)
	if keys := store.GetWithDefault(ctx, EnvPrefix+"SECURITY_API_KEYS", ""); keys != "" {
		cfg.Security.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Security.APIKeys = append(cfg.Security.APIKeys, k)
			}
		}
	}
}
