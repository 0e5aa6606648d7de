package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore resolves credentials by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from environment variables.
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

// Secret keys looked up by LoadSecrets.
const (
	SecretSQLDSN        = "ELITEHEAT_STORAGE_SQL_DSN"
	SecretRedisPassword = "ELITEHEAT_STORAGE_REDIS_PASSWORD"
	SecretAPIKeys       = "ELITEHEAT_SECURITY_API_KEYS"
	SecretWebhook       = "ELITEHEAT_WEBHOOK_SECRET"
)

// LoadSecrets fills credentials from store, keeping current values for keys it lacks.
func (c *Config) LoadSecrets(ctx context.Context, store SecretStore) {
	c.Storage.SQL.DSN = store.GetWithDefault(ctx, SecretSQLDSN, c.Storage.SQL.DSN)
	c.Storage.Redis.Password = store.GetWithDefault(ctx, SecretRedisPassword, c.Storage.Redis.Password)
	c.Webhooks.Secret = store.GetWithDefault(ctx, SecretWebhook, c.Webhooks.Secret)
	if raw, err := store.Get(ctx, SecretAPIKeys); err == nil {
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		c.Security.APIKeys = keys
	}
}

// LoadSecretsFromEnv is LoadSecrets with the environment as the store,
// followed by validation since credentials can change what is valid.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	c.LoadSecrets(ctx, NewEnvironmentSecretStore())
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
