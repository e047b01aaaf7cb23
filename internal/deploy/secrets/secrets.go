// Package secrets resolves credentials injected into remote commands.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/zalando/go-keyring"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Provider resolves a secret by key. Missing keys return model.ErrSecretNotFound.
type Provider interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// Map is a fixed set of secrets.
type Map map[string]string

func (m Map) Resolve(_ context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", model.ErrSecretNotFound, key)
}

// LoadEnvFile reads a dotenv style secrets file such as .kamal/secrets.
// A missing file yields an empty provider.
func LoadEnvFile(path string) (Map, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("file", path).Msg("secrets file not found")
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	return Map(values), nil
}

// Env resolves from the process environment.
type Env struct{}

func (Env) Resolve(_ context.Context, key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", model.ErrSecretNotFound, key)
}

// Keyring resolves from the OS keychain, with the secret key as the account name.
type Keyring struct {
	Service string
}

func (k Keyring) Resolve(_ context.Context, key string) (string, error) {
	v, err := keyring.Get(k.Service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", model.ErrSecretNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("keyring %s/%s: %w", k.Service, key, err)
	}
	return v, nil
}

// Chain tries providers in order and returns the first hit.
type Chain []Provider

func (c Chain) Resolve(ctx context.Context, key string) (string, error) {
	for _, p := range c {
		v, err := p.Resolve(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, model.ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", model.ErrSecretNotFound, key)
}

// ResolveAll resolves keys in order.
func ResolveAll(ctx context.Context, p Provider, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := p.Resolve(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
