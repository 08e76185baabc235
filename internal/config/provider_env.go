package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves each key as an environment variable name. Missing
// keys are omitted from the result.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
