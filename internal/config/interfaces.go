package config

import "context"

// SecretProvider resolves secret pointers to plaintext values. SSMProvider
// serves deployed environments and EnvVarProvider serves local runs.
type SecretProvider interface {
	// GetParametersBatch returns path -> value for every key it could resolve.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
