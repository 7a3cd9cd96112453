package config

import "context"

// SecretProvider resolves secret values by key. SSMProvider serves deployed
// environments and EnvVarProvider serves local runs and tests.
type SecretProvider interface {
	// GetParametersBatch returns a map of key to plaintext value. Keys that do
	// not resolve are absent from the map; implementations may instead fail
	// the whole call.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
