package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves each key as an environment variable name. It lets
// the loader's SSM path be exercised locally without AWS credentials.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvVarProvider creates an EnvVarProvider backed by os.LookupEnv.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

// GetParametersBatch omits keys that are not set.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := lookup(k); ok {
			out[k] = v
		}
	}
	return out, nil
}
