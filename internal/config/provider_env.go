package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves each key as an environment variable name, for
// runtimes that inject secrets under their own variable names
// (DATABASE_URL_SSM_PARAM=PG_PRIMARY_DSN).
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := p.lookup(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
