package config

import "context"

// SecretProvider resolves secret references into plaintext values. SSMProvider
// reads Parameter Store; EnvVarProvider reads other environment variables.
type SecretProvider interface {
	// GetParametersBatch returns path -> value for every key it could
	// resolve. Keys it does not know are omitted rather than reported as an
	// error, so the loader can name exactly which variables are missing.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
