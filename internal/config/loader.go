package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig. Type tells operators which stage
// failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErr(typ ConfigErrorType, err error, format string, args ...any) *ConfigError {
	return &ConfigError{Type: typ, Message: fmt.Sprintf(format, args...), Err: err}
}

// SERVICE_API_KEY_SSM_PARAM=/prod/subs/service_key fills SERVICE_API_KEY.
const ssmParamSuffix = "_SSM_PARAM"

const (
	localEnv          = "local"
	ssmResolveTimeout = 30 * time.Second
)

// loaderDeps are the environment accessors the loader uses. Tests swap them.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig reads the service configuration from the environment, then a
// .env file, then SSM pointers, in that order of precedence. provider may be
// nil when APP_ENV=local.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	if deps.dotenv != nil {
		// No .env outside development; existing variables are kept.
		_ = deps.dotenv()
	}

	if env, _ := deps.lookupEnv("APP_ENV"); env != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, configErr(ErrParsing, err, "failed to process environment configuration")
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, configErr(ErrValidation, err, "configuration validation failed")
	}
	return &cfg, nil
}

type ssmBinding struct {
	target string
	path   string
}

// collectSSMBindings returns the pointers whose target is unset, sorted by
// target. A variable already in the environment is never replaced.
func collectSSMBindings(deps loaderDeps) []ssmBinding {
	var out []ssmBinding
	for _, kv := range deps.environ() {
		key, path, ok := strings.Cut(kv, "=")
		target, isPointer := strings.CutSuffix(key, ssmParamSuffix)
		if !ok || !isPointer || path == "" {
			continue
		}
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		out = append(out, ssmBinding{target: target, path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].target < out[j].target })
	return out
}

// resolveSSMParams fetches all pending pointers in a single call and exports
// the values so envconfig sees them. Two targets may share one path.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	bindings := collectSSMBindings(deps)
	if len(bindings) == 0 {
		return nil
	}

	targets := make([]string, len(bindings))
	var paths []string
	for i, b := range bindings {
		targets[i] = b.target
		if !slices.Contains(paths, b.path) {
			paths = append(paths, b.path)
		}
	}

	if provider == nil {
		return configErr(ErrSSMResolution, nil,
			"SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", "))
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return configErr(ErrSSMResolution, err, "failed to resolve %d SSM parameters", len(paths))
	}

	var missing []string
	for _, b := range bindings {
		v, ok := values[b.path]
		if !ok {
			missing = append(missing, b.target)
			continue
		}
		if err := deps.setEnv(b.target, v); err != nil {
			return configErr(ErrSSMResolution, err, "failed to set resolved value for %s", b.target)
		}
	}
	if len(missing) > 0 {
		return configErr(ErrMissingEnv, nil, "SSM parameters not found for: %s", strings.Join(missing, ", "))
	}
	return nil
}
