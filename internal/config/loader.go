package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and classifies the failing step.
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

// ssmParamSuffix marks pointer variables: RABBITMQ_URL_SSM_PARAM names the SSM
// path holding the value for RABBITMQ_URL.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps holds the environment accessors so tests avoid mutating process
// state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the process configuration.
//
// Steps: force UTC, load .env (optional), resolve _SSM_PARAM pointers unless
// APP_ENV=local, populate Config via envconfig, attach build info, validate.
// provider may be nil in local environments.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Does not override variables already present in the environment.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// resolveSSMParams fetches every *_SSM_PARAM pointer in one batch and injects
// the resolved values under the stripped name. Targets that are already set
// are left alone (Env > Dotenv > SSM).
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths, targets []string

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		path := entry[eq+1:]
		if path == "" {
			continue
		}
		pathToTarget[path] = target
		paths = append(paths, path)
		targets = append(targets, target)
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, pathToTarget[path])
			continue
		}
		if err := deps.setEnv(pathToTarget[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", pathToTarget[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
