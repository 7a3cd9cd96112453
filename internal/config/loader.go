// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC so unix timestamps render identically everywhere.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Outside local mode, resolve *_SSM_PARAM pointers through the
//     SecretProvider and inject the values into the environment.
//  4. Populate Config from envconfig struct tags.
//  5. Attach linker-injected BuildInfo.
//  6. Validate struct tags, then the cross-field payload limits.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"mailrelay/internal/notifications/webhook"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks an environment variable whose value is an SSM path.
// DISCORD_BOT_TOKEN_SSM_PARAM=/prod/mailrelay/bot-token resolves DISCORD_BOT_TOKEN.
const ssmParamSuffix = "_SSM_PARAM"

const (
	localEnv   = "local"
	ssmTimeout = 30 * time.Second
)

// env abstracts the process environment so tests never touch os globals.
type env struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func osEnv() env {
	return env{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// LoadConfig loads and validates the relay configuration. provider may be nil
// when APP_ENV=local or when no *_SSM_PARAM variables are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return load(provider, osEnv())
}

func load(provider SecretProvider, e env) (*Config, error) {
	time.Local = time.UTC

	// godotenv.Load never overrides variables that are already set.
	_ = godotenv.Load()

	if appEnv, _ := e.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, e); err != nil {
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
	if err := validateLimits(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateLimits enforces relationships that struct tags cannot express.
func validateLimits(cfg *Config) error {
	d := cfg.Discord
	if d.UnitSizeLimit < webhook.MinUnitSizeLimit {
		return &ConfigError{
			Type: ErrValidation,
			Message: fmt.Sprintf("UNIT_SIZE_LIMIT (%d) must be at least %d to hold a full title, author and footer",
				d.UnitSizeLimit, webhook.MinUnitSizeLimit),
		}
	}
	if d.UnitSizeLimit > d.TotalPayloadLimit {
		return &ConfigError{
			Type: ErrValidation,
			Message: fmt.Sprintf("UNIT_SIZE_LIMIT (%d) must not exceed TOTAL_PAYLOAD_LIMIT (%d)",
				d.UnitSizeLimit, d.TotalPayloadLimit),
		}
	}
	if d.AllowPrivateHosts && cfg.Environment != localEnv {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "EGRESS_ALLOW_PRIVATE is only permitted when APP_ENV=local",
		}
	}
	f := cfg.Fetch
	if f.MaxDelay < f.MinDelay {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("FETCH_MAX_DELAY (%s) must not be below FETCH_MIN_DELAY (%s)", f.MaxDelay, f.MinDelay),
		}
	}
	return nil
}

// ResolveSecrets runs only the SSM resolution step. Entry points that read a
// handful of variables directly can call it before os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	e := osEnv()
	if appEnv, _ := e.lookup("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, e)
}

// resolveSSMParams collects every FOO_SSM_PARAM=/path whose FOO is still
// unset, fetches the paths in one batch and exports the values as FOO.
func resolveSSMParams(provider SecretProvider, e env) error {
	targets := make(map[string]string) // ssm path -> env var
	for _, entry := range e.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || path == "" || !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := e.lookup(target); set {
			continue
		}
		targets[path] = target
	}
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required outside local mode (need to resolve: %s)", strings.Join(targetNames(paths, targets), ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmTimeout)
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
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, targets[p])
			continue
		}
		if err := e.set(targets[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to export resolved value for %s", targets[p]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func targetNames(paths []string, targets map[string]string) []string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, targets[p])
	}
	return names
}
