package knugget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrinal-mann/Knugget-new/core"
	"github.com/mrinal-mann/Knugget-new/store"
)

const (
	projectConfigName = "knugget.yaml"
	homeConfigDir     = ".knugget"
	homeConfigName    = "config.yaml"
)

// FileConfig is the YAML shape of the client configuration. Durations
// are Go duration strings ("30s", "5m"); environment references like
// $KNUGGET_BASE_URL are expanded before parsing.
type FileConfig struct {
	BaseURL string `yaml:"base_url"`
	// Listen is the daemon bind address, e.g. "127.0.0.1:7667".
	Listen string `yaml:"listen,omitempty"`
	// Store selects the credential store: file, sqlite or memory.
	Store     string `yaml:"store,omitempty"`
	StorePath string `yaml:"store_path,omitempty"`

	RefreshThreshold string `yaml:"refresh_threshold,omitempty"`
	MonitorInterval  string `yaml:"monitor_interval,omitempty"`
	MonitorCron      string `yaml:"monitor_cron,omitempty"`

	Retry    RetryFileConfig   `yaml:"retry,omitempty"`
	Timeouts TimeoutFileConfig `yaml:"timeouts,omitempty"`

	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	OTLPEndpoint   string   `yaml:"otlp_endpoint,omitempty"`
}

// RetryFileConfig is the retry block of the config file.
type RetryFileConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	BaseDelay   string `yaml:"base_delay,omitempty"`
	MaxDelay    string `yaml:"max_delay,omitempty"`
}

// TimeoutFileConfig is the timeouts block of the config file.
type TimeoutFileConfig struct {
	Request  string `yaml:"request,omitempty"`
	Generate string `yaml:"generate,omitempty"`
}

// DiscoverConfigPath resolves the config file location with first-match
// semantics: the explicit path when given, then ./knugget.yaml, then
// ~/.knugget/config.yaml. found is false when no candidate exists.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// an explicitly named config that is missing is an error
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfigFile reads and parses a config file. Environment variables
// referenced anywhere in the document are expanded first.
func LoadConfigFile(path string) (FileConfig, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// ClientConfig maps the file shape onto a Config. The store is not
// built here; call BuildStore for that, so callers can substitute one.
func (f FileConfig) ClientConfig() (Config, error) {
	refresh, err := parseOptionalDuration("refresh_threshold", f.RefreshThreshold)
	if err != nil {
		return Config{}, err
	}
	request, err := parseOptionalDuration("timeouts.request", f.Timeouts.Request)
	if err != nil {
		return Config{}, err
	}
	generate, err := parseOptionalDuration("timeouts.generate", f.Timeouts.Generate)
	if err != nil {
		return Config{}, err
	}
	retry, err := f.Retry.policy()
	if err != nil {
		return Config{}, err
	}

	return Config{
		BaseURL:          f.BaseURL,
		Retry:            retry,
		RequestTimeout:   request,
		GenerateTimeout:  generate,
		RefreshThreshold: refresh,
		AllowedOrigins:   append([]string(nil), f.AllowedOrigins...),
	}, nil
}

// MonitorSchedule returns the revalidation interval and cron expression
// the file configures. A zero interval means the default applies.
func (f FileConfig) MonitorSchedule() (time.Duration, string, error) {
	interval, err := parseOptionalDuration("monitor_interval", f.MonitorInterval)
	if err != nil {
		return 0, "", err
	}
	return interval, strings.TrimSpace(f.MonitorCron), nil
}

// BuildStore constructs the credential store the file selects. The
// default is the file store at its standard location.
func (f FileConfig) BuildStore() (store.Store, error) {
	path := strings.TrimSpace(f.StorePath)
	switch strings.ToLower(strings.TrimSpace(f.Store)) {
	case "", "file":
		if path != "" {
			return store.NewFileStore(path), nil
		}
		return store.NewDefaultFileStore()
	case "sqlite":
		if path != "" {
			return store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: path, Scope: path})
		}
		return store.NewDefaultSQLiteStore()
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store %q (want file, sqlite or memory)", f.Store)
	}
}

func (r RetryFileConfig) policy() (core.RetryPolicy, error) {
	base, err := parseOptionalDuration("retry.base_delay", r.BaseDelay)
	if err != nil {
		return core.RetryPolicy{}, err
	}
	maxDelay, err := parseOptionalDuration("retry.max_delay", r.MaxDelay)
	if err != nil {
		return core.RetryPolicy{}, err
	}
	if r.MaxAttempts <= 0 && base == 0 && maxDelay == 0 {
		return core.RetryPolicy{}, nil
	}

	policy := core.DefaultRetryPolicy()
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if base > 0 {
		policy.BaseDelay = base
	}
	if maxDelay > 0 {
		policy.MaxDelay = maxDelay
	}
	return policy, nil
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, trimmed, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative duration", field, trimmed)
	}
	return d, nil
}
