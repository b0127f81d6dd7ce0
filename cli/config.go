package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/prompthouse/flowkit/sandbox"
)

// Config is the optional flowkit.yaml configuration: provider API keys,
// the python sandbox endpoint, and the SQLite database location.
type Config struct {
	// DefaultProvider names the provider used for llm nodes when no
	// --provider flag overrides it.
	DefaultProvider string `yaml:"default_provider"`

	// Providers maps provider names to API keys. Keys left empty fall
	// back to the <PROVIDER>_API_KEY environment variable.
	Providers map[string]string `yaml:"providers"`

	// Sandbox configures the python execution service.
	Sandbox sandbox.HTTPConfig `yaml:"sandbox"`

	// SQLitePath is where serve keeps flows, schedules and run history.
	SQLitePath string `yaml:"sqlite_path"`
}

const configFileName = "flowkit.yaml"

// LoadConfig reads configuration from explicitPath when given, otherwise
// from ./flowkit.yaml, otherwise from ~/.flowkit/config.yaml. A missing
// discovered file is not an error; a missing explicit file is.
func LoadConfig(explicitPath string) (Config, error) {
	var cfg Config

	path := strings.TrimSpace(explicitPath)
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path from flag
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
		return cfg, nil
	}

	for _, candidate := range configCandidates() {
		data, err := os.ReadFile(candidate) // #nosec G304 -- fixed candidates
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", candidate, err)
		}
		return cfg, nil
	}
	return cfg, nil
}

func configCandidates() []string {
	candidates := []string{configFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".flowkit", "config.yaml"))
	}
	return candidates
}

// DefaultSQLitePath is ~/.flowkit/flowkit.db, created on demand.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".flowkit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return filepath.Join(dir, "flowkit.db"), nil
}

// applyProviderFlags folds repeatable --provider-key name=key flags into
// the config's provider map. Flags win over file values.
func applyProviderFlags(cfg *Config, flags []string) error {
	for _, raw := range flags {
		name, key, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || key == "" {
			return fmt.Errorf("provider flag %q must be name=key", raw)
		}
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]string)
		}
		cfg.Providers[strings.ToLower(name)] = key
	}
	return nil
}

// resolveAPIKey returns the configured key for a provider, falling back
// to the <PROVIDER>_API_KEY environment variable.
func (c Config) resolveAPIKey(provider string) string {
	if key := c.Providers[provider]; key != "" {
		return key
	}
	envKey := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	return os.Getenv(envKey)
}

// providerName picks the provider for llm nodes: the flag when set, then
// the config default, then "anthropic".
func (c Config) providerName(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return strings.ToLower(v)
	}
	if c.DefaultProvider != "" {
		return strings.ToLower(c.DefaultProvider)
	}
	return "anthropic"
}
