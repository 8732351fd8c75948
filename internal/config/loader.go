package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads and holds the active configuration. Get is safe for
// concurrent use; Load/Reload swap the config atomically.
type Loader struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

// NewLoader creates a loader pre-populated with DefaultConfig.
func NewLoader() *Loader {
	return &Loader{config: DefaultConfig()}
}

// DefaultSearchPaths returns the locations probed when no explicit config
// path is given, in priority order.
func DefaultSearchPaths() []string {
	paths := []string{"./pulse.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pulse", "pulse.yaml"))
	}
	paths = append(paths, "/etc/pulse/pulse.yaml")
	return paths
}

// Resolve finds and loads a config file. With an explicit path the file must
// exist; with an empty path the search paths are probed and defaults are used
// when none exists.
func (l *Loader) Resolve(path string) error {
	if path != "" {
		return l.Load(path)
	}
	for _, candidate := range DefaultSearchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return l.Load(candidate)
		}
	}
	return nil // defaults
}

// Load reads, expands, parses, and validates a config file. Values absent
// from the file keep their defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	expanded := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	l.mu.Lock()
	l.config = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the active config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Set replaces the active config. Used when the daemon accepts runtime
// config updates over HTTP.
func (l *Loader) Set(cfg *Config) {
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
}

// FilePath returns the path of the loaded config file, or "" when running
// on defaults.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} references in raw config text. The
// ${VAR:-default} form falls back when the variable is unset.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(groups[1]); ok {
			return val
		}
		return groups[3]
	})
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}

// Validate checks cross-field consistency and rejects values the daemon
// cannot operate with.
func (c *Config) Validate() error {
	if c.Daemon.ListenAddr == "" {
		return fmt.Errorf("daemon.listen_addr must not be empty")
	}
	if c.Daemon.LoopInterval.Std() <= 0 {
		return fmt.Errorf("daemon.loop_interval must be positive")
	}
	if c.Agent.WebhookURL == "" {
		return fmt.Errorf("agent.webhook_url must not be empty")
	}
	if !strings.HasPrefix(c.Agent.WebhookURL, "http://") && !strings.HasPrefix(c.Agent.WebhookURL, "https://") {
		return fmt.Errorf("agent.webhook_url must be an http(s) URL, got %q", c.Agent.WebhookURL)
	}
	if c.Agent.MaxTurnsPerHour < 1 {
		return fmt.Errorf("agent.max_turns_per_hour must be >= 1, got %d", c.Agent.MaxTurnsPerHour)
	}
	if c.Drives.PressureRate <= 0 {
		return fmt.Errorf("drives.pressure_rate must be positive, got %g", c.Drives.PressureRate)
	}
	if c.Drives.TriggerThreshold <= 0 {
		return fmt.Errorf("drives.trigger_threshold must be positive, got %g", c.Drives.TriggerThreshold)
	}
	if c.Drives.MaxPressure <= 0 {
		return fmt.Errorf("drives.max_pressure must be positive, got %g", c.Drives.MaxPressure)
	}
	if c.Drives.SuccessDecay < 0 || c.Drives.SuccessDecay > 1 {
		return fmt.Errorf("drives.success_decay must be in [0,1], got %g", c.Drives.SuccessDecay)
	}
	switch c.Evaluator.Mode {
	case "rules", "model":
	default:
		return fmt.Errorf("evaluator.mode must be \"rules\" or \"model\", got %q", c.Evaluator.Mode)
	}
	if c.Evaluator.Mode == "model" && c.Evaluator.Model.BaseURL == "" {
		return fmt.Errorf("evaluator.model.base_url required in model mode")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir must not be empty")
	}
	if c.State.SaveInterval.Std() <= 0 {
		return fmt.Errorf("state.save_interval must be positive")
	}
	if c.Guardrails.MinWeight >= c.Guardrails.MaxWeight {
		return fmt.Errorf("guardrails.min_weight (%g) must be below max_weight (%g)",
			c.Guardrails.MinWeight, c.Guardrails.MaxWeight)
	}
	if c.Guardrails.MaxMutationsPerHour < 1 {
		return fmt.Errorf("guardrails.max_mutations_per_hour must be >= 1")
	}
	for _, seed := range c.Drives.Seeds {
		if seed.Name == "" {
			return fmt.Errorf("drive seed with empty name")
		}
		if seed.Weight < c.Guardrails.MinWeight || seed.Weight > c.Guardrails.MaxWeight {
			return fmt.Errorf("drive %q seed weight %g outside [%g,%g]",
				seed.Name, seed.Weight, c.Guardrails.MinWeight, c.Guardrails.MaxWeight)
		}
	}
	return nil
}

// GenerateDefault writes a commented default config to path. Fails if the
// file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	var buf strings.Builder
	buf.WriteString("# Pulse daemon configuration.\n")
	buf.WriteString("# Values omitted here fall back to built-in defaults.\n\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
