package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" decode
// directly into config fields.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Pulse configuration.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Agent      AgentConfig      `yaml:"agent"`
	Drives     DrivesConfig     `yaml:"drives"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	State      StateConfig      `yaml:"state"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Mutations  MutationsConfig  `yaml:"mutations"`
}

// DaemonConfig controls the main loop and HTTP surface.
type DaemonConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LoopInterval    Duration `yaml:"loop_interval"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	LogLevel        string   `yaml:"log_level"`
}

// AgentConfig describes the agent host the daemon wakes via webhook.
type AgentConfig struct {
	WebhookURL         string   `yaml:"webhook_url"`
	Token              string   `yaml:"token"`
	AuthHeader         string   `yaml:"auth_header"` // header carrying "Bearer <token>"
	MessagePrefix      string   `yaml:"message_prefix"`
	MaxTurnsPerHour    int      `yaml:"max_turns_per_hour"`
	MinTriggerInterval Duration `yaml:"min_trigger_interval"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	MaxRetries         int      `yaml:"max_retries"`
}

// DriveSeed declares a drive created on first startup. Sources are files or
// directories whose modification feeds the drive.
type DriveSeed struct {
	Name    string   `yaml:"name"`
	Weight  float64  `yaml:"weight"`
	Sources []string `yaml:"sources"`
}

// DrivesConfig holds the pressure model parameters. PressureRate is pressure
// gained per minute of elapsed time at weight 1.0.
type DrivesConfig struct {
	PressureRate           float64     `yaml:"pressure_rate"`
	TriggerThreshold       float64     `yaml:"trigger_threshold"`
	MaxPressure            float64     `yaml:"max_pressure"`
	SuccessDecay           float64     `yaml:"success_decay"`
	FailureBoost           float64     `yaml:"failure_boost"`
	SourceSpike            float64     `yaml:"source_spike"`
	ProportionalDecayScale float64     `yaml:"proportional_decay_scale"`
	AdaptiveDecay          bool        `yaml:"adaptive_decay"`
	MaxEvolveDelta         float64     `yaml:"max_evolve_delta"`
	EvolveEveryLoops       int         `yaml:"evolve_every_loops"`
	Seeds                  []DriveSeed `yaml:"seeds"`
}

// EvaluatorConfig selects and tunes the trigger evaluator.
type EvaluatorConfig struct {
	Mode                       string          `yaml:"mode"` // "rules" or "model"
	MinDriveFloor              float64         `yaml:"min_drive_floor"`
	HighPressureThreshold      float64         `yaml:"high_pressure_threshold"`
	IdleWindow                 Duration        `yaml:"idle_window"`
	SuppressDuringConversation bool            `yaml:"suppress_during_conversation"`
	ConversationCooldown       Duration        `yaml:"conversation_cooldown"`
	Model                      ModelEvalConfig `yaml:"model"`
}

// ModelEvalConfig configures the LLM gate for the model evaluator. Any
// OpenAI-compatible chat completions endpoint works.
type ModelEvalConfig struct {
	BaseURL          string   `yaml:"base_url"`
	APIKey           string   `yaml:"api_key"`
	Model            string   `yaml:"model"`
	MaxTokens        int      `yaml:"max_tokens"`
	Temperature      float64  `yaml:"temperature"`
	Timeout          Duration `yaml:"timeout"`
	MaxSuppress      Duration `yaml:"max_suppress"`
	MaxFailures      int      `yaml:"max_failures"`
	RecoveryInterval Duration `yaml:"recovery_interval"`
}

// SensorsConfig configures the built-in sensors.
type SensorsConfig struct {
	ReadBudget   Duration                 `yaml:"read_budget"`
	Filesystem   FilesystemSensorConfig   `yaml:"filesystem"`
	Conversation ConversationSensorConfig `yaml:"conversation"`
	System       SystemSensorConfig       `yaml:"system"`
}

type FilesystemSensorConfig struct {
	Enabled          bool     `yaml:"enabled"`
	WatchPaths       []string `yaml:"watch_paths"`
	IgnorePatterns   []string `yaml:"ignore_patterns"`
	IgnoreSelfWrites bool     `yaml:"ignore_self_writes"`
}

type ConversationSensorConfig struct {
	SessionDirs       []string `yaml:"session_dirs"`
	SizeFloorBytes    int64    `yaml:"size_floor_bytes"`
	ActivityThreshold Duration `yaml:"activity_threshold"`
}

type SystemSensorConfig struct {
	Enabled        bool     `yaml:"enabled"`
	WatchProcesses []string `yaml:"watch_processes"`
	MinFreeMemMB   int      `yaml:"min_free_mem_mb"`
	MinFreeDiskMB  int      `yaml:"min_free_disk_mb"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

// StateConfig controls persistence under the state directory.
type StateConfig struct {
	Dir             string   `yaml:"dir"`
	SaveInterval    Duration `yaml:"save_interval"`
	AuditMaxBytes   int64    `yaml:"audit_max_bytes"`
	HistoryMaxBytes int64    `yaml:"history_max_bytes"`
	RetentionDays   int      `yaml:"retention_days"`
}

// ConstraintConfig is an operator-defined guardrail predicate. The CEL
// condition is evaluated against each proposed mutation; a true result
// rejects it, citing Name as the violated rule.
type ConstraintConfig struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Message   string `yaml:"message"`
}

// GuardrailsConfig holds the hard limits on self-modification.
type GuardrailsConfig struct {
	MinWeight           float64            `yaml:"min_weight"`
	MaxWeight           float64            `yaml:"max_weight"`
	ProtectedMinWeight  float64            `yaml:"protected_min_weight"`
	MaxWeightDelta      float64            `yaml:"max_weight_delta"`
	MinThreshold        float64            `yaml:"min_threshold"`
	MaxThreshold        float64            `yaml:"max_threshold"`
	MinRate             float64            `yaml:"min_rate"`
	MaxRate             float64            `yaml:"max_rate"`
	MinCooldown         Duration           `yaml:"min_cooldown"`
	MaxCooldown         Duration           `yaml:"max_cooldown"`
	MinTurnsPerHour     int                `yaml:"min_turns_per_hour"`
	MaxTurnsPerHour     int                `yaml:"max_turns_per_hour"`
	MaxManualDelta      float64            `yaml:"max_manual_delta"`
	MaxDrives           int                `yaml:"max_drives"`
	ProtectedDrives     []string           `yaml:"protected_drives"`
	MaxMutationsPerHour int                `yaml:"max_mutations_per_hour"`
	Constraints         []ConstraintConfig `yaml:"constraints"`
}

// MutationsConfig controls the self-modification intake surface.
type MutationsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ListenAddr:      "127.0.0.1:9719",
			LoopInterval:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			LogLevel:        "info",
		},
		Agent: AgentConfig{
			WebhookURL:         "http://127.0.0.1:18789/hooks/agent",
			AuthHeader:         "Authorization",
			MessagePrefix:      "[PULSE]",
			MaxTurnsPerHour:    10,
			MinTriggerInterval: Duration(5 * time.Minute),
			RequestTimeout:     Duration(10 * time.Second),
			MaxRetries:         2,
		},
		Drives: DrivesConfig{
			PressureRate:           0.05,
			TriggerThreshold:       5.0,
			MaxPressure:            10.0,
			SuccessDecay:           0.7,
			FailureBoost:           0.2,
			SourceSpike:            1.5,
			ProportionalDecayScale: 2.0,
			AdaptiveDecay:          true,
			MaxEvolveDelta:         0.05,
			EvolveEveryLoops:       20,
			Seeds: []DriveSeed{
				{Name: "goals", Weight: 1.0},
				{Name: "growth", Weight: 0.8},
				{Name: "curiosity", Weight: 0.6},
				{Name: "unfinished", Weight: 0.6},
			},
		},
		Evaluator: EvaluatorConfig{
			Mode:                       "rules",
			MinDriveFloor:              1.5,
			HighPressureThreshold:      10.0,
			IdleWindow:                 Duration(30 * time.Minute),
			SuppressDuringConversation: true,
			ConversationCooldown:       Duration(5 * time.Minute),
			Model: ModelEvalConfig{
				BaseURL:          "http://127.0.0.1:11434/v1",
				APIKey:           "${PULSE_MODEL_API_KEY}",
				Model:            "llama3.2:3b",
				MaxTokens:        512,
				Temperature:      0.3,
				Timeout:          Duration(10 * time.Second),
				MaxSuppress:      Duration(30 * time.Minute),
				MaxFailures:      3,
				RecoveryInterval: Duration(5 * time.Minute),
			},
		},
		Sensors: SensorsConfig{
			ReadBudget: Duration(time.Second),
			Filesystem: FilesystemSensorConfig{
				Enabled:          true,
				IgnorePatterns:   []string{".git", "*.tmp", "*.swp", "node_modules"},
				IgnoreSelfWrites: true,
			},
			Conversation: ConversationSensorConfig{
				SizeFloorBytes:    100_000,
				ActivityThreshold: Duration(2 * time.Minute),
			},
			System: SystemSensorConfig{
				Enabled:        true,
				MinFreeMemMB:   200,
				MinFreeDiskMB:  1024,
				CommandTimeout: Duration(time.Second),
			},
		},
		State: StateConfig{
			Dir:             "~/.pulse/state",
			SaveInterval:    Duration(60 * time.Second),
			AuditMaxBytes:   5 * 1024 * 1024,
			HistoryMaxBytes: 5 * 1024 * 1024,
			RetentionDays:   30,
		},
		Guardrails: GuardrailsConfig{
			MinWeight:           0.05,
			MaxWeight:           3.0,
			ProtectedMinWeight:  0.25,
			MaxWeightDelta:      0.1,
			MinThreshold:        0.5,
			MaxThreshold:        50.0,
			MinRate:             0.001,
			MaxRate:             1.0,
			MinCooldown:         Duration(60 * time.Second),
			MaxCooldown:         Duration(7200 * time.Second),
			MinTurnsPerHour:     1,
			MaxTurnsPerHour:     60,
			MaxManualDelta:      2.0,
			MaxDrives:           15,
			ProtectedDrives:     []string{"goals", "growth"},
			MaxMutationsPerHour: 10,
		},
		Mutations: MutationsConfig{Enabled: true},
	}
}
