package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 7433
	DefaultKernelBinary      = "finger-kernel"
	DefaultProviderID        = "crsb"
	DefaultTurnTimeout       = 120 * time.Second
	DefaultTimeoutRetryCount = 2
	DefaultMaxRounds         = 25
	DefaultOnStuck           = 3
	DefaultMaxRejections     = 3
	DefaultFormatFixRetries  = 2
	DefaultPreservedCycles   = 3
	DefaultMaxContextTokens  = 128000
	DefaultCompressionRatio  = 0.8
	DefaultCompressAfterMsgs = 50
	DefaultMailboxRetention  = 200
	DefaultMailboxTTL        = time.Hour
	DefaultBusHistory        = 1000
	DefaultStartupDelay      = 1500 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCheckpointKeep    = 20
)

// CapabilityRule maps a description keyword onto a resource requirement.
// PARALLEL_DISPATCH infers task requirements by scanning descriptions against
// these rules; the table is configuration so the heuristic stays inspectable.
type CapabilityRule struct {
	Keyword    string `json:"keyword" yaml:"keyword"`
	Type       string `json:"type" yaml:"type"`
	Capability string `json:"capability" yaml:"capability"`
	MinLevel   int    `json:"min_level" yaml:"min_level"`
}

// Config captures every tunable the daemon binaries share.
type Config struct {
	Home string `json:"home" yaml:"home"`

	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	KernelBinary      string        `json:"kernel_binary" yaml:"kernel_binary"`
	ProviderID        string        `json:"provider_id" yaml:"provider_id"`
	TurnTimeout       time.Duration `json:"turn_timeout" yaml:"turn_timeout"`
	TimeoutRetryCount int           `json:"timeout_retry_count" yaml:"timeout_retry_count"`
	TestMode          bool          `json:"test_mode" yaml:"test_mode"`

	MaxRounds        int `json:"max_rounds" yaml:"max_rounds"`
	OnStuck          int `json:"on_stuck" yaml:"on_stuck"`
	MaxRejections    int `json:"max_rejections" yaml:"max_rejections"`
	FormatFixRetries int `json:"format_fix_retries" yaml:"format_fix_retries"`

	PreservedCycles   int     `json:"preserved_cycles" yaml:"preserved_cycles"`
	MaxContextTokens  int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	CompressionRatio  float64 `json:"compression_ratio" yaml:"compression_ratio"`
	CompressAfterMsgs int     `json:"compress_after_messages" yaml:"compress_after_messages"`

	MailboxRetention int           `json:"mailbox_retention" yaml:"mailbox_retention"`
	MailboxTTL       time.Duration `json:"mailbox_ttl" yaml:"mailbox_ttl"`

	BusHistory    int  `json:"bus_history" yaml:"bus_history"`
	PersistEvents bool `json:"persist_events" yaml:"persist_events"`

	StartupDelay      time.Duration `json:"startup_delay" yaml:"startup_delay"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	CheckpointKeep    int           `json:"checkpoint_keep" yaml:"checkpoint_keep"`

	TrackerBinary string `json:"tracker_binary" yaml:"tracker_binary"`

	CapabilityRules []CapabilityRule `json:"capability_rules" yaml:"capability_rules"`
}

// DefaultCapabilityRules is the built-in keyword table for requirement
// inference. Lexical, not semantic; overridable from the config file.
func DefaultCapabilityRules() []CapabilityRule {
	return []CapabilityRule{
		{Keyword: "file", Type: "executor", Capability: "file_ops", MinLevel: 3},
		{Keyword: "write", Type: "executor", Capability: "file_ops", MinLevel: 3},
		{Keyword: "read", Type: "executor", Capability: "file_ops", MinLevel: 3},
		{Keyword: "create", Type: "executor", Capability: "file_ops", MinLevel: 3},
		{Keyword: "search", Type: "executor", Capability: "web_search", MinLevel: 3},
		{Keyword: "web", Type: "executor", Capability: "web_search", MinLevel: 3},
		{Keyword: "fetch", Type: "executor", Capability: "web_search", MinLevel: 3},
		{Keyword: "command", Type: "executor", Capability: "shell", MinLevel: 3},
		{Keyword: "run", Type: "executor", Capability: "shell", MinLevel: 3},
		{Keyword: "script", Type: "executor", Capability: "shell", MinLevel: 3},
		{Keyword: "review", Type: "reviewer", Capability: "code_review", MinLevel: 5},
		{Keyword: "verify", Type: "reviewer", Capability: "code_review", MinLevel: 5},
		{Keyword: "api", Type: "api", Capability: "api_integration", MinLevel: 3},
		{Keyword: "database", Type: "database", Capability: "sql", MinLevel: 3},
		{Keyword: "sql", Type: "database", Capability: "sql", MinLevel: 3},
	}
}

// PIDFile returns ~/.finger/daemon.pid.
func (c Config) PIDFile() string { return filepath.Join(c.Home, "daemon.pid") }

// LogFile returns ~/.finger/daemon.log.
func (c Config) LogFile() string { return filepath.Join(c.Home, "daemon.log") }

// PoolFile returns ~/.finger/resource-pool.json.
func (c Config) PoolFile() string { return filepath.Join(c.Home, "resource-pool.json") }

// SessionsDir returns ~/.finger/sessions.
func (c Config) SessionsDir() string { return filepath.Join(c.Home, "sessions") }

// AutostartDir returns ~/.finger/autostart.
func (c Config) AutostartDir() string { return filepath.Join(c.Home, "autostart") }

// CheckpointsDir returns ~/.finger/checkpoints.
func (c Config) CheckpointsDir() string { return filepath.Join(c.Home, "checkpoints") }

// EventLogDir returns ~/.finger/logs/events.
func (c Config) EventLogDir() string { return filepath.Join(c.Home, "logs", "events") }

// BaseURL returns the daemon's HTTP root.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}
