package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvLookup resolves environment variables; swapped out in tests.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
	readFile  func(path string) ([]byte, error)
	homeDir   func() (string, error)
	overrides func(cfg *Config)
	filePath  string
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnv replaces the environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader replaces the config-file reader.
func WithFileReader(read func(path string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = read }
}

// WithHomeDir replaces home directory resolution.
func WithHomeDir(home func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = home }
}

// WithOverrides applies caller overrides after file and env layers.
func WithOverrides(fn func(cfg *Config)) Option {
	return func(o *loadOptions) { o.overrides = fn }
}

// WithFile reads configuration from an explicit path instead of
// <home>/config.yaml.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.filePath = path }
}

// Metadata records per-field provenance for diagnostics.
type Metadata struct {
	Sources  map[string]ValueSource
	LoadedAt time.Time
}

// Load assembles the Config: defaults, then the YAML file, then FINGER_*
// environment variables, then caller overrides.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{Sources: map[string]ValueSource{}, LoadedAt: time.Now()}

	home, err := options.homeDir()
	if err != nil {
		return Config{}, Metadata{}, fmt.Errorf("resolve home dir: %w", err)
	}

	cfg := Config{
		Home:              filepath.Join(home, ".finger"),
		Host:              DefaultHost,
		Port:              DefaultPort,
		KernelBinary:      DefaultKernelBinary,
		ProviderID:        DefaultProviderID,
		TurnTimeout:       DefaultTurnTimeout,
		TimeoutRetryCount: DefaultTimeoutRetryCount,
		MaxRounds:         DefaultMaxRounds,
		OnStuck:           DefaultOnStuck,
		MaxRejections:     DefaultMaxRejections,
		FormatFixRetries:  DefaultFormatFixRetries,
		PreservedCycles:   DefaultPreservedCycles,
		MaxContextTokens:  DefaultMaxContextTokens,
		CompressionRatio:  DefaultCompressionRatio,
		CompressAfterMsgs: DefaultCompressAfterMsgs,
		MailboxRetention:  DefaultMailboxRetention,
		MailboxTTL:        DefaultMailboxTTL,
		BusHistory:        DefaultBusHistory,
		StartupDelay:      DefaultStartupDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		CheckpointKeep:    DefaultCheckpointKeep,
		TrackerBinary:     "bd",
		CapabilityRules:   DefaultCapabilityRules(),
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	if options.overrides != nil {
		options.overrides(&cfg)
		meta.Sources["overrides"] = SourceOverride
	}

	normalize(&cfg)
	return cfg, meta, nil
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// "absent" from zero; durations are plain integers (seconds or ms) because
// yaml.v3 has no native duration syntax.
type fileConfig struct {
	Home               *string          `yaml:"home"`
	Host               *string          `yaml:"host"`
	Port               *int             `yaml:"port"`
	KernelBinary       *string          `yaml:"kernel_binary"`
	ProviderID         *string          `yaml:"provider_id"`
	TurnTimeoutSeconds *int             `yaml:"turn_timeout_seconds"`
	TimeoutRetryCount  *int             `yaml:"timeout_retry_count"`
	TestMode           *bool            `yaml:"test_mode"`
	MaxRounds          *int             `yaml:"max_rounds"`
	OnStuck            *int             `yaml:"on_stuck"`
	MaxRejections      *int             `yaml:"max_rejections"`
	FormatFixRetries   *int             `yaml:"format_fix_retries"`
	PreservedCycles    *int             `yaml:"preserved_cycles"`
	MaxContextTokens   *int             `yaml:"max_context_tokens"`
	CompressionRatio   *float64         `yaml:"compression_ratio"`
	CompressAfterMsgs  *int             `yaml:"compress_after_messages"`
	MailboxRetention   *int             `yaml:"mailbox_retention"`
	MailboxTTLSeconds  *int             `yaml:"mailbox_ttl_seconds"`
	BusHistory         *int             `yaml:"bus_history"`
	PersistEvents      *bool            `yaml:"persist_events"`
	StartupDelayMs     *int             `yaml:"startup_delay_ms"`
	HeartbeatSeconds   *int             `yaml:"heartbeat_seconds"`
	CheckpointKeep     *int             `yaml:"checkpoint_keep"`
	TrackerBinary      *string          `yaml:"tracker_binary"`
	CapabilityRules    []CapabilityRule `yaml:"capability_rules"`
}

func applyFile(cfg *Config, meta *Metadata, options loadOptions) error {
	path := options.filePath
	if path == "" {
		path = filepath.Join(cfg.Home, "config.yaml")
	}
	data, err := options.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString := func(target *string, value *string) {
		if value != nil && *value != "" {
			*target = *value
		}
	}
	setInt := func(target *int, value *int) {
		if value != nil {
			*target = *value
		}
	}
	setBool := func(target *bool, value *bool) {
		if value != nil {
			*target = *value
		}
	}

	setString(&cfg.Home, file.Home)
	setString(&cfg.Host, file.Host)
	setInt(&cfg.Port, file.Port)
	setString(&cfg.KernelBinary, file.KernelBinary)
	setString(&cfg.ProviderID, file.ProviderID)
	if file.TurnTimeoutSeconds != nil {
		cfg.TurnTimeout = time.Duration(*file.TurnTimeoutSeconds) * time.Second
	}
	setInt(&cfg.TimeoutRetryCount, file.TimeoutRetryCount)
	setBool(&cfg.TestMode, file.TestMode)
	setInt(&cfg.MaxRounds, file.MaxRounds)
	setInt(&cfg.OnStuck, file.OnStuck)
	setInt(&cfg.MaxRejections, file.MaxRejections)
	setInt(&cfg.FormatFixRetries, file.FormatFixRetries)
	setInt(&cfg.PreservedCycles, file.PreservedCycles)
	setInt(&cfg.MaxContextTokens, file.MaxContextTokens)
	if file.CompressionRatio != nil {
		cfg.CompressionRatio = *file.CompressionRatio
	}
	setInt(&cfg.CompressAfterMsgs, file.CompressAfterMsgs)
	setInt(&cfg.MailboxRetention, file.MailboxRetention)
	if file.MailboxTTLSeconds != nil {
		cfg.MailboxTTL = time.Duration(*file.MailboxTTLSeconds) * time.Second
	}
	setInt(&cfg.BusHistory, file.BusHistory)
	setBool(&cfg.PersistEvents, file.PersistEvents)
	if file.StartupDelayMs != nil {
		cfg.StartupDelay = time.Duration(*file.StartupDelayMs) * time.Millisecond
	}
	if file.HeartbeatSeconds != nil {
		cfg.HeartbeatInterval = time.Duration(*file.HeartbeatSeconds) * time.Second
	}
	setInt(&cfg.CheckpointKeep, file.CheckpointKeep)
	setString(&cfg.TrackerBinary, file.TrackerBinary)
	if len(file.CapabilityRules) > 0 {
		cfg.CapabilityRules = file.CapabilityRules
	}

	meta.Sources["file"] = SourceFile
	return nil
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup) {
	setString := func(key string, target *string) {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
			meta.Sources[key] = SourceEnv
		}
	}
	setInt := func(key string, target *int) {
		if value, ok := lookup(key); ok {
			if parsed, err := strconv.Atoi(value); err == nil {
				*target = parsed
				meta.Sources[key] = SourceEnv
			}
		}
	}
	setBool := func(key string, target *bool) {
		if value, ok := lookup(key); ok {
			if parsed, err := strconv.ParseBool(value); err == nil {
				*target = parsed
				meta.Sources[key] = SourceEnv
			}
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if value, ok := lookup(key); ok {
			if parsed, err := time.ParseDuration(value); err == nil {
				*target = parsed
				meta.Sources[key] = SourceEnv
			}
		}
	}

	setString("FINGER_HOME", &cfg.Home)
	setString("FINGER_HOST", &cfg.Host)
	setInt("FINGER_PORT", &cfg.Port)
	setString("FINGER_KERNEL_BIN", &cfg.KernelBinary)
	setString("FINGER_PROVIDER", &cfg.ProviderID)
	setDuration("FINGER_TURN_TIMEOUT", &cfg.TurnTimeout)
	setInt("FINGER_TIMEOUT_RETRY_COUNT", &cfg.TimeoutRetryCount)
	setBool("FINGER_TEST_MODE", &cfg.TestMode)
	setInt("FINGER_MAX_ROUNDS", &cfg.MaxRounds)
	setBool("FINGER_PERSIST_EVENTS", &cfg.PersistEvents)
	setString("FINGER_TRACKER_BIN", &cfg.TrackerBinary)
	setDuration("FINGER_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
}

func normalize(cfg *Config) {
	cfg.Home = expandHome(cfg.Home)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	if cfg.CompressionRatio <= 0 || cfg.CompressionRatio > 1 {
		cfg.CompressionRatio = DefaultCompressionRatio
	}
	if cfg.PreservedCycles < 1 {
		cfg.PreservedCycles = DefaultPreservedCycles
	}
	if strings.TrimSpace(cfg.ProviderID) == "" {
		cfg.ProviderID = DefaultProviderID
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
