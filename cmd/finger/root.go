package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"finger/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// exitError carries the process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:           "finger",
	Short:         "Local multi-agent orchestration daemon",
	Long:          "finger decomposes tasks into agent-executed task graphs with\nresource budgeting, checkpointed phases, and live event streaming.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ~/.finger/config.yaml)")
	flags.String("home", "", "state directory (default ~/.finger)")
	flags.String("host", "", "daemon host")
	flags.Int("port", 0, "daemon port")
	flags.String("kernel-binary", "", "kernel executable")
	flags.String("tracker-binary", "", "bd tracker executable")
	flags.String("provider", "", "default kernel provider id")

	// viper carries flag and FINGER_* environment precedence; the config
	// file itself is parsed by internal/config.
	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("FINGER")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(resourcesCmd)
	for _, cmd := range producerCommands() {
		rootCmd.AddCommand(cmd)
	}
}

// loadConfig layers defaults, the config file, FINGER_* environment, and
// whatever flags viper saw.
func loadConfig() (config.Config, error) {
	opts := []config.Option{
		config.WithOverrides(func(cfg *config.Config) {
			if v := viper.GetString("home"); v != "" {
				cfg.Home = v
			}
			if v := viper.GetString("host"); v != "" {
				cfg.Host = v
			}
			if v := viper.GetInt("port"); v != 0 {
				cfg.Port = v
			}
			if v := viper.GetString("kernel-binary"); v != "" {
				cfg.KernelBinary = v
			}
			if v := viper.GetString("tracker-binary"); v != "" {
				cfg.TrackerBinary = v
			}
			if v := viper.GetString("provider"); v != "" {
				cfg.ProviderID = v
			}
		}),
	}
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithFile(path))
	}
	cfg, _, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
