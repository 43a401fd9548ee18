package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"finger/internal/daemon"
	"finger/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control the background daemon",
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonStatusCmd)
}

func supervisor() (*daemon.Supervisor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg, logging.FromFunc(func(level, line string) {
		switch level {
		case "WARN", "ERROR":
			fmt.Println(yellow(line))
		default:
			fmt.Println(gray(line))
		}
	})), nil
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := supervisor()
		if err != nil {
			return exitWith(1, err)
		}
		if err := s.Start(cmd.Context()); err != nil {
			fmt.Println(red("start failed: " + err.Error()))
			return exitWith(1, err)
		}
		fmt.Println(green(fmt.Sprintf("daemon started (pid %d)", s.PID())))
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := supervisor()
		if err != nil {
			return exitWith(2, err)
		}
		if err := s.Stop(); err != nil {
			fmt.Println(red("stop failed: " + err.Error()))
			return exitWith(2, err)
		}
		fmt.Println(green("daemon stopped"))
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := supervisor()
		if err != nil {
			return exitWith(1, err)
		}
		if err := s.Restart(cmd.Context()); err != nil {
			fmt.Println(red("restart failed: " + err.Error()))
			return exitWith(1, err)
		}
		fmt.Println(green(fmt.Sprintf("daemon restarted (pid %d)", s.PID())))
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := supervisor()
		if err != nil {
			return err
		}
		if s.IsRunning() {
			fmt.Println(green(fmt.Sprintf("running (pid %d)", s.PID())))
		} else {
			fmt.Println(gray("not running"))
		}
		return nil
	},
}
