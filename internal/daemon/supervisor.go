package daemon

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"finger/internal/config"
	"finger/internal/errors"
	"finger/internal/logging"
)

// stopGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const stopGrace = 3 * time.Second

// Supervisor owns the daemon lifecycle from outside the server process.
type Supervisor struct {
	cfg    config.Config
	logger logging.Logger
	client *http.Client

	// ServerBinary and ServerArgs name the child to spawn. Empty means the
	// current executable with a "serve" argument.
	ServerBinary string
	ServerArgs   []string
}

// New builds a supervisor over cfg.
func New(cfg config.Config, logger logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// IsRunning probes the PID file and checks the recorded process is alive.
func (s *Supervisor) IsRunning() bool {
	pid, ok, err := ReadPID(s.cfg.PIDFile())
	if err != nil || !ok {
		return false
	}
	return Alive(pid)
}

// PID returns the recorded server PID, or 0 when none is running.
func (s *Supervisor) PID() int {
	pid, ok, err := ReadPID(s.cfg.PIDFile())
	if err != nil || !ok || !Alive(pid) {
		return 0
	}
	return pid
}

// Start brings the daemon up: clear the port, drop any stale PID file, spawn
// the detached server child, wait out the startup delay, then register every
// autostart manifest through the server's module endpoint.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.IsRunning() {
		return errors.Validation("daemon already running (pid %d)", s.PID())
	}
	if err := os.MkdirAll(s.cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.cfg.Home, err)
	}

	s.killPortHolders(s.cfg.Port)
	if err := RemovePID(s.cfg.PIDFile()); err != nil {
		s.logger.Warn("remove stale pid file: %v", err)
	}

	pid, err := s.spawnServer()
	if err != nil {
		return err
	}
	if err := WritePID(s.cfg.PIDFile(), pid); err != nil {
		return fmt.Errorf("record pid: %w", err)
	}
	s.logger.Info("server child started (pid %d)", pid)

	delay := s.cfg.StartupDelay
	if delay <= 0 {
		delay = config.DefaultStartupDelay
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.waitHealthy(ctx); err != nil {
		return err
	}

	registered, err := s.RegisterAutostart(ctx)
	if err != nil {
		s.logger.Warn("autostart registration: %v", err)
	} else if registered > 0 {
		s.logger.Info("registered %d autostart modules", registered)
	}
	return nil
}

// Stop terminates the server child and removes the PID file.
func (s *Supervisor) Stop() error {
	pid, ok, err := ReadPID(s.cfg.PIDFile())
	if err != nil {
		// A malformed file still gets cleared so the next start succeeds.
		s.logger.Warn("%v", err)
		return RemovePID(s.cfg.PIDFile())
	}
	if !ok || !Alive(pid) {
		s.logger.Info("daemon not running")
		return RemovePID(s.cfg.PIDFile())
	}

	proc, ferr := os.FindProcess(pid)
	if ferr != nil {
		return ferr
	}
	if serr := proc.Signal(syscall.SIGTERM); serr != nil {
		return fmt.Errorf("signal pid %d: %w", pid, serr)
	}
	deadline := time.Now().Add(stopGrace)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if Alive(pid) {
		s.logger.Warn("pid %d ignored SIGTERM, killing", pid)
		_ = proc.Kill()
	}
	s.logger.Info("server child stopped (pid %d)", pid)
	return RemovePID(s.cfg.PIDFile())
}

// Restart is stop-then-start.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// spawnServer launches the server as a detached child logging to daemon.log.
func (s *Supervisor) spawnServer() (int, error) {
	binary := s.ServerBinary
	args := s.ServerArgs
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		binary = exe
		args = []string{"serve"}
	}

	logFile, err := os.OpenFile(s.cfg.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", s.cfg.LogFile(), err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	// New session so the child survives this process and its terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	// Reap the child if it ever exits while this supervisor still runs.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// killPortHolders removes whatever holds the daemon port. Best effort: a
// missing lsof or an empty listing is not an error.
func (s *Supervisor) killPortHolders(port int) {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return
	}
	for _, field := range strings.Fields(string(bytes.TrimSpace(out))) {
		pid, perr := strconv.Atoi(field)
		if perr != nil || pid <= 0 || pid == os.Getpid() {
			continue
		}
		proc, ferr := os.FindProcess(pid)
		if ferr != nil {
			continue
		}
		s.logger.Warn("killing pid %d holding port %d", pid, port)
		_ = proc.Signal(syscall.SIGTERM)
	}
}

// waitHealthy polls /healthz until the server answers or ctx expires.
func (s *Supervisor) waitHealthy(ctx context.Context) error {
	url := s.cfg.BaseURL() + "/healthz"
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return errors.Timeout("server did not become healthy at %s", url)
}
