package kernel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"finger/internal/async"
	"finger/internal/logging"
)

const (
	// Scanner buffer bounds for stdout lines; model rounds can carry large
	// tool outputs.
	stdoutBufferInit = 64 * 1024
	stdoutBufferMax  = 1024 * 1024

	// stderrTailLimit bounds the captured stderr ring included in exit errors.
	stderrTailLimit = 20
)

// ProcessConfig configures one kernel child.
type ProcessConfig struct {
	Binary  string
	Args    []string
	Env     map[string]string // appended to the inherited environment
	WorkDir string
	Logger  logging.Logger
}

// Process wraps one running kernel child: submissions in via stdin, decoded
// events out via Events, exit observed via Done.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	logger logging.Logger

	mu         sync.Mutex
	stderrTail []string
	exitErr    error
	exited     bool
	killed     bool
}

// StartProcess spawns the kernel binary and begins pumping its pipes.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, fmt.Errorf("kernel binary is required")
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("kernel binary not found: %w", err)
	}

	cmd := exec.Command(resolved, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start kernel: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		logger: logging.OrNop(cfg.Logger),
	}
	p.logger.Debug("kernel child started: %s (pid %d)", binary, cmd.Process.Pid)

	var pipes sync.WaitGroup
	pipes.Add(2)
	async.Go(p.logger, "kernel.stdout", func() {
		defer pipes.Done()
		p.readStdout(stdout)
	})
	async.Go(p.logger, "kernel.stderr", func() {
		defer pipes.Done()
		p.readStderr(stderr)
	})
	async.Go(p.logger, "kernel.wait", func() {
		// Both pipe readers must drain before Wait reaps the child.
		pipes.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	})

	return p, nil
}

// Submit writes one submission line to the child's stdin.
func (p *Process) Submit(s Submission) error {
	line, err := EncodeSubmission(s)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return fmt.Errorf("kernel process has exited")
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write submission %s: %w", s.ID, err)
	}
	return nil
}

// Events yields decoded stdout events. The channel closes at stdout EOF.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done closes once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// PID returns the child's process id, or -1 after failure to spawn.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Kill terminates the child immediately. Safe to call more than once and
// after exit.
func (p *Process) Kill() {
	p.mu.Lock()
	if p.killed || p.exited {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// StderrTail returns the last captured stderr lines joined by newlines.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}

// ExitError formats how the child ended: exit code or terminating signal,
// with the stderr tail appended when present. Valid once Done has closed.
func (p *Process) ExitError() error {
	p.mu.Lock()
	exitErr := p.exitErr
	tail := strings.Join(p.stderrTail, "\n")
	p.mu.Unlock()

	var desc string
	switch err := exitErr.(type) {
	case nil:
		desc = "kernel process exited with code 0"
	case *exec.ExitError:
		if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			desc = fmt.Sprintf("kernel process killed by signal %s", ws.Signal())
		} else {
			desc = fmt.Sprintf("kernel process exited with code %d", err.ExitCode())
		}
	default:
		desc = fmt.Sprintf("kernel process failed: %v", exitErr)
	}
	if tail != "" {
		desc += "; stderr: " + tail
	}
	return fmt.Errorf("%s", desc)
}

func (p *Process) readStdout(stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, stdoutBufferInit), stdoutBufferMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		evt, err := DecodeEvent(line)
		if err != nil {
			p.logger.Warn("kernel emitted unparseable line: %v", err)
			continue
		}
		p.events <- evt
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		p.logger.Debug("kernel stdout scanner: %v", err)
	}
}

func (p *Process) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("kernel stderr: %s", line)
		p.mu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLimit {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLimit:]
		}
		p.mu.Unlock()
	}
}
