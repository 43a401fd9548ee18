// Package server composes the daemon's runtime: the HTTP message hub, the
// WebSocket event stream, the agent handlers behind mailbox targets, module
// registration, heartbeat, and the autostart watcher. One App owns one of
// everything; cmd/finger's serve command builds an App and runs it in the
// foreground.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"finger/internal/async"
	"finger/internal/bus"
	"finger/internal/checkpoint"
	"finger/internal/config"
	"finger/internal/errors"
	"finger/internal/kernel"
	"finger/internal/logging"
	"finger/internal/loop"
	"finger/internal/mailbox"
	"finger/internal/observability"
	"finger/internal/resource"
	"finger/internal/session"
	"finger/internal/tracker"
)

// Options wires an App. Nil components are built from Config so tests can
// inject doubles while cmd/finger passes only the config.
type Options struct {
	Config config.Config

	Bus         *bus.Bus
	Mailbox     *mailbox.Mailbox
	Pool        *resource.Pool
	Sessions    *session.Manager
	Checkpoints *checkpoint.Store
	Loops       *loop.Manager
	Kernel      *kernel.Manager
	Tracker     tracker.Tracker
	Metrics     *observability.Collectors
	Logger      logging.Logger
}

// App is the assembled daemon runtime.
type App struct {
	cfg    config.Config
	logger logging.Logger

	bus         *bus.Bus
	mailbox     *mailbox.Mailbox
	pool        *resource.Pool
	sessions    *session.Manager
	checkpoints *checkpoint.Store
	loops       *loop.Manager
	kernel      *kernel.Manager
	tracker     tracker.Tracker
	metrics     *observability.Collectors
	modules     *moduleRegistry

	httpServer *http.Server
	started    time.Time

	// sessMu serializes session.Manager access; the manager itself expects a
	// single caller at a time.
	sessMu sync.Mutex

	mu       sync.RWMutex
	agents   map[string]Agent
	stop     chan struct{}
	stopOnce sync.Once
	cleanup  []func()
}

// New builds an App, constructing every component Options leaves nil.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg.Home == "" {
		return nil, errors.Validation("server requires a config home directory")
	}
	logger := logging.OrNop(opts.Logger)

	b := opts.Bus
	if b == nil {
		busCfg := bus.Config{HistoryLimit: cfg.BusHistory, Logger: logging.WithPrefix(logger, "bus")}
		if cfg.PersistEvents {
			sink, err := bus.NewJSONLSink(cfg.EventLogDir())
			if err != nil {
				return nil, fmt.Errorf("open event sink: %w", err)
			}
			busCfg.Sink = sink
		}
		b = bus.New(busCfg)
	}

	mb := opts.Mailbox
	if mb == nil {
		mb = mailbox.New(mailbox.Config{
			RetentionPerTarget: cfg.MailboxRetention,
			CallbackTTL:        cfg.MailboxTTL,
			Logger:             logging.WithPrefix(logger, "mailbox"),
		})
	}

	pool := opts.Pool
	if pool == nil {
		var err error
		pool, err = resource.Open(cfg.PoolFile(), logging.WithPrefix(logger, "pool"))
		if err != nil {
			return nil, fmt.Errorf("open resource pool: %w", err)
		}
	}

	sessions := opts.Sessions
	if sessions == nil {
		var err error
		sessions, err = session.NewManager(session.Config{
			Dir:                   cfg.SessionsDir(),
			CompressAfterMessages: cfg.CompressAfterMsgs,
			Logger:                logging.WithPrefix(logger, "sessions"),
		})
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
	}

	checkpoints := opts.Checkpoints
	if checkpoints == nil {
		var err error
		checkpoints, err = checkpoint.NewStore(cfg.CheckpointsDir(), logging.WithPrefix(logger, "checkpoints"))
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
	}

	loops := opts.Loops
	if loops == nil {
		loops = loop.NewManager(loop.Config{
			Bus:              b,
			Pool:             pool,
			PreservedCycles:  cfg.PreservedCycles,
			MaxContextTokens: cfg.MaxContextTokens,
			CompressionRatio: cfg.CompressionRatio,
			Logger:           logging.WithPrefix(logger, "loops"),
		})
	}

	kern := opts.Kernel
	if kern == nil {
		var err error
		kern, err = kernel.NewManager(kernel.Config{
			Binary:          cfg.KernelBinary,
			DefaultProvider: cfg.ProviderID,
			TurnTimeout:     cfg.TurnTimeout,
			TurnRetryCount:  cfg.TimeoutRetryCount,
			TestMode:        cfg.TestMode,
			Bus:             b,
			Logger:          logging.WithPrefix(logger, "kernel"),
		})
		if err != nil {
			return nil, fmt.Errorf("build kernel manager: %w", err)
		}
	}

	trk := opts.Tracker
	if trk == nil {
		if cfg.TrackerBinary != "" {
			trk = tracker.NewExecTracker(tracker.ExecConfig{
				Binary: cfg.TrackerBinary,
				Logger: logging.WithPrefix(logger, "tracker"),
			})
		} else {
			trk = tracker.NewMemoryTracker()
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Default()
	}

	app := &App{
		cfg:         cfg,
		logger:      logger,
		bus:         b,
		mailbox:     mb,
		pool:        pool,
		sessions:    sessions,
		checkpoints: checkpoints,
		loops:       loops,
		kernel:      kern,
		tracker:     trk,
		metrics:     metrics,
		modules:     newModuleRegistry(logging.WithPrefix(logger, "modules")),
		agents:      map[string]Agent{},
		stop:        make(chan struct{}),
	}
	app.cleanup = append(app.cleanup, observability.Watch(b, metrics))
	app.registerBuiltinAgents()
	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: app.router(),
	}
	return app, nil
}

// Bus exposes the event fabric for tests and embedding callers.
func (a *App) Bus() *bus.Bus { return a.bus }

// Mailbox exposes the async request registry.
func (a *App) Mailbox() *mailbox.Mailbox { return a.mailbox }

// Pool exposes the resource pool.
func (a *App) Pool() *resource.Pool { return a.pool }

// RegisterAgent binds an agent to its mailbox target. Later registrations
// replace earlier ones so modules can shadow built-ins.
func (a *App) RegisterAgent(agent Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[agent.ID()] = agent
}

// agent resolves a mailbox target.
func (a *App) agent(target string) (Agent, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ag, ok := a.agents[target]
	return ag, ok
}

// AgentIDs lists the registered targets, for status surfaces.
func (a *App) AgentIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.agents))
	for id := range a.agents {
		out = append(out, id)
	}
	return out
}

// Run serves HTTP until ctx is cancelled or the listener fails. The
// heartbeat and autostart watcher run for the lifetime of the server.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	a.started = time.Now()
	a.startHeartbeat()
	a.startAutostartWatcher()
	a.logger.Info("daemon serving on %s", a.httpServer.Addr)

	errCh := make(chan error, 1)
	async.Go(a.logger, "http-serve", func() {
		if serveErr := a.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops background work, closes kernel children, and drains HTTP.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	for _, fn := range a.cleanup {
		fn()
	}
	a.kernel.CloseAll(ctx)
	err := a.httpServer.Shutdown(ctx)
	if cerr := a.bus.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.logger.Info("daemon stopped")
	return err
}

// startHeartbeat broadcasts daemon.heartbeat on the configured interval.
func (a *App) startHeartbeat() {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	async.Loop(a.logger, "heartbeat", interval, a.stop, func() {
		a.bus.Emit(bus.Event{
			Type: bus.EventDaemonHeartbeat,
			Payload: map[string]any{
				"uptimeSeconds": int(time.Since(a.started).Seconds()),
				"agents":        len(a.AgentIDs()),
				"pid":           os.Getpid(),
			},
		})
	})
}

// startAutostartWatcher loads every manifest already present and then follows
// the directory with fsnotify so manifests dropped while the daemon runs are
// registered without a restart.
func (a *App) startAutostartWatcher() {
	dir := a.cfg.AutostartDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.logger.Warn("autostart dir %s: %v", dir, err)
		return
	}
	a.loadAutostartDir(dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("autostart watcher: %v", err)
		return
	}
	if err := watcher.Add(dir); err != nil {
		a.logger.Warn("watch %s: %v", dir, err)
		_ = watcher.Close()
		return
	}
	a.cleanup = append(a.cleanup, func() { _ = watcher.Close() })
	async.Go(a.logger, "autostart-watch", func() {
		for {
			select {
			case <-a.stop:
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				a.loadAutostartFile(evt.Name)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("autostart watcher: %v", werr)
			}
		}
	})
}

func (a *App) loadAutostartDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		a.logger.Warn("read autostart dir: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		a.loadAutostartFile(filepath.Join(dir, entry.Name()))
	}
}

func (a *App) loadAutostartFile(path string) {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, ".module.json"):
		manifest, err := LoadManifest(path)
		if err != nil {
			a.logger.Warn("autostart manifest %s: %v", name, err)
			return
		}
		if err := a.RegisterModule(manifest); err != nil {
			a.logger.Warn("register module %s: %v", manifest.Name, err)
		}
	case strings.HasSuffix(name, ".js"):
		manifest := ScriptManifest(path)
		if err := a.RegisterModule(manifest); err != nil {
			a.logger.Warn("register script module %s: %v", manifest.Name, err)
		}
	}
}

// RegisterModule records the manifest and binds a kernel agent for each of
// its declared agents.
func (a *App) RegisterModule(m ModuleManifest) error {
	if err := a.modules.Register(m); err != nil {
		return err
	}
	for _, spec := range m.Agents {
		a.RegisterAgent(a.newKernelAgent(spec.ID, spec.SystemPrompt, spec.Provider))
	}
	a.logger.Info("module %s v%s registered (%d agents)", m.Name, m.Version, len(m.Agents))
	return nil
}
