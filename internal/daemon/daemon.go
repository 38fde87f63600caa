package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"go.olrik.dev/stm/internal/control"
	"go.olrik.dev/stm/internal/core"
	"go.olrik.dev/stm/internal/db"
	"go.olrik.dev/stm/internal/history"
	"go.olrik.dev/stm/internal/orchestrator"
	"go.olrik.dev/stm/internal/power"
	"go.olrik.dev/stm/internal/sshconfig"
)

// Daemon hosts the orchestrator and serves IPC on a unix socket.
type Daemon struct {
	cfg  *core.Configuration
	opts Options
	log  *slog.Logger

	orch         *orchestrator.Orchestrator
	health       *orchestrator.HealthMonitor
	sleep        *power.SleepMonitor
	history      *history.Store
	database     *db.DB
	recorder     *recorder
	logBroadcast *LogBroadcaster
	startedAt    time.Time

	ctx          context.Context
	cancelFunc   context.CancelFunc
	background   sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
}

// Options replace the daemon's collaborators. Zero values use the real ones.
type Options struct {
	Runner        control.Runner
	Clock         clock.Clock
	SocketExists  func(path string) bool
	PortAvailable func(port int) bool
	// Listeners returns the local TCP ports in LISTEN state.
	Listeners func() (map[int]bool, error)
	LoadHosts func(path string) ([]sshconfig.Host, error)
	// NoSleepMonitor disables sleep/wake tracking.
	NoSleepMonitor bool
}

// New creates a daemon for cfg. Call Start to bring up its components.
func New(cfg *core.Configuration, opts Options) *Daemon {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.SocketExists == nil {
		opts.SocketExists = control.SocketExists
	}
	if opts.PortAvailable == nil {
		opts.PortAvailable = control.PortAvailable
	}
	if opts.Listeners == nil {
		opts.Listeners = localListeners
	}
	if opts.LoadHosts == nil {
		opts.LoadHosts = sshconfig.Load
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:          cfg,
		opts:         opts,
		log:          slog.Default(),
		logBroadcast: NewLogBroadcaster(cfg.LogHistory),
		ctx:          ctx,
		cancelFunc:   cancel,
		stopCh:       make(chan struct{}),
	}
}

// Start opens storage, builds the orchestrator from the SSH config, restores
// saved tunnels and starts the background monitors. It does not listen for
// clients.
func (d *Daemon) Start() error {
	d.startedAt = d.opts.Clock.Now()

	if err := os.MkdirAll(d.cfg.SocketDir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	d.openDatabase()
	d.loadHistory()

	hosts, err := d.readHosts()
	if err != nil {
		d.log.Warn("Failed to read SSH config, starting with no hosts", "path", d.cfg.SSHConfigPath, "error", err)
	}

	runner := d.opts.Runner
	if runner == nil {
		runner = control.NewExecutor(d.cfg.SSH.Binary, control.Options{
			ConfigFile:          d.cfg.SSH.ConfigFile,
			ServerAliveInterval: d.cfg.SSH.ServerAliveInterval,
			ServerAliveCountMax: d.cfg.SSH.ServerAliveCountMax,
			Extra:               d.cfg.SSH.Options,
		}, d.log)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		SocketDir: d.cfg.SocketDir,
		Runner:    runner,
		Timeouts: orchestrator.Timeouts{
			Establish: d.cfg.Timeouts.Establish,
			Teardown:  d.cfg.Timeouts.Teardown,
			Probe:     d.cfg.Timeouts.Probe,
			Forward:   d.cfg.Timeouts.Forward,
		},
		Clock:         d.opts.Clock,
		Logger:        d.log,
		PortAvailable: d.opts.PortAvailable,
		SocketExists:  d.opts.SocketExists,
	}, hosts)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orch = orch

	restore := orch.Seed(savedHosts(d.history))

	if removed, err := orch.SweepOrphans(d.ctx); err != nil {
		d.log.Warn("Failed to sweep orphan control sockets", "error", err)
	} else if removed > 0 {
		d.log.Info("Cleaned up orphan control sockets from a previous daemon", "count", removed)
	}

	d.recorder = newRecorder(orch, d.history, d.database, d.log)
	events := d.recorder.subscribe()
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		d.recorder.run(events)
	}()

	d.startMonitors()

	if d.cfg.WatchSSHConfig {
		d.watchSSHConfig()
	}

	d.logDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d, hosts: %d", core.Version, os.Getpid(), len(hosts)))

	if d.cfg.AutoRestore && len(restore) > 0 {
		d.log.Info("Restoring saved tunnels", "hosts", restore)
		d.background.Add(1)
		go func() {
			defer d.background.Done()
			d.restore(restore)
		}()
	}
	return nil
}

func (d *Daemon) startMonitors() {
	healthCfg := orchestrator.HealthConfig{
		Interval:    d.cfg.Health.Interval,
		Concurrency: d.cfg.Health.Concurrency,
		Clock:       d.opts.Clock,
		Logger:      d.log,
	}

	if !d.opts.NoSleepMonitor {
		d.sleep = power.NewSleepMonitor(power.Config{
			WakeGrace: d.cfg.Health.WakeGrace,
			Clock:     d.opts.Clock,
			Logger:    d.log,
			OnWake: func() {
				d.logDaemonEvent("wake", "system woke up, probing connections")
				d.health.Trigger()
			},
			OnSleep: func() {
				d.logDaemonEvent("sleep", "system going to sleep, probes suppressed")
			},
		})
		healthCfg.Suppressor = d.sleep
	}

	d.health = orchestrator.NewHealthMonitor(d.orch, healthCfg)
	d.health.Start(d.ctx)
	if d.sleep != nil {
		d.sleep.Start(d.ctx)
	}
}

func (d *Daemon) openDatabase() {
	dbPath := filepath.Join(d.cfg.ConfigPath, core.DatabaseFileName)
	database, err := db.Open(dbPath)
	if err != nil {
		d.log.Error("Failed to open database", "error", err, "path", dbPath)
		return
	}
	d.database = database
	d.log.Debug("Database opened", "path", dbPath)
}

func (d *Daemon) loadHistory() {
	path := filepath.Join(d.cfg.ConfigPath, core.HistoryFileName)
	store, err := history.Load(path)
	if err != nil {
		d.log.Warn("Ignoring unreadable history file", "path", path, "error", err)
	}
	d.history = store
}

func (d *Daemon) logDaemonEvent(eventType, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogDaemonEvent(eventType, details); err != nil {
		d.log.Error("Failed to log daemon event", "event", eventType, "error", err)
	}
}

// restore connects every host with desired tunnels and applies them.
func (d *Daemon) restore(aliases []string) {
	var g errgroup.Group
	g.SetLimit(max(d.cfg.Health.Concurrency, 1))
	for _, alias := range aliases {
		g.Go(func() error {
			report, err := d.connectAndReconcile(d.ctx, alias)
			if err != nil {
				d.log.Warn("Failed to restore host", "host", alias, "error", err)
				return nil
			}
			d.log.Info("Restored host", "host", alias, "added", len(report.Added), "failed", len(report.Failed))
			return nil
		})
	}
	g.Wait()
}

// connectAndReconcile brings alias up and applies its desired tunnels.
func (d *Daemon) connectAndReconcile(ctx context.Context, alias string) (orchestrator.ReconcileReport, error) {
	if err := d.orch.Connect(ctx, alias); err != nil {
		return orchestrator.ReconcileReport{Host: alias}, err
	}
	return d.orch.Reconcile(ctx, alias)
}

// requestStop asks Run to shut the daemon down.
func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Shutdown tears down every connection and closes storage. Desired tunnel
// sets are saved first so they survive the teardown. Safe to call more
// than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.log.Info("Executing shutdown sequence...")

		if d.health != nil {
			d.health.Stop()
		}
		d.cancelFunc()

		connected := 0
		if d.orch != nil {
			d.recorder.saveAll()

			connected = len(d.orch.ConnectedHosts())
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeouts.Teardown+5*time.Second)
			if err := d.orch.Shutdown(ctx); err != nil {
				d.log.Warn("Some connections did not shut down cleanly", "error", err)
			}
			cancel()
			d.orch.Close()
		}

		d.background.Wait()

		if d.history != nil {
			if err := d.history.Save(); err != nil {
				d.log.Error("Failed to save history", "error", err)
			}
		}

		if d.database != nil {
			d.logDaemonEvent("stop", fmt.Sprintf("daemon stopped - version: %s, PID: %d, active connections: %d", core.Version, os.Getpid(), connected))
			if err := d.database.Flush(); err != nil {
				d.log.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				d.log.Error("Failed to close database during shutdown", "error", err)
			}
		}
	})
}

// Run starts the daemon, serves clients on the daemon socket and blocks
// until STOP or a termination signal.
func (d *Daemon) Run() error {
	d.setupLogging()

	socketPath := filepath.Join(d.cfg.ConfigPath, core.SocketName)
	pidFilePath := filepath.Join(d.cfg.ConfigPath, core.PidFileName)

	listener, err := listenSocket(socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(socketPath)

	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		d.log.Warn("Failed to write PID file", "path", pidFilePath, "error", err)
	}
	defer os.Remove(pidFilePath)

	if err := d.Start(); err != nil {
		listener.Close()
		return err
	}

	d.log.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(signals)

	go func() {
		for sig := range signals {
			if sig == syscall.SIGHUP {
				d.log.Info("SIGHUP received, reloading hosts")
				if _, err := d.reloadHosts(); err != nil {
					d.log.Error("Reload failed", "error", err)
				}
				continue
			}
			d.log.Info("Shutdown signal received. Closing all connections.", "signal", sig)
			d.requestStop()
			return
		}
	}()

	go d.serve(listener)

	<-d.stopCh
	d.Shutdown()
	listener.Close()
	return nil
}

// serve accepts clients until the listener is closed
func (d *Daemon) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
			default:
				d.log.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			return
		}
		go d.handleConnection(conn)
	}
}

// listenSocket listens on path, replacing a stale socket left by a daemon
// that died. A live daemon on path is an error.
func listenSocket(path string) (net.Listener, error) {
	listener, err := net.Listen("unix", path)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	if conn, dialErr := net.Dial("unix", path); dialErr == nil {
		conn.Close()
		return nil, fmt.Errorf("daemon is already running")
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", path))
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}
