// Package daemon runs the ACD engine as a long-lived process with a control
// socket, live roster reload, periodic sweeps and state snapshots.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/acd"
	"github.com/msageha/acd/internal/events"
	"github.com/msageha/acd/internal/lock"
	"github.com/msageha/acd/internal/media"
	"github.com/msageha/acd/internal/model"
	"github.com/msageha/acd/internal/sink"
	"github.com/msageha/acd/internal/uds"
	"github.com/msageha/acd/internal/yaml"
)

// Files inside the daemon directory.
const (
	ConfigFile = "config.yaml"
	RosterFile = "operators.yaml"
)

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Daemon is the main acd daemon process.
type Daemon struct {
	dir     string
	config  model.Config
	base    zerolog.Logger
	log     zerolog.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	sched    *cron.Cron

	engine  *acd.Dispatcher
	media   *media.Loopback
	pool    *media.Pool
	bus     *events.Bus
	journal *events.Journal
	kafka   *sink.Kafka
	cdr     *sink.Postgres
	detach  []func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a daemon rooted at dir that logs to dir/logs/acd.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "acd.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, logFile, logFile), nil
}

func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	base := zerolog.New(w).Level(parseLogLevel(cfg.Logging.Level)).With().Timestamp().Logger()
	return &Daemon{
		dir:      dir,
		config:   cfg,
		base:     base,
		log:      base.With().Str("component", "daemon").Logger(),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dir, "locks", "acd.lock")),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (d *Daemon) statePath() string {
	return filepath.Join(d.dir, "state", "queues.yaml")
}

// Engine returns the dispatcher once Start has run.
func (d *Daemon) Engine() *acd.Dispatcher { return d.engine }

// Done is closed when shutdown completes.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Run starts the daemon and blocks until a signal or a shutdown command
// stops it.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("graceful_shutdown")
		// Second signal → force exit
		go func() {
			<-sigCh
			d.log.Warn().Msg("second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.done:
	}
	return nil
}

// Start brings every component up and returns once the control socket is
// listening.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.dir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log.Info().Int("pid", os.Getpid()).Msg("daemon_starting")

	if err := yaml.CheckStateFile(d.dir, d.statePath(), yaml.FileTypeStateQueues, d.log); err != nil {
		d.log.Warn().Err(err).Msg("state_file_check_failed")
	}

	if err := d.startEngine(); err != nil {
		return d.abort(err)
	}
	d.startSinks()

	if err := d.startRosterWatch(); err != nil {
		return d.abort(err)
	}
	if err := d.startSweeps(); err != nil {
		return d.abort(err)
	}

	d.server = uds.NewServer(filepath.Join(d.dir, uds.DefaultSocketName), d.engine, d.base)
	d.server.OnShutdown(d.Shutdown)
	if err := d.server.Start(); err != nil {
		return d.abort(fmt.Errorf("start UDS server: %w", err))
	}

	d.wg.Add(1)
	go d.snapshotLoop()

	d.log.Info().
		Int("queues", len(d.config.Queues)).
		Int("operators", len(d.config.Operators)).
		Msg("daemon_ready")
	return nil
}

func (d *Daemon) startEngine() error {
	mc := d.config.Media
	d.media = media.NewLoopback(media.LoopbackOptions{
		AnswerDelay: time.Duration(mc.AnswerDelayMs) * time.Millisecond,
		TalkTime:    time.Duration(mc.TalkTimeMs) * time.Millisecond,
		Logger:      d.base,
	})
	d.pool = media.NewPool(mc.Endpoints, time.Duration(mc.AcquireDelayMs)*time.Millisecond)

	engine, err := acd.Build(d.config, d.media, d.pool, d.base)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	d.bus = events.NewBus(d.config.Sinks.Journal.BufferSize)
	engine.SetEventBus(d.bus)
	engine.Init(d.ctx)
	d.engine = engine
	return nil
}

// startSinks attaches the journal and external exporters. A sink that
// cannot start is logged and skipped; calls keep flowing without it.
func (d *Daemon) startSinks() {
	sc := d.config.Sinks
	if sc.Journal.Enabled {
		j, err := events.NewJournal(filepath.Join(d.dir, "logs", "calls.jsonl"), sc.Journal.MaxSizeMB*1024*1024, d.base)
		if err != nil {
			d.log.Error().Err(err).Msg("journal_unavailable")
		} else {
			d.journal = j
			d.detach = append(d.detach, j.Attach(d.bus))
		}
	}
	if sc.Kafka.Enabled && len(sc.Kafka.Brokers) > 0 {
		d.kafka = sink.NewKafka(sc.Kafka, d.base)
		d.detach = append(d.detach, d.kafka.Attach(d.bus))
		d.log.Info().Strs("brokers", sc.Kafka.Brokers).Str("topic", sc.Kafka.Topic).Msg("kafka_sink_attached")
	}
	if sc.Postgres.Enabled && sc.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
		cdr, err := sink.NewPostgres(ctx, sc.Postgres, d.base)
		cancel()
		if err != nil {
			d.log.Error().Err(err).Msg("cdr_sink_unavailable")
		} else {
			d.cdr = cdr
			d.detach = append(d.detach, cdr.Attach(d.bus))
			d.log.Info().Str("table", sc.Postgres.Table).Msg("cdr_sink_attached")
		}
	}
}

func (d *Daemon) startSweeps() error {
	d.sched = cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := d.sched.AddFunc(d.config.Dispatch.SweepSchedule, d.sweep); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", d.config.Dispatch.SweepSchedule, err)
	}
	d.sched.Start()
	return nil
}

func (d *Daemon) sweep() {
	if d.ctx.Err() != nil {
		return
	}
	d.log.Debug().Msg("sweep")
	d.engine.Sweep(d.ctx)
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Info().Msg("shutdown_started")

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Stop producers first so nothing new reaches the engine.
		if d.sched != nil {
			<-d.sched.Stop().Done()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		if d.engine != nil {
			if err := d.engine.Shutdown(ctx); err != nil {
				d.log.Warn().Err(err).Msg("engine_drain_incomplete")
			}
		}
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.log.Warn().Dur("timeout", timeout).Msg("shutdown timeout, some operations may be incomplete")
		}

		if d.engine != nil {
			d.writeSnapshot()
		}
		d.cleanup()
		close(d.done)
	})
}

// abort unwinds a partial Start.
func (d *Daemon) abort(err error) error {
	if d.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := d.engine.Shutdown(ctx); shutdownErr != nil {
			d.log.Warn().Err(shutdownErr).Msg("engine_drain_incomplete")
		}
		cancel()
	}
	d.cancel()
	d.wg.Wait()
	d.cleanup()
	return err
}

// cleanup releases resources in reverse start order.
func (d *Daemon) cleanup() {
	for i := len(d.detach) - 1; i >= 0; i-- {
		d.detach[i]()
	}
	d.detach = nil
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.log.Warn().Err(err).Msg("kafka_close_failed")
		}
	}
	if d.cdr != nil {
		d.cdr.Close()
	}
	if d.media != nil {
		d.media.Close()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.fileLock.Unlock()
	d.log.Info().Msg("daemon_stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
}
