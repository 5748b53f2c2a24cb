package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marketplace-live/internal/observability/logging"
	"marketplace-live/internal/observability/metrics"
)

const (
	// DefaultHeartbeatInterval is how often every connection is pinged.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultSweepInterval is how often replay windows are trimmed and the
	// retry queue drained.
	DefaultSweepInterval = time.Hour
	// DefaultRetention is how long a replay record is kept.
	DefaultRetention = 7 * 24 * time.Hour

	defaultSweepConcurrency = 8
	defaultPingConcurrency  = 64
)

// Ticker abstracts time.Ticker so tests can drive the monitor manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every interval.
type TickerFactory func(time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Registry          *Registry
	Replay            ReplayStore
	Retries           *RetryQueue
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
	SweepConcurrency  int
	StoreTimeout      time.Duration
	Clock             func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	NewTicker         TickerFactory
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Keys    int
	Trimmed int
	// Removed counts keys deleted because they do not name a room.
	Removed int
	Drain   DrainStats
}

// Monitor runs the heartbeat and sweep workers. Neither worker touches the
// connection handling path beyond pinging and closing connections.
type Monitor struct {
	registry          *Registry
	replay            ReplayStore
	retries           *RetryQueue
	heartbeatInterval time.Duration
	sweepInterval     time.Duration
	retention         time.Duration
	sweepConcurrency  int
	storeTimeout      time.Duration
	clock             func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Recorder
	newTicker         TickerFactory

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewMonitor validates cfg and constructs a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Replay == nil {
		return nil, fmt.Errorf("replay store is required")
	}
	if cfg.Retries == nil {
		return nil, fmt.Errorf("retry queue is required")
	}
	m := &Monitor{
		registry:          cfg.Registry,
		replay:            cfg.Replay,
		retries:           cfg.Retries,
		heartbeatInterval: cfg.HeartbeatInterval,
		sweepInterval:     cfg.SweepInterval,
		retention:         cfg.Retention,
		sweepConcurrency:  cfg.SweepConcurrency,
		storeTimeout:      cfg.StoreTimeout,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		newTicker:         cfg.NewTicker,
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = DefaultHeartbeatInterval
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.sweepConcurrency <= 0 {
		m.sweepConcurrency = defaultSweepConcurrency
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = DefaultStoreTimeout
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = metrics.Default()
	}
	if m.newTicker == nil {
		m.newTicker = newTimeTicker
	}
	return m, nil
}

// Start launches the heartbeat and sweep workers. They run until ctx is
// cancelled or Stop is called. Starting twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil || m.stopped {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	heartbeat := m.newTicker(m.heartbeatInterval)
	sweep := m.newTicker(m.sweepInterval)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer heartbeat.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-heartbeat.C():
				m.Heartbeat(workerCtx)
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer sweep.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-sweep.C():
				stats, err := m.Sweep(workerCtx)
				if err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Error("sweep failed", "error", err)
				}
				m.logger.Debug("sweep completed",
					"keys", stats.Keys,
					"trimmed", stats.Trimmed,
					"retried", stats.Drain.Delivered,
					"requeued", stats.Drain.Requeued,
					"dropped", stats.Drain.Dropped)
			}
		}
	}()
	done := m.done
	go func() {
		wg.Wait()
		close(done)
	}()
}

// Stop cancels the workers and waits for them to exit. It is safe to call
// more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Heartbeat pings every registered connection and closes those whose ping
// fails. The transport's disconnect path then unregisters them. It returns
// the number of connections closed.
func (m *Monitor) Heartbeat(ctx context.Context) int {
	conns := m.registry.Connections()
	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(defaultPingConcurrency)
	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		conn := conn
		g.Go(func() error {
			if err := conn.Ping(); err != nil {
				failed.Add(1)
				m.metrics.ObserveHeartbeatFailure()
				logging.WithConnection(m.logger, conn.ID(), conn.UserID()).
					Debug("heartbeat failed, closing connection", "error", err)
				_ = conn.Close()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

// Sweep trims replay records older than the retention window on every key
// and then drains the retry queue. Keys that do not name a room are deleted.
// A replay store failure does not prevent the drain.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	var (
		stats   SweepStats
		trimmed atomic.Int64
		removed atomic.Int64
		errMu   sync.Mutex
		errs    []error
		g       errgroup.Group
	)
	addErr := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	keysCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	keys, err := m.replay.Keys(keysCtx)
	cancel()
	if err != nil {
		addErr(fmt.Errorf("list replay keys: %w", err))
		keys = nil
	}
	stats.Keys = len(keys)
	cutoff := m.clock().Add(-m.retention)

	g.SetLimit(m.sweepConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
			defer cancel()
			if _, err := ParseRoomKey(key); err != nil {
				m.logger.Warn("deleting replay key outside the room keyspace", "key", key, "error", err)
				if err := m.replay.Delete(storeCtx, key); err != nil {
					addErr(fmt.Errorf("delete %s: %w", key, err))
					return nil
				}
				removed.Add(1)
				return nil
			}
			n, err := m.replay.TrimOlderThan(storeCtx, key, cutoff)
			if err != nil {
				addErr(fmt.Errorf("trim %s: %w", key, err))
				return nil
			}
			trimmed.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()
	stats.Trimmed = int(trimmed.Load())
	stats.Removed = int(removed.Load())
	m.metrics.ObserveSweepTrimmed(stats.Trimmed)

	drain, err := m.retries.DrainAndReprocess(ctx)
	stats.Drain = drain
	if err != nil {
		errs = append(errs, err)
	}
	return stats, errors.Join(errs...)
}
