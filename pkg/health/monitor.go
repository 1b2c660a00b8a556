// Package health watches producer packet counters on the router and
// restarts streams that have gone stale, under cooldown and attempt caps.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/router"
)

// StatsSource is the slice of the router RPC the monitor needs.
type StatsSource interface {
	GetAllProducerStats(ctx context.Context) ([]router.ProducerStats, error)
}

// RestartFunc recovers one room. The monitor never imports the orchestrator;
// the composition root injects this, typically routed through the restart
// queue.
type RestartFunc func(roomID string, attempt int) error

// Config carries the monitor's tunables.
type Config struct {
	CheckInterval  time.Duration
	InitialDelay   time.Duration
	StaleThreshold int
	Cooldown       time.Duration
	MaxAttempts    int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  10 * time.Second,
		InitialDelay:   5 * time.Second,
		StaleThreshold: 3,
		Cooldown:       30 * time.Second,
		MaxAttempts:    3,
	}
}

// Status is a snapshot of the monitor for the API.
type Status struct {
	Running            bool           `json:"running"`
	MonitoredProducers int            `json:"monitored_producers"`
	StaleProducers     int            `json:"stale_producers"`
	FailedStreams      []string       `json:"failed_streams"`
	RestartAttempts    map[string]int `json:"restart_attempts"`
}

// Monitor runs the periodic staleness check.
type Monitor struct {
	cfg     Config
	stats   StatsSource
	restart RestartFunc
	logger  *logger.Logger

	mu          sync.Mutex
	registered  map[string]string // room id -> router producer id
	lastPackets map[string]int64  // producer id -> last seen counter
	staleCount  map[string]int    // producer id -> consecutive stale checks
	attempts    map[string]int    // room id -> restarts since last success
	lastRestart map[string]time.Time
	failed      map[string]bool

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. restart must be non-nil.
func NewMonitor(cfg Config, stats StatsSource, restart RestartFunc, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		stats:       stats,
		restart:     restart,
		logger:      log,
		registered:  make(map[string]string),
		lastPackets: make(map[string]int64),
		staleCount:  make(map[string]int),
		attempts:    make(map[string]int),
		lastRestart: make(map[string]time.Time),
		failed:      make(map[string]bool),
	}
}

// Start launches the background loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("health monitor started",
		"interval", m.cfg.CheckInterval,
		"stale_threshold", m.cfg.StaleThreshold,
		"cooldown", m.cfg.Cooldown,
		"max_attempts", m.cfg.MaxAttempts)
}

// Stop halts the loop and waits for it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// Register begins monitoring a room's producer. Called whenever a stream
// goes live, including restarts, so the producer id stays current. It does
// not touch the attempt counter; only packet flow or MarkHealthy clears it.
func (m *Monitor) Register(roomID, producerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.registered[roomID]; ok && old != producerID {
		delete(m.lastPackets, old)
		delete(m.staleCount, old)
	}
	m.registered[roomID] = producerID
	m.logger.DebugHealth("producer registered", "room_id", roomID, "producer_id", producerID)
}

// Unregister stops monitoring a room and drops its counters.
func (m *Monitor) Unregister(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if producerID, ok := m.registered[roomID]; ok {
		delete(m.lastPackets, producerID)
		delete(m.staleCount, producerID)
	}
	delete(m.registered, roomID)
	delete(m.attempts, roomID)
	delete(m.lastRestart, roomID)
	delete(m.failed, roomID)
	m.logger.DebugHealth("room unregistered", "room_id", roomID)
}

// MarkHealthy records a successful user-initiated start: the attempt counter
// resets and a FAILED verdict is lifted.
func (m *Monitor) MarkHealthy(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.attempts, roomID)
	delete(m.failed, roomID)
}

// Failed reports whether auto-restart is suspended for the room.
func (m *Monitor) Failed(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[roomID]
}

// GetStatus snapshots the monitor state.
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := 0
	for _, n := range m.staleCount {
		if n > 0 {
			stale++
		}
	}

	failed := make([]string, 0, len(m.failed))
	for room := range m.failed {
		failed = append(failed, room)
	}

	attempts := make(map[string]int, len(m.attempts))
	for room, n := range m.attempts {
		attempts[room] = n
	}

	return Status{
		Running:            m.running,
		MonitoredProducers: len(m.registered),
		StaleProducers:     stale,
		FailedStreams:      failed,
		RestartAttempts:    attempts,
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.InitialDelay):
	}

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.Check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one staleness pass. Exported so tests can step the monitor
// without waiting on the ticker.
func (m *Monitor) Check(ctx context.Context) {
	stats, err := m.stats.GetAllProducerStats(ctx)
	if err != nil {
		m.logger.Warn("producer stats fetch failed", "error", err)
		return
	}

	byID := make(map[string]router.ProducerStats, len(stats))
	for _, s := range stats {
		byID[s.ProducerID] = s
	}

	var toRestart []restartOrder

	m.mu.Lock()
	for room, producerID := range m.registered {
		s, reported := byID[producerID]

		if !reported {
			// Registered but missing from the router entirely: just as
			// stale as a frozen counter.
			m.staleCount[producerID]++
		} else if last, seen := m.lastPackets[producerID]; !seen {
			m.lastPackets[producerID] = s.PacketsReceived
			continue
		} else if s.PacketsReceived > last {
			m.lastPackets[producerID] = s.PacketsReceived
			m.staleCount[producerID] = 0
			if m.attempts[room] > 0 {
				m.logger.Info("stream recovered", "room_id", room)
				delete(m.attempts, room)
			}
			continue
		} else {
			m.staleCount[producerID]++
		}

		m.logger.DebugHealth("stale check",
			"room_id", room,
			"producer_id", producerID,
			"stale_count", m.staleCount[producerID])

		if m.staleCount[producerID] < m.cfg.StaleThreshold {
			continue
		}

		if m.failed[room] {
			continue
		}
		if since := time.Since(m.lastRestart[room]); !m.lastRestart[room].IsZero() && since < m.cfg.Cooldown {
			m.logger.DebugHealth("restart suppressed by cooldown", "room_id", room, "since", since)
			continue
		}
		if m.attempts[room] >= m.cfg.MaxAttempts {
			m.failed[room] = true
			m.logger.Error("stream failed permanently, suspending auto-restart",
				"room_id", room, "attempts", m.attempts[room])
			continue
		}

		m.attempts[room]++
		m.lastRestart[room] = time.Now()
		m.staleCount[producerID] = 0
		delete(m.lastPackets, producerID)
		toRestart = append(toRestart, restartOrder{room: room, attempt: m.attempts[room]})
	}
	m.mu.Unlock()

	for _, order := range toRestart {
		m.logger.Warn("restarting stale stream", "room_id", order.room, "attempt", order.attempt)
		if err := m.restart(order.room, order.attempt); err != nil {
			m.logger.Error("health restart failed", "room_id", order.room, "error", err)
		}
	}
}

type restartOrder struct {
	room    string
	attempt int
}
