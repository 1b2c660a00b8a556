// Package retention prunes recorded HLS segments: time-based cleanup of
// dated directories plus an emergency disk-usage guard.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/ethan/vas-ingest/pkg/logger"
)

const dateLayout = "20060102"

// Disk guard thresholds, in percent used.
const (
	usageEmergency = 95.0
	usageHigh      = 90.0
	usageWarn      = 85.0

	targetAfterEmergency = 80.0
	targetAfterHigh      = 85.0
)

// DiskUsageFunc reports used and total bytes for the filesystem holding
// path. Swappable in tests.
type DiskUsageFunc func(path string) (used, total uint64, err error)

func statfsUsage(path string) (uint64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	return total - free, total, nil
}

// Config carries the manager's tunables.
type Config struct {
	Root          string
	RetentionDays int
	Interval      time.Duration
	InitialDelay  time.Duration
}

// DefaultConfig returns production defaults for the given root.
func DefaultConfig(root string, retentionDays int) Config {
	return Config{
		Root:          root,
		RetentionDays: retentionDays,
		Interval:      6 * time.Hour,
		InitialDelay:  time.Minute,
	}
}

// Manager owns the background pruning loop.
type Manager struct {
	cfg       Config
	logger    *logger.Logger
	diskUsage DiskUsageFunc
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager over the recording root.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    log,
		diskUsage: statfsUsage,
		now:       time.Now,
	}
}

// Start launches the background loop.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("retention manager started",
		"root", m.cfg.Root,
		"retention_days", m.cfg.RetentionDays,
		"interval", m.cfg.Interval)
}

// Stop halts the loop and waits for it.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("retention manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.InitialDelay):
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.RunOnce()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass: disk guard first (it may need to delete more
// than the age rule would), then the time-based prune.
func (m *Manager) RunOnce() {
	m.checkDiskUsage()

	freed := m.pruneByAge()
	if freed > 0 {
		m.logger.Info("retention prune complete", "freed", bytefmt.ByteSize(freed))
	}
}

// dateDir is one camera's daily segment directory.
type dateDir struct {
	path string
	date time.Time
	size uint64
}

// collectDateDirs walks <root>/<camera>/<YYYYMMDD> and returns every dated
// directory, oldest first. Malformed names are skipped with a warning.
func (m *Manager) collectDateDirs() []dateDir {
	cameras, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("recording root unreadable", "root", m.cfg.Root, "error", err)
		}
		return nil
	}

	var dirs []dateDir
	for _, cam := range cameras {
		if !cam.IsDir() {
			continue
		}
		camPath := filepath.Join(m.cfg.Root, cam.Name())

		days, err := os.ReadDir(camPath)
		if err != nil {
			continue
		}
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			date, err := time.ParseInLocation(dateLayout, day.Name(), time.Local)
			if err != nil {
				m.logger.Warn("skipping malformed recording directory",
					"camera", cam.Name(), "dir", day.Name())
				continue
			}
			path := filepath.Join(camPath, day.Name())
			dirs = append(dirs, dateDir{path: path, date: date, size: dirSize(path)})
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].date.Before(dirs[j].date) })
	return dirs
}

func dirSize(path string) uint64 {
	var total uint64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			// Deletion races are expected; count what's still there.
			return nil
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// pruneByAge removes dated directories older than the retention window and
// returns bytes freed.
func (m *Manager) pruneByAge() uint64 {
	cutoff := m.now().AddDate(0, 0, -m.cfg.RetentionDays)

	var freed uint64
	for _, d := range m.collectDateDirs() {
		if !d.date.Before(cutoff) {
			continue
		}
		m.logger.DebugRetention("removing expired recordings",
			"path", d.path, "size", bytefmt.ByteSize(d.size))
		if err := os.RemoveAll(d.path); err != nil {
			m.logger.Warn("prune failed", "path", d.path, "error", err)
			continue
		}
		freed += d.size
	}
	return freed
}

// checkDiskUsage applies the tiered disk guard.
func (m *Manager) checkDiskUsage() {
	used, total, err := m.diskUsage(m.cfg.Root)
	if err != nil || total == 0 {
		if err != nil && !os.IsNotExist(err) {
			m.logger.Warn("disk usage check failed", "root", m.cfg.Root, "error", err)
		}
		return
	}

	percent := float64(used) / float64(total) * 100

	switch {
	case percent >= usageEmergency:
		m.logger.Error("disk critically full, emergency prune",
			"used_percent", percent, "used", bytefmt.ByteSize(used))
		m.emergencyPrune(used, total, targetAfterEmergency)
	case percent >= usageHigh:
		m.logger.Warn("disk nearly full, pruning oldest recordings",
			"used_percent", percent, "used", bytefmt.ByteSize(used))
		m.emergencyPrune(used, total, targetAfterHigh)
	case percent >= usageWarn:
		m.logger.Warn("disk usage high", "used_percent", percent, "used", bytefmt.ByteSize(used))
	}
}

// emergencyPrune deletes the oldest dated directories across all cameras
// until usage drops to targetPercent.
func (m *Manager) emergencyPrune(used, total uint64, targetPercent float64) {
	target := uint64(float64(total) * targetPercent / 100)
	if used <= target {
		return
	}
	toFree := used - target

	var freed uint64
	for _, d := range m.collectDateDirs() {
		if freed >= toFree {
			break
		}
		m.logger.Warn("emergency prune removing recordings",
			"path", d.path, "size", bytefmt.ByteSize(d.size))
		if err := os.RemoveAll(d.path); err != nil {
			m.logger.Warn("emergency prune failed", "path", d.path, "error", err)
			continue
		}
		freed += d.size
	}

	if freed < toFree {
		m.logger.Error("emergency prune could not reach target",
			"freed", bytefmt.ByteSize(freed),
			"needed", bytefmt.ByteSize(toFree))
	} else {
		m.logger.Info("emergency prune complete", "freed", bytefmt.ByteSize(freed))
	}
}
