package transcoder

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethan/vas-ingest/pkg/logger"
)

// KillOrphans finds encoder processes whose command line references rtspURL
// and terminates them: SIGTERM, a 1.5 s grace window, then SIGKILL for
// survivors. Best-effort cleanup before a (re)start; the process table scan
// is inherently racy, so correctness never depends on it.
func KillOrphans(rtspURL string, log *logger.Logger) int {
	pids := findByCmdline(rtspURL)
	if len(pids) == 0 {
		return 0
	}

	log.Warn("killing orphan transcoder processes", "rtsp_url", rtspURL, "pids", pids)

	for _, pid := range pids {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	time.Sleep(1500 * time.Millisecond)

	killed := 0
	for _, pid := range pids {
		// Signal 0 probes for existence.
		if err := syscall.Kill(pid, 0); err == nil {
			syscall.Kill(pid, syscall.SIGKILL)
		}
		killed++
	}
	time.Sleep(500 * time.Millisecond)
	return killed
}

// findByCmdline scans /proc for processes whose command line contains needle,
// excluding this process.
func findByCmdline(needle string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}

		raw, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}

		cmdline := strings.ReplaceAll(string(bytes.TrimRight(raw, "\x00")), "\x00", " ")
		if strings.Contains(cmdline, needle) {
			pids = append(pids, pid)
		}
	}
	return pids
}
