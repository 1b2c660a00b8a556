// Package transcoder supervises the external encoder subprocess that pulls a
// camera's RTSP feed and fans it out to the router and the recording tree.
package transcoder

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethan/vas-ingest/pkg/logger"
)

// Process is one running encoder subprocess.
type Process struct {
	cameraID string
	cmd      *exec.Cmd
	logger   *logger.Logger

	done chan error // closed after the process exits; carries the exit error

	mu       sync.Mutex
	stderr   []string // tail of stderr lines, kept for exit diagnosis
	finished bool
}

// stderrTail bounds how many stderr lines we retain for diagnostics.
const stderrTail = 30

// Supervisor launches and terminates encoder subprocesses.
type Supervisor struct {
	binary string
	logger *logger.Logger
}

// NewSupervisor creates a supervisor using the given encoder binary path.
func NewSupervisor(binary string, log *logger.Logger) *Supervisor {
	return &Supervisor{binary: binary, logger: log}
}

// Start creates the segment directory and spawns the encoder for the spec.
// The returned Process reports exit through Done().
func (s *Supervisor) Start(spec Spec) (*Process, error) {
	now := time.Now()
	if err := os.MkdirAll(spec.SegmentDir(now), 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	p, err := s.spawn(spec.CameraID, spec.Args(now)...)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transcoder started",
		"camera_id", spec.CameraID,
		"pid", p.PID(),
		"router_port", spec.RouterPort,
		"source_port", spec.SourcePort)
	return p, nil
}

// spawn launches the binary with the given arguments and wires up stderr
// capture and exit reporting.
func (s *Supervisor) spawn(cameraID string, args ...string) (*Process, error) {
	cmd := exec.Command(s.binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.binary, err)
	}

	p := &Process{
		cameraID: cameraID,
		cmd:      cmd,
		logger:   s.logger,
		done:     make(chan error, 1),
	}

	// Wait closes the stderr pipe, so it must not run until the reader has
	// drained it; otherwise the tail used for exit diagnosis is lost.
	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		p.readStderr(stderr)
	}()
	go func() {
		stderrDone.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
		p.done <- err
		close(p.done)
	}()

	return p, nil
}

func (p *Process) readStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.logger.DebugRTSP("transcoder stderr", "camera_id", p.cameraID, "line", line)
		p.mu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > stderrTail {
			p.stderr = p.stderr[len(p.stderr)-stderrTail:]
		}
		p.mu.Unlock()
	}
}

// PID returns the subprocess pid.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done returns a channel that receives the exit error (nil on clean exit)
// and is then closed.
func (p *Process) Done() <-chan error {
	return p.done
}

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.finished
}

// StderrTail returns the retained tail of stderr output.
func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderr))
	copy(out, p.stderr)
	return out
}

// ConnectionFailure reports whether the retained stderr indicates the RTSP
// source itself refused or dropped the connection, as opposed to an encoder
// fault.
func (p *Process) ConnectionFailure() bool {
	markers := []string{
		"Connection refused",
		"Connection timed out",
		"Network is unreachable",
		"404 Not Found",
		"401 Unauthorized",
		"Invalid data found",
		"Server returned 4",
		"Server returned 5",
	}
	for _, line := range p.StderrTail() {
		for _, m := range markers {
			if strings.Contains(line, m) {
				return true
			}
		}
	}
	return false
}

// Terminate signals graceful shutdown and escalates to SIGKILL after the
// grace period. Safe to call after exit.
func (p *Process) Terminate(grace time.Duration) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.logger.Info("terminating transcoder", "camera_id", p.cameraID, "pid", p.PID())

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn("transcoder did not exit, killing", "camera_id", p.cameraID, "pid", p.PID())
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill transcoder: %w", err)
	}
	<-p.done
	return nil
}
