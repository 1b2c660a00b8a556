package ingest

import (
	"time"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/transcoder"
)

// TranscoderProcess is the orchestrator's view of one encoder subprocess.
type TranscoderProcess interface {
	PID() int
	Done() <-chan error
	Running() bool
	Terminate(grace time.Duration) error
	ConnectionFailure() bool
}

// TranscoderRunner spawns encoder subprocesses. Tests substitute a fake that
// emits a synthetic RTP packet instead of running an encoder.
type TranscoderRunner interface {
	Start(spec transcoder.Spec) (TranscoderProcess, error)
	KillOrphans(rtspURL string) int
}

// SupervisorRunner adapts the transcoder supervisor to the runner interface.
type SupervisorRunner struct {
	sup *transcoder.Supervisor
	log *logger.Logger
}

// NewSupervisorRunner wraps a supervisor for production use.
func NewSupervisorRunner(sup *transcoder.Supervisor, log *logger.Logger) *SupervisorRunner {
	return &SupervisorRunner{sup: sup, log: log}
}

func (r *SupervisorRunner) Start(spec transcoder.Spec) (TranscoderProcess, error) {
	return r.sup.Start(spec)
}

func (r *SupervisorRunner) KillOrphans(rtspURL string) int {
	return transcoder.KillOrphans(rtspURL, r.log)
}
