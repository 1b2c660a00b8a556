// Package ingest drives the per-camera ingestion lifecycle: bringing the
// RTSP -> transcoder -> router pipeline up, tearing it down, and restarting
// it on behalf of the health monitor.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/ports"
	"github.com/ethan/vas-ingest/pkg/router"
	"github.com/ethan/vas-ingest/pkg/ssrc"
	"github.com/ethan/vas-ingest/pkg/store"
	"github.com/ethan/vas-ingest/pkg/transcoder"
	"github.com/ethan/vas-ingest/pkg/vaserr"
)

// Timeouts bounds every blocking step of an orchestration flow.
type Timeouts struct {
	SSRCCapture        time.Duration
	TranscoderDelay    time.Duration // capture-socket head start before spawn
	PortReleaseWait    time.Duration // after close_transports_for_room
	ProducerReadyPoll  time.Duration
	ProducerReadyTotal time.Duration
	TerminateGrace     time.Duration
}

// DefaultTimeouts returns the production values.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SSRCCapture:        15 * time.Second,
		TranscoderDelay:    200 * time.Millisecond,
		PortReleaseWait:    300 * time.Millisecond,
		ProducerReadyPoll:  300 * time.Millisecond,
		ProducerReadyTotal: 8 * time.Second,
		TerminateGrace:     5 * time.Second,
	}
}

// Options wires an orchestrator's collaborators.
type Options struct {
	Repo          store.Repository
	Router        router.RPC
	Runner        TranscoderRunner
	Allocator     *ports.Allocator
	Logger        *logger.Logger
	RouterHost    string // where the transcoder sends RTP
	RecordingRoot string
	Timeouts      Timeouts

	// OnLive and OnStopped notify the health monitor without importing it.
	OnLive    func(roomID, producerID string)
	OnStopped func(roomID string)
}

// Orchestrator composes the port allocator, SSRC capture, transcoder
// supervision and router RPC into the start/stop/restart flows.
type Orchestrator struct {
	repo     store.Repository
	rpc      router.RPC
	runner   TranscoderRunner
	alloc    *ports.Allocator
	logger   *logger.Logger
	registry *Registry

	routerHost    string
	recordingRoot string
	timeouts      Timeouts

	onLive    func(roomID, producerID string)
	onStopped func(roomID string)
}

// StartResult is what a successful Start (or reconnect) reports back.
type StartResult struct {
	CameraID      string    `json:"camera_id"`
	RoomID        string    `json:"room_id"`
	StreamID      string    `json:"v2_stream_id"`
	TransportID   string    `json:"transport_id"`
	VideoProducer string    `json:"video_producer"`
	SSRC          uint32    `json:"ssrc"`
	StartedAt     time.Time `json:"started_at"`
	ProducerReady bool      `json:"producer_ready"`
	Reconnect     bool      `json:"reconnect"`
}

// NewOrchestrator creates an orchestrator from its options.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	o := &Orchestrator{
		repo:          opts.Repo,
		rpc:           opts.Router,
		runner:        opts.Runner,
		alloc:         opts.Allocator,
		logger:        opts.Logger,
		registry:      NewRegistry(),
		routerHost:    opts.RouterHost,
		recordingRoot: opts.RecordingRoot,
		timeouts:      opts.Timeouts,
		onLive:        opts.OnLive,
		onStopped:     opts.OnStopped,
	}
	if o.onLive == nil {
		o.onLive = func(string, string) {}
	}
	if o.onStopped == nil {
		o.onStopped = func(string) {}
	}
	return o
}

// Registry exposes the session index for read-side consumers (API, health).
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// undoStack collects compensating cleanups registered by successful steps.
// On failure they run in reverse order; cleanup errors are logged, never
// returned, so they cannot mask the original failure.
type undoStack struct {
	logger *logger.Logger
	steps  []func()
}

func (u *undoStack) push(name string, fn func()) {
	log := u.logger
	u.steps = append(u.steps, func() {
		log.Debug("running compensating cleanup", "step", name)
		fn()
	})
}

func (u *undoStack) run() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i]()
	}
	u.steps = nil
}

// Start brings a camera's ingestion pipeline up. Idempotent: if a healthy
// session already exists the call reconfirms it with the router and returns
// reconnect=true without rebuilding anything.
func (o *Orchestrator) Start(ctx context.Context, cameraID string) (*StartResult, error) {
	unlock := o.registry.LockKey(cameraID)
	defer unlock()

	cam, err := o.repo.GetCamera(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	stream, err := o.ensureStream(ctx, cam)
	if err != nil {
		return nil, err
	}

	if sess := o.registry.Get(cameraID); sess != nil {
		if res, ok := o.tryReconnect(ctx, stream, sess); ok {
			return res, nil
		}
		// Router no longer has the producer: tear the stale session down
		// and rebuild from scratch.
		o.logger.Warn("session present but producer gone, rebuilding", "camera_id", cameraID)
		o.teardownSession(sess)
	}

	return o.startLocked(ctx, cam, stream, "stream_started")
}

// Stop tears a camera's ingestion pipeline down. Idempotent: stopping a
// camera with no session and a non-active stream is a no-op success.
func (o *Orchestrator) Stop(ctx context.Context, cameraID string) error {
	unlock := o.registry.LockKey(cameraID)
	defer unlock()

	if _, err := o.repo.GetCamera(ctx, cameraID); err != nil {
		return err
	}
	return o.stopLocked(ctx, cameraID, true)
}

// Restart is the health monitor's recovery path: stop then start under one
// key lock, without flipping the stream row through STOPPED in between.
func (o *Orchestrator) Restart(ctx context.Context, roomID string) error {
	unlock := o.registry.LockKey(roomID)
	defer unlock()

	cam, err := o.repo.GetCamera(ctx, roomID)
	if err != nil {
		return err
	}
	stream, err := o.ensureStream(ctx, cam)
	if err != nil {
		return err
	}

	o.logger.Info("restarting stream", "camera_id", roomID)

	if sess := o.registry.Get(roomID); sess != nil {
		o.teardownSession(sess)
	}
	o.closeRoomProducers(ctx, roomID)

	_, err = o.startLocked(ctx, cam, stream, "health_monitor")
	return err
}

// ensureStream loads or creates the camera's stream row and moves ERROR or
// STOPPED rows back to INITIALIZING so the start flow can run.
func (o *Orchestrator) ensureStream(ctx context.Context, cam *store.Camera) (*store.Stream, error) {
	stream, err := o.repo.GetStreamByCamera(ctx, cam.ID)
	if vaserr.Is(err, vaserr.KindNotFound) {
		stream = &store.Stream{CameraID: cam.ID, Codec: store.DefaultCodecConfig()}
		if err := o.repo.CreateStream(ctx, stream); err != nil {
			return nil, err
		}
		return stream, nil
	}
	if err != nil {
		return nil, err
	}

	if stream.State == store.StateError || stream.State == store.StateStopped {
		stream, err = o.repo.Transition(ctx, store.TransitionRequest{
			StreamID: stream.ID,
			To:       store.StateInitializing,
			Reason:   "stream_starting",
			Actor:    "orchestrator",
		})
		if err != nil {
			return nil, err
		}
	}
	return stream, nil
}

// tryReconnect short-circuits Start when the running session's producer is
// still known to the router. The producer row is repaired if missing.
func (o *Orchestrator) tryReconnect(ctx context.Context, stream *store.Stream, sess *Session) (*StartResult, bool) {
	producers, err := o.rpc.GetProducers(ctx, sess.RoomID)
	if err != nil {
		o.logger.Warn("reconnect check failed", "camera_id", sess.CameraID, "error", err)
		return nil, false
	}

	found := false
	for _, id := range producers {
		if id == sess.ProducerID {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}

	if _, err := o.repo.ActiveProducer(ctx, stream.ID); vaserr.Is(err, vaserr.KindNotFound) {
		params, _ := json.Marshal(router.VideoRTPParameters(sess.SSRC))
		insErr := o.repo.InsertProducer(ctx, &store.Producer{
			StreamID:          stream.ID,
			RouterProducerID:  sess.ProducerID,
			RouterTransportID: sess.TransportID,
			RouterRoomID:      sess.RoomID,
			SSRC:              sess.SSRC,
			RTPParameters:     params,
		})
		if insErr != nil {
			o.logger.Warn("producer row repair failed", "camera_id", sess.CameraID, "error", insErr)
		}
	}

	o.logger.Info("reconnected to existing session",
		"camera_id", sess.CameraID, "producer_id", sess.ProducerID)

	return &StartResult{
		CameraID:      sess.CameraID,
		RoomID:        sess.RoomID,
		StreamID:      stream.ID,
		TransportID:   sess.TransportID,
		VideoProducer: sess.ProducerID,
		SSRC:          sess.SSRC,
		StartedAt:     sess.StartedAt,
		ProducerReady: true,
		Reconnect:     true,
	}, true
}

// startLocked runs the full start sequence. Callers hold the key lock.
func (o *Orchestrator) startLocked(ctx context.Context, cam *store.Camera, stream *store.Stream, reason string) (*StartResult, error) {
	roomID := cam.ID
	undo := &undoStack{logger: o.logger}

	fail := func(cause error) (*StartResult, error) {
		undo.run()
		o.registry.Delete(cam.ID)

		to := store.StateError
		txReason := cause.Error()
		if ctx.Err() != nil {
			// Cancelled starts end up looking like a Stop.
			to = store.StateStopped
			txReason = "start_cancelled"
		}
		// The caller's context may already be cancelled; the failure still
		// has to be recorded.
		if _, terr := o.repo.Transition(context.Background(), store.TransitionRequest{
			StreamID: stream.ID,
			To:       to,
			Reason:   txReason,
			Actor:    "orchestrator",
		}); terr != nil {
			o.logger.Error("failed to record stream failure", "camera_id", cam.ID, "error", terr)
		}
		return nil, cause
	}

	// Sweep encoder processes left over from a previous run of this camera.
	if n := o.runner.KillOrphans(cam.RTSPURL); n > 0 {
		o.logger.Warn("killed orphan transcoders", "camera_id", cam.ID, "count", n)
	}

	// Free the room's UDP port before the capture socket binds it.
	if _, err := o.rpc.CloseTransportsForRoom(ctx, roomID); err != nil {
		if vaserr.Is(err, vaserr.KindRouterUnavailable) {
			return fail(err)
		}
		o.logger.Warn("close old transports failed", "camera_id", cam.ID, "error", err)
	}
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-time.After(o.timeouts.PortReleaseWait):
	}

	port := o.alloc.PortFor(roomID)
	o.logger.Info("starting ingestion", "camera_id", cam.ID, "port", port)

	// The capture socket must be listening before the transcoder's first
	// packet; the spawn is delayed to guarantee it.
	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()

	type captureOut struct {
		res ssrc.Result
		err error
	}
	capCh := make(chan captureOut, 1)
	go func() {
		res, err := ssrc.Capture(captureCtx, port, o.timeouts.SSRCCapture, o.logger)
		capCh <- captureOut{res, err}
	}()

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-time.After(o.timeouts.TranscoderDelay):
	}

	proc, err := o.runner.Start(transcoder.Spec{
		RTSPURL:       cam.RTSPURL,
		RouterHost:    o.routerHost,
		RouterPort:    port,
		SourcePort:    port,
		RecordingRoot: o.recordingRoot,
		CameraID:      cam.ID,
	})
	if err != nil {
		cancelCapture()
		return fail(vaserr.Wrap(vaserr.KindTranscoderError, "spawn transcoder", err))
	}
	undo.push("terminate transcoder", func() {
		proc.Terminate(o.timeouts.TerminateGrace)
	})

	var capture ssrc.Result
	select {
	case out := <-capCh:
		if out.err != nil {
			return fail(vaserr.Wrap(vaserr.KindSSRCCaptureFailed, "ssrc capture", out.err))
		}
		capture = out.res
	case exitErr := <-proc.Done():
		cancelCapture()
		<-capCh
		return fail(o.classifyExit(proc, exitErr))
	}

	if !capture.Success {
		o.logger.Warn("no ssrc captured, continuing with ssrc=0", "camera_id", cam.ID)
	}

	transport, err := o.rpc.CreatePlainTransport(ctx, roomID, port)
	if err != nil {
		return fail(err)
	}
	undo.push("close transport", func() {
		o.rpc.CloseTransport(context.Background(), transport.TransportID)
	})

	// Stale producers from a previous incarnation of the room.
	o.closeRoomProducers(ctx, roomID)

	// Producer before transport connect, so the router has an output target
	// the moment packets flow.
	producer, err := o.rpc.CreateProducer(ctx, transport.TransportID, "video", router.VideoRTPParameters(capture.SSRC))
	if err != nil {
		return fail(err)
	}
	undo.push("close producer", func() {
		o.rpc.CloseProducer(context.Background(), producer.ProducerID)
	})

	if err := o.rpc.ConnectPlainTransport(ctx, transport.TransportID, "127.0.0.1", port); err != nil {
		return fail(err)
	}

	ready := o.waitProducerReady(ctx, producer.ProducerID)
	if ctx.Err() != nil {
		// The wait itself never fails a start, but a cancelled caller must
		// not end up with a live session.
		return fail(ctx.Err())
	}
	if !ready {
		o.logger.Warn("producer not ready before deadline, health monitor will follow up",
			"camera_id", cam.ID, "producer_id", producer.ProducerID)
	}

	startedAt := time.Now()
	params, _ := json.Marshal(router.VideoRTPParameters(capture.SSRC))
	stream, err = o.repo.Transition(ctx, store.TransitionRequest{
		StreamID: stream.ID,
		To:       store.StateLive,
		Reason:   reason,
		Actor:    "orchestrator",
		Metadata: &store.SessionMetadata{
			TransportID:       transport.TransportID,
			ProducerID:        producer.ProducerID,
			SSRC:              capture.SSRC,
			StartedAt:         startedAt,
			LastRestartReason: reason,
		},
		NewProducer: &store.Producer{
			RouterProducerID:  producer.ProducerID,
			RouterTransportID: transport.TransportID,
			RouterRoomID:      roomID,
			SSRC:              capture.SSRC,
			RTPParameters:     params,
		},
	})
	if err != nil {
		return fail(err)
	}

	o.registry.Put(&Session{
		CameraID:     cam.ID,
		StreamID:     stream.ID,
		RoomID:       roomID,
		RTSPURL:      cam.RTSPURL,
		TransportID:  transport.TransportID,
		ProducerID:   producer.ProducerID,
		AssignedPort: port,
		SourcePort:   port,
		SSRC:         capture.SSRC,
		StartedAt:    startedAt,
		Process:      proc,
	})
	o.onLive(roomID, producer.ProducerID)

	o.logger.Info("stream live",
		"camera_id", cam.ID,
		"transport_id", transport.TransportID,
		"producer_id", producer.ProducerID,
		"ssrc", capture.SSRC,
		"producer_ready", ready)

	return &StartResult{
		CameraID:      cam.ID,
		RoomID:        roomID,
		StreamID:      stream.ID,
		TransportID:   transport.TransportID,
		VideoProducer: producer.ProducerID,
		SSRC:          capture.SSRC,
		StartedAt:     startedAt,
		ProducerReady: ready,
	}, nil
}

// stopLocked tears down the session and, when transitionStream is set, moves
// the stream row to STOPPED. Callers hold the key lock.
func (o *Orchestrator) stopLocked(ctx context.Context, cameraID string, transitionStream bool) error {
	if sess := o.registry.Get(cameraID); sess != nil {
		o.teardownSession(sess)
	}

	o.onStopped(cameraID)
	o.closeRoomProducers(ctx, cameraID)
	o.registry.Delete(cameraID)

	if !transitionStream {
		return nil
	}

	stream, err := o.repo.GetStreamByCamera(ctx, cameraID)
	if vaserr.Is(err, vaserr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !store.CanTransition(stream.State, store.StateStopped) {
		// Already STOPPED or CLOSED; second Stop is a no-op.
		return nil
	}

	_, err = o.repo.Transition(ctx, store.TransitionRequest{
		StreamID: stream.ID,
		To:       store.StateStopped,
		Reason:   "user_stop",
		Actor:    "orchestrator",
	})
	if err != nil {
		return err
	}

	o.logger.Info("stream stopped", "camera_id", cameraID)
	return nil
}

// teardownSession terminates the session's transcoder. Registry removal is
// the caller's business since restart reuses the slot.
func (o *Orchestrator) teardownSession(sess *Session) {
	if sess.Process != nil && sess.Process.Running() {
		if err := sess.Process.Terminate(o.timeouts.TerminateGrace); err != nil {
			o.logger.Warn("transcoder terminate failed", "camera_id", sess.CameraID, "error", err)
		}
	}
	o.registry.Delete(sess.CameraID)
}

// closeRoomProducers closes every producer the router reports for the room.
// Best-effort; failures are logged and ignored.
func (o *Orchestrator) closeRoomProducers(ctx context.Context, roomID string) {
	producers, err := o.rpc.GetProducers(ctx, roomID)
	if err != nil {
		o.logger.Warn("list producers failed", "room_id", roomID, "error", err)
		return
	}
	for _, id := range producers {
		if err := o.rpc.CloseProducer(ctx, id); err != nil {
			o.logger.Warn("close producer failed", "room_id", roomID, "producer_id", id, "error", err)
		}
	}
}

// waitProducerReady polls producer statistics until packets_received goes
// positive or the deadline passes. Timing out is not an error; the health
// monitor owns the follow-up.
func (o *Orchestrator) waitProducerReady(ctx context.Context, producerID string) bool {
	deadline := time.Now().Add(o.timeouts.ProducerReadyTotal)
	for time.Now().Before(deadline) {
		stats, err := o.rpc.GetAllProducerStats(ctx)
		if err == nil {
			for _, s := range stats {
				if s.ProducerID == producerID && s.PacketsReceived > 0 {
					return true
				}
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(o.timeouts.ProducerReadyPoll):
		}
	}
	return false
}

// classifyExit turns a premature transcoder exit into the right error kind.
func (o *Orchestrator) classifyExit(proc TranscoderProcess, exitErr error) error {
	if proc.ConnectionFailure() {
		return vaserr.Wrap(vaserr.KindRTSPConnectionFailed,
			"transcoder could not reach the RTSP source", exitErr)
	}
	return vaserr.Wrap(vaserr.KindTranscoderError, "transcoder exited during startup", exitErr)
}
