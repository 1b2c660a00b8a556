package ingest

import (
	"context"
	"time"

	"github.com/ethan/vas-ingest/pkg/ssrc"
	"github.com/ethan/vas-ingest/pkg/transcoder"
	"github.com/ethan/vas-ingest/pkg/vaserr"
)

// probeTimeout bounds the whole validation attempt.
const probeTimeout = 10 * time.Second

// Probe validates an RTSP URL without touching the router or persistence:
// a throwaway transcoder is pointed at a loopback port and the first RTP
// packet's SSRC is captured. The transcoder is torn down before returning.
func (o *Orchestrator) Probe(ctx context.Context, rtspURL string) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	port, err := o.alloc.NextFree("probe:" + rtspURL)
	if err != nil {
		return 0, vaserr.Wrap(vaserr.KindInternal, "no probe port available", err)
	}

	type captureOut struct {
		res ssrc.Result
		err error
	}
	capCh := make(chan captureOut, 1)
	go func() {
		res, cerr := ssrc.Capture(ctx, port, probeTimeout, o.logger)
		capCh <- captureOut{res, cerr}
	}()

	select {
	case <-ctx.Done():
		return 0, vaserr.Wrap(vaserr.KindTimeout, "rtsp validation timed out", ctx.Err())
	case <-time.After(o.timeouts.TranscoderDelay):
	}

	proc, err := o.runner.Start(transcoder.Spec{
		RTSPURL:       rtspURL,
		RouterHost:    "127.0.0.1",
		RouterPort:    port,
		SourcePort:    port,
		RecordingRoot: o.recordingRoot,
		CameraID:      "probe",
	})
	if err != nil {
		cancel()
		<-capCh
		return 0, vaserr.Wrap(vaserr.KindTranscoderError, "spawn probe transcoder", err)
	}
	defer proc.Terminate(o.timeouts.TerminateGrace)

	select {
	case out := <-capCh:
		if out.err != nil {
			return 0, vaserr.Wrap(vaserr.KindSSRCCaptureFailed, "probe capture", out.err)
		}
		if !out.res.Success {
			return 0, vaserr.New(vaserr.KindRTSPConnectionFailed,
				"no media received from the RTSP source")
		}
		return out.res.SSRC, nil
	case exitErr := <-proc.Done():
		cancel()
		<-capCh
		return 0, o.classifyExit(proc, exitErr)
	}
}
