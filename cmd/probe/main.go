package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/ports"
	"github.com/ethan/vas-ingest/pkg/ssrc"
	"github.com/ethan/vas-ingest/pkg/transcoder"
)

// Standalone RTSP probe: spawns a transcoder against the given source,
// captures the SSRC of the first RTP packet, and reports what a start-stream
// call would see. Useful when commissioning a camera.
func main() {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	rtspURL := fs.String("rtsp-url", "", "RTSP source to probe (required)")
	ffmpegPath := fs.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	timeout := fs.Duration("timeout", 15*time.Second, "How long to wait for the first RTP packet")
	fs.Parse(os.Args[1:])

	if *rtspURL == "" {
		fs.Usage()
		log.Fatal("missing -rtsp-url")
	}

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		log.Fatalf("Invalid logging flags: %v", err)
	}
	logg, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logg.Close()

	alloc, err := ports.NewAllocator(40000, 49999)
	if err != nil {
		log.Fatalf("Port allocator: %v", err)
	}
	port, err := alloc.NextFree(*rtspURL)
	if err != nil {
		log.Fatalf("No free probe port: %v", err)
	}

	logg.Info("probing rtsp source", "url", *rtspURL, "port", port, "timeout", *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	type captureOut struct {
		res ssrc.Result
		err error
	}
	capCh := make(chan captureOut, 1)
	go func() {
		res, cerr := ssrc.Capture(ctx, port, *timeout, logg)
		capCh <- captureOut{res, cerr}
	}()
	time.Sleep(200 * time.Millisecond)

	sup := transcoder.NewSupervisor(*ffmpegPath, logg)
	tmpRoot, err := os.MkdirTemp("", "probe-recordings-")
	if err != nil {
		log.Fatalf("Temp dir: %v", err)
	}
	defer os.RemoveAll(tmpRoot)

	proc, err := sup.Start(transcoder.Spec{
		RTSPURL:       *rtspURL,
		RouterHost:    "127.0.0.1",
		RouterPort:    port,
		SourcePort:    port,
		RecordingRoot: tmpRoot,
		CameraID:      "probe",
	})
	if err != nil {
		log.Fatalf("Failed to spawn transcoder: %v", err)
	}
	defer proc.Terminate(3 * time.Second)

	select {
	case out := <-capCh:
		if out.err != nil {
			log.Fatalf("Capture failed: %v", out.err)
		}
		if !out.res.Success {
			fmt.Println("RESULT: no RTP received before the deadline")
			fmt.Println("The source answered the RTSP handshake but produced no media,")
			fmt.Println("or the handshake itself is still pending. Check stderr output above.")
			os.Exit(1)
		}
		fmt.Printf("RESULT: ok\n")
		fmt.Printf("  ssrc:        %d (0x%08X)\n", out.res.SSRC, out.res.SSRC)
		fmt.Printf("  probe port:  %d\n", port)
		fmt.Printf("  ffmpeg pid:  %d\n", proc.PID())
	case exitErr := <-proc.Done():
		cancel()
		<-capCh
		if proc.ConnectionFailure() {
			fmt.Println("RESULT: transcoder could not reach the RTSP source")
		} else {
			fmt.Println("RESULT: transcoder exited before producing media")
		}
		for _, line := range proc.StderrTail() {
			fmt.Println("  ffmpeg:", line)
		}
		if exitErr != nil {
			log.Fatalf("Exit: %v", exitErr)
		}
		os.Exit(1)
	}
}
