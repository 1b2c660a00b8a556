package transcoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// Spec describes one transcoder invocation: RTSP in, dual encode out.
// Output 1 is low-latency RTP toward the router, output 2 is segmented HLS
// for recording.
type Spec struct {
	RTSPURL       string
	RouterHost    string
	RouterPort    int
	SourcePort    int // local UDP port the RTP output binds, known to the router
	SSRC          uint32
	RecordingRoot string
	CameraID      string
}

// SegmentDir returns today's segment directory for the camera.
func (s Spec) SegmentDir(now time.Time) string {
	return filepath.Join(s.RecordingRoot, s.CameraID, now.Format("20060102"))
}

// PlaylistPath returns the HLS playlist path, one level above the daily
// segment directories so a single playlist spans days.
func (s Spec) PlaylistPath() string {
	return filepath.Join(s.RecordingRoot, s.CameraID, "stream.m3u8")
}

// signedSSRC converts the unsigned 32-bit SSRC into the signed form the
// encoder's -ssrc flag expects.
func signedSSRC(ssrc uint32) int64 {
	v := int64(ssrc)
	if v > 2147483647 {
		v -= 4294967296
	}
	return v
}

// Args assembles the encoder command line. The input is pulled over RTSP/TCP
// and decoded once; the two outputs are encoded independently so the RTP leg
// stays low-latency while the recording leg gets a better profile.
func (s Spec) Args(now time.Time) []string {
	args := []string{
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-strict", "experimental",
		"-i", s.RTSPURL,

		// RTP toward the router: smallest latency we can get out of x264.
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-g", "30",
		"-b:v", "2000k",
		"-maxrate", "2500k",
		"-bufsize", "1000k",
		"-r", "30",
		"-f", "rtp",
		"-payload_type", "96",
	}

	if s.SSRC != 0 {
		args = append(args, "-ssrc", strconv.FormatInt(signedSSRC(s.SSRC), 10))
	}

	args = append(args,
		fmt.Sprintf("rtp://%s:%d?pkt_size=1200&localport=%d", s.RouterHost, s.RouterPort, s.SourcePort))

	// HLS recording: 6 s segments, playlist covering ~24 h.
	args = append(args,
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-b:v", "3000k",
		"-maxrate", "4000k",
		"-bufsize", "6000k",
		"-r", "30",
		"-f", "hls",
		"-hls_time", "6",
		"-hls_list_size", "14400",
		"-hls_flags", "append_list+delete_segments",
		"-hls_delete_threshold", "14400",
		"-hls_segment_filename", filepath.Join(s.SegmentDir(now), "segment-%03d.ts"),
		"-hls_start_number_source", "epoch",
		s.PlaylistPath(),
	)

	return args
}
