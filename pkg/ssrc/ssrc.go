// Package ssrc captures the RTP synchronization source identifier of a
// freshly started media stream by listening for its first packet.
package ssrc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/ethan/vas-ingest/pkg/logger"
)

// Result is the outcome of a capture attempt. Success is false when no
// parseable RTP packet arrived before the deadline.
type Result struct {
	SSRC    uint32
	Success bool
}

// Capture binds UDP 127.0.0.1:port, waits up to timeout for one RTP packet,
// and returns its SSRC. The socket is closed before returning so the port is
// free for the router transport that binds it next.
//
// Timeout and short packets produce Result{0, false} without an error; only
// bind failures and context cancellation are reported as errors. Callers
// must bind before the sender starts transmitting or the first packet (the
// one carrying the SSRC they need) is lost.
func Capture(ctx context.Context, port int, timeout time.Duration, log *logger.Logger) (Result, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return Result{}, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	defer conn.Close()

	log.DebugRTP("ssrc capture listening", "port", port, "timeout", timeout)

	// Unblock the read if the caller cancels mid-capture.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Result{}, fmt.Errorf("set read deadline: %w", err)
	}

	// The stream is a fresh transcoder output, so the first datagram is the
	// stream's own RTP. Anything that is not a parseable RTP packet means the
	// capture failed; waiting for a later datagram would hand back an SSRC
	// the transport was never connected for.
	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			log.Warn("ssrc capture timed out", "port", port)
			return Result{SSRC: 0, Success: false}, nil
		}
		return Result{}, fmt.Errorf("read udp: %w", err)
	}

	if n < 12 {
		log.Warn("short datagram, not RTP", "port", port, "bytes", n)
		return Result{SSRC: 0, Success: false}, nil
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		log.Warn("unparseable datagram", "port", port, "bytes", n, "error", err)
		return Result{SSRC: 0, Success: false}, nil
	}

	log.DebugRTP("captured ssrc",
		"port", port,
		"ssrc", pkt.SSRC,
		"payload_type", pkt.PayloadType,
		"sequence", pkt.SequenceNumber)
	return Result{SSRC: pkt.SSRC, Success: true}, nil
}
