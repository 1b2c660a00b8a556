// Package ports assigns UDP ports to camera sessions from a fixed range.
package ports

import (
	"fmt"
	"hash/fnv"
	"net"
)

// Allocator maps camera ids to UDP ports deterministically so that a
// restarted session reuses the same port.
type Allocator struct {
	start int
	span  int
}

// NewAllocator creates an allocator over the inclusive range [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if start < 1024 || end > 65535 || end <= start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{start: start, span: end - start + 1}, nil
}

// PortFor returns the deterministic port for a camera id.
func (a *Allocator) PortFor(cameraID string) int {
	h := fnv.New32a()
	h.Write([]byte(cameraID))
	return a.start + int(h.Sum32())%a.span
}

// NextFree probes from the deterministic port for cameraID, returning the
// first port in the range that can currently be bound. Used as a fallback
// when the deterministic port collides with another camera's session.
func (a *Allocator) NextFree(cameraID string) (int, error) {
	base := a.PortFor(cameraID)
	for i := 0; i < a.span; i++ {
		port := a.start + (base-a.start+i)%a.span
		if portFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.start, a.start+a.span-1)
}

// portFree reports whether the UDP port can be bound on loopback right now.
// Inherently racy; callers treat the answer as a hint.
func portFree(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
