package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/router"
	"github.com/ethan/vas-ingest/pkg/transcoder"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func testTimeouts() Timeouts {
	return Timeouts{
		SSRCCapture:        2 * time.Second,
		TranscoderDelay:    50 * time.Millisecond,
		PortReleaseWait:    10 * time.Millisecond,
		ProducerReadyPoll:  50 * time.Millisecond,
		ProducerReadyTotal: 500 * time.Millisecond,
		TerminateGrace:     time.Second,
	}
}

// mockRouter is an in-memory router.RPC that records every call.
type mockRouter struct {
	mu sync.Mutex

	transportSeq int
	producerSeq  int

	transportRoom   map[string]string
	producersByRoom map[string][]string
	producerRoom    map[string]string
	packets         map[string]int64

	// producerPackets is assigned to each newly created producer's counter,
	// simulating media arriving (or not) after connect.
	producerPackets int64

	failCreateTransport error
	failGetProducers    error

	ops              []string
	closedProducers  []string
	closedTransports []string
	closedRooms      []string
}

func newMockRouter() *mockRouter {
	return &mockRouter{
		transportRoom:   make(map[string]string),
		producersByRoom: make(map[string][]string),
		producerRoom:    make(map[string]string),
		packets:         make(map[string]int64),
		producerPackets: 10,
	}
}

func (m *mockRouter) record(op string) {
	m.ops = append(m.ops, op)
}

func (m *mockRouter) opSequence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ops))
	copy(out, m.ops)
	return out
}

func (m *mockRouter) setPackets(producerID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets[producerID] = n
}

func (m *mockRouter) GetRouterRTPCapabilities(_ context.Context, _ string) (router.RTPCapabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_router_rtp_capabilities")
	return router.RTPCapabilities{"codecs": []any{}}, nil
}

func (m *mockRouter) CreatePlainTransport(_ context.Context, roomID string, fixedPort int) (*router.PlainTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create_plain_rtp_transport")
	if m.failCreateTransport != nil {
		return nil, m.failCreateTransport
	}
	m.transportSeq++
	id := fmt.Sprintf("t%d", m.transportSeq)
	m.transportRoom[id] = roomID
	return &router.PlainTransport{
		TransportID: id,
		Port:        fixedPort,
	}, nil
}

func (m *mockRouter) ConnectPlainTransport(_ context.Context, transportID, _ string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("connect_plain_transport")
	return nil
}

func (m *mockRouter) CreateProducer(_ context.Context, transportID, _ string, _ router.RTPParameters) (*router.Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create_producer")
	m.producerSeq++
	id := fmt.Sprintf("p%d", m.producerSeq)

	room := m.transportRoom[transportID]
	m.producersByRoom[room] = append(m.producersByRoom[room], id)
	m.producerRoom[id] = room
	m.packets[id] = m.producerPackets
	return &router.Producer{ProducerID: id}, nil
}

func (m *mockRouter) CreateWebRTCTransport(_ context.Context, _ string) (*router.WebRTCTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create_webrtc_transport")
	m.transportSeq++
	return &router.WebRTCTransport{TransportID: fmt.Sprintf("t%d", m.transportSeq)}, nil
}

func (m *mockRouter) ConnectWebRTCTransport(_ context.Context, _ string, _ json.RawMessage) error {
	return nil
}

func (m *mockRouter) Consume(_ context.Context, _, producerID string, _ router.RTPCapabilities) (*router.Consumer, error) {
	return &router.Consumer{ConsumerID: "c1", ProducerID: producerID, Kind: "video"}, nil
}

func (m *mockRouter) GetProducers(_ context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_producers")
	if m.failGetProducers != nil {
		return nil, m.failGetProducers
	}
	return append([]string(nil), m.producersByRoom[roomID]...), nil
}

func (m *mockRouter) GetAllProducerStats(_ context.Context) ([]router.ProducerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []router.ProducerStats
	for id, n := range m.packets {
		out = append(out, router.ProducerStats{
			ProducerID:      id,
			RoomID:          m.producerRoom[id],
			PacketsReceived: n,
		})
	}
	return out, nil
}

func (m *mockRouter) CloseProducer(_ context.Context, producerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close_producer")
	m.closedProducers = append(m.closedProducers, producerID)

	room := m.producerRoom[producerID]
	kept := m.producersByRoom[room][:0]
	for _, id := range m.producersByRoom[room] {
		if id != producerID {
			kept = append(kept, id)
		}
	}
	m.producersByRoom[room] = kept
	delete(m.producerRoom, producerID)
	delete(m.packets, producerID)
	return nil
}

func (m *mockRouter) CloseTransport(_ context.Context, transportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close_transport")
	m.closedTransports = append(m.closedTransports, transportID)
	return nil
}

func (m *mockRouter) CloseTransportsForRoom(_ context.Context, roomID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close_transports_for_room")
	m.closedRooms = append(m.closedRooms, roomID)
	return 0, nil
}

// fakeProc is a fake transcoder process.
type fakeProc struct {
	mu       sync.Mutex
	running  bool
	connFail bool
	done     chan error

	terminated bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{running: true, done: make(chan error, 1)}
}

func (p *fakeProc) PID() int { return 4242 }

func (p *fakeProc) Done() <-chan error { return p.done }

func (p *fakeProc) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProc) Terminate(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.running = false
		p.terminated = true
		p.done <- nil
		close(p.done)
	}
	return nil
}

func (p *fakeProc) exit(err error, connFail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.running = false
		p.connFail = connFail
		p.done <- err
		close(p.done)
	}
}

func (p *fakeProc) ConnectionFailure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connFail
}

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeRunner pretends to be the encoder: on Start it emits one RTP packet
// with the configured SSRC toward the capture socket.
type fakeRunner struct {
	mu sync.Mutex

	emitSSRC uint32 // 0 disables emission (capture times out)
	startErr error
	exitErr  error // non-nil: process dies right away instead of emitting
	connFail bool

	procs   []*fakeProc
	orphans []string
}

func (r *fakeRunner) Start(spec transcoder.Spec) (TranscoderProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startErr != nil {
		return nil, r.startErr
	}

	proc := newFakeProc()
	r.procs = append(r.procs, proc)

	if r.exitErr != nil {
		connFail := r.connFail
		exitErr := r.exitErr
		go func() {
			time.Sleep(20 * time.Millisecond)
			proc.exit(exitErr, connFail)
		}()
		return proc, nil
	}

	if r.emitSSRC != 0 {
		ssrcVal := r.emitSSRC
		port := spec.RouterPort
		go func() {
			time.Sleep(30 * time.Millisecond)
			emitRTP(port, ssrcVal)
		}()
	}
	return proc, nil
}

func (r *fakeRunner) KillOrphans(rtspURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans = append(r.orphans, rtspURL)
	return 0
}

func (r *fakeRunner) lastProc() *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

func emitRTP(port int, ssrcVal uint32) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: 96,
			SSRC:        ssrcVal,
		},
		Payload: []byte{0x00},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write(raw)
}
