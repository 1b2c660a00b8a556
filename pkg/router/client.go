// Package router implements the RPC client for the external media router.
//
// The wire protocol is framed JSON over a websocket: each call writes one
// {"type", "payload"} frame and reads the next frame as its reply. Requests
// are serialized on the connection, which keeps correlation trivial at the
// call volume this service produces.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/vaserr"
)

const (
	requestTimeout   = 10 * time.Second
	reconnectBackoff = 500 * time.Millisecond
)

// RPC is the subset of router operations the rest of the service depends on.
type RPC interface {
	GetRouterRTPCapabilities(ctx context.Context, roomID string) (RTPCapabilities, error)
	CreatePlainTransport(ctx context.Context, roomID string, fixedPort int) (*PlainTransport, error)
	ConnectPlainTransport(ctx context.Context, transportID, peerIP string, peerPort int) error
	CreateProducer(ctx context.Context, transportID, kind string, params RTPParameters) (*Producer, error)
	CreateWebRTCTransport(ctx context.Context, roomID string) (*WebRTCTransport, error)
	ConnectWebRTCTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	Consume(ctx context.Context, transportID, producerID string, capabilities RTPCapabilities) (*Consumer, error)
	GetProducers(ctx context.Context, roomID string) ([]string, error)
	GetAllProducerStats(ctx context.Context) ([]ProducerStats, error)
	CloseProducer(ctx context.Context, producerID string) error
	CloseTransport(ctx context.Context, transportID string) error
	CloseTransportsForRoom(ctx context.Context, roomID string) (int, error)
}

// Client is a websocket RPC client for the media router. A single connection
// is shared; the mutex serializes the write-then-read request cycle so at
// most one request is in flight.
type Client struct {
	url    string
	logger *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a router client for the given websocket URL. The
// connection is established lazily on the first request.
func NewClient(url string, log *logger.Logger) *Client {
	return &Client{
		url:    url,
		logger: log,
	}
}

// Close tears down the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// connectLocked dials the router. Callers hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.conn = conn
	c.logger.Info("connected to media router", "url", c.url)
	return nil
}

// dropLocked discards a connection after an I/O error so the next request
// redials. Callers hold c.mu.
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// call performs one request/response exchange. On a fresh connection failure
// it retries the dial once after a fixed backoff; if that also fails the
// caller gets RouterUnavailable. A peer-side {"error": ...} reply becomes
// RouterError.
func (c *Client) call(ctx context.Context, opType string, payload any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		c.logger.Warn("router dial failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return vaserr.Wrap(vaserr.KindRouterUnavailable, "router connect cancelled", ctx.Err())
		case <-time.After(reconnectBackoff):
		}
		if err := c.connectLocked(ctx); err != nil {
			return vaserr.Wrap(vaserr.KindRouterUnavailable, "router connect failed", err)
		}
	}

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.logger.DebugRouter("router request", "type", opType)

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(request{Type: opType, Payload: payload}); err != nil {
		c.dropLocked()
		return vaserr.Wrap(vaserr.KindRouterUnavailable, fmt.Sprintf("write %s", opType), err)
	}

	c.conn.SetReadDeadline(deadline)
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return vaserr.Wrap(vaserr.KindRouterUnavailable, fmt.Sprintf("read %s reply", opType), err)
	}

	c.logger.DebugRouter("router reply", "type", opType, "bytes", len(raw))

	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return vaserr.Wrap(vaserr.KindRouterError, fmt.Sprintf("decode %s reply", opType), err)
	}
	if rep.Error != "" {
		return vaserr.Newf(vaserr.KindRouterError, "%s: %s", opType, rep.Error)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return vaserr.Wrap(vaserr.KindRouterError, fmt.Sprintf("decode %s reply", opType), err)
		}
	}
	return nil
}

// GetRouterRTPCapabilities fetches the router's capability descriptor for a room.
func (c *Client) GetRouterRTPCapabilities(ctx context.Context, roomID string) (RTPCapabilities, error) {
	var resp struct {
		Capabilities RTPCapabilities `json:"rtp_capabilities"`
	}
	err := c.call(ctx, "get_router_rtp_capabilities", map[string]any{"room_id": roomID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Capabilities, nil
}

// CreatePlainTransport creates a plain-RTP transport in the room. A non-zero
// fixedPort pins the router's listen port so the transcoder can target it.
func (c *Client) CreatePlainTransport(ctx context.Context, roomID string, fixedPort int) (*PlainTransport, error) {
	payload := map[string]any{"room_id": roomID}
	if fixedPort > 0 {
		payload["fixed_port"] = fixedPort
	}

	var resp PlainTransport
	if err := c.call(ctx, "create_plain_rtp_transport", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectPlainTransport points the transport at the sender's address.
func (c *Client) ConnectPlainTransport(ctx context.Context, transportID, peerIP string, peerPort int) error {
	return c.call(ctx, "connect_plain_transport", map[string]any{
		"transport_id": transportID,
		"ip":           peerIP,
		"port":         peerPort,
	}, nil)
}

// CreateProducer registers a media producer on the transport.
func (c *Client) CreateProducer(ctx context.Context, transportID, kind string, params RTPParameters) (*Producer, error) {
	var resp Producer
	err := c.call(ctx, "create_producer", map[string]any{
		"transport_id":   transportID,
		"kind":           kind,
		"rtp_parameters": params,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateWebRTCTransport creates a consumer-facing WebRTC transport.
func (c *Client) CreateWebRTCTransport(ctx context.Context, roomID string) (*WebRTCTransport, error) {
	var resp WebRTCTransport
	err := c.call(ctx, "create_webrtc_transport", map[string]any{"room_id": roomID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectWebRTCTransport completes the DTLS handshake for a WebRTC transport.
func (c *Client) ConnectWebRTCTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return c.call(ctx, "connect_webrtc_transport", map[string]any{
		"transport_id":    transportID,
		"dtls_parameters": dtlsParameters,
	}, nil)
}

// Consume attaches a consumer for producerID on the given transport.
func (c *Client) Consume(ctx context.Context, transportID, producerID string, capabilities RTPCapabilities) (*Consumer, error) {
	var resp Consumer
	err := c.call(ctx, "consume", map[string]any{
		"transport_id":     transportID,
		"producer_id":      producerID,
		"rtp_capabilities": capabilities,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProducers lists the producer ids currently registered in the room.
func (c *Client) GetProducers(ctx context.Context, roomID string) ([]string, error) {
	var resp struct {
		Producers []string `json:"producers"`
	}
	err := c.call(ctx, "get_producers", map[string]any{"room_id": roomID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Producers, nil
}

// GetAllProducerStats returns packet counters for every producer the router
// knows about, across all rooms.
func (c *Client) GetAllProducerStats(ctx context.Context) ([]ProducerStats, error) {
	var resp struct {
		Stats []ProducerStats `json:"stats"`
	}
	err := c.call(ctx, "get_all_producer_stats", map[string]any{}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// CloseProducer closes one producer.
func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	return c.call(ctx, "close_producer", map[string]any{"producer_id": producerID}, nil)
}

// CloseTransport closes one transport.
func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	return c.call(ctx, "close_transport", map[string]any{"transport_id": transportID}, nil)
}

// CloseTransportsForRoom closes every transport in the room and returns the
// number closed. Used before (re)starting a camera so its UDP port frees up.
func (c *Client) CloseTransportsForRoom(ctx context.Context, roomID string) (int, error) {
	var resp struct {
		Closed int `json:"closed"`
	}
	err := c.call(ctx, "close_transports_for_room", map[string]any{"room_id": roomID}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Closed, nil
}
