// Package store holds the persistence model for cameras, streams and
// producers, the stream state machine, and the repository interface the
// orchestration layer writes through.
package store

import (
	"encoding/json"
	"time"
)

// Camera is an RTSP source registered with the service.
type Camera struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	RTSPURL   string    `json:"rtsp_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CodecConfig is the codec snapshot persisted with a stream.
type CodecConfig struct {
	Codec       string `json:"codec"`
	Profile     string `json:"profile"`
	PayloadType uint8  `json:"payload_type"`
}

// DefaultCodecConfig matches what the transcoder produces on the RTP leg.
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{Codec: "H264", Profile: "42e01f", PayloadType: 96}
}

// SessionMetadata is the live-session snapshot stored on a stream row.
type SessionMetadata struct {
	TransportID       string    `json:"transport_id,omitempty"`
	ProducerID        string    `json:"producer_id,omitempty"`
	SSRC              uint32    `json:"ssrc,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	LastRestartReason string    `json:"last_restart_reason,omitempty"`
}

// Stream is the per-camera lifecycle record. At most one exists per camera.
type Stream struct {
	ID              string          `json:"id"`
	CameraID        string          `json:"camera_id"`
	State           StreamState     `json:"state"`
	Codec           CodecConfig     `json:"codec"`
	SessionMetadata SessionMetadata `json:"session_metadata"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ProducerState is the lifecycle of a producer row.
type ProducerState string

const (
	ProducerActive ProducerState = "ACTIVE"
	ProducerClosed ProducerState = "CLOSED"
)

// Producer records a router-side producer bound to a stream.
type Producer struct {
	ID                string          `json:"id"`
	StreamID          string          `json:"stream_id"`
	RouterProducerID  string          `json:"router_producer_id"`
	RouterTransportID string          `json:"router_transport_id"`
	RouterRoomID      string          `json:"router_room_id"`
	SSRC              uint32          `json:"ssrc"`
	RTPParameters     json.RawMessage `json:"rtp_parameters,omitempty"`
	State             ProducerState   `json:"state"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ConsumerState is the lifecycle of a consumer row.
type ConsumerState string

const (
	ConsumerConnecting ConsumerState = "CONNECTING"
	ConsumerConnected  ConsumerState = "CONNECTED"
	ConsumerPaused     ConsumerState = "PAUSED"
	ConsumerClosed     ConsumerState = "CLOSED"
)

// Consumer records a router-side consumer attached by a viewing client.
// The service only opens and closes these; clients drive the rest.
type Consumer struct {
	ID                string        `json:"id"`
	StreamID          string        `json:"stream_id"`
	ClientID          string        `json:"client_id"`
	RouterConsumerID  string        `json:"router_consumer_id"`
	RouterTransportID string        `json:"router_transport_id"`
	State             ConsumerState `json:"state"`
	LastSeenAt        time.Time     `json:"last_seen_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// StreamTransition is the audit row written with every state change.
type StreamTransition struct {
	ID        string            `json:"id"`
	StreamID  string            `json:"stream_id"`
	From      StreamState       `json:"from"`
	To        StreamState       `json:"to"`
	Reason    string            `json:"reason"`
	Actor     string            `json:"actor"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
