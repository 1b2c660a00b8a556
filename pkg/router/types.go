package router

import "encoding/json"

// request is the client-to-server frame. Every call is one request frame
// followed by exactly one reply frame.
type request struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// reply extracts the optional peer-side error before the frame is decoded
// into the operation-specific response struct.
type reply struct {
	Error string `json:"error,omitempty"`
}

// RTPParameters is the producer parameter block sent to the router. Shapes
// follow the mediasoup plain-transport conventions.
type RTPParameters struct {
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings"`
}

// RTPCodecParameters describes one codec within RTPParameters.
type RTPCodecParameters struct {
	MimeType    string         `json:"mimeType"`
	ClockRate   int            `json:"clockRate"`
	PayloadType uint8          `json:"payloadType"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// RTPEncoding carries the SSRC the router demultiplexes on.
type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

// VideoRTPParameters builds the H.264 parameter block used for every camera
// producer: baseline profile, payload type 96, 90 kHz clock.
func VideoRTPParameters(ssrc uint32) RTPParameters {
	return RTPParameters{
		Codecs: []RTPCodecParameters{
			{
				MimeType:    "video/H264",
				ClockRate:   90000,
				PayloadType: 96,
				Parameters: map[string]any{
					"packetization-mode":      1,
					"profile-level-id":        "42e01f",
					"level-asymmetry-allowed": 1,
				},
			},
		},
		Encodings: []RTPEncoding{{SSRC: ssrc}},
	}
}

// RTPCapabilities is the router's capability descriptor, passed through to
// consumers unmodified.
type RTPCapabilities map[string]any

// PlainTransport is the reply to create_plain_rtp_transport.
type PlainTransport struct {
	TransportID string `json:"transport_id"`
	Port        int    `json:"port"`
	IP          string `json:"ip,omitempty"`
}

// WebRTCTransport is the reply to create_webrtc_transport.
type WebRTCTransport struct {
	TransportID    string          `json:"transport_id"`
	ICEParameters  json.RawMessage `json:"ice_parameters"`
	ICECandidates  json.RawMessage `json:"ice_candidates"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

// Producer is the reply to create_producer.
type Producer struct {
	ProducerID string `json:"producer_id"`
}

// Consumer is the reply to consume.
type Consumer struct {
	ConsumerID    string          `json:"consumer_id"`
	ProducerID    string          `json:"producer_id"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtp_parameters"`
}

// ProducerStats is one entry of the get_all_producer_stats reply.
type ProducerStats struct {
	ProducerID      string          `json:"producer_id"`
	RoomID          string          `json:"room_id"`
	PacketsReceived int64           `json:"packets_received"`
	TransportStats  json.RawMessage `json:"transport_stats,omitempty"`
}
