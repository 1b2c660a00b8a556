package store

import "context"

// StreamFilter selects streams for listing.
type StreamFilter struct {
	State  StreamState // zero value matches all states
	Limit  int         // 0 means no limit
	Offset int
}

// TransitionRequest is one atomic state change: the state write, the audit
// row, an optional session-metadata update, an optional new ACTIVE producer,
// and the producer cascade are applied in a single unit or not at all.
type TransitionRequest struct {
	StreamID string
	To       StreamState
	Reason   string
	Actor    string

	// Metadata replaces the stream's session metadata when non-nil.
	Metadata *SessionMetadata

	// NewProducer, when non-nil, is inserted as the stream's ACTIVE producer;
	// any previously ACTIVE producers are closed first.
	NewProducer *Producer
}

// Repository is the persistence boundary. Implementations must make
// Transition atomic: an illegal transition leaves every row untouched.
type Repository interface {
	// Cameras
	CreateCamera(ctx context.Context, cam *Camera) error
	GetCamera(ctx context.Context, id string) (*Camera, error)
	GetCameraByRTSPURL(ctx context.Context, url string) (*Camera, error)
	ListCameras(ctx context.Context) ([]*Camera, error)
	UpdateCamera(ctx context.Context, cam *Camera) error
	DeleteCamera(ctx context.Context, id string) error

	// Streams
	CreateStream(ctx context.Context, st *Stream) error
	GetStream(ctx context.Context, id string) (*Stream, error)
	GetStreamByCamera(ctx context.Context, cameraID string) (*Stream, error)
	ListStreams(ctx context.Context, f StreamFilter) ([]*Stream, int, error)
	Transition(ctx context.Context, req TransitionRequest) (*Stream, error)
	ListTransitions(ctx context.Context, streamID string) ([]*StreamTransition, error)

	// Producers
	InsertProducer(ctx context.Context, p *Producer) error
	ActiveProducer(ctx context.Context, streamID string) (*Producer, error)
	ProducersByStream(ctx context.Context, streamID string) ([]*Producer, error)
	CloseProducers(ctx context.Context, streamID string) (int, error)

	// Consumers
	InsertConsumer(ctx context.Context, c *Consumer) error
	CloseConsumer(ctx context.Context, id string) error
	ConsumersByStream(ctx context.Context, streamID string) ([]*Consumer, error)
}
