package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/vas-ingest/pkg/vaserr"
)

// MemoryRepository is the in-process Repository used by tests and
// single-node deployments. One mutex guards all tables, so Transition is
// trivially atomic.
type MemoryRepository struct {
	mu          sync.RWMutex
	cameras     map[string]*Camera
	streams     map[string]*Stream
	producers   map[string]*Producer
	consumers   map[string]*Consumer
	transitions map[string][]*StreamTransition // keyed by stream id
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cameras:     make(map[string]*Camera),
		streams:     make(map[string]*Stream),
		producers:   make(map[string]*Producer),
		consumers:   make(map[string]*Consumer),
		transitions: make(map[string][]*StreamTransition),
	}
}

func copyCamera(c *Camera) *Camera { out := *c; return &out }

func copyStream(s *Stream) *Stream { out := *s; return &out }

func copyProducer(p *Producer) *Producer { out := *p; return &out }

// CreateCamera inserts a camera, rejecting duplicate RTSP URLs.
func (r *MemoryRepository) CreateCamera(_ context.Context, cam *Camera) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.cameras {
		if existing.RTSPURL == cam.RTSPURL {
			return vaserr.Newf(vaserr.KindInternal, "camera with rtsp_url %q already exists", cam.RTSPURL)
		}
	}

	if cam.ID == "" {
		cam.ID = uuid.NewString()
	}
	now := time.Now()
	cam.CreatedAt = now
	cam.UpdatedAt = now
	r.cameras[cam.ID] = copyCamera(cam)
	return nil
}

func (r *MemoryRepository) GetCamera(_ context.Context, id string) (*Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cam, ok := r.cameras[id]
	if !ok {
		return nil, vaserr.Newf(vaserr.KindNotFound, "camera %s not found", id)
	}
	return copyCamera(cam), nil
}

func (r *MemoryRepository) GetCameraByRTSPURL(_ context.Context, url string) (*Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cam := range r.cameras {
		if cam.RTSPURL == url {
			return copyCamera(cam), nil
		}
	}
	return nil, vaserr.Newf(vaserr.KindNotFound, "no camera with rtsp_url %q", url)
}

func (r *MemoryRepository) ListCameras(_ context.Context) ([]*Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Camera, 0, len(r.cameras))
	for _, cam := range r.cameras {
		out = append(out, copyCamera(cam))
	}
	return out, nil
}

func (r *MemoryRepository) UpdateCamera(_ context.Context, cam *Camera) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.cameras[cam.ID]
	if !ok {
		return vaserr.Newf(vaserr.KindNotFound, "camera %s not found", cam.ID)
	}

	cam.CreatedAt = existing.CreatedAt
	cam.UpdatedAt = time.Now()
	r.cameras[cam.ID] = copyCamera(cam)
	return nil
}

func (r *MemoryRepository) DeleteCamera(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cameras[id]; !ok {
		return vaserr.Newf(vaserr.KindNotFound, "camera %s not found", id)
	}
	delete(r.cameras, id)
	return nil
}

// CreateStream inserts a stream row. A camera has at most one stream.
func (r *MemoryRepository) CreateStream(_ context.Context, st *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.streams {
		if existing.CameraID == st.CameraID {
			return vaserr.Newf(vaserr.KindInternal, "camera %s already has stream %s", st.CameraID, existing.ID)
		}
	}

	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.State == "" {
		st.State = StateInitializing
	}
	now := time.Now()
	st.CreatedAt = now
	st.UpdatedAt = now
	r.streams[st.ID] = copyStream(st)
	return nil
}

func (r *MemoryRepository) GetStream(_ context.Context, id string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.streams[id]
	if !ok {
		return nil, vaserr.Newf(vaserr.KindNotFound, "stream %s not found", id)
	}
	return copyStream(st), nil
}

func (r *MemoryRepository) GetStreamByCamera(_ context.Context, cameraID string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, st := range r.streams {
		if st.CameraID == cameraID {
			return copyStream(st), nil
		}
	}
	return nil, vaserr.Newf(vaserr.KindNotFound, "no stream for camera %s", cameraID)
}

func (r *MemoryRepository) ListStreams(_ context.Context, f StreamFilter) ([]*Stream, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Stream
	for _, st := range r.streams {
		if f.State != "" && st.State != f.State {
			continue
		}
		matched = append(matched, copyStream(st))
	}
	total := len(matched)

	// Stable order for pagination.
	sortStreamsByCreation(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func sortStreamsByCreation(streams []*Stream) {
	for i := 1; i < len(streams); i++ {
		for j := i; j > 0 && streams[j].CreatedAt.Before(streams[j-1].CreatedAt); j-- {
			streams[j], streams[j-1] = streams[j-1], streams[j]
		}
	}
}

// Transition applies one atomic state change. Illegal transitions are
// rejected before any row is touched.
func (r *MemoryRepository) Transition(_ context.Context, req TransitionRequest) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[req.StreamID]
	if !ok {
		return nil, vaserr.Newf(vaserr.KindNotFound, "stream %s not found", req.StreamID)
	}

	if err := CheckTransition(st.State, req.To); err != nil {
		return nil, err
	}

	now := time.Now()
	from := st.State
	st.State = req.To
	st.UpdatedAt = now
	if req.Metadata != nil {
		st.SessionMetadata = *req.Metadata
	}

	// Leaving the running states closes every open producer of the stream.
	if !req.To.Active() {
		r.closeProducersLocked(req.StreamID, now)
	}

	if req.NewProducer != nil {
		r.closeProducersLocked(req.StreamID, now)
		p := req.NewProducer
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.StreamID = req.StreamID
		p.State = ProducerActive
		p.CreatedAt = now
		p.UpdatedAt = now
		r.producers[p.ID] = copyProducer(p)
	}

	r.transitions[req.StreamID] = append(r.transitions[req.StreamID], &StreamTransition{
		ID:        uuid.NewString(),
		StreamID:  req.StreamID,
		From:      from,
		To:        req.To,
		Reason:    req.Reason,
		Actor:     req.Actor,
		CreatedAt: now,
	})

	return copyStream(st), nil
}

func (r *MemoryRepository) ListTransitions(_ context.Context, streamID string) ([]*StreamTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.transitions[streamID]
	out := make([]*StreamTransition, len(rows))
	for i, t := range rows {
		tt := *t
		out[i] = &tt
	}
	return out, nil
}

func (r *MemoryRepository) InsertProducer(_ context.Context, p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.State == "" {
		p.State = ProducerActive
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.producers[p.ID] = copyProducer(p)
	return nil
}

func (r *MemoryRepository) ActiveProducer(_ context.Context, streamID string) (*Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.producers {
		if p.StreamID == streamID && p.State == ProducerActive {
			return copyProducer(p), nil
		}
	}
	return nil, vaserr.Newf(vaserr.KindNotFound, "no active producer for stream %s", streamID)
}

func (r *MemoryRepository) ProducersByStream(_ context.Context, streamID string) ([]*Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Producer
	for _, p := range r.producers {
		if p.StreamID == streamID {
			out = append(out, copyProducer(p))
		}
	}
	return out, nil
}

func (r *MemoryRepository) CloseProducers(_ context.Context, streamID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeProducersLocked(streamID, time.Now()), nil
}

func (r *MemoryRepository) closeProducersLocked(streamID string, now time.Time) int {
	closed := 0
	for _, p := range r.producers {
		if p.StreamID == streamID && p.State != ProducerClosed {
			p.State = ProducerClosed
			p.UpdatedAt = now
			closed++
		}
	}
	return closed
}

func (r *MemoryRepository) InsertConsumer(_ context.Context, c *Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = ConsumerConnecting
	}
	now := time.Now()
	c.CreatedAt = now
	c.LastSeenAt = now
	r.consumers[c.ID] = &Consumer{}
	*r.consumers[c.ID] = *c
	return nil
}

func (r *MemoryRepository) CloseConsumer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return vaserr.Newf(vaserr.KindNotFound, "consumer %s not found", id)
	}
	c.State = ConsumerClosed
	return nil
}

func (r *MemoryRepository) ConsumersByStream(_ context.Context, streamID string) ([]*Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Consumer
	for _, c := range r.consumers {
		if c.StreamID == streamID {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}
