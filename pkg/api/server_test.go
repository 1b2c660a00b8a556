package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/vas-ingest/pkg/health"
	"github.com/ethan/vas-ingest/pkg/ingest"
	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/router"
	"github.com/ethan/vas-ingest/pkg/store"
	"github.com/ethan/vas-ingest/pkg/vaserr"
)

type fakeIngestor struct {
	registry *ingest.Registry

	startRes *ingest.StartResult
	startErr error
	stopErr  error

	probeSSRC uint32
	probeErr  error

	startCalls []string
	stopCalls  []string
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{registry: ingest.NewRegistry()}
}

func (f *fakeIngestor) Start(_ context.Context, cameraID string) (*ingest.StartResult, error) {
	f.startCalls = append(f.startCalls, cameraID)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.startRes, nil
}

func (f *fakeIngestor) Stop(_ context.Context, cameraID string) error {
	f.stopCalls = append(f.stopCalls, cameraID)
	return f.stopErr
}

func (f *fakeIngestor) Probe(_ context.Context, _ string) (uint32, error) {
	return f.probeSSRC, f.probeErr
}

func (f *fakeIngestor) Registry() *ingest.Registry { return f.registry }

type fakeHealth struct {
	status      health.Status
	failed      map[string]bool
	markedRooms []string
}

func (f *fakeHealth) GetStatus() health.Status { return f.status }

func (f *fakeHealth) MarkHealthy(roomID string) {
	f.markedRooms = append(f.markedRooms, roomID)
	delete(f.failed, roomID)
}

func (f *fakeHealth) Failed(roomID string) bool { return f.failed[roomID] }

type fakeCaps struct {
	caps router.RTPCapabilities
	err  error
}

func (f *fakeCaps) GetRouterRTPCapabilities(_ context.Context, _ string) (router.RTPCapabilities, error) {
	return f.caps, f.err
}

type testEnv struct {
	server *Server
	repo   *store.MemoryRepository
	ing    *fakeIngestor
	hs     *fakeHealth
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	repo := store.NewMemoryRepository()
	ing := newFakeIngestor()
	hs := &fakeHealth{failed: make(map[string]bool)}

	srv := NewServer(Options{
		Repo:     repo,
		Ingestor: ing,
		Health:   hs,
		Router:   &fakeCaps{},
		QueueStats: func() ingest.QueueStats {
			return ingest.QueueStats{TotalEnqueued: 7}
		},
		Logger: log,
		Addr:   "127.0.0.1:0",
	})
	return &testEnv{server: srv, repo: repo, ing: ing, hs: hs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) addCamera(t *testing.T, id, url string) *store.Camera {
	t.Helper()
	cam := &store.Camera{ID: id, Name: "cam " + id, RTSPURL: url}
	require.NoError(t, e.repo.CreateCamera(context.Background(), cam))
	return cam
}

func TestCreateCamera(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/cameras", map[string]string{
		"name":     "front door",
		"rtsp_url": "rtsp://10.0.0.5:554/stream",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	require.NotEmpty(t, body["id"])
	require.Equal(t, "front door", body["name"])
}

func TestCreateCameraRejectsBadURL(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/cameras", map[string]string{
		"name":     "x",
		"rtsp_url": "http://not-rtsp",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "BAD_REQUEST", decode(t, rec)["error_code"])
}

func TestCreateCameraDuplicateURLConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam-1", "rtsp://10.0.0.5/stream")

	rec := env.do(t, http.MethodPost, "/api/v1/cameras", map[string]string{
		"name":     "copy",
		"rtsp_url": "rtsp://10.0.0.5/stream",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decode(t, rec)
	require.Equal(t, "ILLEGAL_TRANSITION", body["error_code"])
	require.EqualValues(t, 5, body["retry_after_seconds"])
}

func TestDeleteCameraWithRunningStreamConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam-1", "rtsp://10.0.0.5/stream")
	env.ing.registry.Put(&ingest.Session{CameraID: "cam-1", RoomID: "cam-1"})

	rec := env.do(t, http.MethodDelete, "/api/v1/cameras/cam-1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Stopped camera deletes fine.
	env.ing.registry.Delete("cam-1")
	rec = env.do(t, http.MethodDelete, "/api/v1/cameras/cam-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartStreamSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam-1", "rtsp://10.0.0.5/stream")

	env.ing.startRes = &ingest.StartResult{
		CameraID:      "cam-1",
		RoomID:        "cam-1",
		StreamID:      "stream-1",
		TransportID:   "t1",
		VideoProducer: "p1",
		SSRC:          3735928559,
		StartedAt:     time.Now(),
		ProducerReady: true,
	}

	rec := env.do(t, http.MethodPost, "/api/v1/cameras/cam-1/start-stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, "started", body["status"])
	require.Equal(t, "stream-1", body["v2_stream_id"])
	require.Equal(t, "t1", body["transport_id"])
	require.EqualValues(t, 3735928559, body["ssrc"])
	require.Equal(t, "p1", body["producers"].(map[string]any)["video"])
	require.Equal(t, true, body["producer_ready"])

	// A successful manual start lifts any FAILED verdict.
	require.Equal(t, []string{"cam-1"}, env.hs.markedRooms)
}

func TestStartStreamReconnect(t *testing.T) {
	env := newTestEnv(t)

	env.ing.startRes = &ingest.StartResult{
		CameraID: "cam-1", RoomID: "cam-1", StreamID: "stream-1",
		ProducerReady: true, Reconnect: true,
	}

	rec := env.do(t, http.MethodPost, "/api/v1/cameras/cam-1/start-stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "reconnected", body["status"])
	require.Equal(t, true, body["reconnect"])
}

func TestStartStreamErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown camera", vaserr.New(vaserr.KindNotFound, "camera missing"), http.StatusNotFound, "NOT_FOUND"},
		{"router down", vaserr.New(vaserr.KindRouterUnavailable, "dial refused"), http.StatusServiceUnavailable, "ROUTER_UNAVAILABLE"},
		{"bad rtsp source", vaserr.New(vaserr.KindRTSPConnectionFailed, "connection refused"), http.StatusBadGateway, "RTSP_CONNECTION_FAILED"},
		{"transcoder crash", vaserr.New(vaserr.KindTranscoderError, "exited"), http.StatusInternalServerError, "TRANSCODER_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ing.startErr = tc.err

			rec := env.do(t, http.MethodPost, "/api/v1/cameras/cam-1/start-stream", nil)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decode(t, rec)["error_code"])
			require.Empty(t, env.hs.markedRooms)
		})
	}
}

func TestStopStream(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/cameras/cam-1/stop-stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "stopped", decode(t, rec)["status"])
	require.Equal(t, []string{"cam-1"}, env.ing.stopCalls)
}

func TestValidateCamera(t *testing.T) {
	env := newTestEnv(t)
	env.ing.probeSSRC = 0xDEADBEEF

	rec := env.do(t, http.MethodPost, "/api/v1/cameras/validate", map[string]string{
		"rtsp_url": "rtsp://10.0.0.9/stream",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, true, body["valid"])
	require.EqualValues(t, 3735928559, body["ssrc"])
}

func TestValidateCameraUnreachableSource(t *testing.T) {
	env := newTestEnv(t)
	env.ing.probeErr = vaserr.New(vaserr.KindRTSPConnectionFailed, "connection refused")

	rec := env.do(t, http.MethodPost, "/api/v1/cameras/validate", map[string]string{
		"rtsp_url": "rtsp://10.0.0.9/stream",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, false, body["valid"])
	require.Equal(t, "RTSP_CONNECTION_FAILED", body["reason"])
}

func TestCameraStatus(t *testing.T) {
	env := newTestEnv(t)
	cam := env.addCamera(t, "cam-1", "rtsp://10.0.0.5/stream")

	ctx := context.Background()
	st := &store.Stream{CameraID: cam.ID, Codec: store.DefaultCodecConfig()}
	require.NoError(t, env.repo.CreateStream(ctx, st))

	env.ing.registry.Put(&ingest.Session{
		CameraID:     "cam-1",
		RoomID:       "cam-1",
		TransportID:  "t1",
		ProducerID:   "p1",
		AssignedPort: 41234,
		SSRC:         42,
		StartedAt:    time.Now(),
	})
	env.hs.failed["cam-1"] = true

	rec := env.do(t, http.MethodGet, "/api/v1/cameras/cam-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, true, body["auto_restart_suspended"])
	sess := body["session"].(map[string]any)
	require.Equal(t, "t1", sess["transport_id"])
	require.EqualValues(t, 41234, sess["assigned_port"])
}

func TestListStreamsFilterValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/streams?state=BOGUS", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/streams?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListStreams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"cam-1", "cam-2"} {
		env.addCamera(t, id, "rtsp://10.0.0.5/"+id)
		require.NoError(t, env.repo.CreateStream(ctx, &store.Stream{CameraID: id}))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.EqualValues(t, 2, body["total"])
	require.Len(t, body["streams"], 2)
}

func TestStreamHealth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addCamera(t, "cam-1", "rtsp://10.0.0.5/stream")
	st := &store.Stream{CameraID: "cam-1"}
	require.NoError(t, env.repo.CreateStream(ctx, st))
	_, err := env.repo.Transition(ctx, store.TransitionRequest{
		StreamID: st.ID, To: store.StateLive, Reason: "stream_started", Actor: "test",
	})
	require.NoError(t, err)

	env.ing.registry.Put(&ingest.Session{CameraID: "cam-1", RoomID: "cam-1"})

	rec := env.do(t, http.MethodGet, "/api/v1/streams/"+st.ID+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, "healthy", body["verdict"])
	require.Equal(t, true, body["healthy"])

	// A stream being nursed by the monitor is degraded, not healthy.
	env.hs.status = health.Status{RestartAttempts: map[string]int{"cam-1": 2}}
	rec = env.do(t, http.MethodGet, "/api/v1/streams/"+st.ID+"/health", nil)
	body = decode(t, rec)
	require.Equal(t, "degraded", body["verdict"])
	require.Equal(t, false, body["healthy"])
	require.EqualValues(t, 2, body["restart_attempts"])
}

func TestStreamTransitionsAudit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addCamera(t, "cam-1", "rtsp://10.0.0.5/stream")
	st := &store.Stream{CameraID: "cam-1"}
	require.NoError(t, env.repo.CreateStream(ctx, st))
	_, err := env.repo.Transition(ctx, store.TransitionRequest{
		StreamID: st.ID, To: store.StateLive, Reason: "stream_started", Actor: "orchestrator",
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/streams/"+st.ID+"/transitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["total"])
}

func TestHealthOverview(t *testing.T) {
	env := newTestEnv(t)
	env.ing.registry.Put(&ingest.Session{CameraID: "cam-1", RoomID: "cam-1", ProducerID: "p1"})
	env.hs.status = health.Status{Running: true, MonitoredProducers: 1}

	rec := env.do(t, http.MethodGet, "/api/v1/health/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Len(t, body["active_sessions"], 1)
	require.Equal(t, true, body["monitor"].(map[string]any)["running"])
	require.EqualValues(t, 7, body["restart_queue"].(map[string]any)["TotalEnqueued"])
}

func TestUnknownCameraIs404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/cameras/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", decode(t, rec)["error_code"])
}
