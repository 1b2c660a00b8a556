package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ethan/vas-ingest/pkg/logger"
	"github.com/ethan/vas-ingest/pkg/vaserr"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

// fakeRouter answers each frame via the handler function.
func fakeRouter(t *testing.T, handle func(req map[string]any) any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(handle(req)); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCreatePlainTransport(t *testing.T) {
	srv := fakeRouter(t, func(req map[string]any) any {
		require.Equal(t, "create_plain_rtp_transport", req["type"])
		payload := req["payload"].(map[string]any)
		require.Equal(t, "room-1", payload["room_id"])
		require.Equal(t, float64(40123), payload["fixed_port"])
		return map[string]any{"transport_id": "t1", "port": 40123}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	tr, err := c.CreatePlainTransport(context.Background(), "room-1", 40123)
	require.NoError(t, err)
	require.Equal(t, "t1", tr.TransportID)
	require.Equal(t, 40123, tr.Port)
}

func TestCreateProducerSendsRTPParameters(t *testing.T) {
	var got map[string]any
	srv := fakeRouter(t, func(req map[string]any) any {
		got = req["payload"].(map[string]any)
		return map[string]any{"producer_id": "p1"}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	prod, err := c.CreateProducer(context.Background(), "t1", "video", VideoRTPParameters(0xDEADBEEF))
	require.NoError(t, err)
	require.Equal(t, "p1", prod.ProducerID)

	params := got["rtp_parameters"].(map[string]any)
	encodings := params["encodings"].([]any)
	require.Len(t, encodings, 1)
	require.Equal(t, float64(0xDEADBEEF), encodings[0].(map[string]any)["ssrc"])

	codecs := params["codecs"].([]any)
	codec := codecs[0].(map[string]any)
	require.Equal(t, "video/H264", codec["mimeType"])
	require.Equal(t, float64(96), codec["payloadType"])
	require.Equal(t, float64(90000), codec["clockRate"])
}

func TestPeerErrorBecomesRouterError(t *testing.T) {
	srv := fakeRouter(t, func(req map[string]any) any {
		return map[string]any{"error": "room not found"}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	_, err := c.GetProducers(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, vaserr.Is(err, vaserr.KindRouterError))
	require.Contains(t, err.Error(), "room not found")
}

func TestUnreachableRouterIsUnavailable(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/rpc", testLogger(t))
	defer c.Close()

	_, err := c.GetAllProducerStats(context.Background())
	require.Error(t, err)
	require.True(t, vaserr.Is(err, vaserr.KindRouterUnavailable))
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	srv := fakeRouter(t, func(req map[string]any) any {
		return map[string]any{"producers": []string{"p1"}}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	_, err := c.GetProducers(context.Background(), "room-1")
	require.NoError(t, err)

	// Drop the established websocket out from under the client. Close()
	// leaves hijacked connections alone, so force it.
	srv.CloseClientConnections()

	// Depending on how quickly the peer reset surfaces, the next call either
	// fails once with RouterUnavailable or writes into the dead socket and
	// fails on the read. Either way the connection is discarded and the call
	// after that must redial and succeed.
	producers, err := c.GetProducers(context.Background(), "room-1")
	if err != nil {
		require.True(t, vaserr.Is(err, vaserr.KindRouterUnavailable))
		producers, err = c.GetProducers(context.Background(), "room-1")
	}
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, producers)
}

func TestGetAllProducerStats(t *testing.T) {
	srv := fakeRouter(t, func(req map[string]any) any {
		return map[string]any{
			"stats": []map[string]any{
				{"producer_id": "p1", "room_id": "room-1", "packets_received": 42},
				{"producer_id": "p2", "room_id": "room-2", "packets_received": 0},
			},
		}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	stats, err := c.GetAllProducerStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "p1", stats[0].ProducerID)
	require.Equal(t, int64(42), stats[0].PacketsReceived)
}

func TestCloseTransportsForRoom(t *testing.T) {
	srv := fakeRouter(t, func(req map[string]any) any {
		return map[string]any{"closed": 2}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	n, err := c.CloseTransportsForRoom(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestConsume(t *testing.T) {
	srv := fakeRouter(t, func(req map[string]any) any {
		payload := req["payload"].(map[string]any)
		require.Equal(t, "t-webrtc", payload["transport_id"])
		require.Equal(t, "p1", payload["producer_id"])
		return map[string]any{
			"consumer_id":    "c1",
			"producer_id":    "p1",
			"kind":           "video",
			"rtp_parameters": map[string]any{"codecs": []any{}},
		}
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), testLogger(t))
	defer c.Close()

	cons, err := c.Consume(context.Background(), "t-webrtc", "p1", RTPCapabilities{"codecs": []any{}})
	require.NoError(t, err)
	require.Equal(t, "c1", cons.ConsumerID)
	require.Equal(t, "video", cons.Kind)
	require.NotEmpty(t, cons.RTPParameters)
	require.True(t, json.Valid(cons.RTPParameters))
}
