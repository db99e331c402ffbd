package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

const readTimeout = 3 * time.Second

type testRelay struct {
	srv     *Server
	url     string
	metrics *metrics.Metrics
}

func startRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
		ts.Close()
	})

	return &testRelay{
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/",
		metrics: cfg.Metrics,
	}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func (r *testRelay) dial(t *testing.T) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

// join dials and consumes the your_id frame.
func (r *testRelay) join(t *testing.T) *testClient {
	t.Helper()
	c := r.dial(t)
	msg := c.read()
	require.Equal(t, TypeYourID, msg["type"])
	id, ok := msg["id"].(string)
	require.True(t, ok)
	c.id = id
	return c
}

func (c *testClient) read() map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	mt, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.TextMessage, mt)
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

func (c *testClient) expect(typ, id string) {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, map[string]any{"type": typ, "id": id}, msg)
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *testClient) sendRaw(mt int, data string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(mt, []byte(data)))
}

// readUntilClose drains frames until the server closes the socket and
// returns the frames seen plus the close error.
func (c *testClient) readUntilClose() ([]map[string]any, *websocket.CloseError) {
	c.t.Helper()
	var frames []map[string]any
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(c.t, errors.As(err, &closeErr), "expected close error, got %v", err)
			return frames, closeErr
		}
		var msg map[string]any
		require.NoError(c.t, json.Unmarshal(data, &msg))
		frames = append(frames, msg)
	}
}

func TestRelay_EndToEndScenario(t *testing.T) {
	relay := startRelay(t, Config{})

	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	c := relay.join(t)
	a.expect(TypeNewPeer, c.id)
	b.expect(TypeNewPeer, c.id)

	payload := map[string]any{"type": "offer", "sdp": "v=0"}
	b.send(map[string]any{"type": "offer", "recipientId": c.id, "payload": payload})
	require.Equal(t, map[string]any{
		"type":        "offer",
		"recipientId": c.id,
		"senderId":    b.id,
		"payload":     payload,
	}, c.read())

	require.NoError(t, b.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	frames, _ := b.readUntilClose()
	require.Empty(t, frames, "departed client must receive nothing")

	// The next frame for A and C is the departure: A never saw the offer and
	// C was never told about itself.
	a.expect(TypePeerLeft, b.id)
	c.expect(TypePeerLeft, b.id)

	// Addressed to the departed peer: dropped without any error to C.
	c.send(map[string]any{"type": "candidate", "recipientId": b.id})

	c.send(map[string]any{"type": "chat", "recipientId": a.id, "n": 1})
	require.Equal(t, map[string]any{"type": "chat", "recipientId": a.id, "senderId": c.id, "n": float64(1)}, a.read())

	require.Eventually(t, func() bool {
		return relay.metrics.Get(metrics.RouteUnknownRecipient) == 1
	}, readTimeout, 10*time.Millisecond)
	require.Equal(t, 2, relay.srv.Registry().Len())
	_, ok := relay.srv.Registry().Lookup(b.id)
	require.False(t, ok)
}

func TestRelay_IdentitiesAreUniqueUUIDs(t *testing.T) {
	relay := startRelay(t, Config{})

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, _, err := websocket.DefaultDialer.Dial(relay.url, nil)
			if err != nil {
				ids <- "dial error: " + err.Error()
				return
			}
			t.Cleanup(func() { _ = ws.Close() })
			_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				ids <- "read error: " + err.Error()
				return
			}
			if msg["type"] != TypeYourID {
				ids <- fmt.Sprintf("first frame was %v", msg)
				return
			}
			id, _ := msg["id"].(string)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		_, err := uuid.Parse(id)
		require.NoError(t, err, "identity %q", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
	require.Equal(t, n, relay.srv.Registry().Len())
}

func TestRelay_MalformedInputKeepsConnectionOpen(t *testing.T) {
	relay := startRelay(t, Config{})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	a.sendRaw(websocket.TextMessage, "not json")
	a.sendRaw(websocket.BinaryMessage, `{"type":"offer","recipientId":"`+b.id+`"}`)
	a.sendRaw(websocket.TextMessage, `[1,2]`)
	a.sendRaw(websocket.TextMessage, `{"recipientId":"`+b.id+`"}`)
	a.send(map[string]any{"type": TypePeerLeft, "id": a.id, "recipientId": b.id})
	a.send(map[string]any{"type": "offer"})
	a.send(map[string]any{"type": "offer", "recipientId": b.id, "seq": 1})

	msg := b.read()
	require.Equal(t, "offer", msg["type"])
	require.Equal(t, float64(1), msg["seq"])

	require.Equal(t, uint64(5), relay.metrics.Get(metrics.EnvelopeMalformed))
	require.Equal(t, uint64(1), relay.metrics.Get(metrics.EnvelopeUnaddressed))
	require.Equal(t, 2, relay.srv.Registry().Len())
}

func TestRelay_SenderIDCannotBeSpoofed(t *testing.T) {
	relay := startRelay(t, Config{})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	a.send(map[string]any{"type": "answer", "recipientId": b.id, "senderId": "someone-else"})
	require.Equal(t, a.id, b.read()["senderId"])
}

func TestRelay_PreservesPerSenderOrder(t *testing.T) {
	relay := startRelay(t, Config{})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	const n = 100
	for i := 0; i < n; i++ {
		a.send(map[string]any{"type": "candidate", "recipientId": b.id, "seq": i})
	}
	for i := 0; i < n; i++ {
		require.Equal(t, float64(i), b.read()["seq"])
	}
}

func TestRelay_DisconnectIsIdempotent(t *testing.T) {
	relay := startRelay(t, Config{})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	var conn *Conn
	relay.srv.mu.Lock()
	for c := range relay.srv.conns {
		if c.ID() == a.id {
			conn = c
		}
	}
	relay.srv.mu.Unlock()
	require.NotNil(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.srv.disconnect(conn, websocket.CloseNormalClosure, "test")
		}()
	}
	wg.Wait()
	require.Equal(t, StateClosed, conn.State())

	b.expect(TypePeerLeft, a.id)

	// The next frame B sees is its own self-addressed envelope, not a second
	// peer_left.
	b.send(map[string]any{"type": "check", "recipientId": b.id})
	require.Equal(t, "check", b.read()["type"])
	require.Equal(t, uint64(1), relay.metrics.Get(metrics.ClientDisconnected))
}

func TestRelay_TooManyClients(t *testing.T) {
	relay := startRelay(t, Config{MaxClients: 1})
	a := relay.join(t)

	rejected := relay.dial(t)
	frames, closeErr := rejected.readUntilClose()
	require.Empty(t, frames)
	require.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)

	require.Equal(t, 1, relay.srv.Registry().Len())
	_, ok := relay.srv.Registry().Lookup(a.id)
	require.True(t, ok)
	require.Equal(t, uint64(1), relay.metrics.Get(metrics.ClientRejectedLimit))
}

func sequenceIdentities(ids ...string) IdentityFunc {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ids) == 0 {
			return "", errors.New("out of identities")
		}
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}
}

func TestRelay_DuplicateIdentityIsRegenerated(t *testing.T) {
	relay := startRelay(t, Config{NewIdentity: sequenceIdentities("first", "first", "second")})

	a := relay.join(t)
	require.Equal(t, "first", a.id)

	b := relay.join(t)
	require.Equal(t, "second", b.id)
	a.expect(TypeNewPeer, "second")

	require.Equal(t, uint64(1), relay.metrics.Get(metrics.IdentityCollision))
}

func TestRelay_DuplicateIdentityExhausted(t *testing.T) {
	relay := startRelay(t, Config{NewIdentity: sequenceIdentities("same", "same", "same", "same")})

	a := relay.join(t)
	rejected := relay.dial(t)
	frames, closeErr := rejected.readUntilClose()
	require.Empty(t, frames)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)

	_, ok := relay.srv.Registry().Lookup(a.id)
	require.True(t, ok, "rejected connection must not evict the existing entry")
	require.Equal(t, 1, relay.srv.Registry().Len())

	a.send(map[string]any{"type": "check", "recipientId": a.id})
	require.Equal(t, "check", a.read()["type"], "existing client must not be told about the rejected one")
}

func TestRelay_OversizeMessageDisconnects(t *testing.T) {
	relay := startRelay(t, Config{MaxMessageBytes: 1024})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	a.send(map[string]any{"type": "offer", "recipientId": b.id, "sdp": strings.Repeat("x", 4096)})

	// The unread remainder of the frame may turn the server's close into a
	// reset, so only check the code when the close frame made it through.
	_ = a.ws.SetReadDeadline(time.Now().Add(readTimeout))
	_, _, err := a.ws.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		require.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
	}

	b.expect(TypePeerLeft, a.id)
}

func TestRelay_RateLimitDropsExcess(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	relay := startRelay(t, Config{MaxMessagesPerSecond: 2, Clock: clk})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	for i := 1; i <= 3; i++ {
		a.send(map[string]any{"type": "candidate", "recipientId": b.id, "seq": i})
	}
	require.Equal(t, float64(1), b.read()["seq"])
	require.Equal(t, float64(2), b.read()["seq"])
	require.Eventually(t, func() bool {
		return relay.metrics.Get(metrics.RateLimited) == 1
	}, readTimeout, 10*time.Millisecond)

	clk.Advance(time.Second)
	a.send(map[string]any{"type": "candidate", "recipientId": b.id, "seq": 4})
	require.Equal(t, float64(4), b.read()["seq"])
	require.Equal(t, 2, relay.srv.Registry().Len(), "rate limiting must not disconnect")
}

func TestRelay_IdleTimeoutClosesWithoutPong(t *testing.T) {
	relay := startRelay(t, Config{IdleTimeout: 300 * time.Millisecond, PingInterval: 50 * time.Millisecond})
	a := relay.dial(t)

	pingSeen := make(chan struct{}, 1)
	a.ws.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// Intentionally do not respond with pong.
		return nil
	})

	frames, closeErr := a.readUntilClose()
	require.Len(t, frames, 1)
	require.Equal(t, TypeYourID, frames[0]["type"])
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	select {
	case <-pingSeen:
	default:
		t.Fatalf("expected at least one server ping before the idle close")
	}
	require.Equal(t, 0, relay.srv.Registry().Len())
}

func TestRelay_PongKeepsConnectionOpen(t *testing.T) {
	idle := 300 * time.Millisecond
	relay := startRelay(t, Config{IdleTimeout: idle, PingInterval: 50 * time.Millisecond})
	a := relay.join(t)

	// The default ping handler answers with a pong while a read is pending.
	errCh := make(chan error, 1)
	go func() {
		_ = a.ws.SetReadDeadline(time.Now().Add(10 * idle))
		_, _, err := a.ws.ReadMessage()
		errCh <- err
	}()

	time.Sleep(3 * idle)
	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	default:
	}
	require.Equal(t, 1, relay.srv.Registry().Len())
}

func TestRelay_CloseSendsGoingAway(t *testing.T) {
	relay := startRelay(t, Config{})
	a := relay.join(t)
	b := relay.join(t)
	a.expect(TypeNewPeer, b.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, relay.srv.Close(ctx))
	require.ErrorIs(t, relay.srv.Ready(), ErrServerClosed)

	for _, c := range []*testClient{a, b} {
		_, closeErr := c.readUntilClose()
		require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	}
	require.Equal(t, 0, relay.srv.Registry().Len())

	_, resp, err := websocket.DefaultDialer.Dial(relay.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_CloseIsBoundedByContextWithStalledPeer(t *testing.T) {
	relay := startRelay(t, Config{SendQueueMessages: 512})
	a := relay.join(t)
	stalled := relay.join(t)
	a.expect(TypeNewPeer, stalled.id)

	// stalled never reads again, so its socket buffers fill and the relay's
	// writer blocks on it.
	filler := strings.Repeat("x", 60000)
	for i := 0; i < 400; i++ {
		a.send(map[string]any{"type": "chat", "recipientId": stalled.id, "text": filler})
	}
	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_ = relay.srv.Close(ctx)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Eventually(t, func() bool {
		return relay.srv.Registry().Len() == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestRelay_OriginPolicy(t *testing.T) {
	relay := startRelay(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(relay.url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, uint64(1), relay.metrics.Get(metrics.OriginRejected))

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(relay.url, header)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestRelay_SignalAlias(t *testing.T) {
	relay := startRelay(t, Config{})
	ws, _, err := websocket.DefaultDialer.Dial(relay.url+"signal", nil)
	require.NoError(t, err)
	defer ws.Close()

	var msg map[string]any
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, TypeYourID, msg["type"])
}
