package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aria/pkg/chat"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ---- helpers ----

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startChatServer launches a test WebSocket server. The handler receives the
// accepted conn and the upgrade request. The server is closed when the test
// finishes.
func startChatServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// holdOpen blocks the handler until the peer closes the connection.
func holdOpen(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// connect dials the test server and fails the test on error.
func connect(t *testing.T, c *chat.Client) *chat.Session {
	t.Helper()
	sess, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func writeText(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeText: %v (may be expected on close)", err)
	}
}

// ---- dial parameters ----

func TestNew_RequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := chat.New(""); err == nil {
		t.Fatal("New with empty baseURL should return an error")
	}
}

func TestConnect_DialsChatEndpoint(t *testing.T) {
	t.Parallel()

	type dialInfo struct {
		path     string
		deviceID string
		clientID string
	}
	dialed := make(chan dialInfo, 1)

	srv := startChatServer(t, func(conn *websocket.Conn, r *http.Request) {
		dialed <- dialInfo{
			path:     r.URL.Path,
			deviceID: r.URL.Query().Get("device_id"),
			clientID: r.URL.Query().Get("client_id"),
		}
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv), chat.WithDeviceID("desk-01"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	select {
	case info := <-dialed:
		if info.path != "/ws/chat" {
			t.Errorf("path = %q; want /ws/chat", info.path)
		}
		if info.deviceID != "desk-01" {
			t.Errorf("device_id = %q; want desk-01", info.deviceID)
		}
		if _, err := uuid.Parse(info.clientID); err != nil {
			t.Errorf("client_id %q is not a UUID: %v", info.clientID, err)
		}
		if info.clientID != sess.ID() {
			t.Errorf("client_id = %q; want session ID %q", info.clientID, sess.ID())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dial")
	}
}

func TestConnect_FreshClientIDPerSession(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := connect(t, c)
	second := connect(t, c)

	if first.ID() == second.ID() {
		t.Errorf("both sessions dialed with client_id %q", first.ID())
	}
}

func TestConnect_ConvertsHTTPScheme(t *testing.T) {
	t.Parallel()

	connected := make(chan struct{}, 1)
	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		connected <- struct{}{}
		holdOpen(conn)
	})

	// srv.URL carries the http scheme; the client must dial it as ws.
	c, err := chat.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	connect(t, c)

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: server never received connection")
	}
}

func TestConnect_RejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	c, err := chat.New("ftp://localhost:8000")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect with ftp scheme should return an error")
	}
}

func TestConnect_SendsAuthHeader(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)
	srv := startChatServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv), chat.WithAuthToken("my-secret-token"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	connect(t, c)

	select {
	case auth := <-authHeader:
		if auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_NoAuthHeaderWithoutToken(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)
	srv := startChatServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	connect(t, c)

	select {
	case auth := <-authHeader:
		if auth != "" {
			t.Errorf("Authorization = %q; want unset", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ---- inbound ----

func TestAudio_DeliversBinaryChunks(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageBinary, wantPCM)
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	select {
	case chunk, ok := <-sess.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestEvents_DeliversTextStream(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeText(t, conn, map[string]string{"type": "text_stream", "content": "Hello there"})
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	select {
	case evt, ok := <-sess.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		if evt.Type != chat.EventTextStream {
			t.Errorf("event type = %q; want %q", evt.Type, chat.EventTextStream)
		}
		if evt.Content != "Hello there" {
			t.Errorf("event content = %q; want %q", evt.Content, "Hello there")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEvents_UnknownTypePassesThrough(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeText(t, conn, map[string]string{"type": "emotion", "content": "happy"})
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	select {
	case evt := <-sess.Events():
		if evt.Type != "emotion" || evt.Content != "happy" {
			t.Errorf("event = %+v; want type emotion, content happy", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEvents_DropsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json at all"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"content":"typeless"}`))
		writeText(t, conn, map[string]string{"type": "text_stream", "content": "survivor"})
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	select {
	case evt := <-sess.Events():
		if evt.Content != "survivor" {
			t.Errorf("first delivered event = %+v; malformed frames leaked through", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

// ---- outbound ----

func TestSendAudio_DeliversBinaryFrames(t *testing.T) {
	t.Parallel()

	type received struct {
		typ  websocket.MessageType
		data []byte
	}
	frames := make(chan received, 1)

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frames <- received{typ: typ, data: data}
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	wantFrame := []byte{0x10, 0x20, 0x30, 0x40}
	if err := sess.SendAudio(wantFrame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case got := <-frames:
		if got.typ != websocket.MessageBinary {
			t.Errorf("message type = %v; want binary", got.typ)
		}
		if string(got.data) != string(wantFrame) {
			t.Errorf("frame = %v; want %v", got.data, wantFrame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestSendText_SendsTextInput(t *testing.T) {
	t.Parallel()

	type textMsg struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	msgs := make(chan textMsg, 1)

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg textMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		msgs <- msg
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	if err := sess.SendText(context.Background(), "Hi Aria"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Type != "text_input" {
			t.Errorf("type = %q; want text_input", msg.Type)
		}
		if msg.Content != "Hi Aria" {
			t.Errorf("content = %q; want Hi Aria", msg.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text input")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)
	_ = sess.Close()

	if err := sess.SendAudio([]byte{1, 2}); err != chat.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v; want %v", err, chat.ErrSessionClosed)
	}
	if err := sess.SendText(context.Background(), "hi"); err != chat.ErrSessionClosed {
		t.Errorf("SendText after Close = %v; want %v", err, chat.ErrSessionClosed)
	}
}

// ---- lifecycle ----

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClose_ClosesChannelsWithoutError(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)
	_ = sess.Close()

	select {
	case _, open := <-sess.Audio():
		if open {
			t.Error("Audio channel should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}
	select {
	case _, open := <-sess.Events():
		if open {
			t.Error("Events channel should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Events channel to close")
	}
	if got := sess.Err(); got != nil {
		t.Errorf("Err() after local Close = %v; want nil", got)
	}
}

func TestServerDisconnect_ClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	select {
	case _, open := <-sess.Audio():
		if open {
			t.Error("expected closed Audio channel after server disconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c, err := chat.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := connect(t, c)

	const goroutines = 8
	const framesPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range framesPerGoroutine {
				_ = sess.SendAudio([]byte{0xCA, 0xFE})
			}
		})
	}
	wg.Wait()
}
