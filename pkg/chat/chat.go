// Package chat implements the WebSocket client for an Aria companion
// backend.
//
// A [Client] dials the backend's /ws/chat endpoint and hands back a
// [Session] carrying both halves of the conversation. Inbound, binary
// frames are the companion's spoken PCM audio surfaced on [Session.Audio]
// and text frames are JSON control events surfaced on [Session.Events].
// Outbound, [Session.SendAudio] streams raw microphone PCM frames and
// [Session.SendText] submits typed input. Sample rates are fixed by
// configuration on both ends; nothing is negotiated in-band.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const chatEndpointPath = "/ws/chat"

// maxInboundFrame bounds a single WebSocket frame. TTS chunks routinely
// exceed the library's 32 KiB default read limit.
const maxInboundFrame = 1 << 20

// ErrSessionClosed is returned by operations on a closed [Session].
var ErrSessionClosed = errors.New("chat: session closed")

// EventTextStream carries one increment of the companion's response text.
const EventTextStream = "text_stream"

// Event is one JSON control message from the companion server. Unknown
// types are surfaced as-is so new server features degrade to no-ops in
// older clients.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// textInputMessage is the typed-input frame sent to the server.
type textInputMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAuthToken sets a bearer token sent in the Authorization header.
// Empty leaves the header unset.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithDeviceID sets the device_id dial parameter identifying this
// installation. Defaults to the machine hostname.
func WithDeviceID(id string) Option {
	return func(c *Client) {
		c.deviceID = id
	}
}

// Client dials chat sessions against one companion backend.
type Client struct {
	baseURL  string
	token    string
	deviceID string
}

// New creates a chat Client for the companion server at baseURL, e.g.
// "ws://localhost:8000". http and https URLs are accepted and converted to
// their WebSocket schemes.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("chat: baseURL must not be empty")
	}
	c := &Client{baseURL: baseURL}
	for _, o := range opts {
		o(c)
	}
	if c.deviceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "aria"
		}
		c.deviceID = host
	}
	return c, nil
}

// buildURL constructs the chat endpoint URL for one connection attempt.
func (c *Client) buildURL(clientID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + chatEndpointPath

	q := u.Query()
	q.Set("device_id", c.deviceID)
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect establishes a new chat session. Every session carries a fresh
// client_id so the server can tell reconnects apart.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	clientID := uuid.NewString()
	wsURL, err := c.buildURL(clientID)
	if err != nil {
		return nil, fmt.Errorf("chat: build URL: %w", err)
	}

	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: dial: %w", err)
	}
	conn.SetReadLimit(maxInboundFrame)

	sess := &Session{
		id:     clientID,
		conn:   conn,
		audio:  make(chan []byte, 256),
		events: make(chan Event, 64),
		out:    make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// ---- session ----

// Session is one live conversation with the companion server.
type Session struct {
	id     string
	conn   *websocket.Conn
	audio  chan []byte
	events chan Event
	out    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu     sync.Mutex
	errVal error
}

// ID returns the client_id this session was dialed with.
func (s *Session) ID() string { return s.id }

// Audio returns the channel of inbound companion speech chunks: raw 16-bit
// little-endian PCM, chunked however the server flushed them. The channel
// closes when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audio }

// Events returns the channel of inbound control events. The channel closes
// when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// SendAudio queues one outbound microphone frame for delivery. It blocks
// while the send buffer is full; callers on a real-time thread must hand
// off through their own buffer.
func (s *Session) SendAudio(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// SendText submits typed user input, the keyboard-mode alternative to the
// microphone.
func (s *Session) SendText(ctx context.Context, text string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	data, err := json.Marshal(textInputMessage{Type: "text_input", Content: text})
	if err != nil {
		return fmt.Errorf("chat: marshal text input: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("chat: send text: %w", err)
	}
	return nil
}

// Err returns the error that terminated the session, or nil after a clean
// local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Close terminates the session and waits for both pump loops to exit.
// Idempotent and safe to call concurrently.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Closing the conn unblocks the read loop's pending Read.
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop delivers queued microphone frames as binary messages.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case frame, ok := <-s.out:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		case <-s.done:
			// Flush frames already queued before giving up the conn.
			for {
				select {
				case frame, ok := <-s.out:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, frame)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives server messages and dispatches binary frames to the
// audio channel and JSON frames to the events channel. It owns both
// channels and closes them on exit.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.audio)
	defer close(s.events)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Local close, not an error.
			default:
				s.setErr(err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if len(data) == 0 {
				continue
			}
			select {
			case s.audio <- data:
			case <-s.done:
			}
		case websocket.MessageText:
			evt, ok := parseEvent(data)
			if !ok {
				continue
			}
			select {
			case s.events <- evt:
			case <-s.done:
			}
		}
	}
}

// parseEvent decodes one JSON control frame. Frames that are not JSON
// objects carrying a type are dropped.
func parseEvent(data []byte) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, false
	}
	if evt.Type == "" {
		return Event{}, false
	}
	return evt, true
}
