package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"

	"github.com/gorilla/websocket"
)

// Close codes sent by the server.
const (
	CloseUnauthorized = 4001
)

// ErrUnauthorized is returned by Dial when the server rejects the credential.
var ErrUnauthorized = errors.New("agentclient: persistent connection rejected")

// Event is one message pushed by the server. Payload is left raw so callers
// decode only the types they care about.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("agentclient: event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Message is sent to the server over a Stream.
type Message struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Stream is an authenticated persistent connection.
type Stream struct {
	conn         *websocket.Conn
	connectionID string

	writeMu sync.Mutex
	once    sync.Once
	events  chan Event
	err     error
}

// Dial opens a persistent connection, authenticating with the query
// credential, and waits for the welcome event.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	credential := c.Credential()
	if credential == "" {
		return nil, ErrNoCredential
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join("/", c.baseURL.Path, "ws")
	u.RawPath = ""
	u.RawQuery = url.Values{"token": {credential}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := &Stream{conn: conn}
	first, err := s.Read()
	if err != nil {
		conn.Close()
		if websocket.IsCloseError(err, CloseUnauthorized) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if first.Type != "welcome" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", first.Type)
	}
	var welcome struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := first.Decode(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	s.connectionID = welcome.ConnectionID
	return s, nil
}

// ConnectionID returns the identifier assigned by the server.
func (s *Stream) ConnectionID() string { return s.connectionID }

// Read blocks until the next event arrives. It must not be mixed with Events.
func (s *Stream) Read() (Event, error) {
	var ev Event
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Events starts a reader goroutine and returns a channel that is closed when
// the connection ends; Err then reports why.
func (s *Stream) Events() <-chan Event {
	s.once.Do(func() {
		s.events = make(chan Event, 64)
		go func() {
			defer close(s.events)
			for {
				ev, err := s.Read()
				if err != nil {
					s.err = err
					return
				}
				s.events <- ev
			}
		}()
	})
	return s.events
}

// Err returns the error that ended Events. Only valid after the channel has
// been closed.
func (s *Stream) Err() error { return s.err }

// Send writes a message to the server.
func (s *Stream) Send(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Ping sends an application level ping; the server answers with "pong".
func (s *Stream) Ping() error {
	return s.Send(Message{Type: "ping"})
}

// Close sends a normal close frame and closes the connection.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// CloseCode extracts the close code from an error returned by Read or Err,
// or 0 when the error is not a close frame.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
