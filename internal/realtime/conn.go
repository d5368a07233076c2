package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Transport is the write side of a client connection. It decouples the
// connection manager from the websocket implementation so tests can inject
// fakes and so a different transport can back the same contract.
type Transport interface {
	// WriteJSON pushes one frame to the client.
	WriteJSON(v any) error

	// Close tears the connection down with an RFC 6455 close code.
	Close(code int, reason string) error
}

// Close codes used by the connection manager.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseTryAgainLater   = websocket.CloseTryAgainLater
)

// wsTransport adapts a gorilla connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// WrapConn adapts a websocket connection for the connection manager.
func WrapConn(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteJSON(v any) error {
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

// Connection is one authenticated client connection. All fields except the
// transport write path are guarded by the manager's mutex; writeMu
// serializes frame writes from concurrent broadcasts.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport    Transport
	writeMu      sync.Mutex
	lastActivity time.Time
	topics       map[string]struct{}
	limiter      *rate.Limiter
	active       bool
}

// Topics returns a snapshot of the connection's subscriptions.
func (c *Connection) Topics() []string {
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

func (c *Connection) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}
