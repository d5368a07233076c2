package realtime

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records written frames and the close code it received.
type fakeTransport struct {
	mu        sync.Mutex
	frames    []any
	closed    bool
	closeCode int
	writeErr  error
}

func (t *fakeTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.frames = append(t.frames, v)
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

func (t *fakeTransport) closedWith() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func newTestManager(t *testing.T, cfg ConnManagerConfig) (*ConnManager, *TokenIssuer) {
	t.Helper()
	issuer, err := NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	return NewConnManager(issuer, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg), issuer
}

func connect(t *testing.T, m *ConnManager, issuer *TokenIssuer, userID, topic string) (*Connection, *fakeTransport) {
	t.Helper()
	token, err := issuer.Issue(userID)
	require.NoError(t, err)

	transport := &fakeTransport{}
	conn, ok := m.Connect(transport, topic, token)
	require.True(t, ok)
	return conn, transport
}

func TestConnManager_Connect(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{})

	conn, _ := connect(t, m, issuer, "user-1", "topic-a")
	assert.Equal(t, "user-1", conn.UserID)
	assert.Contains(t, conn.Topics(), "topic-a")
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestConnManager_RejectsInvalidToken(t *testing.T) {
	m, _ := newTestManager(t, ConnManagerConfig{})

	transport := &fakeTransport{}
	conn, ok := m.Connect(transport, "topic-a", "not-a-token")

	assert.False(t, ok)
	assert.Nil(t, conn)
	closed, code := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicyViolation, code)
	// A rejected connection is never indexed.
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestConnManager_PerUserConnectionLimit(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{MaxConnsPerUser: 2})

	connect(t, m, issuer, "user-1", "topic-a")
	connect(t, m, issuer, "user-1", "topic-a")

	token, err := issuer.Issue("user-1")
	require.NoError(t, err)
	transport := &fakeTransport{}
	_, ok := m.Connect(transport, "topic-a", token)

	assert.False(t, ok)
	closed, code := transport.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseTryAgainLater, code)

	// A different user still gets in.
	connect(t, m, issuer, "user-2", "topic-a")
	assert.Equal(t, 3, m.ConnectionCount())
}

func TestConnManager_DisconnectIsIdempotent(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{})
	conn, transport := connect(t, m, issuer, "user-1", "topic-a")

	m.Disconnect(conn.ID)
	assert.Equal(t, 0, m.ConnectionCount())
	closed, _ := transport.closedWith()
	assert.True(t, closed)

	// Second disconnect is a no-op.
	m.Disconnect(conn.ID)
	assert.Equal(t, 0, m.ConnectionCount())

	// The slot freed by the disconnect is reusable.
	assert.Empty(t, m.Subscribers("topic-a", ""))
}

func TestConnManager_SubscribeUnsubscribe(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{})
	conn, _ := connect(t, m, issuer, "user-1", "topic-a")

	assert.True(t, m.Subscribe(conn.ID, "topic-b"))
	assert.Len(t, m.Subscribers("topic-b", ""), 1)

	assert.True(t, m.Unsubscribe(conn.ID, "topic-b"))
	assert.Empty(t, m.Subscribers("topic-b", ""))

	// Unsubscribing a topic it never joined reports false.
	assert.False(t, m.Unsubscribe(conn.ID, "topic-c"))

	// Unknown connection ids are rejected.
	assert.False(t, m.Subscribe("missing", "topic-a"))
	assert.False(t, m.Unsubscribe("missing", "topic-a"))
}

func TestConnManager_RateLimit(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{
		RateLimit:  5,
		RateWindow: 10 * time.Second,
	})
	conn, _ := connect(t, m, issuer, "user-1", "topic-a")

	// The bucket starts full: the first five frames pass, the sixth drops.
	for i := 0; i < 5; i++ {
		assert.True(t, m.Allow(conn.ID), "frame %d should pass", i+1)
	}
	assert.False(t, m.Allow(conn.ID))

	// An unknown connection is never allowed.
	assert.False(t, m.Allow("missing"))
}

func TestConnManager_SubscribersNarrowedByUser(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{})
	connect(t, m, issuer, "user-1", "topic-a")
	connect(t, m, issuer, "user-2", "topic-a")

	assert.Len(t, m.Subscribers("topic-a", ""), 2)

	narrowed := m.Subscribers("topic-a", "user-2")
	require.Len(t, narrowed, 1)
	assert.Equal(t, "user-2", narrowed[0].UserID)

	assert.Empty(t, m.Subscribers("topic-a", "user-3"))
	assert.Empty(t, m.Subscribers("topic-z", ""))
}

func TestConnManager_StopClosesConnections(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{})
	m.Start()

	_, t1 := connect(t, m, issuer, "user-1", "topic-a")
	_, t2 := connect(t, m, issuer, "user-2", "topic-b")

	m.Stop()

	for _, transport := range []*fakeTransport{t1, t2} {
		closed, code := transport.closedWith()
		assert.True(t, closed)
		assert.Equal(t, CloseGoingAway, code)
	}
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestConnManager_SweepDisconnectsIdle(t *testing.T) {
	m, issuer := newTestManager(t, ConnManagerConfig{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	m.Start()
	defer m.Stop()

	_, idleTransport := connect(t, m, issuer, "user-1", "topic-a")
	busy, _ := connect(t, m, issuer, "user-2", "topic-a")

	// Keep one connection active past the idle cutoff.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Touch(busy.ID)
		time.Sleep(5 * time.Millisecond)
	}

	closed, _ := idleTransport.closedWith()
	assert.True(t, closed, "idle connection should have been swept")
	assert.NotEmpty(t, idleTransport.frameCount(), "sweep sends a heartbeat before closing")
	assert.Empty(t, m.Subscribers("topic-a", "user-1"))
	assert.Len(t, m.Subscribers("topic-a", "user-2"), 1)
}
