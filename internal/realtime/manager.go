package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// ConnManagerConfig bounds connection admission and liveness.
type ConnManagerConfig struct {
	// MaxConnsPerUser caps concurrent connections per user.
	MaxConnsPerUser int
	// RateLimit and RateWindow bound inbound control frames: at most
	// RateLimit frames per RateWindow are accepted per connection; excess
	// frames in the window are silently dropped.
	RateLimit  int
	RateWindow time.Duration
	// IdleTimeout disconnects connections with no activity; the sweep
	// attempts a heartbeat frame first.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// ConnManager authenticates, registers, and tears down persistent client
// connections. Its three indices (by connection id, by user, by topic) are
// guarded by one mutex against concurrent connect/disconnect/broadcast.
type ConnManager struct {
	verifier *TokenIssuer
	logger   *slog.Logger
	cfg      ConnManagerConfig

	mu      sync.Mutex
	byID    map[string]*Connection
	byUser  map[string]map[string]*Connection
	byTopic map[string]map[string]*Connection

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConnManager creates a connection manager verifying tokens with the
// given issuer.
func NewConnManager(verifier *TokenIssuer, logger *slog.Logger, cfg ConnManagerConfig) *ConnManager {
	if cfg.MaxConnsPerUser <= 0 {
		cfg.MaxConnsPerUser = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &ConnManager{
		verifier: verifier,
		logger:   logger,
		cfg:      cfg,
		byID:     make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		byTopic:  make(map[string]map[string]*Connection),
		stopChan: make(chan struct{}),
	}
}

// Start launches the liveness sweep.
func (m *ConnManager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweep and closes every connection with a going-away code.
func (m *ConnManager) Stop() {
	close(m.stopChan)
	m.wg.Wait()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.disconnect(conn.ID, CloseGoingAway, "server shutting down")
	}
	m.logger.Info("Connection manager stopped",
		slog.Int("connections_closed", len(conns)),
	)
}

// Connect authenticates the token and registers the connection, subscribed
// to topic. An invalid token closes the transport with a policy-violation
// code; a user over the connection cap is closed with a retry-later code.
// No registration happens on either rejection.
func (m *ConnManager) Connect(transport Transport, topic, token string) (*Connection, bool) {
	userID, err := m.verifier.Verify(token)
	if err != nil {
		m.logger.Warn("Connection rejected - invalid token",
			slog.String("error", err.Error()),
		)
		_ = transport.Close(ClosePolicyViolation, "invalid or expired token")
		return nil, false
	}

	m.mu.Lock()
	if len(m.byUser[userID]) >= m.cfg.MaxConnsPerUser {
		m.mu.Unlock()
		m.logger.Warn("Connection rejected - per-user connection limit",
			slog.String("user_id", userID),
			slog.Int("limit", m.cfg.MaxConnsPerUser),
		)
		_ = transport.Close(CloseTryAgainLater, "connection limit reached")
		return nil, false
	}

	now := time.Now()
	conn := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		ConnectedAt:  now,
		transport:    transport,
		lastActivity: now,
		topics:       make(map[string]struct{}),
		limiter:      rate.NewLimiter(rate.Every(m.cfg.RateWindow/time.Duration(m.cfg.RateLimit)), m.cfg.RateLimit),
		active:       true,
	}

	m.byID[conn.ID] = conn
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Connection)
	}
	m.byUser[userID][conn.ID] = conn
	if topic != "" {
		m.subscribeLocked(conn, topic)
	}
	m.mu.Unlock()

	m.logger.Info("Connection established",
		slog.String("connection_id", conn.ID),
		slog.String("user_id", userID),
		slog.String("topic", topic),
	)
	return conn, true
}

// Disconnect removes the connection from all indices and closes the
// transport. Idempotent.
func (m *ConnManager) Disconnect(connectionID string) {
	m.disconnect(connectionID, CloseNormal, "")
}

func (m *ConnManager) disconnect(connectionID string, code int, reason string) {
	m.mu.Lock()
	conn, ok := m.byID[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, connectionID)
	if userConns := m.byUser[conn.UserID]; userConns != nil {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
	for topic := range conn.topics {
		m.unsubscribeLocked(conn, topic)
	}
	conn.active = false
	conn.limiter = nil
	m.mu.Unlock()

	_ = conn.transport.Close(code, reason)
	m.logger.Info("Connection closed",
		slog.String("connection_id", connectionID),
		slog.String("user_id", conn.UserID),
		slog.Int("code", code),
	)
}

// Subscribe adds the connection to a topic.
func (m *ConnManager) Subscribe(connectionID, topic string) bool {
	if topic == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byID[connectionID]
	if !ok {
		return false
	}
	m.subscribeLocked(conn, topic)
	return true
}

// Unsubscribe removes the connection from a topic.
func (m *ConnManager) Unsubscribe(connectionID, topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byID[connectionID]
	if !ok {
		return false
	}
	if _, subscribed := conn.topics[topic]; !subscribed {
		return false
	}
	m.unsubscribeLocked(conn, topic)
	return true
}

func (m *ConnManager) subscribeLocked(conn *Connection, topic string) {
	conn.topics[topic] = struct{}{}
	if m.byTopic[topic] == nil {
		m.byTopic[topic] = make(map[string]*Connection)
	}
	m.byTopic[topic][conn.ID] = conn
}

func (m *ConnManager) unsubscribeLocked(conn *Connection, topic string) {
	delete(conn.topics, topic)
	if topicConns := m.byTopic[topic]; topicConns != nil {
		delete(topicConns, conn.ID)
		if len(topicConns) == 0 {
			delete(m.byTopic, topic)
		}
	}
}

// Allow records activity on the connection and applies the control-frame
// rate limit. A false return means the frame must be silently dropped.
func (m *ConnManager) Allow(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byID[connectionID]
	if !ok {
		return false
	}
	conn.lastActivity = time.Now()
	return conn.limiter.Allow()
}

// Touch records activity without consuming rate-limit budget.
func (m *ConnManager) Touch(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.byID[connectionID]; ok {
		conn.lastActivity = time.Now()
	}
}

// Subscribers snapshots the connections subscribed to a topic, optionally
// narrowed to one user.
func (m *ConnManager) Subscribers(topic, targetUserID string) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	topicConns := m.byTopic[topic]
	if len(topicConns) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(topicConns))
	for _, conn := range topicConns {
		if targetUserID != "" && conn.UserID != targetUserID {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionCount returns the number of registered connections.
func (m *ConnManager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *ConnManager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle disconnects connections idle past the threshold, attempting a
// heartbeat frame first so well-behaved clients learn why.
func (m *ConnManager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Connection
	for _, conn := range m.byID {
		if conn.lastActivity.Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range idle {
		_ = conn.send(domain.ProgressMessage{
			Type:      domain.MessageTypeHeartbeat,
			Message:   "idle timeout",
			Timestamp: time.Now().UTC(),
		})
		m.disconnect(conn.ID, CloseNormal, "idle timeout")
	}

	if len(idle) > 0 {
		m.logger.Info("Idle connections swept",
			slog.Int("count", len(idle)),
		)
	}
}
