package upstream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/config"
	"github.com/quantaxis/market-data-service/internal/entity"
)

const (
	loginWaitTimeout  = 10 * time.Second
	loginPollInterval = 100 * time.Millisecond
	superviseInterval = 10 * time.Second
)

// Manager owns the pool of upstream connections. Connections keep their
// instrument assignments even while down so recovery re-subscribes exactly
// what was expected; the manager never reshuffles on failure.
type Manager struct {
	mu          sync.RWMutex
	connections []*Connection
	byID        map[string]*Connection

	rrCounter atomic.Uint64

	onLoggedIn func(entity.UpstreamConnection)
}

var _ entity.ConnectionPool = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{
		byID: make(map[string]*Connection),
	}
}

// SetLoggedInHook registers the callback fired whenever a connection reaches
// LoggedIn. The dispatcher uses it to assign pending instruments.
func (m *Manager) SetLoggedInHook(fn func(entity.UpstreamConnection)) {
	m.onLoggedIn = fn
}

// AddConnection constructs a connection in Disconnected state. It is not
// started here.
func (m *Manager) AddConnection(cfg config.ConnectionConfig, factory entity.GatewayFactory) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[cfg.ConnectionID]; exists {
		return nil, fmt.Errorf("duplicate connection id: %s", cfg.ConnectionID)
	}

	conn := NewConnection(cfg, factory)
	conn.SetLoggedInHook(func(c *Connection) {
		if m.onLoggedIn != nil {
			m.onLoggedIn(c)
		}
	})

	m.connections = append(m.connections, conn)
	m.byID[cfg.ConnectionID] = conn

	return conn, nil
}

// StartAll starts every connection best-effort and reports true iff at least
// one reaches LoggedIn within the login window. A supervision loop restarts
// connections stuck in Error until ctx is done.
func (m *Manager) StartAll(ctx context.Context) bool {
	m.mu.RLock()
	conns := make([]*Connection, len(m.connections))
	copy(conns, m.connections)
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Start(); err != nil {
			logrus.Errorf("failed to start connection %s: %v", conn.ConnectionID(), err)
		}
	}

	go m.supervise(ctx)

	deadline := time.Now().Add(loginWaitTimeout)
	for {
		if m.ActiveCount() > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return m.ActiveCount() > 0
		case <-time.After(loginPollInterval):
		}
	}
}

func (m *Manager) StopAll() {
	m.mu.RLock()
	conns := make([]*Connection, len(m.connections))
	copy(conns, m.connections)
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Stop()
	}
}

// supervise restarts connections that sit in Error state. Connecting is left
// alone: the gateway redials on its own and the connection re-subscribes on
// the login response.
func (m *Manager) supervise(ctx context.Context) {
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		conns := make([]*Connection, len(m.connections))
		copy(conns, m.connections)
		m.mu.RUnlock()

		for _, conn := range conns {
			if conn.Status() != entity.ConnectionError {
				continue
			}

			logrus.WithField("connection_id", conn.ConnectionID()).Warn("restarting errored upstream connection")
			if err := conn.restart(); err != nil {
				logrus.Errorf("failed to restart connection %s: %v", conn.ConnectionID(), err)
			}
		}
	}
}

// PickConnection chooses among LoggedIn connections. Ties break by insertion
// order. Absent when nothing is LoggedIn; the caller treats the subscription
// as pending.
func (m *Manager) PickConnection(instrumentID string, strategy entity.LoadBalanceStrategy) (entity.UpstreamConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		if conn.Status() == entity.ConnectionLoggedIn {
			active = append(active, conn)
		}
	}
	if len(active) == 0 {
		return nil, false
	}

	switch strategy {
	case entity.StrategyLeastLoaded:
		best := active[0]
		for _, conn := range active[1:] {
			if conn.SubscriptionCount() < best.SubscriptionCount() {
				best = conn
			}
		}
		return best, true

	case entity.StrategyBestQuality:
		best := active[0]
		for _, conn := range active[1:] {
			if conn.Quality() > best.Quality() {
				best = conn
			}
		}
		return best, true

	case entity.StrategyHash:
		h := fnv.New32a()
		_, _ = h.Write([]byte(instrumentID))
		return active[h.Sum32()%uint32(len(active))], true

	default: // round robin
		idx := (m.rrCounter.Add(1) - 1) % uint64(len(active))
		return active[idx], true
	}
}

func (m *Manager) ConnectionByID(id string) (entity.UpstreamConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return conn, true
}

func (m *Manager) AllConnections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, len(m.connections))
	copy(out, m.connections)
	return out
}

// ActiveCount is the number of LoggedIn connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.connections {
		if conn.Status() == entity.ConnectionLoggedIn {
			count++
		}
	}
	return count
}

func (m *Manager) TotalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// StatusStrings renders one human-readable line per connection for the health
// surface.
func (m *Manager) StatusStrings() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.connections))
	for _, conn := range m.connections {
		status := conn.Status()
		line := fmt.Sprintf("%s: %s", conn.ConnectionID(), status)
		if status == entity.ConnectionLoggedIn {
			line = fmt.Sprintf("%s: %s (%d subs)", conn.ConnectionID(), status, conn.SubscriptionCount())
		}
		line = fmt.Sprintf("%s [Quality: %d%%]", line, conn.Quality())
		out = append(out, line)
	}
	return out
}

// Reassign is the hook a future supervisor can use to move instruments off a
// connection that stays down past a threshold. Nothing calls it yet.
func (m *Manager) Reassign(instrumentID, fromID, toID string) error {
	from, ok := m.ConnectionByID(fromID)
	if !ok {
		return fmt.Errorf("unknown connection id: %s", fromID)
	}
	to, ok := m.ConnectionByID(toID)
	if !ok {
		return fmt.Errorf("unknown connection id: %s", toID)
	}

	if err := to.Subscribe([]string{instrumentID}); err != nil {
		return err
	}
	return from.Unsubscribe([]string{instrumentID})
}
