package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is one live client connection. Send must be safe for concurrent use;
// a failed Send marks the connection dead and the manager drops it.
type Conn interface {
	Send(message []byte) error
	Close() error
}

// ManagerConfig tunes connection bookkeeping.
type ManagerConfig struct {
	// DirectoryTTL bounds how long a directory entry survives without a
	// heartbeat refresh.
	DirectoryTTL time.Duration

	// HeartbeatInterval is how often live entries are refreshed. It must
	// be comfortably below DirectoryTTL.
	HeartbeatInterval time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.DirectoryTTL <= 0 {
		c.DirectoryTTL = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.DirectoryTTL / 3
	}
	return c
}

// Manager owns this instance's connections and routes outbound messages:
// locally attached users get direct delivery, everyone else goes through
// the relay to the instance the directory names.
type Manager struct {
	cfg        ManagerConfig
	instanceID string
	relay      Relay
	directory  Directory
	log        *zap.Logger

	mu    sync.RWMutex
	conns map[int64]Conn
}

// NewManager builds a Manager with a fresh instance identity.
func NewManager(cfg ManagerConfig, relay Relay, directory Directory, log *zap.Logger) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		instanceID: uuid.NewString(),
		relay:      relay,
		directory:  directory,
		log:        log.Named("connection.manager"),
		conns:      make(map[int64]Conn),
	}
	m.log = m.log.With(zap.String("instance_id", m.instanceID))
	return m
}

// InstanceID returns this manager's identity in the directory and relay.
func (m *Manager) InstanceID() string { return m.instanceID }

// Attach registers a user's connection on this instance. A previous
// connection for the same user is closed and replaced.
func (m *Manager) Attach(ctx context.Context, userID int64, conn Conn) error {
	m.mu.Lock()
	old, had := m.conns[userID]
	m.conns[userID] = conn
	m.mu.Unlock()

	if had {
		_ = old.Close()
	}
	if err := m.directory.Register(ctx, userID, m.instanceID, m.cfg.DirectoryTTL); err != nil {
		m.log.Warn("directory register failed", zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	m.log.Debug("connection attached", zap.Int64("user_id", userID))
	return nil
}

// Detach drops a user's connection. The directory entry is removed only if
// this instance still owns it.
func (m *Manager) Detach(ctx context.Context, userID int64) {
	m.mu.Lock()
	conn, ok := m.conns[userID]
	delete(m.conns, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close()

	// Detach usually runs after the client's request context is canceled,
	// and a canceled context fails every directory call. Cleanup must still
	// go through or the stale entry blackholes relayed messages until the
	// TTL expires.
	ctx = context.WithoutCancel(ctx)

	owner, err := m.directory.Lookup(ctx, userID)
	if err == nil && owner == m.instanceID {
		if err := m.directory.Unregister(ctx, userID); err != nil {
			m.log.Warn("directory unregister failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	m.log.Debug("connection detached", zap.Int64("user_id", userID))
}

// SendPersonal delivers a message to one user wherever they are connected.
// Users with no live connection anywhere are silently skipped.
func (m *Manager) SendPersonal(ctx context.Context, userID int64, message []byte) error {
	if m.deliverLocal(ctx, userID, message) {
		return nil
	}

	owner, err := m.directory.Lookup(ctx, userID)
	if err != nil {
		return err
	}
	if owner == "" || owner == m.instanceID {
		return nil
	}
	return m.relay.PublishTo(ctx, owner, Frame{
		Source:  m.instanceID,
		Target:  userID,
		Message: message,
	})
}

// SendToUsers fans a message out to a set of users, typically the members
// of one check. Delivery failures are logged per user, not returned.
func (m *Manager) SendToUsers(ctx context.Context, userIDs []int64, message []byte) {
	for _, userID := range userIDs {
		if err := m.SendPersonal(ctx, userID, message); err != nil {
			m.log.Warn("personal delivery failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// Broadcast delivers a message to every connection on every instance.
func (m *Manager) Broadcast(ctx context.Context, message []byte) error {
	m.broadcastLocal(ctx, message)
	return m.relay.Broadcast(ctx, Frame{Source: m.instanceID, Message: message})
}

// Run subscribes to the relay and refreshes directory entries until ctx is
// done. It blocks; callers start it on its own goroutine.
func (m *Manager) Run(ctx context.Context) error {
	go m.heartbeat(ctx)

	err := m.relay.Subscribe(ctx, m.instanceID, func(frame Frame) {
		// This instance's broadcasts already reached local conns.
		if frame.Source == m.instanceID {
			return
		}
		if frame.Target != 0 {
			m.deliverLocal(ctx, frame.Target, frame.Message)
			return
		}
		m.broadcastLocal(ctx, frame.Message)
	})
	if err != nil && ctx.Err() == nil {
		m.log.Error("relay subscription ended", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			userIDs := make([]int64, 0, len(m.conns))
			for userID := range m.conns {
				userIDs = append(userIDs, userID)
			}
			m.mu.RUnlock()

			for _, userID := range userIDs {
				if err := m.directory.Refresh(ctx, userID, m.instanceID, m.cfg.DirectoryTTL); err != nil {
					m.log.Warn("directory refresh failed",
						zap.Int64("user_id", userID), zap.Error(err))
				}
			}
		}
	}
}

// deliverLocal writes to a locally attached connection and reports whether
// the user was attached here. A dead socket is detached on write failure.
func (m *Manager) deliverLocal(ctx context.Context, userID int64, message []byte) bool {
	m.mu.RLock()
	conn, ok := m.conns[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.Send(message); err != nil {
		m.log.Warn("send failed, dropping connection",
			zap.Int64("user_id", userID), zap.Error(err))
		m.Detach(ctx, userID)
	}
	return true
}

func (m *Manager) broadcastLocal(ctx context.Context, message []byte) {
	m.mu.RLock()
	userIDs := make([]int64, 0, len(m.conns))
	for userID := range m.conns {
		userIDs = append(userIDs, userID)
	}
	m.mu.RUnlock()

	for _, userID := range userIDs {
		m.deliverLocal(ctx, userID, message)
	}
}
