package session

import (
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"

	"example.com/llmah3/v2/internal/config"
	"example.com/llmah3/v2/internal/http3"
	"example.com/llmah3/v2/internal/logger"
)

// Manager is the server-level registry of live sessions. It is safe for
// concurrent use; sessions are keyed by a monotonically assigned
// connection number.
type Manager struct {
	settings Settings
	log      *logger.Logger
	nextConn atomic.Uint64

	sessions cmap.ConcurrentMap[uint64, *Session]
}

// NewManager builds a manager from the validated configuration.
func NewManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	if cfg == nil || cfg.HTTP3 == nil {
		return nil, errors.New("configuration missing http3 section")
	}
	settings, err := SettingsFromConfig(cfg.HTTP3)
	if err != nil {
		return nil, errors.Wrap(err, "translate http3 settings")
	}
	return &Manager{
		settings: settings,
		log:      log,
		sessions: cmap.NewWithCustomShardingFunction[uint64, *Session](func(key uint64) uint32 {
			return uint32(key)
		}),
	}, nil
}

// NewSession starts a session for a new connection and registers it.
// Returns the connection number used as the registry key.
func (m *Manager) NewSession() (uint64, *Session) {
	return m.NewSessionWith(nil)
}

// NewSessionWith starts a session whose settings are the manager's with
// tweak applied. A nil tweak uses the settings as configured.
func (m *Manager) NewSessionWith(tweak func(*Settings)) (uint64, *Session) {
	settings := m.settings
	if tweak != nil {
		tweak(&settings)
	}
	conn := m.nextConn.Add(1)
	sess := New(settings, m.log.With(logger.LogFields{"conn": conn}))
	m.sessions.Set(conn, sess)
	return conn, sess
}

// Get looks a session up by connection number.
func (m *Manager) Get(conn uint64) (*Session, bool) {
	return m.sessions.Get(conn)
}

// Remove closes a session and drops it from the registry.
func (m *Manager) Remove(conn uint64, code http3.ErrorCode, source http3.CloseSource) {
	sess, ok := m.sessions.Get(conn)
	if !ok {
		return
	}
	m.sessions.Remove(conn)
	sess.Close(code, source)
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int { return m.sessions.Count() }

// Shutdown closes every session with a clean code and empties the
// registry.
func (m *Manager) Shutdown() {
	for item := range m.sessions.IterBuffered() {
		item.Val.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)
	}
	m.sessions.Clear()
	m.log.Info("all sessions closed", nil)
}
