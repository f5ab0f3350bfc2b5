package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/llmah3/v2/internal/config"
	"example.com/llmah3/v2/internal/http3"
	"example.com/llmah3/v2/internal/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(config.DefaultConfig(), logger.NewNop())
	require.NoError(t, err)
	return mgr
}

func TestNewManagerRequiresHTTP3Section(t *testing.T) {
	_, err := NewManager(nil, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration missing http3 section")

	_, err = NewManager(&config.Config{}, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration missing http3 section")
}

func TestNewManagerRejectsUntranslatableSettings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP3.HeadersWithUnderscoresAction = strp("explode")

	_, err := NewManager(cfg, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "translate http3 settings")
}

func TestManagerSessionLifecycle(t *testing.T) {
	mgr := newTestManager(t)

	conn1, sess1 := mgr.NewSession()
	conn2, sess2 := mgr.NewSession()
	assert.NotEqual(t, conn1, conn2)
	assert.NotEqual(t, sess1.ID(), sess2.ID())
	assert.Equal(t, 2, mgr.Count())

	got, ok := mgr.Get(conn1)
	require.True(t, ok)
	assert.Same(t, sess1, got)

	mgr.Remove(conn1, http3.ErrCodeNoError, http3.CloseSourceSelf)
	assert.Equal(t, 1, mgr.Count())
	assert.False(t, sess1.Connected())
	_, ok = mgr.Get(conn1)
	assert.False(t, ok)

	// Removing a connection twice is harmless.
	mgr.Remove(conn1, http3.ErrCodeNoError, http3.CloseSourceSelf)

	mgr.Shutdown()
	assert.Equal(t, 0, mgr.Count())
	assert.False(t, sess2.Connected())
}

func TestManagerSettingsTweakAppliesPerSession(t *testing.T) {
	mgr := newTestManager(t)
	defer mgr.Shutdown()

	_, tweaked := mgr.NewSessionWith(func(s *Settings) {
		s.MaxHeadersCount = 7
		s.AllowExtendedConnect = true
	})
	assert.Equal(t, uint32(7), tweaked.MaxIncomingHeadersCount())
	assert.True(t, tweaked.AllowExtendedConnect())

	_, plain := mgr.NewSession()
	assert.Equal(t, uint32(100), plain.MaxIncomingHeadersCount())
	assert.False(t, plain.AllowExtendedConnect(), "tweaks must not bleed into later sessions")
}
