package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"example.com/llmah3/v2/internal/config"
	"example.com/llmah3/v2/internal/http3"
	"example.com/llmah3/v2/internal/logger"
)

func strp(s string) *string { return &s }

// testSettings keeps watermarks small and the flush timer off so registry
// tests never race a timer.
func testSettings() Settings {
	return Settings{
		Options: http3.Options{
			SendBufferHighWatermark: 64 << 10,
			SendBufferLowWatermark:  16 << 10,
			FlushTimeout:            -1,
		},
		MaxHeadersCount: 100,
	}
}

func postFieldsWithLength(contentLength int) []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/ingest"},
		{Name: ":authority", Value: "example.com"},
		{Name: "content-length", Value: fmt.Sprintf("%d", contentLength)},
	}
}

func TestSettingsFromConfigDefaults(t *testing.T) {
	cfg := config.DefaultConfig()

	s, err := SettingsFromConfig(cfg.HTTP3)
	require.NoError(t, err)

	assert.Equal(t, http3.UnderscoreActionAllow, s.Options.HeadersWithUnderscoresAction)
	assert.Equal(t, int64(1<<20), s.Options.SendBufferHighWatermark)
	assert.Equal(t, int64(256<<10), s.Options.SendBufferLowWatermark)
	assert.Equal(t, int64(8<<10), s.Options.MinSendBufferWatermark)
	assert.Equal(t, 10*time.Second, s.Options.FlushTimeout)
	assert.False(t, s.Options.OverrideStreamErrorOnInvalidMessage)
	assert.False(t, s.AllowExtendedConnect)
	assert.Equal(t, uint32(100), s.MaxHeadersCount)
}

func TestSettingsFromConfigDisablesEmptyFlushTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP3.FlushTimeout = strp("")

	s, err := SettingsFromConfig(cfg.HTTP3)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), s.Options.FlushTimeout,
		"an explicitly empty flush_timeout must travel as the disabled sentinel")
}

func TestSettingsFromConfigErrors(t *testing.T) {
	_, err := SettingsFromConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http3 configuration cannot be nil")

	cfg := config.DefaultConfig()
	cfg.HTTP3.HeadersWithUnderscoresAction = strp("bogus")
	_, err = SettingsFromConfig(cfg.HTTP3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown headers_with_underscores_action "bogus"`)

	cfg = config.DefaultConfig()
	cfg.HTTP3.FlushTimeout = strp("soon")
	_, err = SettingsFromConfig(cfg.HTTP3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid flush_timeout "soon"`)
}

func TestSessionRunsScheduledWork(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	defer sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)

	ran := false
	require.True(t, sess.Await(func() { ran = true }))
	assert.True(t, ran)
	assert.True(t, sess.Connected())
	assert.NotEmpty(t, sess.ID())
}

func TestSessionScheduleDelayed(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	defer sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)

	fired := make(chan struct{})
	sess.ScheduleDelayed(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran on the loop")
	}

	ran := false
	cancel := sess.ScheduleDelayed(10*time.Millisecond, func() { ran = true })
	cancel()
	time.Sleep(50 * time.Millisecond)
	sess.Await(func() {})
	assert.False(t, ran, "canceled timer must not run")
}

func TestSessionAwaitAfterClose(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)

	assert.False(t, sess.Connected())
	assert.False(t, sess.Await(func() {}), "a stopped loop cannot run work")

	// Closing again must not hang or panic.
	sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)
}

func TestSessionStreamRegistry(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	defer sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)

	h, err := sess.NewStream(4)
	require.NoError(t, err)
	require.NotNil(t, h.Codec)
	require.NotNil(t, h.Transport)
	assert.Equal(t, 1, sess.StreamCount())

	_, err = sess.NewStream(4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream 4 already registered")

	_, err = sess.NewStream(8)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.StreamCount())

	sess.CloseStream(8)
	assert.Equal(t, 1, sess.StreamCount())
	sess.CloseStream(8)
	assert.Equal(t, 1, sess.StreamCount(), "removing an unknown stream is a no-op")
}

func TestSessionCloseNotifiesLiveStreams(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	h, err := sess.NewStream(4)
	require.NoError(t, err)
	app := &capture{}
	sess.Await(func() {
		h.Codec.SetRequestDecoder(app)
		h.Codec.SetStreamCallbacks(app)
	})

	sess.Close(http3.ErrCodeNoError, http3.CloseSourcePeer)

	assert.False(t, sess.Connected())
	assert.Equal(t, []http3.StreamResetReason{http3.ResetReasonRemoteConnectionTermination},
		app.resetReasons)
	assert.True(t, h.Codec.FullyClosed())
}

func TestSessionStreamErrorClosesConnection(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	h, err := sess.NewStream(4)
	require.NoError(t, err)
	app := &capture{}
	sess.Await(func() {
		h.Codec.SetRequestDecoder(app)
		h.Codec.SetStreamCallbacks(app)
	})

	// Body exceeds the declared content-length. With the per-stream override
	// off, the codec escalates to OnStreamError and the whole session closes.
	sess.Await(func() {
		h.Transport.PeerSendsHeaders(postFieldsWithLength(5), false)
		h.Transport.PeerSendsData([]byte("0123456789"), true)
	})

	assert.False(t, sess.Connected())
	assert.Equal(t, []http3.StreamResetReason{http3.ResetReasonLocalConnectionTermination},
		app.resetReasons)
	assert.False(t, sess.Await(func() {}), "loop must stop after a connection-fatal stream error")

	sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)
}

func TestSessionAdjustBufferedBytes(t *testing.T) {
	sess := New(testSettings(), logger.NewNop())
	defer sess.Close(http3.ErrCodeNoError, http3.CloseSourceSelf)

	sess.AdjustBufferedBytes(4096)
	sess.AdjustBufferedBytes(-1024)
	assert.Equal(t, int64(3072), sess.AggregateBufferedBytes())
}
