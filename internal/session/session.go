// Package session hosts HTTP/3 request streams on a per-connection event
// loop. Every codec object is single-threaded by contract; the loop is the
// one goroutine allowed to touch it. Work from other goroutines enters
// through Schedule, timers through ScheduleDelayed.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/llmah3/v2/internal/config"
	"example.com/llmah3/v2/internal/http3"
	"example.com/llmah3/v2/internal/logger"
	"example.com/llmah3/v2/internal/quicsim"
)

const taskQueueDepth = 1024

// StreamHandle pairs a codec stream with the simulated transport it is
// bound to.
type StreamHandle struct {
	Codec     *http3.Stream
	Transport *quicsim.Stream
}

// Session owns one connection's streams and their event loop.
type Session struct {
	id  string
	log *logger.Logger

	opts                 http3.Options
	allowExtendedConnect bool
	maxHeadersCount      uint32

	stats *http3.CodecStats

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	stop  sync.Once

	connected     atomic.Bool
	bufferedBytes atomic.Int64

	// streams is owned by the loop goroutine.
	streams map[uint64]*StreamHandle
}

// Settings carries the config-derived knobs a session hands its streams.
type Settings struct {
	Options              http3.Options
	AllowExtendedConnect bool
	MaxHeadersCount      uint32
}

// SettingsFromConfig translates the validated configuration section into
// codec settings.
func SettingsFromConfig(cfg *config.HTTP3Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("http3 configuration cannot be nil")
	}
	action, err := http3.ParseUnderscoreAction(strVal(cfg.HeadersWithUnderscoresAction))
	if err != nil {
		return Settings{}, err
	}
	flush, err := cfg.ParsedFlushTimeout()
	if err != nil {
		return Settings{}, err
	}
	if flush == 0 {
		// An explicitly empty flush_timeout disables the timer. The codec
		// treats zero as "use the default", so disabled travels as negative.
		flush = -1
	}
	return Settings{
		Options: http3.Options{
			OverrideStreamErrorOnInvalidMessage: boolVal(cfg.OverrideStreamErrorOnInvalidMessage),
			HeadersWithUnderscoresAction:        action,
			SendBufferHighWatermark:             int64Val(cfg.SendBufferHighWatermark),
			SendBufferLowWatermark:              int64Val(cfg.SendBufferLowWatermark),
			MinSendBufferWatermark:              int64Val(cfg.MinSendBufferWatermark),
			FlushTimeout:                        flush,
		},
		AllowExtendedConnect: boolVal(cfg.AllowExtendedConnect),
		MaxHeadersCount:      uint32Val(cfg.MaxRequestHeadersCount),
	}, nil
}

// New starts a session and its loop goroutine.
func New(settings Settings, log *logger.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:                   id,
		log:                  log.With(logger.LogFields{"session_id": id}),
		opts:                 settings.Options,
		allowExtendedConnect: settings.AllowExtendedConnect,
		maxHeadersCount:      settings.MaxHeadersCount,
		stats:                &http3.CodecStats{},
		tasks:                make(chan func(), taskQueueDepth),
		quit:                 make(chan struct{}),
		done:                 make(chan struct{}),
		streams:              make(map[uint64]*StreamHandle),
	}
	s.connected.Store(true)
	go s.run()
	s.log.Debug("session started", nil)
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case task := <-s.tasks:
			task()
		}
	}
}

// ID returns the session's log-friendly identifier.
func (s *Session) ID() string { return s.id }

// Stats returns the session's codec counters, shared by all its streams.
func (s *Session) Stats() *http3.CodecStats { return s.stats }

// AggregateBufferedBytes returns the connection-wide buffered-byte count.
func (s *Session) AggregateBufferedBytes() int64 { return s.bufferedBytes.Load() }

// --- http3.Session -------------------------------------------------------

func (s *Session) Connected() bool { return s.connected.Load() }

func (s *Session) AllowExtendedConnect() bool { return s.allowExtendedConnect }

func (s *Session) MaxIncomingHeadersCount() uint32 { return s.maxHeadersCount }

func (s *Session) AdjustBufferedBytes(delta int64) {
	total := s.bufferedBytes.Add(delta)
	if total < 0 {
		s.log.Error("connection buffered bytes went negative", logger.LogFields{"total": total})
	}
}

// OnStreamError escalates a stream's protocol fault to a connection close.
// Runs on the loop, called synchronously by a stream mid-dispatch; the
// codec's close handling is reentrancy safe.
func (s *Session) OnStreamError(code http3.ErrorCode, details string) {
	s.log.Error("invalid message closes connection", logger.LogFields{
		"code":    code.String(),
		"details": details,
	})
	s.closeOnLoop(code, http3.CloseSourceSelf)
	s.stopLoop()
}

// Schedule posts fn onto the loop. Dropped without running if the session
// already stopped.
func (s *Session) Schedule(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.quit:
	}
}

// ScheduleDelayed arms a timer that re-posts fn onto the loop when it
// fires. The returned cancel stops a timer that has not fired yet.
func (s *Session) ScheduleDelayed(d time.Duration, fn func()) (cancel func()) {
	timer := time.AfterFunc(d, func() { s.Schedule(fn) })
	return func() { timer.Stop() }
}

// --- stream management ----------------------------------------------------

// Await runs fn on the loop and blocks until it finished. Returns false if
// the session stopped before fn could run. Must not be called from the
// loop itself.
func (s *Session) Await(fn func()) bool {
	ran := make(chan struct{})
	s.Schedule(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-s.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// NewStream builds a codec stream bound to a fresh simulated transport and
// registers it. Safe to call from any goroutine.
func (s *Session) NewStream(id uint64, simOpts ...quicsim.Option) (*StreamHandle, error) {
	var handle *StreamHandle
	var err error
	ok := s.Await(func() {
		if _, exists := s.streams[id]; exists {
			err = errors.Errorf("stream %d already registered", id)
			return
		}
		transport := quicsim.NewStream(id, s.log, simOpts...)
		var codec *http3.Stream
		codec, err = http3.NewServerStream(id, transport, s, s.opts, s.stats, s.log)
		if err != nil {
			err = errors.Wrapf(err, "build stream %d", id)
			return
		}
		transport.Bind(codec)
		handle = &StreamHandle{Codec: codec, Transport: transport}
		s.streams[id] = handle
		s.log.Debug("stream registered", logger.LogFields{"stream_id": id})
	})
	if !ok {
		return nil, errors.New("session closed")
	}
	return handle, err
}

// CloseStream tears one stream down and forgets it.
func (s *Session) CloseStream(id uint64) {
	s.Await(func() {
		handle, ok := s.streams[id]
		if !ok {
			return
		}
		handle.Codec.OnClose()
		delete(s.streams, id)
		s.log.Debug("stream removed", logger.LogFields{"stream_id": id})
	})
}

// StreamCount returns the number of live streams.
func (s *Session) StreamCount() int {
	n := 0
	s.Await(func() { n = len(s.streams) })
	return n
}

// Close shuts the session down in order: every live stream hears the
// connection close, then is torn down, then the loop stops.
func (s *Session) Close(code http3.ErrorCode, source http3.CloseSource) {
	s.Await(func() { s.closeOnLoop(code, source) })
	s.stopLoop()
	<-s.done
}

// closeOnLoop runs on the loop. Idempotent.
func (s *Session) closeOnLoop(code http3.ErrorCode, source http3.CloseSource) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	for id, handle := range s.streams {
		handle.Codec.OnConnectionClosed(code, source)
		handle.Codec.OnClose()
		delete(s.streams, id)
	}
	snap := s.stats.Snapshot()
	s.log.Info("session closed", logger.LogFields{
		"code":             code.String(),
		"source":           source.String(),
		"tx_reset":         snap.TxReset,
		"rx_reset":         snap.RxReset,
		"tx_flush_timeout": snap.TxFlushTimeout,
	})
}

func (s *Session) stopLoop() {
	s.stop.Do(func() { close(s.quit) })
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolVal(p *bool) bool { return p != nil && *p }

func int64Val(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func uint32Val(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

var _ http3.Session = (*Session)(nil)
