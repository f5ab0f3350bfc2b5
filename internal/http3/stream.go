package http3

import (
	"fmt"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/llmah3/v2/internal/logger"
)

// Default backpressure and flush parameters, used for zero-valued Options
// fields.
const (
	DefaultSendBufferHighWatermark = 1 << 20
	DefaultSendBufferLowWatermark  = 256 << 10
	DefaultFlushTimeout            = 10 * time.Second
)

// Options configure per-stream behavior. The zero value selects the
// defaults above with the allow underscore action and connection-close on
// invalid messages.
type Options struct {
	// OverrideStreamErrorOnInvalidMessage selects the blast radius of an
	// invalid inbound message: true resets only the stream, false closes
	// the whole connection.
	OverrideStreamErrorOnInvalidMessage bool
	// HeadersWithUnderscoresAction is applied to inbound header and trailer
	// names containing underscores.
	HeadersWithUnderscoresAction UnderscoreAction
	// SendBufferHighWatermark and SendBufferLowWatermark bound the
	// buffered-but-unsent byte count before the application is asked to
	// back off and may resume. High must exceed low and the minimum margin.
	SendBufferHighWatermark int64
	SendBufferLowWatermark  int64
	// MinSendBufferWatermark is the construction-time lower bound for the
	// high watermark. Zero selects DefaultMinSendBufferWatermark.
	MinSendBufferWatermark int64
	// FlushTimeout bounds how long a stream may sit with local end-of-stream
	// signaled but bytes still buffered before it is reset. Zero selects
	// the default; negative disables the timer.
	FlushTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBufferHighWatermark == 0 {
		o.SendBufferHighWatermark = DefaultSendBufferHighWatermark
	}
	if o.SendBufferLowWatermark == 0 {
		o.SendBufferLowWatermark = DefaultSendBufferLowWatermark
	}
	if o.MinSendBufferWatermark == 0 {
		o.MinSendBufferWatermark = DefaultMinSendBufferWatermark
	}
	if o.FlushTimeout == 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	return o
}

// Stream is the server-side adapter for one HTTP/3 request stream. It owns
// the lifecycle state machine between a transport stream and the
// application decoder: ordered inbound dispatch, outbound encoding,
// watermark backpressure, byte accounting, and reset attribution.
//
// Concurrency: a Stream is single-threaded by contract. Every method must
// be called from the owning session's loop goroutine; there is no internal
// locking. Cross-goroutine work enters via Session.Schedule.
type Stream struct {
	id        uint64
	transport TransportStream
	session   Session
	opts      Options
	stats     *CodecStats
	log       *logger.Logger

	decoder   RequestDecoder
	callbacks StreamCallbacks

	closeState CloseStateTracker
	meter      BytesMeter
	sendBuffer *SendBufferMonitor
	delivery   *DeliveryController
	resetter   *ResetAttributor

	// details records the first error detail observed on this stream;
	// later errors do not overwrite it.
	details string
	rstSent bool
	torn    bool

	cancelFlushTimer func()
}

// NewServerStream builds the adapter for one request stream. The returned
// error is a watermark configuration fault; nothing else fails here.
func NewServerStream(id uint64, transport TransportStream, session Session, opts Options, stats *CodecStats, log *logger.Logger) (*Stream, error) {
	s := &Stream{
		id:        id,
		transport: transport,
		session:   session,
		opts:      opts.withDefaults(),
		stats:     stats,
		log:       log,
	}
	monitor, err := NewSendBufferMonitor(
		s.opts.SendBufferHighWatermark,
		s.opts.SendBufferLowWatermark,
		s.opts.MinSendBufferWatermark,
		s.runHighWatermarkCallbacks,
		s.runLowWatermarkCallbacks,
		session.AdjustBufferedBytes,
		log,
	)
	if err != nil {
		return nil, err
	}
	s.sendBuffer = monitor
	s.resetter = NewResetAttributor(&s.closeState, s.notifyReset, log)
	s.delivery = newDeliveryController(deliveryDeps{
		transport:        transport,
		closeState:       &s.closeState,
		meter:            &s.meter,
		stats:            stats,
		session:          session,
		log:              log,
		underscoreAction: s.opts.HeadersWithUnderscoresAction,
		onStreamError:    s.onStreamError,
		resetSent:        func() bool { return s.rstSent },
	})
	return s, nil
}

// SetRequestDecoder binds the application decoder. Must happen before the
// first inbound event.
func (s *Stream) SetRequestDecoder(dec RequestDecoder) {
	s.decoder = dec
	s.delivery.setDecoder(dec)
}

// SetStreamCallbacks binds the lifecycle notification sink.
func (s *Stream) SetStreamCallbacks(cb StreamCallbacks) { s.callbacks = cb }

// ID returns the transport stream id.
func (s *Stream) ID() uint64 { return s.id }

// Meter exposes the stream's byte counters.
func (s *Stream) Meter() *BytesMeter { return &s.meter }

// Details returns the first recorded error detail, empty when none.
func (s *Stream) Details() string { return s.details }

// DeliveryStage returns the inbound dispatch stage.
func (s *Stream) DeliveryStage() DeliveryStage { return s.delivery.Stage() }

// ReadClosed reports whether inbound delivery has ended.
func (s *Stream) ReadClosed() bool { return s.closeState.ReadClosed() }

// WriteClosed reports whether outbound production has ended.
func (s *Stream) WriteClosed() bool { return s.closeState.WriteClosed() }

// FullyClosed reports whether both directions have ended.
func (s *Stream) FullyClosed() bool { return s.closeState.FullyClosed() }

// ResetCallbackFired reports whether the at-most-once reset callback ran.
func (s *Stream) ResetCallbackFired() bool { return s.resetter.Fired() }

// BufferedSendBytes returns the mirrored buffered-but-unsent byte count.
func (s *Stream) BufferedSendBytes() int64 { return s.sendBuffer.BufferedBytes() }

// --- transport-facing events -------------------------------------------

// OnInitialHeaders delivers the decoded request header block. headerBytes
// is the serialized size of the block on the wire.
func (s *Stream) OnInitialHeaders(fields []hpack.HeaderField, fin bool, headerBytes int) {
	s.meter.AddHeaderBytesReceived(uint64(headerBytes))
	s.meter.AddWireBytesReceived(uint64(headerBytes))
	if s.closeState.ReadClosed() {
		s.log.Debug("dropping request headers on closed read side", logger.LogFields{"stream_id": s.id})
		return
	}
	s.log.Debug("request headers received", logger.LogFields{
		"stream_id":    s.id,
		"fields":       len(fields),
		"end_stream":   fin,
		"header_bytes": headerBytes,
	})
	s.delivery.onHeaders(fields, fin)
}

// OnStreamFrame meters raw inbound stream bytes. Delivery happens through
// OnBodyAvailable; this hook exists only so retransmissions and overlaps
// can be accounted without double counting.
func (s *Stream) OnStreamFrame(offset uint64, length int, fin bool) {
	fresh := s.meter.OnStreamFrameReceived(offset, uint64(length))
	if fresh > 0 {
		s.log.Debug("stream frame received", logger.LogFields{
			"stream_id": s.id,
			"offset":    offset,
			"length":    length,
			"fin":       fin,
			"fresh":     fresh,
		})
	}
}

// OnTrailingHeaders delivers the decoded trailer block.
func (s *Stream) OnTrailingHeaders(fields []hpack.HeaderField, headerBytes int) {
	s.meter.AddHeaderBytesReceived(uint64(headerBytes))
	s.meter.AddWireBytesReceived(uint64(headerBytes))
	if s.closeState.ReadClosed() {
		s.log.Debug("dropping trailers on closed read side", logger.LogFields{"stream_id": s.id})
		return
	}
	s.delivery.onTrailers(fields)
}

// OnBodyAvailable tells the adapter the sequencer holds consumable bytes or
// a FIN.
func (s *Stream) OnBodyAvailable() {
	if s.closeState.ReadClosed() {
		return
	}
	s.delivery.onBodyAvailable()
}

// OnStopSending handles a peer STOP_SENDING: the peer no longer wants the
// response, so the write side closes and reading is abandoned with it.
func (s *Stream) OnStopSending(code ErrorCode) {
	s.stats.RxReset.Add(1)
	s.log.Debug("STOP_SENDING received", logger.LogFields{"stream_id": s.id, "code": code.String()})
	s.closeState.CloseWrite()
	if !s.closeState.ReadingStopped() {
		s.transport.StopReading()
		s.closeState.MarkReadingStopped()
	}
	s.cancelFlush()
	s.resetter.OnStopSendingReceived(code)
}

// OnStreamReset handles a peer RESET_STREAM: only the read side closes; a
// response in flight may keep streaming.
func (s *Stream) OnStreamReset(code ErrorCode) {
	s.stats.RxReset.Add(1)
	s.log.Debug("RESET_STREAM received", logger.LogFields{"stream_id": s.id, "code": code.String()})
	cleanlyFinished := s.closeState.ReadClosed() && s.closeState.LocalEndStream()
	s.closeState.CloseRead()
	s.setDetails(DetailRemoteReset)
	s.resetter.OnRemoteResetReceived(code, cleanlyFinished)
}

// OnConnectionClosed handles the connection dying under the stream.
func (s *Stream) OnConnectionClosed(code ErrorCode, source CloseSource) {
	s.log.Debug("connection closed under stream", logger.LogFields{
		"stream_id": s.id,
		"code":      code.String(),
		"source":    source.String(),
	})
	// Notify before flipping the close flags so the watermark teardown that
	// follows cannot trigger application callbacks on a dead stream.
	s.resetter.OnConnectionClosed(code, source)
	s.closeState.CloseRead()
	s.closeState.CloseWrite()
	s.cancelFlush()
}

// OnCanWrite reconciles the buffered-byte mirror after the transport
// flushed part of its send buffer.
func (s *Stream) OnCanWrite() {
	s.sendBuffer.ReconcileTo(s.transport.BufferedDataBytes())
	s.maybeFinishWrite()
}

// OnHeadersTooLarge handles the transport refusing an oversized header
// block before it was ever decoded.
func (s *Stream) OnHeadersTooLarge() {
	s.stats.HeadersTooLarge.Add(1)
	s.onStreamError(nil, ErrCodeExcessiveLoad, DetailHeadersTooLarge, "request header block too large")
}

// OnClose is the terminal teardown hook from the owner. Buffered bytes
// still mirrored are accounted as flushed so the connection aggregate does
// not leak; if a scoped update is active its release will observe the drop
// instead.
func (s *Stream) OnClose() {
	s.torn = true
	s.cancelFlush()
	s.sendBuffer.ReconcileTeardown()
}

// --- application-facing encode operations ------------------------------

// EncodeHeaders writes the response header block, optionally carrying
// end-of-stream.
func (s *Stream) EncodeHeaders(h *ResponseHeaderMap, endStream bool) error {
	if err := s.checkWritable("headers"); err != nil {
		return err
	}
	if _, err := h.Status(); err != nil {
		return NewStreamErrorWithCause(s.id, ErrCodeMessageError, "invalid response headers", err)
	}
	return s.writeHeaderBlock(h.Fields(), endStream)
}

// Encode1xxHeaders writes a non-final informational response. Only 100 and
// 102 through 199 qualify; 101 has no meaning in HTTP/3. Never carries
// end-of-stream.
func (s *Stream) Encode1xxHeaders(h *ResponseHeaderMap) error {
	if err := s.checkWritable("1xx headers"); err != nil {
		return err
	}
	status, err := h.Status()
	if err != nil {
		return NewStreamErrorWithCause(s.id, ErrCodeMessageError, "invalid informational headers", err)
	}
	if status != 100 && (status <= 101 || status >= 200) {
		return NewStreamError(s.id, ErrCodeMessageError, fmt.Sprintf("status %d is not an informational response", status))
	}
	return s.writeHeaderBlock(h.Fields(), false)
}

func (s *Stream) writeHeaderBlock(fields []hpack.HeaderField, endStream bool) error {
	if endStream {
		s.closeState.MarkLocalEndStream()
	}
	release := s.sendBuffer.ScopedUpdate(s.transport.BufferedDataBytes)
	defer release()
	n, err := s.transport.WriteHeaders(fields, endStream)
	if err != nil {
		s.reset(ErrCodeInternalError)
		return NewStreamErrorWithCause(s.id, ErrCodeInternalError, "transport rejected header block", err)
	}
	s.meter.AddHeaderBytesSent(uint64(n))
	s.meter.AddWireBytesSent(uint64(n))
	if endStream {
		s.onLocalEndStream()
	}
	return nil
}

// EncodeData writes body slices, optionally carrying end-of-stream. A call
// with no bytes and no endStream is a no-op. If the transport absorbs fewer
// bytes than submitted the stream is reset immediately with the
// internal-error code; short writes are never retried.
func (s *Stream) EncodeData(slices [][]byte, endStream bool) error {
	var total int64
	for _, sl := range slices {
		total += int64(len(sl))
	}
	if total == 0 && !endStream {
		return nil
	}
	if err := s.checkWritable("data"); err != nil {
		return err
	}
	if endStream {
		s.closeState.MarkLocalEndStream()
	}
	release := s.sendBuffer.ScopedUpdate(s.transport.BufferedDataBytes)
	defer release()
	taken, err := s.transport.WriteBodySlices(slices, endStream)
	if err != nil {
		s.reset(ErrCodeInternalError)
		return NewStreamErrorWithCause(s.id, ErrCodeInternalError, "transport rejected body bytes", err)
	}
	s.meter.AddWireBytesSent(uint64(taken))
	if taken != total {
		s.setDetails(DetailSendBufferRejectedBytes)
		s.reset(ErrCodeInternalError)
		return NewStreamError(s.id, ErrCodeInternalError,
			fmt.Sprintf("send buffer absorbed %d of %d body bytes", taken, total))
	}
	if endStream {
		s.onLocalEndStream()
	}
	return nil
}

// EncodeTrailers writes the trailer block; trailers always end the stream.
func (s *Stream) EncodeTrailers(t *ResponseTrailerMap) error {
	if err := s.checkWritable("trailers"); err != nil {
		return err
	}
	for _, f := range t.Fields() {
		if f.Name == "" || f.IsPseudo() {
			return NewStreamError(s.id, ErrCodeMessageError, fmt.Sprintf("invalid trailer field name %q", f.Name))
		}
	}
	s.closeState.MarkLocalEndStream()
	release := s.sendBuffer.ScopedUpdate(s.transport.BufferedDataBytes)
	defer release()
	n, err := s.transport.WriteTrailers(t.Fields())
	if err != nil {
		s.reset(ErrCodeInternalError)
		return NewStreamErrorWithCause(s.id, ErrCodeInternalError, "transport rejected trailer block", err)
	}
	s.meter.AddHeaderBytesSent(uint64(n))
	s.meter.AddWireBytesSent(uint64(n))
	s.onLocalEndStream()
	return nil
}

// EncodeMetadata is unconditionally rejected: metadata frames are not
// supported on this codec. The attempt is counted and logged and nothing
// reaches the transport.
func (s *Stream) EncodeMetadata(_ []hpack.HeaderField) {
	s.stats.MetadataNotSupportedError.Add(1)
	s.log.Debug("metadata encoding requested but not supported", logger.LogFields{"stream_id": s.id})
}

// ResetStream resets the stream for an application-level reason. When the
// response was already fully signaled and reading is still live, the
// request side is quietly abandoned instead of sending an error reset; the
// transport layers its own clean shutdown underneath.
func (s *Stream) ResetStream(reason StreamResetReason) {
	if s.rstSent {
		return
	}
	if s.closeState.LocalEndStream() && !s.closeState.ReadingStopped() {
		if s.closeState.ReadClosed() {
			// Both directions already finished naturally; nothing to report.
			return
		}
		s.transport.StopReading()
		s.closeState.MarkReadingStopped()
		s.resetter.OnEarlyResponseReset()
		return
	}
	s.reset(ResetCodeForReason(reason))
}

// ReadDisable pauses (true) or resumes (false) inbound delivery. Calls
// nest; the transport only hears the final coalesced state, applied on the
// session loop.
func (s *Stream) ReadDisable(disable bool) {
	if s.sendBuffer.RequestReadDisable(disable) {
		s.session.Schedule(s.applyReadBlockState)
	}
}

func (s *Stream) applyReadBlockState() {
	blocked := s.sendBuffer.CommitReadState()
	if s.torn || s.closeState.ReadClosed() {
		return
	}
	s.log.Debug("switching read block state", logger.LogFields{"stream_id": s.id, "blocked": blocked})
	s.transport.SetReadBlocked(blocked)
}

// --- internals ----------------------------------------------------------

func (s *Stream) checkWritable(what string) error {
	if s.rstSent || s.closeState.WriteClosed() {
		return NewStreamError(s.id, ErrCodeInternalError, fmt.Sprintf("cannot encode %s on closed write side", what))
	}
	if s.closeState.LocalEndStream() {
		return NewStreamError(s.id, ErrCodeInternalError, fmt.Sprintf("cannot encode %s after end-of-stream", what))
	}
	return nil
}

// reset issues a local reset: the application hears about it synchronously
// before the transport does, unless it already signaled end-of-stream.
func (s *Stream) reset(code ErrorCode) {
	if s.rstSent {
		return
	}
	s.rstSent = true
	s.stats.TxReset.Add(1)
	s.log.Debug("resetting stream", logger.LogFields{"stream_id": s.id, "code": code.String()})
	s.resetter.OnLocalResetIssued(code)
	s.transport.Reset(code)
	s.closeState.CloseRead()
	s.closeState.CloseWrite()
	s.cancelFlush()
}

// onStreamError routes a protocol fault: the override (when given) or the
// configured policy decides between resetting the stream and closing the
// connection.
func (s *Stream) onStreamError(overrideClose *bool, rstCode ErrorCode, detail, msg string) {
	s.setDetails(detail)
	closeConn := !s.opts.OverrideStreamErrorOnInvalidMessage
	if overrideClose != nil {
		closeConn = *overrideClose
	}
	s.log.Warn("stream protocol error", logger.LogFields{
		"stream_id":        s.id,
		"detail":           detail,
		"error":            msg,
		"close_connection": closeConn,
	})
	if closeConn {
		s.session.OnStreamError(ErrCodeMessageError, s.details)
		return
	}
	s.reset(rstCode)
}

// onLocalEndStream runs after the write carrying end-of-stream was handed
// to the transport. If bytes are still buffered a flush timer bounds how
// long the peer may keep us holding them.
func (s *Stream) onLocalEndStream() {
	if s.transport.BufferedDataBytes() == 0 {
		s.closeState.CloseWrite()
		return
	}
	if s.cancelFlushTimer == nil && s.opts.FlushTimeout > 0 {
		s.cancelFlushTimer = s.session.ScheduleDelayed(s.opts.FlushTimeout, s.onPendingFlushTimeout)
	}
}

func (s *Stream) onPendingFlushTimeout() {
	s.cancelFlushTimer = nil
	if s.torn || s.rstSent || s.closeState.WriteClosed() {
		return
	}
	if s.transport.BufferedDataBytes() == 0 {
		s.maybeFinishWrite()
		return
	}
	if !s.closeState.LocalEndStream() {
		s.log.Error("flush timer fired without local end-of-stream", logger.LogFields{"stream_id": s.id})
	}
	s.log.Warn("send buffer did not drain in time, cancelling stream", logger.LogFields{
		"stream_id": s.id,
		"buffered":  s.transport.BufferedDataBytes(),
	})
	s.stats.TxFlushTimeout.Add(1)
	s.setDetails(DetailFlushTimeout)
	// Local end-of-stream was already signaled, so no reset callback fires.
	s.reset(ErrCodeRequestCancelled)
}

func (s *Stream) maybeFinishWrite() {
	if s.closeState.LocalEndStream() && s.transport.BufferedDataBytes() == 0 {
		s.closeState.CloseWrite()
		s.cancelFlush()
	}
}

func (s *Stream) cancelFlush() {
	if s.cancelFlushTimer != nil {
		s.cancelFlushTimer()
		s.cancelFlushTimer = nil
	}
}

func (s *Stream) setDetails(d string) {
	if s.details == "" {
		s.details = d
	}
}

func (s *Stream) notifyReset(reason StreamResetReason) {
	if s.callbacks == nil {
		return
	}
	s.callbacks.OnResetStream(reason, s.details)
}

func (s *Stream) runHighWatermarkCallbacks() {
	if s.resetter.Fired() || s.callbacks == nil {
		return
	}
	s.log.Debug("send buffer above high watermark", logger.LogFields{
		"stream_id": s.id,
		"buffered":  s.sendBuffer.BufferedBytes(),
	})
	s.callbacks.OnAboveWriteBufferHighWatermark()
}

func (s *Stream) runLowWatermarkCallbacks() {
	if s.resetter.Fired() || s.callbacks == nil {
		return
	}
	s.log.Debug("send buffer below low watermark", logger.LogFields{
		"stream_id": s.id,
		"buffered":  s.sendBuffer.BufferedBytes(),
	})
	s.callbacks.OnBelowWriteBufferLowWatermark()
}

var _ StreamEvents = (*Stream)(nil)
