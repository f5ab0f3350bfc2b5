package http3

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"example.com/llmah3/v2/internal/logger"
)

// fakeTransport is a scriptable TransportStream for stream tests. Outbound
// calls are recorded; the inbound sequencer is driven by queueing regions
// and flipping finReceived, the way the transport would.
type fakeTransport struct {
	headerBlocks [][]hpack.HeaderField
	headerFins   []bool
	bodyWritten  bytes.Buffer
	bodyFinSent  bool
	trailerBlock []hpack.HeaderField
	resetCodes   []ErrorCode
	stopReads    int
	readBlocks   []bool

	// writeErr fails the next Write call. absorbLimit caps how many body
	// bytes a single WriteBodySlices call will take; negative means all.
	writeErr    error
	absorbLimit int64

	buffered int64

	regions      [][]byte
	finReceived  bool
	trailersPend bool

	// inOffset is the next inbound body-frame offset, advanced by queueBody.
	inOffset uint64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{absorbLimit: -1}
}

func fieldsSize(fields []hpack.HeaderField) int {
	total := 0
	for _, f := range fields {
		total += int(f.Size())
	}
	return total
}

func (ft *fakeTransport) WriteHeaders(fields []hpack.HeaderField, endStream bool) (int, error) {
	if ft.writeErr != nil {
		return 0, ft.writeErr
	}
	ft.headerBlocks = append(ft.headerBlocks, fields)
	ft.headerFins = append(ft.headerFins, endStream)
	n := fieldsSize(fields)
	ft.buffered += int64(n)
	return n, nil
}

func (ft *fakeTransport) WriteBodySlices(slices [][]byte, endStream bool) (int64, error) {
	if ft.writeErr != nil {
		return 0, ft.writeErr
	}
	var total int64
	for _, sl := range slices {
		total += int64(len(sl))
	}
	take := total
	if ft.absorbLimit >= 0 && take > ft.absorbLimit {
		take = ft.absorbLimit
	}
	remaining := take
	for _, sl := range slices {
		if remaining <= 0 {
			break
		}
		n := int64(len(sl))
		if n > remaining {
			n = remaining
		}
		ft.bodyWritten.Write(sl[:n])
		remaining -= n
	}
	ft.buffered += take
	if endStream && take == total {
		ft.bodyFinSent = true
	}
	return take, nil
}

func (ft *fakeTransport) WriteTrailers(fields []hpack.HeaderField) (int, error) {
	if ft.writeErr != nil {
		return 0, ft.writeErr
	}
	ft.trailerBlock = fields
	n := fieldsSize(fields)
	ft.buffered += int64(n)
	return n, nil
}

func (ft *fakeTransport) Reset(code ErrorCode) {
	ft.resetCodes = append(ft.resetCodes, code)
	ft.buffered = 0
}

func (ft *fakeTransport) StopReading() {
	ft.stopReads++
	ft.regions = nil
}

func (ft *fakeTransport) HasBytesToRead() bool { return len(ft.regions) > 0 }

func (ft *fakeTransport) ReadableBytes() int64 {
	var total int64
	for _, r := range ft.regions {
		total += int64(len(r))
	}
	return total
}

func (ft *fakeTransport) ReadableRegion() []byte {
	if len(ft.regions) == 0 {
		return nil
	}
	return ft.regions[0]
}

func (ft *fakeTransport) MarkConsumed(n int) {
	if len(ft.regions) == 0 {
		return
	}
	ft.regions[0] = ft.regions[0][n:]
	if len(ft.regions[0]) == 0 {
		ft.regions = ft.regions[1:]
	}
}

func (ft *fakeTransport) SequencerClosed() bool {
	return ft.finReceived && len(ft.regions) == 0
}

func (ft *fakeTransport) IsDoneReading() bool {
	return ft.SequencerClosed() && !ft.trailersPend
}

func (ft *fakeTransport) SetReadBlocked(blocked bool) {
	ft.readBlocks = append(ft.readBlocks, blocked)
}

func (ft *fakeTransport) BufferedDataBytes() int64 { return ft.buffered }

// queueBody stages inbound body bytes in the sequencer without notifying
// the stream; tests call OnStreamFrame/OnBodyAvailable themselves.
func (ft *fakeTransport) queueBody(p []byte, fin bool) {
	if len(p) > 0 {
		ft.regions = append(ft.regions, append([]byte(nil), p...))
		ft.inOffset += uint64(len(p))
	}
	if fin {
		ft.finReceived = true
	}
}

// drain simulates the transport flushing n buffered bytes to the wire.
func (ft *fakeTransport) drain(n int64) {
	ft.buffered -= n
	if ft.buffered < 0 {
		ft.buffered = 0
	}
}

var _ TransportStream = (*fakeTransport)(nil)

type sessionStreamErr struct {
	code    ErrorCode
	details string
}

// fakeTimer is one captured ScheduleDelayed call.
type fakeTimer struct {
	d        time.Duration
	fn       func()
	canceled bool
	fired    bool
}

// fakeSession implements Session for stream tests. Schedule runs inline
// unless deferScheduled is set, in which case tasks queue until runPending.
type fakeSession struct {
	connected     bool
	allowExtended bool
	maxHeaders    uint32
	aggregate     int64

	streamErrs []sessionStreamErr

	deferScheduled bool
	pending        []func()
	timers         []*fakeTimer
}

func newFakeSession() *fakeSession { return &fakeSession{connected: true} }

func (fs *fakeSession) Connected() bool                 { return fs.connected }
func (fs *fakeSession) AllowExtendedConnect() bool      { return fs.allowExtended }
func (fs *fakeSession) MaxIncomingHeadersCount() uint32 { return fs.maxHeaders }

func (fs *fakeSession) AdjustBufferedBytes(delta int64) { fs.aggregate += delta }

func (fs *fakeSession) OnStreamError(code ErrorCode, details string) {
	fs.streamErrs = append(fs.streamErrs, sessionStreamErr{code: code, details: details})
	fs.connected = false
}

func (fs *fakeSession) Schedule(fn func()) {
	if fs.deferScheduled {
		fs.pending = append(fs.pending, fn)
		return
	}
	fn()
}

func (fs *fakeSession) runPending() {
	tasks := fs.pending
	fs.pending = nil
	for _, fn := range tasks {
		fn()
	}
}

func (fs *fakeSession) ScheduleDelayed(d time.Duration, fn func()) (cancel func()) {
	tm := &fakeTimer{d: d, fn: fn}
	fs.timers = append(fs.timers, tm)
	return func() { tm.canceled = true }
}

// fireTimers runs every armed timer that has not been canceled.
func (fs *fakeSession) fireTimers() {
	for _, tm := range fs.timers {
		if tm.canceled || tm.fired {
			continue
		}
		tm.fired = true
		tm.fn()
	}
}

func (fs *fakeSession) armedTimers() []*fakeTimer {
	var armed []*fakeTimer
	for _, tm := range fs.timers {
		if !tm.canceled && !tm.fired {
			armed = append(armed, tm)
		}
	}
	return armed
}

var _ Session = (*fakeSession)(nil)

// recorder captures everything the stream dispatches to the application,
// with a flat event log so ordering can be asserted.
type recorder struct {
	events []string

	headers   *RequestHeaderMap
	headerFin bool
	body      bytes.Buffer
	bodyFin   bool
	trailers  *RequestHeaderMap

	resets       []StreamResetReason
	resetDetails string
	above        int
	below        int
}

func (r *recorder) DecodeHeaders(h *RequestHeaderMap, endStream bool) {
	r.headers = h
	r.headerFin = endStream
	r.events = append(r.events, fmt.Sprintf("headers fin=%t", endStream))
}

func (r *recorder) DecodeData(p []byte, endStream bool) {
	r.body.Write(p)
	if endStream {
		r.bodyFin = true
	}
	r.events = append(r.events, fmt.Sprintf("data %d fin=%t", len(p), endStream))
}

func (r *recorder) DecodeTrailers(h *RequestHeaderMap) {
	r.trailers = h
	r.events = append(r.events, "trailers")
}

func (r *recorder) OnResetStream(reason StreamResetReason, details string) {
	r.resets = append(r.resets, reason)
	r.resetDetails = details
	r.events = append(r.events, "reset "+reason.String())
}

func (r *recorder) OnAboveWriteBufferHighWatermark() {
	r.above++
	r.events = append(r.events, "above")
}

func (r *recorder) OnBelowWriteBufferLowWatermark() {
	r.below++
	r.events = append(r.events, "below")
}

var (
	_ RequestDecoder  = (*recorder)(nil)
	_ StreamCallbacks = (*recorder)(nil)
)

// newTestStream wires a stream to fresh fakes. Zero-valued Options select
// the defaults.
func newTestStream(t *testing.T, opts Options) (*Stream, *fakeTransport, *fakeSession, *recorder) {
	t.Helper()
	ft := newFakeTransport()
	fs := newFakeSession()
	s, err := NewServerStream(4, ft, fs, opts, &CodecStats{}, logger.NewNop())
	require.NoError(t, err)
	rec := &recorder{}
	s.SetRequestDecoder(rec)
	s.SetStreamCallbacks(rec)
	return s, ft, fs, rec
}

func postFields(contentLength string) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/upload"},
		{Name: ":authority", Value: "example.com"},
	}
	if contentLength != "" {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: contentLength})
	}
	return fields
}

func getReqFields() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}
}

func okResponse() *ResponseHeaderMap {
	return NewResponseHeaderMap([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	})
}

// deliverHeaders pushes a request header block through the transport-facing
// event, with a plausible wire size.
func deliverHeaders(s *Stream, fields []hpack.HeaderField, fin bool) {
	s.OnInitialHeaders(fields, fin, fieldsSize(fields))
}

// deliverBody queues bytes in the fake sequencer and raises the events the
// transport would: a frame notification, then the body wakeup.
func deliverBody(s *Stream, ft *fakeTransport, p []byte, fin bool) {
	offset := ft.inOffset
	ft.queueBody(p, fin)
	s.OnStreamFrame(offset, len(p), fin)
	s.OnBodyAvailable()
}
