// Package quicsim provides an in-memory stand-in for a QUIC transport
// stream. It implements the http3.TransportStream surface the codec writes
// to, plus a peer-side injection API so tests and the simulator binary can
// drive the codec's event surface the way a real transport would.
//
// A Stream is owned by one goroutine, the same loop that owns the codec
// bound to it. Peer injections invoke the codec synchronously, so callers
// off the loop must route through Session.Schedule.
package quicsim

import (
	"fmt"

	"golang.org/x/net/http2/hpack"

	"example.com/llmah3/v2/internal/http3"
	"example.com/llmah3/v2/internal/logger"
)

// Option configures a Stream at construction.
type Option func(*Stream)

// WithSendCapacity bounds how many body bytes the send buffer absorbs
// before refusing the rest. Zero or negative means unlimited.
func WithSendCapacity(n int64) Option {
	return func(s *Stream) { s.sendCapacity = n }
}

// Stream is a simulated bidirectional request stream.
type Stream struct {
	id     uint64
	events http3.StreamEvents
	log    *logger.Logger

	// peer to codec
	recvBuf         []byte
	dataOffset      uint64
	finReceived     bool
	trailersPending bool
	readBlocked     bool
	stoppedReading  bool

	// codec to peer
	sendCapacity     int64
	buffered         int64
	sentHeaderBlocks [][]hpack.HeaderField
	sentBody         []byte
	sentTrailers     []hpack.HeaderField
	sentFin          bool
	resetSent        bool
	resetCode        http3.ErrorCode

	stopReadingCalls int
	lastReadBlocked  bool
}

// NewStream builds an unbound simulated stream.
func NewStream(id uint64, log *logger.Logger, opts ...Option) *Stream {
	s := &Stream{id: id, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bind attaches the codec's event surface. Must happen before any peer
// injection.
func (s *Stream) Bind(events http3.StreamEvents) { s.events = events }

// ID returns the stream id.
func (s *Stream) ID() uint64 { return s.id }

// --- peer-side injection -------------------------------------------------

// PeerSendsHeaders delivers a decoded request header block. A FIN riding
// with the headers closes the sequencer, so the codec also gets the
// availability wakeup it would use to observe the end of the stream.
func (s *Stream) PeerSendsHeaders(fields []hpack.HeaderField, fin bool) {
	if !s.bound("PeerSendsHeaders") {
		return
	}
	if fin {
		s.finReceived = true
	}
	s.events.OnInitialHeaders(fields, fin, headerBlockSize(fields))
	if fin && !s.readBlocked && !s.stoppedReading {
		s.events.OnBodyAvailable()
	}
}

// PeerSendsData delivers body bytes at the next contiguous offset. The
// metering notification fires first, then availability, matching the order
// a real transport reports frames and wakes the reader.
func (s *Stream) PeerSendsData(p []byte, fin bool) {
	if !s.bound("PeerSendsData") {
		return
	}
	s.events.OnStreamFrame(s.dataOffset, len(p), fin)
	s.dataOffset += uint64(len(p))
	if s.stoppedReading {
		return
	}
	s.recvBuf = append(s.recvBuf, p...)
	if fin {
		s.finReceived = true
	}
	if !s.readBlocked {
		s.events.OnBodyAvailable()
	}
}

// DeliverFinOnEmptyBody delivers a bare FIN with no payload.
func (s *Stream) DeliverFinOnEmptyBody() { s.PeerSendsData(nil, true) }

// PeerRetransmits re-notifies a frame at an already-covered offset without
// delivering payload, the shape of a retransmission or overlap.
func (s *Stream) PeerRetransmits(offset uint64, length int) {
	if !s.bound("PeerRetransmits") {
		return
	}
	s.events.OnStreamFrame(offset, length, false)
}

// PeerSendsTrailers delivers a decoded trailer block. Trailers are the last
// thing on a request stream, so the FIN rides with them.
func (s *Stream) PeerSendsTrailers(fields []hpack.HeaderField) {
	if !s.bound("PeerSendsTrailers") {
		return
	}
	s.trailersPending = true
	s.finReceived = true
	s.events.OnTrailingHeaders(fields, headerBlockSize(fields))
	// Wake the codec if body bytes were still pending when the trailers
	// arrived, so the deferred trailer decode gets its chance.
	if len(s.recvBuf) > 0 && !s.readBlocked && !s.stoppedReading {
		s.events.OnBodyAvailable()
	}
}

// PeerResets delivers a RESET_STREAM from the peer.
func (s *Stream) PeerResets(code http3.ErrorCode) {
	if !s.bound("PeerResets") {
		return
	}
	s.events.OnStreamReset(code)
}

// PeerStopsSending delivers a STOP_SENDING from the peer.
func (s *Stream) PeerStopsSending(code http3.ErrorCode) {
	if !s.bound("PeerStopsSending") {
		return
	}
	s.events.OnStopSending(code)
}

// ConnectionClosed tells the codec the connection died underneath it.
func (s *Stream) ConnectionClosed(code http3.ErrorCode, source http3.CloseSource) {
	if !s.bound("ConnectionClosed") {
		return
	}
	s.events.OnConnectionClosed(code, source)
}

// FlushSent simulates the wire draining n buffered bytes and wakes the
// codec's write path.
func (s *Stream) FlushSent(n int64) {
	if !s.bound("FlushSent") {
		return
	}
	if n > s.buffered {
		n = s.buffered
	}
	if n > 0 {
		s.buffered -= n
	}
	s.events.OnCanWrite()
}

// FlushAll drains the whole send buffer.
func (s *Stream) FlushAll() { s.FlushSent(s.buffered) }

// --- http3.TransportStream ----------------------------------------------

func (s *Stream) WriteHeaders(fields []hpack.HeaderField, endStream bool) (int, error) {
	if s.resetSent {
		return 0, fmt.Errorf("write headers on reset stream %d", s.id)
	}
	size := headerBlockSize(fields)
	s.buffered += int64(size)
	block := make([]hpack.HeaderField, len(fields))
	copy(block, fields)
	s.sentHeaderBlocks = append(s.sentHeaderBlocks, block)
	if endStream {
		s.sentFin = true
	}
	return size, nil
}

func (s *Stream) WriteBodySlices(slices [][]byte, endStream bool) (int64, error) {
	if s.resetSent {
		return 0, fmt.Errorf("write body on reset stream %d", s.id)
	}
	var total int64
	for _, sl := range slices {
		total += int64(len(sl))
	}
	room := total
	if s.sendCapacity > 0 {
		room = s.sendCapacity - s.buffered
		if room < 0 {
			room = 0
		}
		if room > total {
			room = total
		}
	}
	var absorbed int64
	for _, sl := range slices {
		if absorbed == room {
			break
		}
		take := int64(len(sl))
		if take > room-absorbed {
			take = room - absorbed
		}
		s.sentBody = append(s.sentBody, sl[:take]...)
		absorbed += take
	}
	s.buffered += absorbed
	if endStream && absorbed == total {
		s.sentFin = true
	}
	return absorbed, nil
}

func (s *Stream) WriteTrailers(fields []hpack.HeaderField) (int, error) {
	if s.resetSent {
		return 0, fmt.Errorf("write trailers on reset stream %d", s.id)
	}
	size := headerBlockSize(fields)
	s.buffered += int64(size)
	s.sentTrailers = make([]hpack.HeaderField, len(fields))
	copy(s.sentTrailers, fields)
	s.sentFin = true
	return size, nil
}

func (s *Stream) Reset(code http3.ErrorCode) {
	if s.resetSent {
		return
	}
	s.resetSent = true
	s.resetCode = code
	s.buffered = 0
	s.stoppedReading = true
}

func (s *Stream) StopReading() {
	s.stoppedReading = true
	s.stopReadingCalls++
	s.recvBuf = nil
}

func (s *Stream) HasBytesToRead() bool { return len(s.recvBuf) > 0 }

func (s *Stream) ReadableBytes() int64 { return int64(len(s.recvBuf)) }

func (s *Stream) ReadableRegion() []byte { return s.recvBuf }

func (s *Stream) MarkConsumed(n int) {
	if n > len(s.recvBuf) {
		s.log.Error("consuming more than readable", logger.LogFields{
			"stream_id": s.id,
			"n":         n,
			"readable":  len(s.recvBuf),
		})
		n = len(s.recvBuf)
	}
	s.recvBuf = s.recvBuf[n:]
}

func (s *Stream) SequencerClosed() bool { return s.finReceived && len(s.recvBuf) == 0 }

func (s *Stream) IsDoneReading() bool {
	return s.finReceived && len(s.recvBuf) == 0 && !s.trailersPending
}

func (s *Stream) SetReadBlocked(blocked bool) {
	s.lastReadBlocked = blocked
	wasBlocked := s.readBlocked
	s.readBlocked = blocked
	if wasBlocked && !blocked && !s.stoppedReading && (len(s.recvBuf) > 0 || s.finReceived) {
		s.events.OnBodyAvailable()
	}
}

func (s *Stream) BufferedDataBytes() int64 { return s.buffered }

// --- recorded artifacts for assertions -----------------------------------

// SentHeaderBlocks returns every header block written, in order. 1xx blocks
// appear before the final response block.
func (s *Stream) SentHeaderBlocks() [][]hpack.HeaderField { return s.sentHeaderBlocks }

// SentBody returns the body bytes absorbed into the send buffer.
func (s *Stream) SentBody() []byte { return s.sentBody }

// SentTrailers returns the trailer block written, nil when none.
func (s *Stream) SentTrailers() []hpack.HeaderField { return s.sentTrailers }

// SentFin reports whether end-of-stream was written.
func (s *Stream) SentFin() bool { return s.sentFin }

// ResetSentWith returns the outbound reset code, if a reset was sent.
func (s *Stream) ResetSentWith() (http3.ErrorCode, bool) { return s.resetCode, s.resetSent }

// StopReadingCalls returns how many times the codec abandoned reading.
func (s *Stream) StopReadingCalls() int { return s.stopReadingCalls }

// ReadBlocked returns the last read-block state the codec applied.
func (s *Stream) ReadBlocked() bool { return s.lastReadBlocked }

func (s *Stream) bound(op string) bool {
	if s.events == nil {
		s.log.Error("peer injection before Bind", logger.LogFields{"stream_id": s.id, "op": op})
		return false
	}
	return true
}

func headerBlockSize(fields []hpack.HeaderField) int {
	var size uint32
	for _, f := range fields {
		size += f.Size()
	}
	return int(size)
}

var _ http3.TransportStream = (*Stream)(nil)
