package http3

import (
	"time"

	"golang.org/x/net/http2/hpack"
)

// TransportStream is the surface of one QUIC stream that the adapter drives.
// The transport owns framing, QPACK, flow-control credit and retransmission;
// the adapter only hands it field lists and body slices and consumes its
// sequencer.
//
// Write methods report how many serialized bytes the transport accepted.
// WriteBodySlices may accept fewer bytes than submitted when its send buffer
// is full; the adapter treats a short write as fatal for the stream.
type TransportStream interface {
	// WriteHeaders serializes and queues a header block, optionally carrying
	// the stream FIN. Returns the serialized size.
	WriteHeaders(fields []hpack.HeaderField, endStream bool) (int, error)
	// WriteBodySlices queues body bytes, optionally carrying the stream FIN.
	// An empty slice set with endStream queues a pure FIN. Returns the byte
	// count actually absorbed by the send buffer.
	WriteBodySlices(slices [][]byte, endStream bool) (int64, error)
	// WriteTrailers serializes and queues a trailer block. Trailers always
	// carry the stream FIN. Returns the serialized size.
	WriteTrailers(fields []hpack.HeaderField) (int, error)
	// Reset sends RESET_STREAM (and STOP_SENDING) with the given code and
	// discards buffered data in both directions.
	Reset(code ErrorCode)
	// StopReading stops delivering inbound events without resetting the
	// write direction.
	StopReading()

	// HasBytesToRead reports whether the sequencer holds consumable bytes.
	HasBytesToRead() bool
	// ReadableBytes returns the number of bytes currently consumable.
	ReadableBytes() int64
	// ReadableRegion returns the next contiguous readable region, or an
	// empty slice when none. The region is only valid until MarkConsumed.
	ReadableRegion() []byte
	// MarkConsumed tells the sequencer n bytes of the current region were
	// consumed.
	MarkConsumed(n int)
	// SequencerClosed reports whether the peer's FIN was received and every
	// body byte before it consumed. Trailers may still be pending.
	SequencerClosed() bool
	// IsDoneReading reports SequencerClosed with no trailers pending.
	IsDoneReading() bool
	// SetReadBlocked pauses or resumes inbound event delivery. Last state
	// wins; the transport does not count nested calls.
	SetReadBlocked(blocked bool)

	// BufferedDataBytes returns the bytes queued in the send buffer that
	// have not yet been flushed to the wire.
	BufferedDataBytes() int64
}

// CloseSource attributes a connection close to the endpoint that initiated it.
type CloseSource int

const (
	// CloseSourceSelf means this endpoint closed the connection.
	CloseSourceSelf CloseSource = iota
	// CloseSourcePeer means the peer closed the connection.
	CloseSourcePeer
)

// String returns the string representation of the CloseSource.
func (s CloseSource) String() string {
	switch s {
	case CloseSourceSelf:
		return "Self"
	case CloseSourcePeer:
		return "Peer"
	default:
		return "Unknown"
	}
}

// Session is the owner capability handed to every stream. It carries exactly
// what a stream needs from its connection, so streams never downcast their
// owner.
//
// Schedule and ScheduleDelayed post onto the session's event loop; they are
// the only safe entry points from outside that loop.
type Session interface {
	// Connected reports whether the underlying connection is still usable.
	Connected() bool
	// AllowExtendedConnect reports whether extended CONNECT (RFC 9220) was
	// negotiated.
	AllowExtendedConnect() bool
	// MaxIncomingHeadersCount returns the configured per-request header
	// count limit, 0 meaning unlimited.
	MaxIncomingHeadersCount() uint32
	// AdjustBufferedBytes moves the connection-level aggregate of buffered
	// send bytes by delta.
	AdjustBufferedBytes(delta int64)
	// OnStreamError escalates a stream-level fault to a connection close
	// with the given code and detail.
	OnStreamError(code ErrorCode, details string)
	// Schedule runs fn on the session loop.
	Schedule(fn func())
	// ScheduleDelayed runs fn on the session loop after d. The returned
	// cancel func is safe to call multiple times and after firing.
	ScheduleDelayed(d time.Duration, fn func()) (cancel func())
}

// RequestDecoder is the application entry point for one request stream.
// Calls arrive strictly ordered: DecodeHeaders once, DecodeData zero or
// more times, DecodeTrailers at most once, and nothing after a call that
// carried endStream.
type RequestDecoder interface {
	DecodeHeaders(headers *RequestHeaderMap, endStream bool)
	// DecodeData delivers body bytes. The slice is only valid for the
	// duration of the call; implementations must copy what they keep.
	DecodeData(data []byte, endStream bool)
	DecodeTrailers(trailers *RequestHeaderMap)
}

// StreamCallbacks receives lifecycle notifications for one stream.
type StreamCallbacks interface {
	// OnResetStream fires at most once, when a not-yet-finished half of the
	// stream is force-closed. details carries the first recorded error
	// detail, empty when none.
	OnResetStream(reason StreamResetReason, details string)
	// OnAboveWriteBufferHighWatermark asks the application to stop pushing
	// response data.
	OnAboveWriteBufferHighWatermark()
	// OnBelowWriteBufferLowWatermark tells the application it may resume.
	OnBelowWriteBufferLowWatermark()
}

// StreamEvents is the transport-facing event surface of a stream. Hosts
// (the in-memory transport, the session) depend on this interface rather
// than the concrete Stream.
type StreamEvents interface {
	OnInitialHeaders(fields []hpack.HeaderField, fin bool, headerBytes int)
	OnStreamFrame(offset uint64, length int, fin bool)
	OnTrailingHeaders(fields []hpack.HeaderField, headerBytes int)
	OnBodyAvailable()
	OnStopSending(code ErrorCode)
	OnStreamReset(code ErrorCode)
	OnConnectionClosed(code ErrorCode, source CloseSource)
	OnCanWrite()
	OnHeadersTooLarge()
	OnClose()
}
