package http3

import (
	"fmt"

	"example.com/llmah3/v2/internal/logger"
)

// StreamResetReason is the application-level view of why a stream was torn
// down before completing naturally.
type StreamResetReason int

const (
	// ResetReasonLocalReset: this endpoint reset the stream.
	ResetReasonLocalReset StreamResetReason = iota
	// ResetReasonLocalRefusedStream: this endpoint refused the stream before
	// processing it.
	ResetReasonLocalRefusedStream
	// ResetReasonRemoteReset: the peer reset the stream.
	ResetReasonRemoteReset
	// ResetReasonRemoteRefusedStream: the peer refused the stream.
	ResetReasonRemoteRefusedStream
	// ResetReasonLocalConnectionTermination: this endpoint closed the
	// connection under the stream.
	ResetReasonLocalConnectionTermination
	// ResetReasonRemoteConnectionTermination: the peer closed the connection
	// under the stream.
	ResetReasonRemoteConnectionTermination
	// ResetReasonProtocolError: the stream died because of a protocol
	// violation.
	ResetReasonProtocolError
)

// String returns the string representation of the StreamResetReason.
func (r StreamResetReason) String() string {
	switch r {
	case ResetReasonLocalReset:
		return "LocalReset"
	case ResetReasonLocalRefusedStream:
		return "LocalRefusedStream"
	case ResetReasonRemoteReset:
		return "RemoteReset"
	case ResetReasonRemoteRefusedStream:
		return "RemoteRefusedStream"
	case ResetReasonLocalConnectionTermination:
		return "LocalConnectionTermination"
	case ResetReasonRemoteConnectionTermination:
		return "RemoteConnectionTermination"
	case ResetReasonProtocolError:
		return "ProtocolError"
	default:
		return fmt.Sprintf("UnknownResetReason(%d)", int(r))
	}
}

// remoteResetReason maps a reset code received from the peer onto the
// Remote-attributed reason.
func remoteResetReason(code ErrorCode) StreamResetReason {
	if code == ErrCodeRequestRejected {
		return ResetReasonRemoteRefusedStream
	}
	return ResetReasonRemoteReset
}

// localResetReason maps a reset code this endpoint is sending onto the
// Local-attributed reason.
func localResetReason(code ErrorCode) StreamResetReason {
	if code == ErrCodeRequestRejected {
		return ResetReasonLocalRefusedStream
	}
	return ResetReasonLocalReset
}

// ResetCodeForReason maps an application-requested reason onto the wire
// code. Reasons with no direct wire meaning fall back to request-cancelled.
func ResetCodeForReason(reason StreamResetReason) ErrorCode {
	switch reason {
	case ResetReasonLocalRefusedStream, ResetReasonRemoteRefusedStream:
		return ErrCodeRequestRejected
	case ResetReasonProtocolError:
		return ErrCodeGeneralProtocolError
	default:
		return ErrCodeRequestCancelled
	}
}

// ResetAttributor owns the at-most-once reset notification for one stream:
// it maps wire codes to reasons, attributes them local or remote, and
// applies the firing policy. The guiding rule is that a callback fires only
// when a half of the stream that had not yet completed its natural
// end-of-stream exchange is being force-closed.
type ResetAttributor struct {
	closeState *CloseStateTracker
	fired      bool
	notify     func(reason StreamResetReason)
	log        *logger.Logger
}

// NewResetAttributor builds an attributor bound to the stream's close state
// and notification sink.
func NewResetAttributor(closeState *CloseStateTracker, notify func(StreamResetReason), log *logger.Logger) *ResetAttributor {
	return &ResetAttributor{closeState: closeState, notify: notify, log: log}
}

// Fired reports whether the reset callback has already been delivered. Once
// true the stream is considered dead to the application; watermark
// notifications are suppressed as well.
func (a *ResetAttributor) Fired() bool { return a.fired }

// OnLocalResetIssued runs when this endpoint is about to reset the stream.
// It must be called before the reset reaches the transport: if the write
// side had not signaled end-of-stream the application learns about the
// force-close synchronously, ahead of any transport-driven teardown. After
// a signaled end-of-stream the reset is bookkeeping, not news.
func (a *ResetAttributor) OnLocalResetIssued(code ErrorCode) {
	if a.closeState.LocalEndStream() {
		return
	}
	a.fire(localResetReason(code))
}

// OnStopSendingReceived runs after a peer STOP_SENDING closed the write
// side and reading was abandoned. With both directions now closed, the
// callback fires unless the response had already been fully signaled.
func (a *ResetAttributor) OnStopSendingReceived(code ErrorCode) {
	if a.closeState.LocalEndStream() {
		return
	}
	a.fire(remoteResetReason(code))
}

// OnRemoteResetReceived runs after a peer RESET_STREAM closed the read
// side. cleanlyFinished is the snapshot of readClosed && localEndStream
// taken before the read side was closed: a stream that had already finished
// both directions naturally is not re-reported. The callback fires only if
// the write side is closed too; while the write side is still open the
// stream may legitimately keep sending its response.
func (a *ResetAttributor) OnRemoteResetReceived(code ErrorCode, cleanlyFinished bool) {
	if !a.closeState.WriteClosed() || cleanlyFinished {
		return
	}
	a.fire(remoteResetReason(code))
}

// OnConnectionClosed runs when the connection dies under the stream,
// attributed by which endpoint initiated the close.
func (a *ResetAttributor) OnConnectionClosed(code ErrorCode, source CloseSource) {
	if a.closeState.LocalEndStream() {
		return
	}
	if source == CloseSourceSelf {
		a.fire(ResetReasonLocalConnectionTermination)
	} else {
		a.fire(ResetReasonRemoteConnectionTermination)
	}
}

// OnEarlyResponseReset runs on the quiet local reset path: the response was
// fully signaled and the application then reset to abandon the rest of the
// request. No wire reset is issued by the adapter, but the application
// still hears that it force-closed the read half.
func (a *ResetAttributor) OnEarlyResponseReset() {
	a.fire(ResetReasonLocalReset)
}

func (a *ResetAttributor) fire(reason StreamResetReason) {
	if a.fired {
		return
	}
	a.fired = true
	a.log.Debug("firing stream reset callback", logger.LogFields{"reason": reason.String()})
	if a.notify != nil {
		a.notify(reason)
	}
}
