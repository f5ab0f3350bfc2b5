package http3

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/net/http2/hpack"

	"example.com/llmah3/v2/internal/logger"
)

// DeliveryStage is the observable progress of inbound dispatch toward the
// application decoder.
type DeliveryStage uint8

const (
	// StageAwaitingHeaders: nothing dispatched yet.
	StageAwaitingHeaders DeliveryStage = iota
	// StageHeadersDecoded: request headers delivered, body may follow.
	StageHeadersDecoded
	// StageBodyInProgress: at least one body dispatch happened.
	StageBodyInProgress
	// StageBodyDone: the final body byte (or a FIN without body) was
	// delivered.
	StageBodyDone
	// StageTrailersDone: trailers delivered; the request is fully decoded.
	StageTrailersDone
)

// String returns the string representation of the DeliveryStage.
func (s DeliveryStage) String() string {
	switch s {
	case StageAwaitingHeaders:
		return "AwaitingHeaders"
	case StageHeadersDecoded:
		return "HeadersDecoded"
	case StageBodyInProgress:
		return "BodyInProgress"
	case StageBodyDone:
		return "BodyDone"
	case StageTrailersDone:
		return "TrailersDone"
	default:
		return fmt.Sprintf("UnknownStage(%d)", uint8(s))
	}
}

// deliveryDeps wires a DeliveryController into its stream.
type deliveryDeps struct {
	transport  TransportStream
	closeState *CloseStateTracker
	meter      *BytesMeter
	stats      *CodecStats
	session    Session
	log        *logger.Logger

	underscoreAction UnderscoreAction

	// onStreamError routes validation and framing faults into the stream
	// error path (reset or connection close per configuration).
	onStreamError func(overrideClose *bool, code ErrorCode, detail, msg string)
	// resetSent reports whether this endpoint already reset the stream.
	resetSent func() bool
}

// DeliveryController sequences inbound dispatch: headers, then body, then
// optional trailers, each delivered to the decoder at most once and in
// order. Trailers that arrive while body bytes are still undelivered are
// buffered until the final body dispatch has happened.
type DeliveryController struct {
	deliveryDeps

	decoder RequestDecoder
	stage   DeliveryStage

	// Content-length enforcement, armed when the request declared one.
	enforceLen      bool
	expectedBodyLen int64
	receivedBody    int64

	pendingTrailerFields []hpack.HeaderField
	trailersPresent      bool
	trailersDecoded      bool
}

func newDeliveryController(deps deliveryDeps) *DeliveryController {
	return &DeliveryController{deliveryDeps: deps, stage: StageAwaitingHeaders}
}

func (d *DeliveryController) setDecoder(dec RequestDecoder) { d.decoder = dec }

// Stage returns the current dispatch stage.
func (d *DeliveryController) Stage() DeliveryStage { return d.stage }

// onHeaders validates and dispatches the request header block. fin marks
// the peer's end-of-stream arriving with the headers; such a request never
// produces a body dispatch, not even an empty one.
func (d *DeliveryController) onHeaders(fields []hpack.HeaderField, fin bool) {
	if d.stage != StageAwaitingHeaders {
		d.log.Error("duplicate request header block ignored", logger.LogFields{"stage": d.stage.String()})
		return
	}
	if d.decoder == nil {
		d.log.Error("request header block before decoder was bound", nil)
		return
	}
	hm, verr := validateRequestHeaders(fields, d.underscoreAction, d.session.MaxIncomingHeadersCount(), d.stats)
	if verr != nil {
		d.onStreamError(nil, verr.code, verr.detail, verr.msg)
		return
	}
	if hm.Protocol() != "" && !d.session.AllowExtendedConnect() {
		d.onStreamError(nil, ErrCodeMessageError, DetailExtendedConnectDisabled,
			"extended CONNECT received but not enabled")
		return
	}
	if cl, present, err := hm.ContentLength(); err != nil {
		d.onStreamError(nil, ErrCodeMessageError, DetailInvalidHeaderField, err.Error())
		return
	} else if present && hm.Method() != "CONNECT" {
		d.enforceLen = true
		d.expectedBodyLen = cl
	}
	if fin {
		if err := d.checkContentLength(0, true); err != nil {
			d.onStreamError(nil, ErrCodeMessageError, DetailPayloadMismatch, err.Error())
			return
		}
		d.closeState.MarkRemoteEndStreamDecoded()
		d.stage = StageBodyDone
	} else {
		d.stage = StageHeadersDecoded
	}
	d.decoder.DecodeHeaders(hm, fin)
}

// onBodyAvailable drains every readable region into one transient buffer
// and dispatches it. The buffer is pooled and only valid during the decoder
// call. Dispatch is skipped for a wakeup that carries neither bytes nor the
// final FIN, and always once the peer's end-of-stream has been delivered
// (the synthesized empty FIN arrives through the header path, never here).
func (d *DeliveryController) onBodyAvailable() {
	var buf []byte
	pooled := false
	if readable := d.transport.ReadableBytes(); readable > 0 {
		buf = mcache.Malloc(0, int(readable))
		pooled = true
	}
	for d.transport.HasBytesToRead() {
		region := d.transport.ReadableRegion()
		if len(region) == 0 {
			break
		}
		buf = append(buf, region...)
		d.transport.MarkConsumed(len(region))
	}

	finReadAndNoTrailers := d.transport.IsDoneReading()
	skip := (len(buf) == 0 && !finReadAndNoTrailers) || d.closeState.RemoteEndStreamDecoded()
	if !skip {
		if err := d.checkContentLength(int64(len(buf)), finReadAndNoTrailers); err != nil {
			if pooled {
				mcache.Free(buf)
			}
			d.onStreamError(nil, ErrCodeMessageError, DetailPayloadMismatch, err.Error())
			return
		}
		if finReadAndNoTrailers {
			d.closeState.MarkRemoteEndStreamDecoded()
			d.stage = StageBodyDone
		} else if len(buf) > 0 {
			d.stage = StageBodyInProgress
		}
		d.meter.AddBodyBytesReceived(uint64(len(buf)))
		d.decoder.DecodeData(buf, finReadAndNoTrailers)
	}
	if pooled {
		mcache.Free(buf)
	}

	if !d.transport.SequencerClosed() || d.closeState.ReadClosed() {
		return
	}
	d.maybeDecodeTrailers()
	d.finishReading()
}

// onTrailers buffers the trailer block. Delivery is deferred until every
// body byte before it has been dispatched.
func (d *DeliveryController) onTrailers(fields []hpack.HeaderField) {
	if d.trailersPresent || d.trailersDecoded {
		d.log.Error("duplicate trailer block ignored", nil)
		return
	}
	d.trailersPresent = true
	d.pendingTrailerFields = fields
	d.maybeDecodeTrailers()
	d.finishReading()
}

// maybeDecodeTrailers dispatches the buffered trailers once the sequencer
// has run dry, at most once, and only while the session is still connected
// and this endpoint has not reset the stream.
func (d *DeliveryController) maybeDecodeTrailers() {
	if !d.trailersPresent || d.trailersDecoded {
		return
	}
	if !d.transport.SequencerClosed() {
		// Body bytes are still queued ahead of the trailers.
		return
	}
	if !d.session.Connected() || d.resetSent() {
		d.log.Debug("suppressing trailer dispatch on dying stream", nil)
		return
	}
	if err := d.checkContentLength(0, true); err != nil {
		d.onStreamError(nil, ErrCodeMessageError, DetailPayloadMismatch, err.Error())
		return
	}
	tm, verr := validateTrailers(d.pendingTrailerFields, d.underscoreAction, d.stats)
	if verr != nil {
		d.onStreamError(nil, verr.code, verr.detail, verr.msg)
		return
	}
	d.trailersDecoded = true
	d.pendingTrailerFields = nil
	d.closeState.MarkRemoteEndStreamDecoded()
	d.stage = StageTrailersDone
	d.decoder.DecodeTrailers(tm)
}

// finishReading closes the read side after everything the peer sent has
// been dispatched.
func (d *DeliveryController) finishReading() {
	if d.closeState.ReadClosed() {
		return
	}
	if d.trailersPresent && !d.trailersDecoded {
		return
	}
	d.closeState.CloseRead()
	d.log.Debug("read side finished", logger.LogFields{"stage": d.stage.String()})
}

// checkContentLength verifies the running body byte count against the
// declared content-length.
func (d *DeliveryController) checkContentLength(n int64, endStream bool) error {
	if !d.enforceLen {
		return nil
	}
	d.receivedBody += n
	if d.receivedBody > d.expectedBodyLen {
		return fmt.Errorf("received %d body bytes, content-length declared %d", d.receivedBody, d.expectedBodyLen)
	}
	if endStream && d.receivedBody != d.expectedBodyLen {
		return fmt.Errorf("stream ended after %d body bytes, content-length declared %d", d.receivedBody, d.expectedBodyLen)
	}
	return nil
}
