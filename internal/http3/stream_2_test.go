package http3

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestStream_EncodeHeadersWritesBlock(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	resp := okResponse()
	require.NoError(t, s.EncodeHeaders(resp, false))

	require.Len(t, ft.headerBlocks, 1)
	assert.Equal(t, []bool{false}, ft.headerFins)
	assert.False(t, s.WriteClosed())

	size := uint64(fieldsSize(resp.Fields()))
	assert.Equal(t, size, s.Meter().HeaderBytesSent())
	assert.Equal(t, size, s.Meter().WireBytesSent())
}

func TestStream_EncodeHeadersRequiresStatus(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	err := s.EncodeHeaders(NewResponseHeaderMap([]hpack.HeaderField{
		{Name: "content-type", Value: "text/plain"},
	}), false)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeMessageError, se.Code)
	assert.Contains(t, err.Error(), "invalid response headers")
	assert.Empty(t, ft.headerBlocks)
	assert.False(t, s.WriteClosed(), "a rejected encode must leave the stream usable")
}

func TestStream_Encode1xxHeadersGate(t *testing.T) {
	tests := []struct {
		status string
		ok     bool
	}{
		{"100", true},
		{"102", true},
		{"103", true},
		{"199", true},
		{"101", false},
		{"200", false},
		{"500", false},
	}

	for _, tc := range tests {
		t.Run("status "+tc.status, func(t *testing.T) {
			s, ft, _, _ := newTestStream(t, Options{})
			err := s.Encode1xxHeaders(NewResponseHeaderMap([]hpack.HeaderField{
				{Name: ":status", Value: tc.status},
			}))
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, []bool{false}, ft.headerFins, "informational responses never end the stream")
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not an informational response")
				assert.Empty(t, ft.headerBlocks)
			}
		})
	}
}

func TestStream_InformationalThenFinalResponse(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	require.NoError(t, s.Encode1xxHeaders(NewResponseHeaderMap([]hpack.HeaderField{
		{Name: ":status", Value: "103"},
		{Name: "link", Value: "</style.css>; rel=preload"},
	})))
	require.NoError(t, s.EncodeHeaders(okResponse(), false))
	require.NoError(t, s.EncodeData([][]byte{[]byte("done")}, true))

	require.Len(t, ft.headerBlocks, 2)
	assert.Equal(t, []bool{false, false}, ft.headerFins)
	assert.True(t, ft.bodyFinSent)

	ft.drain(ft.buffered)
	s.OnCanWrite()
	assert.True(t, s.WriteClosed())
}

func TestStream_EncodeDataEmptyWithoutFinIsNoop(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeData(nil, false))
	require.NoError(t, s.EncodeData([][]byte{}, false))

	assert.Zero(t, ft.bodyWritten.Len())
	assert.Zero(t, ft.buffered)
	assert.False(t, s.WriteClosed())
}

func TestStream_EncodeDataPureFinClosesDrainedStream(t *testing.T) {
	s, ft, fs, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeHeaders(okResponse(), false))
	ft.drain(ft.buffered)
	s.OnCanWrite()

	require.NoError(t, s.EncodeData(nil, true))

	assert.True(t, ft.bodyFinSent)
	assert.True(t, s.WriteClosed(), "nothing buffered, the write side closes at once")
	assert.Empty(t, fs.armedTimers(), "no flush timer for an already-drained stream")
}

func TestStream_EncodeAfterEndOfStreamFails(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeHeaders(okResponse(), false))
	require.NoError(t, s.EncodeData([][]byte{[]byte("payload")}, true))

	err := s.EncodeData([][]byte{[]byte("more")}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot encode data after end-of-stream")

	err = s.EncodeHeaders(okResponse(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot encode headers after end-of-stream")

	assert.Equal(t, "payload", ft.bodyWritten.String())
}

func TestStream_EncodeOnResetStreamFails(t *testing.T) {
	s, _, _, _ := newTestStream(t, Options{})

	s.ResetStream(ResetReasonLocalReset)

	err := s.EncodeHeaders(okResponse(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot encode headers on closed write side")
}

func TestStream_EncodeTrailersEndsStream(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeHeaders(okResponse(), false))
	trailers := NewResponseTrailerMap([]hpack.HeaderField{
		{Name: "grpc-status", Value: "0"},
	})
	require.NoError(t, s.EncodeTrailers(trailers))

	require.NotNil(t, ft.trailerBlock)
	assert.False(t, s.WriteClosed(), "bytes are still buffered")

	ft.drain(ft.buffered)
	s.OnCanWrite()
	assert.True(t, s.WriteClosed())

	wantHeaderBytes := uint64(fieldsSize(okResponse().Fields()) + fieldsSize(trailers.Fields()))
	assert.Equal(t, wantHeaderBytes, s.Meter().HeaderBytesSent())
}

func TestStream_EncodeTrailersRejectsPseudoHeaders(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})
	require.NoError(t, s.EncodeHeaders(okResponse(), false))

	err := s.EncodeTrailers(NewResponseTrailerMap([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid trailer field name ":status"`)
	assert.Nil(t, ft.trailerBlock)

	// The rejection happened before end-of-stream was marked, so the
	// application can still send valid trailers.
	require.NoError(t, s.EncodeTrailers(NewResponseTrailerMap([]hpack.HeaderField{
		{Name: "checksum", Value: "ok"},
	})))
}

func TestStream_EncodeMetadataCountedAndDropped(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	s.EncodeMetadata([]hpack.HeaderField{{Name: "hint", Value: "x"}})
	s.EncodeMetadata(nil)

	assert.Equal(t, uint64(2), s.stats.MetadataNotSupportedError.Load())
	assert.Empty(t, ft.headerBlocks)
	assert.Zero(t, ft.buffered)
	require.NoError(t, s.EncodeHeaders(okResponse(), false))
}

func TestStream_TransportHeaderWriteFailureResets(t *testing.T) {
	s, ft, _, rec := newTestStream(t, Options{})
	ft.writeErr = errors.New("pipe broken")

	err := s.EncodeHeaders(okResponse(), false)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeInternalError, se.Code)
	assert.Contains(t, err.Error(), "pipe broken")
	assert.Equal(t, []ErrorCode{ErrCodeInternalError}, ft.resetCodes)
	assert.Equal(t, []StreamResetReason{ResetReasonLocalReset}, rec.resets)
	assert.Equal(t, uint64(1), s.stats.TxReset.Load())
}

func TestStream_TransportDataWriteFailureAfterFinSuppressesCallback(t *testing.T) {
	s, ft, _, rec := newTestStream(t, Options{})
	ft.writeErr = errors.New("pipe broken")

	// End-of-stream is marked before the transport write, so by the time
	// the failure resets the stream the response counts as signaled.
	err := s.EncodeData([][]byte{[]byte("tail")}, true)

	require.Error(t, err)
	assert.Equal(t, []ErrorCode{ErrCodeInternalError}, ft.resetCodes)
	assert.Empty(t, rec.resets)
}

func TestStream_PartialAbsorptionResetsStream(t *testing.T) {
	s, ft, _, rec := newTestStream(t, Options{})
	ft.absorbLimit = 256

	payload := bytes.Repeat([]byte("x"), 4096)
	err := s.EncodeData([][]byte{payload}, false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "send buffer absorbed 256 of 4096 body bytes")
	assert.Equal(t, []ErrorCode{ErrCodeInternalError}, ft.resetCodes)
	assert.Equal(t, DetailSendBufferRejectedBytes, s.Details())
	assert.Equal(t, []StreamResetReason{ResetReasonLocalReset}, rec.resets)
	assert.Equal(t, DetailSendBufferRejectedBytes, rec.resetDetails)
	assert.Equal(t, uint64(1), s.stats.TxReset.Load())
	assert.True(t, s.FullyClosed())
}

func TestStream_PartialAbsorptionWithFinSuppressesCallback(t *testing.T) {
	s, ft, _, rec := newTestStream(t, Options{})
	ft.absorbLimit = 256

	payload := bytes.Repeat([]byte("x"), 4096)
	err := s.EncodeData([][]byte{payload}, true)

	require.Error(t, err)
	assert.Equal(t, []ErrorCode{ErrCodeInternalError}, ft.resetCodes, "the reset still goes out")
	assert.Empty(t, rec.resets, "end-of-stream was marked first, so no callback")
	assert.Equal(t, DetailSendBufferRejectedBytes, s.Details())
}

func TestStream_EncodeDataSplitAcrossSlices(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeData([][]byte{
		[]byte("hello "),
		[]byte("HTTP/3 "),
		[]byte("world"),
	}, true))

	assert.Equal(t, "hello HTTP/3 world", ft.bodyWritten.String())
	assert.Equal(t, uint64(18), s.Meter().WireBytesSent())
	assert.True(t, ft.bodyFinSent)
}

func TestStream_FlushTimeoutResetsStuckStream(t *testing.T) {
	s, ft, fs, rec := newTestStream(t, Options{})

	require.NoError(t, s.EncodeData([][]byte{[]byte("stuck bytes")}, true))
	require.Len(t, fs.armedTimers(), 1)
	assert.Equal(t, DefaultFlushTimeout, fs.armedTimers()[0].d)

	// The transport never drains; the deadline fires.
	fs.fireTimers()

	assert.Equal(t, []ErrorCode{ErrCodeRequestCancelled}, ft.resetCodes)
	assert.Equal(t, uint64(1), s.stats.TxFlushTimeout.Load())
	assert.Equal(t, DetailFlushTimeout, s.Details())
	assert.Empty(t, rec.resets, "the response was already signaled")
	assert.True(t, s.WriteClosed())
}

func TestStream_FlushTimerCanceledByDrain(t *testing.T) {
	s, ft, fs, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeData([][]byte{[]byte("slow bytes")}, true))
	require.Len(t, fs.armedTimers(), 1)

	ft.drain(ft.buffered)
	s.OnCanWrite()

	assert.True(t, s.WriteClosed())
	assert.Empty(t, fs.armedTimers())
	fs.fireTimers()
	assert.Empty(t, ft.resetCodes)
	assert.Zero(t, s.stats.TxFlushTimeout.Load())
}

func TestStream_FlushDeadlineOnDrainedBufferFinishesWrite(t *testing.T) {
	// The transport drained but never delivered a can-write wakeup; the
	// deadline finding nothing buffered closes the write side cleanly.
	s, ft, fs, _ := newTestStream(t, Options{})

	require.NoError(t, s.EncodeData([][]byte{[]byte("late ack")}, true))
	ft.drain(ft.buffered)
	fs.fireTimers()

	assert.True(t, s.WriteClosed())
	assert.Empty(t, ft.resetCodes)
	assert.Zero(t, s.stats.TxFlushTimeout.Load())
}

func TestStream_FlushTimeoutDisabled(t *testing.T) {
	s, _, fs, _ := newTestStream(t, Options{FlushTimeout: -1})

	require.NoError(t, s.EncodeData([][]byte{[]byte("never reset")}, true))

	assert.Empty(t, fs.armedTimers())
	assert.False(t, s.WriteClosed())
}

func TestStream_WatermarkCallbacksOnEncode(t *testing.T) {
	s, ft, fs, rec := newTestStream(t, Options{
		SendBufferHighWatermark: 1024,
		SendBufferLowWatermark:  512,
		MinSendBufferWatermark:  256,
	})

	require.NoError(t, s.EncodeData([][]byte{bytes.Repeat([]byte("a"), 2000)}, false))
	assert.Equal(t, 1, rec.above)
	assert.Zero(t, rec.below)
	assert.Equal(t, int64(2000), s.BufferedSendBytes())
	assert.Equal(t, int64(2000), fs.aggregate, "session aggregate mirrors stream growth")

	// Draining to just above low keeps backpressure latched.
	ft.drain(1400)
	s.OnCanWrite()
	assert.Zero(t, rec.below)

	ft.drain(100)
	s.OnCanWrite()
	assert.Equal(t, 1, rec.below)
	assert.Equal(t, int64(500), fs.aggregate)
}

func TestStream_WatermarkHysteresisAcrossWrites(t *testing.T) {
	s, ft, _, rec := newTestStream(t, Options{
		SendBufferHighWatermark: 1024,
		SendBufferLowWatermark:  512,
		MinSendBufferWatermark:  256,
	})

	// Two writes both above the high mark signal exactly once.
	require.NoError(t, s.EncodeData([][]byte{bytes.Repeat([]byte("a"), 1200)}, false))
	require.NoError(t, s.EncodeData([][]byte{bytes.Repeat([]byte("b"), 1200)}, false))
	assert.Equal(t, 1, rec.above)

	ft.drain(ft.buffered)
	s.OnCanWrite()
	assert.Equal(t, 1, rec.below)

	// A fresh climb signals again.
	require.NoError(t, s.EncodeData([][]byte{bytes.Repeat([]byte("c"), 1200)}, false))
	assert.Equal(t, 2, rec.above)
}

func TestStream_HeaderBytesMeteredPerBlock(t *testing.T) {
	s, ft, _, _ := newTestStream(t, Options{})

	early := NewResponseHeaderMap([]hpack.HeaderField{{Name: ":status", Value: "103"}})
	require.NoError(t, s.Encode1xxHeaders(early))
	require.NoError(t, s.EncodeHeaders(okResponse(), false))

	want := uint64(fieldsSize(early.Fields()) + fieldsSize(okResponse().Fields()))
	assert.Equal(t, want, s.Meter().HeaderBytesSent())
	assert.Equal(t, want, s.Meter().WireBytesSent())
	assert.Equal(t, want, uint64(ft.buffered))
}

func TestStream_ResponseStatusParsing(t *testing.T) {
	tests := []struct {
		name   string
		fields []hpack.HeaderField
		errStr string
	}{
		{
			name:   "missing status",
			fields: []hpack.HeaderField{{Name: "server", Value: "h3"}},
			errStr: "response headers missing :status",
		},
		{
			name:   "malformed status",
			fields: []hpack.HeaderField{{Name: ":status", Value: "2oo"}},
			errStr: `malformed :status "2oo"`,
		},
		{
			name:   "status out of range",
			fields: []hpack.HeaderField{{Name: ":status", Value: "99"}},
			errStr: `malformed :status "99"`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewResponseHeaderMap(tc.fields).Status()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errStr)
		})
	}

	status, err := okResponse().Status()
	require.NoError(t, err)
	assert.Equal(t, 200, status)
}

func TestStream_ErrorStringsNameTheStream(t *testing.T) {
	s, _, _, _ := newTestStream(t, Options{})
	require.NoError(t, s.EncodeData([][]byte{[]byte("x")}, true))

	err := s.EncodeData([][]byte{[]byte("y")}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("stream %d", s.ID()))
}
