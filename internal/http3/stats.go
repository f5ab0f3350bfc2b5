package http3

import "sync/atomic"

// CodecStats holds the HTTP/3 codec counters shared by every stream of a
// session. All counters are cumulative and safe for concurrent reads from
// outside the session loop.
type CodecStats struct {
	// TxReset counts RESET_STREAM frames this endpoint issued.
	TxReset atomic.Uint64
	// RxReset counts RESET_STREAM and STOP_SENDING frames received from the peer.
	RxReset atomic.Uint64
	// TxFlushTimeout counts streams reset because the send buffer did not
	// drain within the flush timeout after local end-of-stream.
	TxFlushTimeout atomic.Uint64
	// MetadataNotSupportedError counts rejected metadata encode attempts.
	MetadataNotSupportedError atomic.Uint64
	// DroppedHeadersWithUnderscores counts header fields removed under the
	// drop_header underscore action.
	DroppedHeadersWithUnderscores atomic.Uint64
	// RequestsRejectedWithUnderscoresInHeaders counts requests refused under
	// the reject_request underscore action.
	RequestsRejectedWithUnderscoresInHeaders atomic.Uint64
	// HeadersTooLarge counts requests whose header block exceeded the
	// configured limits.
	HeadersTooLarge atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of CodecStats, used for logging and
// for the simulator's final report.
type StatsSnapshot struct {
	TxReset                                  uint64 `json:"tx_reset"`
	RxReset                                  uint64 `json:"rx_reset"`
	TxFlushTimeout                           uint64 `json:"tx_flush_timeout"`
	MetadataNotSupportedError                uint64 `json:"metadata_not_supported_error"`
	DroppedHeadersWithUnderscores            uint64 `json:"dropped_headers_with_underscores"`
	RequestsRejectedWithUnderscoresInHeaders uint64 `json:"requests_rejected_with_underscores_in_headers"`
	HeadersTooLarge                          uint64 `json:"headers_too_large"`
}

// Snapshot returns a copy of all counter values.
func (s *CodecStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TxReset:                                  s.TxReset.Load(),
		RxReset:                                  s.RxReset.Load(),
		TxFlushTimeout:                           s.TxFlushTimeout.Load(),
		MetadataNotSupportedError:                s.MetadataNotSupportedError.Load(),
		DroppedHeadersWithUnderscores:            s.DroppedHeadersWithUnderscores.Load(),
		RequestsRejectedWithUnderscoresInHeaders: s.RequestsRejectedWithUnderscoresInHeaders.Load(),
		HeadersTooLarge:                          s.HeadersTooLarge.Load(),
	}
}
