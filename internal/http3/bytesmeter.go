package http3

// BytesMeter tracks per-stream byte counters in both directions. It is a
// plain value owned by the stream and must only be touched from the session
// loop (see the concurrency note on Stream).
//
// Inbound wire bytes are metered from raw stream-frame notifications using
// the highest-offset rule: a frame only contributes the bytes that extend
// the highest offset observed so far, so retransmitted or overlapping
// frames are never counted twice.
type BytesMeter struct {
	wireBytesSent       uint64
	wireBytesReceived   uint64
	headerBytesSent     uint64
	headerBytesReceived uint64
	bodyBytesReceived   uint64

	// highestByteReceived is the largest stream offset (exclusive) seen in
	// any inbound frame, the basis of the highest-offset rule.
	highestByteReceived uint64
}

// AddWireBytesSent records n stream bytes accepted by the transport for
// sending.
func (m *BytesMeter) AddWireBytesSent(n uint64) { m.wireBytesSent += n }

// AddHeaderBytesSent records n serialized header-block bytes accepted by the
// transport. Header bytes also count as wire bytes; callers record both.
func (m *BytesMeter) AddHeaderBytesSent(n uint64) { m.headerBytesSent += n }

// AddHeaderBytesReceived records n serialized header-block bytes delivered
// by the transport.
func (m *BytesMeter) AddHeaderBytesReceived(n uint64) { m.headerBytesReceived += n }

// AddBodyBytesReceived records n decoded body bytes dispatched to the
// application.
func (m *BytesMeter) AddBodyBytesReceived(n uint64) { m.bodyBytesReceived += n }

// OnStreamFrameReceived applies the highest-offset rule to an inbound frame
// spanning [offset, offset+length) and returns the number of fresh wire
// bytes it contributed. Frames past a gap advance the high mark over the
// gap; the later frame that fills the gap then contributes zero, so every
// wire byte is counted exactly once.
func (m *BytesMeter) OnStreamFrameReceived(offset, length uint64) uint64 {
	end := offset + length
	if end <= m.highestByteReceived {
		return 0
	}
	fresh := end - m.highestByteReceived
	m.highestByteReceived = end
	m.wireBytesReceived += fresh
	return fresh
}

// AddWireBytesReceived records n inbound wire bytes outside the
// highest-offset rule (header blocks, which arrive on their own path).
func (m *BytesMeter) AddWireBytesReceived(n uint64) { m.wireBytesReceived += n }

// WireBytesSent returns the total stream bytes accepted for sending.
func (m *BytesMeter) WireBytesSent() uint64 { return m.wireBytesSent }

// WireBytesReceived returns the total inbound stream bytes metered.
func (m *BytesMeter) WireBytesReceived() uint64 { return m.wireBytesReceived }

// HeaderBytesSent returns the total serialized header bytes sent.
func (m *BytesMeter) HeaderBytesSent() uint64 { return m.headerBytesSent }

// HeaderBytesReceived returns the total serialized header bytes received.
func (m *BytesMeter) HeaderBytesReceived() uint64 { return m.headerBytesReceived }

// BodyBytesReceived returns the total body bytes dispatched to the decoder.
func (m *BytesMeter) BodyBytesReceived() uint64 { return m.bodyBytesReceived }
