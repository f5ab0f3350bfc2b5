package http3

// CloseStateTracker holds the half-close and end-of-stream flags for one
// stream. All transitions are one-way and idempotent; the tracker never
// fires callbacks, it is pure state consulted by the other stream
// components.
//
// The flags separate "the direction is closed" from "the direction finished
// cleanly": readClosed/writeClosed say no further bytes will flow, while
// localEndStream/remoteEndStreamDecoded say the FIN handshake for that
// direction actually happened. A reset closes a direction without marking
// it finished.
type CloseStateTracker struct {
	readClosed  bool
	writeClosed bool

	// readingStopped is set when this endpoint abandons its read half while
	// the transport may still receive bytes (the STOP_SENDING-shaped
	// abandonment, as opposed to consuming a FIN).
	readingStopped bool

	// localEndStream is set once the application has signaled end-of-stream
	// on the write path: a final header/body/trailer encode or a reset.
	localEndStream bool

	// remoteEndStreamDecoded is set once the peer's FIN has been decoded and
	// delivered to the application.
	remoteEndStreamDecoded bool
}

// CloseRead marks the read side closed. Idempotent.
func (t *CloseStateTracker) CloseRead() { t.readClosed = true }

// CloseWrite marks the write side closed. Idempotent.
func (t *CloseStateTracker) CloseWrite() { t.writeClosed = true }

// ReadClosed reports whether no further inbound delivery will happen.
func (t *CloseStateTracker) ReadClosed() bool { return t.readClosed }

// WriteClosed reports whether no further outbound bytes will be produced.
func (t *CloseStateTracker) WriteClosed() bool { return t.writeClosed }

// FullyClosed reports whether both directions are closed.
func (t *CloseStateTracker) FullyClosed() bool { return t.readClosed && t.writeClosed }

// MarkReadingStopped records that reading was abandoned. Abandoning also
// closes the read side: nothing will be delivered past this point.
func (t *CloseStateTracker) MarkReadingStopped() {
	t.readingStopped = true
	t.readClosed = true
}

// ReadingStopped reports whether the read half was abandoned.
func (t *CloseStateTracker) ReadingStopped() bool { return t.readingStopped }

// MarkLocalEndStream records that the application signaled end-of-stream on
// the write path.
func (t *CloseStateTracker) MarkLocalEndStream() { t.localEndStream = true }

// LocalEndStream reports whether local end-of-stream has been signaled.
func (t *CloseStateTracker) LocalEndStream() bool { return t.localEndStream }

// MarkRemoteEndStreamDecoded records that the peer's FIN was decoded and
// delivered.
func (t *CloseStateTracker) MarkRemoteEndStreamDecoded() { t.remoteEndStreamDecoded = true }

// RemoteEndStreamDecoded reports whether the peer's FIN was decoded.
func (t *CloseStateTracker) RemoteEndStreamDecoded() bool { return t.remoteEndStreamDecoded }
