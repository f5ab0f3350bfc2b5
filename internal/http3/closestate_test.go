package http3

import "testing"

func TestCloseStateTrackerZeroValue(t *testing.T) {
	var cs CloseStateTracker

	if cs.ReadClosed() || cs.WriteClosed() || cs.FullyClosed() {
		t.Error("fresh tracker must report both directions open")
	}
	if cs.ReadingStopped() || cs.LocalEndStream() || cs.RemoteEndStreamDecoded() {
		t.Error("fresh tracker must report no end-of-stream flags")
	}
}

func TestCloseStateTrackerHalfCloses(t *testing.T) {
	var cs CloseStateTracker

	cs.CloseRead()
	if !cs.ReadClosed() {
		t.Error("ReadClosed = false after CloseRead")
	}
	if cs.WriteClosed() {
		t.Error("CloseRead must not touch the write side")
	}
	if cs.FullyClosed() {
		t.Error("FullyClosed = true with the write side open")
	}

	cs.CloseWrite()
	if !cs.FullyClosed() {
		t.Error("FullyClosed = false with both sides closed")
	}
}

func TestCloseStateTrackerReadingStoppedClosesRead(t *testing.T) {
	var cs CloseStateTracker

	cs.MarkReadingStopped()

	if !cs.ReadingStopped() {
		t.Error("ReadingStopped = false after MarkReadingStopped")
	}
	if !cs.ReadClosed() {
		t.Error("abandoning the read half must close it")
	}
}

func TestCloseStateTrackerEndStreamSeparateFromClose(t *testing.T) {
	var cs CloseStateTracker

	// Signaling end-of-stream is not the same as the direction being
	// closed: bytes may still sit in the send buffer.
	cs.MarkLocalEndStream()
	if cs.WriteClosed() {
		t.Error("MarkLocalEndStream must not close the write side")
	}

	cs.MarkRemoteEndStreamDecoded()
	if cs.ReadClosed() {
		t.Error("MarkRemoteEndStreamDecoded must not close the read side")
	}

	// And a close without the end-stream flag models a reset.
	cs.CloseRead()
	cs.CloseWrite()
	if !cs.LocalEndStream() || !cs.RemoteEndStreamDecoded() {
		t.Error("closing must not clear the end-of-stream flags")
	}
}
