package http3

import (
	"fmt"

	"example.com/llmah3/v2/internal/logger"
)

// DefaultMinSendBufferWatermark is the default lower bound for the high
// watermark. The transport refuses to buffer the first bytes of a response
// if the threshold sits below its own internal margin, so a smaller value
// would deadlock every stream on construction.
const DefaultMinSendBufferWatermark = 8 * 1024

// SendBufferMonitor is the per-stream watermark backpressure monitor. It
// mirrors the transport's buffered-but-unsent byte count, forwards every
// change into the connection-level aggregate, and drives both backpressure
// directions:
//
//   - toward the application: above/below watermark callbacks with a
//     hysteresis latch (high fires once when crossing above, low fires once
//     when returning to the low threshold or below);
//   - toward the transport: a nested read-disable ledger whose effect is
//     applied in one coalesced step on the session loop, so only the final
//     counter value decides blocked or unblocked.
//
// The monitor is owned by its stream and must only be touched from the
// session loop.
type SendBufferMonitor struct {
	high int64
	low  int64

	buffered  int64
	aboveHigh bool

	// inScope guards against re-entrant scoped updates and suppresses
	// teardown reconciliation while an update is active (the active guard
	// will observe the drop itself).
	inScope bool

	readDisableCount int
	evalScheduled    bool

	onHigh          func()
	onLow           func()
	adjustAggregate func(delta int64)

	log *logger.Logger
}

// NewSendBufferMonitor validates the thresholds and builds a monitor.
// high must be strictly greater than low and at least minMargin (0 selects
// DefaultMinSendBufferWatermark). Violations are configuration faults and
// fail construction.
func NewSendBufferMonitor(high, low, minMargin int64, onHigh, onLow func(), adjustAggregate func(int64), log *logger.Logger) (*SendBufferMonitor, error) {
	if minMargin <= 0 {
		minMargin = DefaultMinSendBufferWatermark
	}
	if high <= low {
		return nil, fmt.Errorf("send buffer high watermark (%d) must be greater than low watermark (%d)", high, low)
	}
	if high < minMargin {
		return nil, fmt.Errorf("send buffer high watermark (%d) must be at least %d bytes", high, minMargin)
	}
	return &SendBufferMonitor{
		high:            high,
		low:             low,
		onHigh:          onHigh,
		onLow:           onLow,
		adjustAggregate: adjustAggregate,
		log:             log,
	}, nil
}

// BufferedBytes returns the mirrored buffered-but-unsent byte count.
func (m *SendBufferMonitor) BufferedBytes() int64 { return m.buffered }

// AccountBufferedDelta applies a change in buffered bytes: adjusts the
// mirror, forwards the delta to the connection aggregate, and fires the
// watermark callbacks on threshold crossings.
func (m *SendBufferMonitor) AccountBufferedDelta(delta int64) {
	if delta == 0 {
		return
	}
	m.buffered += delta
	if m.buffered < 0 {
		m.log.Error("send buffer monitor went negative, clamping", logger.LogFields{
			"buffered": m.buffered,
			"delta":    delta,
		})
		delta -= m.buffered
		m.buffered = 0
	}
	if m.adjustAggregate != nil {
		m.adjustAggregate(delta)
	}
	if !m.aboveHigh && m.buffered > m.high {
		m.aboveHigh = true
		if m.onHigh != nil {
			m.onHigh()
		}
	} else if m.aboveHigh && m.buffered <= m.low {
		m.aboveHigh = false
		if m.onLow != nil {
			m.onLow()
		}
	}
}

// AboveHighWatermark reports whether the latch is currently high.
func (m *SendBufferMonitor) AboveHighWatermark() bool { return m.aboveHigh }

// ScopedUpdate snapshots the transport's buffered byte count and returns a
// release func that reconciles the delta into the monitor. Callers defer the
// release so the reconciliation runs on every exit path. Updates do not
// nest; a nested acquire is a programming error and is logged.
func (m *SendBufferMonitor) ScopedUpdate(bufferedBytes func() int64) func() {
	if m.inScope {
		m.log.Error("nested scoped send buffer update", nil)
	}
	m.inScope = true
	before := bufferedBytes()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.inScope = false
		m.AccountBufferedDelta(bufferedBytes() - before)
	}
}

// InScope reports whether a scoped update is active.
func (m *SendBufferMonitor) InScope() bool { return m.inScope }

// ReconcileTo moves the mirror to the transport's current buffered byte
// count. Used when the transport drained bytes on its own, outside any
// adapter write.
func (m *SendBufferMonitor) ReconcileTo(current int64) {
	if current == m.buffered {
		return
	}
	m.AccountBufferedDelta(current - m.buffered)
}

// ReconcileTeardown accounts any still-mirrored bytes as flushed so the
// connection aggregate does not leak when the stream is torn down. A no-op
// while a scoped update is active.
func (m *SendBufferMonitor) ReconcileTeardown() {
	if m.inScope || m.buffered == 0 {
		return
	}
	m.AccountBufferedDelta(-m.buffered)
}

// RequestReadDisable moves the nested read-disable counter and reports
// whether the caller must schedule a coalesced state evaluation on the
// session loop. Only counter edges (0 to 1, 1 to 0) with no evaluation
// already pending require one.
func (m *SendBufferMonitor) RequestReadDisable(disable bool) (scheduleEval bool) {
	edge := false
	if disable {
		m.readDisableCount++
		edge = m.readDisableCount == 1
	} else {
		if m.readDisableCount == 0 {
			m.log.Error("read disable counter underflow", nil)
			return false
		}
		m.readDisableCount--
		edge = m.readDisableCount == 0
	}
	if !edge || m.evalScheduled {
		return false
	}
	m.evalScheduled = true
	return true
}

// CommitReadState closes the pending evaluation and returns the final
// blocked state. Between the scheduling point and this call the counter may
// have moved any number of times; only its final value matters.
func (m *SendBufferMonitor) CommitReadState() (blocked bool) {
	m.evalScheduled = false
	return m.readDisableCount > 0
}

// ReadDisabled reports whether the ledger currently requests a paused read
// side (the transport may not have been told yet).
func (m *SendBufferMonitor) ReadDisabled() bool { return m.readDisableCount > 0 }
