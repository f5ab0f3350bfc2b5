package session

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/pkg/errors"
	"golang.org/x/net/http2/hpack"

	"example.com/llmah3/v2/internal/http3"
	"example.com/llmah3/v2/internal/logger"
	"example.com/llmah3/v2/internal/quicsim"
)

// Report summarizes one scripted scenario run.
type Report struct {
	Scenario     string              `json:"scenario"`
	Failures     []string            `json:"failures,omitempty"`
	Stats        http3.StatsSnapshot `json:"stats"`
	ResetReason  string              `json:"reset_reason,omitempty"`
	ResetDetails string              `json:"reset_details,omitempty"`
}

// OK reports whether the scenario ran clean.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Runner executes scripted stream lifecycles. Every run gets a fresh
// session from the manager and an in-memory transport, so reports never
// bleed into each other.
type Runner struct {
	mgr   *Manager
	log   *logger.Logger
	faker *gofakeit.Faker
}

// NewRunner builds a runner over the manager. seed fixes the request
// fixtures; zero picks a time-based seed.
func NewRunner(mgr *Manager, log *logger.Logger, seed int64) *Runner {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Runner{mgr: mgr, log: log, faker: gofakeit.New(seed)}
}

var scenarios = map[string]func(*Runner) *Report{
	"normal":                      (*Runner).runNormal,
	"early-trailers":              (*Runner).runEarlyTrailers,
	"stop-sending-after-response": (*Runner).runStopSendingAfterResponse,
	"partial-absorption":          (*Runner).runPartialAbsorption,
	"flush-timeout":               (*Runner).runFlushTimeout,
}

// ScenarioNames returns the known scenario names, sorted.
func ScenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one scenario by name.
func (r *Runner) Run(name string) (*Report, error) {
	fn, ok := scenarios[name]
	if !ok {
		return nil, errors.Errorf("unknown scenario %q, known: %v", name, ScenarioNames())
	}
	return fn(r), nil
}

// RunAll executes the named scenarios in order, or every known scenario
// when names is empty.
func (r *Runner) RunAll(names []string) ([]*Report, error) {
	if len(names) == 0 {
		names = ScenarioNames()
	}
	reports := make([]*Report, 0, len(names))
	for _, name := range names {
		rep, err := r.Run(name)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// RunConcurrent executes n copies of one scenario at once, each on its own
// session and stream.
func (r *Runner) RunConcurrent(name string, n int) ([]*Report, error) {
	if _, ok := scenarios[name]; !ok {
		return nil, errors.Errorf("unknown scenario %q, known: %v", name, ScenarioNames())
	}
	if n < 1 {
		n = 1
	}
	reports := make([]*Report, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			rep, _ := r.Run(name)
			reports[slot] = rep
		}(i)
	}
	wg.Wait()
	return reports, nil
}

// capture is the scripted application side: it records everything the
// codec dispatches.
type capture struct {
	headers    *http3.RequestHeaderMap
	headersEnd bool
	body       bytes.Buffer
	bodyEnd    bool
	trailers   *http3.RequestHeaderMap

	resetReasons []http3.StreamResetReason
	resetDetails string
	aboveHigh    int
	belowLow     int
}

func (c *capture) DecodeHeaders(h *http3.RequestHeaderMap, endStream bool) {
	c.headers = h
	c.headersEnd = endStream
}

func (c *capture) DecodeData(p []byte, endStream bool) {
	c.body.Write(p)
	if endStream {
		c.bodyEnd = true
	}
}

func (c *capture) DecodeTrailers(h *http3.RequestHeaderMap) { c.trailers = h }

func (c *capture) OnResetStream(reason http3.StreamResetReason, details string) {
	c.resetReasons = append(c.resetReasons, reason)
	c.resetDetails = details
}

func (c *capture) OnAboveWriteBufferHighWatermark() { c.aboveHigh++ }
func (c *capture) OnBelowWriteBufferLowWatermark()  { c.belowLow++ }

// scenarioRun carries the per-scenario plumbing.
type scenarioRun struct {
	mgr  *Manager
	conn uint64
	sess *Session
	h    *StreamHandle
	app  *capture
	rep  *Report
}

func (r *Runner) begin(name string, tweak func(*Settings), simOpts ...quicsim.Option) (*scenarioRun, error) {
	conn, sess := r.mgr.NewSessionWith(tweak)
	h, err := sess.NewStream(4, simOpts...)
	if err != nil {
		r.mgr.Remove(conn, http3.ErrCodeInternalError, http3.CloseSourceSelf)
		return nil, err
	}
	r.log.Debug("scenario started", logger.LogFields{"scenario": name, "conn": conn})
	app := &capture{}
	sess.Await(func() {
		h.Codec.SetRequestDecoder(app)
		h.Codec.SetStreamCallbacks(app)
	})
	return &scenarioRun{mgr: r.mgr, conn: conn, sess: sess, h: h, app: app, rep: &Report{Scenario: name}}, nil
}

// step runs fn on the session loop, synchronously.
func (sr *scenarioRun) step(fn func()) { sr.sess.Await(fn) }

func (sr *scenarioRun) failf(format string, args ...interface{}) {
	sr.rep.Failures = append(sr.rep.Failures, fmt.Sprintf(format, args...))
}

func (sr *scenarioRun) check(cond bool, format string, args ...interface{}) {
	if !cond {
		sr.failf(format, args...)
	}
}

func (sr *scenarioRun) finish() *Report {
	sr.step(func() {
		if n := len(sr.app.resetReasons); n > 0 {
			sr.rep.ResetReason = sr.app.resetReasons[n-1].String()
			sr.rep.ResetDetails = sr.app.resetDetails
		}
	})
	sr.rep.Stats = sr.sess.Stats().Snapshot()
	sr.mgr.Remove(sr.conn, http3.ErrCodeNoError, http3.CloseSourceSelf)
	return sr.rep
}

func errReport(name string, err error) *Report {
	return &Report{Scenario: name, Failures: []string{err.Error()}}
}

// requestFields builds an ordinary POST header block with fixture values.
func (r *Runner) requestFields(contentLength int, withLen bool) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/" + r.faker.Word() + "/" + r.faker.Word()},
		{Name: ":authority", Value: r.faker.DomainName()},
		{Name: "user-agent", Value: r.faker.UserAgent()},
	}
	if withLen {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: fmt.Sprintf("%d", contentLength)})
	}
	return fields
}

func getFields(path string, authority string) []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: authority},
	}
}

func responseFields(status string) *http3.ResponseHeaderMap {
	return http3.NewResponseHeaderMap([]hpack.HeaderField{
		{Name: ":status", Value: status},
		{Name: "content-type", Value: "text/plain"},
	})
}

// runNormal scripts a full request/response exchange: headers, body with
// FIN, a 200 response with body, clean close on both sides.
func (r *Runner) runNormal() *Report {
	sr, err := r.begin("normal", nil)
	if err != nil {
		return errReport("normal", err)
	}
	reqBody := []byte(r.faker.Sentence(12))
	respBody := []byte(r.faker.Sentence(8))

	sr.step(func() {
		sr.h.Transport.PeerSendsHeaders(r.requestFields(len(reqBody), true), false)
		sr.h.Transport.PeerSendsData(reqBody, true)
	})
	sr.step(func() {
		sr.check(sr.app.headers != nil, "request headers never decoded")
		sr.check(!sr.app.headersEnd, "headers reported end-of-stream despite a body following")
		sr.check(sr.app.bodyEnd, "body end-of-stream never decoded")
		sr.check(bytes.Equal(sr.app.body.Bytes(), reqBody), "request body mismatch")
		sr.check(sr.h.Codec.DeliveryStage() == http3.StageBodyDone,
			"delivery stage = %s, want BodyDone", sr.h.Codec.DeliveryStage())
		sr.check(sr.h.Codec.ReadClosed(), "read side still open after full request")
	})
	sr.step(func() {
		if err := sr.h.Codec.EncodeHeaders(responseFields("200"), false); err != nil {
			sr.failf("encode headers: %v", err)
		}
		if err := sr.h.Codec.EncodeData([][]byte{respBody}, true); err != nil {
			sr.failf("encode data: %v", err)
		}
		sr.h.Transport.FlushAll()
	})
	sr.step(func() {
		sr.check(sr.h.Transport.SentFin(), "response end-of-stream never reached the transport")
		sr.check(bytes.Equal(sr.h.Transport.SentBody(), respBody), "response body mismatch")
		if _, reset := sr.h.Transport.ResetSentWith(); reset {
			sr.failf("unexpected outbound reset")
		}
		sr.check(len(sr.app.resetReasons) == 0, "unexpected reset callback: %v", sr.app.resetReasons)
		sr.check(sr.h.Codec.FullyClosed(), "stream not fully closed after clean exchange")
		meter := sr.h.Codec.Meter()
		sr.check(meter.BodyBytesReceived() == uint64(len(reqBody)),
			"body bytes received = %d, want %d", meter.BodyBytesReceived(), len(reqBody))
	})
	return sr.finish()
}

// runEarlyTrailers scripts a request whose trailers arrive right behind the
// body, and a response that itself ends in trailers.
func (r *Runner) runEarlyTrailers() *Report {
	sr, err := r.begin("early-trailers", nil)
	if err != nil {
		return errReport("early-trailers", err)
	}
	reqBody := []byte(r.faker.Sentence(6))

	sr.step(func() {
		sr.h.Transport.PeerSendsHeaders(r.requestFields(0, false), false)
		sr.h.Transport.PeerSendsData(reqBody, false)
		sr.h.Transport.PeerSendsTrailers([]hpack.HeaderField{
			{Name: "request-checksum", Value: r.faker.UUID()},
		})
	})
	sr.step(func() {
		sr.check(sr.app.trailers != nil, "request trailers never decoded")
		sr.check(!sr.app.bodyEnd, "body claimed end-of-stream although trailers followed")
		sr.check(bytes.Equal(sr.app.body.Bytes(), reqBody), "request body mismatch")
		sr.check(sr.h.Codec.DeliveryStage() == http3.StageTrailersDone,
			"delivery stage = %s, want TrailersDone", sr.h.Codec.DeliveryStage())
	})
	sr.step(func() {
		if err := sr.h.Codec.EncodeHeaders(responseFields("200"), false); err != nil {
			sr.failf("encode headers: %v", err)
		}
		if err := sr.h.Codec.EncodeData([][]byte{[]byte("partial")}, false); err != nil {
			sr.failf("encode data: %v", err)
		}
		trailers := http3.NewResponseTrailerMap([]hpack.HeaderField{{Name: "result", Value: "ok"}})
		if err := sr.h.Codec.EncodeTrailers(trailers); err != nil {
			sr.failf("encode trailers: %v", err)
		}
		sr.h.Transport.FlushAll()
	})
	sr.step(func() {
		sr.check(sr.h.Transport.SentTrailers() != nil, "response trailers never reached the transport")
		sr.check(sr.h.Codec.FullyClosed(), "stream not fully closed")
		sr.check(len(sr.app.resetReasons) == 0, "unexpected reset callback: %v", sr.app.resetReasons)
	})
	return sr.finish()
}

// runStopSendingAfterResponse scripts the peer cancelling with STOP_SENDING
// after the response already ended. No reset callback may fire.
func (r *Runner) runStopSendingAfterResponse() *Report {
	sr, err := r.begin("stop-sending-after-response", nil)
	if err != nil {
		return errReport("stop-sending-after-response", err)
	}
	sr.step(func() {
		sr.h.Transport.PeerSendsHeaders(getFields("/"+r.faker.Word(), r.faker.DomainName()), true)
	})
	sr.step(func() {
		sr.check(sr.app.headersEnd, "GET with FIN should decode headers as end-of-stream")
		if err := sr.h.Codec.EncodeHeaders(responseFields("200"), false); err != nil {
			sr.failf("encode headers: %v", err)
		}
		if err := sr.h.Codec.EncodeData([][]byte{[]byte(r.faker.Sentence(4))}, true); err != nil {
			sr.failf("encode data: %v", err)
		}
		sr.h.Transport.FlushAll()
	})
	sr.step(func() {
		sr.check(sr.h.Codec.WriteClosed(), "write side should be closed after flushed end-of-stream")
		sr.h.Transport.PeerStopsSending(http3.ErrCodeRequestCancelled)
	})
	sr.step(func() {
		sr.check(len(sr.app.resetReasons) == 0,
			"reset callback fired after complete response: %v", sr.app.resetReasons)
		sr.check(sr.h.Codec.FullyClosed(), "stream not fully closed after STOP_SENDING")
	})
	rep := sr.finish()
	if rep.Stats.RxReset != 1 {
		rep.Failures = append(rep.Failures, fmt.Sprintf("rx_reset = %d, want 1", rep.Stats.RxReset))
	}
	return rep
}

// runPartialAbsorption scripts a response body larger than the transport's
// send capacity. The codec must reset immediately with the internal-error
// code and report a local reset upward.
func (r *Runner) runPartialAbsorption() *Report {
	sr, err := r.begin("partial-absorption", nil, quicsim.WithSendCapacity(256))
	if err != nil {
		return errReport("partial-absorption", err)
	}
	sr.step(func() {
		sr.h.Transport.PeerSendsHeaders(getFields("/oversized", r.faker.DomainName()), true)
	})
	sr.step(func() {
		if err := sr.h.Codec.EncodeHeaders(responseFields("200"), false); err != nil {
			sr.failf("encode headers: %v", err)
		}
		big := bytes.Repeat([]byte("x"), 4096)
		err := sr.h.Codec.EncodeData([][]byte{big}, false)
		sr.check(err != nil, "oversized body write should fail")
	})
	sr.step(func() {
		code, reset := sr.h.Transport.ResetSentWith()
		sr.check(reset, "no outbound reset after partial absorption")
		sr.check(code == http3.ErrCodeInternalError,
			"reset code = %s, want H3_INTERNAL_ERROR", code)
		sr.check(len(sr.app.resetReasons) == 1 && sr.app.resetReasons[0] == http3.ResetReasonLocalReset,
			"reset callback = %v, want one LocalReset", sr.app.resetReasons)
		sr.check(sr.app.resetDetails == http3.DetailSendBufferRejectedBytes,
			"reset details = %q, want %q", sr.app.resetDetails, http3.DetailSendBufferRejectedBytes)
	})
	rep := sr.finish()
	if rep.Stats.TxReset != 1 {
		rep.Failures = append(rep.Failures, fmt.Sprintf("tx_reset = %d, want 1", rep.Stats.TxReset))
	}
	return rep
}

// runFlushTimeout scripts a response whose final bytes never drain. The
// flush timer must cancel the stream without a reset callback.
func (r *Runner) runFlushTimeout() *Report {
	sr, err := r.begin("flush-timeout", func(s *Settings) {
		s.Options.FlushTimeout = 40 * time.Millisecond
	})
	if err != nil {
		return errReport("flush-timeout", err)
	}
	sr.step(func() {
		sr.h.Transport.PeerSendsHeaders(getFields("/slow", r.faker.DomainName()), true)
	})
	sr.step(func() {
		if err := sr.h.Codec.EncodeHeaders(responseFields("200"), false); err != nil {
			sr.failf("encode headers: %v", err)
		}
		if err := sr.h.Codec.EncodeData([][]byte{[]byte(r.faker.Sentence(10))}, true); err != nil {
			sr.failf("encode data: %v", err)
		}
		// No flush: the buffered bytes sit until the timer fires.
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sr.sess.Stats().Snapshot().TxFlushTimeout >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sr.step(func() {
		code, reset := sr.h.Transport.ResetSentWith()
		sr.check(reset, "no outbound reset after flush timeout")
		sr.check(code == http3.ErrCodeRequestCancelled,
			"reset code = %s, want H3_REQUEST_CANCELLED", code)
		sr.check(len(sr.app.resetReasons) == 0,
			"reset callback fired despite signaled end-of-stream: %v", sr.app.resetReasons)
		sr.check(sr.h.Codec.WriteClosed(), "write side still open after flush timeout reset")
	})
	rep := sr.finish()
	if rep.Stats.TxFlushTimeout != 1 {
		rep.Failures = append(rep.Failures, fmt.Sprintf("tx_flush_timeout = %d, want 1", rep.Stats.TxFlushTimeout))
	}
	return rep
}
