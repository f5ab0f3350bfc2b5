package http3

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"example.com/llmah3/v2/internal/logger"
)

func newTestAttributor() (*ResetAttributor, *CloseStateTracker, *[]StreamResetReason) {
	cs := &CloseStateTracker{}
	fired := &[]StreamResetReason{}
	a := NewResetAttributor(cs, func(r StreamResetReason) { *fired = append(*fired, r) }, logger.NewNop())
	return a, cs, fired
}

func TestResetReasonWireMapping(t *testing.T) {
	tests := []struct {
		reason StreamResetReason
		code   ErrorCode
	}{
		{ResetReasonLocalRefusedStream, ErrCodeRequestRejected},
		{ResetReasonRemoteRefusedStream, ErrCodeRequestRejected},
		{ResetReasonProtocolError, ErrCodeGeneralProtocolError},
		{ResetReasonLocalReset, ErrCodeRequestCancelled},
		{ResetReasonRemoteReset, ErrCodeRequestCancelled},
		{ResetReasonLocalConnectionTermination, ErrCodeRequestCancelled},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.code, ResetCodeForReason(tc.reason), tc.reason.String())
	}
}

func TestResetReasonAttribution(t *testing.T) {
	assert.Equal(t, ResetReasonRemoteRefusedStream, remoteResetReason(ErrCodeRequestRejected))
	assert.Equal(t, ResetReasonRemoteReset, remoteResetReason(ErrCodeRequestCancelled))
	assert.Equal(t, ResetReasonRemoteReset, remoteResetReason(ErrCodeInternalError))
	assert.Equal(t, ResetReasonLocalRefusedStream, localResetReason(ErrCodeRequestRejected))
	assert.Equal(t, ResetReasonLocalReset, localResetReason(ErrCodeGeneralProtocolError))
}

func TestResetAttributorLocalReset(t *testing.T) {
	a, _, fired := newTestAttributor()

	a.OnLocalResetIssued(ErrCodeInternalError)
	assert.Equal(t, []StreamResetReason{ResetReasonLocalReset}, *fired)
	assert.True(t, a.Fired())

	// Suppressed once the response is fully signaled.
	a2, cs2, fired2 := newTestAttributor()
	cs2.MarkLocalEndStream()
	a2.OnLocalResetIssued(ErrCodeInternalError)
	assert.Empty(t, *fired2)
	assert.False(t, a2.Fired())
}

func TestResetAttributorRemoteReset(t *testing.T) {
	t.Run("write side open stays silent", func(t *testing.T) {
		a, _, fired := newTestAttributor()
		a.OnRemoteResetReceived(ErrCodeRequestCancelled, false)
		assert.Empty(t, *fired)
	})

	t.Run("write side closed fires", func(t *testing.T) {
		a, cs, fired := newTestAttributor()
		cs.CloseWrite()
		a.OnRemoteResetReceived(ErrCodeRequestCancelled, false)
		assert.Equal(t, []StreamResetReason{ResetReasonRemoteReset}, *fired)
	})

	t.Run("cleanly finished stays silent", func(t *testing.T) {
		a, cs, fired := newTestAttributor()
		cs.CloseWrite()
		a.OnRemoteResetReceived(ErrCodeRequestCancelled, true)
		assert.Empty(t, *fired)
	})

	t.Run("refused stream reason", func(t *testing.T) {
		a, cs, fired := newTestAttributor()
		cs.CloseWrite()
		a.OnRemoteResetReceived(ErrCodeRequestRejected, false)
		assert.Equal(t, []StreamResetReason{ResetReasonRemoteRefusedStream}, *fired)
	})
}

func TestResetAttributorConnectionClosed(t *testing.T) {
	a, _, fired := newTestAttributor()
	a.OnConnectionClosed(ErrCodeNoError, CloseSourcePeer)
	assert.Equal(t, []StreamResetReason{ResetReasonRemoteConnectionTermination}, *fired)

	a2, _, fired2 := newTestAttributor()
	a2.OnConnectionClosed(ErrCodeInternalError, CloseSourceSelf)
	assert.Equal(t, []StreamResetReason{ResetReasonLocalConnectionTermination}, *fired2)

	a3, cs3, fired3 := newTestAttributor()
	cs3.MarkLocalEndStream()
	a3.OnConnectionClosed(ErrCodeNoError, CloseSourcePeer)
	assert.Empty(t, *fired3)
}

func TestResetAttributorEarlyResponseReset(t *testing.T) {
	// The quiet path always reports: the application force-closed the read
	// half even though the response was complete.
	a, cs, fired := newTestAttributor()
	cs.MarkLocalEndStream()
	cs.CloseWrite()

	a.OnEarlyResponseReset()

	assert.Equal(t, []StreamResetReason{ResetReasonLocalReset}, *fired)
}

func TestResetAttributorFiresAtMostOnce(t *testing.T) {
	a, cs, fired := newTestAttributor()
	cs.CloseWrite()

	a.OnRemoteResetReceived(ErrCodeRequestCancelled, false)
	a.OnLocalResetIssued(ErrCodeInternalError)
	a.OnConnectionClosed(ErrCodeNoError, CloseSourcePeer)
	a.OnEarlyResponseReset()

	assert.Equal(t, []StreamResetReason{ResetReasonRemoteReset}, *fired)
}

func TestResetAttributorNilNotify(t *testing.T) {
	a := NewResetAttributor(&CloseStateTracker{}, nil, logger.NewNop())

	a.OnLocalResetIssued(ErrCodeInternalError)

	assert.True(t, a.Fired())
}
