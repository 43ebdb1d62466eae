package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalParseAudioChunkRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	framed := MarshalAudioChunk(123456789, payload)

	ts, got, ok := parseAudioChunk(framed)
	require.True(t, ok)
	assert.Equal(t, int64(123456789), ts)
	assert.Equal(t, payload, got)
}

func TestParseAudioChunkRejectsShortDatagram(t *testing.T) {
	_, _, ok := parseAudioChunk([]byte{1, 2, 3})
	assert.False(t, ok)
}

type recordingSink struct {
	streamStarted  bool
	streamEnded    bool
	streamCleared  bool
	formatChanged  bool
	clockUpdated   bool
	audioChunks    int
	disconnectMsg  string
	lastCodec      string
	lastOffsetUs   int64
	lastSkew       float64
	lastStaticMs   int64
}

func (r *recordingSink) OnStreamStart(sampleRateHz uint32, channels, bitDepth uint8, codec string, codecHeader []byte) {
	r.streamStarted = true
	r.lastCodec = codec
}
func (r *recordingSink) OnStreamEnd()   { r.streamEnded = true }
func (r *recordingSink) OnStreamClear() { r.streamCleared = true }
func (r *recordingSink) OnFormatChange(sampleRateHz uint32, channels, bitDepth uint8, codec string, codecHeader []byte) {
	r.formatChanged = true
}
func (r *recordingSink) OnClockUpdate(offsetUs int64, skew float64, staticDelayMs int64) {
	r.clockUpdated = true
	r.lastOffsetUs = offsetUs
	r.lastSkew = skew
	r.lastStaticMs = staticDelayMs
}
func (r *recordingSink) OnAudioChunk(serverTsUs int64, payload []byte) { r.audioChunks++ }
func (r *recordingSink) OnDisconnected(reason string)                 { r.disconnectMsg = reason }

func TestDispatchRoutesByType(t *testing.T) {
	sink := &recordingSink{}
	s := &Session{sink: sink}

	s.dispatch(ControlMessage{Type: "stream_start", Codec: "flac"})
	assert.True(t, sink.streamStarted)
	assert.Equal(t, "flac", sink.lastCodec)

	s.dispatch(ControlMessage{Type: "stream_end"})
	assert.True(t, sink.streamEnded)

	s.dispatch(ControlMessage{Type: "stream_clear"})
	assert.True(t, sink.streamCleared)

	s.dispatch(ControlMessage{Type: "format_change"})
	assert.True(t, sink.formatChanged)

	s.dispatch(ControlMessage{Type: "clock_update", OffsetUs: 42, Skew: 1.0005, StaticDelayMs: 150})
	assert.True(t, sink.clockUpdated)
	assert.Equal(t, int64(42), sink.lastOffsetUs)
	assert.Equal(t, 1.0005, sink.lastSkew)
	assert.Equal(t, int64(150), sink.lastStaticMs)
}

func TestDispatchIgnoresUnknownType(t *testing.T) {
	sink := &recordingSink{}
	s := &Session{sink: sink}
	assert.NotPanics(t, func() {
		s.dispatch(ControlMessage{Type: "something_new_from_the_server"})
	})
}
