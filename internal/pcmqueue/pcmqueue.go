// Package pcmqueue implements the jitter-absorbing input queue: a bounded
// FIFO of (server_ts_us, pcm) chunks with gap/overlap normalization. All
// mutation of the queue's tail happens on the producer (network/decoder)
// side; the queue is read by a single consumer (the audio callback) without
// locking — head/tail indices are atomic counters rather than mutex-guarded
// fields.
package pcmqueue

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrMalformedChunk is returned by Submit when the payload length is not a
// multiple of the format's frame size. The caller drops the chunk and keeps
// the stream running.
var ErrMalformedChunk = errors.New("pcmqueue: chunk length not a multiple of frame size")

// PcmFormat describes the fixed audio format for a stream session.
type PcmFormat struct {
	Codec        string
	SampleRateHz uint32
	Channels     uint8
	BitDepth     uint8 // 16, 24, or 32
}

// FrameSizeBytes returns the number of bytes in one frame (one sample per
// channel).
func (f PcmFormat) FrameSizeBytes() int {
	return int(f.Channels) * int(f.BitDepth) / 8
}

// chunk is one queued run of PCM bytes with a server timestamp marking the
// first frame's capture/intended-play instant.
type chunk struct {
	serverTsUs int64
	pcm        []byte
}

// capacity bounds the ring. At a typical 20-50ms chunk size this comfortably
// covers tens of seconds of buffered audio before a producer that never
// stops submitting would start overwriting unread entries.
const capacity = 4096

// Queue is a single-producer/single-consumer FIFO of PCM chunks with
// gap/overlap normalization performed at submission time.
type Queue struct {
	format PcmFormat

	ring [capacity]chunk
	head atomic.Uint64 // next slot to read; advanced by the consumer, and by the producer in Clear or when the ring is full
	tail atomic.Uint64 // next slot to write; producer-owned

	bufferedUs atomic.Int64

	// expectedNextUs is the producer-owned cursor: the server timestamp at
	// which the queue's tail currently ends. No synchronization is needed
	// because only the producer touches it.
	expectedNextUs int64
	haveFirst      bool

	// current is the consumer-owned partial chunk being read frame by
	// frame; it is not part of the ring once popped.
	current    chunk
	currentOff int
	haveCurent bool

	// Server cursor: the server timestamp of the next input frame to be
	// consumed by the callback core. Zero-initialized, rebased to the first
	// available frame's timestamp on first read, and advanced with a
	// microsecond-remainder carry so no sub-microsecond bias accumulates.
	cursorUs        int64
	cursorRemainder int64
	cursorInit      bool

	clearRequested atomic.Bool
}

// New returns an empty Queue for the given format.
func New(format PcmFormat) *Queue {
	return &Queue{format: format}
}

// Format returns the queue's fixed PCM format.
func (q *Queue) Format() PcmFormat {
	return q.format
}

// Len returns the number of whole chunks currently queued (excluding the
// consumer's in-progress partial chunk).
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// BufferedUs returns the approximate total buffered duration in
// microseconds, for flow control and diagnostics.
func (q *Queue) BufferedUs() int64 {
	return q.bufferedUs.Load()
}

// Submit is called by the producer with a chunk's server timestamp and PCM
// payload. It performs gap/overlap normalization (§4.3 policy, steps 3-4)
// and enqueues the result. The caller is responsible for checking the
// deferred clear-requested flag (ClearRequested/Clear/ResetClearRequested)
// before calling Submit, since clearing also resets scheduler state that
// this package does not own.
//
// wasEmpty reports whether the queue held zero chunks (and no partially
// read chunk) immediately before this call. The engine ignores it: no
// device start is tied to the queue going from empty to non-empty.
func (q *Queue) Submit(serverTsUs int64, pcm []byte) (wasEmpty bool, err error) {
	frameSize := q.format.FrameSizeBytes()
	if frameSize <= 0 || len(pcm)%frameSize != 0 {
		slog.Warn("pcmqueue: rejecting malformed chunk", "len", len(pcm), "frame_size", frameSize)
		return false, ErrMalformedChunk
	}

	wasEmpty = q.Len() == 0 && !q.haveCurent

	if !q.haveFirst {
		q.expectedNextUs = serverTsUs
		q.haveFirst = true
	}

	rate := int64(q.format.SampleRateHz)

	if serverTsUs > q.expectedNextUs {
		// Gap: synthesize silence spanning the missing interval.
		gapUs := serverTsUs - q.expectedNextUs
		gapFrames := (gapUs * rate) / 1_000_000
		if gapFrames > 0 {
			silence := make([]byte, int(gapFrames)*frameSize)
			q.push(q.expectedNextUs, silence)
			slog.Debug("pcmqueue: filled gap with silence", "gap_us", gapUs, "frames", gapFrames)
		}
		q.expectedNextUs = serverTsUs
	} else if serverTsUs < q.expectedNextUs {
		// Overlap: trim the leading frames that have already been accounted
		// for by the previous chunk.
		// Round to the nearest frame: both timestamps are truncated to
		// whole microseconds, so plain division can come up one frame short.
		overlapUs := q.expectedNextUs - serverTsUs
		trimFrames := (overlapUs*rate + 500_000) / 1_000_000
		trimBytes := int(trimFrames) * frameSize
		if trimBytes >= len(pcm) {
			// Entirely superseded; drop the chunk.
			return wasEmpty, nil
		}
		pcm = pcm[trimBytes:]
	}

	q.push(q.expectedNextUs, pcm)
	frames := len(pcm) / frameSize
	q.expectedNextUs += (int64(frames) * 1_000_000) / rate
	return wasEmpty, nil
}

// push enqueues a single normalized chunk and updates the buffered-duration
// counter. Producer-only.
func (q *Queue) push(serverTsUs int64, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	t := q.tail.Load()
	if t-q.head.Load() >= capacity {
		slog.Warn("pcmqueue: ring full, dropping oldest unread chunk")
		q.head.Add(1)
	}
	q.ring[t%capacity] = chunk{serverTsUs: serverTsUs, pcm: pcm}
	q.tail.Add(1)

	frameSize := q.format.FrameSizeBytes()
	frames := len(pcm) / frameSize
	durUs := (int64(frames) * 1_000_000) / int64(q.format.SampleRateHz)
	q.bufferedUs.Add(durUs)
}

// RequestClear is called by the consumer (audio callback) after detecting
// an underflow. It is a one-way flag consumed by the producer on its next
// Submit.
func (q *Queue) RequestClear() {
	q.clearRequested.Store(true)
}

// ClearRequested reports whether the consumer has raised the clear flag.
func (q *Queue) ClearRequested() bool {
	return q.clearRequested.Load()
}

// ResetClearRequested lowers the clear flag after the producer has handled
// it.
func (q *Queue) ResetClearRequested() {
	q.clearRequested.Store(false)
}

// Clear drains all queued and in-progress data and resets the producer
// cursor. Called by the producer in response to a clear-requested flag,
// stream_start/stream_end/stream_clear, or a re-anchor. (A format change
// replaces the queue with a new one instead.)
func (q *Queue) Clear() {
	q.head.Store(q.tail.Load())
	q.bufferedUs.Store(0)
	q.expectedNextUs = 0
	q.haveFirst = false
	q.current = chunk{}
	q.currentOff = 0
	q.haveCurent = false
	q.cursorUs = 0
	q.cursorRemainder = 0
	q.cursorInit = false
}

// advance pops the next whole chunk into q.current if the current one is
// exhausted. Returns false if no data is available at all. Consumer-only.
func (q *Queue) advance() bool {
	for q.haveCurent && q.currentOff >= len(q.current.pcm) {
		q.haveCurent = false
	}
	if q.haveCurent {
		return true
	}
	h := q.head.Load()
	if h >= q.tail.Load() {
		return false
	}
	q.current = q.ring[h%capacity]
	q.ring[h%capacity] = chunk{} // release reference
	q.head.Add(1)
	q.currentOff = 0
	q.haveCurent = true
	return true
}

// ensureCursor rebases the server cursor to the next available frame's
// timestamp the first time any consumption is attempted. A no-op once
// initialized, and a no-op if no data is available yet.
func (q *Queue) ensureCursor() {
	if q.cursorInit {
		return
	}
	if !q.advance() {
		return
	}
	q.cursorUs = q.current.serverTsUs
	q.cursorInit = true
}

// advanceCursor moves the server cursor forward by frames, carrying the
// sub-microsecond remainder so repeated small advances never accumulate
// rounding bias.
func (q *Queue) advanceCursor(frames int) {
	if frames <= 0 {
		return
	}
	rate := int64(q.format.SampleRateHz)
	numerator := int64(frames)*1_000_000 + q.cursorRemainder
	q.cursorUs += numerator / rate
	q.cursorRemainder = numerator % rate
}

// CursorUs returns the server timestamp of the next input frame to be
// consumed by the callback core.
func (q *Queue) CursorUs() int64 {
	return q.cursorUs
}

// PeekServerTsUs returns the server timestamp corresponding to the next
// unread frame, if any data is queued.
func (q *Queue) PeekServerTsUs() (int64, bool) {
	q.ensureCursor()
	if !q.advance() {
		return 0, false
	}
	return q.cursorUs, true
}

// ReadFrame copies exactly one frame into dst (which must be at least
// FrameSizeBytes() long) and advances the read cursor. Returns false if the
// queue is exhausted. Consumer-only, allocation-free.
func (q *Queue) ReadFrame(dst []byte) bool {
	q.ensureCursor()
	frameSize := q.format.FrameSizeBytes()
	if !q.advance() {
		return false
	}
	copy(dst[:frameSize], q.current.pcm[q.currentOff:q.currentOff+frameSize])
	q.currentOff += frameSize
	q.bufferedUs.Add(-(1_000_000 / int64(q.format.SampleRateHz)))
	q.advanceCursor(1)
	return true
}

// ReadFramesBulk copies up to maxFrames frames into dst (which must be at
// least maxFrames*FrameSizeBytes() long) and returns the number of frames
// actually copied, stopping early if the queue runs out of data.
// Consumer-only, allocation-free.
func (q *Queue) ReadFramesBulk(dst []byte, maxFrames int) int {
	q.ensureCursor()
	frameSize := q.format.FrameSizeBytes()
	copied := 0
	for copied < maxFrames {
		if !q.advance() {
			break
		}
		available := (len(q.current.pcm) - q.currentOff) / frameSize
		want := maxFrames - copied
		take := available
		if take > want {
			take = want
		}
		if take <= 0 {
			break
		}
		n := take * frameSize
		off := copied * frameSize
		copy(dst[off:off+n], q.current.pcm[q.currentOff:q.currentOff+n])
		q.currentOff += n
		copied += take
	}
	if copied > 0 {
		q.bufferedUs.Add(-(int64(copied) * 1_000_000) / int64(q.format.SampleRateHz))
		q.advanceCursor(copied)
	}
	return copied
}

// SkipFrames discards up to n frames without copying them anywhere, for
// fast-forwarding past stale audio during DAC-gated start. Returns the
// number of frames actually skipped. Consumer-only.
func (q *Queue) SkipFrames(n int) int {
	q.ensureCursor()
	frameSize := q.format.FrameSizeBytes()
	skipped := 0
	for skipped < n {
		if !q.advance() {
			break
		}
		available := (len(q.current.pcm) - q.currentOff) / frameSize
		want := n - skipped
		take := available
		if take > want {
			take = want
		}
		if take <= 0 {
			break
		}
		q.currentOff += take * frameSize
		skipped += take
	}
	if skipped > 0 {
		q.bufferedUs.Add(-(int64(skipped) * 1_000_000) / int64(q.format.SampleRateHz))
		q.advanceCursor(skipped)
	}
	return skipped
}
