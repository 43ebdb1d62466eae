// Package engine ties the clock mapper, frame decoder, input queue, DAC
// calibrator, and sync corrector together into the scheduler/start gate,
// the pull-callback output core, and the stream lifecycle glue. It is the
// one package allowed to touch all three concurrency contexts described by
// the concurrency model: the producer (network/decoder) context calls
// Submit and the On* lifecycle methods; the audio callback context calls
// only FillBuffer; the control context calls SetVolume/SetMuted/Metrics.
package engine

import (
	"errors"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/rudyberends/sendspin-cli/internal/clockmap"
	"github.com/rudyberends/sendspin-cli/internal/corrector"
	"github.com/rudyberends/sendspin-cli/internal/daccal"
	"github.com/rudyberends/sendspin-cli/internal/decoder"
	"github.com/rudyberends/sendspin-cli/internal/pcmqueue"
)

// PlaybackState is the engine's top-level state machine.
type PlaybackState int32

const (
	Initializing PlaybackState = iota
	WaitingForStart
	Playing
	Reanchoring
)

func (s PlaybackState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case WaitingForStart:
		return "waiting_for_start"
	case Playing:
		return "playing"
	case Reanchoring:
		return "reanchoring"
	default:
		return "unknown"
	}
}

// earlyStartThresholdUs is the safety margin below which a newly computed
// start target is suspected to be unreliable (clock estimate not yet
// converged).
const earlyStartThresholdUs = 700_000

// startTimeUpdateThresholdUs is the minimum drift required for the
// scheduler to accept a recomputed start target while WaitingForStart,
// preventing churn from repeated near-identical updates.
const startTimeUpdateThresholdUs = 5_000

// Sentinel errors for device- and clock-level failures. No Engine method
// returns them; a device open failure reaches the caller as
// device.ErrUnsupportedFormat, not as ErrDeviceConfigError.
var (
	ErrUnsupportedFormat     = errors.New("engine: device does not support requested format")
	ErrDeviceConfigError     = errors.New("engine: device configuration failed")
	ErrClockMapperUnavailable = errors.New("engine: clock mapper unavailable, falling back to monotonic gating")
)

// Engine owns the full playback pipeline for one stream session.
type Engine struct {
	queue *pcmqueue.Queue
	clock *clockmap.Mapper
	cal   *daccal.Calibrator
	corr  *corrector.Corrector
	dec   *decoder.Decoder

	format pcmqueue.PcmFormat

	state atomic.Int32

	// Scheduler state, written by the producer context (Submit), read by
	// the callback context (FillBuffer).
	haveFirstChunk            atomic.Bool
	firstChunkServerTsUs      atomic.Int64
	scheduledStartMonotonicUs atomic.Int64
	haveScheduledStartDac     atomic.Bool
	scheduledStartDacUs       atomic.Int64
	earlyStartSuspect         atomic.Bool

	// Cadence, written by the producer context, read+decremented by the
	// callback context. Snapshotted at each buffer boundary.
	insertEveryN atomic.Uint32
	dropEveryN   atomic.Uint32

	// Callback-owned, no synchronization needed: exactly one goroutine
	// ever calls FillBuffer.
	insertCountdown, dropCountdown int
	lastSeenInsertN, lastSeenDropN uint32
	lastEmittedFrame               []byte
	dropScratch                    []byte

	// Volume state, read by the callback under acquire semantics and
	// written by the control context.
	volumeLevel atomic.Int32
	volumeMuted atomic.Bool

	// playbackPositionUs is the most recently computed server timestamp
	// corresponding to the sample emerging from the DAC, refreshed once
	// per audio callback and read by the corrector in the producer
	// context.
	playbackPositionUs atomic.Int64
	havePlaybackPos    atomic.Bool

	onPlayerState func(state PlaybackState, volume int, muted bool)
}

// New returns an Engine configured for the given PCM format.
func New(format pcmqueue.PcmFormat) *Engine {
	e := &Engine{
		queue:  pcmqueue.New(format),
		clock:  clockmap.New(),
		cal:    daccal.New(),
		corr:   corrector.New(),
		dec:    decoder.New(),
		format: format,
	}
	e.volumeLevel.Store(100)
	e.lastEmittedFrame = make([]byte, format.FrameSizeBytes())
	e.dropScratch = make([]byte, format.FrameSizeBytes())
	e.state.Store(int32(Initializing))
	return e
}

// State returns the current playback state.
func (e *Engine) State() PlaybackState {
	return PlaybackState(e.state.Load())
}

// Format returns the engine's fixed PCM format.
func (e *Engine) Format() pcmqueue.PcmFormat {
	return e.format
}

// Clock returns the engine's clock mapper, for the transport's clock_update
// handler to push new parameters into.
func (e *Engine) Clock() *clockmap.Mapper {
	return e.clock
}

// SetOnPlayerState registers a callback invoked after every volume/mute
// change, matching the outbound player_state acknowledgement.
func (e *Engine) SetOnPlayerState(fn func(state PlaybackState, volume int, muted bool)) {
	e.onPlayerState = fn
}

// SetVolume sets the output level (0-100) from the control context and
// emits a player_state acknowledgement.
func (e *Engine) SetVolume(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	e.volumeLevel.Store(int32(level))
	e.notifyPlayerState()
}

// SetMuted sets the mute flag from the control context and emits a
// player_state acknowledgement.
func (e *Engine) SetMuted(muted bool) {
	e.volumeMuted.Store(muted)
	e.notifyPlayerState()
}

func (e *Engine) notifyPlayerState() {
	if e.onPlayerState == nil {
		return
	}
	level, muted := e.volumeSnapshot()
	e.onPlayerState(e.State(), level, muted)
}

func (e *Engine) volumeSnapshot() (int, bool) {
	return int(e.volumeLevel.Load()), e.volumeMuted.Load()
}

// Metrics is a snapshot of engine timing state, useful for diagnostics and
// surfaced through the control layer.
type Metrics struct {
	State              PlaybackState
	BufferedUs         int64
	PlaybackPositionUs int64
	ServerCursorUs      int64
	HavePlaybackPos    bool
}

// Metrics returns a snapshot of the engine's current timing state.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		State:              e.State(),
		BufferedUs:         e.queue.BufferedUs(),
		PlaybackPositionUs: e.playbackPositionUs.Load(),
		ServerCursorUs:      e.queue.CursorUs(),
		HavePlaybackPos:    e.havePlaybackPos.Load(),
	}
}

// ---------------------------------------------------------------------
// Stream lifecycle glue (§4.8)
// ---------------------------------------------------------------------

// OnStreamStart clears the queue (not the state machine), purging stale
// chunks from previous content without losing DAC calibration, and
// reconfigures the decoder for codec, synthesizing a FLAC header when the
// server didn't supply one.
func (e *Engine) OnStreamStart(codec string, codecHeader []byte) {
	e.queue.Clear()
	e.dec.Reconfigure(decoder.Format{
		SampleRateHz: e.format.SampleRateHz,
		Channels:     e.format.Channels,
		BitDepth:     e.format.BitDepth,
	}, codec, codecHeader)
}

// OnStreamEnd clears the queue in response to a stream_end addressed to us.
func (e *Engine) OnStreamEnd() {
	e.queue.Clear()
}

// OnStreamClear clears the queue in response to a stream_clear addressed to
// us.
func (e *Engine) OnStreamClear() {
	e.queue.Clear()
}

// OnFormatChange resets the whole pipeline for a new PCM format: discards
// decoder state and queue, resets the state machine to Initializing, and
// reconfigures the decoder for the new format's codec. The caller is
// responsible for stopping and reopening the audio device at the new
// rate/depth/channels before resuming submission.
func (e *Engine) OnFormatChange(format pcmqueue.PcmFormat, codecHeader []byte) {
	e.format = format
	e.queue = pcmqueue.New(format)
	e.dec = decoder.New()
	e.dec.Reconfigure(decoder.Format{
		SampleRateHz: format.SampleRateHz,
		Channels:     format.Channels,
		BitDepth:     format.BitDepth,
	}, format.Codec, codecHeader)
	e.lastEmittedFrame = make([]byte, format.FrameSizeBytes())
	e.dropScratch = make([]byte, format.FrameSizeBytes())
	e.corr.Reset()
	e.resetSchedulerState()
	e.state.Store(int32(Initializing))
}

func (e *Engine) resetSchedulerState() {
	e.haveFirstChunk.Store(false)
	e.firstChunkServerTsUs.Store(0)
	e.scheduledStartMonotonicUs.Store(0)
	e.haveScheduledStartDac.Store(false)
	e.scheduledStartDacUs.Store(0)
	e.earlyStartSuspect.Store(false)
	e.insertEveryN.Store(0)
	e.dropEveryN.Store(0)
}

// ---------------------------------------------------------------------
// Submission / scheduler (producer context, §4.3, §4.5, §4.7)
// ---------------------------------------------------------------------

// Submit is called by the producer with a chunk's server timestamp, its
// already-decoded PCM payload, and the current host monotonic time (used
// for early-start-suspect bookkeeping and corrector cooldown timing).
func (e *Engine) Submit(serverTsUs int64, pcm []byte, nowHostUs int64) error {
	if e.queue.ClearRequested() {
		e.queue.Clear()
		e.resetSchedulerState()
		e.state.Store(int32(Initializing))
		e.queue.ResetClearRequested()
	}

	wasEmpty, err := e.queue.Submit(serverTsUs, pcm)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	state := e.State()
	if state == Initializing || state == Reanchoring {
		e.armFirstChunk(serverTsUs, nowHostUs)
	} else if state == WaitingForStart {
		e.recomputeScheduledStart(nowHostUs)
	} else if state == Playing {
		e.runCorrector(nowHostUs)
	}

	_ = wasEmpty // device-start orchestration is the caller's responsibility
	return nil
}

// armFirstChunk computes the initial scheduled start targets from the
// stream's first chunk and transitions Initializing/Reanchoring →
// WaitingForStart.
func (e *Engine) armFirstChunk(serverTsUs, nowHostUs int64) {
	e.firstChunkServerTsUs.Store(serverTsUs)
	e.haveFirstChunk.Store(true)

	target := e.clock.ToClient(serverTsUs)
	e.scheduledStartMonotonicUs.Store(target)

	if target-nowHostUs < earlyStartThresholdUs {
		e.earlyStartSuspect.Store(true)
	}

	if dacTarget, ok := e.dacTargetFor(nowHostUs, target); ok {
		e.scheduledStartDacUs.Store(dacTarget)
		e.haveScheduledStartDac.Store(true)
	} else {
		e.haveScheduledStartDac.Store(false)
	}

	e.state.Store(int32(WaitingForStart))
}

// recomputeScheduledStart refreshes the monotonic/DAC start targets from
// the stored first-chunk timestamp, subject to the anti-churn threshold.
func (e *Engine) recomputeScheduledStart(nowHostUs int64) {
	if !e.haveFirstChunk.Load() {
		return
	}
	firstTs := e.firstChunkServerTsUs.Load()
	newTarget := e.clock.ToClient(firstTs)
	oldTarget := e.scheduledStartMonotonicUs.Load()
	if absInt64(newTarget-oldTarget) > startTimeUpdateThresholdUs {
		e.scheduledStartMonotonicUs.Store(newTarget)
	}

	target := e.scheduledStartMonotonicUs.Load()
	if dacTarget, ok := e.dacTargetFor(nowHostUs, target); ok {
		e.scheduledStartDacUs.Store(dacTarget)
		e.haveScheduledStartDac.Store(true)
	}
}

// dacTargetFor converts a monotonic-clock start target into a DAC-time
// target via the calibrator, if a calibration is available.
func (e *Engine) dacTargetFor(nowHostUs, monotonicTarget int64) (int64, bool) {
	if !e.cal.Available() {
		return 0, false
	}
	return e.cal.HostToDac(monotonicTarget)
}

// runCorrector drives the sync corrector once per successful submit while
// Playing, possibly reprogramming the cadence or triggering a re-anchor.
func (e *Engine) runCorrector(nowHostUs int64) {
	if !e.havePlaybackPos.Load() {
		return
	}
	cad, reanchor := e.corr.Update(e.playbackPositionUs.Load(), e.queue.CursorUs(), e.format.SampleRateHz, nowHostUs)
	if reanchor {
		e.queue.Clear()
		e.resetSchedulerState()
		e.state.Store(int32(Reanchoring))
		slog.Debug("engine: re-anchoring due to gross sync error")
		return
	}
	e.insertEveryN.Store(cad.InsertEveryN)
	e.dropEveryN.Store(cad.DropEveryN)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// DecodeAndSubmit decodes a compressed frame (or passes PCM through
// unchanged) and submits the result. Convenience wrapper over Decode+Submit
// for the transport's audio_chunk handler.
func (e *Engine) DecodeAndSubmit(serverTsUs int64, compressed []byte, nowHostUs int64) error {
	pcm, err := e.dec.Decode(compressed)
	if err != nil {
		return err
	}
	return e.Submit(serverTsUs, pcm, nowHostUs)
}

// ---------------------------------------------------------------------
// Audio callback core (§4.6) — hard real-time context
// ---------------------------------------------------------------------

// FillBuffer is invoked once per audio-driver period with a buffer to fill.
// dacTimeUs is the DAC time of the first sample of dst; hostTimeUs is the
// host monotonic time at that same instant. underflow indicates the driver
// reported an input or output underrun on this period. Must not allocate
// and must complete in well under one buffer period.
func (e *Engine) FillBuffer(dst []byte, dacTimeUs, hostTimeUs int64, underflow bool) {
	frameSize := e.format.FrameSizeBytes()
	frames := len(dst) / frameSize

	if underflow {
		e.queue.RequestClear()
		zero(dst)
		e.state.Store(int32(Initializing))
		return
	}

	e.cal.Push(dacTimeUs, hostTimeUs)
	e.playbackPositionUs.Store(e.clock.ToServer(hostTimeUs))
	e.havePlaybackPos.Store(true)

	startOffsetFrames := 0
	if e.State() == WaitingForStart {
		startOffsetFrames = e.handleStartGate(dst, frames, dacTimeUs, hostTimeUs)
		if startOffsetFrames < 0 {
			// Entire buffer is silence; still WaitingForStart.
			e.applyVolume(dst)
			return
		}
	}

	remaining := dst[startOffsetFrames*frameSize:]
	e.snapshotCadence()
	e.processRealAudio(remaining)
	e.applyVolume(dst)
}

// handleStartGate implements §4.5's callback-side start logic. It returns
// the frame offset within dst at which real audio should begin, or -1 if
// the entire buffer should be silence (still WaitingForStart).
func (e *Engine) handleStartGate(dst []byte, frames int, dacTimeUs, hostTimeUs int64) int {
	frameSize := e.format.FrameSizeBytes()
	rate := int64(e.format.SampleRateHz)

	var samplesUntilTarget int64
	dacGated := e.haveScheduledStartDac.Load()
	if dacGated {
		target := e.scheduledStartDacUs.Load()
		samplesUntilTarget = ((target - dacTimeUs) * rate) / 1_000_000
	} else {
		target := e.scheduledStartMonotonicUs.Load()
		samplesUntilTarget = ((target - hostTimeUs) * rate) / 1_000_000
	}

	if samplesUntilTarget >= int64(frames) {
		zero(dst)
		return -1
	}

	if samplesUntilTarget >= 0 {
		// Target falls inside this buffer: silence up to it, then start.
		n := int(samplesUntilTarget)
		zero(dst[:n*frameSize])
		e.state.Store(int32(Playing))
		return n
	}

	// Target has already passed.
	if dacGated && !e.earlyStartSuspect.Load() {
		skip := int(-samplesUntilTarget)
		e.queue.SkipFrames(skip)
	}
	// Under pure-monotonic gating, or with the early-start-suspect flag
	// set, do not fast-forward — start immediately at offset 0, accepting
	// that the first buffer may begin slightly behind.
	e.state.Store(int32(Playing))
	return 0
}

// snapshotCadence reads the producer-programmed cadence and adopts any
// change into the callback-owned countdown state, avoiding torn updates by
// reading each atomic exactly once per buffer.
func (e *Engine) snapshotCadence() {
	insertN := e.insertEveryN.Load()
	dropN := e.dropEveryN.Load()
	if insertN != e.lastSeenInsertN {
		e.insertCountdown = int(insertN)
		e.lastSeenInsertN = insertN
	}
	if dropN != e.lastSeenDropN {
		e.dropCountdown = int(dropN)
		e.lastSeenDropN = dropN
	}
}

// processRealAudio fills dst (already positioned at the real-audio start
// offset) from the input queue, taking the fast bulk-copy path when no
// corrections are armed, or the slow insert/drop path otherwise. Pads any
// remainder with silence if the queue is exhausted.
func (e *Engine) processRealAudio(dst []byte) {
	frameSize := e.format.FrameSizeBytes()
	frames := len(dst) / frameSize

	if e.lastSeenInsertN == 0 && e.lastSeenDropN == 0 {
		copied := e.queue.ReadFramesBulk(dst, frames)
		if copied > 0 {
			copy(e.lastEmittedFrame, dst[(copied-1)*frameSize:copied*frameSize])
		}
		if copied < frames {
			zero(dst[copied*frameSize:])
		}
		return
	}

	written := 0
	for written < frames {
		framesUntilInsert := math.MaxInt32
		if e.lastSeenInsertN > 0 {
			framesUntilInsert = e.insertCountdown
		}
		framesUntilDrop := math.MaxInt32
		if e.lastSeenDropN > 0 {
			framesUntilDrop = e.dropCountdown
		}
		framesRemaining := frames - written

		nextEvent := framesRemaining
		if framesUntilInsert < nextEvent {
			nextEvent = framesUntilInsert
		}
		if framesUntilDrop < nextEvent {
			nextEvent = framesUntilDrop
		}
		if nextEvent < 0 {
			nextEvent = 0
		}

		if nextEvent > 0 {
			off := written * frameSize
			copied := e.queue.ReadFramesBulk(dst[off:off+nextEvent*frameSize], nextEvent)
			if copied > 0 {
				copy(e.lastEmittedFrame, dst[off+(copied-1)*frameSize:off+copied*frameSize])
			}
			written += copied
			if e.lastSeenInsertN > 0 {
				e.insertCountdown -= copied
			}
			if e.lastSeenDropN > 0 {
				e.dropCountdown -= copied
			}
			if copied < nextEvent {
				// Queue exhausted mid-run.
				zero(dst[off+copied*frameSize:])
				written = frames
				break
			}
		}
		if written >= frames {
			break
		}

		off := written * frameSize
		switch {
		case e.lastSeenDropN > 0 && e.dropCountdown <= 0:
			// Drop: read two input frames (the one that would have played
			// and the one we discard), emit the last-emitted frame.
			e.queue.ReadFrame(e.dropScratch)
			e.queue.ReadFrame(e.dropScratch)
			copy(dst[off:off+frameSize], e.lastEmittedFrame)
			written++
			e.dropCountdown = int(e.lastSeenDropN)
			if e.lastSeenInsertN > 0 {
				e.insertCountdown--
			}
		case e.lastSeenInsertN > 0 && e.insertCountdown <= 0:
			// Insert: do not read; repeat the last-emitted frame.
			copy(dst[off:off+frameSize], e.lastEmittedFrame)
			written++
			e.insertCountdown = int(e.lastSeenInsertN)
			if e.lastSeenDropN > 0 {
				e.dropCountdown--
			}
		default:
			// Neither counter is due; the loop above already drained
			// everything it could, so the queue must be empty.
			zero(dst[off:])
			written = frames
		}
	}
}

// applyVolume scales dst in place per the configured level/mute, reading
// both atomically. level=100 is byte-for-byte passthrough; level=0 or
// muted zeroes the buffer; intermediate levels apply a (level/100)^1.5
// amplitude curve.
func (e *Engine) applyVolume(dst []byte) {
	level, muted := e.volumeSnapshot()
	if muted || level == 0 {
		zero(dst)
		return
	}
	if level == 100 {
		return
	}
	amplitude := math.Pow(float64(level)/100.0, 1.5)
	scaleSamples16(dst, amplitude, int(e.format.BitDepth), int(e.format.Channels))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
