// Package device wraps PortAudio's blocking output stream in a pull-mode
// loop that hands the engine each buffer to fill, mirroring the teacher's
// audio.go capture/playback goroutine pattern but for a single, server-
// driven output stream instead of bidirectional voice chat.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/rudyberends/sendspin-cli/internal/pcmqueue"
)

// ErrUnsupportedFormat is returned by Open when PortAudio cannot open a
// stream at the requested rate/channels/depth, or the depth isn't one the
// device layer knows how to pack (16/24/32-bit).
var ErrUnsupportedFormat = errors.New("device: unsupported output format")

// Info describes an available output device.
type Info struct {
	ID   int
	Name string
}

// ListOutputDevices returns the system's available audio output devices.
func ListOutputDevices() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var out []Info
	for i, d := range devices {
		if d.MaxOutputChannels > 0 {
			out = append(out, Info{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// FillFunc matches the engine's pull-callback signature: fill dst with
// exactly len(dst) bytes of output, given the DAC and host time estimates
// for the start of this buffer and whether the previous buffer underran.
type FillFunc func(dst []byte, dacTimeUs, hostTimeUs int64, underflow bool)

// DefaultFramesPerBuffer matches spec's ~46ms block size at 44.1kHz.
const DefaultFramesPerBuffer = 2048

// Device is an open PortAudio output stream driven by a FillFunc.
type Device struct {
	stream          *portaudio.Stream
	fill            FillFunc
	format          pcmqueue.PcmFormat
	framesPerBuffer int

	byteBuf []byte // scratch buffer the engine fills, little-endian PCM
	i16Buf  []int16
	i32Buf  []int32

	lastWriteMonotonicUs atomic.Int64
	closed               atomic.Bool
}

// Open opens a PortAudio output stream for deviceID (-1 selects the system
// default) at the given format. framesPerBuffer <= 0 uses
// DefaultFramesPerBuffer.
func Open(deviceID int, format pcmqueue.PcmFormat, framesPerBuffer int, fill FillFunc) (*Device, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	outDev, err := resolveDevice(devices, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: int(format.Channels),
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRateHz),
		FramesPerBuffer: framesPerBuffer,
	}

	d := &Device{fill: fill, format: format, framesPerBuffer: framesPerBuffer}
	d.byteBuf = make([]byte, framesPerBuffer*format.FrameSizeBytes())

	var stream *portaudio.Stream
	switch format.BitDepth {
	case 16:
		d.i16Buf = make([]int16, framesPerBuffer*int(format.Channels))
		stream, err = portaudio.OpenStream(params, d.i16Buf)
	case 24, 32:
		d.i32Buf = make([]int32, framesPerBuffer*int(format.Channels))
		stream, err = portaudio.OpenStream(params, d.i32Buf)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	d.stream = stream
	return d, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return portaudio.DefaultOutputDevice()
}

// Start starts the stream opened by Open and begins the pull loop on a background
// goroutine. nowMonotonicUs supplies the host clock reading for each
// buffer; the device has no wall-clock opinion of its own.
func (d *Device) Start(nowMonotonicUs func() int64) error {
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	go d.run(nowMonotonicUs)
	return nil
}

func (d *Device) run(nowMonotonicUs func() int64) {
	frameDurUs := int64(d.framesPerBuffer) * 1_000_000 / int64(d.format.SampleRateHz)

	for !d.closed.Load() {
		hostUs := nowMonotonicUs()

		// PortAudio's blocking Read/Write API has no per-buffer DAC
		// timestamp the way its callback API's outputBufferDacTime does;
		// the stream's reported output latency is the best estimate
		// available without switching to a host-API-specific callback
		// stream.
		dacUs := hostUs + int64(d.stream.Info().OutputLatency/time.Microsecond)

		last := d.lastWriteMonotonicUs.Swap(hostUs)
		underflow := last != 0 && hostUs-last > frameDurUs*2

		d.fill(d.byteBuf, dacUs, hostUs, underflow)
		encodeInto(d.format, d.byteBuf, d.i16Buf, d.i32Buf)

		if err := d.stream.Write(); err != nil {
			if !d.closed.Load() {
				slog.Warn("device: write failed", "err", err)
			}
			return
		}
	}
}

// Close stops and releases the stream. Safe to call more than once.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.stream.Stop(); err != nil {
		return err
	}
	return d.stream.Close()
}

// encodeInto packs little-endian PCM bytes from src into the typed
// PortAudio buffer matching format's bit depth. Exactly one of dstI16/
// dstI32 is used, selected by format.BitDepth.
func encodeInto(format pcmqueue.PcmFormat, src []byte, dstI16 []int16, dstI32 []int32) {
	switch format.BitDepth {
	case 16:
		for i := range dstI16 {
			dstI16[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
		}
	case 24:
		for i := range dstI32 {
			off := i * 3
			v := int32(src[off]) | int32(src[off+1])<<8 | int32(src[off+2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF // sign-extend
			}
			dstI32[i] = v
		}
	case 32:
		for i := range dstI32 {
			off := i * 4
			dstI32[i] = int32(binary.LittleEndian.Uint32(src[off : off+4]))
		}
	}
}
