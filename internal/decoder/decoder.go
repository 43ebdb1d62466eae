// Package decoder converts compressed audio frames plus a codec-specific
// initialization header into little-endian interleaved PCM matching the
// declared output format. PCM streams pass through unchanged; FLAC-style
// compressed streams are decoded via github.com/mewkiz/flac, synthesizing a
// minimal STREAMINFO header when the server doesn't supply one — following
// the same per-frame priming approach as the reference decoder this was
// distilled from.
package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/mewkiz/flac"
)

// ErrDecoderFailed signals a fatal, non-recoverable decoder error (as
// opposed to a single bad frame, which downgrades to an empty payload).
var ErrDecoderFailed = errors.New("decoder: fatal decode failure")

// Format mirrors the fixed PCM format for the current stream session.
type Format struct {
	SampleRateHz uint32
	Channels     uint8
	BitDepth     uint8 // 16, 24, or 32
}

// Decoder converts compressed frames to PCM. The zero value decodes PCM
// streams (identity). Call Reconfigure to prime it for a FLAC stream.
type Decoder struct {
	format     Format
	codec      string // "pcm" or "flac"
	flacHeader []byte // fLaC marker + metadata blocks, cached between frames
}

// New returns a Decoder configured for PCM passthrough.
func New() *Decoder {
	return &Decoder{codec: "pcm"}
}

// Reconfigure idempotently resets the decoder for a new stream. codecHeader
// is the server-supplied FLAC header (marker + STREAMINFO and any other
// metadata blocks), or nil to have a minimal one synthesized here; either
// way the header is cached and prepended to every frame.
func (d *Decoder) Reconfigure(format Format, codec string, codecHeader []byte) {
	d.format = format
	d.codec = codec
	if codec == "flac" {
		if len(codecHeader) > 0 {
			d.flacHeader = codecHeader
		} else {
			d.flacHeader = synthesizeFlacHeader(format)
		}
	} else {
		d.flacHeader = nil
	}
}

// Decode converts one compressed frame to interleaved PCM bytes at the
// configured format. For PCM streams it returns the input unchanged. If the
// decoder cannot produce any samples for this frame it returns an empty,
// non-error payload — the caller (the input queue / scheduler) treats that
// as a zero-length chunk and does not advance the server cursor. A genuine
// fatal error is reported via ErrDecoderFailed.
func (d *Decoder) Decode(compressed []byte) ([]byte, error) {
	if d.codec != "flac" {
		return compressed, nil
	}
	if len(compressed) == 0 {
		return nil, nil
	}

	stream := make([]byte, 0, len(d.flacHeader)+len(compressed))
	stream = append(stream, d.flacHeader...)
	stream = append(stream, compressed...)

	dec, err := flac.New(bytes.NewReader(stream))
	if err != nil {
		slog.Warn("decoder: failed to parse synthetic FLAC stream", "err", err)
		return nil, nil
	}

	frm, err := dec.ParseNext()
	if err != nil {
		slog.Warn("decoder: failed to decode FLAC frame", "err", err)
		return nil, nil
	}
	if got := len(frm.Subframes); got != int(d.format.Channels) {
		slog.Error("decoder: FLAC frame channel count does not match configured format", "got", got, "want", d.format.Channels)
		return nil, ErrDecoderFailed
	}

	return d.interleave(frm), nil
}

// interleave converts a decoded FLAC frame's per-channel subframes into
// interleaved PCM bytes at the decoder's configured bit depth.
func (d *Decoder) interleave(frm *flac.Frame) []byte {
	if frm == nil || len(frm.Subframes) == 0 {
		return nil
	}
	channels := len(frm.Subframes)
	numSamples := len(frm.Subframes[0].Samples)
	srcBits := int(frm.Header.BitsPerSample)
	if srcBits == 0 {
		srcBits = int(d.format.BitDepth)
	}

	out := make([]int32, 0, numSamples*channels)
	for i := 0; i < numSamples; i++ {
		for ch := 0; ch < channels; ch++ {
			if i < len(frm.Subframes[ch].Samples) {
				out = append(out, frm.Subframes[ch].Samples[i])
			} else {
				out = append(out, 0)
			}
		}
	}

	return convertBitDepth(out, srcBits, int(d.format.BitDepth))
}

// convertBitDepth shifts left-justified source samples to the target bit
// depth and packs them little-endian, mirroring the reference decoder's
// approach: widen/narrow via arithmetic shift, never rescale.
func convertBitDepth(samples []int32, srcBits, dstBits int) []byte {
	shift := srcBits - dstBits
	switch dstBits {
	case 24:
		out := make([]byte, len(samples)*3)
		for i, s := range samples {
			v := shiftSample(s, shift)
			out[i*3] = byte(v)
			out[i*3+1] = byte(v >> 8)
			out[i*3+2] = byte(v >> 16)
		}
		return out
	case 16:
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			v := int16(shiftSample(s, shift))
			binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		}
		return out
	case 32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			v := shiftSample(s, shift)
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
		return out
	default:
		slog.Warn("decoder: unsupported target bit depth", "bits", dstBits)
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(s))
		}
		return out
	}
}

func shiftSample(s int32, shift int) int32 {
	if shift > 0 {
		return s >> uint(shift)
	}
	if shift < 0 {
		return s << uint(-shift)
	}
	return s
}

// synthesizeFlacHeader builds a minimal fLaC marker + STREAMINFO block
// sufficient to prime the decoder for one frame when the server has not
// supplied a codec header: min/max block size set to a generous fixed
// value, frame size and total-sample-count left as "unknown" (zero).
func synthesizeFlacHeader(format Format) []byte {
	const blockSize = 4096

	info := make([]byte, 34)
	binary.BigEndian.PutUint16(info[0:2], blockSize) // min block size
	binary.BigEndian.PutUint16(info[2:4], blockSize) // max block size
	// bytes 4-9: min/max frame size (24 bits each), left zero (unknown)

	channels := format.Channels
	if channels == 0 {
		channels = 2
	}
	bps := format.BitDepth
	if bps == 0 {
		bps = 16
	}

	// bytes 10-17 (64 bits): sample_rate(20) | channels-1(3) | bps-1(5) | total_samples(36)
	packed := (uint64(format.SampleRateHz) << 44) |
		(uint64(channels-1) << 41) |
		(uint64(bps-1) << 36)
	binary.BigEndian.PutUint64(info[10:18], packed)
	// bytes 18-33: MD5 signature, left zero (unknown)

	header := make([]byte, 0, 4+4+34)
	header = append(header, 'f', 'L', 'a', 'C')
	header = append(header, 0x80, 0x00, 0x00, 34) // last-metadata-block=1, type=STREAMINFO(0), 24-bit length=34
	header = append(header, info...)
	return header
}
