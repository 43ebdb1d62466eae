package decoder

import (
	"encoding/binary"
	"testing"
)

func TestPcmPassthroughIsIdentity(t *testing.T) {
	d := New()
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	out, err := d.Decode(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("PCM decode should be identity, got %v want %v", out, in)
	}
}

func TestEmptyFlacFrameYieldsEmptyPayload(t *testing.T) {
	d := New()
	d.Reconfigure(Format{SampleRateHz: 44100, Channels: 2, BitDepth: 16}, "flac", nil)
	out, err := d.Decode(nil)
	if err != nil {
		t.Fatalf("unexpected error on empty frame: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty payload for empty input, got %d bytes", len(out))
	}
}

func TestSynthesizeFlacHeaderShape(t *testing.T) {
	h := synthesizeFlacHeader(Format{SampleRateHz: 44100, Channels: 2, BitDepth: 16})
	if len(h) != 4+4+34 {
		t.Fatalf("expected 42-byte header, got %d", len(h))
	}
	if string(h[0:4]) != "fLaC" {
		t.Errorf("expected fLaC marker, got %q", h[0:4])
	}
	if h[4] != 0x80 {
		t.Errorf("expected last-metadata-block flag set with type STREAMINFO, got %#x", h[4])
	}
	length := uint32(h[5])<<16 | uint32(h[6])<<8 | uint32(h[7])
	if length != 34 {
		t.Errorf("expected 24-bit length of 34, got %d", length)
	}

	info := h[8:]
	minBlock := binary.BigEndian.Uint16(info[0:2])
	maxBlock := binary.BigEndian.Uint16(info[2:4])
	if minBlock != 4096 || maxBlock != 4096 {
		t.Errorf("expected block size 4096, got min=%d max=%d", minBlock, maxBlock)
	}

	packed := binary.BigEndian.Uint64(info[10:18])
	sampleRate := uint32(packed >> 44)
	channels := uint8((packed>>41)&0x7) + 1
	bps := uint8((packed>>36)&0x1F) + 1
	if sampleRate != 44100 {
		t.Errorf("sample rate = %d, want 44100", sampleRate)
	}
	if channels != 2 {
		t.Errorf("channels = %d, want 2", channels)
	}
	if bps != 16 {
		t.Errorf("bps = %d, want 16", bps)
	}
}

func TestConvertBitDepth32To16ShiftsRight(t *testing.T) {
	samples := []int32{1 << 20, -(1 << 20)}
	out := convertBitDepth(samples, 32, 16)
	if len(out) != 4 {
		t.Fatalf("expected 4 bytes for 2 16-bit samples, got %d", len(out))
	}
	got0 := int16(binary.LittleEndian.Uint16(out[0:2]))
	want0 := int16(int32(1<<20) >> 16)
	if got0 != want0 {
		t.Errorf("sample 0 = %d, want %d", got0, want0)
	}
}

func TestConvertBitDepth16To24PacksLittleEndian(t *testing.T) {
	samples := []int32{0x1234}
	out := convertBitDepth(samples, 16, 24)
	if len(out) != 3 {
		t.Fatalf("expected 3 bytes, got %d", len(out))
	}
	shifted := int32(0x1234) << 8
	if out[0] != byte(shifted) || out[1] != byte(shifted>>8) || out[2] != byte(shifted>>16) {
		t.Errorf("unexpected 24-bit packing: %v", out)
	}
}

func TestConvertBitDepthNoOpWhenSameWidth(t *testing.T) {
	samples := []int32{0x7FFF, -1}
	out := convertBitDepth(samples, 16, 16)
	if len(out) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(out))
	}
	got := int16(binary.LittleEndian.Uint16(out[0:2]))
	if got != 0x7FFF {
		t.Errorf("sample 0 = %d, want 32767", got)
	}
}
