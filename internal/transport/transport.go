// Package transport carries the control-message and audio-chunk traffic
// between the server and the playback engine over a WebTransport session.
// It owns the wire framing only; reconnection, discovery and handshake
// negotiation are the caller's concern.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// ControlMessage is the JSON envelope for every inbound/outbound message on
// the control stream. Type discriminates which optional fields are set.
type ControlMessage struct {
	Type string `json:"type"`

	// stream_start / format_change
	SampleRateHz uint32 `json:"sample_rate_hz,omitempty"`
	Channels     uint8  `json:"channels,omitempty"`
	BitDepth     uint8  `json:"bit_depth,omitempty"`
	Codec        string `json:"codec,omitempty"`
	CodecHeader  []byte `json:"codec_header,omitempty"`

	// clock_update
	OffsetUs      int64   `json:"offset_us,omitempty"`
	Skew          float64 `json:"skew,omitempty"`
	StaticDelayMs int64   `json:"static_delay_ms,omitempty"`

	// outbound player_state
	State  string `json:"state,omitempty"`
	Volume int    `json:"volume,omitempty"`
	Muted  bool   `json:"muted,omitempty"`
}

// audioChunkHeader is the fixed-size prefix on every datagram carrying PCM
// or compressed audio: an 8-byte server timestamp (microseconds) followed
// by the payload. A separate unidirectional stream is not used because
// audio chunks are tolerant of loss the way control messages are not.
const audioChunkHeaderBytes = 8

// EventSink receives decoded inbound events. Implemented by the engine/
// control layer; Session does not interpret message contents beyond
// dispatching on Type.
type EventSink interface {
	OnStreamStart(sampleRateHz uint32, channels, bitDepth uint8, codec string, codecHeader []byte)
	OnStreamEnd()
	OnStreamClear()
	OnFormatChange(sampleRateHz uint32, channels, bitDepth uint8, codec string, codecHeader []byte)
	OnClockUpdate(offsetUs int64, skew float64, staticDelayMs int64)
	OnAudioChunk(serverTsUs int64, payload []byte)
	OnDisconnected(reason string)
}

// Session is an open connection to a playback server.
type Session struct {
	session *webtransport.Session

	ctrlMu sync.Mutex
	ctrl   *webtransport.Stream

	cancel context.CancelFunc

	sink EventSink
}

// dialTimeout bounds the WebTransport handshake; once connected the
// session-scoped context governs the connection's lifetime.
const dialTimeout = 10 * time.Second

// Dial opens a WebTransport session to addr (host:port) and starts the
// control-stream reader. sink receives inbound events until the session is
// closed or the context is cancelled.
func Dial(ctx context.Context, addr string, sink EventSink) (*Session, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	sessCtx, cancel := context.WithCancel(ctx)

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — self-signed server cert
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}

	_, wtSess, err := d.Dial(dialCtx, "https://"+addr, http.Header{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := wtSess.OpenStream()
	if err != nil {
		cancel()
		wtSess.CloseWithError(0, "failed to open control stream")
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	s := &Session{
		session: wtSess,
		ctrl:    stream,
		cancel:  cancel,
		sink:    sink,
	}

	go s.readControl(sessCtx, stream)
	go s.readAudio(sessCtx)

	return s, nil
}

// Close tears down the session.
func (s *Session) Close() {
	s.ctrlMu.Lock()
	if s.ctrl != nil {
		s.ctrl.Close() //nolint:errcheck // best-effort close for fast server-side teardown
		s.ctrl = nil
	}
	s.ctrlMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.session != nil {
		s.session.CloseWithError(0, "disconnect")
	}
}

// SendPlayerState reports the current playback state, volume and mute flag
// back to the server.
func (s *Session) SendPlayerState(state string, volume int, muted bool) error {
	return s.writeCtrl(ControlMessage{Type: "player_state", State: state, Volume: volume, Muted: muted})
}

func (s *Session) writeCtrl(msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	data = append(data, '\n')

	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrl == nil {
		return fmt.Errorf("transport: control stream not connected")
	}
	_, err = s.ctrl.Write(data)
	return err
}

func (s *Session) readControl(ctx context.Context, stream *webtransport.Stream) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg ControlMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("transport: malformed control message", "err", err)
			continue
		}
		s.dispatch(msg)
	}

	s.sink.OnDisconnected("control stream closed")
}

func (s *Session) dispatch(msg ControlMessage) {
	switch msg.Type {
	case "stream_start":
		s.sink.OnStreamStart(msg.SampleRateHz, msg.Channels, msg.BitDepth, msg.Codec, msg.CodecHeader)
	case "stream_end":
		s.sink.OnStreamEnd()
	case "stream_clear":
		s.sink.OnStreamClear()
	case "format_change":
		s.sink.OnFormatChange(msg.SampleRateHz, msg.Channels, msg.BitDepth, msg.Codec, msg.CodecHeader)
	case "clock_update":
		s.sink.OnClockUpdate(msg.OffsetUs, msg.Skew, msg.StaticDelayMs)
	default:
		slog.Debug("transport: ignoring unknown control message type", "type", msg.Type)
	}
}

// readAudio pumps inbound audio-chunk datagrams to the sink. Audio chunks
// ride unreliable datagrams, not the control stream, so a lost chunk never
// blocks delivery of subsequent ones.
func (s *Session) readAudio(ctx context.Context) {
	for {
		data, err := s.session.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		serverTsUs, payload, ok := parseAudioChunk(data)
		if !ok {
			slog.Warn("transport: malformed audio chunk datagram", "len", len(data))
			continue
		}
		s.sink.OnAudioChunk(serverTsUs, payload)
	}
}

func parseAudioChunk(data []byte) (serverTsUs int64, payload []byte, ok bool) {
	if len(data) < audioChunkHeaderBytes {
		return 0, nil, false
	}
	serverTsUs = int64(binary.BigEndian.Uint64(data[:audioChunkHeaderBytes]))
	return serverTsUs, data[audioChunkHeaderBytes:], true
}

// MarshalAudioChunk frames a chunk for the wire: an 8-byte big-endian server
// timestamp followed by the raw (PCM or compressed) payload. Exported so
// tests and, eventually, a reference server fixture can construct frames
// identical to what Session parses.
func MarshalAudioChunk(serverTsUs int64, payload []byte) []byte {
	out := make([]byte, audioChunkHeaderBytes+len(payload))
	binary.BigEndian.PutUint64(out[:audioChunkHeaderBytes], uint64(serverTsUs))
	copy(out[audioChunkHeaderBytes:], payload)
	return out
}
