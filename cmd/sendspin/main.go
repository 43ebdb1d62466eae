// Command sendspin is the headless playback client: it dials a server,
// renders its synchronized audio stream to a local output device, and
// reports player state back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rudyberends/sendspin-cli/internal/config"
	"github.com/rudyberends/sendspin-cli/internal/device"
	"github.com/rudyberends/sendspin-cli/internal/engine"
	"github.com/rudyberends/sendspin-cli/internal/pcmqueue"
	"github.com/rudyberends/sendspin-cli/internal/transport"
)

// defaultFormat is what the output device opens at before any stream_start
// message has told us otherwise. Most servers announce a format immediately
// on connect, so this is rarely the format actually rendered.
var defaultFormat = pcmqueue.PcmFormat{Codec: "pcm", SampleRateHz: 44100, Channels: 2, BitDepth: 16}

func main() {
	server := pflag.String("server", "", "server address (host:port or https://host:port); defaults to the first saved server")
	deviceID := pflag.Int("device", -2, "output device id (-2 = use saved config, -1 = system default)")
	volume := pflag.Int("volume", -1, "initial volume 0-100 (-1 = use saved config)")
	delayMs := pflag.Int64("delay-ms", -1, "static playback delay override in ms (-1 = use saved config)")
	bootstrap := pflag.String("bootstrap", "", "YAML file of known servers to merge into saved config on first run")
	pflag.Parse()

	// First run: no config file saved yet, so Load returns the defaults.
	cfgPath, _ := config.Path()
	_, statErr := os.Stat(cfgPath)
	firstRun := os.IsNotExist(statErr)

	cfg := config.Load()

	if *bootstrap != "" {
		entries, err := config.LoadBootstrapServers(*bootstrap)
		if err != nil {
			slog.Warn("sendspin: failed to load bootstrap servers", "err", err)
		} else if firstRun || len(cfg.Servers) == 0 {
			cfg.Servers = entries
		}
	}

	addr := *server
	if addr == "" {
		if len(cfg.Servers) == 0 {
			fmt.Fprintln(os.Stderr, "sendspin: no server given and none saved; pass --server")
			os.Exit(1)
		}
		addr = cfg.Servers[0].Addr
	}
	normAddr, err := transport.NormalizeAddr(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendspin: %v\n", err)
		os.Exit(1)
	}

	if *deviceID != -2 {
		cfg.OutputDeviceID = *deviceID
	}
	if *volume >= 0 {
		cfg.PlayerVolume = *volume
	}
	if *delayMs >= 0 {
		cfg.StaticDelayMs = int(*delayMs)
	}
	if err := config.Save(cfg); err != nil {
		slog.Warn("sendspin: failed to persist config", "err", err)
	}

	startMono := time.Now()
	nowUs := func() int64 { return time.Since(startMono).Microseconds() }

	eng := engine.New(defaultFormat)
	eng.Clock().Update(0, 1.0, int64(cfg.StaticDelayMs))
	eng.SetVolume(cfg.PlayerVolume)
	eng.SetMuted(cfg.PlayerMuted)

	out := &outputManager{deviceID: cfg.OutputDeviceID, nowUs: nowUs, fill: eng.FillBuffer}
	if err := out.ensure(defaultFormat); err != nil {
		fmt.Fprintf(os.Stderr, "sendspin: open output device: %v\n", err)
		os.Exit(1)
	}
	defer out.Close()

	ctrl := &controller{engine: eng, out: out, nowUs: nowUs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := transport.Dial(ctx, normAddr, ctrl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendspin: connect to %s: %v\n", normAddr, err)
		os.Exit(1)
	}
	defer sess.Close()
	ctrl.setSession(sess)

	eng.SetOnPlayerState(func(state engine.PlaybackState, volume int, muted bool) {
		if err := sess.SendPlayerState(state.String(), volume, muted); err != nil {
			slog.Warn("sendspin: failed to report player state", "err", err)
		}
	})

	slog.Info("sendspin: connected", "server", normAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("sendspin: shutting down")
}

// outputManager owns the currently-open output device and reopens it
// whenever the server announces a new format, since PortAudio streams are
// fixed at the rate/channels/depth they were opened with.
type outputManager struct {
	mu       sync.Mutex
	dev      *device.Device
	deviceID int
	nowUs    func() int64
	fill     device.FillFunc
	format   pcmqueue.PcmFormat
}

func (m *outputManager) ensure(format pcmqueue.PcmFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev != nil && m.format == format {
		return nil
	}
	if m.dev != nil {
		m.dev.Close()
		m.dev = nil
	}

	dev, err := device.Open(m.deviceID, format, device.DefaultFramesPerBuffer, m.fill)
	if err != nil {
		return err
	}
	if err := dev.Start(m.nowUs); err != nil {
		dev.Close()
		return err
	}
	m.dev = dev
	m.format = format
	return nil
}

func (m *outputManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		m.dev.Close()
		m.dev = nil
	}
}

// controller adapts transport.EventSink to the engine, reopening the
// output device whenever the announced format changes.
type controller struct {
	engine *engine.Engine
	out    *outputManager
	nowUs  func() int64

	mu      sync.Mutex
	session *transport.Session
}

func (c *controller) setSession(sess *transport.Session) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

func (c *controller) OnStreamStart(sampleRateHz uint32, channels, bitDepth uint8, codec string, codecHeader []byte) {
	format := pcmqueue.PcmFormat{Codec: codec, SampleRateHz: sampleRateHz, Channels: channels, BitDepth: bitDepth}
	if format != c.engine.Format() {
		if err := c.out.ensure(format); err != nil {
			slog.Error("sendspin: reopen output device for stream_start", "err", err)
			return
		}
		c.engine.OnFormatChange(format, codecHeader)
	}
	c.engine.OnStreamStart(codec, codecHeader)
}

func (c *controller) OnStreamEnd() { c.engine.OnStreamEnd() }

func (c *controller) OnStreamClear() { c.engine.OnStreamClear() }

func (c *controller) OnFormatChange(sampleRateHz uint32, channels, bitDepth uint8, codec string, codecHeader []byte) {
	format := pcmqueue.PcmFormat{Codec: codec, SampleRateHz: sampleRateHz, Channels: channels, BitDepth: bitDepth}
	if err := c.out.ensure(format); err != nil {
		slog.Error("sendspin: reopen output device for format_change", "err", err)
		return
	}
	c.engine.OnFormatChange(format, codecHeader)
}

func (c *controller) OnClockUpdate(offsetUs int64, skew float64, staticDelayMs int64) {
	c.engine.Clock().Update(offsetUs, skew, staticDelayMs)
}

func (c *controller) OnAudioChunk(serverTsUs int64, payload []byte) {
	if err := c.engine.DecodeAndSubmit(serverTsUs, payload, c.nowUs()); err != nil {
		slog.Warn("sendspin: dropping audio chunk", "err", err)
	}
}

func (c *controller) OnDisconnected(reason string) {
	slog.Warn("sendspin: disconnected", "reason", reason)
}
