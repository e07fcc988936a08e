package audio

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-notepad/internal/config"
)

// DeviceCapturer records from the default input device through miniaudio.
type DeviceCapturer struct {
	cfg    config.AudioConfig
	logger *slog.Logger

	mu     sync.Mutex
	state  captureState
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	// dataMu guards the callback path, which runs on the driver's thread.
	dataMu sync.Mutex
	framer *framer
	out    chan Frame
	closed bool
}

type captureState int

const (
	stateNew captureState = iota
	stateOpen
	stateClosed
)

func NewDeviceCapturer(cfg config.AudioConfig, logger *slog.Logger) *DeviceCapturer {
	return &DeviceCapturer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "audio-device")),
	}
}

func (c *DeviceCapturer) Open(_ context.Context) (<-chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return nil, ErrAlreadyOpen
	case stateClosed:
		return nil, ErrClosed
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, &DeviceError{Op: "init context", Err: err}
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(c.cfg.Channels)
	devCfg.SampleRate = uint32(c.cfg.SampleRate)

	out := make(chan Frame, bufferSize(c.cfg.DeviceBuffer))
	c.dataMu.Lock()
	c.out = out
	c.framer = newFramer(c.cfg.FrameSize, c.cfg.SampleRate, out)
	c.closed = false
	c.dataMu.Unlock()

	device, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		releaseContext(mctx)
		return nil, &DeviceError{Op: "open input", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		releaseContext(mctx)
		return nil, &DeviceError{Op: "start capture", Err: err}
	}

	c.mctx = mctx
	c.device = device
	c.state = stateOpen
	c.logger.Info("capture started",
		slog.Int("sample_rate", c.cfg.SampleRate),
		slog.Int("channels", c.cfg.Channels),
		slog.Int("frame_size", c.cfg.FrameSize))
	return out, nil
}

func (c *DeviceCapturer) onData(_, input []byte, frameCount uint32) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	if c.closed || c.framer == nil {
		return
	}
	c.framer.push(decodeF32(input, int(frameCount)*c.cfg.Channels))
}

func (c *DeviceCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		c.state = stateClosed
		return nil
	}
	c.state = stateClosed

	c.dataMu.Lock()
	c.closed = true
	c.dataMu.Unlock()

	c.device.Uninit()
	releaseContext(c.mctx)
	c.device = nil
	c.mctx = nil
	close(c.out)
	c.logger.Info("capture stopped")
	return nil
}

func releaseContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

func decodeF32(raw []byte, count int) []float32 {
	if limit := len(raw) / 4; count > limit {
		count = limit
	}
	samples := make([]float32, count)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples
}

func bufferSize(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
