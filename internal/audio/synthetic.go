package audio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-notepad/internal/config"
)

// SyntheticCapturer generates a tone at the capture cadence. It stands in for
// a microphone on headless hosts and in tests.
type SyntheticCapturer struct {
	cfg       config.AudioConfig
	logger    *slog.Logger
	Tone      float64       // Hz, 0 produces silence
	Amplitude float64       // peak, nominally in [0, 1]
	Interval  time.Duration // frame period; defaults to real time

	mu     sync.Mutex
	state  captureState
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyntheticCapturer(cfg config.AudioConfig, logger *slog.Logger) *SyntheticCapturer {
	return &SyntheticCapturer{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "audio-synthetic")),
		Tone:      440,
		Amplitude: 0.2,
	}
}

func (c *SyntheticCapturer) Open(ctx context.Context) (<-chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return nil, ErrAlreadyOpen
	case stateClosed:
		return nil, ErrClosed
	}

	interval := c.Interval
	if interval <= 0 {
		interval = FrameDuration(c.cfg.FrameSize, c.cfg.SampleRate)
	}
	out := make(chan Frame, bufferSize(c.cfg.DeviceBuffer))
	f := newFramer(c.cfg.FrameSize, c.cfg.SampleRate, out)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = stateOpen

	go c.run(runCtx, interval, f, out)
	return out, nil
}

func (c *SyntheticCapturer) run(ctx context.Context, interval time.Duration, f *framer, out chan Frame) {
	defer close(c.done)
	defer close(out)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * c.Tone / float64(c.cfg.SampleRate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples := make([]float32, c.cfg.FrameSize)
			for i := range samples {
				samples[i] = float32(c.Amplitude * math.Sin(phase))
				phase += step
			}
			phase = math.Mod(phase, 2*math.Pi)
			f.push(samples)
		}
	}
}

func (c *SyntheticCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		c.state = stateClosed
		return nil
	}
	c.state = stateClosed
	c.cancel()
	<-c.done
	return nil
}
