package audio

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capturer produces fixed-size frames from an input source.
type Capturer interface {
	// Open starts capture. The returned channel is closed by Close.
	Open(ctx context.Context) (<-chan Frame, error)
	// Close releases the source. Safe to call repeatedly or before Open.
	Close() error
}

var (
	ErrAlreadyOpen = errors.New("capturer already opened")
	ErrClosed      = errors.New("capturer closed")
)

// DeviceError reports that the microphone is unavailable or access was denied.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

const meterName = "github.com/loqalabs/loqa-notepad/audio"

// framer slices arbitrary sample runs into fixed frames and hands them to out
// without ever blocking the producer.
type framer struct {
	size    int
	rate    int
	pending []float32
	out     chan Frame
	dropped metric.Int64Counter
}

func newFramer(size, rate int, out chan Frame) *framer {
	dropped, _ := otel.Meter(meterName).Int64Counter("notepad.audio.frames.dropped",
		metric.WithDescription("Frames dropped because the consumer was not ready"))
	return &framer{
		size:    size,
		rate:    rate,
		pending: make([]float32, 0, size),
		out:     out,
		dropped: dropped,
	}
}

func (f *framer) push(samples []float32) {
	for len(samples) > 0 {
		n := f.size - len(f.pending)
		if n > len(samples) {
			n = len(samples)
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) == f.size {
			f.emit(NewFrame(f.pending, f.rate))
			f.pending = make([]float32, 0, f.size)
		}
	}
}

func (f *framer) emit(frame Frame) {
	select {
	case f.out <- frame:
	default:
		if f.dropped != nil {
			f.dropped.Add(context.Background(), 1)
		}
	}
}
