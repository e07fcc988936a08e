package audio

import (
	"time"

	goaudio "github.com/go-audio/audio"
)

// Frame is a fixed-length run of normalized mono samples in [-1, 1].
// Frames are consumed by the encoder and never retained.
type Frame struct {
	*goaudio.Float32Buffer
}

// NewFrame wraps samples captured at sampleRate as a mono frame.
func NewFrame(samples []float32, sampleRate int) Frame {
	return Frame{Float32Buffer: &goaudio.Float32Buffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 32,
	}}
}

// Samples returns the frame's sample slice.
func (f Frame) Samples() []float32 {
	if f.Float32Buffer == nil {
		return nil
	}
	return f.Data
}

// FrameDuration is the wall-clock span of size mono samples at sampleRate.
func FrameDuration(size, sampleRate int) time.Duration {
	if size <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(size) * time.Second / time.Duration(sampleRate)
}
