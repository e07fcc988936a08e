package audio

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one encoded PCM sample.
const BytesPerSample = 2

// Encode converts a frame into 16-bit signed little-endian PCM.
func Encode(frame Frame) []byte {
	samples := frame.Samples()
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(Sample16(s)))
	}
	return out
}

// Sample16 clips s to [-1, 1] and scales it to [-32767, 32767]. NaN maps to 0.
func Sample16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}
