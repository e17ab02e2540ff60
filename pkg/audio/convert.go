package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: channel down-mix first, then resample.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if frame.Channels == 2 && len(frame.Data)%4 != 0 || len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, trailing bytes read as silence",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	channels := frame.Channels

	// Down-mix before resampling so stereo input only gets resampled once.
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}

	if frame.SampleRate != c.Target.SampleRate {
		var err error
		if channels == 1 {
			pcm, err = Resample(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm, err = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
		if err != nil {
			return AudioFrame{}, err
		}
	}

	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// Resample converts mono 16-bit PCM from fromRate to toRate using linear
// interpolation.
//
// When the rates are equal the input is returned as-is. Otherwise the output
// holds floor(inputSamples*toRate/fromRate) samples. Output sample i
// interpolates between source samples floor(i*fromRate/toRate) and the next
// one; past the end of the input the last sample is repeated. A trailing odd
// byte forms a final sample that reads as silence.
//
// Returns a [*ResamplingError] if either rate is not positive.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, &ResamplingError{FromRate: fromRate, ToRate: toRate}
	}
	if fromRate == toRate {
		return pcm, nil
	}

	srcSamples := (len(pcm) + 1) / 2
	dstSamples := int(int64(srcSamples) * int64(toRate) / int64(fromRate))
	out := make([]byte, dstSamples*2)
	if dstSamples == 0 {
		return out, nil
	}

	ratio := float64(fromRate) / float64(toRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := float64(sampleAt(pcm, min(srcIdx, srcSamples-1)))
		s1 := float64(sampleAt(pcm, min(srcIdx+1, srcSamples-1)))

		v := math.Round(s0 + (s1-s0)*frac)
		putSample(out, i, clamp16(int32(v)))
	}
	return out, nil
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, &ResamplingError{FromRate: srcRate, ToRate: dstRate}
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm, nil
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := min(srcIdx+1, srcFrames-1)

		for ch := range 2 {
			s0 := float64(sampleAt(pcm, srcIdx*2+ch))
			s1 := float64(sampleAt(pcm, next*2+ch))
			putSample(out, i*2+ch, clamp16(int32(math.Round(s0+(s1-s0)*frac))))
		}
	}
	return out, nil
}

// Level returns the normalised RMS energy of a mono 16-bit PCM buffer in the
// range [0, 1]. Returns 0 for buffers shorter than one sample.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// sampleAt reads the idx-th little-endian int16 sample. A sample whose bytes
// are missing reads as 0.
func sampleAt(pcm []byte, idx int) int16 {
	off := idx * 2
	if off+1 >= len(pcm) {
		return 0
	}
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}

func putSample(out []byte, idx int, v int16) {
	out[idx*2] = byte(v)
	out[idx*2+1] = byte(v >> 8)
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
