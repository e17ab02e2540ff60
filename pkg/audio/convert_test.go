package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func assertSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d (%v), want %d (%v)", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	assertSamples(t, bytesToSamples(audio.MonoToStereo(mono)), []int16{100, 100, 200, 200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	assertSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{150, -150})
}

func TestStereoToMono_Clamping(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767})
	assertSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{32767})
}

func TestResample_SameRateIsIdentity(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{1, 8000, 16000, 44100, 48000} {
		pcm := samplesToBytes([]int16{100, -200, 300, 32767, -32768})
		out, err := audio.Resample(pcm, rate, rate)
		if err != nil {
			t.Fatalf("rate %d: unexpected error: %v", rate, err)
		}
		if !bytes.Equal(out, pcm) {
			t.Fatalf("rate %d: output differs from input", rate)
		}
		if &out[0] != &pcm[0] {
			t.Errorf("rate %d: expected the input slice to be returned without copying", rate)
		}
	}
}

func TestResample_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out, err := audio.Resample(pcm, 16000, 48000)
	if err != nil {
		t.Fatal(err)
	}
	// Past the last source sample the edge tap repeats the last value.
	assertSamples(t, bytesToSamples(out), []int16{1000, 1333, 1667, 2000, 2000, 2000})
}

func TestResample_Downsample(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out, err := audio.Resample(pcm, 48000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	assertSamples(t, bytesToSamples(out), []int16{100, 400})
}

func TestResample_OutputLengthIsFloored(t *testing.T) {
	pcm := samplesToBytes([]int16{10, 20, 30})
	out, err := audio.Resample(pcm, 44100, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(out) / 2; got != 1 {
		t.Fatalf("expected floor(3*16000/44100)=1 sample, got %d", got)
	}
}

func TestResample_TrailingOddByteIsSilence(t *testing.T) {
	pcm := append(samplesToBytes([]int16{1000}), 0x05)
	out, err := audio.Resample(pcm, 1000, 2000)
	if err != nil {
		t.Fatal(err)
	}
	assertSamples(t, bytesToSamples(out), []int16{1000, 500, 0, 0})
}

func TestResample_ExtremesStayInRange(t *testing.T) {
	pcm := samplesToBytes([]int16{32767, -32768})
	out, err := audio.Resample(pcm, 8000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	assertSamples(t, bytesToSamples(out), []int16{32767, -1, -32768, -32768})
}

func TestResample_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	tests := []struct {
		name     string
		from, to int
	}{
		{"zero source", 0, 48000},
		{"zero target", 48000, 0},
		{"negative source", -1, 48000},
		{"negative target", 16000, -16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.Resample(pcm, tt.from, tt.to)
			var rerr *audio.ResamplingError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *ResamplingError, got %v", err)
			}
			if rerr.FromRate != tt.from || rerr.ToRate != tt.to {
				t.Errorf("error carries %d→%d, want %d→%d", rerr.FromRate, rerr.ToRate, tt.from, tt.to)
			}
		})
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out, err := audio.ResampleStereo16(pcm, 16000, 48000)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(bytesToSamples(out)); got != 12 {
		t.Fatalf("expected 12 samples, got %d", got)
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 16000, Channels: 1},
	}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}
	result, err := conv.Convert(frame)
	if err != nil {
		t.Fatal(err)
	}
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_StereoToMonoResample(t *testing.T) {
	// 32 kHz stereo → 16 kHz mono
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 16000, Channels: 1},
	}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 300, 500, 700, 900, 1100, 1300, 1500}),
		SampleRate: 32000,
		Channels:   2,
	}
	result, err := conv.Convert(frame)
	if err != nil {
		t.Fatal(err)
	}
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Fatalf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
	// Mono mix is 200, 600, 1000, 1400; halving the rate keeps every other sample.
	assertSamples(t, bytesToSamples(result.Data), []int16{200, 1000})
}

func TestFormatConverter_InvalidSourceRate(t *testing.T) {
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 16000, Channels: 1},
	}
	_, err := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{1}), Channels: 1})
	var rerr *audio.ResamplingError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *ResamplingError, got %v", err)
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// 5 bytes = 2 complete samples + 1 trailing byte.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF}
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	assertSamples(t, bytesToSamples(stereo), []int16{100, 100, 200, 200})
}

func TestLevel(t *testing.T) {
	if got := audio.Level(nil); got != 0 {
		t.Errorf("Level(nil) = %f, want 0", got)
	}
	if got := audio.Level(samplesToBytes([]int16{0, 0, 0})); got != 0 {
		t.Errorf("Level(silence) = %f, want 0", got)
	}
	if got := audio.Level(samplesToBytes([]int16{32767, -32768})); got < 0.99 || got > 1 {
		t.Errorf("Level(full scale) = %f, want ≈1", got)
	}
	half := audio.Level(samplesToBytes([]int16{16384, -16384}))
	if half < 0.49 || half > 0.51 {
		t.Errorf("Level(half scale) = %f, want ≈0.5", half)
	}
}

func TestDuration(t *testing.T) {
	pcm := make([]byte, 16000*2)
	if got := audio.Duration(pcm, 16000); got.Seconds() != 1 {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := audio.Duration(pcm, 0); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}
