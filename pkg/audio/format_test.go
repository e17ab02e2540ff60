package audio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/agentvox/pkg/audio"
)

func TestParseSampleRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime   string
		want   int
		wantOK bool
	}{
		{"audio/pcm;rate=24000", 24000, true},
		{"audio/L16; rate=16000", 16000, true},
		{"audio/pcm; codec=pcm; rate=8000", 8000, true},
		{"audio/pcm;rate=abc", 0, false},
		{"audio/pcm;rate=0", 0, false},
		{"audio/pcm;rate=-1", 0, false},
		{"audio/pcm", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			got, ok := audio.ParseSampleRate(tt.mime)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseSampleRate(%q) = %d, %v; want %d, %v", tt.mime, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPCMMimeType(t *testing.T) {
	rate, ok := audio.ParseSampleRate(audio.PCMMimeType(44100))
	if !ok || rate != 44100 {
		t.Errorf("round trip through PCMMimeType = %d, %v", rate, ok)
	}
}

func TestDecodeBlob_PCMDefaultsRate(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	got, rate, err := audio.DecodeBlob(audio.Blob{Data: pcm, MimeType: "audio/pcm"})
	if err != nil {
		t.Fatal(err)
	}
	if rate != audio.DefaultBlobSampleRate {
		t.Errorf("rate = %d, want %d", rate, audio.DefaultBlobSampleRate)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("raw PCM payload must pass through unchanged")
	}
}

func TestDecodeBlob_WAVStereo(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 300, -100, -300})
	wav := audio.EncodeWAV(stereo, 22050, 2)

	got, rate, err := audio.DecodeBlob(audio.Blob{Data: wav, MimeType: "audio/wav"})
	if err != nil {
		t.Fatal(err)
	}
	if rate != 22050 {
		t.Errorf("rate = %d, want 22050", rate)
	}
	assertSamples(t, bytesToSamples(got), []int16{200, -200})
}

func TestDecodeWAV_RoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 1000, -1000, 32767, -32768})
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}

	got, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("format = %+v", f)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("payload mismatch after round trip")
	}
}

func TestDecodeWAV_TruncatedDataSize(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, 16000, 1)
	// Streaming encoders write 0xFFFFFFFF as the data size.
	copy(wav[40:44], []byte{0xFF, 0xFF, 0xFF, 0xFF})

	got, _, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("expected payload up to end of file")
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	tests := map[string][]byte{
		"empty":     nil,
		"not riff":  []byte("RIFX0000WAVEfmt "),
		"no data":   audio.EncodeWAV(nil, 16000, 1)[:36],
		"float fmt": func() []byte { w := audio.EncodeWAV([]byte{0, 0}, 16000, 1); w[20] = 3; return w }(),
	}
	for name, wav := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := audio.DecodeWAV(wav)
			if !errors.Is(err, audio.ErrInvalidWAV) {
				t.Errorf("expected ErrInvalidWAV, got %v", err)
			}
		})
	}
}

func TestIsWAV(t *testing.T) {
	for _, m := range []string{"audio/wav", "audio/x-wav", "AUDIO/WAVE", "audio/wav; codecs=1"} {
		if !audio.IsWAV(m) {
			t.Errorf("IsWAV(%q) = false", m)
		}
	}
	for _, m := range []string{"audio/pcm;rate=16000", "audio/mpeg", ""} {
		if audio.IsWAV(m) {
			t.Errorf("IsWAV(%q) = true", m)
		}
	}
}
