package energy_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/agentvox/pkg/provider/vad"
	"github.com/MrWong99/agentvox/pkg/provider/vad/energy"
)

// tone returns n samples alternating between +amp and -amp.
func tone(n int, amp int16) []byte {
	b := make([]byte, n*2)
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSession_Level(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SampleRate: 16000, FrameSizeMs: 20})

	silent, err := s.ProcessFrame(make([]byte, 640))
	if err != nil {
		t.Fatal(err)
	}
	if silent != 0 {
		t.Errorf("silence level = %f, want 0", silent)
	}

	loud, err := s.ProcessFrame(tone(320, 16384))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(loud-0.5) > 0.01 {
		t.Errorf("half-scale level = %f, want ≈0.5", loud)
	}
}

func TestSession_GainClampsToOne(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SampleRate: 16000, Gain: 4})
	level, err := s.ProcessFrame(tone(100, 16384))
	if err != nil {
		t.Fatal(err)
	}
	if level != 1 {
		t.Errorf("level = %f, want 1", level)
	}
}

func TestSession_Smoothing(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SampleRate: 16000, Smoothing: 0.5})
	first, _ := s.ProcessFrame(tone(100, 16384))
	second, _ := s.ProcessFrame(make([]byte, 200))
	if math.Abs(second-first/2) > 1e-9 {
		t.Errorf("smoothed level = %f, want %f", second, first/2)
	}

	s.Reset()
	after, _ := s.ProcessFrame(make([]byte, 200))
	if after != 0 {
		t.Errorf("level after reset = %f, want 0", after)
	}
}

func TestSession_FrameSizeMismatch(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SampleRate: 16000, FrameSizeMs: 20})
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestSession_Closed(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SampleRate: 16000})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(make([]byte, 2)); !errors.Is(err, vad.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestEngine_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]vad.Config{
		"zero rate":        {},
		"negative frame":   {SampleRate: 16000, FrameSizeMs: -1},
		"negative gain":    {SampleRate: 16000, Gain: -1},
		"smoothing of one": {SampleRate: 16000, Smoothing: 1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := energy.New().NewSession(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
