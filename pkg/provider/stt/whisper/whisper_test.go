package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
	"github.com/MrWong99/agentvox/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// inferenceServer answers POST /inference with text and records every WAV
// upload it receives.
type inferenceServer struct {
	*httptest.Server
	calls atomic.Int32

	mu      sync.Mutex
	uploads [][]byte
	langs   []string
}

func newInferenceServer(t *testing.T, text string) *inferenceServer {
	t.Helper()
	s := &inferenceServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.calls.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			if f, _, err := r.FormFile("file"); err == nil {
				data, _ := io.ReadAll(f)
				s.mu.Lock()
				s.uploads = append(s.uploads, data)
				s.langs = append(s.langs, r.FormValue("language"))
				s.mu.Unlock()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(s.Close)
	return s
}

// speech returns samples of a 440 Hz sine at 16 kHz.
func speech(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func mustStartStream(t *testing.T, p stt.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitFinal(t *testing.T, h stt.SessionHandle) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-h.Finals():
		if !ok {
			t.Fatal("Finals closed before a transcript arrived")
		}
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
	return stt.Transcript{}
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestStartStream_CancelledContext_ReturnsError(t *testing.T) {
	p, err := whisper.New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.StartStream(ctx, stt.StreamConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSetKeywords_NotSupported(t *testing.T) {
	srv := newInferenceServer(t, "")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	err := h.SetKeywords([]stt.KeywordBoost{{Keyword: "Grimjaw", Boost: 5}})
	if !errors.Is(err, stt.ErrNotSupported) {
		t.Fatalf("SetKeywords error = %v, want ErrNotSupported", err)
	}
}

// ---- segment buffering ------------------------------------------------------

func TestNonFinalSegmentsDoNotTriggerInference(t *testing.T) {
	srv := newInferenceServer(t, "unexpected")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	for range 5 {
		if err := h.SendSegment(audio.AudioSegment{Data: speech(1600)}); err != nil {
			t.Fatalf("SendSegment: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	if n := srv.calls.Load(); n != 0 {
		t.Errorf("inference called %d time(s) before the last segment, want 0", n)
	}
}

func TestLastSegmentTriggersSingleInference(t *testing.T) {
	const wantText = "open the pod bay doors"
	srv := newInferenceServer(t, wantText)
	p, _ := whisper.New(srv.URL, whisper.WithLanguage("de"))
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600)})
	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600)})
	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600), IsLast: true})

	tr := waitFinal(t, h)
	if tr.Text != wantText || !tr.IsFinal {
		t.Errorf("final = %+v, want %q with IsFinal", tr, wantText)
	}
	if tr.Duration != 300*time.Millisecond {
		t.Errorf("Duration = %v, want 300ms", tr.Duration)
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("inference calls = %d, want 1", n)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	pcm, format, err := audio.DecodeWAV(srv.uploads[0])
	if err != nil {
		t.Fatalf("DecodeWAV upload: %v", err)
	}
	if format.SampleRate != 16000 || len(pcm) != 3*1600*2 {
		t.Errorf("upload = %d bytes at %d Hz, want %d bytes at 16000 Hz", len(pcm), format.SampleRate, 3*1600*2)
	}
	if srv.langs[0] != "de" {
		t.Errorf("language = %q, want de", srv.langs[0])
	}
}

func TestConsecutiveUtterancesAdvanceTimestamp(t *testing.T) {
	srv := newInferenceServer(t, "hello")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	_ = h.SendSegment(audio.AudioSegment{Data: speech(3200), IsLast: true})
	first := waitFinal(t, h)
	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600), IsLast: true})
	second := waitFinal(t, h)

	if first.Timestamp != 0 {
		t.Errorf("first Timestamp = %v, want 0", first.Timestamp)
	}
	if second.Timestamp != 200*time.Millisecond {
		t.Errorf("second Timestamp = %v, want 200ms", second.Timestamp)
	}
}

func TestEmptyLastSegmentWithNoAudioSkipsInference(t *testing.T) {
	srv := newInferenceServer(t, "ghost")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	_ = h.SendSegment(audio.AudioSegment{IsLast: true})
	time.Sleep(100 * time.Millisecond)

	if n := srv.calls.Load(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
}

func TestPartialsWhenEnabled(t *testing.T) {
	srv := newInferenceServer(t, "fire bolt")
	p, _ := whisper.New(srv.URL, whisper.WithPartials(true))
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600)})

	select {
	case tr := <-h.Partials():
		if tr.Text != "fire bolt" || tr.IsFinal {
			t.Errorf("partial = %+v", tr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for partial")
	}
}

func TestMaxBufferExceededForcesFinal(t *testing.T) {
	srv := newInferenceServer(t, "arcane surge")
	p, _ := whisper.New(srv.URL, whisper.WithMaxBufferDurationMs(200))
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	// 210 ms of continuous speech without a last segment.
	_ = h.SendSegment(audio.AudioSegment{Data: speech(3360)})

	if tr := waitFinal(t, h); tr.Text != "arcane surge" {
		t.Errorf("Text = %q, want arcane surge", tr.Text)
	}
}

// ---- session close ----------------------------------------------------------

func TestClose_ClosesChannels(t *testing.T) {
	srv := newInferenceServer(t, "")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})
	h.Close()

	for name, ch := range map[string]<-chan stt.Transcript{"Partials": h.Partials(), "Finals": h.Finals()} {
		select {
		case _, open := <-ch:
			if open {
				t.Errorf("%s channel should be closed after Close()", name)
			}
		case <-time.After(time.Second):
			t.Errorf("%s channel not closed", name)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := newInferenceServer(t, "")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSendSegment_AfterClose_ReturnsErrSessionClosed(t *testing.T) {
	srv := newInferenceServer(t, "")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})
	h.Close()

	err := h.SendSegment(audio.AudioSegment{Data: speech(160)})
	if !errors.Is(err, stt.ErrSessionClosed) {
		t.Fatalf("SendSegment after Close = %v, want ErrSessionClosed", err)
	}
}

func TestClose_FlushesPendingAudio(t *testing.T) {
	const wantText = "sword of destiny"
	srv := newInferenceServer(t, wantText)
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600)})
	h.Close()

	var got []string
	for tr := range h.Finals() {
		got = append(got, tr.Text)
	}
	if len(got) != 1 || got[0] != wantText {
		t.Errorf("finals after Close = %v, want [%q]", got, wantText)
	}
}

// ---- error handling ---------------------------------------------------------

func TestInference_ServerError_EmitsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	_ = h.SendSegment(audio.AudioSegment{Data: speech(1600), IsLast: true})
	h.Close()

	for tr := range h.Finals() {
		t.Errorf("unexpected final %q on server error", tr.Text)
	}
}

func TestConcurrentSendSegment_DoesNotRace(t *testing.T) {
	srv := newInferenceServer(t, "hello")
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000})

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 10 {
				_ = h.SendSegment(audio.AudioSegment{Data: speech(160)})
			}
		})
	}
	wg.Wait()
}
