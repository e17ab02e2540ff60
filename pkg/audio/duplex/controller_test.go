package duplex_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/audio/duplex"
	"github.com/MrWong99/agentvox/pkg/audio/mock"
)

// blobMS returns a 1 kHz PCM blob lasting ms milliseconds whose samples all
// carry tag, so played buffers can be told apart.
func blobMS(ms int, tag byte) audio.Blob {
	data := make([]byte, ms*2)
	for i := range data {
		data[i] = tag
	}
	return audio.Blob{Data: data, MimeType: audio.PCMMimeType(1000)}
}

func newController(t *testing.T, eng audio.NativeEngine, opts ...duplex.Option) *duplex.Controller {
	t.Helper()
	c := duplex.New(eng, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitResult(t *testing.T, p *duplex.Playback) (time.Duration, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("playback %s did not settle", p.ID())
	}
	return d, err
}

// tags returns the first byte of every played buffer.
func tags(eng *mock.Engine) []byte {
	var out []byte
	for i := range eng.PlayCount() {
		if b := eng.PlayedAt(i); len(b) > 0 {
			out = append(out, b[0])
		}
	}
	return out
}

func TestController_PlaysInOrder(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng)

	a := c.Play(blobMS(20, 'a'))
	b := c.Play(blobMS(20, 'b'))
	cc := c.Play(blobMS(40, 'c'))

	for _, p := range []*duplex.Playback{a, b} {
		d, err := waitResult(t, p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d != 20*time.Millisecond {
			t.Errorf("duration = %v, want 20ms", d)
		}
	}
	if d, err := waitResult(t, cc); err != nil || d != 40*time.Millisecond {
		t.Errorf("c = %v, %v; want 40ms, nil", d, err)
	}
	if got := tags(eng); !slices.Equal(got, []byte("abc")) {
		t.Errorf("played order = %q, want %q", got, "abc")
	}
}

func TestController_ResamplesToEngineRate(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 2000}
	c := newController(t, eng)

	if _, err := waitResult(t, c.Play(blobMS(10, 1))); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.PlayedAt(0)); got != 40 {
		t.Errorf("played %d bytes, want 40 (10 samples upsampled 2x)", got)
	}
}

func TestController_HeldWhilePredicateTrue(t *testing.T) {
	t.Parallel()

	var speaking atomic.Bool
	speaking.Store(true)
	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng,
		duplex.WithPredicates(nil, speaking.Load),
		duplex.WithPollInterval(10*time.Millisecond),
	)

	p := c.Play(blobMS(10, 'x'))
	time.Sleep(100 * time.Millisecond)
	if eng.PlayCount() != 0 {
		t.Fatal("engine received audio while the user was speaking")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	speaking.Store(false)
	if _, err := waitResult(t, p); err != nil {
		t.Fatal(err)
	}
}

func TestController_SuppressionWakesWithoutPolling(t *testing.T) {
	t.Parallel()

	sup := duplex.NewSuppression()
	sup.SetDetecting(true)
	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng, duplex.WithSuppression(sup))

	p := c.Play(blobMS(10, 'x'))
	time.Sleep(50 * time.Millisecond)
	if eng.PlayCount() != 0 {
		t.Fatal("engine received audio while voice activity was detected")
	}

	sup.SetDetecting(false)
	if !eng.WaitForPlays(1, 50*time.Millisecond) {
		t.Fatal("playback did not resume promptly after suppression ended")
	}
	if _, err := waitResult(t, p); err != nil {
		t.Fatal(err)
	}
}

func TestController_SuppressionMidDrainKeepsOrder(t *testing.T) {
	t.Parallel()

	sup := duplex.NewSuppression()
	eng := &mock.Engine{Rate: 1000}
	var mu sync.Mutex
	var results []duplex.Result
	c := newController(t, eng,
		duplex.WithSuppression(sup),
		duplex.WithResultHook(func(r duplex.Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}),
	)

	a := c.Play(blobMS(150, 'a'))
	c.Play(blobMS(10, 'b'))
	c.Play(blobMS(10, 'c'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("first item never played")
	}

	// The user starts talking while 'a' plays; 'd' arrives during the turn.
	sup.SetSpeaking(true)
	d := c.Play(blobMS(10, 'd'))

	if _, err := waitResult(t, a); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := eng.PlayCount(); got != 1 {
		t.Fatalf("played %d items while suppressed, want only the one already playing", got)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}

	sup.SetSpeaking(false)
	if _, err := waitResult(t, d); err != nil {
		t.Fatal(err)
	}
	if got := tags(eng); !slices.Equal(got, []byte("abcd")) {
		t.Errorf("played order = %q, want %q", got, "abcd")
	}

	mu.Lock()
	defer mu.Unlock()
	deferred := 0
	for _, r := range results {
		if r.Deferred {
			deferred++
		}
	}
	if deferred != 3 {
		t.Errorf("deferred results = %d, want 3", deferred)
	}
}

func TestController_StopRejectsEverything(t *testing.T) {
	t.Parallel()

	sup := duplex.NewSuppression()
	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng, duplex.WithSuppression(sup))

	playing := c.Play(blobMS(1000, 'a'))
	queued := c.Play(blobMS(10, 'b'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("first item never played")
	}
	sup.SetSpeaking(true)
	held := c.Play(blobMS(10, 'c'))

	c.Stop()

	for name, p := range map[string]*duplex.Playback{"playing": playing, "queued": queued, "held": held} {
		if _, err := waitResult(t, p); !errors.Is(err, audio.ErrPlaybackStopped) {
			t.Errorf("%s: err = %v, want ErrPlaybackStopped", name, err)
		}
	}
	if c.Len() != 0 || c.Playing() {
		t.Errorf("Len = %d, Playing = %v after Stop", c.Len(), c.Playing())
	}

	// The controller stays usable after Stop, and the engine was stopped
	// before the next item reached it.
	sup.SetSpeaking(false)
	if _, err := waitResult(t, c.Play(blobMS(10, 'e'))); err != nil {
		t.Errorf("play after stop: %v", err)
	}
	if eng.StopCount() != 1 {
		t.Errorf("StopPlayback calls = %d, want 1", eng.StopCount())
	}
}

func TestController_StopDoesNotWaitForBusyEngine(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	eng := &mock.Engine{Rate: 1000, Gate: gate}
	c := newController(t, eng)
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	busy := c.Play(blobMS(10, 'a'))
	queued := c.Play(blobMS(10, 'b'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("first item never reached the engine")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Stop blocked while the engine was busy")
	}

	for name, p := range map[string]*duplex.Playback{"busy": busy, "queued": queued} {
		select {
		case <-p.Done():
		default:
			t.Fatalf("%s not settled when Stop returned", name)
		}
		if _, err := p.Result(); !errors.Is(err, audio.ErrPlaybackStopped) {
			t.Errorf("%s: err = %v, want ErrPlaybackStopped", name, err)
		}
	}
	if n := eng.StopCount(); n != 0 {
		t.Errorf("StopPlayback reached the engine while PlayPCM was running (%d calls)", n)
	}

	// Once the engine frees up the owed stop is delivered, ahead of the next
	// item.
	release()
	next := c.Play(blobMS(10, 'c'))
	if _, err := waitResult(t, next); err != nil {
		t.Fatalf("play after stop: %v", err)
	}
	if n := eng.StopCount(); n != 1 {
		t.Errorf("StopPlayback calls = %d, want 1", n)
	}
	if got := tags(eng); !slices.Equal(got, []byte("ac")) {
		t.Errorf("played = %q, want %q", got, "ac")
	}
}

func TestController_ClearQueueKeepsCurrent(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng)

	a := c.Play(blobMS(100, 'a'))
	b := c.Play(blobMS(10, 'b'))
	cc := c.Play(blobMS(10, 'c'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("first item never played")
	}

	c.ClearQueue()

	for _, p := range []*duplex.Playback{b, cc} {
		if _, err := waitResult(t, p); !errors.Is(err, audio.ErrQueueCleared) {
			t.Errorf("err = %v, want ErrQueueCleared", err)
		}
	}
	if d, err := waitResult(t, a); err != nil || d != 100*time.Millisecond {
		t.Errorf("current item = %v, %v; want 100ms, nil", d, err)
	}
	if eng.PlayCount() != 1 {
		t.Errorf("played %d items, want 1", eng.PlayCount())
	}
}

func TestController_EngineErrorRejectsOnlyThatItem(t *testing.T) {
	t.Parallel()

	boom := errors.New("device unplugged")
	eng := &mock.Engine{Rate: 1000, PlayError: func(call int) error {
		if call == 1 {
			return boom
		}
		return nil
	}}
	c := newController(t, eng)

	a := c.Play(blobMS(10, 'a'))
	b := c.Play(blobMS(10, 'b'))
	cc := c.Play(blobMS(10, 'c'))

	if _, err := waitResult(t, a); err != nil {
		t.Errorf("a: %v", err)
	}
	_, err := waitResult(t, b)
	var nerr *audio.NativeEngineError
	if !errors.As(err, &nerr) || !errors.Is(err, boom) {
		t.Errorf("b: err = %v, want NativeEngineError wrapping %v", err, boom)
	}
	if _, err := waitResult(t, cc); err != nil {
		t.Errorf("c: %v", err)
	}
}

func TestController_BadPayloadRejectsOnlyThatItem(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng)

	bad := c.Play(audio.Blob{Data: []byte("not a wav"), MimeType: "audio/wav"})
	zeroRate := c.Play(audio.Blob{Data: audio.EncodeWAV([]byte{1, 0}, 0, 1), MimeType: "audio/wav"})
	good := c.Play(blobMS(10, 'g'))

	if _, err := waitResult(t, bad); !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("bad: err = %v, want ErrInvalidWAV", err)
	}
	_, err := waitResult(t, zeroRate)
	var rerr *audio.ResamplingError
	if !errors.As(err, &rerr) {
		t.Errorf("zero rate: err = %v, want ResamplingError", err)
	}
	if _, err := waitResult(t, good); err != nil {
		t.Errorf("good: %v", err)
	}
}

func TestController_CompletionSignal(t *testing.T) {
	t.Parallel()

	eng := &mock.TrackingEngine{Engine: mock.Engine{Rate: 1000}}
	c := newController(t, eng, duplex.WithWatchdogGrace(5*time.Second))

	p := c.Play(blobMS(10, 'a'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("item never played")
	}
	time.Sleep(50 * time.Millisecond) // well past the 10ms estimate
	select {
	case <-p.Done():
		t.Fatal("resolved before the engine signalled completion")
	default:
	}

	if !eng.Complete(p.ID()) {
		t.Fatalf("id %q was not pending; ids = %v", p.ID(), eng.IDs())
	}
	if _, err := waitResult(t, p); err != nil {
		t.Fatal(err)
	}
}

func TestController_LateCompletionAfterStopIsIgnored(t *testing.T) {
	t.Parallel()

	eng := &mock.TrackingEngine{Engine: mock.Engine{Rate: 1000}}
	c := newController(t, eng)

	p := c.Play(blobMS(10, 'a'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("item never played")
	}
	c.Stop()
	eng.Complete(p.ID())

	if _, err := waitResult(t, p); !errors.Is(err, audio.ErrPlaybackStopped) {
		t.Errorf("err = %v, want ErrPlaybackStopped", err)
	}
}

func TestController_WatchdogRejectsStuckEngine(t *testing.T) {
	t.Parallel()

	eng := &mock.TrackingEngine{Engine: mock.Engine{Rate: 1000}}
	c := newController(t, eng, duplex.WithWatchdogGrace(20*time.Millisecond))

	stuck := c.Play(blobMS(10, 'a'))
	next := c.Play(blobMS(10, 'b'))

	_, err := waitResult(t, stuck)
	var nerr *audio.NativeEngineError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want NativeEngineError", err)
	}

	if !eng.WaitForPlays(2, time.Second) {
		t.Fatal("queue did not advance after the watchdog fired")
	}
	eng.Complete(next.ID())
	if _, err := waitResult(t, next); err != nil {
		t.Errorf("next: %v", err)
	}
}

func TestController_PauseFreezesEstimate(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng)

	p := c.Play(blobMS(100, 'a'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("item never played")
	}
	if err := c.Pause(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	select {
	case <-p.Done():
		t.Fatal("resolved while paused")
	default:
	}

	if err := c.Resume(); err != nil {
		t.Fatal(err)
	}
	if _, err := waitResult(t, p); err != nil {
		t.Fatal(err)
	}
	if eng.CallCountPause != 1 || eng.CallCountResume != 1 {
		t.Errorf("pause/resume calls = %d/%d, want 1/1", eng.CallCountPause, eng.CallCountResume)
	}
}

func TestController_PausedHoldsNewItems(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng)

	if err := c.Pause(); err != nil {
		t.Fatal(err)
	}
	p := c.Play(blobMS(10, 'a'))
	time.Sleep(50 * time.Millisecond)
	if eng.PlayCount() != 0 {
		t.Fatal("paused controller started a new item")
	}
	if err := c.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := waitResult(t, p); err != nil {
		t.Fatal(err)
	}
}

func TestController_Warmup(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{}
	c := newController(t, eng)
	if err := c.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if eng.CallCountInitialize != 1 {
		t.Errorf("Initialize calls = %d, want 1", eng.CallCountInitialize)
	}

	failing := &mock.Engine{InitializeError: errors.New("no device")}
	c2 := newController(t, failing)
	var nerr *audio.NativeEngineError
	if err := c2.Warmup(context.Background()); !errors.As(err, &nerr) || nerr.Op != "initialize" {
		t.Errorf("err = %v, want initialize NativeEngineError", err)
	}
}

func TestController_CloseRejectsOutstanding(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Rate: 1000}
	c := duplex.New(eng)

	p := c.Play(blobMS(1000, 'a'))
	if !eng.WaitForPlays(1, time.Second) {
		t.Fatal("item never played")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := waitResult(t, p); !errors.Is(err, audio.ErrPlaybackStopped) {
		t.Errorf("err = %v, want ErrPlaybackStopped", err)
	}
	if _, err := waitResult(t, c.Play(blobMS(10, 'b'))); !errors.Is(err, audio.ErrPlaybackStopped) {
		t.Errorf("play after close: err = %v, want ErrPlaybackStopped", err)
	}
}

func TestController_StateHook(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var states []duplex.State
	sup := duplex.NewSuppression()
	eng := &mock.Engine{Rate: 1000}
	c := newController(t, eng,
		duplex.WithSuppression(sup),
		duplex.WithStateHook(func(s duplex.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)

	sup.SetSpeaking(true)
	p := c.Play(blobMS(10, 'a'))
	time.Sleep(30 * time.Millisecond)
	sup.SetSpeaking(false)
	if _, err := waitResult(t, p); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []duplex.State{duplex.StateSuppressed, duplex.StatePlaying, duplex.StateIdle}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestSuppression_ChangedClosesOnUpdate(t *testing.T) {
	t.Parallel()

	s := duplex.NewSuppression()
	ch := s.Changed()

	s.SetSpeaking(false) // no change
	select {
	case <-ch:
		t.Fatal("channel closed without a change")
	default:
	}

	s.SetSpeaking(true)
	select {
	case <-ch:
	default:
		t.Fatal("channel not closed after change")
	}
	if !s.Active() || !s.Speaking() || s.Detecting() {
		t.Errorf("state = detecting:%v speaking:%v", s.Detecting(), s.Speaking())
	}
}
