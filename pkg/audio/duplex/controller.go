// Package duplex implements half-duplex playback: synthesised speech is
// queued and handed to an [audio.NativeEngine] one item at a time, and only
// while the user is not talking.
//
// The [Controller] keeps two FIFO queues. Requests made while the user is
// detected or speaking go to the suppressed queue; everything else goes to
// the active queue. A single drain goroutine plays the head of the active
// queue and waits for it to finish before advancing. When suppression ends,
// the whole suppressed queue moves in order to the front of the active queue,
// so the response to the earlier turn plays first.
package duplex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/agentvox/pkg/audio"
)

const (
	// DefaultPollInterval is how often suppression predicates registered with
	// [WithPredicates] are re-evaluated while items are held back.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultWatchdogGrace is added to twice the estimated duration to bound
	// the wait for a completion signal from an [audio.CompletionNotifier].
	DefaultWatchdogGrace = time.Second
)

// errCompletionTimeout rejects an item whose engine never signalled
// completion.
var errCompletionTimeout = errors.New("completion signal timed out")

// State is the externally visible activity of a [Controller].
type State int

const (
	// StateIdle means nothing is playing and nothing is held back.
	StateIdle State = iota

	// StatePlaying means an item is being played.
	StatePlaying

	// StateSuppressed means items are queued but held back because the user
	// is talking.
	StateSuppressed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Option configures a [Controller] during construction.
type Option func(*Controller)

// WithSuppression makes playback wait while s is active. The drain loop is
// woken directly by changes to s.
func WithSuppression(s *Suppression) Option {
	return func(c *Controller) {
		c.sup = s
	}
}

// WithPredicates adds arbitrary suppression predicates. Either may be nil.
// They are evaluated on every queue decision and polled every
// [DefaultPollInterval] (see [WithPollInterval]) while items are held back.
// Predicates must be cheap and must not call into the Controller.
func WithPredicates(isDetecting, isSpeaking func() bool) Option {
	return func(c *Controller) {
		c.isDetecting = isDetecting
		c.isSpeaking = isSpeaking
	}
}

// WithPollInterval overrides [DefaultPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithWatchdogGrace overrides [DefaultWatchdogGrace].
func WithWatchdogGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.watchdog = d
		}
	}
}

// WithStateHook registers fn to be called from the drain goroutine whenever
// the [State] changes. fn must not block.
func WithStateHook(fn func(State)) Option {
	return func(c *Controller) {
		c.onState = fn
	}
}

// WithResultHook registers fn to be called once per settled request, from
// whichever goroutine settled it. fn must not block.
func WithResultHook(fn func(Result)) Option {
	return func(c *Controller) {
		c.onResult = fn
	}
}

// Controller is the duplex playback controller. Create it with [New] and
// release it with [Controller.Close].
//
// All exported methods are safe for concurrent use.
type Controller struct {
	engine   audio.NativeEngine
	notifier audio.CompletionNotifier // nil when engine cannot signal completion

	sup         *Suppression
	isDetecting func() bool
	isSpeaking  func() bool
	poll        time.Duration
	watchdog    time.Duration
	onState     func(State)
	onResult    func(Result)

	// engineMu serialises calls into the engine.
	engineMu    sync.Mutex
	initialized bool
	stops       sync.WaitGroup

	mu            sync.Mutex
	active        []*request
	suppressed    []*request
	playing       *request
	cancelPlaying chan struct{} // closed to abandon the current item
	gen           uint64        // bumped by Stop; stale completions compare against it
	stopPending   bool          // StopPlayback owed to the engine
	paused        bool
	closed        bool

	notify      chan struct{} // new work, resume, or unsuppress
	pauseNotify chan struct{} // pause state changed
	done        chan struct{} // closed by Close
	exited      chan struct{} // closed when the drain goroutine returns
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a Controller that plays through engine and starts its drain
// goroutine.
func New(engine audio.NativeEngine, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:      engine,
		poll:        DefaultPollInterval,
		watchdog:    DefaultWatchdogGrace,
		notify:      make(chan struct{}, 1),
		pauseNotify: make(chan struct{}, 1),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if n, ok := engine.(audio.CompletionNotifier); ok {
		c.notifier = n
	}
	for _, o := range opts {
		o(c)
	}
	go c.drain()
	return c
}

// Play enqueues blob and returns its completion handle. If the user is
// talking the request is held in the suppressed queue until they stop.
func (c *Controller) Play(blob audio.Blob) *Playback {
	p := newPlayback(uuid.NewString())
	req := &request{blob: blob, p: p}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.settle(req, 0, audio.ErrPlaybackStopped)
		return p
	}
	if c.suppressedLocked() {
		req.deferred = true
		c.suppressed = append(c.suppressed, req)
		slog.Debug("duplex: playback deferred while user is talking", "id", p.id, "held", len(c.suppressed))
	} else {
		c.active = append(c.active, req)
	}
	c.mu.Unlock()

	c.wake()
	return p
}

// Stop halts playback immediately. The playing request and every queued
// request are rejected with [audio.ErrPlaybackStopped] before Stop returns.
// Stop does not wait for the engine: StopPlayback is issued as soon as the
// engine is free, and always before the next item reaches it. A completion
// signal arriving afterwards is ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	c.stopPending = true
	rejected := c.takeQueuedLocked()
	if c.playing != nil {
		rejected = append([]*request{c.playing}, rejected...)
		c.playing = nil
	}
	if c.cancelPlaying != nil {
		close(c.cancelPlaying)
		c.cancelPlaying = nil
	}
	c.mu.Unlock()

	for _, req := range rejected {
		c.settle(req, 0, audio.ErrPlaybackStopped)
	}

	c.stops.Add(1)
	go func() {
		defer c.stops.Done()
		c.engineMu.Lock()
		defer c.engineMu.Unlock()
		c.stopEngineLocked()
	}()
}

// stopEngineLocked delivers an owed StopPlayback. Must be called with
// c.engineMu held.
func (c *Controller) stopEngineLocked() {
	c.mu.Lock()
	owed := c.stopPending
	c.stopPending = false
	c.mu.Unlock()
	if !owed {
		return
	}
	if err := c.engine.StopPlayback(); err != nil {
		slog.Warn("duplex: engine stop failed", "err", err)
	}
}

// ClearQueue rejects every queued request with [audio.ErrQueueCleared]. The
// item currently playing is not affected.
func (c *Controller) ClearQueue() {
	c.mu.Lock()
	rejected := c.takeQueuedLocked()
	c.mu.Unlock()

	for _, req := range rejected {
		c.settle(req, 0, audio.ErrQueueCleared)
	}
}

// Warmup initialises the engine and lifts a pause left over from earlier
// use, so the first response plays without delay.
func (c *Controller) Warmup(ctx context.Context) error {
	c.engineMu.Lock()
	c.stopEngineLocked()
	err := c.engine.Initialize(ctx)
	if err == nil {
		c.initialized = true
	}
	c.engineMu.Unlock()
	if err != nil {
		return &audio.NativeEngineError{Op: "initialize", Err: err}
	}

	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return c.Resume()
	}
	return nil
}

// Pause suspends output. The completion estimate of the playing item is
// frozen and no further items start until [Controller.Resume].
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = true
	c.mu.Unlock()
	signal(c.pauseNotify)

	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	if err := c.engine.PausePlayback(); err != nil {
		return &audio.NativeEngineError{Op: "pause", Err: err}
	}
	return nil
}

// Resume continues output after [Controller.Pause].
func (c *Controller) Resume() error {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = false
	c.mu.Unlock()

	c.engineMu.Lock()
	err := c.engine.ResumePlayback()
	c.engineMu.Unlock()

	signal(c.pauseNotify)
	c.wake()
	if err != nil {
		return &audio.NativeEngineError{Op: "resume", Err: err}
	}
	return nil
}

// Len returns the number of queued requests, excluding the one playing.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) + len(c.suppressed)
}

// Playing reports whether an item is being played.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing != nil
}

// Close stops playback, rejects everything outstanding and waits for the
// drain goroutine to exit. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	c.cancel()
	close(c.done)
	<-c.exited
	c.stops.Wait()
	return nil
}

// suppressedLocked evaluates every suppression source. Must be called with
// c.mu held.
func (c *Controller) suppressedLocked() bool {
	if c.sup != nil && c.sup.Active() {
		return true
	}
	if c.isDetecting != nil && c.isDetecting() {
		return true
	}
	return c.isSpeaking != nil && c.isSpeaking()
}

// takeQueuedLocked empties both queues and returns their items in order.
// Must be called with c.mu held.
func (c *Controller) takeQueuedLocked() []*request {
	out := make([]*request, 0, len(c.active)+len(c.suppressed))
	out = append(out, c.active...)
	out = append(out, c.suppressed...)
	c.active = nil
	c.suppressed = nil
	return out
}

func (c *Controller) wake() { signal(c.notify) }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Controller) settle(req *request, d time.Duration, err error) {
	if !req.p.settle(d, err) {
		return
	}
	if c.onResult != nil {
		c.onResult(Result{ID: req.p.id, Duration: d, Err: err, Deferred: req.deferred})
	}
}

// next rebalances the queues and pops the next playable item. When nothing
// can play it returns a nil request; held reports that items are waiting for
// suppression to end and changed is the suppression change channel to wait
// on.
func (c *Controller) next() (req *request, cancel chan struct{}, gen uint64, held bool, changed <-chan struct{}) {
	// Fetch the change channel before evaluating so no update is missed.
	if c.sup != nil {
		changed = c.sup.Changed()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suppressedLocked() {
		if len(c.active) > 0 {
			for _, r := range c.active {
				r.deferred = true
			}
			c.suppressed = append(c.active, c.suppressed...)
			c.active = nil
			slog.Debug("duplex: user started talking, holding queued playback", "held", len(c.suppressed))
		}
		return nil, nil, 0, len(c.suppressed) > 0, changed
	}

	if len(c.suppressed) > 0 {
		c.active = append(c.suppressed, c.active...)
		c.suppressed = nil
	}
	if c.paused || len(c.active) == 0 {
		return nil, nil, 0, false, changed
	}

	req = c.active[0]
	c.active[0] = nil
	c.active = c.active[1:]
	cancel = make(chan struct{})
	c.playing = req
	c.cancelPlaying = cancel
	return req, cancel, c.gen, false, changed
}

// drain is the background goroutine that plays queued items one at a time.
// It runs until [Controller.Close] is called.
func (c *Controller) drain() {
	defer close(c.exited)

	pollTimer := time.NewTimer(c.poll)
	pollTimer.Stop()
	defer pollTimer.Stop()

	state := StateIdle
	setState := func(s State) {
		if s == state {
			return
		}
		state = s
		if c.onState != nil {
			c.onState(s)
		}
	}

	for {
		req, cancel, gen, held, changed := c.next()
		if req != nil {
			setState(StatePlaying)
			c.play(req, cancel, gen)
			continue
		}

		var tick <-chan time.Time
		if held {
			setState(StateSuppressed)
			if c.isDetecting != nil || c.isSpeaking != nil {
				pollTimer.Reset(c.poll)
				tick = pollTimer.C
			}
		} else {
			setState(StateIdle)
			changed = nil
		}

		select {
		case <-c.done:
			return
		case <-c.notify:
		case <-changed:
		case <-tick:
		}
		pollTimer.Stop()
	}
}

// play hands one item to the engine and waits for it to finish.
func (c *Controller) play(req *request, cancel chan struct{}, gen uint64) {
	pcm, rate, err := audio.DecodeBlob(req.blob)
	if err != nil {
		c.finish(req, gen, 0, err)
		return
	}

	c.engineMu.Lock()
	c.stopEngineLocked()
	if !c.initialized {
		if err := c.engine.Initialize(c.ctx); err != nil {
			c.engineMu.Unlock()
			c.finish(req, gen, 0, &audio.NativeEngineError{Op: "initialize", Err: err})
			return
		}
		c.initialized = true
	}
	target := c.engine.SampleRate()
	pcm, err = audio.Resample(pcm, rate, target)
	if err != nil {
		c.engineMu.Unlock()
		c.finish(req, gen, 0, err)
		return
	}
	dur := audio.Duration(pcm, target)

	if !c.current(gen) {
		// Stopped between dequeue and now; Stop already rejected it.
		c.engineMu.Unlock()
		return
	}
	var completed <-chan struct{}
	if c.notifier != nil {
		completed, err = c.notifier.PlayTracked(req.p.id, pcm)
	} else {
		err = c.engine.PlayPCM(pcm)
	}
	c.engineMu.Unlock()
	if err != nil {
		slog.Warn("duplex: engine rejected playback", "id", req.p.id, "err", err)
		c.finish(req, gen, 0, &audio.NativeEngineError{Op: "play", Err: err})
		return
	}

	wait := dur
	if completed != nil {
		wait = 2*dur + c.watchdog
	}
	switch c.await(wait, completed, cancel) {
	case outcomeDone:
		c.finish(req, gen, dur, nil)
	case outcomeTimeout:
		if completed == nil {
			c.finish(req, gen, dur, nil)
			return
		}
		slog.Warn("duplex: engine never signalled completion", "id", req.p.id, "estimate", dur)
		c.engineMu.Lock()
		_ = c.engine.StopPlayback()
		c.engineMu.Unlock()
		c.finish(req, gen, 0, &audio.NativeEngineError{Op: "play", Err: errCompletionTimeout})
	case outcomeAbandoned:
	}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeTimeout
	outcomeAbandoned
)

// await waits for completed, for d of unpaused time, or for cancellation.
func (c *Controller) await(d time.Duration, completed <-chan struct{}, cancel chan struct{}) outcome {
	remaining := d
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	started := time.Now()
	running := true

	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		timer.Stop()
		running = false
	}

	for {
		select {
		case <-c.done:
			return outcomeAbandoned
		case <-cancel:
			return outcomeAbandoned
		case <-completed:
			return outcomeDone
		case <-timer.C:
			return outcomeTimeout
		case <-c.pauseNotify:
			c.mu.Lock()
			paused := c.paused
			c.mu.Unlock()
			switch {
			case paused && running:
				timer.Stop()
				remaining = max(0, remaining-time.Since(started))
				running = false
			case !paused && !running:
				timer.Reset(remaining)
				started = time.Now()
				running = true
			}
		}
	}
}

// current reports whether gen is still the live generation.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// finish settles req unless Stop invalidated its generation.
func (c *Controller) finish(req *request, gen uint64, d time.Duration, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.playing == req {
		c.playing = nil
		c.cancelPlaying = nil
	}
	c.mu.Unlock()
	c.settle(req, d, err)
}
