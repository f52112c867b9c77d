package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"aura/internal/config"
	"aura/internal/mute"
	"aura/internal/wake"
)

// Collaborators consumed during a turn. All calls are wrapped with timeouts
// by the orchestrator; implementations only need to honor ctx.
type (
	Recorder interface {
		Record(ctx context.Context) ([]float32, error)
	}
	Transcriber interface {
		Transcribe(ctx context.Context, pcm []float32) (string, error)
	}
	Responder interface {
		Respond(ctx context.Context, transcript string) (string, error)
		Reset()
	}
	Speaker interface {
		Speak(ctx context.Context, text string) error
	}
)

// WorkerHandle is one running wake worker. Stop tears down its capture and
// loop; the events channel closing is how the orchestrator learns it is gone.
type WorkerHandle struct {
	Events <-chan wake.Event
	Stop   func()
}

// WorkerFactory spawns a fresh worker. Called at startup and again after
// every worker exit, under backoff.
type WorkerFactory func(ctx context.Context) (*WorkerHandle, error)

// Options wires an Orchestrator. Mute, Workers and the four collaborators
// are required; Chime and OnTransition are optional hooks.
type Options struct {
	Config       config.Config
	Mute         *mute.Controller
	Recorder     Recorder
	Transcriber  Transcriber
	Responder    Responder
	Speaker      Speaker
	Workers      WorkerFactory
	Exit         ExitMatcher
	Chime        func(ctx context.Context) error
	OnTransition func(from, to State, turn int)
	Log          *slog.Logger
}

type result struct {
	seq   uint64
	state State
	text  string
	err   error
}

// Orchestrator is the conversation state machine. It runs as one cooperative
// loop: worker events and timers are polled on a fixed cadence, external
// calls run in short-lived goroutines and report back through a completion
// channel, and a sequence number lets the loop ignore completions it has
// already abandoned. Nothing here blocks without a bound.
type Orchestrator struct {
	cfg     config.Config
	mute    *mute.Controller
	rec     Recorder
	scribe  Transcriber
	resp    Responder
	speaker Speaker
	workers WorkerFactory
	exit    ExitMatcher
	chime   func(ctx context.Context) error
	onTrans func(from, to State, turn int)
	log     *slog.Logger

	cmds    chan string
	results chan result

	// loop-owned state
	state      State
	enteredAt  time.Time
	turns      int
	transcript string
	seq        uint64
	cancelCall context.CancelFunc
	listening  bool

	worker   *WorkerHandle
	retryAt  time.Time
	backoff  time.Duration
	lastBeat time.Time

	// read-only snapshots for Status
	stateSnap atomic.Int32
	turnsSnap atomic.Int64
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Mute == nil:
		return nil, errors.New("nil mute controller")
	case opts.Recorder == nil, opts.Transcriber == nil, opts.Responder == nil, opts.Speaker == nil:
		return nil, errors.New("missing collaborator")
	case opts.Workers == nil:
		return nil, errors.New("nil worker factory")
	}
	if opts.Exit == nil {
		opts.Exit = NewExitMatcher(opts.Config.ExitPhrases)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Orchestrator{
		cfg:     opts.Config,
		mute:    opts.Mute,
		rec:     opts.Recorder,
		scribe:  opts.Transcriber,
		resp:    opts.Responder,
		speaker: opts.Speaker,
		workers: opts.Workers,
		exit:    opts.Exit,
		chime:   opts.Chime,
		onTrans: opts.OnTransition,
		log:     opts.Log,
		cmds:    make(chan string, 8),
		results: make(chan result, 4),
		backoff: opts.Config.RestartBackoff,
	}, nil
}

// Command queues a control-surface command: start, stop, mute, unmute,
// converse, cancel.
func (o *Orchestrator) Command(name string) error {
	select {
	case o.cmds <- name:
		return nil
	default:
		return fmt.Errorf("command queue full")
	}
}

// Status is safe from any goroutine.
func (o *Orchestrator) Status() (State, int) {
	return State(o.stateSnap.Load()), int(o.turnsSnap.Load())
}

// Run drives the loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.listening = true
	o.transition(StateWakeListening, "startup complete")
	o.ensureWorker(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.abandon()
			if o.worker != nil {
				o.worker.Stop()
				o.worker = nil
			}
			return nil
		case cmd := <-o.cmds:
			o.handleCommand(ctx, cmd)
		case res := <-o.results:
			o.onResult(ctx, res)
		case <-ticker.C:
			o.pollEvents(ctx)
			o.checkDwell()
			o.ensureWorker(ctx)
		}
	}
}

// pollEvents drains everything currently queued by the worker. A closed
// channel is the crash/exit signal and is handled distinctly from "empty".
func (o *Orchestrator) pollEvents(ctx context.Context) {
	if o.worker == nil {
		return
	}
	for {
		select {
		case ev, ok := <-o.worker.Events:
			if !ok {
				o.onWorkerGone()
				return
			}
			o.onEvent(ctx, ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) onEvent(ctx context.Context, ev wake.Event) {
	switch ev.Kind {
	case wake.WakeDetected:
		switch {
		case o.mute.IsMuted():
			// The worker must never detect under mute; seeing this means a
			// race slipped through a queue somewhere. Never act on it.
			o.log.Warn("wake event while muted, discarding as anomaly", "confidence", ev.Confidence)
		case ev.At.Before(o.mute.LastChange()):
			o.log.Debug("stale wake event discarded", "age", time.Since(ev.At))
		case !o.listening:
			o.log.Debug("wake event while listening disabled")
		case o.state != StateWakeListening:
			// No overlapping sessions; the turn counter stays put.
			o.log.Debug("re-entrant wake event dropped", "state", o.state)
		default:
			o.log.Info("wake word detected", "confidence", ev.Confidence)
			o.beginTurn(ctx)
		}
	case wake.Heartbeat:
		o.lastBeat = ev.At
	case wake.WorkerError:
		o.log.Error("wake worker failed", "err", ev.Err)
		// channel closure follows; restart is handled there
	}
}

func (o *Orchestrator) onWorkerGone() {
	o.log.Warn("wake worker exited, scheduling restart", "backoff", o.backoff)
	if o.worker != nil {
		o.worker.Stop()
		o.worker = nil
	}
	o.retryAt = time.Now().Add(o.backoff)
	o.backoff = min(o.backoff*2, o.cfg.RestartBackoffMax)
	if o.state != StateIdle && o.state != StateWakeListening {
		o.failTurn("worker crashed")
	}
}

func (o *Orchestrator) ensureWorker(ctx context.Context) {
	if !o.listening || o.worker != nil || time.Now().Before(o.retryAt) {
		return
	}
	h, err := o.workers(ctx)
	if err != nil {
		o.log.Error("worker start failed", "err", err, "retry_in", o.backoff)
		o.retryAt = time.Now().Add(o.backoff)
		o.backoff = min(o.backoff*2, o.cfg.RestartBackoffMax)
		return
	}
	o.worker = h
	o.backoff = o.cfg.RestartBackoff
	o.log.Info("wake worker running")
}

func (o *Orchestrator) beginTurn(ctx context.Context) {
	if o.chime != nil {
		go func() {
			if err := o.chime(ctx); err != nil {
				o.log.Debug("chime failed", "err", err)
			}
		}()
	}
	o.enterTranscribing(ctx, "wake word")
}

func (o *Orchestrator) enterTranscribing(ctx context.Context, reason string) {
	o.turns++
	o.turnsSnap.Store(int64(o.turns))
	o.transition(StateTranscribing, reason)
	o.spawn(ctx, StateTranscribing, o.cfg.TranscribeTimeout, func(cctx context.Context) (string, error) {
		pcm, err := o.rec.Record(cctx)
		if err != nil {
			return "", fmt.Errorf("record: %w", err)
		}
		if len(pcm) == 0 {
			return "", nil
		}
		return o.scribe.Transcribe(cctx, pcm)
	})
}

func (o *Orchestrator) enterResponding(ctx context.Context) {
	o.transition(StateResponding, "final transcript")
	transcript := o.transcript
	o.spawn(ctx, StateResponding, o.cfg.RespondTimeout, func(cctx context.Context) (string, error) {
		return o.resp.Respond(cctx, transcript)
	})
}

// enterSpeaking mutes strictly before synthesis is invoked. The settle delay
// lets frames already in flight get discarded before our own voice is
// audible; the drain delay after playback lets room echo die down. Both run
// inside the call goroutine so the completion arrives only once unmuting is
// actually safe.
func (o *Orchestrator) enterSpeaking(ctx context.Context, text string) {
	o.transition(StateSpeaking, "response ready")
	o.mute.SetMute()
	budget := o.cfg.SettleDelay + o.cfg.SpeakTimeout + o.cfg.DrainDelay
	o.spawn(ctx, StateSpeaking, budget, func(cctx context.Context) (string, error) {
		if err := pause(cctx, o.cfg.SettleDelay); err != nil {
			return "", err
		}
		if err := o.speaker.Speak(cctx, text); err != nil {
			return "", err
		}
		return "", pause(cctx, o.cfg.DrainDelay)
	})
}

func (o *Orchestrator) onResult(ctx context.Context, res result) {
	if res.seq != o.seq || res.state != o.state {
		o.log.Debug("stale completion ignored", "state", res.state)
		return
	}
	o.cancelInflight()

	switch o.state {
	case StateTranscribing:
		switch {
		case res.err != nil:
			o.log.Warn("transcription failed", "err", res.err)
			o.failTurn("transcription failed")
		case res.text == "":
			o.log.Info("nothing transcribed within the window")
			o.failTurn("empty transcript")
		default:
			o.log.Info("transcript final", "text", res.text)
			o.transcript = res.text
			o.enterResponding(ctx)
		}

	case StateResponding:
		if res.err != nil {
			o.log.Warn("response generation failed", "err", res.err)
			o.failTurn("response failed")
			return
		}
		o.enterSpeaking(ctx, res.text)

	case StateSpeaking:
		// Unmute exactly once playback plus drain have elapsed, whatever
		// happened during playback.
		o.mute.ClearMute()
		if res.err != nil {
			o.log.Warn("speech playback failed", "err", res.err)
			o.endConversation("playback failed")
			return
		}
		if o.exit(o.transcript) {
			o.endConversation("exit phrase")
			return
		}
		// Same conversation, next turn: no new wake word required.
		o.enterTranscribing(ctx, "conversation continues")
	}
}

// checkDwell is the backstop behind the per-call timeouts: no state other
// than WakeListening may be dwelt in beyond its budget, so the orchestrator
// always has a path back to listening.
func (o *Orchestrator) checkDwell() {
	var budget time.Duration
	switch o.state {
	case StateTranscribing:
		budget = o.cfg.TranscribeTimeout
	case StateResponding:
		budget = o.cfg.RespondTimeout
	case StateSpeaking:
		budget = o.cfg.SettleDelay + o.cfg.SpeakTimeout + o.cfg.DrainDelay
	default:
		return
	}
	budget += 2 * o.cfg.PollInterval
	if time.Since(o.enteredAt) <= budget {
		return
	}
	o.log.Warn("state dwell exceeded", "state", o.state, "budget", budget)
	o.failTurn("state timeout")
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd string) {
	o.log.Info("control command", "cmd", cmd)
	switch cmd {
	case "start":
		if !o.listening {
			o.listening = true
			o.transition(StateWakeListening, "listening started")
			o.ensureWorker(ctx)
		}
	case "stop":
		o.abandon()
		o.listening = false
		if o.worker != nil {
			o.worker.Stop()
			o.worker = nil
		}
		o.transition(StateIdle, "listening stopped")
	case "mute":
		o.mute.SetMute()
	case "unmute":
		o.mute.ClearMute()
	case "converse":
		// Enter a conversation directly, bypassing wake detection.
		if o.state == StateWakeListening || o.state == StateIdle {
			o.beginTurn(ctx)
		} else {
			o.log.Debug("converse ignored mid-turn", "state", o.state)
		}
	case "cancel":
		o.listening = true
		o.failTurn("cancelled")
		o.ensureWorker(ctx)
	default:
		o.log.Warn("unknown command", "cmd", cmd)
	}
}

// failTurn abandons whatever is in flight and reverts to WakeListening. All
// failure paths funnel through here: the assistant must always end up able
// to take a fresh wake word.
func (o *Orchestrator) failTurn(reason string) {
	o.abandon()
	if o.mute.IsMuted() {
		o.mute.ClearMute()
	}
	o.transition(StateWakeListening, reason)
}

func (o *Orchestrator) endConversation(reason string) {
	o.resp.Reset()
	o.transcript = ""
	o.transition(StateWakeListening, reason)
}

// abandon cancels the in-flight call without waiting on it; bumping seq makes
// its eventual completion a no-op.
func (o *Orchestrator) abandon() {
	o.seq++
	o.cancelInflight()
}

func (o *Orchestrator) cancelInflight() {
	if o.cancelCall != nil {
		o.cancelCall()
		o.cancelCall = nil
	}
}

func (o *Orchestrator) spawn(ctx context.Context, st State, timeout time.Duration, fn func(context.Context) (string, error)) {
	o.seq++
	seq := o.seq
	cctx, cancel := context.WithTimeout(ctx, timeout)
	o.cancelCall = cancel

	go func() {
		text, err := fn(cctx)
		select {
		case o.results <- result{seq: seq, state: st, text: text, err: err}:
		case <-ctx.Done():
			cancel()
		}
	}()
}

func (o *Orchestrator) transition(to State, reason string) {
	from := o.state
	o.state = to
	o.enteredAt = time.Now()
	o.stateSnap.Store(int32(to))
	o.log.Info("state transition", "from", from, "to", to, "reason", reason, "turn", o.turns)
	if o.onTrans != nil {
		o.onTrans(from, to, o.turns)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
