package convo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/internal/config"
	"aura/internal/mute"
	"aura/internal/wake"
)

type fakeRecorder struct {
	pcm   []float32
	err   error
	block bool // ignore nothing, wait for ctx
}

func (f *fakeRecorder) Record(ctx context.Context) ([]float32, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.pcm, f.err
}

type fakeTranscriber struct {
	mu    sync.Mutex
	queue []string
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []float32) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "", nil
	}
	text := f.queue[0]
	f.queue = f.queue[1:]
	return text, nil
}

type fakeResponder struct {
	reply       string
	err         error
	calls       atomic.Int32
	resets      atomic.Int32
	mutedAtCall atomic.Bool
	muteCtl     *mute.Controller
}

func (f *fakeResponder) Respond(ctx context.Context, transcript string) (string, error) {
	f.calls.Add(1)
	f.mutedAtCall.Store(f.muteCtl.IsMuted())
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeResponder) Reset() { f.resets.Add(1) }

type fakeSpeaker struct {
	err         error
	calls       atomic.Int32
	mutedAtCall atomic.Bool
	muteCtl     *mute.Controller
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string) error {
	f.calls.Add(1)
	f.mutedAtCall.Store(f.muteCtl.IsMuted())
	return f.err
}

type fakeWorkers struct {
	mu     sync.Mutex
	starts int
	ch     chan wake.Event
}

func (f *fakeWorkers) factory(ctx context.Context) (*WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.ch = make(chan wake.Event, 8)
	return &WorkerHandle{Events: f.ch, Stop: func() {}}, nil
}

func (f *fakeWorkers) wake() {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- wake.Event{Kind: wake.WakeDetected, At: time.Now(), Confidence: 0.9}
}

func (f *fakeWorkers) closeEvents() {
	f.mu.Lock()
	close(f.ch)
	f.mu.Unlock()
}

func (f *fakeWorkers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type transitionLog struct {
	mu    sync.Mutex
	moves [][2]State
}

func (l *transitionLog) record(from, to State, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, [2]State{from, to})
}

func (l *transitionLog) has(from, to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.moves {
		if m[0] == from && m[1] == to {
			return true
		}
	}
	return false
}

type fixture struct {
	orch        *Orchestrator
	muteCtl     *mute.Controller
	rec         *fakeRecorder
	str         *fakeTranscriber
	resp        *fakeResponder
	spk         *fakeSpeaker
	workers     *fakeWorkers
	transitions *transitionLog
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.TranscribeTimeout = 300 * time.Millisecond
	cfg.RespondTimeout = 300 * time.Millisecond
	cfg.SpeakTimeout = 300 * time.Millisecond
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.DrainDelay = 20 * time.Millisecond
	cfg.RestartBackoff = 20 * time.Millisecond
	cfg.RestartBackoffMax = 100 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, mutate func(*fixture)) *fixture {
	t.Helper()

	f := &fixture{
		muteCtl:     mute.NewController(),
		rec:         &fakeRecorder{pcm: []float32{0.5, 0.5}},
		str:         &fakeTranscriber{},
		workers:     &fakeWorkers{},
		transitions: &transitionLog{},
	}
	f.resp = &fakeResponder{reply: "sure thing", muteCtl: f.muteCtl}
	f.spk = &fakeSpeaker{muteCtl: f.muteCtl}
	if mutate != nil {
		mutate(f)
	}

	orch, err := New(Options{
		Config:       testConfig(),
		Mute:         f.muteCtl,
		Recorder:     f.rec,
		Transcriber:  f.str,
		Responder:    f.resp,
		Speaker:      f.spk,
		Workers:      f.workers.factory,
		OnTransition: f.transitions.record,
	})
	require.NoError(t, err)
	f.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)

	f.waitState(t, StateWakeListening)
	return f
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, _ := f.orch.Status()
		return got == want
	}, 2*time.Second, 5*time.Millisecond, "never reached state %s", want)
}

func (f *fixture) waitTransition(t *testing.T, from, to State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.transitions.has(from, to)
	}, 2*time.Second, 5*time.Millisecond, "never saw %s -> %s", from, to)
}

func TestOrchestrator_StartupReachesWakeListening(t *testing.T) {
	f := newFixture(t, nil)

	assert.True(t, f.transitions.has(StateIdle, StateWakeListening))
	assert.Equal(t, 1, f.workers.count())
	_, turns := f.orch.Status()
	assert.Zero(t, turns)
}

func TestOrchestrator_TurnEndsOnExitPhrase(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"thanks, bye"}
	})

	f.workers.wake()

	f.waitTransition(t, StateSpeaking, StateWakeListening)
	assert.True(t, f.transitions.has(StateWakeListening, StateTranscribing))
	assert.True(t, f.transitions.has(StateTranscribing, StateResponding))
	assert.True(t, f.transitions.has(StateResponding, StateSpeaking))

	_, turns := f.orch.Status()
	assert.Equal(t, 1, turns)
	assert.Equal(t, int32(1), f.resp.resets.Load(), "history must be dropped when the conversation ends")
	assert.False(t, f.muteCtl.IsMuted())
}

func TestOrchestrator_ConversationContinuesWithoutExitPhrase(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"what's the weather", "goodbye"}
	})

	f.workers.wake()

	// no exit phrase: Speaking resumes into the next turn without a wake word
	f.waitTransition(t, StateSpeaking, StateTranscribing)
	f.waitTransition(t, StateSpeaking, StateWakeListening)

	_, turns := f.orch.Status()
	assert.Equal(t, 2, turns)
	assert.Equal(t, int32(2), f.spk.calls.Load())
	assert.Equal(t, int32(1), f.resp.resets.Load())
}

func TestOrchestrator_ReentrantWakeIsNoOp(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.rec.block = true // hold the turn in Transcribing
	})

	f.workers.wake()
	f.waitState(t, StateTranscribing)

	f.workers.wake() // already past WakeListening: dropped
	time.Sleep(50 * time.Millisecond)

	_, turns := f.orch.Status()
	assert.Equal(t, 1, turns, "re-entrant wake must not start a new turn")
}

func TestOrchestrator_TranscribeTimeoutRevertsToWakeListening(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.rec.block = true
	})

	f.workers.wake()
	f.waitState(t, StateTranscribing)
	f.waitTransition(t, StateTranscribing, StateWakeListening)

	assert.Zero(t, f.resp.calls.Load(), "nothing may be forwarded downstream on timeout")
	assert.Zero(t, f.spk.calls.Load())
}

func TestOrchestrator_EmptyTranscriptRevertsToWakeListening(t *testing.T) {
	f := newFixture(t, nil) // transcriber queue empty -> ""

	f.workers.wake()
	f.waitTransition(t, StateTranscribing, StateWakeListening)

	assert.Zero(t, f.resp.calls.Load())
}

func TestOrchestrator_ResponderFailureRevertsToWakeListening(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"hello there"}
		f.resp.err = assert.AnError
	})

	f.workers.wake()
	f.waitTransition(t, StateResponding, StateWakeListening)

	assert.Zero(t, f.spk.calls.Load())
	assert.False(t, f.muteCtl.IsMuted())
}

func TestOrchestrator_MuteSequencingAroundSpeech(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"goodbye"}
	})

	f.workers.wake()
	f.waitTransition(t, StateSpeaking, StateWakeListening)

	assert.False(t, f.resp.mutedAtCall.Load(), "responding must run unmuted")
	assert.True(t, f.spk.mutedAtCall.Load(), "mute must be set before synthesis is invoked")
	assert.False(t, f.muteCtl.IsMuted(), "mute must be cleared after drain")
}

func TestOrchestrator_WakeWhileMutedIsAnomaly(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orch.Command("mute"))
	require.Eventually(t, func() bool { return f.muteCtl.IsMuted() }, time.Second, 5*time.Millisecond)

	f.workers.wake()
	time.Sleep(50 * time.Millisecond)

	state, turns := f.orch.Status()
	assert.Equal(t, StateWakeListening, state)
	assert.Zero(t, turns, "a wake event under mute must never start a turn")

	require.NoError(t, f.orch.Command("unmute"))
}

func TestOrchestrator_WorkerRestartAfterChannelClosure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"goodbye"}
	})

	f.workers.closeEvents()

	require.Eventually(t, func() bool { return f.workers.count() == 2 }, 2*time.Second, 5*time.Millisecond,
		"worker must be restarted after its channel closes")

	// a detection from the fresh worker still drives a full turn
	f.workers.wake()
	f.waitTransition(t, StateSpeaking, StateWakeListening)
}

func TestOrchestrator_CancelAbandonsTurn(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.rec.block = true
	})

	f.workers.wake()
	f.waitState(t, StateTranscribing)

	require.NoError(t, f.orch.Command("cancel"))
	f.waitState(t, StateWakeListening)

	assert.Zero(t, f.resp.calls.Load())
}

func TestOrchestrator_StopAndStart(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orch.Command("stop"))
	f.waitState(t, StateIdle)

	require.NoError(t, f.orch.Command("start"))
	f.waitState(t, StateWakeListening)
	require.Eventually(t, func() bool { return f.workers.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_ConverseBypassesWakeDetection(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"goodbye"}
	})

	require.NoError(t, f.orch.Command("converse"))
	f.waitTransition(t, StateSpeaking, StateWakeListening)

	_, turns := f.orch.Status()
	assert.Equal(t, 1, turns)
}

func TestOrchestrator_SpeakerFailureStillClearsMute(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.str.queue = []string{"hello"}
		f.spk.err = assert.AnError
	})

	f.workers.wake()
	f.waitTransition(t, StateSpeaking, StateWakeListening)

	assert.False(t, f.muteCtl.IsMuted(), "mute must never be left set after a failed playback")
}
