package wake

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/internal/audio"
	"aura/internal/mute"
)

type fakeScorer struct {
	calls atomic.Int32
	score float64
	err   error
}

func (f *fakeScorer) Score(_ context.Context, _ []float32, _ int) (float64, error) {
	f.calls.Add(1)
	return f.score, f.err
}

const testRate = 16000

func testFrame() audio.Frame {
	// 100 ms of silence at the detector rate
	return audio.Frame{
		Samples:  make([]float32, testRate/10),
		Rate:     testRate,
		Captured: time.Now(),
	}
}

func testConfig() Config {
	return Config{
		Threshold:  0.62,
		Cooldown:   time.Hour,
		WindowDur:  200 * time.Millisecond, // two frames fill the window
		SampleRate: testRate,
	}
}

// startWorker runs the worker over an unbuffered frame channel, so each send
// returning means the worker has accepted that frame — mute set between
// sends is therefore set before the next frame's poll.
func startWorker(t *testing.T, cfg Config, m *mute.Controller, s Scorer) (chan<- audio.Frame, <-chan Event) {
	t.Helper()
	frames := make(chan audio.Frame)
	w := NewWorker(cfg, m, s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx, frames)
	return frames, w.Events()
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			require.Fail(t, "worker did not close its event channel")
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestWorker_DetectsAboveThreshold(t *testing.T) {
	scorer := &fakeScorer{score: 0.9}
	frames, events := startWorker(t, testConfig(), mute.NewController(), scorer)

	frames <- testFrame()
	frames <- testFrame()
	close(frames)

	got := collect(t, events)
	assert.Equal(t, 1, countKind(got, WakeDetected))
	for _, ev := range got {
		if ev.Kind == WakeDetected {
			assert.Equal(t, 0.9, ev.Confidence)
		}
	}
}

func TestWorker_BelowThresholdStaysQuiet(t *testing.T) {
	scorer := &fakeScorer{score: 0.3}
	frames, events := startWorker(t, testConfig(), mute.NewController(), scorer)

	for range 5 {
		frames <- testFrame()
	}
	close(frames)

	got := collect(t, events)
	assert.Zero(t, countKind(got, WakeDetected))
	assert.Positive(t, scorer.calls.Load())
}

func TestWorker_NoInferenceWhileMuted(t *testing.T) {
	m := mute.NewController()
	m.SetMute()
	scorer := &fakeScorer{score: 0.9}
	frames, events := startWorker(t, testConfig(), m, scorer)

	for range 10 {
		frames <- testFrame()
	}
	close(frames)

	got := collect(t, events)
	assert.Zero(t, scorer.calls.Load(), "muted frames must be discarded before inference")
	assert.Zero(t, countKind(got, WakeDetected))
}

func TestWorker_MuteMidStreamDiscardsWindow(t *testing.T) {
	m := mute.NewController()
	scorer := &fakeScorer{score: 0.1}
	frames, events := startWorker(t, testConfig(), m, scorer)

	frames <- testFrame() // half a window accumulated
	m.SetMute()
	frames <- testFrame() // discarded, window flushed
	frames <- testFrame() // discarded
	m.ClearMute()
	frames <- testFrame() // fresh window starts here
	close(frames)

	collect(t, events)
	// The pre-mute half window was flushed, so only one frame accumulated
	// after unmute and the scorer never saw a full window.
	assert.Zero(t, scorer.calls.Load())
}

func TestWorker_CooldownSuppressesRepeats(t *testing.T) {
	scorer := &fakeScorer{score: 0.9}
	frames, events := startWorker(t, testConfig(), mute.NewController(), scorer)

	for range 8 {
		frames <- testFrame()
	}
	close(frames)

	got := collect(t, events)
	assert.Equal(t, 1, countKind(got, WakeDetected), "cooldown must debounce repeated detections")
}

func TestWorker_ScorerFailureEmitsWorkerError(t *testing.T) {
	scorer := &fakeScorer{err: assert.AnError}
	frames, events := startWorker(t, testConfig(), mute.NewController(), scorer)

	frames <- testFrame()
	frames <- testFrame()

	got := collect(t, events) // channel closes after the error
	require.Equal(t, 1, countKind(got, WorkerError))
	assert.ErrorIs(t, got[len(got)-1].Err, assert.AnError)
}

func TestWorker_FrameSourceClosureEmitsWorkerError(t *testing.T) {
	frames, events := startWorker(t, testConfig(), mute.NewController(), &fakeScorer{})

	close(frames)

	got := collect(t, events)
	require.Equal(t, 1, countKind(got, WorkerError))
	assert.ErrorIs(t, got[0].Err, audio.ErrDeviceUnavailable)
}

func TestWorker_Heartbeats(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold = 2 // unreachable, heartbeats only
	cfg.HeartbeatEvery = 100 * time.Millisecond
	frames, events := startWorker(t, cfg, mute.NewController(), &fakeScorer{})

	for range 3 {
		frames <- testFrame()
	}
	close(frames)

	got := collect(t, events)
	assert.GreaterOrEqual(t, countKind(got, Heartbeat), 2)
}

func TestWorker_EventOrderPreserved(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	scorer := &fakeScorer{score: 0.9}
	frames, events := startWorker(t, cfg, mute.NewController(), scorer)

	for range 4 {
		frames <- testFrame()
	}
	close(frames)

	got := collect(t, events)
	var last time.Time
	for _, ev := range got {
		assert.False(t, ev.At.Before(last), "events must arrive in production order")
		last = ev.At
	}
}
