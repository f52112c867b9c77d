package wake

import (
	"context"
	"log/slog"
	"time"

	"aura/internal/audio"
)

// Scorer reports how confident it is that the wake phrase occurs in the
// given window of mono PCM.
type Scorer interface {
	Score(ctx context.Context, pcm []float32, rate int) (float64, error)
}

// MutePoll is the read side of the mute flag.
type MutePoll interface {
	IsMuted() bool
}

type Config struct {
	Threshold      float64
	Cooldown       time.Duration
	WindowDur      time.Duration
	SampleRate     int
	HeartbeatEvery time.Duration // in consumed-audio time; 0 disables
	EventDepth     int
}

// Worker consumes frames, gates them on the mute flag and emits detection
// events. It runs as its own goroutine so inference stalls or crashes never
// touch the orchestrator loop; the only shared state is the mute flag.
type Worker struct {
	cfg    Config
	mute   MutePoll
	scorer Scorer
	events chan Event
	log    *slog.Logger
	now    func() time.Time
}

func NewWorker(cfg Config, mute MutePoll, scorer Scorer, log *slog.Logger) *Worker {
	if cfg.EventDepth <= 0 {
		cfg.EventDepth = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		mute:   mute,
		scorer: scorer,
		events: make(chan Event, cfg.EventDepth),
		log:    log,
		now:    time.Now,
	}
}

// Events is the worker's output. It is closed when the worker exits, normal
// or not, so the consumer can tell "no events right now" from "worker gone".
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Run is the worker loop. The first action on every frame is the mute poll:
// a muted frame is discarded before any inference work, and the sliding
// window is flushed so audio captured under mute can never contribute to a
// later detection. Checking at each frame boundary, rather than batching
// frames into one long inference pass, is what keeps mute reaction inside
// one frame duration.
func (w *Worker) Run(ctx context.Context, frames <-chan audio.Frame) {
	defer close(w.events)

	windowSamples := int(float64(w.cfg.SampleRate) * w.cfg.WindowDur.Seconds())
	window := make([]float32, 0, windowSamples)

	var (
		lastDetect time.Time
		consumed   time.Duration
		lastBeat   time.Duration
	)

	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-frames:
			if !ok {
				w.emit(Event{Kind: WorkerError, At: w.now(), Err: audio.ErrDeviceUnavailable})
				return
			}

			if w.mute.IsMuted() {
				window = window[:0]
				continue
			}

			window = append(window, fr.Samples...)
			if len(window) > windowSamples {
				window = window[len(window)-windowSamples:]
			}

			consumed += fr.Duration()
			if w.cfg.HeartbeatEvery > 0 && consumed-lastBeat >= w.cfg.HeartbeatEvery {
				lastBeat = consumed
				w.beat()
			}

			if len(window) < windowSamples {
				continue
			}
			if !lastDetect.IsZero() && w.now().Sub(lastDetect) < w.cfg.Cooldown {
				continue
			}

			conf, err := w.scorer.Score(ctx, window, w.cfg.SampleRate)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Error("spotting failed", "err", err)
				w.emit(Event{Kind: WorkerError, At: w.now(), Err: err})
				return
			}

			if conf >= w.cfg.Threshold {
				w.log.Debug("wake phrase spotted", "confidence", conf)
				w.emit(Event{Kind: WakeDetected, At: w.now(), Confidence: conf})
				lastDetect = w.now()
				window = window[:0]
			}
		}
	}
}

func (w *Worker) emit(ev Event) {
	w.events <- ev
}

// beat is best-effort: a heartbeat is dropped rather than letting liveness
// reporting block detection delivery.
func (w *Worker) beat() {
	select {
	case w.events <- Event{Kind: Heartbeat, At: w.now()}:
	default:
	}
}
