package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/generators"
	"github.com/faiface/beep/speaker"

	"aura/pkg/audioconv"
)

// Player owns the speaker. Only one stream plays at a time: the orchestrator
// serializes playback through the Speaking state.
type Player struct{}

func NewPlayer() *Player { return &Player{} }

// Play renders a decoded clip and blocks until playback completes or ctx is
// cancelled. On cancellation the speaker is flushed immediately.
func (p *Player) Play(ctx context.Context, clip audioconv.Clip) error {
	sr := beep.SampleRate(clip.Rate)
	if err := speaker.Init(sr, sr.N(time.Second/10)); err != nil {
		return fmt.Errorf("speaker init: %w", err)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(&pcmStreamer{samples: clip.Samples}, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// Chime plays a short acknowledgment tone after a wake detection.
func (p *Player) Chime(ctx context.Context) error {
	const rate = beep.SampleRate(44100)
	if err := speaker.Init(rate, rate.N(time.Second/10)); err != nil {
		return fmt.Errorf("speaker init: %w", err)
	}

	tone, err := generators.SinTone(rate, 880)
	if err != nil {
		return fmt.Errorf("tone: %w", err)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(beep.Take(rate.N(150*time.Millisecond), tone), beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// pcmStreamer adapts mono PCM to beep's stereo stream interface.
type pcmStreamer struct {
	samples []float32
	pos     int
}

func (s *pcmStreamer) Stream(out [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := 0
	for ; n < len(out) && s.pos < len(s.samples); n++ {
		v := float64(s.samples[s.pos])
		out[n][0] = v
		out[n][1] = v
		s.pos++
	}
	return n, true
}

func (s *pcmStreamer) Err() error { return nil }
