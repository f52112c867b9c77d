package audio

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	recordFrameDur   = 100 * time.Millisecond
	silenceThreshRMS = 0.015
	silenceStop      = 600 * time.Millisecond
)

// Recorder captures a single command utterance in the host context. It opens
// its own stream, so it coexists with the detector's frontend; the worker is
// past-wake or muted while a turn is recorded, which keeps the two from
// fighting over the same audio.
type Recorder struct {
	rate   int
	maxDur time.Duration
}

func NewRecorder(rate int, maxDur time.Duration) *Recorder {
	if maxDur <= 0 {
		maxDur = 10 * time.Second
	}
	return &Recorder{rate: rate, maxDur: maxDur}
}

// Record captures until the speaker falls silent for silenceStop, the maximum
// duration passes, or ctx is cancelled. Each stream read blocks for at most
// one frame, so cancellation is honored within recordFrameDur.
func (r *Recorder) Record(ctx context.Context) ([]float32, error) {
	frameSize := int(float64(r.rate) * recordFrameDur.Seconds())
	buf := make([]float32, frameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(r.rate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrDeviceUnavailable, err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrDeviceUnavailable, err)
	}
	defer stream.Stop()

	var (
		out           = make([]float32, 0, r.rate*3)
		speaking      bool
		silenceFrames int
	)
	silenceLimit := int(silenceStop / recordFrameDur)
	maxFrames := int(r.maxDur / recordFrameDur)

	for i := 0; i < maxFrames; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrDeviceUnavailable, err)
		}

		if frameRMS(buf) > silenceThreshRMS {
			speaking = true
			silenceFrames = 0
			out = append(out, buf...)
			continue
		}

		if speaking {
			silenceFrames++
			if silenceFrames >= silenceLimit {
				break
			}
			out = append(out, buf...)
		}
	}

	return out, nil
}

func frameRMS(f []float32) float64 {
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
