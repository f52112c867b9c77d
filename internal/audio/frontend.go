// Package audio covers microphone capture and speaker playback around
// portaudio and beep.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"aura/pkg/audioconv"
)

// ErrDeviceUnavailable marks capture-device failures. Fatal to the frontend
// and its worker, never to the process; the orchestrator retries with backoff.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// Frame is one fixed-duration block of mono PCM at the detector rate.
// Immutable once delivered.
type Frame struct {
	Samples  []float32
	Rate     int
	Captured time.Time
}

// Duration reports the frame length as wall time.
func (f Frame) Duration() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(len(f.Samples)) / float64(f.Rate) * float64(time.Second))
}

// FrontendConfig sizes the capture pipeline.
type FrontendConfig struct {
	NativeRate int           // device capture rate
	TargetRate int           // rate delivered to the detector
	FrameDur   time.Duration // fixed frame size
	QueueDepth int           // bounded frame queue
}

// Frontend captures continuous PCM at the device's native rate, resamples to
// the target rate and delivers fixed frames through a bounded queue. When the
// consumer lags, the oldest pending frame is dropped: stale audio is useless
// for wake detection, fresh audio is not.
type Frontend struct {
	cfg    FrontendConfig
	frames chan Frame
}

func NewFrontend(cfg FrontendConfig) *Frontend {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	return &Frontend{
		cfg:    cfg,
		frames: make(chan Frame, cfg.QueueDepth),
	}
}

// Frames is the consumer side of the queue. It is closed when capture ends,
// for any reason.
func (f *Frontend) Frames() <-chan Frame {
	return f.frames
}

// Capture runs the blocking capture loop until ctx is cancelled or the device
// fails. It closes the frame channel on exit so the consumer can tell the
// stream is gone rather than merely idle.
func (f *Frontend) Capture(ctx context.Context) error {
	defer close(f.frames)

	nativeSamples := int(float64(f.cfg.NativeRate) * f.cfg.FrameDur.Seconds())
	buf := make([]float32, nativeSamples)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(f.cfg.NativeRate), len(buf), buf)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrDeviceUnavailable, err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrDeviceUnavailable, err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := stream.Read(); err != nil {
			return fmt.Errorf("%w: read: %v", ErrDeviceUnavailable, err)
		}

		samples := audioconv.Resample(buf, f.cfg.NativeRate, f.cfg.TargetRate)
		out := make([]float32, len(samples))
		copy(out, samples)

		f.publish(Frame{Samples: out, Rate: f.cfg.TargetRate, Captured: time.Now()})
	}
}

// publish enqueues a frame, evicting the oldest pending one rather than
// blocking the capture loop.
func (f *Frontend) publish(fr Frame) {
	select {
	case f.frames <- fr:
		return
	default:
	}
	select {
	case <-f.frames:
	default:
	}
	select {
	case f.frames <- fr:
	default:
	}
}
