package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the coordination core. It is built once at
// startup and never mutated afterwards; components receive copies or single
// fields, never a pointer they could write through.
type Config struct {
	// Wake detection
	WakeWord       string
	Threshold      float64       // confidence needed to accept a detection
	Cooldown       time.Duration // suppress further detections after an accepted one
	WindowDur      time.Duration // sliding utterance window fed to the scorer
	FrameDur       time.Duration // capture frame size; also the mute reaction bound
	NativeRate     int           // device capture rate
	TargetRate     int           // rate the detector and transcriber expect
	HeartbeatEvery time.Duration

	// Conversation turn timeouts (maximum dwell per state)
	TranscribeTimeout time.Duration
	RespondTimeout    time.Duration
	SpeakTimeout      time.Duration

	// Playback sequencing
	SettleDelay time.Duration // mute-to-playback gap so in-flight frames drop out
	DrainDelay  time.Duration // playback-to-unmute gap for room echo

	// Orchestrator loop
	PollInterval      time.Duration
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration

	ExitPhrases []string
	Language    string

	ModelPath  string
	SocketPath string
	HubURL     string
}

func Default() Config {
	return Config{
		WakeWord:       "hey aura",
		Threshold:      0.62,
		Cooldown:       500 * time.Millisecond,
		WindowDur:      1500 * time.Millisecond,
		FrameDur:       100 * time.Millisecond,
		NativeRate:     48000,
		TargetRate:     16000,
		HeartbeatEvery: time.Second,

		TranscribeTimeout: 10 * time.Second,
		RespondTimeout:    30 * time.Second,
		SpeakTimeout:      30 * time.Second,

		SettleDelay: 500 * time.Millisecond,
		DrainDelay:  1500 * time.Millisecond,

		PollInterval:      75 * time.Millisecond,
		RestartBackoff:    time.Second,
		RestartBackoffMax: 30 * time.Second,

		ExitPhrases: []string{
			"goodbye", "bye", "that's all", "thank you", "thanks",
			"end conversation", "stop", "quit", "exit", "done",
		},
		Language: "en",

		ModelPath:  "third_party/whisper.cpp/models/ggml-base.en.bin",
		SocketPath: "/tmp/aura.sock",
	}
}

// FromEnv returns Default overridden by AURA_* environment variables. The env
// file itself is loaded by the daemon before this is called.
func FromEnv() (Config, error) {
	cfg := Default()

	var err error
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = d
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = n
	}

	setStr("AURA_WAKE_WORD", &cfg.WakeWord)
	if v := os.Getenv("AURA_THRESHOLD"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return cfg, fmt.Errorf("AURA_THRESHOLD: %w", perr)
		}
		cfg.Threshold = f
	}
	setDur("AURA_COOLDOWN", &cfg.Cooldown)
	setDur("AURA_WINDOW", &cfg.WindowDur)
	setDur("AURA_FRAME", &cfg.FrameDur)
	setInt("AURA_NATIVE_RATE", &cfg.NativeRate)
	setInt("AURA_TARGET_RATE", &cfg.TargetRate)
	setDur("AURA_TRANSCRIBE_TIMEOUT", &cfg.TranscribeTimeout)
	setDur("AURA_RESPOND_TIMEOUT", &cfg.RespondTimeout)
	setDur("AURA_SPEAK_TIMEOUT", &cfg.SpeakTimeout)
	setDur("AURA_SETTLE_DELAY", &cfg.SettleDelay)
	setDur("AURA_DRAIN_DELAY", &cfg.DrainDelay)
	setStr("AURA_LANGUAGE", &cfg.Language)
	setStr("AURA_MODEL", &cfg.ModelPath)
	setStr("AURA_SOCKET", &cfg.SocketPath)
	setStr("AURA_HUB_URL", &cfg.HubURL)
	if v := os.Getenv("AURA_EXIT_PHRASES"); v != "" {
		parts := strings.Split(v, ",")
		phrases := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
		cfg.ExitPhrases = phrases
	}

	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.WakeWord == "" {
		return fmt.Errorf("wake word must not be empty")
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold %v outside (0, 1]", c.Threshold)
	}
	if c.FrameDur <= 0 || c.FrameDur > 100*time.Millisecond {
		// The per-frame mute poll is what bounds mute reaction latency.
		return fmt.Errorf("frame duration %v must be within (0, 100ms]", c.FrameDur)
	}
	if c.NativeRate <= 0 || c.TargetRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.WindowDur < c.FrameDur {
		return fmt.Errorf("window %v shorter than one frame %v", c.WindowDur, c.FrameDur)
	}
	if c.PollInterval < 50*time.Millisecond || c.PollInterval > 100*time.Millisecond {
		return fmt.Errorf("poll interval %v outside [50ms, 100ms]", c.PollInterval)
	}
	return nil
}
