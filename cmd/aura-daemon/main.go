package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"aura/internal/audio"
	"aura/internal/bus"
	"aura/internal/config"
	"aura/internal/convo"
	"aura/internal/ipc"
	"aura/internal/llm"
	"aura/internal/mute"
	"aura/internal/proxy"
	"aura/internal/stt"
	"aura/internal/tts"
	"aura/internal/wake"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	proxyAddr := cli.StringP("proxy", "p", "", "Socks proxy address (empty = direct)")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	log.Info("Booting up")

	godotenv.Load(*envFile)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("Bad configuration", "err", err)
		os.Exit(1)
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Error("OPENAI_API_KEY not set")
		os.Exit(1)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if *proxyAddr != "" {
		httpClient, err := proxy.NewSocksClient(*proxyAddr)
		if err != nil {
			log.Error("Failed to dial socks proxy", "proxy", *proxyAddr, "err", err)
			os.Exit(1)
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(httpClient))
		log.Debug("Loaded proxy")
	}
	client := openai.NewClient(clientOpts...)

	if err := portaudio.Initialize(); err != nil {
		log.Error("Failed to init audio", "err", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	transcriber, err := stt.NewTranscriber(cfg.ModelPath, cfg.Language)
	if err != nil {
		log.Error("Failed to init whisper", "err", err)
		os.Exit(1)
	}
	defer transcriber.Close()

	spotter, err := wake.NewWhisperSpotter(transcriber.Model(), cfg.WakeWord, cfg.Language)
	if err != nil {
		log.Error("Failed to init spotter", "err", err)
		os.Exit(1)
	}

	log.Debug("Loaded whisper", "model", cfg.ModelPath)

	muteCtl := mute.NewController()
	player := audio.NewPlayer()
	recorder := audio.NewRecorder(cfg.TargetRate, cfg.TranscribeTimeout)

	var hub *bus.Bus
	if cfg.HubURL != "" {
		hub, err = bus.Dial(cfg.HubURL)
		if err != nil {
			log.Warn("Hub unreachable, state events disabled", "url", cfg.HubURL, "err", err)
		}
	}
	defer hub.Close()

	workers := func(ctx context.Context) (*convo.WorkerHandle, error) {
		frontend := audio.NewFrontend(audio.FrontendConfig{
			NativeRate: cfg.NativeRate,
			TargetRate: cfg.TargetRate,
			FrameDur:   cfg.FrameDur,
		})
		worker := wake.NewWorker(wake.Config{
			Threshold:      cfg.Threshold,
			Cooldown:       cfg.Cooldown,
			WindowDur:      cfg.WindowDur,
			SampleRate:     cfg.TargetRate,
			HeartbeatEvery: cfg.HeartbeatEvery,
		}, muteCtl, spotter, log.Default())

		wctx, cancel := context.WithCancel(ctx)
		go func() {
			if err := frontend.Capture(wctx); err != nil && wctx.Err() == nil {
				log.Error("Capture stopped", "err", err)
			}
		}()
		go worker.Run(wctx, frontend.Frames())

		return &convo.WorkerHandle{Events: worker.Events(), Stop: cancel}, nil
	}

	orch, err := convo.New(convo.Options{
		Config:      cfg,
		Mute:        muteCtl,
		Recorder:    recorder,
		Transcriber: transcriber,
		Responder:   llm.NewResponder(client),
		Speaker:     tts.NewSynthesizer(client, player),
		Workers:     workers,
		Chime:       player.Chime,
		OnTransition: func(from, to convo.State, turn int) {
			hub.Publish(bus.StateEvent{
				From: from.String(),
				To:   to.String(),
				Turn: turn,
				At:   time.Now(),
			})
		},
		Log: log.Default(),
	})
	if err != nil {
		log.Error("Failed to wire orchestrator", "err", err)
		os.Exit(1)
	}

	if err := ipc.StartServer(cfg.SocketPath, func(msg ipc.ControlMessage) ipc.Reply {
		if msg.Cmd == "status" {
			state, turns := orch.Status()
			return ipc.Reply{OK: true, State: state.String(), Turns: turns}
		}
		if err := orch.Command(msg.Cmd); err != nil {
			return ipc.Reply{OK: false, Err: err.Error()}
		}
		state, turns := orch.Status()
		return ipc.Reply{OK: true, State: state.String(), Turns: turns}
	}); err != nil {
		log.Error("Failed ipc server", "err", err)
		os.Exit(1)
	}

	log.Info("Boot up - successful", "wake_word", cfg.WakeWord)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		log.Error("Orchestrator stopped", "err", err)
		os.Exit(1)
	}

	log.Info("Shut down")
}
