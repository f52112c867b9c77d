// Package tts turns response text into audible speech.
package tts

import (
	"context"
	"fmt"
	"io"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"

	"aura/internal/audio"
	"aura/pkg/audioconv"
)

// Synthesizer fetches synthesized speech from the API and plays it through
// the shared Player. Speak returns only once playback has finished, which is
// the completion signal the orchestrator sequences the drain delay after.
type Synthesizer struct {
	client openai.Client
	player *audio.Player
	model  openai.SpeechModel
	voice  openai.AudioSpeechNewParamsVoice
}

func NewSynthesizer(client openai.Client, player *audio.Player) *Synthesizer {
	return &Synthesizer{
		client: client,
		player: player,
		model:  openai.SpeechModelGPT4oMiniTTS,
		voice:  openai.AudioSpeechNewParamsVoiceAlloy,
	}
}

func (s *Synthesizer) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          s.model,
		Voice:          s.voice,
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read synthesis payload: %w", err)
	}

	clip, err := audioconv.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode synthesis payload: %w", err)
	}

	log.Debug("synthesized", "chars", len(text), "seconds", clip.Duration())

	return s.player.Play(ctx, clip)
}
