package wake

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperSpotter scores windows by transcribing them and matching the wake
// phrase against the text. Any thresholded spotting mechanism would do; this
// one reuses the transcription model already loaded for commands.
type WhisperSpotter struct {
	model    whisper.Model
	phrase   string
	words    []string
	language string
}

func NewWhisperSpotter(model whisper.Model, phrase, language string) (*WhisperSpotter, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}
	norm := normalizeText(phrase)
	if norm == "" {
		return nil, errors.New("empty wake phrase")
	}
	if language == "" {
		language = "en"
	}
	return &WhisperSpotter{
		model:    model,
		phrase:   norm,
		words:    strings.Fields(norm),
		language: language,
	}, nil
}

func (s *WhisperSpotter) Score(ctx context.Context, pcm []float32, rate int) (float64, error) {
	if len(pcm) == 0 {
		return 0, nil
	}

	wctx, err := s.model.NewContext()
	if err != nil {
		return 0, err
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		return 0, err
	}

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return 0, err
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		text.WriteString(seg.Text)
		text.WriteString(" ")
	}

	return s.confidence(normalizeText(text.String())), nil
}

// confidence maps transcript/phrase agreement onto [0, 1]: a verbatim hit is
// near-certain, full word coverage out of order is strong, partial coverage
// scales down from there.
func (s *WhisperSpotter) confidence(text string) float64 {
	if text == "" {
		return 0
	}
	if strings.Contains(" "+text+" ", " "+s.phrase+" ") {
		return 0.95
	}

	heard := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		heard[w] = true
	}
	matched := 0
	for _, w := range s.words {
		if heard[w] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	if matched == len(s.words) {
		return 0.8
	}
	return 0.6 * float64(matched) / float64(len(s.words))
}

// normalizeText lowercases and strips everything but letters, digits and
// spaces, so "Hey, Aura!" and "hey aura" compare equal.
func normalizeText(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
