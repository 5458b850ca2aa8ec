package speech

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrNothingToSay = errors.New("nothing to say after cleaning")

// Speaker is a SpeechSynthesizer that renders text with a Voice and hands
// the audio to a sink.
type Speaker struct {
	voice  Voice
	sink   AudioSink
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

func NewSpeaker(voice Voice, sink AudioSink, logger zerolog.Logger) *Speaker {
	return &Speaker{
		voice:  voice,
		sink:   sink,
		logger: logger.With().Str("component", "speech_synthesizer").Logger(),
	}
}

// Speak cancels the current utterance, if any, then synthesizes and plays
// text. It returns the context error when superseded.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = CleanText(text)
	if text == "" {
		return ErrNothingToSay
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}()

	audio, err := s.voice.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("synthesis failed")
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.sink.Play(ctx, audio)
}

// Cancel stops the utterance in progress.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
