// Package speech adapts speech-to-text and text-to-speech engines to two
// narrow capabilities. Correctness of the ordering flow never depends on
// them; the no-op implementations satisfy both contracts.
package speech

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrRecognizerRunning = errors.New("recognizer already started")
	ErrRecognizerStopped = errors.New("recognizer is not running")
)

// SpeechRecognizer turns inbound audio into text. Stop is idempotent.
type SpeechRecognizer interface {
	Start(ctx context.Context) (<-chan string, error)
	Stop()
}

// SpeechSynthesizer speaks assistant text. A new Speak cancels any
// utterance still in progress.
type SpeechSynthesizer interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

// Transcriber is a speech-to-text engine.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Voice is a text-to-speech engine returning encoded audio.
type Voice interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// AudioSink plays or forwards synthesized audio.
type AudioSink interface {
	Play(ctx context.Context, audio []byte) error
}

type NoopRecognizer struct{}

// Start returns a channel that is already closed.
func (NoopRecognizer) Start(context.Context) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (NoopRecognizer) Stop() {}

type NoopSynthesizer struct{}

func (NoopSynthesizer) Speak(context.Context, string) error { return nil }
func (NoopSynthesizer) Cancel()                             {}

var (
	optionLabel = regexp.MustCompile(`Option [A-H]:`)
	bracketed   = regexp.MustCompile(`\[.*?\]`)
)

// CleanText strips markup that should not be read aloud: option labels,
// bold markers, siren emoji and bracketed trace tags.
func CleanText(text string) string {
	text = optionLabel.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "🚨", "")
	text = bracketed.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}
