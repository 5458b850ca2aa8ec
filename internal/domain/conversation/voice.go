package conversation

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/speech"
)

// SetVoiceEnabled toggles spoken replies. Turning voice off cancels the
// current utterance.
func (c *Controller) SetVoiceEnabled(enabled bool) {
	c.mu.Lock()
	c.voice = enabled
	c.mu.Unlock()
	if !enabled {
		c.synthesizer.Cancel()
	}
}

func (c *Controller) speak(text string) {
	c.mu.Lock()
	on := c.voice
	c.mu.Unlock()
	if !on || text == "" {
		return
	}
	go func() {
		err := c.synthesizer.Speak(context.Background(), text)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, speech.ErrNothingToSay) {
			c.logger.Warn().Err(err).Msg("speech synthesis failed")
		}
	}()
}

// StartListening starts the recognizer. Transcripts are published as
// speech.transcript events for the client to place in its input box; they
// are never sent as turns on their own.
func (c *Controller) StartListening(ctx context.Context) error {
	bg := context.WithoutCancel(ctx)
	ch, err := c.recognizer.Start(bg)
	if errors.Is(err, speech.ErrRecognizerRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	go func() {
		for text := range ch {
			c.notify(bg, session.EventSpeechTranscript, map[string]string{"text": text})
		}
	}()
	return nil
}

// StopListening stops the recognizer. It is safe to call repeatedly.
func (c *Controller) StopListening() {
	c.recognizer.Stop()
}

type audioFeeder interface {
	Feed(audio []byte) error
}

// FeedAudio passes a recorded chunk to a recognizer that accepts audio.
func (c *Controller) FeedAudio(audio []byte) error {
	f, ok := c.recognizer.(audioFeeder)
	if !ok {
		return ErrAudioUnsupported
	}
	return f.Feed(audio)
}

type notifierSink struct {
	notifier session.Notifier
}

// NewAudioSink returns a sink that publishes synthesized audio to the
// session's subscribers as base64 in a speech.audio event.
func NewAudioSink(notifier session.Notifier) speech.AudioSink {
	return notifierSink{notifier: notifier}
}

func (s notifierSink) Play(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.notifier.Notify(ctx, session.Event{
		Type: session.EventSpeechAudio,
		Data: map[string]string{"audio": base64.StdEncoding.EncodeToString(audio)},
	})
	return nil
}
