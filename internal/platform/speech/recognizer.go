package speech

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// StreamRecognizer is a SpeechRecognizer fed with recorded audio chunks.
// Each chunk is transcribed by the backend and the text delivered on the
// channel returned by Start.
type StreamRecognizer struct {
	backend Transcriber
	logger  zerolog.Logger

	mu      sync.Mutex
	out     chan string
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func NewStreamRecognizer(backend Transcriber, logger zerolog.Logger) *StreamRecognizer {
	return &StreamRecognizer{
		backend: backend,
		logger:  logger.With().Str("component", "speech_recognizer").Logger(),
	}
}

func (r *StreamRecognizer) Start(ctx context.Context) (<-chan string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, ErrRecognizerRunning
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.out = make(chan string, 8)
	r.running = true
	return r.out, nil
}

// Stop ends recognition and closes the transcript channel. Stopping a
// stopped recognizer does nothing.
func (r *StreamRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.cancel()
	close(r.out)
}

func (r *StreamRecognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Feed transcribes one audio chunk. Empty transcripts are dropped.
func (r *StreamRecognizer) Feed(audio []byte) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrRecognizerStopped
	}
	ctx, out := r.ctx, r.out
	r.mu.Unlock()

	text, err := r.backend.Transcribe(ctx, audio)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The recognizer may have been stopped or restarted while transcribing.
	if !r.running || r.out != out {
		return ErrRecognizerStopped
	}
	select {
	case out <- text:
	default:
		r.logger.Warn().Msg("transcript buffer full; dropping transcript")
	}
	return nil
}
