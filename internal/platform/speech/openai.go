package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend uses the hosted Whisper and TTS models.
type OpenAIBackend struct {
	client *openai.Client
	voice  openai.SpeechVoice
}

func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		voice:  openai.VoiceAlloy,
	}
}

// NewOpenAIBackendWithConfig is used to point the backend at a compatible
// server, mainly in tests.
func NewOpenAIBackendWithConfig(cfg openai.ClientConfig) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		voice:  openai.VoiceAlloy,
	}
}

func (b *OpenAIBackend) Transcribe(ctx context.Context, audio []byte) (string, error) {
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}

func (b *OpenAIBackend) Synthesize(ctx context.Context, text string) ([]byte, error) {
	rc, err := b.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1,
		Input: text,
		Voice: b.voice,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
