package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// WhisperBackend talks to a self-hosted speech service: a Whisper
// transcription endpoint and a text-to-speech endpoint.
type WhisperBackend struct {
	sttURL     string
	ttsURL     string
	voice      string
	httpClient *http.Client
}

func NewWhisperBackend(sttURL, ttsURL, voice string) *WhisperBackend {
	return &WhisperBackend{
		sttURL: sttURL,
		ttsURL: ttsURL,
		voice:  voice,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (b *WhisperBackend) Transcribe(ctx context.Context, audio []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.sttURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("STT API error: %s - %s", resp.Status, string(respBody))
	}

	var result transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func (b *WhisperBackend) Synthesize(ctx context.Context, text string) ([]byte, error) {
	jsonBody, err := json.Marshal(synthesizeRequest{Text: text, Voice: b.voice})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.ttsURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TTS API error: %s - %s", resp.Status, string(body))
	}
	return io.ReadAll(resp.Body)
}
