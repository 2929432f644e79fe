package transcription

import (
	"context"
	"errors"
	"strings"
	"time"

	"voxlens/internal/upstream/openai"
)

// ErrEmptyTranscript means the speech service heard nothing usable.
var ErrEmptyTranscript = errors.New("transcription produced no text")

type Client interface {
	Transcribe(ctx context.Context, req openai.TranscriptionRequest) (string, error)
}

type Service struct {
	client       Client
	defaultModel string
	language     string
	timeout      time.Duration
}

func New(client Client, defaultModel, language string, timeout time.Duration) *Service {
	return &Service{
		client:       client,
		defaultModel: strings.TrimSpace(defaultModel),
		language:     strings.TrimSpace(language),
		timeout:      timeout,
	}
}

// Transcribe sends the audio file once; failures and text are returned unchanged.
func (s *Service) Transcribe(ctx context.Context, audioPath, model string) (string, error) {
	selectedModel := strings.TrimSpace(model)
	if selectedModel == "" {
		selectedModel = s.defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.client.Transcribe(ctx, openai.TranscriptionRequest{
		FilePath: audioPath,
		Model:    selectedModel,
		Language: s.language,
	})
	if err != nil {
		return "", err
	}
	// The text is passed on as returned; Whisper output often starts with a
	// space and the prompt keeps it.
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}
