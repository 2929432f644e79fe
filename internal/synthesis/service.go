package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"voxlens/internal/upstream"
	"voxlens/internal/upstream/openai"
)

var ErrEmptyText = errors.New("synthesis text is empty")

// Backend produces encoded speech for text in a fixed container format.
type Backend interface {
	Speak(ctx context.Context, text string) (io.ReadCloser, error)
	Format() string
}

type SpeechClient interface {
	Speech(ctx context.Context, req openai.SpeechRequest) (io.ReadCloser, error)
}

// OpenAIBackend speaks through an OpenAI-compatible /audio/speech endpoint.
type OpenAIBackend struct {
	client SpeechClient
	model  string
	voice  string
	format string
}

func NewOpenAIBackend(client SpeechClient, model, voice, format string) *OpenAIBackend {
	return &OpenAIBackend{
		client: client,
		model:  strings.TrimSpace(model),
		voice:  strings.TrimSpace(voice),
		format: strings.ToLower(strings.TrimSpace(format)),
	}
}

func (b *OpenAIBackend) Speak(ctx context.Context, text string) (io.ReadCloser, error) {
	return b.client.Speech(ctx, openai.SpeechRequest{
		Model:  b.model,
		Voice:  b.voice,
		Format: b.format,
		Input:  text,
	})
}

func (b *OpenAIBackend) Format() string {
	return b.format
}

// Artifact is a synthesized answer on local disk.
type Artifact struct {
	Path        string
	Format      string
	ContentType string
	Bytes       int64
}

type Service struct {
	backend Backend
	timeout time.Duration
}

func New(backend Backend, timeout time.Duration) *Service {
	return &Service{backend: backend, timeout: timeout}
}

// Synthesize writes speech for text into dir under a fresh name and returns
// where it landed. On any failure no file is left behind.
func (s *Service) Synthesize(ctx context.Context, text, dir string) (Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return Artifact{}, ErrEmptyText
	}
	if dir == "" {
		return Artifact{}, errors.New("synthesis output directory is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	audio, err := s.backend.Speak(ctx, text)
	if err != nil {
		return Artifact{}, err
	}
	defer audio.Close()

	format := s.backend.Format()
	path := filepath.Join(dir, "answer-"+uuid.NewString()+"."+format)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Artifact{}, err
	}
	n, copyErr := io.Copy(f, audio)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return Artifact{}, err
	}
	if n == 0 {
		_ = os.Remove(path)
		return Artifact{}, fmt.Errorf("%w: speech response was empty", upstream.ErrMalformedResponse)
	}

	return Artifact{
		Path:        path,
		Format:      format,
		ContentType: ContentType(format),
		Bytes:       n,
	}, nil
}

func ContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "ogg", "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}
