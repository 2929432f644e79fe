package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"voxlens/internal/audioprobe"
	"voxlens/internal/imagedata"
	"voxlens/internal/synthesis"
	"voxlens/internal/vision"
)

type Stage string

const (
	StageValidate   Stage = "validate"
	StageTranscribe Stage = "transcribe"
	StageEncode     Stage = "encode"
	StageAnalyze    Stage = "analyze"
	StageSynthesize Stage = "synthesize"
)

var ErrInvalidInput = errors.New("invalid pipeline input")

// StageError records which stage aborted the run. It unwraps to the stage's
// own error so callers can still match on it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model string) (string, error)
}

type Responder interface {
	Respond(ctx context.Context, in vision.Input) (vision.Result, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, dir string) (synthesis.Artifact, error)
}

type ImageEncoder func(path string) (imagedata.Image, error)

type Observer interface {
	ObserveStage(stage string, ok bool, duration time.Duration)
	ObserveInputAudio(duration time.Duration)
}

type Option func(*Service)

func WithObserver(observer Observer) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

func WithImageEncoder(encode ImageEncoder) Option {
	return func(s *Service) {
		if encode != nil {
			s.encode = encode
		}
	}
}

// Service runs one question through transcription, image analysis and speech
// synthesis. It holds no per-request state and may be shared freely.
type Service struct {
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer
	encode      ImageEncoder
	observer    Observer
}

type ProcessInput struct {
	AudioPath          string
	ImagePath          string
	OutputDir          string
	TranscriptionModel string
	VisionModel        string
}

type Timings struct {
	Transcription time.Duration
	Analysis      time.Duration
	Synthesis     time.Duration
	Total         time.Duration
}

type ProcessResult struct {
	Transcript string
	Answer     string
	Audio      synthesis.Artifact
	Usage      *vision.TokenUsage
	Timings    Timings
}

func New(transcriber Transcriber, responder Responder, synthesizer Synthesizer, opts ...Option) *Service {
	s := &Service{
		transcriber: transcriber,
		responder:   responder,
		synthesizer: synthesizer,
		encode:      imagedata.EncodeFile,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Process either returns a complete result or the first stage failure; it
// never returns partial output.
func (s *Service) Process(ctx context.Context, in ProcessInput) (ProcessResult, error) {
	started := time.Now()

	if err := validateInput(in); err != nil {
		return ProcessResult{}, &StageError{Stage: StageValidate, Err: err}
	}
	if d, ok := audioprobe.Duration(in.AudioPath); ok && s.observer != nil {
		s.observer.ObserveInputAudio(d)
	}

	var transcript string
	transcriptionDuration, err := s.run(StageTranscribe, func() error {
		var err error
		transcript, err = s.transcriber.Transcribe(ctx, in.AudioPath, in.TranscriptionModel)
		return err
	})
	if err != nil {
		return ProcessResult{}, err
	}

	var image imagedata.Image
	encodeDuration, err := s.run(StageEncode, func() error {
		var err error
		image, err = s.encode(in.ImagePath)
		return err
	})
	if err != nil {
		return ProcessResult{}, err
	}

	var answer vision.Result
	analysisDuration, err := s.run(StageAnalyze, func() error {
		var err error
		answer, err = s.responder.Respond(ctx, vision.Input{
			Transcript: transcript,
			Image:      image,
			Model:      in.VisionModel,
		})
		return err
	})
	if err != nil {
		return ProcessResult{}, err
	}

	var artifact synthesis.Artifact
	synthesisDuration, err := s.run(StageSynthesize, func() error {
		var err error
		artifact, err = s.synthesizer.Synthesize(ctx, answer.Answer, in.OutputDir)
		return err
	})
	if err != nil {
		return ProcessResult{}, err
	}

	return ProcessResult{
		Transcript: transcript,
		Answer:     answer.Answer,
		Audio:      artifact,
		Usage:      answer.Usage,
		Timings: Timings{
			Transcription: transcriptionDuration,
			Analysis:      encodeDuration + analysisDuration,
			Synthesis:     synthesisDuration,
			Total:         time.Since(started),
		},
	}, nil
}

func (s *Service) run(stage Stage, fn func() error) (time.Duration, error) {
	started := time.Now()
	err := fn()
	duration := time.Since(started)
	if s.observer != nil {
		s.observer.ObserveStage(string(stage), err == nil, duration)
	}
	if err != nil {
		return duration, &StageError{Stage: stage, Err: err}
	}
	return duration, nil
}

func validateInput(in ProcessInput) error {
	if err := checkFile("audio", in.AudioPath); err != nil {
		return err
	}
	if err := checkFile("image", in.ImagePath); err != nil {
		return err
	}
	if strings.TrimSpace(in.OutputDir) == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidInput)
	}
	return nil
}

func checkFile(kind, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: %s path is required", ErrInvalidInput, kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidInput, kind, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, kind)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s file is empty", ErrInvalidInput, kind)
	}
	return nil
}
