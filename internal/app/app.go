// Package app assembles the question pipeline from configuration. Both the
// HTTP server and the console share it.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"voxlens/internal/config"
	"voxlens/internal/observability"
	"voxlens/internal/pipeline"
	"voxlens/internal/synthesis"
	"voxlens/internal/transcription"
	"voxlens/internal/upstream/gtts"
	"voxlens/internal/upstream/openai"
	"voxlens/internal/vision"
)

type Components struct {
	Upstream *openai.Client
	Pipeline *pipeline.Service
}

func NewLogger(level string, w io.Writer) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel}))
}

// NewHTTPServer sizes the server timeouts from configuration: reading covers
// the upload, writing covers three sequential upstream calls.
func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.UploadTimeout,
		WriteTimeout:      cfg.UploadTimeout + cfg.TranscriptionTimeout + cfg.VisionTimeout + cfg.SynthesisTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Build wires the upstream clients and the three stage services. metrics may
// be nil.
func Build(cfg config.Config, httpClient *http.Client, metrics *observability.Metrics) (Components, error) {
	var (
		openaiOpts   []openai.Option
		gttsOpts     []gtts.Option
		pipelineOpts []pipeline.Option
	)
	if metrics != nil {
		openaiOpts = append(openaiOpts, openai.WithObserver(metrics.ObserveUpstream))
		gttsOpts = append(gttsOpts, gtts.WithObserver(metrics.ObserveUpstream))
		pipelineOpts = append(pipelineOpts, pipeline.WithObserver(metrics))
	}

	upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, httpClient, openaiOpts...)

	var backend synthesis.Backend
	switch cfg.SynthesisProvider {
	case config.SynthesisProviderGTTS:
		backend = gtts.New(cfg.GTTSBaseURL, cfg.GTTSLanguage, httpClient, gttsOpts...)
	case config.SynthesisProviderOpenAI:
		backend = synthesis.NewOpenAIBackend(upstreamClient, cfg.SynthesisModel, cfg.SynthesisVoice, cfg.SynthesisFormat)
	default:
		return Components{}, fmt.Errorf("unknown synthesis provider %q", cfg.SynthesisProvider)
	}

	transcriptionService := transcription.New(upstreamClient, cfg.TranscriptionModel, cfg.TranscriptionLanguage, cfg.TranscriptionTimeout)
	visionService := vision.New(upstreamClient, cfg.VisionModel, cfg.VisionInstruction, cfg.VisionTimeout)
	synthesisService := synthesis.New(backend, cfg.SynthesisTimeout)

	return Components{
		Upstream: upstreamClient,
		Pipeline: pipeline.New(transcriptionService, visionService, synthesisService, pipelineOpts...),
	}, nil
}
