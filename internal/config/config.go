package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnvVar names the optional YAML file whose values sit between the
// built-in defaults and the process environment.
const FileEnvVar = "VOXLENS_CONFIG"

const (
	SynthesisProviderGTTS   = "gtts"
	SynthesisProviderOpenAI = "openai"
)

type Config struct {
	ListenAddr            string
	UpstreamBaseURL       string
	UpstreamAPIKey        string
	TranscriptionModel    string
	TranscriptionLanguage string
	VisionModel           string
	VisionInstruction     string
	SynthesisProvider     string
	SynthesisModel        string
	SynthesisVoice        string
	SynthesisFormat       string
	GTTSBaseURL           string
	GTTSLanguage          string
	RequestTimeout        time.Duration
	UploadTimeout         time.Duration
	TranscriptionTimeout  time.Duration
	VisionTimeout         time.Duration
	SynthesisTimeout      time.Duration
	MaxUploadBytes        int64
	ScratchDir            string
	LogLevel              string
}

// Defaults live in defaultEnvConfig rather than envDefault tags so that values
// read from the YAML file survive cenv.Parse when the variable is unset.
type envConfig struct {
	ListenAddr                  string `env:"LISTEN_ADDR" yaml:"listen_addr"`
	UpstreamBaseURL             string `env:"UPSTREAM_BASE_URL" yaml:"upstream_base_url"`
	UpstreamAPIKey              string `env:"UPSTREAM_API_KEY" yaml:"upstream_api_key"`
	GroqAPIKey                  string `env:"GROQ_API_KEY" yaml:"-"`
	TranscriptionModel          string `env:"TRANSCRIPTION_MODEL" yaml:"transcription_model"`
	TranscriptionLanguage       string `env:"TRANSCRIPTION_LANGUAGE" yaml:"transcription_language"`
	VisionModel                 string `env:"VISION_MODEL" yaml:"vision_model"`
	VisionInstruction           string `env:"VISION_INSTRUCTION" yaml:"vision_instruction"`
	SynthesisProvider           string `env:"SYNTHESIS_PROVIDER" yaml:"synthesis_provider"`
	SynthesisModel              string `env:"SYNTHESIS_MODEL" yaml:"synthesis_model"`
	SynthesisVoice              string `env:"SYNTHESIS_VOICE" yaml:"synthesis_voice"`
	SynthesisFormat             string `env:"SYNTHESIS_FORMAT" yaml:"synthesis_format"`
	GTTSBaseURL                 string `env:"GTTS_BASE_URL" yaml:"gtts_base_url"`
	GTTSLanguage                string `env:"GTTS_LANGUAGE" yaml:"gtts_language"`
	RequestTimeoutSeconds       int    `env:"REQUEST_TIMEOUT_SECONDS" yaml:"request_timeout_seconds"`
	UploadTimeoutSeconds        int    `env:"UPLOAD_TIMEOUT_SECONDS" yaml:"upload_timeout_seconds"`
	TranscriptionTimeoutSeconds int    `env:"TRANSCRIPTION_TIMEOUT_SECONDS" yaml:"transcription_timeout_seconds"`
	VisionTimeoutSeconds        int    `env:"VISION_TIMEOUT_SECONDS" yaml:"vision_timeout_seconds"`
	SynthesisTimeoutSeconds     int    `env:"SYNTHESIS_TIMEOUT_SECONDS" yaml:"synthesis_timeout_seconds"`
	MaxUploadBytes              int64  `env:"MAX_UPLOAD_BYTES" yaml:"max_upload_bytes"`
	ScratchDir                  string `env:"SCRATCH_DIR" yaml:"scratch_dir"`
	LogLevel                    string `env:"LOG_LEVEL" yaml:"log_level"`
}

func defaultEnvConfig() envConfig {
	return envConfig{
		ListenAddr:                  ":8080",
		UpstreamBaseURL:             "https://api.groq.com/openai/v1",
		TranscriptionModel:          "whisper-large-v3",
		TranscriptionLanguage:       "en",
		VisionModel:                 "meta-llama/llama-4-maverick-17b-128e-instruct",
		SynthesisProvider:           SynthesisProviderGTTS,
		SynthesisModel:              "playai-tts",
		SynthesisVoice:              "Fritz-PlayAI",
		SynthesisFormat:             "wav",
		GTTSBaseURL:                 "https://translate.google.com",
		GTTSLanguage:                "en",
		RequestTimeoutSeconds:       60,
		UploadTimeoutSeconds:        60,
		TranscriptionTimeoutSeconds: 30,
		VisionTimeoutSeconds:        60,
		SynthesisTimeoutSeconds:     30,
		MaxUploadBytes:              26214400,
		LogLevel:                    "info",
	}
}

// Load resolves configuration from defaults, the optional VOXLENS_CONFIG YAML
// file and the environment, in increasing order of precedence. An empty API
// key is not an error here; it surfaces when an upstream call is attempted.
func Load() (Config, error) {
	raw := defaultEnvConfig()
	if path := strings.TrimSpace(os.Getenv(FileEnvVar)); path != "" {
		if err := loadFile(path, &raw); err != nil {
			return Config{}, err
		}
	}
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	apiKey := strings.TrimSpace(raw.UpstreamAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(raw.GroqAPIKey)
	}

	cfg := Config{
		ListenAddr:            strings.TrimSpace(raw.ListenAddr),
		UpstreamBaseURL:       strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:        apiKey,
		TranscriptionModel:    strings.TrimSpace(raw.TranscriptionModel),
		TranscriptionLanguage: strings.ToLower(strings.TrimSpace(raw.TranscriptionLanguage)),
		VisionModel:           strings.TrimSpace(raw.VisionModel),
		VisionInstruction:     strings.TrimSpace(raw.VisionInstruction),
		SynthesisProvider:     strings.ToLower(strings.TrimSpace(raw.SynthesisProvider)),
		SynthesisModel:        strings.TrimSpace(raw.SynthesisModel),
		SynthesisVoice:        strings.TrimSpace(raw.SynthesisVoice),
		SynthesisFormat:       strings.ToLower(strings.TrimSpace(raw.SynthesisFormat)),
		GTTSBaseURL:           strings.TrimRight(strings.TrimSpace(raw.GTTSBaseURL), "/"),
		GTTSLanguage:          strings.TrimSpace(raw.GTTSLanguage),
		RequestTimeout:        time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		UploadTimeout:         time.Duration(raw.UploadTimeoutSeconds) * time.Second,
		TranscriptionTimeout:  time.Duration(raw.TranscriptionTimeoutSeconds) * time.Second,
		VisionTimeout:         time.Duration(raw.VisionTimeoutSeconds) * time.Second,
		SynthesisTimeout:      time.Duration(raw.SynthesisTimeoutSeconds) * time.Second,
		MaxUploadBytes:        raw.MaxUploadBytes,
		ScratchDir:            strings.TrimSpace(raw.ScratchDir),
		LogLevel:              strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, raw *envConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" {
		return errors.New("TRANSCRIPTION_MODEL must not be empty")
	}
	if c.TranscriptionLanguage == "" {
		return errors.New("TRANSCRIPTION_LANGUAGE must not be empty")
	}
	if c.VisionModel == "" {
		return errors.New("VISION_MODEL must not be empty")
	}
	switch c.SynthesisProvider {
	case SynthesisProviderGTTS:
		if c.GTTSBaseURL == "" {
			return errors.New("GTTS_BASE_URL must not be empty")
		}
		if c.GTTSLanguage == "" {
			return errors.New("GTTS_LANGUAGE must not be empty")
		}
	case SynthesisProviderOpenAI:
		if c.SynthesisModel == "" || c.SynthesisVoice == "" || c.SynthesisFormat == "" {
			return errors.New("SYNTHESIS_MODEL, SYNTHESIS_VOICE and SYNTHESIS_FORMAT must not be empty")
		}
	default:
		return fmt.Errorf("SYNTHESIS_PROVIDER must be %q or %q, got %q", SynthesisProviderGTTS, SynthesisProviderOpenAI, c.SynthesisProvider)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.UploadTimeout <= 0 {
		return errors.New("UPLOAD_TIMEOUT_SECONDS must be > 0")
	}
	if c.TranscriptionTimeout <= 0 {
		return errors.New("TRANSCRIPTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.VisionTimeout <= 0 {
		return errors.New("VISION_TIMEOUT_SECONDS must be > 0")
	}
	if c.SynthesisTimeout <= 0 {
		return errors.New("SYNTHESIS_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	return nil
}
