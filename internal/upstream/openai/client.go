package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"voxlens/internal/upstream"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

// Client talks to an OpenAI-compatible API (Groq by default). The credential
// is resolved on every call: a key carried by the request context wins over
// the configured one, and no network traffic happens without either.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	observer   ObserverFunc
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type TranscriptionRequest struct {
	FilePath string
	Model    string
	Language string
}

// ContentPart is either text or an image URL (typically a data URI).
type ContentPart struct {
	Text     string
	ImageURL string
}

type ChatMessage struct {
	Role  string
	Parts []ContentPart
}

type ChatCompletionRequest struct {
	Model    string
	Messages []ChatMessage
}

type ChatCompletionResponse struct {
	Content string
	Usage   *TokenUsage
}

type SpeechRequest struct {
	Model  string
	Voice  string
	Format string
	Input  string
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

func New(baseURL, apiKey string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}

	started := time.Now()
	resp, err := api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    req.Model,
		FilePath: req.FilePath,
		Language: req.Language,
		Format:   goopenai.AudioResponseFormatJSON,
	})
	err = normalizeError("transcription", err)
	c.observe("audio_transcriptions", statusOf(err), time.Since(started))
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *Client) ChatCompletion(ctx context.Context, reqPayload ChatCompletionRequest) (ChatCompletionResponse, error) {
	api, err := c.api(ctx)
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	started := time.Now()
	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    reqPayload.Model,
		Messages: toChatMessages(reqPayload.Messages),
	})
	err = normalizeError("chat completion", err)
	c.observe("chat_completions", statusOf(err), time.Since(started))
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	if len(resp.Choices) == 0 {
		return ChatCompletionResponse{}, fmt.Errorf("%w: missing choices", upstream.ErrMalformedResponse)
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return ChatCompletionResponse{}, fmt.Errorf("%w: missing choices[0].message.content", upstream.ErrMalformedResponse)
	}

	out := ChatCompletionResponse{Content: content}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Speech returns the synthesized audio stream. The caller must close it.
func (c *Client) Speech(ctx context.Context, req SpeechRequest) (io.ReadCloser, error) {
	api, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := api.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(req.Model),
		Input:          req.Input,
		Voice:          goopenai.SpeechVoice(req.Voice),
		ResponseFormat: goopenai.SpeechResponseFormat(req.Format),
	})
	err = normalizeError("speech", err)
	c.observe("audio_speech", statusOf(err), time.Since(started))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CheckModels(ctx context.Context) error {
	api, err := c.api(ctx)
	if err != nil {
		return err
	}

	started := time.Now()
	_, err = api.ListModels(ctx)
	err = normalizeError("models", err)
	c.observe("models", statusOf(err), time.Since(started))
	return err
}

// HasCredential reports whether a call made with ctx would carry an API key.
func (c *Client) HasCredential(ctx context.Context) bool {
	return c.resolveKey(ctx) != ""
}

func (c *Client) api(ctx context.Context) (*goopenai.Client, error) {
	key := c.resolveKey(ctx)
	if key == "" {
		return nil, upstream.ErrMissingAPIKey
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.httpClient
	return goopenai.NewClientWithConfig(cfg), nil
}

func (c *Client) resolveKey(ctx context.Context) string {
	if key := upstream.RequestAPIKeyFromContext(ctx); key != "" {
		return key
	}
	return c.apiKey
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

func toChatMessages(in []ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		msg := goopenai.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) == 1 && m.Parts[0].ImageURL == "" {
			msg.Content = m.Parts[0].Text
			out = append(out, msg)
			continue
		}
		for _, p := range m.Parts {
			if p.ImageURL != "" {
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: p.ImageURL},
				})
				continue
			}
			msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
		out = append(out, msg)
	}
	return out
}

func normalizeError(service string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &upstream.Error{Service: service, StatusCode: apiErr.HTTPStatusCode, Body: upstream.TruncateBody(apiErr.Message)}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &upstream.Error{Service: service, StatusCode: reqErr.HTTPStatusCode, Body: upstream.TruncateBody(body)}
	}
	return err
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return upErr.StatusCode
	}
	return 0
}
