package vision

import (
	"context"
	"strings"
	"time"

	"voxlens/internal/imagedata"
	"voxlens/internal/upstream/openai"
)

// DefaultInstruction is prepended to every spoken question.
const DefaultInstruction = `You are a helpful AI assistant. The user will share an image and ask a question about it (or about any topic).
Answer clearly and accurately based on what you see in the image and the user's question. You can answer questions about any field: documents, objects, nature, diagrams, screenshots, photos, etc.
Use simple, clear language. Structure your answer with short paragraphs. Do not use bullet points, numbers, symbols, or emojis unless the user's question clearly calls for them.
Do not mention that you are an AI or that you are analyzing an image. Respond naturally as a knowledgeable assistant.`

type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Input struct {
	Transcript string
	Image      imagedata.Image
	Model      string
}

type Result struct {
	Answer string
	Usage  *TokenUsage
}

type Service struct {
	client       ChatClient
	defaultModel string
	instruction  string
	timeout      time.Duration
}

func New(client ChatClient, defaultModel, instruction string, timeout time.Duration) *Service {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		instruction = DefaultInstruction
	}
	return &Service{
		client:       client,
		defaultModel: strings.TrimSpace(defaultModel),
		instruction:  instruction,
		timeout:      timeout,
	}
}

// BuildPrompt joins the instruction and the transcript with a single space.
func BuildPrompt(instruction, transcript string) string {
	return instruction + " " + transcript
}

// Respond asks the model about the image in a single user turn. The answer is
// the first choice's content exactly as the model produced it.
func (s *Service) Respond(ctx context.Context, in Input) (Result, error) {
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	chatResp, err := s.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatMessage{{
			Role: "user",
			Parts: []openai.ContentPart{
				{Text: BuildPrompt(s.instruction, in.Transcript)},
				{ImageURL: in.Image.DataURI()},
			},
		}},
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{Answer: chatResp.Content}
	if chatResp.Usage != nil {
		result.Usage = &TokenUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		}
	}
	return result, nil
}
