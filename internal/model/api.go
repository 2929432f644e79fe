package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type AnalyzeTimings struct {
	Transcription int64 `json:"transcription"`
	Analysis      int64 `json:"analysis"`
	Synthesis     int64 `json:"synthesis"`
	Total         int64 `json:"total"`
}

// AnalyzeResponse keeps the field names existing clients already read.
type AnalyzeResponse struct {
	SpeechText   string         `json:"speech_text"`
	ResponseText string         `json:"response_text"`
	AudioBase64  string         `json:"audio_base64"`
	AudioFormat  string         `json:"audio_format"`
	Usage        *TokenUsage    `json:"usage,omitempty"`
	TimingsMS    AnalyzeTimings `json:"timings_ms"`
}

// AskResponse feeds the interactive form. On failure every output is blank
// and Notice carries the placeholder text.
type AskResponse struct {
	Transcript string `json:"transcript"`
	Answer     string `json:"answer"`
	AudioURI   string `json:"audio_uri"`
	Notice     string `json:"notice,omitempty"`
}
