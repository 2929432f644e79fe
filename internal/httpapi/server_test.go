package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"voxlens/internal/config"
	"voxlens/internal/model"
	"voxlens/internal/pipeline"
	"voxlens/internal/synthesis"
	"voxlens/internal/upstream"
)

type stubPipeline struct {
	answer    string
	err       error
	called    bool
	input     pipeline.ProcessInput
	audioBody string
	imageBody string
	apiKey    string
}

func (s *stubPipeline) Process(ctx context.Context, in pipeline.ProcessInput) (pipeline.ProcessResult, error) {
	s.called = true
	s.input = in
	s.apiKey = upstream.RequestAPIKeyFromContext(ctx)
	audio, _ := os.ReadFile(in.AudioPath)
	image, _ := os.ReadFile(in.ImagePath)
	s.audioBody = string(audio)
	s.imageBody = string(image)
	if s.err != nil {
		return pipeline.ProcessResult{}, s.err
	}
	path := filepath.Join(in.OutputDir, "answer-test.mp3")
	if err := os.WriteFile(path, []byte("mp3:"+s.answer), 0o600); err != nil {
		return pipeline.ProcessResult{}, err
	}
	return pipeline.ProcessResult{
		Transcript: "What is shown in this picture?",
		Answer:     s.answer,
		Audio:      synthesis.Artifact{Path: path, Format: "mp3", ContentType: "audio/mpeg", Bytes: int64(len(s.answer) + 4)},
	}, nil
}

type stubUpstream struct {
	err        error
	credential bool
}

func (s stubUpstream) CheckModels(context.Context) error { return s.err }

func (s stubUpstream) HasCredential(ctx context.Context) bool {
	return s.credential || upstream.RequestAPIKeyFromContext(ctx) != ""
}

func newTestHandler(t *testing.T, pipe PipelineService, up UpstreamChecker) http.Handler {
	t.Helper()
	return newTestHandlerWithScratch(t, pipe, up, t.TempDir())
}

func newTestHandlerWithScratch(t *testing.T, pipe PipelineService, up UpstreamChecker, scratchDir string) http.Handler {
	t.Helper()
	cfg := config.Config{
		MaxUploadBytes:  1024 * 1024,
		UpstreamBaseURL: "http://example.com",
		ScratchDir:      scratchDir,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, logger, Dependencies{Pipeline: pipe, Upstream: up})
}

func multipartBody(t *testing.T, files map[string][2]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, f := range files {
		part, err := mw.CreateFormFile(field, f[0])
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = part.Write([]byte(f[1]))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func questionFiles() map[string][2]string {
	return map[string][2]string{
		"audio": {"question.wav", "audio-bytes"},
		"image": {"red-circle.png", "image-bytes"},
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{}, stubUpstream{})

	for _, path := range []string{"/", "/healthz"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status: %d", path, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"status":"ok"`) {
			t.Fatalf("%s: unexpected body: %s", path, w.Body.String())
		}
	}
}

func TestAnalyzeReturnsTranscriptAnswerAndAudio(t *testing.T) {
	pipe := &stubPipeline{answer: "A red circle."}
	h := newTestHandler(t, pipe, stubUpstream{})

	body, contentType := multipartBody(t, questionFiles())
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	var resp model.AnalyzeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.SpeechText != "What is shown in this picture?" || resp.ResponseText != "A red circle." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		t.Fatalf("audio_base64 is not standard base64: %v", err)
	}
	if string(audio) != "mp3:A red circle." || resp.AudioFormat != "mp3" {
		t.Fatalf("unexpected audio: %q %q", audio, resp.AudioFormat)
	}

	if pipe.audioBody != "audio-bytes" || pipe.imageBody != "image-bytes" {
		t.Fatalf("uploads not stored: %q %q", pipe.audioBody, pipe.imageBody)
	}
	if base := filepath.Base(pipe.input.AudioPath); base == "question.wav" || !strings.HasPrefix(base, "audio-") {
		t.Fatalf("audio path must be generated, got %q", pipe.input.AudioPath)
	}
	if _, err := os.Stat(pipe.input.OutputDir); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("workspace should be removed after the request, stat err = %v", err)
	}
}

func TestScratchDirEmptyAfterEveryRequest(t *testing.T) {
	onlyAudio := map[string][2]string{"audio": {"q.wav", "audio"}}
	cases := []struct {
		name    string
		path    string
		files   map[string][2]string
		raw     bool
		pipeErr error
	}{
		{name: "analyze success", path: "/analyze", files: questionFiles()},
		{name: "analyze pipeline error", path: "/analyze", files: questionFiles(), pipeErr: errors.New("boom")},
		{name: "analyze missing image", path: "/analyze", files: onlyAudio},
		{name: "analyze not multipart", path: "/analyze", raw: true},
		{name: "ask success", path: "/ui/ask", files: questionFiles()},
		{name: "ask pipeline error", path: "/ui/ask", files: questionFiles(), pipeErr: errors.New("boom")},
		{name: "ask missing image", path: "/ui/ask", files: onlyAudio},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scratchDir := t.TempDir()
			pipe := &stubPipeline{answer: "A red circle.", err: tc.pipeErr}
			h := newTestHandlerWithScratch(t, pipe, stubUpstream{}, scratchDir)

			var req *http.Request
			if tc.raw {
				req = httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader("not a form"))
				req.Header.Set("Content-Type", "text/plain")
			} else {
				body, contentType := multipartBody(t, tc.files)
				req = httptest.NewRequest(http.MethodPost, tc.path, body)
				req.Header.Set("Content-Type", contentType)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			entries, err := os.ReadDir(scratchDir)
			if err != nil {
				t.Fatalf("ReadDir: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("scratch dir not cleaned after %s (status %d): %d entries left", tc.name, w.Code, len(entries))
			}
		})
	}
}

func TestAnalyzeRequiresBothFiles(t *testing.T) {
	pipe := &stubPipeline{}
	h := newTestHandler(t, pipe, stubUpstream{})

	body, contentType := multipartBody(t, map[string][2]string{"audio": {"q.wav", "audio"}})
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "multipart field 'image' is required") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if pipe.called {
		t.Fatal("pipeline must not run without both inputs")
	}
}

func TestAnalyzeRejectsNonMultipart(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{}, stubUpstream{})
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestAnalyzeMapsPipelineErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"input", fmt.Errorf("%w: audio file is empty", pipeline.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{"missing key", upstream.ErrMissingAPIKey, http.StatusUnauthorized, "credential_error"},
		{"rejected key", &upstream.Error{StatusCode: http.StatusUnauthorized}, http.StatusUnauthorized, "credential_error"},
		{"remote", &upstream.Error{StatusCode: http.StatusInternalServerError, Body: "boom"}, http.StatusBadGateway, "upstream_request_failed"},
		{"malformed", fmt.Errorf("%w: missing choices", upstream.ErrMalformedResponse), http.StatusBadGateway, "upstream_request_failed"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"local", errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipe := &stubPipeline{err: &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: tc.err}}
			h := newTestHandler(t, pipe, stubUpstream{})

			body, contentType := multipartBody(t, questionFiles())
			req := httptest.NewRequest(http.MethodPost, "/analyze", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.status {
				t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
			}
			var resp model.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if resp.Error.Code != tc.code {
				t.Fatalf("unexpected code: %q", resp.Error.Code)
			}
			if resp.Error.Details["stage"] != "transcribe" {
				t.Fatalf("expected stage detail, got %+v", resp.Error.Details)
			}
			if strings.Contains(w.Body.String(), "speech_text") {
				t.Fatal("no partial result may be returned")
			}
		})
	}
}

func TestBearerTokenIsForwarded(t *testing.T) {
	pipe := &stubPipeline{answer: "ok"}
	h := newTestHandler(t, pipe, stubUpstream{})

	body, contentType := multipartBody(t, questionFiles())
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer gsk_request")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if pipe.apiKey != "gsk_request" {
		t.Fatalf("unexpected forwarded key: %q", pipe.apiKey)
	}
}

func TestMalformedAuthorizationRejected(t *testing.T) {
	pipe := &stubPipeline{}
	h := newTestHandler(t, pipe, stubUpstream{})

	req := httptest.NewRequest(http.MethodPost, "/analyze", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if pipe.called {
		t.Fatal("pipeline must not run")
	}
}

func TestCORSPreflightIsOpen(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{}, stubUpstream{})

	req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Custom-Header")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("unexpected allow methods: %q", got)
	}
}

func TestReadyzSkipsUpstreamCheckWithoutAnyToken(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{}, stubUpstream{err: io.EOF})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
}

func TestReadyzReportsUpstreamFailure(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{}, stubUpstream{err: io.EOF, credential: true})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
}

func TestUIPageServed(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{}, stubUpstream{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ui", nil))

	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected response: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	for _, want := range []string{`id="transcript"`, `id="answer"`, `id="answer-audio"`, `id="clear"`} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("page is missing %s", want)
		}
	}
}

func TestUIAskSuccess(t *testing.T) {
	h := newTestHandler(t, &stubPipeline{answer: "A red circle."}, stubUpstream{})

	body, contentType := multipartBody(t, questionFiles())
	req := httptest.NewRequest(http.MethodPost, "/ui/ask", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp model.AskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Answer != "A red circle." || resp.Notice != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.AudioURI, "data:audio/mpeg;base64,") {
		t.Fatalf("unexpected audio uri: %q", resp.AudioURI)
	}
}

func TestUIAskFailureShowsPlaceholder(t *testing.T) {
	pipe := &stubPipeline{err: &pipeline.StageError{Stage: pipeline.StageAnalyze, Err: errors.New("boom")}}
	h := newTestHandler(t, pipe, stubUpstream{})

	body, contentType := multipartBody(t, questionFiles())
	req := httptest.NewRequest(http.MethodPost, "/ui/ask", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var resp model.AskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Transcript != "" || resp.Answer != "" || resp.AudioURI != "" || resp.Notice == "" {
		t.Fatalf("expected blank outputs with a notice, got %+v", resp)
	}
}
