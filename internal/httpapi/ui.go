package httpapi

import (
	_ "embed"
	"encoding/base64"
	"net/http"

	"voxlens/internal/model"
)

//go:embed ui/index.html
var indexHTML []byte

const askFailureNotice = "Sorry, that question could not be answered. Please try again."

func (s *server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

// handleAsk backs the interactive form. Failures never reach the form as
// errors: the outputs are blanked and a placeholder notice is shown instead.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	result, audio, err := s.analyze(w, r)
	if err != nil {
		s.logger.Warn("ui_ask_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, http.StatusOK, model.AskResponse{Notice: askFailureNotice})
		return
	}

	writeJSON(w, http.StatusOK, model.AskResponse{
		Transcript: result.Transcript,
		Answer:     result.Answer,
		AudioURI:   "data:" + result.Audio.ContentType + ";base64," + base64.StdEncoding.EncodeToString(audio),
	})
}
