// Package gtts fetches speech from the Google Translate text-to-speech
// endpoint, the same service the gTTS tool uses. The endpoint only accepts
// short inputs, so text is split into chunks and the returned MP3 streams are
// concatenated.
package gtts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"voxlens/internal/upstream"
)

const (
	MaxChunkRunes = 100
	Format        = "mp3"
	userAgent     = "Mozilla/5.0 (X11; Linux x86_64) voxlens"
)

var errNothingToSpeak = errors.New("gtts: nothing to speak")

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

type Client struct {
	baseURL    string
	lang       string
	httpClient *http.Client
	observer   ObserverFunc
}

func New(baseURL, lang string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		lang:       strings.TrimSpace(lang),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Speak returns MP3 audio for text. Chunks are fetched in order; the first
// failing chunk aborts the whole call.
func (c *Client) Speak(ctx context.Context, text string) (io.ReadCloser, error) {
	chunks := SplitText(text, MaxChunkRunes)
	if len(chunks) == 0 {
		return nil, errNothingToSpeak
	}

	var audio bytes.Buffer
	for i, chunk := range chunks {
		if err := c.fetch(ctx, chunk, i, len(chunks), &audio); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(&audio), nil
}

func (c *Client) fetch(ctx context.Context, chunk string, idx, total int, dst *bytes.Buffer) error {
	started := time.Now()
	status := 0
	defer func() { c.observe("translate_tts", status, time.Since(started)) }()

	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", c.lang)
	q.Set("q", chunk)
	q.Set("total", strconv.Itoa(total))
	q.Set("idx", strconv.Itoa(idx))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/translate_tts?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", c.baseURL+"/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return &upstream.Error{Service: "speech", StatusCode: resp.StatusCode, Body: upstream.TruncateBody(string(body))}
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

// SplitText breaks text into chunks of at most maxRunes runes, cutting on
// whitespace. Words longer than maxRunes are cut mid-word.
func SplitText(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = MaxChunkRunes
	}
	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, word := range strings.Fields(text) {
		runes := []rune(word)
		for len(runes) > maxRunes {
			flush()
			chunks = append(chunks, string(runes[:maxRunes]))
			runes = runes[maxRunes:]
		}
		n := len(runes)
		if n == 0 {
			continue
		}
		if size > 0 && size+1+n > maxRunes {
			flush()
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(string(runes))
		size += n
	}
	flush()
	return chunks
}

// Format is the container of every response from this endpoint.
func (c *Client) Format() string {
	return Format
}
