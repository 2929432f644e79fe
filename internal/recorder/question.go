package recorder

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	DefaultSampleRate  = 16000
	DefaultGainDB      = 10
	DefaultMaxDuration = 10 * time.Second
	CalibrationPeriod  = time.Second

	// Speech is anything this many times louder than the room.
	speechFactor = 2.0
	minThreshold = 0.005
	frameMillis  = 20
)

// ErrNoSpeech means nothing in the capture rose above the ambient level.
var ErrNoSpeech = errors.New("no speech detected")

// Source is a capture device: Stop returns what was heard since Start.
type Source interface {
	Start() error
	Stop() []float32
}

type Options struct {
	SampleRate  int
	GainDB      float64
	MaxDuration time.Duration
}

func DefaultOptions() Options {
	return Options{
		SampleRate:  DefaultSampleRate,
		GainDB:      DefaultGainDB,
		MaxDuration: DefaultMaxDuration,
	}
}

// Record listens to the room for calibration, then captures until waitForStop
// returns, and writes the cleaned, boosted question to path as WAV.
func Record(src Source, calibration time.Duration, waitForStop func(), path string, opts Options) error {
	if err := src.Start(); err != nil {
		return err
	}
	time.Sleep(calibration)
	ambient := src.Stop()

	if err := src.Start(); err != nil {
		return err
	}
	waitForStop()
	speech := src.Stop()

	samples, err := Prepare(ambient, speech, opts)
	if err != nil {
		return err
	}
	return WriteWAV(path, samples, opts.SampleRate)
}

// Prepare trims silence relative to the ambient level, caps the length and
// applies the configured gain.
func Prepare(ambient, speech []float32, opts Options) ([]float32, error) {
	frame := opts.SampleRate * frameMillis / 1000
	trimmed := TrimSilence(speech, SpeechThreshold(ambient), frame)
	if len(trimmed) == 0 {
		return nil, ErrNoSpeech
	}
	if opts.MaxDuration > 0 {
		if limit := int(opts.MaxDuration.Seconds() * float64(opts.SampleRate)); len(trimmed) > limit {
			trimmed = trimmed[:limit]
		}
	}
	return ApplyGain(trimmed, opts.GainDB), nil
}

func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func SpeechThreshold(ambient []float32) float64 {
	return math.Max(minThreshold, RMS(ambient)*speechFactor)
}

// TrimSilence drops whole frames below threshold from both ends. It returns
// nil when no frame reaches the threshold.
func TrimSilence(samples []float32, threshold float64, frame int) []float32 {
	if frame <= 0 {
		frame = 1
	}
	first, last := -1, -1
	for start := 0; start < len(samples); start += frame {
		end := min(start+frame, len(samples))
		if RMS(samples[start:end]) >= threshold {
			if first < 0 {
				first = start
			}
			last = end
		}
	}
	if first < 0 {
		return nil
	}
	return samples[first:last]
}

// ApplyGain scales by gainDB decibels and clips to [-1, 1].
func ApplyGain(samples []float32, gainDB float64) []float32 {
	factor := math.Pow(10, gainDB/20)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(math.Max(-1, math.Min(1, float64(s)*factor)))
	}
	return out
}

// WriteWAV stores mono float samples as 16-bit PCM. A failed write leaves no
// file behind.
func WriteWAV(path string, samples []float32, sampleRate int) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(math.Round(float64(s) * math.MaxInt16))
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing wav: %w", err)
	}
	return nil
}
