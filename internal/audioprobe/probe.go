// Package audioprobe reads clip length from WAV uploads for metrics. It never
// decides whether a request proceeds.
package audioprobe

import (
	"os"
	"time"

	"github.com/go-audio/wav"
)

// Duration returns the length of a RIFF/WAVE file. ok is false for other
// containers, malformed headers and unreadable files.
func Duration(path string) (d time.Duration, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, false
	}
	d, err = dec.Duration()
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
