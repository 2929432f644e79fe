// Package recorder captures a spoken question from the default microphone and
// writes it as a 16-bit mono WAV file the transcription service accepts.
package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

var errAlreadyRecording = errors.New("recorder: already recording")

// Microphone accumulates float32 samples from the default capture device
// between Start and Stop. Close releases the audio context.
type Microphone struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32

	mu        sync.Mutex
	buf       []float32
	recording bool
}

func NewMicrophone(sampleRate uint32) (*Microphone, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Microphone{ctx: ctx, sampleRate: sampleRate}, nil
}

func (m *Microphone) SampleRate() int {
	return int(m.sampleRate)
}

func (m *Microphone) Start() error {
	m.mu.Lock()
	if m.recording {
		m.mu.Unlock()
		return errAlreadyRecording
	}
	m.buf = m.buf[:0]
	m.recording = true
	m.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = 1
	deviceCfg.SampleRate = m.sampleRate

	device, err := malgo.InitDevice(m.ctx.Context, deviceCfg, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		m.setRecording(false)
		return fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		m.setRecording(false)
		return fmt.Errorf("starting capture device: %w", err)
	}

	m.mu.Lock()
	m.device = device
	m.mu.Unlock()
	return nil
}

// Stop ends the capture and returns a copy of what was heard. It returns nil
// when nothing was being recorded.
func (m *Microphone) Stop() []float32 {
	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return nil
	}
	device := m.detach()
	m.mu.Unlock()

	// Uninit waits for the data callback, which takes mu.
	if device != nil {
		device.Uninit()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.buf...)
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	device := m.detach()
	m.mu.Unlock()
	if device != nil {
		device.Uninit()
	}

	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	m.ctx.Free()
	return nil
}

// detach clears the device and recording flag. Callers hold mu.
func (m *Microphone) detach() *malgo.Device {
	device := m.device
	m.device = nil
	m.recording = false
	return device
}

func (m *Microphone) setRecording(v bool) {
	m.mu.Lock()
	m.recording = v
	m.mu.Unlock()
}

// onData receives little-endian float32 mono frames.
func (m *Microphone) onData(_, input []byte, frameCount uint32) {
	samples := decodeFloat32(input, int(frameCount))
	m.mu.Lock()
	m.buf = append(m.buf, samples...)
	m.mu.Unlock()
}

func decodeFloat32(data []byte, count int) []float32 {
	if n := len(data) / 4; count > n {
		count = n
	}
	samples := make([]float32, count)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
