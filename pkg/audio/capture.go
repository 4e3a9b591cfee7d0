package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// CaptureSampleRate is the fixed capture format: 16 kHz mono PCM16.
	CaptureSampleRate = 16000

	// CaptureMIMEType tags outbound capture chunks for transport.
	CaptureMIMEType = "audio/pcm;rate=16000"

	captureChunkSamples = 2048
	captureChunkBytes   = captureChunkSamples * 2

	maxStartAttempts = 3
)

// ErrTooManyAttempts is returned by Start after repeated device-acquisition
// failures; Stop resets the budget.
var ErrTooManyAttempts = errors.New("audio: microphone start refused after repeated failures")

// CaptureDevice is the hardware boundary of the capture pipeline. Start
// delivers raw PCM16 frames on the device's own thread until Stop releases
// the hardware.
type CaptureDevice interface {
	Start(onData func(pcm []byte)) error
	Stop() error
}

// DeviceFactory acquires a microphone device.
type DeviceFactory func() (CaptureDevice, error)

// Recorder owns the capture device lifecycle and converts its raw output
// into discrete data/volume/error events. Only one Recorder may hold a
// given device at a time; callers must not run two concurrently.
type Recorder struct {
	logger    *slog.Logger
	newDevice DeviceFactory
	meter     *Meter

	events chan Event

	mu        sync.Mutex
	recording bool
	starting  chan struct{}
	startErr  error
	stopPend  bool
	attempts  int
	device    CaptureDevice

	chunkMu sync.Mutex
	chunk   []byte
}

// NewRecorder builds a stopped recorder. A nil factory acquires the default
// system microphone; tests inject fakes.
func NewRecorder(logger *slog.Logger, factory DeviceFactory) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = newMicrophoneDevice
	}
	return &Recorder{
		logger:    logger,
		newDevice: factory,
		meter:     NewMeter(),
		events:    make(chan Event, 64),
	}
}

// Events yields data, volume and error events. Data and volume are
// independent emission paths; each is internally ordered, the pair is not.
func (r *Recorder) Events() <-chan Event {
	return r.events
}

// Recording reports whether the device is currently held and streaming.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start acquires the microphone and begins emitting chunks. It is
// idempotent: a call while recording is a no-op, and concurrent calls while
// an attempt is in flight share that attempt's outcome rather than racing a
// second device acquisition.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	if pending := r.starting; pending != nil {
		r.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		err := r.startErr
		r.mu.Unlock()
		return err
	}
	if r.attempts >= maxStartAttempts {
		r.mu.Unlock()
		return ErrTooManyAttempts
	}
	r.attempts++
	pending := make(chan struct{})
	r.starting = pending
	r.mu.Unlock()

	device, err := r.newDevice()
	if err == nil {
		err = device.Start(r.onDeviceData)
	}
	if err != nil {
		err = fmt.Errorf("audio: start capture: %w", err)
	}

	r.mu.Lock()
	r.startErr = err
	r.starting = nil
	deferredStop := r.stopPend
	r.stopPend = false
	if err == nil && !deferredStop {
		r.device = device
		r.recording = true
		r.attempts = 0
	}
	if deferredStop {
		r.attempts = 0
	}
	r.mu.Unlock()
	close(pending)

	if err != nil {
		r.emit(ErrorEvent{Err: err})
		return err
	}
	if deferredStop {
		// Stop arrived while the start was settling; release the device now.
		_ = device.Stop()
	}
	return nil
}

// Stop releases the device and resets the retry budget. Calling it before a
// pending Start settles defers the stop until that start resolves; calling
// it repeatedly is safe.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.starting != nil {
		r.stopPend = true
		r.mu.Unlock()
		return
	}
	device := r.device
	r.device = nil
	r.recording = false
	r.attempts = 0
	r.mu.Unlock()

	if device != nil {
		if err := device.Stop(); err != nil {
			r.logger.Warn("capture device stop", "err", err)
		}
	}

	r.chunkMu.Lock()
	r.chunk = nil
	r.chunkMu.Unlock()
}

// onDeviceData runs on the device's realtime thread: accumulate into fixed
// chunks and feed the meter tap, both without blocking.
func (r *Recorder) onDeviceData(pcm []byte) {
	if level, emit := r.meter.Process(pcm); emit {
		r.emit(VolumeEvent{Level: level})
	}

	r.chunkMu.Lock()
	r.chunk = append(r.chunk, pcm...)
	var ready [][]byte
	for len(r.chunk) >= captureChunkBytes {
		chunk := make([]byte, captureChunkBytes)
		copy(chunk, r.chunk[:captureChunkBytes])
		r.chunk = r.chunk[captureChunkBytes:]
		ready = append(ready, chunk)
	}
	r.chunkMu.Unlock()

	for _, chunk := range ready {
		r.emit(DataEvent{Base64: base64.StdEncoding.EncodeToString(chunk)})
	}
}

// emit never blocks the device thread; if nobody drains, events are dropped
// (realtime media tolerates loss).
func (r *Recorder) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}
