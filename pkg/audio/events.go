// Package audio implements the capture and playback pipelines: a Recorder
// that turns the microphone into transport-ready base64 chunks, and a
// Streamer that renders bursty inbound PCM as continuous gapless output.
package audio

// Event is the closed set of pipeline events. Data and volume emissions are
// independent paths with no relative ordering guarantee across each other.
type Event interface {
	audioEventType() string
}

// DataEvent carries one transport-ready chunk of captured audio.
type DataEvent struct {
	Base64 string
}

func (DataEvent) audioEventType() string { return "data" }

// VolumeEvent carries the current smoothed volume estimate in [0,1].
type VolumeEvent struct {
	Level float64
}

func (VolumeEvent) audioEventType() string { return "volume" }

// ErrorEvent reports a pipeline failure. Pipelines never panic across the
// event boundary.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) audioEventType() string { return "error" }
