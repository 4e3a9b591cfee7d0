package audio

import (
	"log/slog"
	"sync"
	"time"
)

// PlaybackSampleRate is the fixed output format: 24 kHz mono PCM16.
const PlaybackSampleRate = 24000

// DefaultMaxQueued bounds queued playback latency; the oldest unplayed
// audio is dropped when the queue grows past it.
const DefaultMaxQueued = 10 * time.Second

// Clock abstracts the audio clock so scheduling is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall-clock Clock used outside tests.
var SystemClock Clock = systemClock{}

// Sink is the output boundary of the playback pipeline. Write hands over
// PCM16 for audible rendering; Flush discards everything not yet audible.
type Sink interface {
	Write(pcm []byte) error
	Flush() error
	Close() error
}

type queuedBuffer struct {
	pcm     []byte
	startAt time.Time
}

// Streamer renders an unbounded, possibly bursty stream of PCM16 buffers
// as continuous audio. Buffers are scheduled strictly in arrival order at
// contiguous offsets from a monotonically advancing cursor, so playback is
// gapless when buffers arrive faster than real time and degrades to silent
// gaps, never overlap, when they arrive slower.
type Streamer struct {
	logger     *slog.Logger
	clock      Clock
	sink       Sink
	sampleRate int
	maxQueued  time.Duration
	meter      *Meter

	events chan Event

	mu      sync.Mutex
	queue   []queuedBuffer
	cursor  time.Time
	started bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewStreamer builds an idle streamer writing to sink. A nil clock means
// the system clock; maxQueued <= 0 means DefaultMaxQueued.
func NewStreamer(logger *slog.Logger, sink Sink, clock Clock, maxQueued time.Duration) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock
	}
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	return &Streamer{
		logger:     logger,
		clock:      clock,
		sink:       sink,
		sampleRate: PlaybackSampleRate,
		maxQueued:  maxQueued,
		meter:      NewMeter(),
		events:     make(chan Event, 64),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Events yields volume and error events from the output tap.
func (s *Streamer) Events() <-chan Event {
	return s.events
}

// AddPCM16 appends one decoded buffer to the playback queue, scheduled at
// max(now, cursor). The cursor seeds from the clock on first use and
// advances by each buffer's duration; it never schedules in the past.
func (s *Streamer) AddPCM16(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if s.cursor.Before(now) {
		s.cursor = now
	}
	startAt := s.cursor
	s.cursor = s.cursor.Add(s.duration(len(buf)))
	s.queue = append(s.queue, queuedBuffer{pcm: buf, startAt: startAt})

	s.dropOverrunLocked(now)

	if !s.started {
		s.started = true
		go s.run()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Interrupt drops every buffer that has not started audibly, resets the
// cursor to now, and flushes the sink. This is the barge-in path: an
// in-progress model utterance goes silent immediately.
func (s *Streamer) Interrupt() {
	s.mu.Lock()
	s.queue = nil
	s.cursor = s.clock.Now()
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if err := sink.Flush(); err != nil {
			s.emit(ErrorEvent{Err: err})
		}
	}
}

// Stop interrupts playback and closes the sink. Safe to call repeatedly.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	if s.sink != nil {
		_ = s.sink.Flush()
		_ = s.sink.Close()
	}
}

// QueuedDuration reports how much audio is awaiting playback. Callers use
// it as a backpressure and drift signal.
func (s *Streamer) QueuedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedDurationLocked(s.clock.Now())
}

// dropOverrunLocked bounds queued latency under sustained overrun: when the
// schedule runs more than maxQueued ahead of the clock, the oldest unstarted
// buffers are skipped and the survivors rescheduled contiguously from now.
func (s *Streamer) dropOverrunLocked(now time.Time) {
	if s.cursor.Sub(now) <= s.maxQueued || len(s.queue) < 2 {
		return
	}

	keep := len(s.queue) - 1 // the newest buffer always survives
	kept := s.duration(len(s.queue[keep].pcm))
	for i := keep - 1; i >= 0; i-- {
		d := s.duration(len(s.queue[i].pcm))
		if kept+d > s.maxQueued {
			break
		}
		kept += d
		keep = i
	}

	dropped := keep
	s.queue = append([]queuedBuffer(nil), s.queue[keep:]...)
	s.cursor = now
	for i := range s.queue {
		s.queue[i].startAt = s.cursor
		s.cursor = s.cursor.Add(s.duration(len(s.queue[i].pcm)))
	}
	s.logger.Warn("playback queue over budget, skipping oldest audio",
		"dropped_buffers", dropped, "queued", kept)
}

func (s *Streamer) queuedDurationLocked(now time.Time) time.Duration {
	if len(s.queue) == 0 {
		return 0
	}
	if s.cursor.Before(now) {
		return 0
	}
	return s.cursor.Sub(now)
}

func (s *Streamer) duration(nbytes int) time.Duration {
	samples := nbytes / 2
	return time.Duration(samples) * time.Second / time.Duration(s.sampleRate)
}

// run delivers queued buffers to the sink at their scheduled start times.
func (s *Streamer) run() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		head := s.queue[0]
		wait := head.startAt.Sub(s.clock.Now())
		if wait > 0 {
			s.mu.Unlock()
			select {
			case <-time.After(wait):
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		s.queue = s.queue[1:]
		sink := s.sink
		s.mu.Unlock()

		if sink != nil {
			if err := sink.Write(head.pcm); err != nil {
				s.emit(ErrorEvent{Err: err})
				continue
			}
		}
		if level, emit := s.meter.Process(head.pcm); emit {
			s.emit(VolumeEvent{Level: level})
		}
	}
}

func (s *Streamer) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}
