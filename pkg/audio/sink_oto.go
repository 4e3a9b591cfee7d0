package audio

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// speakerSink renders PCM16 through the default output device. The oto
// player pulls from the internal buffer via Read on its own thread; Write
// only appends.
type speakerSink struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

// NewSpeakerSink opens the default output device at the playback format.
// The player is created lazily on first Write so a silent session never
// touches the device.
func NewSpeakerSink() (Sink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   PlaybackSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms of buffered output keeps latency low without glitching.
		BufferSize: PlaybackSampleRate * 2 / 10,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("audio: init speaker: %w", err)
	}
	<-ready

	s := &speakerSink{otoCtx: ctx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *speakerSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audio: speaker sink is closed")
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player.
func (s *speakerSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed && s.playing {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		// Closed or flushed: feed silence so oto drains gracefully instead
		// of blocking its reader.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards buffered audio and tears down the current player so stale
// output cannot overlap whatever plays next.
func (s *speakerSink) Flush() error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player == nil || !s.playing {
		s.mu.Unlock()
		return nil
	}
	player := s.player
	s.player = nil
	s.playing = false
	s.cond.Broadcast()
	s.mu.Unlock()

	player.Pause()
	if err := player.Close(); err != nil {
		return fmt.Errorf("audio: flush speaker: %w", err)
	}
	return nil
}

func (s *speakerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
