// Package playback schedules decoded audio buffers back to back on an output
// clock.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/rafiqa/internal/audio"
)

// ErrClosed is returned by Enqueue after Teardown.
var ErrClosed = errors.New("playback closed")

// Output is an audio sink with its own monotonically advancing clock.
type Output interface {
	// Now is the current position of the output clock.
	Now() time.Duration
	// Play schedules buf to start at the given clock position. onEnded is
	// called from the output's own goroutine when the buffer finishes
	// naturally; it is not called for stopped voices.
	Play(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (Voice, error)
	Close() error
}

// Voice is a scheduled buffer.
type Voice interface {
	Stop()
}

// Scheduler queues buffers gaplessly. nextStart never decreases except when
// Interrupt resets it to zero.
type Scheduler struct {
	out     Output
	onEnded func(id uint64)

	mu        sync.Mutex
	nextStart time.Duration
	inFlight  map[uint64]Voice
	seq       uint64
	closed    bool
}

// NewScheduler wraps out. onEnded receives the id of each buffer that
// finished naturally and is expected to hand it back through Finished from
// the owner's goroutine.
func NewScheduler(out Output, onEnded func(id uint64)) *Scheduler {
	return &Scheduler{
		out:      out,
		onEnded:  onEnded,
		inFlight: make(map[uint64]Voice),
	}
}

// Enqueue schedules buf at max(nextStart, now) and returns its id and start
// position.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) (uint64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrClosed
	}

	startAt := s.nextStart
	if now := s.out.Now(); now > startAt {
		startAt = now
	}
	s.seq++
	id := s.seq
	voice, err := s.out.Play(buf, startAt, func() {
		if s.onEnded != nil {
			s.onEnded(id)
		}
	})
	if err != nil {
		return 0, 0, err
	}
	s.inFlight[id] = voice
	s.nextStart = startAt + buf.Duration
	return id, startAt, nil
}

// Finished removes a naturally ended buffer. It reports true when id was in
// flight and nothing else remains scheduled.
func (s *Scheduler) Finished(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; !ok {
		return false
	}
	delete(s.inFlight, id)
	return len(s.inFlight) == 0
}

// Stop halts a single buffer. Unknown ids are ignored.
func (s *Scheduler) Stop(id uint64) {
	s.mu.Lock()
	voice, ok := s.inFlight[id]
	delete(s.inFlight, id)
	s.mu.Unlock()
	if ok {
		voice.Stop()
	}
}

// Playing reports whether id is still in flight.
func (s *Scheduler) Playing(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

// Interrupt stops everything in flight and rewinds nextStart to zero.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	voices := s.drainLocked()
	s.nextStart = 0
	s.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
}

// Teardown stops all playback and closes the output. Further calls are no-ops.
func (s *Scheduler) Teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	voices := s.drainLocked()
	s.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return s.out.Close()
}

func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) drainLocked() []Voice {
	voices := make([]Voice, 0, len(s.inFlight))
	for id, v := range s.inFlight {
		voices = append(voices, v)
		delete(s.inFlight, id)
	}
	return voices
}
