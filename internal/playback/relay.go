package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/rafiqa/internal/audio"
)

// RelayChunk is a scheduled buffer forwarded to a remote player.
type RelayChunk struct {
	ID         uint64
	StartAt    time.Duration
	Duration   time.Duration
	SampleRate int
	PCM16      string
}

// RelaySink receives chunks to play and stop notices.
type RelaySink interface {
	PlayChunk(chunk RelayChunk)
	StopChunk(id uint64)
}

// RelayOutput forwards buffers to a remote player, such as the browser UI,
// and tracks their completion on the local wall clock.
type RelayOutput struct {
	sink    RelaySink
	started time.Time
	now     func() time.Time
	after   func(time.Duration, func()) *time.Timer

	mu     sync.Mutex
	seq    uint64
	timers map[uint64]*time.Timer
	closed bool
}

func NewRelayOutput(sink RelaySink) *RelayOutput {
	return &RelayOutput{
		sink:    sink,
		started: time.Now(),
		now:     time.Now,
		after:   time.AfterFunc,
		timers:  make(map[uint64]*time.Timer),
	}
}

func (o *RelayOutput) Now() time.Duration {
	return o.now().Sub(o.started)
}

func (o *RelayOutput) Play(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if len(buf.Samples) == 0 {
		return nil, fmt.Errorf("buffer has no channels")
	}
	o.seq++
	id := o.seq
	mono := buf.Samples[0]
	o.sink.PlayChunk(RelayChunk{
		ID:         id,
		StartAt:    at,
		Duration:   buf.Duration,
		SampleRate: buf.SampleRate,
		PCM16:      audio.EncodePCM16(mono),
	})

	wait := at + buf.Duration - o.Now()
	if wait < 0 {
		wait = 0
	}
	o.timers[id] = o.after(wait, func() {
		o.mu.Lock()
		_, live := o.timers[id]
		delete(o.timers, id)
		o.mu.Unlock()
		if live && onEnded != nil {
			onEnded()
		}
	})
	return relayVoice{o: o, id: id}, nil
}

func (o *RelayOutput) stop(id uint64) {
	o.mu.Lock()
	t, ok := o.timers[id]
	delete(o.timers, id)
	o.mu.Unlock()
	if !ok {
		return
	}
	t.Stop()
	o.sink.StopChunk(id)
}

func (o *RelayOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	timers := o.timers
	o.timers = make(map[uint64]*time.Timer)
	o.mu.Unlock()
	for id, t := range timers {
		t.Stop()
		o.sink.StopChunk(id)
	}
	return nil
}

type relayVoice struct {
	o  *RelayOutput
	id uint64
}

func (v relayVoice) Stop() { v.o.stop(v.id) }
