package playback

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/ent0n29/rafiqa/internal/audio"
)

// OtoDevice owns the process-wide speaker context. oto allows a single
// context per process, so sessions share it and open their own outputs.
type OtoDevice struct {
	ctx        *oto.Context
	sampleRate int
	channels   int
}

// NewOtoDevice opens the speaker at the given format and waits until the
// driver is ready.
func NewOtoDevice(sampleRate, channels int) (*OtoDevice, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   40 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	<-ready
	return &OtoDevice{ctx: ctx, sampleRate: sampleRate, channels: channels}, nil
}

// NewOutput starts a player fed by a fresh timeline mixer.
func (d *OtoDevice) NewOutput() (*OtoOutput, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, fmt.Errorf("speaker unavailable: %w", err)
	}
	m := newMixer(d.sampleRate, d.channels)
	p := d.ctx.NewPlayer(m)
	p.Play()
	return &OtoOutput{mixer: m, player: p}, nil
}

// OtoOutput is an Output rendered through an oto player.
type OtoOutput struct {
	mixer     *mixer
	player    *oto.Player
	closeOnce sync.Once
	closeErr  error
}

func (o *OtoOutput) Now() time.Duration { return o.mixer.now() }

func (o *OtoOutput) Play(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (Voice, error) {
	return o.mixer.schedule(buf, at, onEnded)
}

func (o *OtoOutput) Close() error {
	o.closeOnce.Do(func() {
		o.mixer.close()
		o.closeErr = o.player.Close()
	})
	return o.closeErr
}

// mixer is an io.Reader that renders scheduled voices onto a frame clock.
// The clock advances by exactly the frames handed to the player.
type mixer struct {
	sampleRate int
	channels   int

	mu     sync.Mutex
	clock  int64
	voices map[*mixVoice]struct{}
	closed bool
}

type mixVoice struct {
	m       *mixer
	buf     audio.PlaybackBuffer
	start   int64
	onEnded func()
}

func newMixer(sampleRate, channels int) *mixer {
	return &mixer{sampleRate: sampleRate, channels: channels, voices: make(map[*mixVoice]struct{})}
}

func (m *mixer) now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.clock) * time.Second / time.Duration(m.sampleRate)
}

func (m *mixer) schedule(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) (Voice, error) {
	if buf.SampleRate != m.sampleRate {
		return nil, fmt.Errorf("buffer rate %d does not match output rate %d", buf.SampleRate, m.sampleRate)
	}
	if len(buf.Samples) == 0 {
		return nil, fmt.Errorf("buffer has no channels")
	}
	v := &mixVoice{
		m:       m,
		buf:     buf,
		start:   int64(at) * int64(m.sampleRate) / int64(time.Second),
		onEnded: onEnded,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.voices[v] = struct{}{}
	return v, nil
}

func (v *mixVoice) Stop() {
	v.m.mu.Lock()
	delete(v.m.voices, v)
	v.m.mu.Unlock()
}

func (m *mixer) close() {
	m.mu.Lock()
	m.closed = true
	m.voices = make(map[*mixVoice]struct{})
	m.mu.Unlock()
}

func (m *mixer) Read(p []byte) (int, error) {
	frameBytes := 2 * m.channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	var ended []func()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	from := m.clock
	to := from + int64(frames)
	mix := make([]float32, frames*m.channels)
	for v := range m.voices {
		n := int64(v.buf.Frames())
		end := v.start + n
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			for c := 0; c < m.channels; c++ {
				src := v.buf.Samples[min(c, len(v.buf.Samples)-1)]
				mix[int(f-from)*m.channels+c] += src[f-v.start]
			}
		}
		if end <= to {
			delete(m.voices, v)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	m.clock = to
	m.mu.Unlock()

	for i, s := range mix {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(clampPCM16(s)))
	}
	for _, fn := range ended {
		fn()
	}
	return frames * frameBytes, nil
}

func clampPCM16(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
