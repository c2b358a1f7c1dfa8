package capture

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/audio"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (s *recordingSink) SendAudioFrame(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

type refusingSource struct{ err error }

func (s refusingSource) Open(int, func([]float32)) (Stream, error) { return nil, s.err }

type countingStream struct {
	mu     sync.Mutex
	closes int
}

func (s *countingStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

type manualSource struct {
	rate    int
	push    func([]float32)
	stream  *countingStream
	openErr error
}

func (s *manualSource) Open(rate int, fn func([]float32)) (Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.rate = rate
	s.push = fn
	s.stream = &countingStream{}
	return s.stream, nil
}

func TestStartChunksIntoFixedFrames(t *testing.T) {
	src := &manualSource{}
	sink := &recordingSink{}
	c, err := Start(src, Config{FrameSize: 4}, sink, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if src.rate != audio.CaptureSampleRate {
		t.Fatalf("sample rate = %d, want %d", src.rate, audio.CaptureSampleRate)
	}

	src.push([]float32{0.1, 0.2, 0.3})
	src.push([]float32{0.4, 0.5, 0.6, 0.7, 0.8, 0.9})
	c.Stop()

	frames := sink.snapshot()
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if want := audio.EncodePCM16([]float32{0.1, 0.2, 0.3, 0.4}); frames[0] != want {
		t.Fatalf("frames[0] = %q, want %q", frames[0], want)
	}
	if want := audio.EncodePCM16([]float32{0.5, 0.6, 0.7, 0.8}); frames[1] != want {
		t.Fatalf("frames[1] = %q, want %q", frames[1], want)
	}
}

func TestStartDefaultsToFourKilosampleFrames(t *testing.T) {
	src := &manualSource{}
	sink := &recordingSink{}
	c, err := Start(src, Config{}, sink, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src.push(make([]float32, DefaultFrameSize-1))
	src.push([]float32{0})
	c.Stop()

	frames := sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	raw, err := audio.DecodeWireAudio(frames[0])
	if err != nil {
		t.Fatalf("DecodeWireAudio() error = %v", err)
	}
	if len(raw) != DefaultFrameSize*2 {
		t.Fatalf("frame bytes = %d, want %d", len(raw), DefaultFrameSize*2)
	}
}

func TestStartMapsRefusalToPermissionDenied(t *testing.T) {
	_, err := Start(refusingSource{err: errors.New("NotAllowedError")}, Config{}, &recordingSink{}, zerolog.Nop(), nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want ErrPermissionDenied", err)
	}
	_, err = Start(nil, Config{}, &recordingSink{}, zerolog.Nop(), nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start(nil) error = %v, want ErrPermissionDenied", err)
	}
}

func TestSinkErrorsDropFrames(t *testing.T) {
	src := &manualSource{}
	sink := &recordingSink{err: errors.New("not open")}
	c, err := Start(src, Config{FrameSize: 2}, sink, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src.push([]float32{0, 0, 0, 0})
	c.Stop()
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("len(frames) = %d, want 0", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	src := &manualSource{}
	c, err := Start(src, Config{FrameSize: 2}, &recordingSink{}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
	c.Stop()
	if src.stream.closes != 1 {
		t.Fatalf("stream closes = %d, want 1", src.stream.closes)
	}
	// Samples arriving after stop are ignored.
	src.push([]float32{0.5, 0.5})

	var nilCapture *Capture
	nilCapture.Stop()
}

func TestPushSourceRoutesToOpenStream(t *testing.T) {
	p := NewPushSource()
	if p.Push([]float32{1}) {
		t.Fatalf("Push() = true before open, want false")
	}
	sink := &recordingSink{}
	c, err := Start(p, Config{FrameSize: 2}, sink, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := p.Open(16000, func([]float32) {}); err == nil {
		t.Fatalf("second Open() error = nil, want busy")
	}
	if p.SampleRate() != audio.CaptureSampleRate {
		t.Fatalf("SampleRate() = %d, want %d", p.SampleRate(), audio.CaptureSampleRate)
	}
	if !p.Push([]float32{0.25, -0.25}) {
		t.Fatalf("Push() = false, want true")
	}
	c.Stop()
	if p.Push([]float32{0.25}) {
		t.Fatalf("Push() = true after stop, want false")
	}
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("len(frames) = %d, want 1", n)
	}
}
