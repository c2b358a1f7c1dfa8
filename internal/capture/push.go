package capture

import (
	"errors"
	"sync"
)

// PushSource is a Source fed by an external producer, such as a browser
// streaming microphone frames over the UI socket.
type PushSource struct {
	mu        sync.Mutex
	onSamples func([]float32)
	rate      int
}

var errSourceBusy = errors.New("push source already open")

func NewPushSource() *PushSource {
	return &PushSource{}
}

func (p *PushSource) Open(sampleRate int, onSamples func([]float32)) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onSamples != nil {
		return nil, errSourceBusy
	}
	p.onSamples = onSamples
	p.rate = sampleRate
	return pushStream{p}, nil
}

// SampleRate reports the rate the current consumer expects, or zero when
// nothing is listening.
func (p *PushSource) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Push delivers samples to the open stream. It reports false when no stream
// is open and the samples were discarded.
func (p *PushSource) Push(samples []float32) bool {
	p.mu.Lock()
	fn := p.onSamples
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

type pushStream struct{ p *PushSource }

func (s pushStream) Close() error {
	s.p.mu.Lock()
	s.p.onSamples = nil
	s.p.rate = 0
	s.p.mu.Unlock()
	return nil
}
