// Package capture turns microphone input into fixed-size PCM16 wire frames.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/observability"
)

// DefaultFrameSize is the number of samples per outgoing frame.
const DefaultFrameSize = 4096

// ErrPermissionDenied is returned when the microphone cannot be opened.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Source opens a mono microphone stream delivering float samples in [-1, 1]
// at sampleRate. onSamples may be called from a device thread with buffers of
// any length; it must not block.
type Source interface {
	Open(sampleRate int, onSamples func([]float32)) (Stream, error)
}

// Stream is an open device stream.
type Stream interface {
	Close() error
}

// Sink receives encoded frames. Delivery is best effort.
type Sink interface {
	SendAudioFrame(frame string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame string) error

func (f SinkFunc) SendAudioFrame(frame string) error { return f(frame) }

type Config struct {
	SampleRate int
	FrameSize  int
	// QueueDepth bounds the frames waiting for the sink. Frames arriving
	// while the queue is full are dropped.
	QueueDepth int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	return c
}

// Capture is an active microphone capture.
type Capture struct {
	cfg     Config
	sink    Sink
	logger  zerolog.Logger
	metrics *observability.Metrics

	stream Stream
	frames chan string
	done   chan struct{}

	mu      sync.Mutex
	pending []float32
	stopped bool

	stopOnce sync.Once
}

// Start opens src and begins forwarding encoded frames to sink. A refused or
// missing device yields an error wrapping ErrPermissionDenied.
func Start(src Source, cfg Config, sink Sink, logger zerolog.Logger, metrics *observability.Metrics) (*Capture, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no microphone source", ErrPermissionDenied)
	}
	cfg = cfg.withDefaults()
	c := &Capture{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		frames:  make(chan string, cfg.QueueDepth),
		done:    make(chan struct{}),
		pending: make([]float32, 0, cfg.FrameSize),
	}

	stream, err := src.Open(cfg.SampleRate, c.onSamples)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	c.stream = stream

	go c.forward()
	logger.Debug().Int("sample_rate", cfg.SampleRate).Int("frame_size", cfg.FrameSize).Msg("capture started")
	return c, nil
}

func (c *Capture) onSamples(in []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for len(in) > 0 {
		n := c.cfg.FrameSize - len(c.pending)
		if n > len(in) {
			n = len(in)
		}
		c.pending = append(c.pending, in[:n]...)
		in = in[n:]
		if len(c.pending) < c.cfg.FrameSize {
			continue
		}
		frame := audio.EncodePCM16(c.pending)
		c.pending = c.pending[:0]
		select {
		case c.frames <- frame:
		default:
			c.metrics.ObserveCaptureFrame("dropped_backlog")
		}
	}
}

func (c *Capture) forward() {
	defer close(c.done)
	for frame := range c.frames {
		if err := c.sink.SendAudioFrame(frame); err != nil {
			c.metrics.ObserveCaptureFrame("dropped_send")
			c.logger.Debug().Err(err).Msg("audio frame dropped")
			continue
		}
		c.metrics.ObserveCaptureFrame("sent")
	}
}

// Stop closes the device stream and waits for queued frames to drain. It is
// safe to call more than once. A partial trailing frame is discarded.
func (c *Capture) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		if err := c.stream.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close microphone stream")
		}
		c.mu.Lock()
		c.stopped = true
		c.pending = nil
		close(c.frames)
		c.mu.Unlock()
		<-c.done
		c.logger.Debug().Msg("capture stopped")
	})
}
