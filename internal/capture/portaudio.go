package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource opens the system default input device.
type PortAudioSource struct {
	// FramesPerBuffer is the device callback size; zero lets PortAudio pick.
	FramesPerBuffer int
}

type portAudioStream struct {
	stream    *portaudio.Stream
	closeOnce sync.Once
	closeErr  error
}

func (s PortAudioSource) Open(sampleRate int, onSamples func([]float32)) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	framesPerBuffer := s.FramesPerBuffer
	if framesPerBuffer <= 0 {
		framesPerBuffer = portaudio.FramesPerBufferUnspecified
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, func(in []float32) {
		onSamples(in)
	})
	if err != nil {
		_ = portaudio.Terminate()
		if errors.Is(err, portaudio.InvalidDevice) || errors.Is(err, portaudio.DeviceUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrPermissionDenied, err)
	}
	return &portAudioStream{stream: stream}, nil
}

func (s *portAudioStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
