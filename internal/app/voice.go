package app

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/capture"
	"github.com/ent0n29/rafiqa/internal/playback"
)

const (
	devicesLocal   = "local"
	devicesBrowser = "browser"
)

// sessionAudio is the microphone and speaker handed to one conversation.
// push is set when the browser streams the microphone.
type sessionAudio struct {
	mic     capture.Source
	speaker playback.Output
	push    *capture.PushSource
}

type audioDevices struct {
	mode   string
	detail string

	// The speaker context is opened on first use so a headless server
	// can still boot in local mode and report the failure per session.
	mu      sync.Mutex
	speaker *playback.OtoDevice
}

func resolveAudioDevices(mode string) (*audioDevices, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = devicesLocal
	}
	switch mode {
	case devicesLocal:
		return &audioDevices{mode: mode, detail: "portaudio microphone + oto speaker"}, nil
	case devicesBrowser:
		return &audioDevices{mode: mode, detail: "browser relay over the event socket"}, nil
	default:
		return nil, fmt.Errorf("invalid AUDIO_DEVICES: %q (expected local|browser)", mode)
	}
}

// open returns the audio endpoints for a new session. Browser playback is
// relayed through sink.
func (d *audioDevices) open(sink playback.RelaySink) (sessionAudio, error) {
	if d.mode == devicesBrowser {
		push := capture.NewPushSource()
		return sessionAudio{mic: push, speaker: playback.NewRelayOutput(sink), push: push}, nil
	}

	dev, err := d.localSpeaker()
	if err != nil {
		return sessionAudio{}, err
	}
	out, err := dev.NewOutput()
	if err != nil {
		return sessionAudio{}, err
	}
	return sessionAudio{mic: capture.PortAudioSource{}, speaker: out}, nil
}

func (d *audioDevices) localSpeaker() (*playback.OtoDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaker != nil {
		return d.speaker, nil
	}
	dev, err := playback.NewOtoDevice(audio.PlaybackSampleRate, audio.PlaybackChannels)
	if err != nil {
		return nil, err
	}
	d.speaker = dev
	return dev, nil
}
