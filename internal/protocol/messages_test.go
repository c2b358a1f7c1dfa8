package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		check func(t *testing.T, msg any)
	}{
		{
			name: "browser microphone chunk",
			raw:  `{"type":"client_audio_chunk","session_id":"s1","seq":3,"pcm16_base64":"AQID","sample_rate":16000,"ts_ms":123}`,
			check: func(t *testing.T, msg any) {
				chunk, ok := msg.(ClientAudioChunk)
				if !ok {
					t.Fatalf("message type = %T, want ClientAudioChunk", msg)
				}
				if chunk.SessionID != "s1" || chunk.Seq != 3 || chunk.SampleRate != 16000 || chunk.PCM16Base64 != "AQID" {
					t.Fatalf("unexpected audio chunk: %+v", chunk)
				}
			},
		},
		{
			name: "stop control",
			raw:  `{"type":"client_control","session_id":"s1","action":"stop","reason":"user_closed_panel","ts_ms":456}`,
			check: func(t *testing.T, msg any) {
				control, ok := msg.(ClientControl)
				if !ok {
					t.Fatalf("message type = %T, want ClientControl", msg)
				}
				if control.Action != ActionStop || control.Reason != "user_closed_panel" || control.TSMs != 456 {
					t.Fatalf("unexpected client control: %+v", control)
				}
			},
		},
		{
			name: "keepalive ping",
			raw:  `{"type":"client_control","session_id":"s9","action":"ping"}`,
			check: func(t *testing.T, msg any) {
				if control := msg.(ClientControl); control.Action != ActionPing || control.SessionID != "s9" {
					t.Fatalf("unexpected client control: %+v", control)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage() error = %v", err)
			}
			tc.check(t, msg)
		})
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := map[string]string{
		"truncated json":      `{"type":`,
		"control sans action": `{"type":"client_control","session_id":"s1"}`,
		"chunk sans audio":    `{"type":"client_audio_chunk","session_id":"s1","pcm16_base64":"","sample_rate":16000}`,
		"chunk sans rate":     `{"type":"client_audio_chunk","session_id":"s1","pcm16_base64":"AQID"}`,
		"server-only type":    `{"type":"assistant_audio_chunk","session_id":"s1"}`,
	}
	for name, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: ParseClientMessage() error = nil, want error", name)
		}
	}
	if _, err := ParseClientMessage([]byte(`{"type":"wat"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestTypeOfOutboundMessages(t *testing.T) {
	msgs := []any{
		Status{Type: TypeStatus},
		Transcript{Type: TypeTranscript},
		DictationResult{Type: TypeDictationResult},
		AssistantAudioChunk{Type: TypeAssistantAudio},
		PlaybackStop{Type: TypePlaybackStop},
		SessionEnded{Type: TypeSessionEnded},
		ErrorEvent{Type: TypeErrorEvent},
	}
	for _, msg := range msgs {
		got, ok := TypeOf(msg)
		if !ok || got == "" {
			t.Fatalf("TypeOf(%T) = %q, %v", msg, got, ok)
		}
	}
	if _, ok := TypeOf("not a message"); ok {
		t.Fatal("TypeOf(string) reported a message type")
	}
}

func TestAssistantAudioChunkWireShape(t *testing.T) {
	raw, err := json.Marshal(AssistantAudioChunk{
		Type:        TypeAssistantAudio,
		SessionID:   "s1",
		ChunkID:     4,
		StartAtMS:   250.5,
		DurationMS:  40,
		SampleRate:  24000,
		Format:      "pcm_s16le",
		AudioBase64: "AAA=",
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, field := range []string{`"type":"assistant_audio_chunk"`, `"chunk_id":4`, `"start_at_ms":250.5`, `"sample_rate":24000`, `"format":"pcm_s16le"`} {
		if !strings.Contains(string(raw), field) {
			t.Fatalf("encoded chunk %s missing %s", raw, field)
		}
	}
}

func BenchmarkParseClientMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":7,"pcm16_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000,"ts_ms":123456}`)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
	}
}
