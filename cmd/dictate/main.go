// Command dictate drives a running rafiqa server the way the browser UI does:
// it opens a session, streams a recording over the event socket and prints
// what comes back. The server must run with AUDIO_DEVICES=browser.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/protocol"
)

type options struct {
	baseURL   string
	clientID  string
	mode      string
	wavPath   string
	say       string
	voiceID   string
	savePath  string
	chunkMS   int
	realtime  float64
	tailDelay time.Duration
	timeout   time.Duration
	verbose   bool
}

type createSessionRequest struct {
	ClientID string `json:"client_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type previewRequest struct {
	VoiceID string `json:"voice_id,omitempty"`
	Text    string `json:"text,omitempty"`
}

type wsEnvelope struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	Status      string  `json:"status,omitempty"`
	Role        string  `json:"role,omitempty"`
	Text        string  `json:"text,omitempty"`
	Name        string  `json:"name,omitempty"`
	URL         string  `json:"url,omitempty"`
	Level       string  `json:"level,omitempty"`
	Message     string  `json:"message,omitempty"`
	Code        string  `json:"code,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	ChunkID     uint64  `json:"chunk_id,omitempty"`
	StartAtMS   float64 `json:"start_at_ms,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
	AudioBase64 string  `json:"audio_base64,omitempty"`
}

// outcome is what the session produced before it ended or went quiet.
type outcome struct {
	dictated string
	model    []string
	audio    []float32
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dictate: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dictate: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var tailMS int
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "rafiqa base URL")
	flag.StringVar(&cfg.clientID, "client-id", "dictate-cli", "client_id used for the session")
	flag.StringVar(&cfg.mode, "mode", "dictation", "session mode (dictation|conversational)")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV recording to stream")
	flag.StringVar(&cfg.say, "say", "", "synthesize this text with the preview voice and stream it instead of -wav")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "optional voice_id for -say")
	flag.StringVar(&cfg.savePath, "save", "", "write the assistant's spoken reply to this WAV file")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&tailMS, "tail-ms", 1200, "silence streamed after the recording so the turn can end")
	flag.IntVar(&timeoutMS, "timeout-ms", 30000, "how long to wait for the result after streaming")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every server event")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	if cfg.mode != "dictation" && cfg.mode != "conversational" {
		return options{}, fmt.Errorf("mode must be dictation or conversational")
	}
	if (cfg.wavPath == "") == (strings.TrimSpace(cfg.say) == "") {
		return options{}, fmt.Errorf("exactly one of -wav or -say is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if tailMS < 0 {
		tailMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.tailDelay = time.Duration(tailMS) * time.Millisecond
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	samples, err := loadUtterance(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	wsURL, err := wsURLForClient(cfg.baseURL, cfg.clientID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = closeSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	if cfg.verbose {
		fmt.Printf("dictate: session=%s mode=%s samples=%d\n", sessionID, cfg.mode, len(samples))
	}

	resultCh := make(chan outcome, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, sessionID, cfg.verbose, resultCh, readErrCh)

	silence := make([]float32, audio.CaptureSampleRate*int(cfg.tailDelay/time.Millisecond)/1000)
	if err := streamAudio(conn, sessionID, append(samples, silence...), cfg.chunkMS, cfg.realtime); err != nil {
		return fmt.Errorf("stream audio: %w", err)
	}

	var res outcome
	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()
	select {
	case res = <-resultCh:
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-timer.C:
		return fmt.Errorf("no result after %s", cfg.timeout)
	}

	if cfg.mode == "dictation" {
		fmt.Println(res.dictated)
	} else {
		for _, line := range res.model {
			fmt.Println(line)
		}
	}
	if cfg.savePath != "" && len(res.audio) > 0 {
		buf := audio.NewPlaybackBuffer([][]float32{res.audio}, audio.PlaybackSampleRate)
		if err := audio.WriteWAVFile(cfg.savePath, buf); err != nil {
			return fmt.Errorf("save reply: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("dictate: saved %s of reply audio to %s\n", buf.Duration, cfg.savePath)
		}
	}
	return nil
}

// loadUtterance returns mono capture-rate samples from -wav or -say.
func loadUtterance(ctx context.Context, client *http.Client, cfg options) ([]float32, error) {
	var data []byte
	var err error
	if cfg.wavPath != "" {
		data, err = os.ReadFile(cfg.wavPath)
	} else {
		data, err = synthPreview(ctx, client, cfg)
	}
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := decodeWAVPCM16(data)
	if err != nil {
		return nil, err
	}
	buf, err := audio.DecodeAudioPayload(pcm, sampleRate, 1)
	if err != nil {
		return nil, err
	}
	samples := resampleLinear(buf.Samples[0], sampleRate, audio.CaptureSampleRate)
	if len(samples) == 0 {
		return nil, fmt.Errorf("utterance has no audio")
	}
	return samples, nil
}

func postJSON(ctx context.Context, client *http.Client, target string, body any, limit int64) (int, []byte, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, limit))
	return res.StatusCode, data, err
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	status, body, err := postJSON(ctx, client, cfg.baseURL+"/v1/voice/session", createSessionRequest{ClientID: cfg.clientID, Mode: cfg.mode}, 1<<20)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func closeSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	_, _, err := postJSON(ctx, client, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/close", nil, 1<<20)
	return err
}

func synthPreview(ctx context.Context, client *http.Client, cfg options) ([]byte, error) {
	status, body, err := postJSON(ctx, client, cfg.baseURL+"/v1/voice/tts/preview", previewRequest{VoiceID: strings.TrimSpace(cfg.voiceID), Text: cfg.say}, 40<<20)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("preview HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func wsURLForClient(baseURL, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/events/ws"
	q := u.Query()
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop collects events for sessionID and reports once the session ended,
// or, in conversational mode, once the assistant went idle after replying.
func readLoop(conn *websocket.Conn, sessionID string, verbose bool, resultCh chan<- outcome, readErrCh chan<- error) {
	var res outcome
	var assistantAudio []float32
	replied := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.SessionID != "" && env.SessionID != sessionID {
			continue
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "dictate: %s\n", strings.TrimSpace(string(data)))
		}

		switch protocol.MessageType(env.Type) {
		case protocol.TypeDictationResult:
			res.dictated = env.Text
		case protocol.TypeTranscript:
			if env.Role == "model" && strings.TrimSpace(env.Text) != "" {
				res.model = append(res.model, env.Text)
				replied = true
			}
		case protocol.TypeAssistantAudio:
			buf, err := audio.DecodeWirePlayback(env.AudioBase64)
			if err == nil {
				assistantAudio = append(assistantAudio, buf.Samples[0]...)
				replied = true
			}
		case protocol.TypeToolAction:
			res.model = append(res.model, "[tool] "+env.Name)
		case protocol.TypeImage:
			res.model = append(res.model, "[image] "+env.URL)
		case protocol.TypeNotification:
			fmt.Fprintf(os.Stderr, "dictate: %s: %s\n", env.Level, env.Message)
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "dictate: error_event code=%s detail=%s\n", env.Code, env.Detail)
		case protocol.TypeStatus:
			if env.Status == "idle" && replied {
				res.audio = assistantAudio
				resultCh <- res
				return
			}
		case protocol.TypeSessionEnded:
			res.audio = assistantAudio
			resultCh <- res
			return
		}
	}
}

func streamAudio(conn *websocket.Conn, sessionID string, samples []float32, chunkMS int, realtime float64) error {
	perChunk := audio.CaptureSampleRate * chunkMS / 1000
	if perChunk <= 0 {
		return fmt.Errorf("invalid chunk size %dms", chunkMS)
	}
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	seq := 0
	for off := 0; off < len(samples); off += perChunk {
		end := min(off+perChunk, len(samples))
		seq++
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         seq,
			PCM16Base64: audio.EncodePCM16(samples[off:end]),
			SampleRate:  audio.CaptureSampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(pace)
	}
	return nil
}

// resampleLinear converts mono samples between rates by linear interpolation.
func resampleLinear(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j] + (in[j+1]-in[j])*frac
	}
	return out
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = audio.CaptureSampleRate
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	// Downmix to mono.
	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
