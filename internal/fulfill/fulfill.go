// Package fulfill resolves the tool calls the assistant answers in-process
// and synthesizes short spoken prompts, using the Gemini SDK.
package fulfill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/tools"
)

// ContentGenerator is the text and speech half of genai.Models.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ImageGenerator is the image half of genai.Models.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

type Config struct {
	TextModel  string
	ImageModel string
	TTSModel   string
	Voice      string
	Timeout    time.Duration
}

// DispatchFailure reports a tool call that could not be fulfilled.
type DispatchFailure struct {
	Tool string
	Err  error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

var errMissingArg = errors.New("missing argument")

// Result is a fulfilled call. Response goes back to the model; ImageURL is
// set when the call produced a picture for the conversation history.
type Result struct {
	Response map[string]any
	ImageURL string
}

type Service struct {
	cfg    Config
	text   ContentGenerator
	images ImageGenerator
	logger zerolog.Logger
}

// NewClient builds the SDK client for the Gemini API backend.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// New wires the service to a genai client.
func New(client *genai.Client, cfg Config, logger zerolog.Logger) *Service {
	return NewWith(client.Models, client.Models, cfg, logger)
}

// NewWith wires the service to explicit generators.
func NewWith(text ContentGenerator, images ImageGenerator, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{cfg: cfg, text: text, images: images, logger: logger.With().Str("component", "fulfill").Logger()}
}

// Handles reports whether name is answered by Fulfill.
func (s *Service) Handles(name string) bool {
	switch name {
	case tools.GenerateImage, tools.AnalyzeFoodCalories:
		return true
	default:
		return false
	}
}

// Fulfill runs a tool call. Failures are *DispatchFailure.
func (s *Service) Fulfill(ctx context.Context, name string, args map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var (
		res Result
		err error
	)
	switch name {
	case tools.GenerateImage:
		res, err = s.generateImage(ctx, tools.StringArg(args, "prompt"))
	case tools.AnalyzeFoodCalories:
		res, err = s.analyzeFoodCalories(ctx, tools.StringArg(args, "food"))
	default:
		err = fmt.Errorf("no fulfillment for %q", name)
	}
	if err != nil {
		return Result{}, &DispatchFailure{Tool: name, Err: err}
	}
	return res, nil
}

func (s *Service) generateImage(ctx context.Context, prompt string) (Result, error) {
	if prompt == "" {
		return Result{}, fmt.Errorf("prompt: %w", errMissingArg)
	}
	resp, err := s.images.GenerateImages(ctx, s.cfg.ImageModel, prompt, &genai.GenerateImagesConfig{NumberOfImages: 1})
	if err != nil {
		return Result{}, err
	}
	for _, gen := range resp.GeneratedImages {
		if gen == nil || gen.Image == nil || len(gen.Image.ImageBytes) == 0 {
			continue
		}
		mime := gen.Image.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(gen.Image.ImageBytes)
		s.logger.Debug().Int("bytes", len(gen.Image.ImageBytes)).Msg("image generated")
		return Result{
			Response: map[string]any{"result": "The picture is ready and shown to the user.", "prompt": prompt},
			ImageURL: url,
		}, nil
	}
	return Result{}, errors.New("no image returned")
}

var calorieSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"food":     {Type: genai.TypeString},
		"serving":  {Type: genai.TypeString},
		"calories": {Type: genai.TypeInteger},
		"notes":    {Type: genai.TypeString},
	},
	Required: []string{"food", "calories"},
}

func (s *Service) analyzeFoodCalories(ctx context.Context, food string) (Result, error) {
	if food == "" {
		return Result{}, fmt.Errorf("food: %w", errMissingArg)
	}
	resp, err := s.text.GenerateContent(ctx, s.cfg.TextModel,
		genai.Text("Estimate the calories of: "+food),
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: "You are a nutrition assistant. Give a single typical-serving estimate."}}},
			ResponseMIMEType:  "application/json",
			ResponseSchema:    calorieSchema,
		})
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, errors.New("empty calorie estimate")
	}
	var estimate map[string]any
	if err := json.Unmarshal([]byte(text), &estimate); err != nil {
		return Result{}, fmt.Errorf("parse calorie estimate: %w", err)
	}
	return Result{Response: estimate}, nil
}

// Synthesize speaks text with the configured voice and returns playback
// audio.
func (s *Service) Synthesize(ctx context.Context, text string) (audio.PlaybackBuffer, error) {
	return s.SynthesizeVoice(ctx, text, s.cfg.Voice)
}

// SynthesizeVoice is Synthesize with an explicit prebuilt voice.
func (s *Service) SynthesizeVoice(ctx context.Context, text, voice string) (audio.PlaybackBuffer, error) {
	text = speakable(text)
	if text == "" {
		return audio.PlaybackBuffer{}, errors.New("synthesize: nothing to say")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{ResponseModalities: []string{string(genai.ModalityAudio)}}
	if voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice}},
		}
	}
	resp, err := s.text.GenerateContent(ctx, s.cfg.TTSModel, genai.Text(text), cfg)
	if err != nil {
		return audio.PlaybackBuffer{}, fmt.Errorf("synthesize: %w", err)
	}

	var pcm []byte
	rate := audio.PlaybackSampleRate
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p == nil || p.InlineData == nil {
				continue
			}
			if r := rateFromMIME(p.InlineData.MIMEType); r > 0 {
				rate = r
			}
			pcm = append(pcm, p.InlineData.Data...)
		}
	}
	if len(pcm) == 0 {
		return audio.PlaybackBuffer{}, errors.New("synthesize: no audio returned")
	}
	return audio.DecodeAudioPayload(pcm, rate, 1)
}

// rateFromMIME reads the rate parameter of e.g. "audio/L16;codec=pcm;rate=24000".
func rateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}
