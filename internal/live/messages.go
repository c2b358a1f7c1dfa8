package live

import "google.golang.org/genai"

// Client → server.

type setupMessage struct {
	Setup setupContent `json:"setup"`
}

type setupContent struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *genai.Content   `json:"systemInstruction,omitempty"`
	Tools                    []*genai.Tool    `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Server → client.

type serverMessage struct {
	SetupComplete *struct{}               `json:"setupComplete,omitempty"`
	ServerContent *serverContent          `json:"serverContent,omitempty"`
	ToolCall      *toolCallMessage        `json:"toolCall,omitempty"`
	GoAway        *genai.LiveServerGoAway `json:"goAway,omitempty"`
	UsageMetadata *usageMetadata          `json:"usageMetadata,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

// Data stays base64; decoding belongs to the audio codec.
type inlineData struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type toolCallMessage struct {
	FunctionCalls []functionCall `json:"functionCalls,omitempty"`
}

type functionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}
