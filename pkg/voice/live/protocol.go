package live

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire types for the bidirectional generate-content websocket. Field names
// follow the upstream JSON contract exactly; omitempty keeps outbound
// payloads minimal.

type clientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
}

// Setup is the first message on the wire. The server answers with
// setupComplete before any audio may flow.
type Setup struct {
	Model                   string               `json:"model"`
	GenerationConfig        *GenerationConfig    `json:"generationConfig,omitempty"`
	SystemInstruction       *Content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig     *RealtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription *struct{}            `json:"inputAudioTranscription,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type RealtimeInputConfig struct {
	AutomaticActivityDetection *AutomaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

type AutomaticActivityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMS          int    `json:"prefixPaddingMs"`
	SilenceDurationMS        int    `json:"silenceDurationMs"`
}

type RealtimeInput struct {
	Audio          *AudioBlob `json:"audio,omitempty"`
	AudioStreamEnd bool       `json:"audioStreamEnd,omitempty"`
}

type AudioBlob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// ClientContent seeds conversation turns, e.g. the history recap or the
// greeting starter. TurnComplete false tells the model the turn is context
// only and no reply is expected yet.
type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string     `json:"text,omitempty"`
	InlineData *AudioBlob `json:"inlineData,omitempty"`
}

// serverMessage is the inbound envelope. Only the fields the session acts on
// are decoded; everything else passes through untouched.
type serverMessage struct {
	SetupComplete *struct{}       `json:"setupComplete,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
	UsageMetadata *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
}

type ServerContent struct {
	ModelTurn          *Content       `json:"modelTurn,omitempty"`
	InputTranscription *Transcription `json:"inputTranscription,omitempty"`
	Interrupted        bool           `json:"interrupted,omitempty"`
	TurnComplete       bool           `json:"turnComplete,omitempty"`
}

type Transcription struct {
	Text string `json:"text,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}

// Message is one decoded server event delivered to the session. Err carries
// the compacted text of a server error payload; the socket stays open after
// one, so errors flow through the same stream as content.
type Message struct {
	Content *ServerContent
	Usage   *UsageMetadata
	Err     string
}

// AudioParts extracts the inline audio blobs of a model turn, skipping parts
// that carry no data.
func (sc *ServerContent) AudioParts() []AudioBlob {
	if sc == nil || sc.ModelTurn == nil {
		return nil
	}
	var out []AudioBlob
	for _, part := range sc.ModelTurn.Parts {
		if part.InlineData == nil || strings.TrimSpace(part.InlineData.Data) == "" {
			continue
		}
		out = append(out, *part.InlineData)
	}
	return out
}

func decodeServerMessage(data []byte) (*serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	return &msg, nil
}
