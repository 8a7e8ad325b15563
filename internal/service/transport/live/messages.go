package live

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/schema"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

// Outbound messages.

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string            `json:"model,omitempty"`
	GenerationConfig         *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *content          `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  voiceConfig `json:"voiceConfig"`
	LanguageCode string      `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []blob `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

func newSetup(cfg transport.Config) setupMessage {
	s := setup{
		Model: cfg.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" || cfg.LanguageCode != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig:  voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: cfg.Voice}},
			LanguageCode: cfg.LanguageCode,
		}
	}
	if cfg.SystemInstruction != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	return setupMessage{Setup: s}
}

func newTextTurn(text string) clientContentMessage {
	return clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// Inbound messages.

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
}

type serverContent struct {
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
}

type transcription struct {
	Text *string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *serverError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (%s, code %d)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// codec encodes and decodes protocol frames with encoding/json semantics.
var codec = sonic.ConfigStd

var inboundSchema = schema.New("setupComplete", "serverContent", "goAway", "toolCall", "usageMetadata").
	Require("error", "message")

// events translates one server message into transport events, in the order
// they must be applied. Parts missing required fields are reported through
// malformed and skipped.
func (m serverMessage) events() (events []transport.Event, malformed []error) {
	if sc := m.ServerContent; sc != nil {
		if tr := sc.InputTranscription; tr != nil {
			if tr.Text == nil {
				malformed = append(malformed, fmt.Errorf("%w: inputTranscription without text", transport.ErrMalformedEvent))
			} else {
				events = append(events, transport.Partial(transcript.Human, *tr.Text))
			}
		}
		if tr := sc.OutputTranscription; tr != nil {
			if tr.Text == nil {
				malformed = append(malformed, fmt.Errorf("%w: outputTranscription without text", transport.ErrMalformedEvent))
			} else {
				events = append(events, transport.Partial(transcript.Agent, *tr.Text))
			}
		}
		if sc.TurnComplete {
			events = append(events, transport.TurnComplete())
		}
	}
	if m.Error != nil {
		events = append(events, transport.Failure(m.Error))
	}
	return events, malformed
}
