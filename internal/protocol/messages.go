package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudioChunk  MessageType = "audio_chunk"
	TypeTextMessage MessageType = "text_message"
	TypeConfig      MessageType = "config"
	TypeEndStream   MessageType = "end_stream"

	TypeConnected      MessageType = "connected"
	TypeStatus         MessageType = "status"
	TypeTranscript     MessageType = "transcript"
	TypeInterrupt      MessageType = "interrupt"
	TypeAgentResponse  MessageType = "agent_response"
	TypeAudioResponse  MessageType = "audio_response"
	TypeSessionTimeout MessageType = "session_timeout"
	TypeStreamEnded    MessageType = "stream_ended"
	TypeError          MessageType = "error"
)

// Termination reasons carried by session_timeout.
const (
	ReasonSilenceTimeout = "silence_timeout"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

// ClientMessage is the closed set of inbound events. Only types declared in
// this package implement it.
type ClientMessage interface {
	MessageType() MessageType
	clientMessage()
}

// ServerMessage is the closed set of outbound events.
type ServerMessage interface {
	MessageType() MessageType
	serverMessage()
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type AudioChunk struct {
	Type      MessageType `json:"type"`
	Data      string      `json:"data"`
	Timestamp float64     `json:"timestamp,omitempty"`
}

// Decode returns the raw audio bytes carried by the chunk.
func (m AudioChunk) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Data))
	if err != nil {
		return nil, fmt.Errorf("decode audio_chunk: %w", err)
	}
	return b, nil
}

type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// AgentConfigPayload is the client-supplied agent configuration. Persona is
// accepted as an alias for SystemPrompt.
type AgentConfigPayload struct {
	Name         string `json:"name,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Persona      string `json:"persona,omitempty"`
	VoiceID      string `json:"voice_id,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Prompt returns the persona text, preferring system_prompt.
func (p AgentConfigPayload) Prompt() string {
	if s := strings.TrimSpace(p.SystemPrompt); s != "" {
		return s
	}
	return strings.TrimSpace(p.Persona)
}

type ConfigUpdate struct {
	Type   MessageType         `json:"type"`
	Config *AgentConfigPayload `json:"config"`
}

type EndStream struct {
	Type MessageType `json:"type"`
}

func (AudioChunk) MessageType() MessageType   { return TypeAudioChunk }
func (TextMessage) MessageType() MessageType  { return TypeTextMessage }
func (ConfigUpdate) MessageType() MessageType { return TypeConfig }
func (EndStream) MessageType() MessageType    { return TypeEndStream }

func (AudioChunk) clientMessage()   {}
func (TextMessage) clientMessage()  {}
func (ConfigUpdate) clientMessage() {}
func (EndStream) clientMessage()    {}

type Connected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   string      `json:"message,omitempty"`
}

type Status struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Transcript struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type AgentResponse struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp"`
}

type AudioResponse struct {
	Type      MessageType `json:"type"`
	Audio     string      `json:"audio"`
	Format    string      `json:"format"`
	Timestamp string      `json:"timestamp"`
}

type SessionTimeout struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Reason  string      `json:"reason"`
}

type StreamEnded struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (Connected) MessageType() MessageType      { return TypeConnected }
func (Status) MessageType() MessageType         { return TypeStatus }
func (Transcript) MessageType() MessageType     { return TypeTranscript }
func (Interrupt) MessageType() MessageType      { return TypeInterrupt }
func (AgentResponse) MessageType() MessageType  { return TypeAgentResponse }
func (AudioResponse) MessageType() MessageType  { return TypeAudioResponse }
func (SessionTimeout) MessageType() MessageType { return TypeSessionTimeout }
func (StreamEnded) MessageType() MessageType    { return TypeStreamEnded }
func (ErrorEvent) MessageType() MessageType     { return TypeError }

func (Connected) serverMessage()      {}
func (Status) serverMessage()         {}
func (Transcript) serverMessage()     {}
func (Interrupt) serverMessage()      {}
func (AgentResponse) serverMessage()  {}
func (AudioResponse) serverMessage()  {}
func (SessionTimeout) serverMessage() {}
func (StreamEnded) serverMessage()    {}
func (ErrorEvent) serverMessage()     {}

// Timestamp formats t the way outbound events carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, fmt.Errorf("%w: empty audio_chunk", ErrInvalidMessage)
		}
		return msg, nil
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("%w: empty text_message", ErrInvalidMessage)
		}
		return msg, nil
	case TypeConfig:
		var msg ConfigUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Config == nil {
			return nil, fmt.Errorf("%w: config without payload", ErrInvalidMessage)
		}
		return msg, nil
	case TypeEndStream:
		return EndStream{Type: TypeEndStream}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
