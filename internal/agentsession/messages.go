package agentsession

import "encoding/json"

// Settings is the configuration message sent once when a session opens.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioInput  `json:"input"`
	Output AudioOutput `json:"output"`
}

type AudioInput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type AudioOutput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string         `json:"language,omitempty"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type ThinkSettings struct {
	Provider  Provider   `json:"provider"`
	Prompt    string     `json:"prompt"`
	Functions []Function `json:"functions,omitempty"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

// Function is a client-side function the agent may call.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// EventType names the server messages surfaced through Next.
type EventType string

const (
	EventConversationText    EventType = "ConversationText"
	EventFunctionCall        EventType = "FunctionCallRequest"
	EventUserStartedSpeaking EventType = "UserStartedSpeaking"
	EventAgentAudioDone      EventType = "AgentAudioDone"
	EventError               EventType = "Error"
	EventWarning             EventType = "Warning"
)

// Event is one structured message from the agent backend.
type Event struct {
	Type EventType

	// ConversationText
	Role    string
	Content string

	// FunctionCallRequest
	FunctionCall *FunctionCall

	// Error and Warning
	Code        string
	Description string
}

// FunctionCall is a single function invocation requested by the agent.
type FunctionCall struct {
	ID         string
	Name       string
	Arguments  string
	ClientSide bool
}

// Decode unmarshals the JSON arguments into v.
func (f FunctionCall) Decode(v any) error {
	if f.Arguments == "" {
		return nil
	}
	return json.Unmarshal([]byte(f.Arguments), v)
}

// serverMessage is the union of the text frames read from the backend.
type serverMessage struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
	Functions   []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments"`
		ClientSide bool   `json:"client_side"`
	} `json:"functions,omitempty"`
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type keepAlive struct {
	Type string `json:"type"`
}
