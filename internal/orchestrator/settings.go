package orchestrator

import (
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

// Models picks the providers shared by every agent of a call.
type Models struct {
	Language string
	Listen   agentsession.Provider
	Think    agentsession.Provider
}

// DefaultModels are used for any provider left empty.
var DefaultModels = Models{
	Language: "en",
	Listen:   agentsession.Provider{Type: "deepgram", Model: "flux-general-en"},
	Think:    agentsession.Provider{Type: "open_ai", Model: "gpt-4o-mini"},
}

// BuildSettings assembles the configuration message for agent def. The audio
// section mirrors the bridge so no transcoding happens in between.
func BuildSettings(m Models, format transport.Format, def registry.AgentDefinition, instructions, greeting string) agentsession.Settings {
	if m.Language == "" {
		m.Language = DefaultModels.Language
	}
	if m.Listen.Type == "" {
		m.Listen = DefaultModels.Listen
	}
	if m.Think.Type == "" {
		m.Think = DefaultModels.Think
	}
	fns := make([]agentsession.Function, 0, len(def.Functions))
	for _, f := range def.Functions {
		params := f.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		fns = append(fns, agentsession.Function{Name: f.Name, Description: f.Description, Parameters: params})
	}
	return agentsession.Settings{
		Type: "Settings",
		Audio: agentsession.AudioSettings{
			Input: agentsession.AudioInput{
				Encoding:   format.Input.Encoding,
				SampleRate: format.Input.SampleRate,
			},
			Output: agentsession.AudioOutput{
				Encoding:   format.Output.Encoding,
				SampleRate: format.Output.SampleRate,
				Container:  "none",
			},
		},
		Agent: agentsession.AgentSettings{
			Language: m.Language,
			Listen:   agentsession.ListenSettings{Provider: m.Listen},
			Think: agentsession.ThinkSettings{
				Provider:  m.Think,
				Prompt:    instructions,
				Functions: fns,
			},
			Speak:    agentsession.SpeakSettings{Provider: agentsession.Provider{Type: "deepgram", Model: def.Voice}},
			Greeting: greeting,
		},
	}
}
