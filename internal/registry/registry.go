// Package registry holds the ordered set of agents a call moves through.
//
// Agents differ only in data. Traversal is by index into a fixed slice, and a
// definition's Next field names the index of its successor.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// NoSuccessor marks the last agent of a call.
const NoSuccessor = -1

// Handler says what the orchestrator does when a function is called.
type Handler string

const (
	HandlerHandoff Handler = "handoff"
	HandlerEnd     Handler = "end"
	HandlerRecord  Handler = "record"
)

// Function is one tool exposed to an agent.
type Function struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Handler     Handler        `yaml:"handler"`
	// Reply is returned to the agent for record functions.
	Reply map[string]any `yaml:"reply,omitempty"`
}

// AgentDefinition is immutable once the registry is built.
type AgentDefinition struct {
	Name         string
	Position     int
	Instructions string
	// Greeting is spoken when the session opens. GreetingWithContext, if set,
	// replaces it when there is earlier context. Both are text/templates over
	// GreetingData.
	Greeting            string
	GreetingWithContext string
	Voice               string
	Functions           []Function
	Next                int
}

// GreetingData is available to greeting templates.
type GreetingData struct {
	Context string
	Summary string
}

// Registry is read-only after New returns.
type Registry struct {
	agents    []AgentDefinition
	greetings []*template.Template
	contexted []*template.Template
}

// New validates defs and builds a registry. Positions must equal slice indices
// and successors must point forward, which rules out cycles.
func New(defs ...AgentDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, errors.New("registry: no agents")
	}
	r := &Registry{
		agents:    make([]AgentDefinition, len(defs)),
		greetings: make([]*template.Template, len(defs)),
		contexted: make([]*template.Template, len(defs)),
	}
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("registry: agent %d has no name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("registry: duplicate agent %q", d.Name)
		}
		seen[d.Name] = true
		if d.Position != i {
			return nil, fmt.Errorf("registry: agent %q at index %d declares position %d", d.Name, i, d.Position)
		}
		if d.Next != NoSuccessor && (d.Next <= i || d.Next >= len(defs)) {
			return nil, fmt.Errorf("registry: agent %q has invalid successor %d", d.Name, d.Next)
		}
		fnames := make(map[string]bool, len(d.Functions))
		for _, f := range d.Functions {
			if fnames[f.Name] {
				return nil, fmt.Errorf("registry: agent %q declares %q twice", d.Name, f.Name)
			}
			fnames[f.Name] = true
			switch f.Handler {
			case HandlerHandoff, HandlerEnd, HandlerRecord:
			default:
				return nil, fmt.Errorf("registry: function %q of %q has unknown handler %q", f.Name, d.Name, f.Handler)
			}
		}
		var err error
		if r.greetings[i], err = parseTemplate(d.Name+".greeting", d.Greeting); err != nil {
			return nil, err
		}
		if r.contexted[i], err = parseTemplate(d.Name+".greeting_ctx", d.GreetingWithContext); err != nil {
			return nil, err
		}
		r.agents[i] = d
	}
	return r, nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", name, err)
	}
	return t, nil
}

// Len is the number of agents.
func (r *Registry) Len() int { return len(r.agents) }

// First returns the agent a call starts with.
func (r *Registry) First() AgentDefinition { return r.agents[0] }

// At returns the agent at index i.
func (r *Registry) At(i int) (AgentDefinition, bool) {
	if i < 0 || i >= len(r.agents) {
		return AgentDefinition{}, false
	}
	return r.agents[i], true
}

// Successor returns the index following i, or false if i is terminal.
func (r *Registry) Successor(i int) (int, bool) {
	d, ok := r.At(i)
	if !ok || d.Next == NoSuccessor {
		return NoSuccessor, false
	}
	return d.Next, true
}

// Lookup finds a function of agent i by name.
func (r *Registry) Lookup(i int, name string) (Function, bool) {
	d, ok := r.At(i)
	if !ok {
		return Function{}, false
	}
	for _, f := range d.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return Function{}, false
}

const contextHeader = "CONTEXT FROM PREVIOUS CONVERSATION:\n"

// Render produces the prompt and greeting for agent i with the call context
// injected.
func (r *Registry) Render(i int, context string) (instructions, greeting string, err error) {
	d, ok := r.At(i)
	if !ok {
		return "", "", fmt.Errorf("registry: no agent at %d", i)
	}
	instructions = d.Instructions
	if context != "" {
		instructions = contextHeader + context + "\n\n" + d.Instructions
	}
	tmpl := r.greetings[i]
	if context != "" && r.contexted[i] != nil {
		tmpl = r.contexted[i]
	}
	if tmpl == nil {
		return instructions, "", nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, GreetingData{Context: context, Summary: summaryOf(context)}); err != nil {
		return "", "", fmt.Errorf("registry: greeting for %s: %w", d.Name, err)
	}
	return instructions, strings.Join(strings.Fields(buf.String()), " "), nil
}

// summaryOf pulls the summary sentence out of a summarizer context block.
func summaryOf(context string) string {
	const marker = "summary:"
	idx := strings.Index(strings.ToLower(context), marker)
	if idx < 0 {
		return ""
	}
	rest := context[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}
