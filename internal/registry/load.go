package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileAgent struct {
	Name                string     `yaml:"name"`
	Instructions        string     `yaml:"instructions"`
	Greeting            string     `yaml:"greeting"`
	GreetingWithContext string     `yaml:"greeting_with_context"`
	Voice               string     `yaml:"voice"`
	Next                string     `yaml:"next"`
	Functions           []Function `yaml:"functions"`
}

type file struct {
	Agents []fileAgent `yaml:"agents"`
}

// Load reads agent definitions from a YAML file. Agents are listed in call
// order and refer to their successor by name; an empty next ends the call.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file system.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	index := make(map[string]int, len(f.Agents))
	for i, a := range f.Agents {
		index[a.Name] = i
	}
	defs := make([]AgentDefinition, 0, len(f.Agents))
	for i, a := range f.Agents {
		next := NoSuccessor
		if a.Next != "" {
			n, ok := index[a.Next]
			if !ok {
				return nil, fmt.Errorf("registry: agent %q names unknown successor %q", a.Name, a.Next)
			}
			next = n
		}
		defs = append(defs, AgentDefinition{
			Name:                a.Name,
			Position:            i,
			Instructions:        a.Instructions,
			Greeting:            a.Greeting,
			GreetingWithContext: a.GreetingWithContext,
			Voice:               a.Voice,
			Functions:           a.Functions,
			Next:                next,
		})
	}
	return New(defs...)
}
