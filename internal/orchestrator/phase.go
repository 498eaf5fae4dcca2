package orchestrator

import "fmt"

// Kind is the coarse state of a call.
type Kind int

const (
	Idle Kind = iota
	AgentActive
	Summarizing
	Ending
	Ended
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case AgentActive:
		return "agent_active"
	case Summarizing:
		return "summarizing"
	case Ending:
		return "ending"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Phase is a state plus the agent indices it refers to. Next is only meaningful
// while Summarizing and is registry.NoSuccessor when the agent was the last one.
type Phase struct {
	Kind  Kind
	Agent int
	Next  int
}

func (p Phase) String() string {
	switch p.Kind {
	case AgentActive:
		return fmt.Sprintf("agent_active(%d)", p.Agent)
	case Summarizing:
		return fmt.Sprintf("summarizing(%d->%d)", p.Agent, p.Next)
	}
	return p.Kind.String()
}
