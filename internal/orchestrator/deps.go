package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
)

// Session is the part of an agent session the orchestrator drives.
// *agentsession.Session satisfies it.
type Session interface {
	SendAudio(frame []byte) error
	Audio() <-chan []byte
	Next(ctx context.Context) (agentsession.Event, error)
	TryNext() (agentsession.Event, bool)
	RespondFunctionCall(id, name, content string) error
	Close() error
}

// Dialer opens a configured session. Implementations must not retry.
type Dialer interface {
	Dial(ctx context.Context, settings agentsession.Settings) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, settings agentsession.Settings) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, settings agentsession.Settings) (Session, error) {
	return f(ctx, settings)
}

// ClientDialer dials through an agentsession.Client.
func ClientDialer(c *agentsession.Client) Dialer {
	return DialerFunc(func(ctx context.Context, settings agentsession.Settings) (Session, error) {
		s, err := c.Connect(ctx, settings)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// CallControl hangs up the telephony leg of a call.
type CallControl interface {
	Hangup(ctx context.Context, callID string) error
}

// Filler speaks a short utterance into sink while the next agent is prepared.
type Filler interface {
	Speak(ctx context.Context, text string, sink func([]byte) error) error
}

// Outcome kinds.
const (
	OutcomeFunction  = "function"
	OutcomeCallEnded = "call_ended"
)

// Outcome is something worth keeping about a call: a recorded function call or
// the end of the call.
type Outcome struct {
	CallID    string
	Agent     string
	Kind      string
	Function  string
	Arguments json.RawMessage
	Reason    string
	At        time.Time
}

// Recorder receives outcomes. Record must not block the call.
type Recorder interface {
	Record(o Outcome)
}
