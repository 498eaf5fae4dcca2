// Package agentsession is a client for one ephemeral Deepgram Voice Agent
// conversation. Every agent turn of a call gets its own Session, so nothing the
// backend remembers can leak from one agent into the next.
package agentsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

// DefaultURL is the Voice Agent converse endpoint.
const DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

var (
	// ErrSessionClosed is returned by SendAudio and Next once the session is no
	// longer active.
	ErrSessionClosed = errors.New("agent session: closed")
	// ErrResponseAfterClose means a function-call response was attempted after
	// close began. The backend would drop it.
	ErrResponseAfterClose = errors.New("agent session: function-call response after close")
	// ErrDuplicateResponse means the call id was already answered.
	ErrDuplicateResponse = errors.New("agent session: function call already answered")
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateConfigured
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectError reports a session that could not be opened or configured.
type ConnectError struct {
	Stage string // "dial", "settings" or "rejected"
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("agent session connect (%s): %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Client opens sessions against the Voice Agent API.
type Client struct {
	APIKey           string
	URL              string
	HandshakeTimeout time.Duration
	SettingsTimeout  time.Duration
	KeepAlive        time.Duration
	WriteTimeout     time.Duration
	Logger           log.Logger

	// StateHook, when set, observes every state change of every session.
	StateHook func(State)
}

// NewClient returns a client with the default endpoint and timeouts.
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:           apiKey,
		URL:              DefaultURL,
		HandshakeTimeout: 10 * time.Second,
		SettingsTimeout:  5 * time.Second,
		KeepAlive:        5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Session is one live agent conversation.
type Session struct {
	conn         *websocket.Conn
	logger       log.Logger
	hook         func(State)
	writeTimeout time.Duration

	state atomic.Int32

	// writeMu serialises websocket writes and the Active->Closing transition.
	writeMu   sync.Mutex
	responded map[string]struct{}

	events     chan Event
	audio      chan []byte
	closing    chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// Connect dials the backend, applies settings and returns an Active session.
// It does not retry.
func (c *Client) Connect(ctx context.Context, settings Settings) (*Session, error) {
	if c.APIKey == "" {
		return nil, &ConnectError{Stage: "dial", Err: errors.New("deepgram API key missing")}
	}
	url := c.URL
	if url == "" {
		url = DefaultURL
	}
	settings.Type = "Settings"

	s := &Session{
		logger:       log.OrDefault(c.Logger),
		hook:         c.StateHook,
		writeTimeout: durationOr(c.WriteTimeout, 5*time.Second),
		responded:    make(map[string]struct{}),
		events:       make(chan Event, 64),
		audio:        make(chan []byte, 512),
		closing:      make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: durationOr(c.HandshakeTimeout, 10*time.Second)}
	header := http.Header{"Authorization": {"Token " + c.APIKey}}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		s.setState(StateClosed)
		return nil, &ConnectError{Stage: "dial", Err: err}
	}
	s.conn = conn

	if err := s.configure(ctx, settings, durationOr(c.SettingsTimeout, 5*time.Second)); err != nil {
		_ = conn.Close()
		s.setState(StateClosed)
		return nil, err
	}
	s.setState(StateConfigured)
	s.setState(StateActive)

	go s.readLoop()
	go s.keepAlive(durationOr(c.KeepAlive, 5*time.Second))
	return s, nil
}

// configure waits for Welcome, sends settings and waits for SettingsApplied.
// Cancelling ctx aborts the wait by closing the connection.
func (s *Session) configure(ctx context.Context, settings Settings, timeout time.Duration) (err error) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer func() {
		if fired := !stop(); fired || (err != nil && ctx.Err() != nil) {
			err = &ConnectError{Stage: "settings", Err: ctx.Err()}
		}
	}()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	if err := s.await("welcome", "Welcome"); err != nil {
		return err
	}
	if err := s.writeJSON(settings); err != nil {
		return &ConnectError{Stage: "settings", Err: err}
	}
	return s.await("settings", "SettingsApplied")
}

// await reads text frames until one of type want arrives. An Error frame
// rejects the session.
func (s *Session) await(stage, want string) error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return &ConnectError{Stage: stage, Err: fmt.Errorf("waiting for %s: %w", want, err)}
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case want:
			return nil
		case "Error":
			return &ConnectError{Stage: "rejected", Err: errors.New(firstNonEmpty(msg.Description, msg.Message, msg.Code))}
		}
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.hook != nil {
		s.hook(st)
	}
}

// SendAudio forwards one caller audio frame. Frames are not retried.
func (s *Session) SendAudio(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("agent session: send audio: %w", err)
	}
	return nil
}

// Audio delivers agent speech in order. It is closed when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audio }

// Next blocks for the next event. After the session closes and buffered events
// are consumed it returns ErrSessionClosed forever.
func (s *Session) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrSessionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// TryNext returns an already-buffered event without blocking.
func (s *Session) TryNext() (Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	default:
		return Event{}, false
	}
}

// RespondFunctionCall answers a FunctionCallRequest. Each id is answered at
// most once, and never after Close has started.
func (s *Session) RespondFunctionCall(id, name, content string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() >= StateClosing {
		return ErrResponseAfterClose
	}
	if _, dup := s.responded[id]; dup {
		return ErrDuplicateResponse
	}
	s.responded[id] = struct{}{}
	msg := functionCallResponse{Type: "FunctionCallResponse", ID: id, Name: name, Content: content}
	if err := s.writeJSONLocked(msg); err != nil {
		return fmt.Errorf("agent session: function call response: %w", err)
	}
	return nil
}

// Close ends the session and waits for the reader to stop. Calling it again is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		if s.State() < StateClosing {
			s.setState(StateClosing)
		}
		close(s.closing)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeTimeout))
		s.writeMu.Unlock()

		_ = s.conn.Close()
		<-s.readerDone
		s.setState(StateClosed)
	})
	return nil
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)
	defer close(s.audio)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.logger.Warnf("agent session: connection lost: %v", err)
				s.writeMu.Lock()
				if s.State() < StateClosing {
					s.setState(StateClosing)
				}
				s.writeMu.Unlock()
			}
			return
		}
		if mt == websocket.BinaryMessage {
			select {
			case s.audio <- data:
			case <-s.closing:
				return
			}
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debugf("agent session: ignoring malformed message: %v", err)
			continue
		}
		for _, ev := range toEvents(msg) {
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
		}
	}
}

func toEvents(msg serverMessage) []Event {
	switch EventType(msg.Type) {
	case EventConversationText:
		return []Event{{Type: EventConversationText, Role: msg.Role, Content: msg.Content}}
	case EventFunctionCall:
		out := make([]Event, 0, len(msg.Functions))
		for _, f := range msg.Functions {
			out = append(out, Event{Type: EventFunctionCall, FunctionCall: &FunctionCall{
				ID: f.ID, Name: f.Name, Arguments: f.Arguments, ClientSide: f.ClientSide,
			}})
		}
		return out
	case EventUserStartedSpeaking, EventAgentAudioDone:
		return []Event{{Type: EventType(msg.Type)}}
	case EventError, EventWarning:
		return []Event{{Type: EventType(msg.Type), Code: msg.Code, Description: firstNonEmpty(msg.Description, msg.Message)}}
	}
	return nil
}

func (s *Session) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-s.readerDone:
			return
		case <-t.C:
			s.writeMu.Lock()
			if s.State() == StateActive {
				if err := s.writeJSONLocked(keepAlive{Type: "KeepAlive"}); err != nil {
					s.logger.Debugf("agent session: keepalive: %v", err)
				}
			}
			s.writeMu.Unlock()
		}
	}
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeJSONLocked(v)
}

func (s *Session) writeJSONLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "unknown error"
}
