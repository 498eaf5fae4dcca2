package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/summarizer"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

// orderLog records calls across fakes so tests can check their order.
type orderLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *orderLog) index(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == s {
			return i
		}
	}
	return -1
}

type fakeBridge struct {
	frames   chan []byte
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	sent   [][]byte
	clears int
	closes int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (b *fakeBridge) CallID() string           { return "CA-test" }
func (b *fakeBridge) Format() transport.Format { return transport.TwilioFormat }
func (b *fakeBridge) Frames() <-chan []byte    { return b.frames }
func (b *fakeBridge) Done() <-chan struct{}    { return b.done }

func (b *fakeBridge) Send(frame []byte) error {
	select {
	case <-b.done:
		return transport.ErrClosed
	default:
	}
	b.mu.Lock()
	b.sent = append(b.sent, frame)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Clear() error {
	b.mu.Lock()
	b.clears++
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Close() error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	b.disconnect()
	return nil
}

func (b *fakeBridge) disconnect() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *fakeBridge) sentString() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, f := range b.sent {
		out[i] = string(f)
	}
	return out
}

func (b *fakeBridge) counts() (clears, closes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clears, b.closes
}

type response struct {
	id, name, content string
}

type fakeSession struct {
	name   string
	order  *orderLog
	events chan agentsession.Event
	audio  chan []byte
	closed chan struct{}

	mu         sync.Mutex
	isClosed   bool
	received   [][]byte
	afterClose int
	responses  []response
	closeCalls int
	respondErr error
}

func newFakeSession(name string, order *orderLog) *fakeSession {
	return &fakeSession{
		name:   name,
		order:  order,
		events: make(chan agentsession.Event, 16),
		audio:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		s.afterClose++
		return agentsession.ErrSessionClosed
	}
	s.received = append(s.received, frame)
	return nil
}

func (s *fakeSession) Audio() <-chan []byte { return s.audio }

func (s *fakeSession) Next(ctx context.Context) (agentsession.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return agentsession.Event{}, agentsession.ErrSessionClosed
	case <-ctx.Done():
		return agentsession.Event{}, ctx.Err()
	}
}

func (s *fakeSession) TryNext() (agentsession.Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return agentsession.Event{}, false
	}
}

func (s *fakeSession) RespondFunctionCall(id, name, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respondErr != nil {
		return s.respondErr
	}
	if s.isClosed {
		return agentsession.ErrResponseAfterClose
	}
	s.responses = append(s.responses, response{id, name, content})
	s.order.add("respond:" + s.name + ":" + id)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.isClosed {
		return nil
	}
	s.isClosed = true
	s.order.add("close:" + s.name)
	close(s.closed)
	close(s.audio)
	return nil
}

// drop simulates the backend going away on its own.
func (s *fakeSession) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	s.isClosed = true
	close(s.closed)
}

func (s *fakeSession) speak(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isClosed {
		s.audio <- chunk
	}
}

func (s *fakeSession) snapshot() (received int, afterClose int, responses []response, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received), s.afterClose, append([]response(nil), s.responses...), s.isClosed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failures int
	dials    int
	settings []agentsession.Settings
}

func (d *fakeDialer) Dial(ctx context.Context, settings agentsession.Settings) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.settings = append(d.settings, settings)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("settings rejected")
	}
	if len(d.sessions) == 0 {
		return nil, errors.New("no session available")
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) prompt(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings[i].Agent.Think.Prompt
}

type sumResult struct {
	out string
	err error
}

type fakeSummarizer struct {
	mu      sync.Mutex
	results []sumResult
	calls   []summarizer.Request
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req summarizer.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.results) == 0 {
		return "", &summarizer.Error{Attempts: 1, Err: errors.New("no result")}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

func (f *fakeSummarizer) requests() []summarizer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]summarizer.Request(nil), f.calls...)
}

type fakeCalls struct {
	mu      sync.Mutex
	hangups []string
}

func (f *fakeCalls) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, callID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (f *fakeRecorder) Record(o Outcome) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, o)
	f.mu.Unlock()
}

func (f *fakeRecorder) all() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outcome(nil), f.outcomes...)
}

type fakeFiller struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeFiller) Speak(ctx context.Context, text string, sink func([]byte) error) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return sink([]byte("filler"))
}

// phaseLog is an Observer that also notes whether the forwarder was running
// at each transition.
type phaseLog struct {
	mu      sync.Mutex
	phases  []Phase
	running []bool
}

func (l *phaseLog) observer(o **Orchestrator) func(Phase) {
	return func(p Phase) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.phases = append(l.phases, p)
		l.running = append(l.running, (*o).ForwarderRunning())
	}
}

func (l *phaseLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]string, len(l.phases))
	for i, p := range l.phases {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

func (l *phaseLog) count(k Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.phases {
		if p.Kind == k {
			n++
		}
	}
	return n
}

var noteFunction = registry.Function{
	Name:    "note",
	Handler: registry.HandlerRecord,
	Reply:   map[string]any{"status": "noted"},
}

// chain builds n agents named agent0..agentN-1, each handing off to the next.
func chain(t *testing.T, n int) *registry.Registry {
	t.Helper()
	defs := make([]registry.AgentDefinition, n)
	for i := range defs {
		next := i + 1
		fns := []registry.Function{registry.HandoffFunction, registry.EndConversationFunction, noteFunction}
		if i == n-1 {
			next = registry.NoSuccessor
			fns = fns[1:]
		}
		defs[i] = registry.AgentDefinition{
			Name:         "agent" + string(rune('0'+i)),
			Position:     i,
			Instructions: "You are agent " + string(rune('0'+i)) + ".",
			Greeting:     "Hello.",
			Voice:        "aura-2-thalia-en",
			Functions:    fns,
			Next:         next,
		}
	}
	r, err := registry.New(defs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func testConfig() Config {
	return Config{
		HandoffGrace:      5 * time.Millisecond,
		EndGrace:          5 * time.Millisecond,
		SummarizerTimeout: time.Second,
		ConnectRetries:    1,
		ConnectBackoff:    time.Millisecond,
	}
}

type harness struct {
	o      *Orchestrator
	bridge *fakeBridge
	dialer *fakeDialer
	sum    *fakeSummarizer
	calls  *fakeCalls
	rec    *fakeRecorder
	phases *phaseLog
	order  *orderLog
	s      []*fakeSession
}

func newHarness(t *testing.T, reg *registry.Registry, sessions int, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		bridge: newFakeBridge(),
		dialer: &fakeDialer{},
		sum:    &fakeSummarizer{},
		calls:  &fakeCalls{},
		rec:    &fakeRecorder{},
		phases: &phaseLog{},
		order:  &orderLog{},
	}
	for i := 0; i < sessions; i++ {
		s := newFakeSession("s"+string(rune('0'+i)), h.order)
		h.s = append(h.s, s)
		h.dialer.sessions = append(h.dialer.sessions, s)
	}
	deps := Deps{
		Bridge:      h.bridge,
		Dialer:      h.dialer,
		Registry:    reg,
		Summarizer:  h.sum,
		CallControl: h.calls,
		Recorder:    h.rec,
		Logger:      log.Nop(),
		Observer:    h.phases.observer(&h.o),
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h.o = o
	return h
}

func (h *harness) run() <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.o.Run(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("call did not end")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitActive(t *testing.T, agent int) {
	t.Helper()
	waitFor(t, "agent active", func() bool {
		p := h.o.Phase()
		return p.Kind == AgentActive && p.Agent == agent
	})
}

func call(id, name, args string) agentsession.Event {
	return agentsession.Event{
		Type:         agentsession.EventFunctionCall,
		FunctionCall: &agentsession.FunctionCall{ID: id, Name: name, Arguments: args, ClientSide: true},
	}
}

func said(role, content string) agentsession.Event {
	return agentsession.Event{Type: agentsession.EventConversationText, Role: role, Content: content}
}
