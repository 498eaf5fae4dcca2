package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
)

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(testConfig(), Deps{Dialer: &fakeDialer{}, Registry: chain(t, 1)}); err == nil {
		t.Fatalf("expected error without bridge")
	}
	if _, err := New(testConfig(), Deps{Bridge: newFakeBridge(), Registry: chain(t, 1)}); err == nil {
		t.Fatalf("expected error without dialer")
	}
	if _, err := New(testConfig(), Deps{Bridge: newFakeBridge(), Dialer: &fakeDialer{}}); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func TestHandoffEndToEnd(t *testing.T) {
	h := newHarness(t, chain(t, 2), 2, testConfig(), nil)
	h.sum.results = []sumResult{{out: "X"}}
	errc := h.run()
	s0, s1 := h.s[0], h.s[1]

	h.waitActive(t, 0)
	if strings.Contains(h.dialer.prompt(0), "CONTEXT FROM PREVIOUS CONVERSATION") {
		t.Fatalf("first agent should start without context")
	}

	h.bridge.frames <- []byte("caller-0")
	waitFor(t, "caller audio at s0", func() bool { n, _, _, _ := s0.snapshot(); return n == 1 })
	s0.speak([]byte("agent-0"))
	waitFor(t, "agent audio at bridge", func() bool { return len(h.bridge.sentString()) == 1 })

	s0.events <- said("user", "My name is John")
	s0.events <- call("h1", "handoff_to_next_agent", `{"reason":"qualified"}`)
	h.waitActive(t, 1)

	if got := h.dialer.prompt(1); !strings.HasPrefix(got, "CONTEXT FROM PREVIOUS CONVERSATION:\nX\n\n") {
		t.Fatalf("agent 1 did not get the summary: %q", got)
	}
	reqs := h.sum.requests()
	if len(reqs) != 1 || reqs[0].From != "agent0" || reqs[0].To != "agent1" || reqs[0].PreviousContext != "" {
		t.Fatalf("unexpected summarizer requests %+v", reqs)
	}
	if len(reqs[0].Transcript) != 1 || reqs[0].Transcript[0].Content != "My name is John" {
		t.Fatalf("unexpected transcript %+v", reqs[0].Transcript)
	}

	respond, closed := h.order.index("respond:s0:h1"), h.order.index("close:s0")
	if respond < 0 || closed < 0 || respond > closed {
		t.Fatalf("response must precede close, order %v", h.order.entries)
	}
	_, _, resp, _ := s0.snapshot()
	if len(resp) != 1 || resp[0].content != `{"status":"transferring"}` {
		t.Fatalf("unexpected handoff response %+v", resp)
	}

	// the same forwarder now feeds the second session
	h.bridge.frames <- []byte("caller-1")
	waitFor(t, "caller audio at s1", func() bool { n, _, _, _ := s1.snapshot(); return n == 1 })
	if n, after, _, _ := s0.snapshot(); n != 1 || after != 0 {
		t.Fatalf("s0 got %d frames, %d after close", n, after)
	}

	s1.events <- call("e1", "end_conversation", `{"reason":"customer_goodbye"}`)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.o.ForwarderStarts(); got != 1 {
		t.Fatalf("forwarder started %d times", got)
	}
	if got := h.phases.String(); got != "agent_active(0),summarizing(0->1),agent_active(1),ending,ended" {
		t.Fatalf("unexpected phases %s", got)
	}
	h.phases.mu.Lock()
	for i, p := range h.phases.phases {
		if p.Kind != Ended && !h.phases.running[i] {
			t.Errorf("forwarder not running at %s", p)
		}
	}
	h.phases.mu.Unlock()
	if h.o.ForwarderRunning() {
		t.Fatalf("forwarder still running after the call")
	}
	if _, closes := h.bridge.counts(); closes != 1 {
		t.Fatalf("bridge closed %d times", closes)
	}
	if _, _, _, closed := s1.snapshot(); !closed {
		t.Fatalf("s1 not closed")
	}
	if h.calls.count() != 1 {
		t.Fatalf("expected one hangup, got %d", h.calls.count())
	}
}

func TestSummarizerFailureKeepsContext(t *testing.T) {
	h := newHarness(t, chain(t, 3), 3, testConfig(), nil)
	h.sum.results = []sumResult{{out: "X"}, {err: errors.New("timeout")}}
	errc := h.run()

	h.waitActive(t, 0)
	h.s[0].events <- said("user", "hi")
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	h.waitActive(t, 1)
	h.s[1].events <- said("user", "more")
	h.s[1].events <- call("h2", "handoff_to_next_agent", `{}`)
	h.waitActive(t, 2)

	want := "CONTEXT FROM PREVIOUS CONVERSATION:\nX\n\n"
	if got := h.dialer.prompt(2); !strings.HasPrefix(got, want) || strings.Count(got, "CONTEXT FROM") != 1 {
		t.Fatalf("agent 2 context should equal agent 1 context, got %q", got)
	}
	if reqs := h.sum.requests(); len(reqs) != 2 || reqs[1].PreviousContext != "X" {
		t.Fatalf("unexpected summarizer requests %+v", reqs)
	}

	h.o.End("test")
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestTransportDisconnectDuringSecondAgent(t *testing.T) {
	h := newHarness(t, chain(t, 2), 2, testConfig(), nil)
	h.sum.results = []sumResult{{out: "X"}}
	errc := h.run()

	h.waitActive(t, 0)
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	h.waitActive(t, 1)

	h.bridge.disconnect()
	err := waitErr(t, errc)
	var te *TransportError
	if !errors.As(err, &te) || te.CallID != "CA-test" {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, _, _, closed := h.s[1].snapshot(); !closed {
		t.Fatalf("session 1 not closed")
	}
	if got := h.o.fwd.stops.Load(); got != 1 {
		t.Fatalf("forwarder stopped %d times", got)
	}
	if got := h.phases.String(); !strings.HasSuffix(got, "agent_active(1),ending,ended") {
		t.Fatalf("expected direct termination, got %s", got)
	}
	if h.calls.count() != 0 {
		t.Fatalf("no hangup expected once the transport is gone")
	}
	outs := h.rec.all()
	if last := outs[len(outs)-1]; last.Kind != OutcomeCallEnded || last.Reason != "transport_closed" || last.Agent != "agent1" {
		t.Fatalf("unexpected final outcome %+v", last)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	errc := h.run()
	h.waitActive(t, 0)

	var wg sync.WaitGroup
	for _, fn := range []func(){
		func() { h.o.End("first") },
		func() { h.o.End("second") },
		h.bridge.disconnect,
	} {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			fn()
		}(fn)
	}
	wg.Wait()
	waitErr(t, errc)

	if n := h.phases.count(Ended); n != 1 {
		t.Fatalf("expected exactly one ended transition, got %d", n)
	}
	if n := h.phases.count(Ending); n != 1 {
		t.Fatalf("expected exactly one ending transition, got %d", n)
	}
	if _, closes := h.bridge.counts(); closes != 1 {
		t.Fatalf("bridge closed %d times", closes)
	}
	h.s[0].mu.Lock()
	closeCalls := h.s[0].closeCalls
	h.s[0].mu.Unlock()
	if closeCalls != 1 {
		t.Fatalf("session closed %d times", closeCalls)
	}
	if got := h.o.fwd.stops.Load(); got != 1 {
		t.Fatalf("forwarder stopped %d times", got)
	}
	if h.calls.count() > 1 {
		t.Fatalf("hung up %d times", h.calls.count())
	}
	select {
	case <-h.o.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func TestEndBeforeRun(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	h.o.End("shutdown")
	if err := waitErr(t, h.run()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.dialer.dialCount() != 0 || h.o.ForwarderStarts() != 0 {
		t.Fatalf("nothing should start after End")
	}
}

func TestEndBeatsHandoff(t *testing.T) {
	h := newHarness(t, chain(t, 2), 2, testConfig(), nil)
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	h.s[0].events <- call("e1", "end_conversation", `{"reason":"customer_request"}`)

	if err := waitErr(t, h.run()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.dialer.dialCount() != 1 {
		t.Fatalf("handoff should not have happened, dials=%d", h.dialer.dialCount())
	}
	_, _, resp, _ := h.s[0].snapshot()
	if len(resp) != 2 {
		t.Fatalf("each call must be answered once, got %+v", resp)
	}
	if resp[0].id != "h1" || !strings.Contains(resp[0].content, "cancelled") {
		t.Fatalf("unexpected handoff answer %+v", resp[0])
	}
	if resp[1].id != "e1" || resp[1].content != `{"status":"conversation_ended"}` {
		t.Fatalf("unexpected end answer %+v", resp[1])
	}
	if h.phases.count(Summarizing) != 0 {
		t.Fatalf("should not summarize: %s", h.phases)
	}
	outs := h.rec.all()
	if last := outs[len(outs)-1]; last.Reason != "customer_request" {
		t.Fatalf("unexpected end reason %+v", last)
	}
}

func TestDuplicateHandoffIgnored(t *testing.T) {
	h := newHarness(t, chain(t, 3), 3, testConfig(), nil)
	h.sum.results = []sumResult{{out: "X"}}
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	h.s[0].events <- call("h2", "handoff_to_next_agent", `{}`)
	errc := h.run()

	h.waitActive(t, 1)
	_, _, resp, _ := h.s[0].snapshot()
	ids := map[string]int{}
	for _, r := range resp {
		ids[r.id]++
		if r.content != `{"status":"transferring"}` {
			t.Fatalf("unexpected response %+v", r)
		}
	}
	if len(resp) != 2 || ids["h1"] != 1 || ids["h2"] != 1 {
		t.Fatalf("unexpected responses %+v", resp)
	}
	if h.dialer.dialCount() != 2 || len(h.sum.requests()) != 1 {
		t.Fatalf("exactly one handoff expected")
	}

	h.o.End("test")
	waitErr(t, errc)
}

func TestConnectRetry(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	h.dialer.failures = 1
	errc := h.run()
	h.waitActive(t, 0)
	if h.dialer.dialCount() != 2 {
		t.Fatalf("expected one retry, dials=%d", h.dialer.dialCount())
	}
	h.dialer.mu.Lock()
	same := h.dialer.settings[0].Agent.Think.Prompt == h.dialer.settings[1].Agent.Think.Prompt
	h.dialer.mu.Unlock()
	if !same {
		t.Fatalf("retry must use identical settings")
	}
	h.o.End("test")
	waitErr(t, errc)
}

func TestConnectFailureIsFatal(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	h.dialer.failures = 5
	err := waitErr(t, h.run())
	var ce *SessionConnectError
	if !errors.As(err, &ce) || ce.Attempts != 2 || ce.Agent != "agent0" {
		t.Fatalf("expected connect error after 2 attempts, got %v", err)
	}
	if _, closes := h.bridge.counts(); closes != 1 {
		t.Fatalf("bridge not closed")
	}
	if h.calls.count() != 1 || h.calls.hangups[0] != "CA-test" {
		t.Fatalf("expected hangup of CA-test, got %v", h.calls.hangups)
	}
	if got := h.phases.String(); got != "ending,ended" {
		t.Fatalf("unexpected phases %s", got)
	}
}

func TestLastAgentHandoffEnds(t *testing.T) {
	reg, err := registry.New(registry.AgentDefinition{
		Name:      "solo",
		Position:  0,
		Functions: []registry.Function{registry.HandoffFunction},
		Next:      registry.NoSuccessor,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := newHarness(t, reg, 1, testConfig(), nil)
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	if err := waitErr(t, h.run()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.phases.String(); got != "agent_active(0),summarizing(0->-1),ending,ended" {
		t.Fatalf("unexpected phases %s", got)
	}
	if len(h.sum.requests()) != 0 {
		t.Fatalf("nothing to summarize for")
	}
}

func TestRecordAndUnknownFunctions(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	h.s[0].events <- call("r1", "note", `{"rating":5}`)
	h.s[0].events <- call("u1", "teleport", `{}`)
	h.s[0].events <- call("e1", "end_conversation", `{"reason":"task_complete"}`)

	if err := waitErr(t, h.run()); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, _, resp, _ := h.s[0].snapshot()
	if len(resp) != 3 {
		t.Fatalf("unexpected responses %+v", resp)
	}
	if resp[0].content != `{"status":"noted"}` || resp[1].content != `{"status":"unknown_function"}` {
		t.Fatalf("unexpected responses %+v", resp)
	}
	outs := h.rec.all()
	if len(outs) != 3 {
		t.Fatalf("unexpected outcomes %+v", outs)
	}
	if outs[0].Function != "note" || string(outs[0].Arguments) != `{"rating":5}` || outs[0].CallID != "CA-test" {
		t.Fatalf("unexpected record outcome %+v", outs[0])
	}
	if outs[2].Kind != OutcomeCallEnded || outs[2].Reason != "task_complete" {
		t.Fatalf("unexpected final outcome %+v", outs[2])
	}
}

func TestBargeInClearsBridge(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	h.s[0].events <- agentsession.Event{Type: agentsession.EventUserStartedSpeaking}
	h.s[0].events <- call("e1", "end_conversation", `{}`)
	waitErr(t, h.run())
	if clears, _ := h.bridge.counts(); clears != 1 {
		t.Fatalf("expected one clear, got %d", clears)
	}
}

func TestSessionLostIsFatal(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	errc := h.run()
	h.waitActive(t, 0)
	h.s[0].drop()
	var le *SessionLostError
	if err := waitErr(t, errc); !errors.As(err, &le) {
		t.Fatalf("expected session lost error, got %v", err)
	}
}

func TestResponseAfterCloseIsViolation(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	h.s[0].respondErr = agentsession.ErrResponseAfterClose
	h.s[0].events <- call("e1", "end_conversation", `{}`)
	var pv *ProtocolViolation
	if err := waitErr(t, h.run()); !errors.As(err, &pv) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestFillerPlaysDuringHandoff(t *testing.T) {
	filler := &fakeFiller{}
	cfg := testConfig()
	cfg.FillerText = "One moment please."
	h := newHarness(t, chain(t, 2), 2, cfg, func(d *Deps) { d.Filler = filler })
	h.sum.results = []sumResult{{out: "X"}}
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	errc := h.run()

	h.waitActive(t, 1)
	if got := h.bridge.sentString(); len(got) != 1 || got[0] != "filler" {
		t.Fatalf("filler audio not sent: %v", got)
	}
	filler.mu.Lock()
	texts := filler.texts
	filler.mu.Unlock()
	if len(texts) != 1 || texts[0] != "One moment please." {
		t.Fatalf("unexpected filler texts %v", texts)
	}
	h.o.End("test")
	waitErr(t, errc)
}

func TestRunReturnsContextError(t *testing.T) {
	h := newHarness(t, chain(t, 1), 1, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.o.Run(ctx) }()
	h.waitActive(t, 0)
	cancel()
	if err := waitErr(t, errc); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, _, closed := h.s[0].snapshot(); !closed {
		t.Fatalf("session not closed on cancel")
	}
}

func TestEndDuringHandoffGrace(t *testing.T) {
	cfg := testConfig()
	cfg.HandoffGrace = 200 * time.Millisecond
	h := newHarness(t, chain(t, 2), 2, cfg, nil)
	h.sum.results = []sumResult{{out: "X"}}
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	errc := h.run()

	waitFor(t, "handoff answer", func() bool { return h.order.index("respond:s0:h1") >= 0 })
	h.s[0].events <- call("e1", "end_conversation", `{"reason":"customer_request"}`)

	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.dialer.dialCount() != 1 {
		t.Fatalf("next agent must not be opened, dials=%d", h.dialer.dialCount())
	}
	_, _, resp, _ := h.s[0].snapshot()
	if len(resp) != 2 || resp[1].id != "e1" || resp[1].content != `{"status":"conversation_ended"}` {
		t.Fatalf("end request not answered: %+v", resp)
	}
	if h.order.index("respond:s0:e1") > h.order.index("close:s0") {
		t.Fatalf("end answered after close: %v", h.order.entries)
	}
	if len(h.sum.requests()) != 0 {
		t.Fatalf("should not summarize after an end request")
	}
	outs := h.rec.all()
	if last := outs[len(outs)-1]; last.Kind != OutcomeCallEnded || last.Reason != "customer_request" {
		t.Fatalf("unexpected end outcome %+v", last)
	}
}

// silentFiller never produces audio and only returns when cancelled.
type silentFiller struct {
	order   *orderLog
	stopped chan struct{}
}

func (f *silentFiller) Speak(ctx context.Context, text string, sink func([]byte) error) error {
	f.order.add("filler:start")
	<-ctx.Done()
	close(f.stopped)
	return ctx.Err()
}

func TestFillerStopsWhenNextAgentAttaches(t *testing.T) {
	cfg := testConfig()
	cfg.FillerText = "One moment please."
	var filler *silentFiller
	h := newHarness(t, chain(t, 2), 2, cfg, func(d *Deps) {
		filler = &silentFiller{stopped: make(chan struct{})}
		d.Filler = filler
	})
	filler.order = h.order
	h.sum.results = []sumResult{{out: "X"}}
	h.s[0].events <- call("h1", "handoff_to_next_agent", `{}`)
	errc := h.run()

	h.waitActive(t, 1)
	select {
	case <-filler.stopped:
	default:
		t.Fatalf("filler still running after the next agent attached")
	}
	if h.order.index("filler:start") < h.order.index("close:s0") {
		t.Fatalf("filler started before the old session was released: %v", h.order.entries)
	}
	if clears, _ := h.bridge.counts(); clears == 0 {
		t.Fatalf("queued filler audio not cleared")
	}
	h.o.End("test")
	waitErr(t, errc)
}
