// Package orchestrator runs one call: a bridge to the caller that stays up for
// the whole call, and a succession of short-lived agent sessions that take
// turns talking to it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/summarizer"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

// Config holds the per-call tunables.
type Config struct {
	// HandoffGrace lets the agent's last words reach the caller before the
	// session is torn down. Longer is safer for speech, shorter is snappier.
	HandoffGrace time.Duration
	// EndGrace is the goodbye playback time before hanging up.
	EndGrace time.Duration
	// SummarizerTimeout bounds the whole summary, retries included.
	SummarizerTimeout time.Duration
	// ConnectRetries is the number of extra attempts to open a session, made
	// with identical settings.
	ConnectRetries int
	ConnectBackoff time.Duration
	// FillerText, when set and a Filler is configured, is spoken to the caller
	// while the next agent is prepared.
	FillerText string
	Models     Models
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HandoffGrace:      500 * time.Millisecond,
		EndGrace:          3 * time.Second,
		SummarizerTimeout: 10 * time.Second,
		ConnectRetries:    1,
		ConnectBackoff:    250 * time.Millisecond,
		Models:            DefaultModels,
	}
}

// Deps are the collaborators of one call. Bridge, Dialer and Registry are
// required.
type Deps struct {
	Bridge      transport.Bridge
	Dialer      Dialer
	Registry    *registry.Registry
	Summarizer  summarizer.Summarizer
	CallControl CallControl
	Recorder    Recorder
	Filler      Filler
	Logger      log.Logger
	// Observer sees every phase change, in order. It runs under the
	// orchestrator's lock and must not call back into it.
	Observer func(Phase)
}

// Orchestrator drives a single call from the first agent to hang-up.
type Orchestrator struct {
	cfg        Config
	bridge     transport.Bridge
	dialer     Dialer
	agents     *registry.Registry
	summarizer summarizer.Summarizer
	calls      CallControl
	recorder   Recorder
	filler     Filler
	logger     log.Logger
	observer   func(Phase)

	callID string
	fwd    *forwarder

	mu      sync.Mutex
	phase   Phase
	current Session
	ending  bool
	cause   error
	cancel  context.CancelFunc

	termOnce sync.Once
	ended    chan struct{}

	// owned by the goroutine in Run
	handled    map[string]struct{}
	transcript []summarizer.Turn
	context    string
	fillerStop func()
}

// New validates deps and returns an idle orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Bridge == nil:
		return nil, errors.New("orchestrator: bridge is required")
	case deps.Dialer == nil:
		return nil, errors.New("orchestrator: dialer is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	}
	if cfg.SummarizerTimeout <= 0 {
		cfg.SummarizerTimeout = 10 * time.Second
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	logger := log.OrDefault(deps.Logger)
	return &Orchestrator{
		cfg:        cfg,
		bridge:     deps.Bridge,
		dialer:     deps.Dialer,
		agents:     deps.Registry,
		summarizer: deps.Summarizer,
		calls:      deps.CallControl,
		recorder:   deps.Recorder,
		filler:     deps.Filler,
		logger:     logger,
		observer:   deps.Observer,
		callID:     deps.Bridge.CallID(),
		fwd:        newForwarder(deps.Bridge, logger),
		phase:      Phase{Kind: Idle, Next: registry.NoSuccessor},
		ended:      make(chan struct{}),
		handled:    make(map[string]struct{}),
	}, nil
}

// CallID identifies the call this orchestrator runs.
func (o *Orchestrator) CallID() string { return o.callID }

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Done is closed once the call has ended.
func (o *Orchestrator) Done() <-chan struct{} { return o.ended }

// ForwarderStarts reports how many times the audio forwarder was started.
func (o *Orchestrator) ForwarderStarts() int { return int(o.fwd.starts.Load()) }

// ForwarderRunning reports whether the audio forwarder is running.
func (o *Orchestrator) ForwarderRunning() bool { return o.fwd.running.Load() }

// Run blocks until the call has ended. It returns nil when the call finished
// normally or was ended with End, and otherwise the error that ended it.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.ending {
		o.mu.Unlock()
		<-o.ended
		return o.result(ctx)
	}
	o.cancel = cancel
	o.mu.Unlock()

	go o.watchBridge(runCtx)
	o.fwd.start()

	reason, err := o.drive(runCtx)
	var cause error
	switch {
	case o.isEnding():
		// ended from outside; that trigger's cause stands
	case err == nil:
	case ctx.Err() != nil:
		reason = "canceled"
	default:
		cause = err
		reason = "error"
	}
	o.terminate(cause, reason)
	return o.result(ctx)
}

// End finishes the call from any goroutine. Only the first call, or a racing
// transport disconnect, has any effect.
func (o *Orchestrator) End(reason string) {
	o.terminate(nil, reason)
}

func (o *Orchestrator) result(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cause != nil {
		return o.cause
	}
	return ctx.Err()
}

func (o *Orchestrator) watchBridge(ctx context.Context) {
	select {
	case <-o.bridge.Done():
		o.terminate(&TransportError{CallID: o.callID, Err: transport.ErrClosed}, "transport_closed")
	case <-ctx.Done():
	}
}

func (o *Orchestrator) isEnding() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ending
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ending && p.Kind < Ending {
		return
	}
	o.phase = p
	if o.observer != nil {
		o.observer(p)
	}
}

// terminate moves the call through Ending to Ended exactly once, whatever
// state it is in.
func (o *Orchestrator) terminate(cause error, reason string) {
	o.termOnce.Do(func() {
		o.mu.Lock()
		o.ending = true
		o.cause = cause
		sess := o.current
		o.current = nil
		cancel := o.cancel
		agent := o.phase.Agent
		o.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		o.setPhase(Phase{Kind: Ending, Agent: agent, Next: registry.NoSuccessor})
		if cause != nil {
			o.logger.Errorf("call %s: ending after error: %v", o.callID, cause)
		} else {
			o.logger.Infof("call %s: ending (%s)", o.callID, reason)
		}

		o.fwd.halt()
		if sess != nil {
			if err := sess.Close(); err != nil {
				o.logger.Warnf("call %s: close session: %v", o.callID, err)
			}
		}
		if o.calls != nil && o.bridgeLive() {
			hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.calls.Hangup(hctx, o.callID); err != nil {
				o.logger.Warnf("call %s: hangup: %v", o.callID, err)
			}
			hcancel()
		}
		if err := o.bridge.Close(); err != nil {
			o.logger.Debugf("call %s: close bridge: %v", o.callID, err)
		}
		name := ""
		if d, ok := o.agents.At(agent); ok {
			name = d.Name
		}
		o.record(Outcome{Agent: name, Kind: OutcomeCallEnded, Reason: reason})

		o.setPhase(Phase{Kind: Ended, Agent: agent, Next: registry.NoSuccessor})
		close(o.ended)
	})
}

func (o *Orchestrator) bridgeLive() bool {
	select {
	case <-o.bridge.Done():
		return false
	default:
		return true
	}
}

type step struct {
	end    bool
	next   int
	reason string
}

func (o *Orchestrator) drive(ctx context.Context) (string, error) {
	idx := o.agents.First().Position
	for {
		sess, err := o.open(ctx, idx)
		if err != nil {
			return "", err
		}
		st, err := o.converse(ctx, sess, idx)
		if err != nil {
			return "", err
		}
		if st.end {
			return st.reason, nil
		}
		idx = st.next
	}
}

// open connects the session for agent idx with the current context and
// attaches it to the forwarder.
func (o *Orchestrator) open(ctx context.Context, idx int) (Session, error) {
	def, _ := o.agents.At(idx)
	instructions, greeting, err := o.agents.Render(idx, o.context)
	if err != nil {
		o.stopFiller()
		return nil, err
	}
	settings := BuildSettings(o.cfg.Models, o.bridge.Format(), def, instructions, greeting)

	sess, err := o.dial(ctx, def, settings)
	o.stopFiller()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.ending {
		o.mu.Unlock()
		_ = sess.Close()
		return nil, errTerminated
	}
	o.current = sess
	o.mu.Unlock()

	if err := o.fwd.attach(sess); err != nil {
		return nil, &ProtocolViolation{Reason: "opening " + def.Name, Err: err}
	}
	o.transcript = nil
	o.setPhase(Phase{Kind: AgentActive, Agent: idx, Next: registry.NoSuccessor})
	o.logger.Infof("call %s: agent %s active (context %d bytes)", o.callID, def.Name, len(o.context))
	return sess, nil
}

func (o *Orchestrator) dial(ctx context.Context, def registry.AgentDefinition, settings agentsession.Settings) (Session, error) {
	for attempt := 1; ; attempt++ {
		sess, err := o.dialer.Dial(ctx, settings)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > o.cfg.ConnectRetries {
			return nil, &SessionConnectError{Agent: def.Name, Attempts: attempt, Err: err}
		}
		o.logger.Warnf("call %s: connect %s (attempt %d): %v", o.callID, def.Name, attempt, err)
		if err := sleepCtx(ctx, o.cfg.ConnectBackoff); err != nil {
			return nil, err
		}
	}
}

// converse consumes session events until the agent hands off or ends the call.
func (o *Orchestrator) converse(ctx context.Context, sess Session, idx int) (step, error) {
	def, _ := o.agents.At(idx)
	for {
		ev, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return step{}, ctx.Err()
			}
			if o.isEnding() {
				return step{}, errTerminated
			}
			return step{}, &SessionLostError{Agent: def.Name, Err: err}
		}
		if ev.Type != agentsession.EventFunctionCall {
			o.observe(def, ev)
			continue
		}
		if ev.FunctionCall == nil {
			continue
		}
		st, done, err := o.onFunctionCall(ctx, sess, idx, ev.FunctionCall)
		if err != nil || done {
			return st, err
		}
	}
}

func (o *Orchestrator) observe(def registry.AgentDefinition, ev agentsession.Event) {
	switch ev.Type {
	case agentsession.EventConversationText:
		o.transcript = append(o.transcript, summarizer.Turn{Role: ev.Role, Content: ev.Content})
		o.logger.Debugf("call %s: [%s] %s: %s", o.callID, def.Name, ev.Role, ev.Content)
	case agentsession.EventUserStartedSpeaking:
		if err := o.bridge.Clear(); err != nil {
			o.logger.Debugf("call %s: clear: %v", o.callID, err)
		}
	case agentsession.EventError:
		o.logger.Errorf("call %s: agent %s error %s: %s", o.callID, def.Name, ev.Code, ev.Description)
	case agentsession.EventWarning:
		o.logger.Warnf("call %s: agent %s warning %s: %s", o.callID, def.Name, ev.Code, ev.Description)
	case agentsession.EventAgentAudioDone:
		o.logger.Debugf("call %s: agent %s finished speaking", o.callID, def.Name)
	}
}

var (
	replyTransferring = map[string]any{"status": "transferring"}
	replyEnded        = map[string]any{"status": "conversation_ended"}
	replyUnknown      = map[string]any{"status": "unknown_function"}
	replySuperseded   = map[string]any{"status": "cancelled", "reason": "conversation ending"}
	replyOK           = map[string]any{"status": "ok"}
)

func (o *Orchestrator) onFunctionCall(ctx context.Context, sess Session, idx int, fc *agentsession.FunctionCall) (step, bool, error) {
	if _, seen := o.handled[fc.ID]; seen {
		o.logger.Infof("call %s: ignoring repeated function call %s (%s)", o.callID, fc.ID, fc.Name)
		return step{}, false, nil
	}
	o.handled[fc.ID] = struct{}{}
	def, _ := o.agents.At(idx)

	fn, ok := o.agents.Lookup(idx, fc.Name)
	if !ok {
		o.logger.Warnf("call %s: agent %s called unknown function %q", o.callID, def.Name, fc.Name)
		return step{}, false, o.respond(sess, fc, replyUnknown)
	}
	switch fn.Handler {
	case registry.HandlerHandoff:
		st, err := o.handoff(ctx, sess, idx, fc)
		return st, true, err
	case registry.HandlerEnd:
		st, err := o.end(ctx, sess, def, fc)
		return st, true, err
	default:
		return step{}, false, o.recordCall(sess, def, fn, fc)
	}
}

func (o *Orchestrator) recordCall(sess Session, def registry.AgentDefinition, fn registry.Function, fc *agentsession.FunctionCall) error {
	var reply any = replyOK
	if fn.Reply != nil {
		reply = fn.Reply
	}
	if err := o.respond(sess, fc, reply); err != nil {
		return err
	}
	o.record(Outcome{Agent: def.Name, Kind: OutcomeFunction, Function: fc.Name, Arguments: rawArgs(fc)})
	return nil
}

func (o *Orchestrator) end(ctx context.Context, sess Session, def registry.AgentDefinition, fc *agentsession.FunctionCall) (step, error) {
	if err := o.respond(sess, fc, replyEnded); err != nil {
		return step{}, err
	}
	reason := argString(fc, "reason")
	if reason == "" {
		reason = fc.Name
	}
	o.record(Outcome{Agent: def.Name, Kind: OutcomeFunction, Function: fc.Name, Arguments: rawArgs(fc), Reason: reason})
	o.logger.Infof("call %s: agent %s ended the conversation (%s)", o.callID, def.Name, reason)
	if err := sleepCtx(ctx, o.cfg.EndGrace); err != nil {
		return step{}, err
	}
	return step{end: true, reason: reason}, nil
}

// handoff answers fc, lets the agent finish speaking, summarizes and releases
// the session. The forwarder keeps running throughout. An end request seen
// at any point before the release wins over the handoff.
func (o *Orchestrator) handoff(ctx context.Context, sess Session, idx int, fc *agentsession.FunctionCall) (step, error) {
	def, _ := o.agents.At(idx)

	endCall, err := o.settle(sess, idx)
	if err != nil {
		return step{}, err
	}
	if endCall != nil {
		o.logger.Warnf("call %s: agent %s asked to end while handing off; ending", o.callID, def.Name)
		if err := o.respond(sess, fc, replySuperseded); err != nil {
			return step{}, err
		}
		return o.end(ctx, sess, def, endCall)
	}

	if err := o.respond(sess, fc, replyTransferring); err != nil {
		return step{}, err
	}
	o.record(Outcome{Agent: def.Name, Kind: OutcomeFunction, Function: fc.Name, Arguments: rawArgs(fc), Reason: argString(fc, "reason")})
	if err := sleepCtx(ctx, o.cfg.HandoffGrace); err != nil {
		return step{}, err
	}
	if st, ended, err := o.endInstead(ctx, sess, idx); ended || err != nil {
		return st, err
	}

	next, ok := o.agents.Successor(idx)
	o.setPhase(Phase{Kind: Summarizing, Agent: idx, Next: next})
	if !ok {
		o.logger.Infof("call %s: %s has no successor; ending", o.callID, def.Name)
		return step{end: true, reason: "no_successor"}, nil
	}
	nextDef, _ := o.agents.At(next)
	o.logger.Infof("call %s: handing off %s -> %s", o.callID, def.Name, nextDef.Name)

	newContext := o.summarize(ctx, def.Name, nextDef.Name)
	if st, ended, err := o.endInstead(ctx, sess, idx); ended || err != nil {
		return st, err
	}
	o.release(sess)
	o.startFiller(ctx)

	o.context = newContext
	return step{next: next}, nil
}

// endInstead settles the calls queued on sess after the handoff was already
// answered. An end request among them ends the call.
func (o *Orchestrator) endInstead(ctx context.Context, sess Session, idx int) (step, bool, error) {
	endCall, err := o.settle(sess, idx)
	if err != nil {
		return step{}, true, err
	}
	if endCall == nil {
		return step{}, false, nil
	}
	def, _ := o.agents.At(idx)
	o.logger.Warnf("call %s: agent %s asked to end during handoff; ending", o.callID, def.Name)
	st, err := o.end(ctx, sess, def, endCall)
	return st, true, err
}

// settle answers every function call already queued on sess and logs the
// other events. The first end request is returned unanswered.
func (o *Orchestrator) settle(sess Session, idx int) (*agentsession.FunctionCall, error) {
	def, _ := o.agents.At(idx)
	var endCall *agentsession.FunctionCall
	for {
		ev, ok := sess.TryNext()
		if !ok {
			return endCall, nil
		}
		if ev.Type != agentsession.EventFunctionCall || ev.FunctionCall == nil {
			o.observe(def, ev)
			continue
		}
		other := ev.FunctionCall
		if _, seen := o.handled[other.ID]; seen {
			continue
		}
		o.handled[other.ID] = struct{}{}
		fn, known := o.agents.Lookup(idx, other.Name)
		var err error
		switch {
		case !known:
			err = o.respond(sess, other, replyUnknown)
		case fn.Handler == registry.HandlerEnd && endCall == nil:
			endCall = other
		case fn.Handler == registry.HandlerEnd:
			err = o.respond(sess, other, replyEnded)
		case fn.Handler == registry.HandlerHandoff:
			o.logger.Infof("call %s: acknowledging extra handoff %s", o.callID, other.ID)
			err = o.respond(sess, other, replyTransferring)
		default:
			err = o.recordCall(sess, def, fn, other)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) summarize(ctx context.Context, from, to string) string {
	prev := o.context
	if o.summarizer == nil {
		return prev
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SummarizerTimeout)
	defer cancel()
	out, err := o.summarizer.Summarize(sctx, summarizer.Request{
		Transcript:      o.transcript,
		PreviousContext: prev,
		From:            from,
		To:              to,
	})
	if err != nil {
		o.logger.Warnf("call %s: summary %s -> %s failed, keeping previous context: %v", o.callID, from, to, err)
		return prev
	}
	return out
}

// startFiller speaks the filler text into the bridge in the background while
// no session is attached. stopFiller ends it.
func (o *Orchestrator) startFiller(ctx context.Context) {
	if o.filler == nil || o.cfg.FillerText == "" {
		return
	}
	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := o.filler.Speak(fctx, o.cfg.FillerText, o.bridge.Send); err != nil && fctx.Err() == nil {
			o.logger.Warnf("call %s: filler: %v", o.callID, err)
		}
	}()
	o.fillerStop = func() {
		cancel()
		<-done
	}
}

// stopFiller cuts the filler short and drops what the caller has not heard
// yet. It returns once the filler has stopped writing.
func (o *Orchestrator) stopFiller() {
	if o.fillerStop == nil {
		return
	}
	o.fillerStop()
	o.fillerStop = nil
	if err := o.bridge.Clear(); err != nil {
		o.logger.Debugf("call %s: clear filler: %v", o.callID, err)
	}
}

// release detaches sess from the forwarder and closes it.
func (o *Orchestrator) release(sess Session) {
	o.mu.Lock()
	if o.current == sess {
		o.current = nil
	}
	o.mu.Unlock()
	o.fwd.detach()
	if err := sess.Close(); err != nil {
		o.logger.Warnf("call %s: close session: %v", o.callID, err)
	}
}

func (o *Orchestrator) respond(sess Session, fc *agentsession.FunctionCall, reply any) error {
	content, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	err = sess.RespondFunctionCall(fc.ID, fc.Name, string(content))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, agentsession.ErrResponseAfterClose):
		if o.isEnding() {
			return errTerminated
		}
		return &ProtocolViolation{Reason: "function-call response after close", Err: err}
	case errors.Is(err, agentsession.ErrDuplicateResponse):
		o.logger.Warnf("call %s: %s already answered", o.callID, fc.ID)
		return nil
	default:
		// a broken connection shows up on Next
		o.logger.Warnf("call %s: respond to %s: %v", o.callID, fc.Name, err)
		return nil
	}
}

func (o *Orchestrator) record(out Outcome) {
	if o.recorder == nil {
		return
	}
	out.CallID = o.callID
	out.At = time.Now().UTC()
	o.recorder.Record(out)
}

func rawArgs(fc *agentsession.FunctionCall) json.RawMessage {
	if fc.Arguments == "" || !json.Valid([]byte(fc.Arguments)) {
		return nil
	}
	return json.RawMessage(fc.Arguments)
}

func argString(fc *agentsession.FunctionCall, key string) string {
	var args map[string]any
	if err := fc.Decode(&args); err != nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
