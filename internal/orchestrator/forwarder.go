package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

type attached struct{ s Session }

// forwarder copies audio between the bridge and whichever session is attached.
// It runs for the whole call; sessions come and go underneath it.
//
// Only the orchestrator calls attach and detach. The loop reads the attached
// session on every iteration.
type forwarder struct {
	bridge transport.Bridge
	logger log.Logger

	active atomic.Pointer[attached]
	swap   chan struct{}

	// sendMu is held for every write that uses the attached session, so that
	// detach can wait for an in-flight write to finish.
	sendMu sync.Mutex

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	running atomic.Bool
	starts  atomic.Int32
	stops   atomic.Int32
	dropped atomic.Int64
}

func newForwarder(b transport.Bridge, logger log.Logger) *forwarder {
	return &forwarder{
		bridge: b,
		logger: logger,
		swap:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// start launches the loop unless it already ran.
func (f *forwarder) start() bool {
	if !f.running.CompareAndSwap(false, true) {
		return false
	}
	select {
	case <-f.stop:
		f.running.Store(false)
		return false
	default:
	}
	f.starts.Add(1)
	go f.loop()
	return true
}

// attach makes s the target of caller audio and the source of agent audio.
func (f *forwarder) attach(s Session) error {
	if !f.active.CompareAndSwap(nil, &attached{s: s}) {
		return errAlreadyAttached
	}
	f.notify()
	return nil
}

// detach unhooks the current session. When it returns the loop will not touch
// that session again.
func (f *forwarder) detach() {
	f.active.Store(nil)
	// wait out a write that loaded the old session before the store
	f.sendMu.Lock()
	f.sendMu.Unlock()
	f.notify()
}

func (f *forwarder) notify() {
	select {
	case f.swap <- struct{}{}:
	default:
	}
}

// halt stops the loop and waits for it. Safe to call more than once.
func (f *forwarder) halt() {
	f.stopOnce.Do(func() {
		close(f.stop)
		if f.starts.Load() > 0 {
			<-f.done
		}
		f.stops.Add(1)
	})
}

func (f *forwarder) loop() {
	defer close(f.done)
	defer f.running.Store(false)

	frames := f.bridge.Frames()
	var drained *attached
	for {
		cur := f.active.Load()
		var agentAudio <-chan []byte
		if cur != nil && cur != drained {
			agentAudio = cur.s.Audio()
		}
		select {
		case <-f.stop:
			return
		case <-f.swap:
		case frame, ok := <-frames:
			if !ok {
				// the bridge is gone; the orchestrator will stop us
				frames = nil
				continue
			}
			f.toAgent(frame)
		case chunk, ok := <-agentAudio:
			if !ok {
				drained = cur
				continue
			}
			f.toCaller(cur, chunk)
		}
	}
}

func (f *forwarder) toAgent(frame []byte) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	cur := f.active.Load()
	if cur == nil {
		f.dropped.Add(1)
		return
	}
	if err := cur.s.SendAudio(frame); err != nil {
		f.logger.Debugf("forwarder: caller frame dropped: %v", err)
	}
}

func (f *forwarder) toCaller(from *attached, chunk []byte) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if f.active.Load() != from {
		// trailing audio of a detached session
		return
	}
	if err := f.bridge.Send(chunk); err != nil {
		if errors.Is(err, transport.ErrBackpressure) {
			f.dropped.Add(1)
			return
		}
		f.logger.Debugf("forwarder: agent audio dropped: %v", err)
	}
}
