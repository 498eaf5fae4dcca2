// Package usecase turns connected caller bridges into running calls and owns
// the background work around them.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/infra/storage"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/orchestrator"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/summarizer"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

var ErrShuttingDown = errors.New("usecase: call service is shutting down")

const storeTimeout = 30 * time.Second

// Telephony is the Twilio side used for live calls and their recordings.
type Telephony interface {
	Configured() bool
	Hangup(ctx context.Context, callSid string) error
	StartRecording(ctx context.Context, callSid, callbackURL string) error
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

// Store keeps recordings and outcome rows.
type Store interface {
	Upload(key, contentType string, data []byte) error
	RecordOutcome(ctx context.Context, o storage.Outcome) error
}

// Config holds the per-call settings and the background pool size.
type Config struct {
	Orchestrator orchestrator.Config
	// RecordCalls starts a Twilio recording for every phone call.
	RecordCalls bool
	// RecordingCallbackURL receives Twilio recording status callbacks.
	RecordingCallbackURL string
	PoolSize             int
}

// Deps are shared by every call. Dialer and Registry are required.
type Deps struct {
	Dialer     orchestrator.Dialer
	Registry   *registry.Registry
	Summarizer summarizer.Summarizer
	Telephony  Telephony
	Store      Store
	// FillerFor returns the hold-line speaker for a caller's output format.
	FillerFor func(transport.AudioFormat) orchestrator.Filler
	Logger    log.Logger
}

// CallService runs calls and tracks the live ones by call id.
type CallService struct {
	cfg    Config
	deps   Deps
	pool   *ants.Pool
	logger log.Logger

	mu     sync.Mutex
	calls  map[string]*orchestrator.Orchestrator
	closed bool
	jobs   sync.WaitGroup
}

func NewCallService(cfg Config, deps Deps) (*CallService, error) {
	if deps.Dialer == nil || deps.Registry == nil {
		return nil, errors.New("usecase: dialer and registry are required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	logger := log.OrDefault(deps.Logger)
	// Jobs are dropped rather than queued when every worker is busy.
	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Errorf("usecase: background job panicked: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("usecase: create worker pool: %w", err)
	}
	return &CallService{
		cfg:    cfg,
		deps:   deps,
		pool:   pool,
		logger: logger,
		calls:  make(map[string]*orchestrator.Orchestrator),
	}, nil
}

// Run drives the call on bridge until it ends. The bridge is closed when Run
// returns.
func (s *CallService) Run(ctx context.Context, bridge transport.Bridge) error {
	deps := orchestrator.Deps{
		Bridge:     bridge,
		Dialer:     s.deps.Dialer,
		Registry:   s.deps.Registry,
		Summarizer: s.deps.Summarizer,
		Logger:     s.logger,
		Observer: func(p orchestrator.Phase) {
			s.logger.Debugf("call %s: phase %s", bridge.CallID(), p)
		},
	}
	_, phoneCall := bridge.(*transport.TwilioBridge)
	if phoneCall && s.deps.Telephony != nil && s.deps.Telephony.Configured() {
		deps.CallControl = s.deps.Telephony
	}
	if s.deps.Store != nil {
		deps.Recorder = &asyncRecorder{svc: s}
	}
	if s.deps.FillerFor != nil {
		deps.Filler = s.deps.FillerFor(bridge.Format().Output)
	}

	o, err := orchestrator.New(s.cfg.Orchestrator, deps)
	if err != nil {
		_ = bridge.Close()
		return err
	}
	if err := s.track(o); err != nil {
		_ = bridge.Close()
		return err
	}
	defer s.untrack(o)

	if phoneCall && deps.CallControl != nil && s.cfg.RecordCalls {
		s.startRecording(o.CallID())
	}

	s.logger.Infof("call %s: started", o.CallID())
	err = o.Run(ctx)
	if err != nil {
		s.logger.Warnf("call %s: ended with error: %v", o.CallID(), err)
	} else {
		s.logger.Infof("call %s: ended", o.CallID())
	}
	return err
}

// EndCall ends a live call. It reports whether the call was found.
func (s *CallService) EndCall(callID, reason string) bool {
	s.mu.Lock()
	o, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	o.End(reason)
	return true
}

// Active returns the number of live calls.
func (s *CallService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// UploadRecording copies a finished Twilio recording into storage in the
// background.
func (s *CallService) UploadRecording(callSid, recordingSid, recordingURL string) error {
	if s.deps.Store == nil || s.deps.Telephony == nil {
		return storage.ErrNotConfigured
	}
	key := fmt.Sprintf("recording_%s_%s_%d.wav", callSid, recordingSid, time.Now().Unix())
	return s.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*storeTimeout)
		defer cancel()
		data, err := s.deps.Telephony.DownloadRecording(ctx, recordingURL)
		if err != nil {
			s.logger.Errorf("call %s: download recording %s: %v", callSid, recordingSid, err)
			return
		}
		if err := s.deps.Store.Upload(key, "audio/wav", data); err != nil {
			s.logger.Errorf("call %s: upload recording %s: %v", callSid, recordingSid, err)
			return
		}
		s.logger.Infof("call %s: recording uploaded as %s (%d bytes)", callSid, key, len(data))
	})
}

// Shutdown ends every live call and waits for them and for pending
// background jobs, or for ctx.
func (s *CallService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*orchestrator.Orchestrator, 0, len(s.calls))
	for _, o := range s.calls {
		live = append(live, o)
	}
	s.mu.Unlock()

	for _, o := range live {
		o.End("shutdown")
	}
	for _, o := range live {
		select {
		case <-o.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	drained := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.pool.Release()
	return nil
}

func (s *CallService) track(o *orchestrator.Orchestrator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if prev, ok := s.calls[o.CallID()]; ok && prev != o {
		s.logger.Warnf("call %s: replacing a tracked call with the same id", o.CallID())
	}
	s.calls[o.CallID()] = o
	return nil
}

func (s *CallService) untrack(o *orchestrator.Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls[o.CallID()] == o {
		delete(s.calls, o.CallID())
	}
}

func (s *CallService) startRecording(callSid string) {
	err := s.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.deps.Telephony.StartRecording(ctx, callSid, s.cfg.RecordingCallbackURL); err != nil {
			s.logger.Errorf("call %s: start recording: %v", callSid, err)
			return
		}
		s.logger.Infof("call %s: recording started", callSid)
	})
	if err != nil {
		s.logger.Warnf("call %s: recording not started: %v", callSid, err)
	}
}

// submit runs job on the pool. Jobs submitted after Shutdown has released the
// pool are rejected.
func (s *CallService) submit(job func()) error {
	s.jobs.Add(1)
	err := s.pool.Submit(func() {
		defer s.jobs.Done()
		job()
	})
	if err != nil {
		s.jobs.Done()
		return fmt.Errorf("usecase: submit job: %w", err)
	}
	return nil
}

// asyncRecorder stores outcomes without holding up the call.
type asyncRecorder struct {
	svc *CallService
}

func (r *asyncRecorder) Record(o orchestrator.Outcome) {
	row := storage.Outcome{
		ID:        uuid.NewString(),
		CallID:    o.CallID,
		Agent:     o.Agent,
		Kind:      o.Kind,
		Function:  o.Function,
		Arguments: o.Arguments,
		Reason:    o.Reason,
		CreatedAt: o.At.UTC(),
	}
	err := r.svc.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.svc.deps.Store.RecordOutcome(ctx, row); err != nil {
			r.svc.logger.Errorf("call %s: record %s outcome: %v", row.CallID, row.Kind, err)
		}
	})
	if err != nil {
		r.svc.logger.Warnf("call %s: %s outcome dropped: %v", row.CallID, row.Kind, err)
	}
}
