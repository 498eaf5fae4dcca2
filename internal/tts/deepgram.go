// Package tts speaks short utterances to a caller outside of any agent
// session, such as the hold line played while agents are swapped.
package tts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

var ErrNoKey = errors.New("deepgram: API key missing")

const (
	idleWindow  = 400 * time.Millisecond
	maxDuration = 12 * time.Second
)

// DeepgramSpeaker synthesizes text with Deepgram Aura over the streaming speak
// API.
type DeepgramSpeaker struct {
	apiKey     string
	model      string
	encoding   string
	sampleRate int
	logger     log.Logger
}

func NewDeepgramSpeaker(apiKey, model string, logger log.Logger) *DeepgramSpeaker {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramSpeaker{
		apiKey:     apiKey,
		model:      model,
		encoding:   "mulaw",
		sampleRate: 8000,
		logger:     log.OrDefault(logger),
	}
}

// For returns a copy producing audio in the format f.
func (d *DeepgramSpeaker) For(f transport.AudioFormat) *DeepgramSpeaker {
	c := *d
	c.encoding = f.Encoding
	c.sampleRate = f.SampleRate
	return &c
}

// Speak streams text as audio into sink and returns once the stream has gone
// quiet. Chunks the sink rejects with backpressure are dropped; a closed
// transport stops the utterance.
func (d *DeepgramSpeaker) Speak(ctx context.Context, text string, sink func([]byte) error) error {
	if d.apiKey == "" {
		return ErrNoKey
	}
	if text == "" {
		return nil
	}

	cb := newSpeakCallback(sink)

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.logger.Warnf("deepgram: flush: %v", err)
	}

	return cb.wait(ctx, maxDuration)
}

// speakCallback forwards synthesized audio to sink and tracks when the
// utterance is over.
type speakCallback struct {
	sink       func([]byte) error
	lastRecv   atomic.Int64
	sinkClosed atomic.Bool
	failed     chan error
}

func newSpeakCallback(sink func([]byte) error) *speakCallback {
	return &speakCallback{sink: sink, failed: make(chan error, 1)}
}

// wait returns once audio has stopped arriving for idleWindow, the server
// reported an error, the sink closed, ctx ended or limit passed.
func (s *speakCallback) wait(ctx context.Context, limit time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(limit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.failed:
			return err
		case <-ticker.C:
			if s.sinkClosed.Load() {
				return transport.ErrClosed
			}
			if last := s.lastRecv.Load(); last != 0 && time.Since(time.Unix(0, last)) > idleWindow {
				return nil
			}
			if time.Now().After(deadline) {
				return nil
			}
		}
	}
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	err := errors.New("deepgram: speak error")
	if er != nil {
		err = fmt.Errorf("deepgram: speak error: %+v", *er)
	}
	select {
	case s.failed <- err:
	default:
	}
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 || s.sinkClosed.Load() {
		return nil
	}
	s.lastRecv.Store(time.Now().UnixNano())
	chunk := make([]byte, len(data))
	copy(chunk, data)
	if err := s.sink(chunk); errors.Is(err, transport.ErrClosed) {
		s.sinkClosed.Store(true)
	}
	return nil
}
