// Package transport holds the persistent caller-side audio connection that a
// call orchestrator keeps open across agent handoffs.
package transport

import "errors"

var (
	// ErrClosed is returned by Send once the bridge has disconnected.
	ErrClosed = errors.New("transport: closed")
	// ErrBackpressure is returned by Send when the outbound queue is full.
	ErrBackpressure = errors.New("transport: outbound queue full")
)

// AudioFormat describes one direction of the audio stream.
type AudioFormat struct {
	Encoding   string // "mulaw" or "linear16"
	SampleRate int
}

// Format is the pair of formats a bridge receives and expects to send.
type Format struct {
	Input  AudioFormat
	Output AudioFormat
}

// TwilioFormat is what Twilio Media Streams carry in both directions.
var TwilioFormat = Format{
	Input:  AudioFormat{Encoding: "mulaw", SampleRate: 8000},
	Output: AudioFormat{Encoding: "mulaw", SampleRate: 8000},
}

// Bridge is a duplex audio stream to the caller with a single liveness signal.
//
// Frames is closed when the underlying connection goes away, and Done is closed
// at the same moment. Nothing reconnects a Bridge.
type Bridge interface {
	CallID() string
	Format() Format
	// Frames delivers inbound caller audio in arrival order.
	Frames() <-chan []byte
	// Send queues one outbound frame without blocking.
	Send(frame []byte) error
	// Clear drops outbound audio that has not been played yet.
	Clear() error
	Done() <-chan struct{}
	Close() error
}
