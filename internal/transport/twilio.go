package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

// TwilioOptions tunes a Twilio Media Streams bridge. Zero values pick defaults.
type TwilioOptions struct {
	InboundQueue  int
	OutboundQueue int
	StartTimeout  time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	Logger        log.Logger
}

func (o TwilioOptions) withDefaults() TwilioOptions {
	if o.InboundQueue <= 0 {
		o.InboundQueue = 256
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 512
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	o.Logger = log.OrDefault(o.Logger)
	return o
}

// twilioMessage covers the Media Streams events this bridge reads.
type twilioMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		CallSid          string            `json:"callSid"`
		StreamSid        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// wsConn is the part of *websocket.Conn the bridge uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// TwilioBridge is a Bridge over one Twilio Media Streams websocket.
type TwilioBridge struct {
	conn      wsConn
	opts      TwilioOptions
	callSid   string
	streamSid string
	params    map[string]string

	frames  chan []byte
	media   chan []byte
	control chan []byte
	done    chan struct{}
	once    sync.Once
}

// Accept waits for the Media Streams "start" event on conn and returns a running
// bridge. The connection is closed if start never arrives.
func Accept(ctx context.Context, conn *websocket.Conn, opts TwilioOptions) (*TwilioBridge, error) {
	b := newTwilioBridge(conn, opts)
	if err := b.awaitStart(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.opts.Logger.Infof("[%s] media stream started (stream %s)", b.callSid, b.streamSid)
	go b.readLoop()
	go b.writeLoop()
	return b, nil
}

func newTwilioBridge(conn wsConn, opts TwilioOptions) *TwilioBridge {
	opts = opts.withDefaults()
	return &TwilioBridge{
		conn:    conn,
		opts:    opts,
		frames:  make(chan []byte, opts.InboundQueue),
		media:   make(chan []byte, opts.OutboundQueue),
		control: make(chan []byte, 8),
		done:    make(chan struct{}),
	}
}

func (b *TwilioBridge) awaitStart(ctx context.Context) error {
	deadline := time.Now().Add(b.opts.StartTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("twilio stream: set read deadline: %w", err)
	}
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("twilio stream: waiting for start: %w", err)
		}
		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "start":
			if msg.Start == nil || msg.Start.StreamSid == "" {
				return errors.New("twilio stream: start event without streamSid")
			}
			b.callSid = msg.Start.CallSid
			b.streamSid = msg.Start.StreamSid
			b.params = msg.Start.CustomParameters
			return b.conn.SetReadDeadline(time.Time{})
		case "stop":
			return errors.New("twilio stream: stopped before start")
		}
	}
}

// CallID returns the Twilio CallSid, or the StreamSid when no CallSid was sent.
func (b *TwilioBridge) CallID() string {
	if b.callSid != "" {
		return b.callSid
	}
	return b.streamSid
}

// StreamSid identifies the media stream on the Twilio side.
func (b *TwilioBridge) StreamSid() string { return b.streamSid }

// Parameters are the <Parameter> values attached to the <Stream> verb.
func (b *TwilioBridge) Parameters() map[string]string { return b.params }

func (b *TwilioBridge) Format() Format        { return TwilioFormat }
func (b *TwilioBridge) Frames() <-chan []byte { return b.frames }
func (b *TwilioBridge) Done() <-chan struct{} { return b.done }

// Send queues μ-law audio for playback to the caller.
func (b *TwilioBridge) Send(frame []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	msg := outboundMedia{Event: "media", StreamSid: b.streamSid}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(frame)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("twilio stream: encode media: %w", err)
	}
	select {
	case b.media <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Clear drops queued audio locally and tells Twilio to flush its playback buffer.
func (b *TwilioBridge) Clear() error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	for drained := false; !drained; {
		select {
		case <-b.media:
		default:
			drained = true
		}
	}
	data, err := json.Marshal(outboundClear{Event: "clear", StreamSid: b.streamSid})
	if err != nil {
		return err
	}
	select {
	case b.control <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close sends a close frame and releases the connection. Safe to call more than once.
func (b *TwilioBridge) Close() error {
	b.shutdown(true)
	return nil
}

func (b *TwilioBridge) shutdown(sendClose bool) {
	b.once.Do(func() {
		close(b.done)
		if sendClose {
			deadline := time.Now().Add(b.opts.WriteTimeout)
			_ = b.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		_ = b.conn.Close()
		b.opts.Logger.Infof("[%s] media stream closed", b.CallID())
	})
}

func (b *TwilioBridge) readLoop() {
	defer close(b.frames)
	defer b.shutdown(false)
	dropped := 0
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.opts.Logger.Infof("[%s] media stream read ended: %v", b.CallID(), err)
			}
			return
		}
		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.opts.Logger.Debugf("[%s] ignoring malformed stream message: %v", b.CallID(), err)
			continue
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case b.frames <- audio:
			default:
				dropped++
				if dropped%100 == 1 {
					b.opts.Logger.Warnf("[%s] inbound audio queue full, dropped %d frames", b.CallID(), dropped)
				}
			}
		case "stop":
			b.opts.Logger.Infof("[%s] media stream stop received", b.CallID())
			return
		}
	}
}

func (b *TwilioBridge) writeLoop() {
	ping := time.NewTicker(b.opts.PingInterval)
	defer ping.Stop()
	for {
		// control frames (clear) go out ahead of queued media
		select {
		case data := <-b.control:
			if err := b.write(data); err != nil {
				b.writeFailed(err)
				return
			}
			continue
		default:
		}
		select {
		case <-b.done:
			return
		case <-ping.C:
			if err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.opts.WriteTimeout)); err != nil {
				b.writeFailed(err)
				return
			}
		case data := <-b.control:
			if err := b.write(data); err != nil {
				b.writeFailed(err)
				return
			}
		case data := <-b.media:
			if err := b.write(data); err != nil {
				b.writeFailed(err)
				return
			}
		}
	}
}

func (b *TwilioBridge) write(data []byte) error {
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout)); err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *TwilioBridge) writeFailed(err error) {
	select {
	case <-b.done:
	default:
		b.opts.Logger.Warnf("[%s] media stream write failed: %v", b.CallID(), err)
		b.shutdown(false)
	}
}
