package rtc

import (
	"encoding/binary"
	"sync"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

const (
	inputRate = 16000
	// 20ms of 16kHz linear16
	inputChunkBytes = inputRate / 50 * 2
	inboundQueue    = 256
)

// PeerFormat is what a browser peer carries once decoded.
var PeerFormat = transport.Format{
	Input:  transport.AudioFormat{Encoding: "linear16", SampleRate: inputRate},
	Output: transport.AudioFormat{Encoding: "linear16", SampleRate: outputRate},
}

// payloadReader returns the next RTP payload of the remote track.
type payloadReader func() ([]byte, error)

type decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// PeerBridge is a transport.Bridge over one WebRTC peer connection.
type PeerBridge struct {
	id     string
	peer   interface{ Close() error }
	out    *OpusPacedWriter
	logger log.Logger

	frames  chan []byte
	pending []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	reading bool
	closed  bool
}

func newPeerBridge(id string, peer interface{ Close() error }, out *OpusPacedWriter, logger log.Logger) *PeerBridge {
	return &PeerBridge{
		id:     id,
		peer:   peer,
		out:    out,
		logger: log.OrDefault(logger),
		frames: make(chan []byte, inboundQueue),
		done:   make(chan struct{}),
	}
}

func (b *PeerBridge) CallID() string           { return b.id }
func (b *PeerBridge) Format() transport.Format { return PeerFormat }
func (b *PeerBridge) Frames() <-chan []byte    { return b.frames }
func (b *PeerBridge) Done() <-chan struct{}    { return b.done }

// Send queues 48kHz linear16 audio for the peer.
func (b *PeerBridge) Send(frame []byte) error {
	select {
	case <-b.done:
		return transport.ErrClosed
	default:
	}
	return b.out.WritePCM(frame)
}

// Clear drops audio the peer has not heard yet.
func (b *PeerBridge) Clear() error {
	select {
	case <-b.done:
		return transport.ErrClosed
	default:
	}
	b.out.Reset()
	return nil
}

// Close tears down the peer connection. Safe to call more than once.
func (b *PeerBridge) Close() error {
	b.shutdown()
	return nil
}

func (b *PeerBridge) shutdown() {
	first := false
	b.once.Do(func() {
		first = true
		close(b.done)
		b.mu.Lock()
		b.closed = true
		if !b.reading {
			close(b.frames)
		}
		b.mu.Unlock()
		b.out.Close()
	})
	if first {
		_ = b.peer.Close()
		b.logger.Infof("[%s] peer bridge closed", b.id)
	}
}

// readFrom starts the inbound reader for the first remote audio track. Later
// tracks are ignored.
func (b *PeerBridge) readFrom(next payloadReader, dec decoder) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.reading {
		return false
	}
	b.reading = true
	go b.readLoop(next, dec)
	return true
}

func (b *PeerBridge) readLoop(next payloadReader, dec decoder) {
	defer close(b.frames)
	defer b.shutdown()
	samples := make([]int16, 1920)
	dropped := 0
	for {
		payload, err := next()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.logger.Infof("[%s] peer audio ended: %v", b.id, err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, samples)
		if err != nil {
			b.logger.Debugf("[%s] opus decode: %v", b.id, err)
			continue
		}
		for lost := b.deliver(samples[:n]); lost > 0; lost-- {
			dropped++
			if dropped%100 == 1 {
				b.logger.Warnf("[%s] inbound audio queue full, dropped %d frames", b.id, dropped)
			}
		}
	}
}

// deliver appends decoded samples and emits every complete 20ms chunk. It
// returns the number of chunks dropped for a full queue.
func (b *PeerBridge) deliver(samples []int16) int {
	for _, s := range samples {
		b.pending = binary.LittleEndian.AppendUint16(b.pending, uint16(s))
	}
	dropped := 0
	for len(b.pending) >= inputChunkBytes {
		chunk := make([]byte, inputChunkBytes)
		copy(chunk, b.pending)
		b.pending = append(b.pending[:0], b.pending[inputChunkBytes:]...)
		select {
		case b.frames <- chunk:
		default:
			dropped++
		}
	}
	return dropped
}
