package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

const (
	outputRate    = 48000
	frameDuration = 20 * time.Millisecond
	// 20ms at 48kHz mono
	outputFrameSamples = outputRate / 50
	// ~30s of speech, agents synthesize faster than real time
	outputQueueFrames = 1500
	maxOpusPacket     = 4000
)

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// OpusPacedWriter encodes 48kHz linear16 mono into Opus and writes one frame
// to the track every 20ms.
type OpusPacedWriter struct {
	enc    encoder
	track  sampleWriter
	pcmBuf []int16
	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(outputRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track, outputQueueFrames)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc encoder, track sampleWriter, queue int) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, queue),
		stopCh: make(chan struct{}),
	}
}

// WritePCM buffers little-endian PCM and queues every complete frame. It never
// blocks: a full queue returns transport.ErrBackpressure and a stopped writer
// returns transport.ErrClosed.
func (w *OpusPacedWriter) WritePCM(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return transport.ErrClosed
	}
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		w.pcmBuf = append(w.pcmBuf, int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8))
	}

	var err error
	out := make([]byte, maxOpusPacket)
	for len(w.pcmBuf) >= outputFrameSamples {
		size, encErr := w.enc.Encode(w.pcmBuf[:outputFrameSamples], out)
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[outputFrameSamples:]...)
		if encErr != nil || size == 0 {
			continue
		}
		pkt := make([]byte, size)
		copy(pkt, out[:size])
		select {
		case w.frames <- pkt:
		default:
			err = transport.ErrBackpressure
		}
	}
	return err
}

// Reset drops queued frames and buffered samples so the caller hears silence
// right away.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Pending returns the number of queued frames.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }

func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}
