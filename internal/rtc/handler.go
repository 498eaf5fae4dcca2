// Package rtc accepts browser calls over WebRTC and exposes each one as a
// transport.Bridge.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler answers offers and hands every negotiated peer to onBridge.
type Handler struct {
	iceServers []webrtc.ICEServer
	onBridge   func(*PeerBridge)
	logger     log.Logger
}

// NewHandler parses iceServersJSON, falling back to a public STUN server.
// onBridge runs on its own goroutine once the answer is ready.
func NewHandler(iceServersJSON string, onBridge func(*PeerBridge), logger log.Logger) *Handler {
	return &Handler{
		iceServers: parseICEServers(iceServersJSON),
		onBridge:   onBridge,
		logger:     log.OrDefault(logger),
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	pc, bridge, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	answer, err := h.negotiate(ctx, pc, offer.SDP)
	if err != nil {
		_ = bridge.Close()
		return SessionDescription{}, err
	}
	h.start(bridge)
	return answer, nil
}

// newPeer builds a peer connection with an outbound Opus track and the bridge
// that owns it.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *PeerBridge, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: outputRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}

	bridge := newPeerBridge("webrtc-"+uuid.NewString(), pc, paced, h.logger)
	h.wire(pc, bridge)
	return pc, bridge, nil
}

func (h *Handler) start(bridge *PeerBridge) {
	h.logger.Infof("[%s] peer negotiated", bridge.CallID())
	if h.onBridge != nil {
		go h.onBridge(bridge)
	}
}

func (h *Handler) wire(pc *webrtc.PeerConnection, bridge *PeerBridge) {
	id := bridge.CallID()
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.logger.Infof("[%s] peer connection state: %s", id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go bridge.shutdown()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		h.logger.Debugf("[%s] ICE state: %s", id, state.String())
	})
	// the browser demo sends "stop" when the user talks over the agent
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			switch strings.TrimSpace(strings.ToLower(string(msg.Data))) {
			case "stop", "stop-speaking", "cancel", "barge-in":
				_ = bridge.Clear()
			}
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		dec, err := opus.NewDecoder(inputRate, 1)
		if err != nil {
			h.logger.Errorf("[%s] opus decoder: %v", id, err)
			go bridge.shutdown()
			return
		}
		next := func() ([]byte, error) {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		}
		if bridge.readFrom(next, dec) {
			h.logger.Infof("[%s] remote audio track: codec=%s", id, remote.Codec().MimeType)
		}
	})
}

func (h *Handler) negotiate(ctx context.Context, pc *webrtc.PeerConnection, sdp string) (SessionDescription, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
