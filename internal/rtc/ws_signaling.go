package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the websocket signaling envelope.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
	SDP      string `json:"sdp,omitempty"`
	Error    string `json:"error,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// signalConn serializes writes; pion emits candidates from its own goroutines.
type signalConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *signalConn) send(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *signalConn) fail(err error) {
	_ = c.send(signalMessage{Type: "error", Error: err.Error()})
}

// Authorized accepts ?password=, "Authorization: Bearer" or X-Auth-Token.
func Authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// ServeWebSocket negotiates a peer with trickle ICE over a websocket: an
// optional auth message, then the offer, then candidates in both directions.
// It returns once the peer has gone away or negotiation failed.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, password string) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("rtc: websocket upgrade: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()
	conn := &signalConn{conn: ws}

	if password != "" && !Authorized(r, password) {
		m, err := readSignal(ws)
		if err != nil || m.Type != "auth" || m.Password != password {
			conn.fail(errors.New("unauthorized"))
			return
		}
	}

	var offerSDP string
	for offerSDP == "" {
		m, err := readSignal(ws)
		if err != nil {
			h.logger.Debugf("rtc: signaling ended before offer: %v", err)
			return
		}
		switch m.Type {
		case "offer":
			offerSDP = m.SDP
		case "bye":
			return
		}
	}

	pc, bridge, err := h.newPeer()
	if err != nil {
		conn.fail(err)
		return
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.send(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.send(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	answer, err := trickleAnswer(pc, offerSDP)
	if err != nil {
		_ = bridge.Close()
		conn.fail(err)
		return
	}
	if err := conn.send(signalMessage{Type: "answer", SDP: answer}); err != nil {
		_ = bridge.Close()
		return
	}
	h.start(bridge)

	for {
		m, err := readSignal(ws)
		if err != nil {
			return
		}
		switch m.Type {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				h.logger.Debugf("[%s] add candidate: %v", bridge.CallID(), err)
			}
		case "bye":
			_ = bridge.Close()
			return
		}
	}
}

func trickleAnswer(pc *webrtc.PeerConnection, sdp string) (string, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

// readSignal returns the next text message, skipping anything unparseable.
func readSignal(ws *websocket.Conn) (signalMessage, error) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return signalMessage{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		m.Type = strings.ToLower(m.Type)
		return m, nil
	}
}
