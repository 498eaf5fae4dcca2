package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/config"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/rtc"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/telephony"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
)

// Calls runs and ends calls.
type Calls interface {
	Run(ctx context.Context, bridge transport.Bridge) error
	EndCall(callID, reason string) bool
	UploadRecording(callSid, recordingSid, recordingURL string) error
}

// Dialer places outbound phone calls.
type Dialer interface {
	PlaceCall(ctx context.Context, to string) (string, error)
}

// Deps are the collaborators behind the routes. Nil members disable the
// routes that need them.
type Deps struct {
	Calls  Calls
	Dialer Dialer
	Logger log.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler

	cfg    config.Config
	calls  Calls
	dialer Dialer
	rtc    *rtc.Handler
	logger log.Logger
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio does not send an Origin header
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		calls:  deps.Calls,
		dialer: deps.Dialer,
		logger: log.OrDefault(deps.Logger),
	}
	s.rtc = rtc.NewHandler(cfg.ICEServersJSON, s.runPeer, s.logger)

	e := NewRouter(s.logger)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	signed := telephony.SignatureMiddleware(cfg.TwilioAuthToken, cfg.PublicURL)
	e.POST("/twilio/voice", s.voice, signed)
	e.POST("/twilio/status", s.status, signed)
	e.POST("/twilio/recording-status", s.recordingStatus, signed)
	e.GET(telephony.StreamPath, s.stream, telephony.StreamSignatureMiddleware(cfg.TwilioAuthToken, cfg.PublicURL))

	e.POST("/calls", s.placeCall)

	e.OPTIONS("/call", s.preflight)
	e.POST("/call", s.offer)
	e.GET("/call/ws", func(c echo.Context) error {
		s.rtc.ServeWebSocket(c.Response(), c.Request(), cfg.AuthPassword)
		return nil
	})

	s.Router = e
	return s
}

// rtcAuthOK accepts everything when no password is configured.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	return rtc.Authorized(r, expected)
}

func corsHeaders(c echo.Context) {
	h := c.Response().Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

func (s *Server) preflight(c echo.Context) error {
	corsHeaders(c)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) offer(c echo.Context) error {
	corsHeaders(c)
	if !rtcAuthOK(c.Request(), s.cfg.AuthPassword) {
		return c.NoContent(http.StatusUnauthorized)
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.logger.Debugf("http: invalid offer: %v", err)
		return c.NoContent(http.StatusBadRequest)
	}
	answer, err := s.rtc.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.logger.Warnf("http: webrtc handle offer failed: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) runPeer(b *rtc.PeerBridge) {
	if s.calls == nil {
		s.logger.Warnf("[%s] no call service, closing peer", b.CallID())
		_ = b.Close()
		return
	}
	_ = s.calls.Run(context.Background(), b)
}

// voice answers an inbound phone call by connecting it to the media stream.
func (s *Server) voice(c echo.Context) error {
	params := telephony.Params(c)
	s.logger.Infof("twilio: inbound call %s from %s", params["CallSid"], params["From"])
	streamURL := telephony.StreamURL(telephony.AbsoluteURL(c.Request(), s.cfg.PublicURL, "/"))
	doc, err := telephony.StreamTwiML(streamURL, map[string]string{"from": params["From"]})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	return c.Blob(http.StatusOK, "application/xml", []byte(doc))
}

// status ends the tracked call once Twilio reports the phone leg finished.
// This races the media stream closing; whichever comes first ends the call.
func (s *Server) status(c echo.Context) error {
	params := telephony.Params(c)
	callSid, status := params["CallSid"], params["CallStatus"]
	s.logger.Infof("twilio: call %s status %s", callSid, status)
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		if s.calls != nil && s.calls.EndCall(callSid, "twilio_"+strings.ReplaceAll(status, "-", "_")) {
			s.logger.Infof("twilio: call %s ended by status callback", callSid)
		}
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Server) recordingStatus(c echo.Context) error {
	params := telephony.Params(c)
	callSid := params["CallSid"]
	recordingSid := params["RecordingSid"]
	switch status := params["RecordingStatus"]; status {
	case "completed":
		if s.calls == nil {
			break
		}
		if err := s.calls.UploadRecording(callSid, recordingSid, params["RecordingUrl"]); err != nil {
			s.logger.Errorf("twilio: recording %s of call %s not uploaded: %v", recordingSid, callSid, err)
		}
	case "failed", "absent":
		s.logger.Errorf("twilio: recording %s of call %s is %s", recordingSid, callSid, status)
	default:
		s.logger.Debugf("twilio: recording %s status %s", recordingSid, status)
	}
	return c.String(http.StatusOK, "OK")
}

// stream takes a Twilio Media Streams websocket and runs the call on it until
// it ends.
func (s *Server) stream(c echo.Context) error {
	if s.calls == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	conn, err := streamUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warnf("twilio: media stream upgrade: %v", err)
		return nil
	}
	bridge, err := transport.Accept(c.Request().Context(), conn, transport.TwilioOptions{Logger: s.logger})
	if err != nil {
		s.logger.Warnf("twilio: media stream: %v", err)
		return nil
	}
	if err := s.calls.Run(context.Background(), bridge); err != nil {
		s.logger.Debugf("[%s] call finished: %v", bridge.CallID(), err)
	}
	return nil
}

type placeCallRequest struct {
	To string `json:"to"`
}

type placeCallResponse struct {
	CallSid string `json:"call_sid"`
	To      string `json:"to"`
}

func (s *Server) placeCall(c echo.Context) error {
	if !rtcAuthOK(c.Request(), s.cfg.AuthPassword) {
		return c.NoContent(http.StatusUnauthorized)
	}
	if s.dialer == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "outbound calls are not configured"})
	}
	var req placeCallRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		to = s.cfg.LeadPhoneNumber
	}
	if to == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no destination: pass \"to\" or set LEAD_PHONE_NUMBER"})
	}
	sid, err := s.dialer.PlaceCall(c.Request().Context(), to)
	if err != nil {
		s.logger.Errorf("twilio: place call to %s: %v", to, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, placeCallResponse{CallSid: sid, To: to})
}
