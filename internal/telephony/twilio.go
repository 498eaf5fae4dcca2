// Package telephony is the Twilio side of a call: placing and hanging up
// calls, recordings, TwiML and webhook signatures.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

// StreamPath is where Twilio Media Streams connect.
const StreamPath = "/twilio/stream"

// Config holds the Twilio account and the public address of this server.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// PublicURL is the externally reachable base URL, e.g. https://example.ngrok.app.
	PublicURL string
}

// callsAPI is the subset of the Twilio REST API used here.
type callsAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
	CreateCallRecording(callSid string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error)
}

// Service talks to Twilio for one account.
type Service struct {
	cfg        Config
	api        callsAPI
	httpClient *http.Client
	logger     log.Logger
}

func New(cfg Config, logger log.Logger) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Service{
		cfg:        cfg,
		api:        client.Api,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.OrDefault(logger),
	}
}

// Configured reports whether REST calls can be made.
func (s *Service) Configured() bool {
	return s.cfg.AccountSID != "" && s.cfg.AuthToken != ""
}

func (s *Service) requireCredentials() error {
	if !s.Configured() {
		return errors.New("twilio: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	return nil
}

// StreamURL is the websocket URL Twilio should stream call audio to.
func (s *Service) StreamURL() string {
	return StreamURL(s.cfg.PublicURL)
}

// StreamURL turns a public http(s) base URL into the media stream URL.
func StreamURL(publicURL string) string {
	base := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case !strings.HasPrefix(base, "wss://") && !strings.HasPrefix(base, "ws://"):
		base = "wss://" + base
	}
	return base + StreamPath
}

// StreamTwiML connects the call to a bidirectional media stream. params are
// passed through as custom parameters and show up in the stream's start
// message.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var inner []twiml.Element
	for _, name := range names {
		inner = append(inner, &twiml.VoiceParameter{Name: name, Value: params[name]})
	}
	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: inner}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

// PlaceCall dials to from the configured number and connects the answered
// call to the media stream. It returns the call SID.
func (s *Service) PlaceCall(ctx context.Context, to string) (string, error) {
	if err := s.requireCredentials(); err != nil {
		return "", err
	}
	if to == "" || s.cfg.FromNumber == "" {
		return "", errors.New("twilio: both the destination and TWILIO_PHONE_NUMBER are required")
	}
	if s.cfg.PublicURL == "" {
		return "", errors.New("twilio: PUBLIC_URL is required to place calls")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc, err := StreamTwiML(s.StreamURL(), nil)
	if err != nil {
		return "", fmt.Errorf("twilio: build twiml: %w", err)
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.FromNumber)
	params.SetTwiml(doc)
	params.SetStatusCallback(strings.TrimRight(s.cfg.PublicURL, "/") + "/twilio/status")
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"completed"})

	resp, err := s.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	s.logger.Infof("twilio: placed call %s to %s", sid, to)
	return sid, nil
}

// Hangup completes an in-progress call.
func (s *Service) Hangup(ctx context.Context, callSid string) error {
	if err := s.requireCredentials(); err != nil {
		return err
	}
	if !strings.HasPrefix(callSid, "CA") {
		// not a Twilio call
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := s.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("twilio: hang up %s: %w", callSid, err)
	}
	return nil
}

// StartRecording records the whole call. Twilio posts to callbackURL when the
// recording is ready.
func (s *Service) StartRecording(ctx context.Context, callSid, callbackURL string) error {
	if err := s.requireCredentials(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("mono")
	if _, err := s.api.CreateCallRecording(callSid, params); err != nil {
		return fmt.Errorf("twilio: start recording: %w", err)
	}
	return nil
}

// DownloadRecording fetches the WAV rendition of a recording.
func (s *Service) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	if err := s.requireCredentials(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return nil, fmt.Errorf("twilio: recording request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("twilio: download recording: status %d: %s", resp.StatusCode, preview)
	}
	return io.ReadAll(resp.Body)
}

// AbsoluteURL builds the public URL for path. The configured base wins, then
// X-Forwarded-* headers, then the request host.
func AbsoluteURL(r *http.Request, base, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if base != "" {
		return strings.TrimRight(base, "/") + path
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")
	if proto != "" && host != "" {
		return proto + "://" + host + path
	}
	host = r.Host
	proto = "https"
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		proto = "http"
	}
	return proto + "://" + host + path
}
