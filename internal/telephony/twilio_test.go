package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

type fakeAPI struct {
	created   *twilioApi.CreateCallParams
	updated   map[string]*twilioApi.UpdateCallParams
	recording *twilioApi.CreateCallRecordingParams
	err       error
}

func (f *fakeAPI) CreateCall(p *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.created = p
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, f.err
}

func (f *fakeAPI) UpdateCall(sid string, p *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	if f.updated == nil {
		f.updated = map[string]*twilioApi.UpdateCallParams{}
	}
	f.updated[sid] = p
	return &twilioApi.ApiV2010Call{}, f.err
}

func (f *fakeAPI) CreateCallRecording(sid string, p *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error) {
	f.recording = p
	return &twilioApi.ApiV2010CallRecording{}, f.err
}

func newTestService(api *fakeAPI) *Service {
	s := New(Config{AccountSID: "AC1", AuthToken: "token", FromNumber: "+15550000000", PublicURL: "https://example.com/"}, log.Nop())
	s.api = api
	return s
}

func TestStreamURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/":  "wss://example.com/twilio/stream",
		"http://localhost:8080": "ws://localhost:8080/twilio/stream",
		"example.com":           "wss://example.com/twilio/stream",
		"wss://example.com":     "wss://example.com/twilio/stream",
	}
	for in, want := range cases {
		if got := StreamURL(in); got != want {
			t.Errorf("StreamURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamTwiML(t *testing.T) {
	doc, err := StreamTwiML("wss://example.com/twilio/stream", map[string]string{"lead": "warm"})
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	for _, want := range []string{"<Response>", "<Connect>", "wss://example.com/twilio/stream", "lead", "warm"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("twiml %q missing %q", doc, want)
		}
	}
}

func TestPlaceCall(t *testing.T) {
	api := &fakeAPI{}
	s := newTestService(api)
	sid, err := s.PlaceCall(context.Background(), "+15551234567")
	if err != nil || sid != "CA123" {
		t.Fatalf("place call: %q %v", sid, err)
	}
	if *api.created.To != "+15551234567" || *api.created.From != "+15550000000" {
		t.Fatalf("unexpected numbers %v %v", *api.created.To, *api.created.From)
	}
	if !strings.Contains(*api.created.Twiml, "wss://example.com/twilio/stream") {
		t.Fatalf("unexpected twiml %q", *api.created.Twiml)
	}
	if *api.created.StatusCallback != "https://example.com/twilio/status" {
		t.Fatalf("unexpected status callback %q", *api.created.StatusCallback)
	}

	if _, err := s.PlaceCall(context.Background(), ""); err == nil {
		t.Fatalf("expected error without destination")
	}
	api.err = errors.New("boom")
	if _, err := s.PlaceCall(context.Background(), "+1555"); err == nil {
		t.Fatalf("expected API error")
	}
}

func TestHangup(t *testing.T) {
	api := &fakeAPI{}
	s := newTestService(api)
	if err := s.Hangup(context.Background(), "CAabc"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if p := api.updated["CAabc"]; p == nil || *p.Status != "completed" {
		t.Fatalf("call not completed: %+v", api.updated)
	}
	if err := s.Hangup(context.Background(), "webrtc-1"); err != nil || len(api.updated) != 1 {
		t.Fatalf("non-Twilio ids must be ignored")
	}

	unconfigured := New(Config{}, log.Nop())
	if err := unconfigured.Hangup(context.Background(), "CAabc"); err == nil {
		t.Fatalf("expected credentials error")
	}
}

func TestStartRecording(t *testing.T) {
	api := &fakeAPI{}
	s := newTestService(api)
	if err := s.StartRecording(context.Background(), "CAabc", "https://example.com/twilio/recording-status"); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if *api.recording.RecordingStatusCallback != "https://example.com/twilio/recording-status" || *api.recording.RecordingChannels != "mono" {
		t.Fatalf("unexpected recording params %+v", api.recording)
	}
}

func TestDownloadRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasSuffix(r.URL.Path, ".wav") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	s := newTestService(&fakeAPI{})
	data, err := s.DownloadRecording(context.Background(), srv.URL+"/Recordings/RE1")
	if err != nil || string(data) != "RIFF" {
		t.Fatalf("download: %q %v", data, err)
	}
}

func TestAbsoluteURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	r.Host = "localhost:8080"
	if got := AbsoluteURL(r, "", "/twilio/status"); got != "http://localhost:8080/twilio/status" {
		t.Fatalf("localhost: %s", got)
	}
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "abc.ngrok.app")
	if got := AbsoluteURL(r, "", "twilio/status"); got != "https://abc.ngrok.app/twilio/status" {
		t.Fatalf("forwarded: %s", got)
	}
	if got := AbsoluteURL(r, "https://public.example/", "/x"); got != "https://public.example/x" {
		t.Fatalf("base: %s", got)
	}
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureMiddleware(t *testing.T) {
	e := echo.New()
	var got map[string]string
	e.POST("/twilio/status", func(c echo.Context) error {
		got = Params(c)
		return c.String(http.StatusOK, "ok")
	}, SignatureMiddleware("secret", "https://example.com"))

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	do := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/twilio/status", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if signature != "" {
			req.Header.Set("X-Twilio-Signature", signature)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(""); code != http.StatusUnauthorized {
		t.Fatalf("missing signature: %d", code)
	}
	if code := do("bogus"); code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", code)
	}
	if code := do(sign("secret", "https://example.com/twilio/status", form)); code != http.StatusOK {
		t.Fatalf("valid signature rejected: %d", code)
	}
	if got["CallSid"] != "CA1" || got["CallStatus"] != "completed" {
		t.Fatalf("params not passed on: %v", got)
	}

	e2 := echo.New()
	e2.POST("/twilio/status", func(c echo.Context) error { return nil }, SignatureMiddleware("", ""))
	rec := httptest.NewRecorder()
	e2.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twilio/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("missing token should be a server error, got %d", rec.Code)
	}
}
