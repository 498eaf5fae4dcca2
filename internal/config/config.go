package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/orchestrator"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/summarizer"
)

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	PublicURL      string
	AuthPassword   string
	LogLevel       string
	ICEServersJSON string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	LeadPhoneNumber   string
	RecordCalls       bool

	DeepgramAPIKey         string
	DeepgramAgentURL       string
	SettingsAppliedTimeout time.Duration
	ListenModel            string
	ThinkProvider          string
	ThinkModel             string
	QualifierVoice         string
	AdvisorVoice           string
	CloserVoice            string
	AgentsFile             string

	GroqAPIKey        string
	GroqBaseURL       string
	GroqModel         string
	SummarizerTimeout time.Duration
	SummarizerRetries int

	HandoffGrace          time.Duration
	EndCallGrace          time.Duration
	SessionConnectRetries int
	SessionConnectBackoff time.Duration
	FillerText            string
	FillerVoice           string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
	SupabaseOutcomesTable  string

	WorkerPoolSize int
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Infof("config: no .env file loaded: %v", err)
	}

	cfg := Config{
		HTTPAddress:    str("HTTP_ADDRESS", ":8080"),
		PublicURL:      strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		LogLevel:       str("LOG_LEVEL", "info"),
		ICEServersJSON: str("ICE_SERVERS_JSON", defaultICEServers),

		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),
		LeadPhoneNumber:   os.Getenv("LEAD_PHONE_NUMBER"),
		RecordCalls:       boolean("TWILIO_RECORD_CALLS", false),

		DeepgramAPIKey:         os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramAgentURL:       str("DEEPGRAM_AGENT_URL", agentsession.DefaultURL),
		SettingsAppliedTimeout: duration("SETTINGS_APPLIED_TIMEOUT", 5*time.Second),
		ListenModel:            str("LISTEN_MODEL", "flux-general-en"),
		ThinkProvider:          str("THINK_PROVIDER", "open_ai"),
		ThinkModel:             str("THINK_MODEL", "gpt-4o-mini"),
		QualifierVoice:         str("QUALIFIER_VOICE_MODEL", registry.DefaultVoices.Qualifier),
		AdvisorVoice:           str("ADVISOR_VOICE_MODEL", registry.DefaultVoices.Advisor),
		CloserVoice:            str("CLOSER_VOICE_MODEL", registry.DefaultVoices.Closer),
		AgentsFile:             os.Getenv("AGENTS_FILE"),

		GroqAPIKey:        os.Getenv("GROQ_API_KEY"),
		GroqBaseURL:       str("GROQ_BASE_URL", summarizer.DefaultBaseURL),
		GroqModel:         str("GROQ_LLM", summarizer.DefaultModel),
		SummarizerTimeout: duration("SUMMARIZER_TIMEOUT", 10*time.Second),
		SummarizerRetries: integer("SUMMARIZER_RETRIES", 1),

		HandoffGrace:          duration("HANDOFF_GRACE", 500*time.Millisecond),
		EndCallGrace:          duration("END_CALL_GRACE", 3*time.Second),
		SessionConnectRetries: integer("SESSION_CONNECT_RETRIES", 1),
		SessionConnectBackoff: duration("SESSION_CONNECT_BACKOFF", 250*time.Millisecond),
		FillerText:            os.Getenv("FILLER_TEXT"),
		FillerVoice:           str("FILLER_VOICE_MODEL", "aura-2-thalia-en"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         str("SUPABASE_BUCKET", "voice-recording"),
		SupabaseOutcomesTable:  str("SUPABASE_OUTCOMES_TABLE", "call_outcomes"),

		WorkerPoolSize: integer("WORKER_POOL_SIZE", 8),
	}

	if cfg.DeepgramAPIKey == "" {
		log.Warnf("config: DEEPGRAM_API_KEY not set - agent sessions will not connect")
	}
	if cfg.GroqAPIKey == "" {
		log.Warnf("config: GROQ_API_KEY not set - handoffs will carry the previous context only")
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		log.Warnf("config: TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN not set - phone calls are disabled")
	}
	if cfg.PublicURL == "" {
		log.Warnf("config: PUBLIC_URL not set - outbound calls cannot be placed")
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
		log.Warnf("config: SUPABASE_URL/SUPABASE_SERVICE_ROLE_KEY not set - recordings and outcomes are not stored")
	}

	log.Infof("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

// Orchestrator returns the per-call settings.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		HandoffGrace:      c.HandoffGrace,
		EndGrace:          c.EndCallGrace,
		SummarizerTimeout: c.SummaryBudget(),
		ConnectRetries:    c.SessionConnectRetries,
		ConnectBackoff:    c.SessionConnectBackoff,
		FillerText:        c.FillerText,
		Models: orchestrator.Models{
			Language: "en",
			Listen:   agentsession.Provider{Type: "deepgram", Model: c.ListenModel},
			Think:    agentsession.Provider{Type: c.ThinkProvider, Model: c.ThinkModel},
		},
	}
}

// SummaryBudget bounds one handoff summary across all attempts. Each attempt
// gets SummarizerTimeout of its own.
func (c Config) SummaryBudget() time.Duration {
	retries := c.SummarizerRetries
	if retries < 0 {
		retries = 0
	}
	return c.SummarizerTimeout*time.Duration(retries+1) + time.Second
}

// Voices returns the speak models of the built-in agents.
func (c Config) Voices() registry.Voices {
	return registry.Voices{Qualifier: c.QualifierVoice, Advisor: c.AdvisorVoice, Closer: c.CloserVoice}
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Warnf("config: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warnf("config: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("config: invalid %s=%q, using %t", key, v, def)
		return def
	}
	return b
}
