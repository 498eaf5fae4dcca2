package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/agentsession"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/config"
	httpserver "github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/httpserver"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/infra/storage"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/orchestrator"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/registry"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/summarizer"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/telephony"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/transport"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/tts"
	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/usecase"
)

func main() {
	dial := flag.String("dial", "", "place an outbound call to this number once the server is up (\"lead\" uses LEAD_PHONE_NUMBER)")
	flag.Parse()

	cfg := config.Load()
	log.SetLevel(cfg.LogLevel)

	agents, err := loadAgents(cfg)
	if err != nil {
		log.Fatalf("agents: %v", err)
	}

	sessions := agentsession.NewClient(cfg.DeepgramAPIKey)
	sessions.URL = cfg.DeepgramAgentURL
	sessions.SettingsTimeout = cfg.SettingsAppliedTimeout
	sessions.Logger = log.Default

	twilio := telephony.New(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
		PublicURL:  cfg.PublicURL,
	}, log.Default)

	deps := usecase.Deps{
		Dialer:   orchestrator.ClientDialer(sessions),
		Registry: agents,
		Logger:   log.Default,
	}
	if cfg.GroqAPIKey != "" {
		deps.Summarizer = summarizer.New(summarizer.Config{
			APIKey:  cfg.GroqAPIKey,
			BaseURL: cfg.GroqBaseURL,
			Model:   cfg.GroqModel,
			Timeout: cfg.SummarizerTimeout,
			Retries: cfg.SummarizerRetries,
			Logger:  log.Default,
		})
	}
	if twilio.Configured() {
		deps.Telephony = twilio
	}
	if store, err := storage.NewSupabase(storage.Config{
		URL:            cfg.SupabaseURL,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		Bucket:         cfg.SupabaseBucket,
		OutcomesTable:  cfg.SupabaseOutcomesTable,
	}); err == nil {
		deps.Store = store
	} else if !errors.Is(err, storage.ErrNotConfigured) {
		log.Warnf("storage disabled: %v", err)
	}
	if cfg.FillerText != "" && cfg.DeepgramAPIKey != "" {
		speaker := tts.NewDeepgramSpeaker(cfg.DeepgramAPIKey, cfg.FillerVoice, log.Default)
		deps.FillerFor = func(f transport.AudioFormat) orchestrator.Filler { return speaker.For(f) }
	}

	calls, err := usecase.NewCallService(usecase.Config{
		Orchestrator:         cfg.Orchestrator(),
		RecordCalls:          cfg.RecordCalls,
		RecordingCallbackURL: cfg.PublicURL + "/twilio/recording-status",
		PoolSize:             cfg.WorkerPoolSize,
	}, deps)
	if err != nil {
		log.Fatalf("call service: %v", err)
	}

	srvDeps := httpserver.Deps{Calls: calls, Logger: log.Default}
	if twilio.Configured() {
		srvDeps.Dialer = twilio
	}
	srv := httpserver.New(cfg, srvDeps)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	if *dial != "" {
		to := *dial
		if to == "lead" {
			to = cfg.LeadPhoneNumber
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sid, err := twilio.PlaceCall(ctx, to)
			if err != nil {
				log.Errorf("dial %s: %v", to, err)
				return
			}
			log.Infof("dialing %s (call %s)", to, sid)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Infof("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := calls.Shutdown(ctx); err != nil {
		log.Warnf("ending live calls: %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

func loadAgents(cfg config.Config) (*registry.Registry, error) {
	if cfg.AgentsFile == "" {
		return registry.Default(cfg.Voices()), nil
	}
	log.Infof("loading agents from %s", cfg.AgentsFile)
	return registry.Load(cfg.AgentsFile)
}
