package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/flowphone/internal/api"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/config"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/metrics"
	"github.com/flowpbx/flowphone/internal/pbxapi"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/flowpbx/flowphone/internal/push"
	"github.com/flowpbx/flowphone/internal/sipua"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/flowpbx/flowphone/internal/uiws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting flowphone",
		"http_addr", cfg.HTTPAddr,
		"sip_listen", cfg.SIPListen,
		"sip_server", cfg.SIPServer,
		"data_dir", cfg.DataDir,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	db, err := database.Open(appCtx, cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize encryptor for stored secrets (access token, SIP password).
	var enc *database.Encryptor
	if keyBytes, err := cfg.EncryptionKeyBytes(); err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	} else if keyBytes != nil {
		enc, err = database.NewEncryptor(keyBytes)
		if err != nil {
			slog.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("field encryption enabled")
	} else {
		slog.Warn("no encryption key configured, credentials will be stored in plaintext")
	}

	identity, err := database.NewIdentityRepository(appCtx, db, enc)
	if err != nil {
		slog.Error("failed to load identity store", "error", err)
		os.Exit(1)
	}
	if saved := identity.Identity(appCtx); saved.UserID != "" {
		slog.Info("restored saved account", "user_id", saved.UserID, "extension", saved.Extension)
	}
	callLog := database.NewCallLogRepository(db)

	pbx := pbxapi.NewClient(cfg.PBXURL, cfg.PushPlatform, cfg.PBXTimeout, logger)
	gate := auth.NewGate(identity, pbx, cfg.AuthTimeout, logger)

	registry := call.NewRegistry(cfg.SessionRetention, logger)
	defer registry.Close()

	agent, err := sipua.New(sipua.Config{
		Server:       cfg.SIPServer,
		Domain:       cfg.SIPDomain,
		Transport:    cfg.SIPTransport,
		ListenAddr:   cfg.SIPListen,
		ContactHost:  cfg.ContactHost(),
		Expiry:       cfg.SIPExpiry,
		RingTimeout:  cfg.RingTimeout,
		Video:        cfg.Video,
		PushProvider: cfg.PushProvider,
		PushParam:    cfg.PushParam,
	}, identity, logger)
	if err != nil {
		slog.Error("failed to create sip agent", "error", err)
		os.Exit(1)
	}

	ui := uiws.NewProvider(cfg.UIAckTimeout, logger)
	bridge := telephony.NewBridge(ui, telephony.Deps{
		Sessions: registry,
		Auth:     gate,
		Control:  agent,
		Audio:    agent,
	}, telephony.Config{
		AnswerTimeout: cfg.AnswerTimeout,
		EndTimeout:    cfg.EndTimeout,
	}, logger)
	ui.SetHandler(bridge)

	coord := phone.NewCoordinator(registry, bridge, callLog, logger)
	bridge.SetFinisher(coord)
	agent.SetListener(coord)

	if err := agent.Start(appCtx); err != nil {
		slog.Error("failed to start sip agent", "error", err)
		os.Exit(1)
	}

	intake := push.NewIntake(agent, bridge, cfg.PushBudget, logger)
	tokens := push.NewTokenUpdater(identity, logger, pbx, agent)

	authenticated := func() bool {
		_, ok := gate.Current()
		return ok
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(metrics.Sources{
		Calls:         registry,
		Actions:       bridge,
		Dialogs:       agent,
		Push:          intake,
		History:       callLog,
		Registered:    agent.Registered,
		UIConnected:   ui.Connected,
		Authenticated: authenticated,
		AudioActive:   agent.AudioActive,
	}, startTime))

	handler := api.NewServer(api.Deps{
		Push:        intake,
		Tokens:      tokens,
		Auth:        &account{gate: gate, pbx: pbx, agent: agent},
		Calls:       coord,
		History:     callLog,
		UI:          ui,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Registered:  agent.Registered,
		UIConnected: ui.Connected,
	}, api.Options{
		APIToken:    cfg.APIToken,
		CORSOrigins: cfg.Origins(),
		StartTime:   startTime,
	}, logger)
	defer handler.Close()

	if cfg.APIToken == "" {
		slog.Warn("no api token configured, local api is unauthenticated")
	}

	// WriteTimeout is left unset: push handling blocks for up to the push
	// budget and the telephony UI websocket is long-lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	ui.Close()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	agent.Stop()
	bridge.Close()

	slog.Info("flowphone stopped")
}

// account is the sign-in surface exposed over the local API. It keeps the
// PBX session and the SIP registration in step with the gate.
type account struct {
	gate  *auth.Gate
	pbx   *pbxapi.Client
	agent *sipua.Agent
}

func (a *account) SignIn(ctx context.Context, creds auth.Credentials) (auth.Identity, error) {
	id, err := a.gate.SignIn(ctx, creds)
	if err != nil {
		return auth.Identity{}, err
	}
	a.agent.Refresh()
	return id, nil
}

func (a *account) SignOut(ctx context.Context) error {
	if err := a.gate.SignOut(ctx); err != nil {
		return err
	}
	a.pbx.SignOut()
	a.agent.Refresh()
	return nil
}

func (a *account) Current() (auth.Identity, bool) {
	return a.gate.Current()
}
