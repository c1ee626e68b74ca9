package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxline/voxline/internal/account"
	"github.com/voxline/voxline/internal/backend"
	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/callflow"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/contacts"
	"github.com/voxline/voxline/internal/flags"
	"github.com/voxline/voxline/internal/keystore"
	"github.com/voxline/voxline/internal/provider"
	"github.com/voxline/voxline/internal/push"
	"github.com/voxline/voxline/internal/telemetry"
	"github.com/voxline/voxline/internal/voippush"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxlined",
		"http_port", cfg.HTTPPort,
		"number_id", cfg.NumberID,
		"line_kind", cfg.LineKind,
		"data_dir", cfg.DataDir,
	)

	rec := telemetry.NewRecorder(logger, nil)

	// Open the credential store.
	store, err := keystore.Open(cfg.DataDir, cfg.BundleID, cfg.KeySecret)
	if err != nil {
		slog.Error("failed to open keystore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Feature flags, refreshed in the background when a source is set.
	fl := flags.New(cfg.FlagsURL, logger)
	if cfg.FlagsURL != "" {
		if err := fl.Refresh(appCtx); err != nil {
			slog.Warn("initial flag fetch failed, using defaults", "error", err)
		}
		go fl.RefreshLoop(appCtx, 5*time.Minute)
	}

	// The serialized scheduling context; everything that mutates call
	// state funnels through here.
	runCh := make(chan func(), 256)
	go func() {
		for {
			select {
			case fn := <-runCh:
				fn()
			case <-appCtx.Done():
				return
			}
		}
	}()
	dispatch := func(fn func()) { runCh <- fn }

	// Platform call records. On headless hosts the simulated subsystem
	// stands in for the OS call UI.
	platform := provider.NewSimPlatform()
	prov := provider.New(platform, logger, rec)
	prov.SetDispatch(dispatch)

	// Backend clients for whichever providers this line can use.
	var sipClient *backend.SIPClient
	if cfg.SIPHost != "" {
		sipClient, err = backend.NewSIPClient(backend.SIPConfig{
			Host:      cfg.SIPHost,
			Port:      cfg.SIPPort,
			Transport: cfg.SIPTransport,
		}, logger, rec)
		if err != nil {
			slog.Error("failed to create sip client", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := sipClient.Listen(appCtx, "0.0.0.0:0"); err != nil {
				slog.Error("sip listener stopped", "error", err)
				rec.RecordError("sip", err)
			}
		}()
		defer sipClient.Close()
	}

	var cloudClient *backend.CloudClient
	if cfg.CloudBaseURL != "" {
		cloudClient = backend.NewCloudClient(cfg.CloudBaseURL, logger, rec)
	}

	// Account service client and contact lookup.
	accountClient := account.NewClient(cfg.APIBaseURL, store, logger)
	var resolver contacts.Resolver
	if cfg.APIBaseURL != "" {
		resolver = contacts.NewHTTPResolver(cfg.APIBaseURL)
	}

	// Push gateway registration client.
	var pushReg callflow.PushRegistrar
	if gw := push.NewClient(cfg.PushGWURL, cfg.PushPlatform, cfg.NumberID); gw.Configured() {
		pushReg = gw
	} else {
		slog.Warn("no --pushgw-url provided, device token registration disabled")
	}

	screen := &logScreen{logger: logger.With("subsystem", "screen")}
	flow := callflow.NewFlow(screen, 3*time.Second, logger, rec)

	mgr := callflow.NewManager(callflow.ManagerOptions{
		Account:    accountClient,
		Tokens:     store,
		Flow:       flow,
		Provider:   prov,
		SIP:        sipClient,
		Cloud:      cloudClient,
		Contacts:   resolver,
		Flags:      fl,
		PushReg:    pushReg,
		NumberID:   cfg.NumberID,
		LineKind:   backend.Kind(cfg.LineKind),
		LineActive: true,
		UserID:     cfg.UserID,
		SocketURL:  cfg.SocketBaseURL,
		Dispatch:   dispatch,
		Logger:     logger,
		Recorder:   rec,
	})

	// Keep SIP lines registered with the provider edge so incoming invites
	// reach this device.
	if sipClient != nil {
		go mgr.MaintainRegistration(appCtx)
	}

	// Push reconciliation: payloads arriving at the receiver become
	// platform call registrations.
	gateway := voippush.NewGateway(func() *provider.Provider { return prov }, fl, logger, rec)
	mgr.AttachGateway(gateway)
	receiver := voippush.NewServer(gateway, cfg.PushDeadline, logger)

	// HTTP router with global middleware.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", receiver)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if s := flow.Active(); s != nil {
		if err := s.RequestEnd(time.Now()); err != nil {
			slog.Error("failed to end live call on shutdown", "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxlined stopped")
}

// logScreen is the headless in-call surface: state renders into the log
// instead of a UI.
type logScreen struct {
	logger *slog.Logger
}

func (s *logScreen) Show(c *call.Call) {
	s.logger.Info("call screen shown",
		"call_id", c.ID,
		"handle", c.Handle,
		"display_name", c.DisplayName,
		"outgoing", c.Outgoing,
	)
}

func (s *logScreen) ShowEnded(c *call.Call, cause error) {
	if cause != nil {
		s.logger.Warn("call ended with failure", "call_id", c.ID, "error", cause)
		return
	}
	s.logger.Info("call ended", "call_id", c.ID)
}

func (s *logScreen) Hide() {
	s.logger.Info("call screen hidden")
}
