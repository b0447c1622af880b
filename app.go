package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/pliu/relaychat/internal/auth"
	"github.com/pliu/relaychat/internal/config"
	"github.com/pliu/relaychat/internal/email"
	"github.com/pliu/relaychat/internal/handlers"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/middleware"
	"github.com/pliu/relaychat/internal/otp"
	"github.com/pliu/relaychat/internal/store"
	"github.com/pliu/relaychat/internal/store/memstore"
	"github.com/pliu/relaychat/internal/store/sqlstore"
	"github.com/pliu/relaychat/internal/ws"
)

// app is the wired server. Its background loops run from start until the
// context passed there is done.
type app struct {
	cfg    *config.Config
	logger logging.Logger

	store      store.Store
	codes      *otp.Store
	dispatcher *email.Dispatcher
	hub        *ws.Hub
	handler    http.Handler
}

func newApp(cfg *config.Config, logger logging.Logger, mailer email.Mailer) (*app, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	if mailer == nil {
		mailer = email.NewSender(cfg.SMTP.Host, strconv.Itoa(cfg.SMTP.Port), cfg.SMTP.Username,
			cfg.SMTP.Password, cfg.SMTP.From, logger)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		codes:      otp.New(st, otp.Config{TTL: cfg.OTPTTL, HashCost: cfg.OTPHashCost}),
		dispatcher: email.NewDispatcher(mailer, logger, cfg.Notifier.QueueSize),
		hub:        ws.NewHub(logger, nil),
	}

	issuer := auth.NewIssuer([]byte(cfg.JWTSecret), cfg.SessionTTL, nil)
	svc := &auth.Service{
		Store:    st,
		Codes:    a.codes,
		Issuer:   issuer,
		Notifier: a.dispatcher,
		Logger:   logger,
		LogCodes: cfg.LogOTPCodes,
	}
	gateway := &ws.Gateway{
		Hub:           a.hub,
		Verifier:      issuer,
		Logger:        logger,
		AllowedOrigin: cfg.AllowedOrigin,
		FrameRate:     rate.Limit(cfg.WS.FrameRate),
		FrameBurst:    cfg.WS.FrameBurst,
	}

	authHandler := &handlers.AuthHandler{Service: svc, Logger: logger}
	userHandler := &handlers.UserHandler{Service: svc, Logger: logger}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))

	r.HandleFunc("/auth/request-otp", authHandler.RequestOTP).Methods("POST")
	r.HandleFunc("/auth/verify-otp", authHandler.VerifyOTP).Methods("POST")
	r.Handle("/users", middleware.AuthMiddleware(issuer)(http.HandlerFunc(userHandler.ListUsers))).Methods("GET")

	// WebSocket Endpoint
	r.HandleFunc("/ws", gateway.ServeWs).Methods("GET")

	r.HandleFunc("/healthz", handlers.Healthz).Methods("GET")
	r.HandleFunc("/", handlers.Index).Methods("GET")

	a.handler = middleware.CORS(cfg.AllowedOrigin)(r)
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite3", "postgres":
		st, err := sqlstore.New(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// start runs the hub, the notification workers and the OTP sweeper.
func (a *app) start(ctx context.Context) {
	go a.hub.Run(ctx)
	a.dispatcher.Start(ctx, a.cfg.Notifier.Workers)
	go a.codes.RunSweeper(ctx, a.cfg.SweepInterval, func(err error) {
		a.logger.Warn(ctx, "otp sweep failed", "err", err)
	})
}

// close waits for the notification workers and releases the store. Call it
// after the start context is done.
func (a *app) close() error {
	a.dispatcher.Wait()
	return a.store.Close()
}
