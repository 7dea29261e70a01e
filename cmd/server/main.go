package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/ezchat/internal/auth"
	"github.com/Tyrowin/ezchat/internal/config"
	"github.com/Tyrowin/ezchat/internal/logging"
	"github.com/Tyrowin/ezchat/internal/mail"
	"github.com/Tyrowin/ezchat/internal/server"
	"github.com/Tyrowin/ezchat/internal/session"
	"github.com/Tyrowin/ezchat/internal/store"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file (default ./config.yaml if present)")
	seedUser := pflag.String("seed-user", "", "create a user given as username:email:password and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	if err := run(cfg, logger, *seedUser); err != nil {
		logger.WithError(err).Fatal("ezchat stopped")
	}
}

func run(cfg config.Config, logger *logrus.Logger, seedUser string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer db.Close()

	authService := auth.NewService(db, mail.New(cfg.SMTP, logger.WithField("component", "mail")), auth.Options{
		BcryptCost: cfg.Auth.BcryptCost,
		ResetTTL:   cfg.Auth.ResetTTL,
		MailFrom:   cfg.SMTP.From,
	}, logger.WithField("component", "auth"))

	if seedUser != "" {
		return seed(ctx, authService, seedUser, logger)
	}

	sessions := session.NewMemoryStore(cfg.Session.TTL)
	go sessions.RunJanitor(ctx, time.Minute)

	accessLog := logger.WithField("component", "http").Writer()
	defer accessLog.Close()

	srv := server.New(cfg, server.Deps{
		Messages: db,
		Sessions: &session.Resolver{
			Store:      sessions,
			CookieName: cfg.Session.CookieName,
			TTL:        cfg.Session.TTL,
			Secure:     cfg.Session.SecureCookie,
		},
		Auth:      authService,
		Logger:    logger,
		AccessLog: accessLog,
	})
	srv.Start()

	httpServer := server.CreateServer(cfg.Server.Port, srv.SetupRoutes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
		logger.Info("signal caught, shutting down...")
	}

	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("Hub did not shut down cleanly")
	}
	return nil
}

func seed(ctx context.Context, svc *auth.Service, arg string, logger *logrus.Logger) error {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return errors.New("--seed-user expects username:email:password")
	}

	user, err := svc.CreateUser(ctx, parts[0], parts[1], parts[2])
	if err != nil {
		return errors.Wrap(err, "create user")
	}
	logger.WithField("user", user.Username).Info("user created")
	return nil
}
