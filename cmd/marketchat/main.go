package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/marketchat/internal/api"
	"github.io/infrasutra/marketchat/internal/auth"
	"github.io/infrasutra/marketchat/internal/config"
	"github.io/infrasutra/marketchat/internal/logger"
	"github.io/infrasutra/marketchat/internal/mailgate"
	"github.io/infrasutra/marketchat/internal/messaging"
	"github.io/infrasutra/marketchat/internal/metrics"
	"github.io/infrasutra/marketchat/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("marketchat stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if cfg.DBPath == "" {
		log.Warn("DB_PATH not set; messages are kept in memory only")
	}

	authManager, err := auth.New(cfg.AuthSecret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if cfg.AuthSecret == "" {
		log.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	m := metrics.New()
	svc := messaging.NewService(db, log, m)
	apiServer := api.NewServer(cfg, svc, db, authManager, m, log)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var mailSrv *mailgate.Server
	if cfg.MailGatewayEnabled {
		authCfg := mailgate.AuthConfig{
			Enabled:  cfg.SMTPAuthEnabled,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}
		if !authCfg.Enabled {
			log.Warn("smtp auth disabled; gateway accepts unauthenticated connections")
		}
		mailSrv = mailgate.New(svc, m, log, fmt.Sprintf(":%d", cfg.SMTPPort), authCfg)
		g.Go(func() error {
			if err := mailSrv.ListenAndServe(); err != nil {
				return fmt.Errorf("smtp gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		if mailSrv != nil {
			if err := mailSrv.Close(); err != nil {
				errs = append(errs, fmt.Errorf("shutdown smtp: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
