// Command calsyncd keeps the local task mirror in sync with external
// calendars via push notifications and serves availability queries.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/taskmirror/calsync/calendar"
	"github.com/taskmirror/calsync/calendar/google"
	"github.com/taskmirror/calsync/calendar/outlook"
	"github.com/taskmirror/calsync/internal/availability"
	"github.com/taskmirror/calsync/internal/httpapi"
	"github.com/taskmirror/calsync/internal/outbound"
	"github.com/taskmirror/calsync/internal/reconciler"
	"github.com/taskmirror/calsync/internal/sqlite"
	"github.com/taskmirror/calsync/internal/subscription"
	"github.com/taskmirror/calsync/internal/webhook"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == AddLinkCommand.Name {
		if err := AddLinkCommand.Run(context.Background(), os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	addr := flag.String("addr", ":8080", "listen address")
	dbFilename := flag.String("db", "calsync.db", "sqlite database file")
	callbackURL := flag.String("callback-url", "", "public URL of the webhook endpoint (required)")
	webhookSecret := flag.String("webhook-secret", "", "shared secret for webhook HMAC verification")
	googleCred := flag.String("google-cred", "credentials.json", "credentials file for google")
	outlookClientID := flag.String("outlook-client-id", "", "azure application client id")
	outlookClientSecret := flag.String("outlook-client-secret", "", "azure application client secret")
	workers := flag.Int("workers", 4, "webhook worker pool size")
	scanInterval := flag.Duration("scan-interval", time.Hour, "subscription renewal scan interval")
	renewThreshold := flag.Duration("renew-threshold", 24*time.Hour, "renew subscriptions expiring within this window")
	workdayStart := flag.Duration("workday-start", 9*time.Hour, "daily working hours start, offset from midnight")
	workdayEnd := flag.Duration("workday-end", 18*time.Hour, "daily working hours end, offset from midnight")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if *callbackURL == "" {
		logger.Fatal("missing webhook callback URL (--callback-url)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open(sqlite.DriverName, *dbFilename)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer db.Close()
	storage := sqlite.NewStorage(db)

	mux := calendar.NewMux()

	if credJSON, err := os.ReadFile(*googleCred); err == nil {
		googleCal, err := google.NewClient(credJSON, logger.Named("google"))
		if err != nil {
			logger.Fatal("creating google client", zap.Error(err))
		}
		mux.Register("google", googleCal)
	} else {
		logger.Warn("google credentials not found, provider disabled", zap.Error(err))
	}

	if *outlookClientID != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     *outlookClientID,
			ClientSecret: *outlookClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"Calendars.ReadWrite", "offline_access"},
		}
		mux.Register("outlook", outlook.NewClient(oauthCfg, logger.Named("outlook")))
	}

	if len(mux.Platforms()) == 0 {
		logger.Fatal("no calendar providers configured")
	}

	rec := reconciler.New(mux, storage, logger.Named("reconciler"))

	manager := subscription.NewManager(mux, storage, *callbackURL, logger.Named("subscription"))
	manager.ScanInterval = *scanInterval
	manager.RenewThreshold = *renewThreshold

	pusher := outbound.NewPusher(mux, storage, logger.Named("outbound"))

	resolver := availability.NewResolver(storage)
	resolver.Hours = availability.WorkingHours{Start: *workdayStart, End: *workdayEnd}

	hooks := webhook.NewServer(mux, storage, rec, webhook.ServerConfig{
		Secret:  *webhookSecret,
		Workers: *workers,
	}, logger.Named("webhook"))
	hooks.Start(ctx)

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("subscription manager stopped", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(*scanInterval)
		defer ticker.Stop()
		for {
			if err := pusher.PushAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbound push failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	root := http.NewServeMux()
	root.Handle("/webhooks/calendar", hooks)
	root.Handle("/", httpapi.NewServer(resolver, logger.Named("api")))

	server := &http.Server{
		Addr:              *addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}

	hooks.Wait()
}
