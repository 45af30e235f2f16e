package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/oauth2/clientcredentials"
	websub "meow.tf/websub-client"
	"meow.tf/websub-client/config"
	"meow.tf/websub-client/discovery"
	"meow.tf/websub-client/store"
	"meow.tf/websub-client/store/bolt"
	"meow.tf/websub-client/store/database"
	"meow.tf/websub-client/store/memory"
	"meow.tf/websub-client/token"
	"meow.tf/websub-client/topic"
)

func main() {
	configPath := flag.String("config", "", "Path to the config file")
	discover := flag.String("discover", "", "Print the hub advertised by a topic URL and exit")
	flag.Parse()

	if *discover != "" {
		links, err := discovery.Discover(context.Background(), nil, *discover)

		if err != nil {
			slog.Error("discovery failed", "error", err)
			os.Exit(1)
		}

		slog.Info("discovered", "hub", links.Hub, "self", links.Self)
		return
	}

	cfg, err := config.Load(*configPath)

	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo

	if cfg.Verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	st, err := openStore(cfg.Store)

	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	var tokens websub.TokenSource

	if cfg.ClientSecret != "" {
		tokens = token.NewClientCredentials(&clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		})
	}

	clientOpts := []websub.ClientOption{
		websub.WithTimeout(cfg.Timeout),
		websub.WithClientLogger(logger),
	}

	if cfg.RateLimit > 0 {
		clientOpts = append(clientOpts, websub.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	client := websub.NewClient(cfg.HubURL, cfg.ClientID, tokens, clientOpts...)

	opts := []websub.Option{
		websub.WithLogger(logger),
		websub.WithLeaseSeconds(cfg.LeaseSeconds),
	}

	if cfg.Secret != "" {
		opts = append(opts, websub.WithSecret(cfg.Secret))
	}

	m, err := websub.New(cfg.CallbackURL(), client, st, opts...)

	if err != nil {
		logger.Error("failed to create manager", "error", err)
		os.Exit(1)
	}

	m.On(func(e *websub.Message) {
		logger.Info("notification", "id", e.ID, "items", len(e.Data))
	})

	m.On(func(e *websub.Denied) {
		logger.Warn("subscription denied", "id", e.ID, "reason", e.Reason)
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Mount("/"+strings.Trim(cfg.BasePath, "/"), m)

	srv := &http.Server{Addr: cfg.Listen, Handler: r}

	logger.Info("starting server", "listen", cfg.Listen, "callback", cfg.CallbackURL())

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	ctx := context.Background()

	if err := m.Restore(ctx); err != nil {
		logger.Error("failed to restore subscriptions", "error", err)
	}

	for _, sub := range cfg.Topics {
		t, err := topic.ParseType(sub.Type)

		if err != nil {
			logger.Error("invalid topic", "type", sub.Type, "error", err)
			continue
		}

		if _, err := m.Subscribe(ctx, t, sub.Params); err != nil {
			logger.Error("subscribe failed", "type", sub.Type, "error", err)
		}
	}

	interrupt := make(chan os.Signal, 1)

	signal.Notify(interrupt, os.Interrupt)

	<-interrupt

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := m.UnsubscribeAll(shutdownCtx); err != nil {
		logger.Warn("unsubscribe failed", "error", err)
	}

	srv.Shutdown(shutdownCtx)
	m.Destroy()
}

func openStore(cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case "bolt":
		s, err := bolt.New(cfg.Path)

		if err != nil {
			return nil, err
		}

		return s, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)

		if err != nil {
			return nil, err
		}

		s := database.New(db)

		if err := s.Migrate(); err != nil {
			db.Close()
			return nil, err
		}

		return s, nil
	}

	return memory.New(), nil
}
