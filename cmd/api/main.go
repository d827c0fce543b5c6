package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mindmesh/api/internal/app"
	"mindmesh/api/internal/authpw"
	"mindmesh/api/internal/avatars"
	"mindmesh/api/internal/config"
	"mindmesh/api/internal/email"
	"mindmesh/api/internal/export"
	"mindmesh/api/internal/gitrepo"
	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/realtime"
	"mindmesh/api/internal/search"
	"mindmesh/api/internal/session"
	"mindmesh/api/internal/store"
	"mindmesh/api/internal/sync"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Sugar.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Sugar.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Sugar.Fatalf("create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var avatarStore *avatars.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		avatarStore, err = avatars.New(avatars.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			logger.Sugar.Fatalf("avatar storage: %v", err)
		}
		if err := avatarStore.EnsureBucket(ctx); err != nil {
			logger.Sugar.Warnf("avatar bucket setup: %v", err)
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	// Refresh sessions live in Redis when it is reachable; the same client
	// backs the cross-instance map update bridge.
	var refreshSessions app.RefreshSessionStore = dataStore
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Sugar.Warnf("redis unavailable, refresh sessions fall back to postgres: %v", err)
			redisStore = nil
		} else {
			defer redisStore.Close()
			refreshSessions = redisStore
			logger.Sugar.Infof("refresh sessions stored in redis")
		}
	}

	manager := sync.NewManager(sync.ManagerOptions{
		Docs:           dataStore,
		DebounceWindow: cfg.DebounceWindow,
		CursorFPS:      cfg.CursorFPS,
	})

	service := app.New(app.Options{
		Config:   cfg,
		Store:    dataStore,
		Sessions: refreshSessions,
		AuthPW:   authpw.NewService(dataStore),
		Mailer:   mailer,
		Git:      gitService,
		Rooms:    manager,
		Search:   searchService,
		Avatars:  avatarStore,
		Exporter: export.NewService(dataStore),
	})
	manager.SetHook(service.PersistHook())

	hub := realtime.NewHub(manager)
	go hub.Run()

	if redisStore != nil {
		bridge := realtime.NewBridge(redisStore.Client(), manager)
		hub.SetBridge(bridge)
		bridgeCtx, cancelBridge := context.WithCancel(ctx)
		defer cancelBridge()
		go bridge.Run(bridgeCtx)
	}

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("mindmesh api listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Warnf("shutdown error: %v", err)
	}

	// Flush every open room before exiting so no debounced edit is lost.
	manager.Shutdown()
}
