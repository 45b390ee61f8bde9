package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"offline-phone/internal/auth"
	"offline-phone/internal/blobstore"
	"offline-phone/internal/cache"
	"offline-phone/internal/calls"
	"offline-phone/internal/capture"
	"offline-phone/internal/chunks"
	"offline-phone/internal/config"
	"offline-phone/internal/connectivity"
	"offline-phone/internal/history"
	"offline-phone/internal/httpapi"
	"offline-phone/internal/journal"
	"offline-phone/internal/orchestrator"
	"offline-phone/internal/playback"
	"offline-phone/internal/presence"
	"offline-phone/internal/realtime"
	"offline-phone/internal/recording"
	"offline-phone/internal/upload"
	"offline-phone/pkg/logger"
	"offline-phone/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	timing := cfg.Timing.WithDefaults()

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	blobs, err := blobstore.New(rootCtx, blobstore.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		PublicURL:       cfg.Storage.PublicURL,
		UsePathStyle:    cfg.Storage.UsePathStyle,
	})
	if err != nil {
		log.Error("blobstore init failed", "err", err)
		os.Exit(1)
	}

	localCache, err := cache.Open(cfg.App.CachePath)
	if err != nil {
		log.Error("cache init failed", "err", err)
		os.Exit(1)
	}
	defer localCache.Close()

	// Connectivity signal drives online/offline mode switching everywhere.
	monitor := connectivity.NewMonitor(
		connectivity.NewHTTPProber(cfg.Probe.URL),
		cfg.Probe.Interval, cfg.Probe.MaxRTT, cfg.Probe.MinDownlink, log)

	bus := realtime.NewRedisBus(rdb, log)

	callSvc := calls.NewService(calls.NewPostgresRepo(db), bus, log)
	presenceSvc := presence.NewService(presence.NewPostgresRepo(db), bus, log, timing.HeartbeatInterval)
	chunkSvc := chunks.NewService(chunks.NewPostgresRepo(db), localCache, blobs, bus, monitor.Online, log)
	historySvc := history.NewService(history.NewPostgresRepo(db))

	journalSvc, closeJournal, err := openJournal(cfg.App.JournalPath, log)
	if err != nil {
		log.Error("journal init failed", "err", err)
		os.Exit(1)
	}
	defer closeJournal()

	device := capture.NewFileDevice(cfg.Audio.DevicePath, cfg.Audio.ContentType)
	recorder := recording.NewManager(device, timing.RecordWindow, log)
	uploader := upload.NewCoordinator(blobs, chunkSvc, timing.UploadTimeout, log)

	player := playback.NewCommandPlayer(cfg.Audio.PlayerCommand, cfg.Audio.PlayerArgs...)
	engine := playback.NewEngine(chunkSvc, player, timing.StallTimeout, timing.SeekSettle, log)

	phone := orchestrator.New(orchestrator.Config{
		Number:      cfg.Identity.PhoneNumber,
		Username:    cfg.Identity.Username,
		RingTimeout: timing.RingTimeout,
		EndDismiss:  timing.EndDismiss,
	}, callSvc, presenceSvc, chunkSvc, recorder, uploader, engine,
		monitor, utils.NewCallSlotGuard(rdb, 2*timing.RingTimeout, log), journalSvc, log)

	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); monitor.Run(rootCtx) }()
	go func() { defer bg.Done(); presenceSvc.RunHeartbeat(rootCtx, cfg.Identity.PhoneNumber) }()

	if err := phone.Start(rootCtx); err != nil {
		log.Error("phone start failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Auth:     authManager,
		Phone:    phone,
		Presence: presenceSvc,
		Chunks:   chunkSvc,
		History:  historySvc,
		Journal:  journalSvc,
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("phone listening", "addr", srv.Addr, "env", cfg.App.Env, "number", cfg.Identity.PhoneNumber)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Let the heartbeat mark us offline before connections close.
	bg.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// openJournal picks sqlite when a path is configured, memory otherwise.
// The journal is best-effort either way; an open failure is still fatal
// because it points at a bad JOURNAL_PATH.
func openJournal(path string, log *slog.Logger) (*journal.Service, func(), error) {
	if path == "" {
		return journal.NewService(journal.NewMemoryRepo(), log), func() {}, nil
	}
	repo, err := journal.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return journal.NewService(repo, log), func() { _ = repo.Close() }, nil
}
