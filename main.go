package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"restorapi/api"
	"restorapi/config"
	"restorapi/engine"
	"restorapi/ffmpeg"
	"restorapi/model"
	"restorapi/restore"
	"restorapi/results"
	"restorapi/storage"
	"restorapi/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Storage and result tracking
	store, err := storage.NewOSStore(cfg.StorageDir)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	tracker := results.NewTracker(results.Policy{
		ImageGracePeriod: cfg.ImageDownloadGracePeriod,
		VideoGracePeriod: cfg.VideoDownloadGracePeriod,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, nil)
	sweeper := results.NewSweeper(tracker, store, cfg.AutomaticCleanupInterval)

	// 3. Models
	models := model.NewCache(engine.Definitions(cfg), engine.NewLoader(cfg), model.Options{Eager: cfg.EagerLoadAllModels})
	if err := models.Start(ctx); err != nil {
		log.Fatalf("Failed to load models: %v", err)
	}

	// 4. Inference engine and video tooling
	engineRunner, err := engine.NewRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize inference engine: %v", err)
	}
	var video restore.VideoTool
	if ffmpegRunner, err := ffmpeg.NewRunner(cfg); err != nil {
		log.Printf("Warning: video processing disabled: %v", err)
	} else {
		video = ffmpegRunner
	}
	processor := restore.NewProcessor(engineRunner, video, store, cfg.PatchSize)

	// 5. Task manager
	taskManager, err := task.NewManager(cfg, models, tracker, store, processor)
	if err != nil {
		log.Fatalf("Failed to initialize task manager: %v", err)
	}
	taskManager.Start(ctx)

	if cfg.AutomaticCleanupEnabled {
		go sweeper.Run(ctx)
	} else {
		log.Println("[AUTO_CLEANUP] Automatic cleanup is disabled.")
	}

	// 6. Router and server
	router := api.SetupRouter(cfg, api.Services{
		Tasks:   taskManager,
		Models:  models,
		Tracker: tracker,
		Sweeper: sweeper,
		Store:   store,
		Stream:  processor,
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	taskManager.Wait()
	models.UnloadAll()
	if err := engineRunner.Close(); err != nil {
		log.Printf("Warning: removing engine temp dir: %v", err)
	}
	log.Println("Server exiting")
}
