package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"deck-sync-service/internal/api"
	"deck-sync-service/internal/config"
	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/remote"
	"deck-sync-service/internal/session"
	"deck-sync-service/internal/store"
	"deck-sync-service/internal/sync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting deck sync service")

	stateStore, err := store.NewSQLiteStore(cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to init snapshot store", zap.Error(err))
	}
	defer stateStore.Close()

	client := remote.NewClient(cfg.Remote)

	sess := session.New(client, stateStore)
	client.SetTokenSource(sess)
	if err := sess.Load(context.Background()); err != nil {
		logger.Log.Warn("Failed to restore session", zap.Error(err))
	}

	syncManager := sync.NewManager(cfg, stateStore, client)

	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager)
	scheduler.Start()

	handler := api.NewHandler(cfg.Server, syncManager, stateStore, sess, client)
	router := handler.Routes()

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	scheduler.Stop()
	syncManager.Stop()
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
