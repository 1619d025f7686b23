// Package main is the entry point for the portfolio rebalancer. It wires
// the settings manager, run history, scheduler and HTTP API together and
// runs until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/backup"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clientdata"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/config"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/database"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/history"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/scheduler"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/server"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/settings"
	"github.com/Jailtonfonseca/rebalanceamento-binance/pkg/logger"
)

// periodicSchedule builds the cron spec for the rebalance interval.
func periodicSchedule(hours int) string {
	return fmt.Sprintf("@every %dh", hours)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting rebalancer")

	// The run history is durable; the client-data cache is expendable.
	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileHistory,
		Name:    "history",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "client_data.db"),
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open client data database")
	}
	defer cacheDB.Close()

	store := history.NewStore(historyDB.Conn(), log)
	if err := store.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize history schema")
	}

	cache := clientdata.NewRepository(cacheDB.Conn())
	if err := cache.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache schema")
	}
	if removed, err := cache.DeleteExpired(); err != nil {
		log.Warn().Err(err).Msg("Failed to clean expired cache entries")
	} else if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Cleaned expired cache entries")
	}

	manager, err := settings.NewManager(cfg.DataDir, cfg.MasterKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize settings")
	}

	sched := scheduler.New(log)
	job := scheduler.NewRebalanceJob(manager, store, cache, log)

	current := manager.Snapshot()
	if err := sched.AddJob(periodicSchedule(current.PeriodicHours), job); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule rebalance job")
	}

	if cfg.Backup.Enabled {
		s3Client, err := backup.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup client")
		}
		backupSvc := backup.NewService(s3Client, historyDB.Conn(), cfg.DataDir, cfg.Backup.RetentionDays, log)
		if err := sched.AddJob(cfg.Backup.Schedule, backup.NewJob(backupSvc, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backup job")
		}
		log.Info().Str("bucket", cfg.Backup.Bucket).Str("schedule", cfg.Backup.Schedule).Msg("Backups enabled")
	} else {
		log.Info().Msg("Backups disabled, no bucket configured")
	}

	srv := server.New(server.Config{
		Log:      log,
		Settings: manager,
		History:  store,
		Trigger:  job,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		OnSettingsSaved: func(updated settings.Settings) error {
			return sched.AddJob(periodicSchedule(updated.PeriodicHours), job)
		},
	})

	sched.Start()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop waits for an in-flight rebalance cycle to finish.
	sched.Stop()

	log.Info().Msg("Stopped")
}
