package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"deck-sync-service/internal/config"
	"deck-sync-service/internal/logger"
)

type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync()
	})

	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	if s.manager.Running() {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	logger.Log.Info("Triggering scheduled sync")
	s.manager.SyncAll(context.Background())
}
