package status

import (
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/scheduler"
)

// Service reports application status for the status endpoint.
type Service struct {
	config    *common.Config
	cacheName string
	sched     *scheduler.Scheduler
	started   time.Time
	logger    arbor.ILogger
}

// NewService creates the status service
func NewService(config *common.Config, cacheName string, sched *scheduler.Scheduler, logger arbor.ILogger) *Service {
	return &Service{
		config:    config,
		cacheName: cacheName,
		sched:     sched,
		started:   time.Now(),
		logger:    logger,
	}
}

// GetStatus returns the full status payload
func (s *Service) GetStatus() map[string]interface{} {
	stats := s.sched.Snapshot()
	return map[string]interface{}{
		"version":     common.GetFullVersion(),
		"environment": s.config.Environment,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"cache": map[string]interface{}{
			"backend": s.cacheName,
		},
		"executor": map[string]interface{}{
			"protocol": s.config.Executor.Protocol,
		},
		"scheduler": map[string]interface{}{
			"ticks":       stats.Ticks,
			"last_tick":   stats.LastTick,
			"last_queued": stats.LastQueued,
		},
		"timestamp": time.Now().UTC(),
	}
}
