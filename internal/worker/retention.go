package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type MaintenanceConfig struct {
	SweepInterval time.Duration
	RetentionDays int
	RetentionSpec string
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepInterval: 15 * time.Second,
		RetentionDays: 30,
		RetentionSpec: "0 3 * * *",
	}
}

// Maintenance expires overdue delivery records and purges old terminal ones.
type Maintenance struct {
	queue   repository.DeliveryQueue
	config  MaintenanceConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMaintenance(queue repository.DeliveryQueue, config MaintenanceConfig, logger *logger.Logger, metrics *metrics.Metrics) *Maintenance {
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultMaintenanceConfig().RetentionDays
	}
	return &Maintenance{
		queue:   queue,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Register schedules the expiry sweep and the retention purge.
func (m *Maintenance) Register(s *Scheduler) error {
	if err := s.Every("expiry-sweep", m.config.SweepInterval, m.SweepExpired); err != nil {
		return err
	}
	spec := m.config.RetentionSpec
	if spec == "" {
		spec = DefaultMaintenanceConfig().RetentionSpec
	}
	return s.Add("retention-purge", spec, m.Purge)
}

// SweepExpired moves every non-terminal record past its expiry to expired,
// whatever its attempt count.
func (m *Maintenance) SweepExpired(ctx context.Context) error {
	n, err := m.queue.SweepExpired(ctx, m.now())
	if err != nil {
		return fmt.Errorf("failed to sweep expired deliveries: %w", err)
	}
	if n > 0 {
		m.metrics.SweptExpired.Add(float64(n))
		m.logger.Info("Expired overdue deliveries", "count", n)
	}
	return nil
}

// Purge deletes terminal records older than the retention window.
func (m *Maintenance) Purge(ctx context.Context) error {
	cutoff := m.now().AddDate(0, 0, -m.config.RetentionDays)

	n, err := m.queue.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge delivery records: %w", err)
	}

	m.metrics.RetentionPurged.Add(float64(n))
	m.logger.Info("Purged delivery records", "count", n, "cutoff", cutoff.UTC())
	return nil
}
