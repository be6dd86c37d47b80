package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthFunc probes one dependency within the given timeout.
type HealthFunc func(ctx context.Context, timeout time.Duration) error

// HealthService periodically probes an external dependency (volatile store,
// durable store) and logs failures. It never stops the process: a store
// outage is fatal to affected sessions, not to the server.
type HealthService struct {
	name     string
	probe    HealthFunc
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	quit chan struct{}
	done chan struct{}
}

// NewHealthService creates a probe service checking every interval.
//
// Precondition: probe and logger must be non-nil; interval must be positive.
func NewHealthService(name string, probe HealthFunc, interval time.Duration, logger *zap.Logger) *HealthService {
	return &HealthService{
		name:     name,
		probe:    probe,
		interval: interval,
		timeout:  interval / 2,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start blocks, probing until Stop is called.
func (h *HealthService) Start() error {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.probe(context.Background(), h.timeout); err != nil {
				h.logger.Warn("health probe failed",
					zap.String("dependency", h.name),
					zap.Error(err))
			} else {
				h.logger.Debug("health probe ok",
					zap.String("dependency", h.name))
			}
		case <-h.quit:
			return nil
		}
	}
}

// Stop ends the probe loop.
func (h *HealthService) Stop() {
	close(h.quit)
	<-h.done
}
