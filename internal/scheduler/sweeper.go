// Package scheduler runs the pending sweep on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"go.uber.org/zap"
)

var (
	errMissingTarget   = errors.New("sweep target is required")
	errInvalidInterval = errors.New("sweep interval must be positive")
)

// Target is the part of the notify service the sweeper drives.
type Target interface {
	DeliverPending(ctx context.Context) (notify.SweepResult, error)
}

type SweeperConfig struct {
	Target   Target
	Interval time.Duration
	Logger   *zap.Logger
}

// Sweeper calls DeliverPending every interval until stopped. Failed sweeps are logged and the
// loop keeps going.
type Sweeper struct {
	target   Target
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Target == nil {
		return nil, errMissingTarget
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		target:   cfg.Target,
		interval: cfg.Interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop. Subsequent calls are no-ops.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
		go s.run(ctx)
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish. A sweeper that was never
// started cannot be started afterwards.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.startOnce.Do(func() {
		close(s.done)
	})
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	defer s.logger.Info("sweeper stopped")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.target.DeliverPending(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	if result.Due == 0 {
		return
	}
	s.logger.Info("scheduled sweep finished",
		zap.Int("due", result.Due),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
		zap.Int("unresolved", result.Unresolved))
}
