package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// minLeaseTTL floors the lease TTL so very short loop intervals do not
// thrash the lease row.
const minLeaseTTL = 30 * time.Second

// cronPollInterval is how often a cron-cadenced loop checks whether its
// schedule fired.
const cronPollInterval = 30 * time.Second

// Loop is one background job: a name, a cadence, and the work.
type Loop struct {
	// Name is the lease name; one holder per name across instances.
	Name string
	// Interval cadence. Ignored when CronExpr is set.
	Interval time.Duration
	// CronExpr, when non-empty, replaces Interval with a standard
	// five-field cron schedule.
	CronExpr string
	// LeaseDisabled runs the loop without lease arbitration. Only safe
	// for single-instance deployments.
	LeaseDisabled bool
	// Run performs one pass. Passes never overlap within a loop.
	Run func(ctx context.Context) error
}

// Scheduler drives a set of loops under database leases.
type Scheduler struct {
	leases  *LeaseStore
	clock   clockid.Clock
	logger  *zap.Logger
	ownerID string

	wg sync.WaitGroup
}

// New wires a scheduler. The owner id identifies this process instance
// in the lease table.
func New(leases *LeaseStore, clock clockid.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockid.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		leases:  leases,
		clock:   clock,
		logger:  logger,
		ownerID: clockid.NewID(),
	}
}

// OwnerID returns this instance's lease owner id.
func (s *Scheduler) OwnerID() string { return s.ownerID }

// Start launches one goroutine per loop. Loops stop when ctx is
// cancelled; Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context, loops ...Loop) {
	for _, loop := range loops {
		s.wg.Add(1)
		go func(loop Loop) {
			defer s.wg.Done()
			s.runLoop(ctx, loop)
		}(loop)
	}
}

// Wait blocks until every loop goroutine has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) runLoop(ctx context.Context, loop Loop) {
	interval := loop.Interval
	var schedule cron.Schedule
	if loop.CronExpr != "" {
		parsed, err := cron.ParseStandard(loop.CronExpr)
		if err != nil {
			s.logger.Error("invalid cron expression, loop disabled",
				zap.String("loop", loop.Name),
				zap.String("cron", loop.CronExpr),
				zap.Error(err),
			)
			return
		}
		schedule = parsed
		interval = cronPollInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ttl := 2 * interval
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}

	s.logger.Info("loop started",
		zap.String("loop", loop.Name),
		zap.Duration("interval", interval),
		zap.String("cron", loop.CronExpr),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var nextCronFire time.Time
	if schedule != nil {
		nextCronFire = schedule.Next(s.clock.Now())
	}

	for {
		select {
		case <-ctx.Done():
			if err := s.leases.Release(loop.Name, s.ownerID); err != nil {
				s.logger.Warn("lease release failed", zap.String("loop", loop.Name), zap.Error(err))
			}
			s.logger.Info("loop stopped", zap.String("loop", loop.Name))
			return
		case <-ticker.C:
		}

		now := s.clock.Now()
		if schedule != nil {
			if now.Before(nextCronFire) {
				continue
			}
			nextCronFire = schedule.Next(now)
		}

		if !loop.LeaseDisabled {
			held, err := s.leases.Acquire(loop.Name, s.ownerID, ttl, now)
			if err != nil {
				s.logger.Error("lease acquisition failed", zap.String("loop", loop.Name), zap.Error(err))
				continue
			}
			if !held {
				continue
			}
		}

		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("loop pass failed", zap.String("loop", loop.Name), zap.Error(err))
		}
	}
}
