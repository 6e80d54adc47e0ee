package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Sweeper re-attempts deliveries whose retry time has come. Each tick
// selects due retrying rows and claims every row by pushing its
// next_retry_at forward one lease, so a row gets exactly one attempt per
// due window no matter how many processes sweep. The row stays in
// retrying for the whole attempt: a process dying mid-attempt leaves it
// claimable again once the lease runs out.
type Sweeper struct {
	db         *database.DB
	dispatcher *Dispatcher
	logger     observability.Logger
	metrics    observability.MetricsClient

	interval    time.Duration
	batchSize   int
	concurrency int
	lease       time.Duration
	now         func() time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastTick atomic.Int64
}

// NewSweeper builds a sweeper over the dispatcher's adapters and clock.
func NewSweeper(db *database.DB, dispatcher *Dispatcher, cfg config.SweeperConfig, logger observability.Logger, metrics observability.MetricsClient) *Sweeper {
	s := &Sweeper{
		db:          db,
		dispatcher:  dispatcher,
		logger:      logger.WithPrefix("sweeper"),
		metrics:     metrics,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		lease:       cfg.Lease,
		now:         dispatcher.now,
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 25
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.lease <= 0 {
		s.lease = time.Minute
	}
	return s
}

// Start launches the tick loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.markAlive()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("sweeper started", map[string]interface{}{
		"interval":    s.interval.String(),
		"batchSize":   s.batchSize,
		"concurrency": s.concurrency,
		"lease":       s.lease.String(),
	})
}

// Stop cancels the loop and waits for in-flight attempts to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped", nil)
}

// LastSweep returns the wall-clock time of the latest tick.
func (s *Sweeper) LastSweep() time.Time {
	nanos := s.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Healthy reports whether the loop ticked within the window. The health
// endpoint asks with a few multiples of the interval.
func (s *Sweeper) Healthy(window time.Duration) bool {
	last := s.LastSweep()
	return !last.IsZero() && time.Since(last) <= window
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.markAlive()
			claimed, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if claimed > 0 {
				s.logger.Debug("sweep completed", map[string]interface{}{"claimed": claimed})
			}
		}
	}
}

func (s *Sweeper) markAlive() {
	s.lastTick.Store(time.Now().UnixNano())
}

// SweepOnce runs a single sweep: select due rows, claim each, and
// re-attempt the claimed ones with bounded concurrency. It returns the
// number of rows claimed and blocks until their attempts finish.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	var due []models.DeliveryLog
	err := s.db.Many(ctx, &due, `
SELECT `+deliveryColumns+` FROM delivery_logs
WHERE status = 'retrying' AND next_retry_at <= ?
ORDER BY next_retry_at ASC
LIMIT ?`, now, s.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to select due deliveries")
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	claimed := 0
	for i := range due {
		row := due[i]
		ok, err := s.claim(ctx, row.ID, now)
		if err != nil {
			s.logger.Error("failed to claim delivery", map[string]interface{}{"deliveryId": row.ID, "error": err.Error()})
			continue
		}
		if !ok {
			// Another sweep got there first.
			continue
		}
		claimed++

		select {
		case <-ctx.Done():
			wg.Wait()
			return claimed, ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(row models.DeliveryLog) {
			defer wg.Done()
			defer func() { <-sem }()
			s.retry(ctx, row)
		}(row)
	}
	wg.Wait()

	if claimed > 0 {
		s.metrics.IncrementCounter("dispatch_sweeper_claims_total", float64(claimed))
	}
	return claimed, nil
}

// claim takes the row for this sweep by pushing next_retry_at one lease
// ahead. The guarded UPDATE makes the claim exclusive: a row already
// claimed, finalized, or not yet due changes nothing.
func (s *Sweeper) claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.Exec(ctx, `
UPDATE delivery_logs SET next_retry_at = ?
WHERE id = ? AND status = 'retrying' AND next_retry_at <= ?`,
		now.Add(s.lease), id, now)
	if err != nil {
		return false, err
	}
	return res.Changes == 1, nil
}

// retry runs the next attempt for a claimed row.
func (s *Sweeper) retry(ctx context.Context, row models.DeliveryLog) {
	route, err := s.dispatcher.loadRoute(ctx, row.RouteID)
	if err != nil {
		if services.IsNotFound(err) {
			s.logger.Debug("route gone, delivery stays parked", map[string]interface{}{"deliveryId": row.ID, "routeId": row.RouteID})
			return
		}
		s.logger.Error("failed to load route for retry", map[string]interface{}{"deliveryId": row.ID, "error": err.Error()})
		return
	}
	if !route.Enabled {
		// Disabled is a pause: the row keeps its lease-pushed retry time
		// and resumes once the route is enabled again.
		s.logger.Debug("route disabled, delivery stays parked", map[string]interface{}{"deliveryId": row.ID, "routeId": route.ID})
		return
	}

	attemptNumber := row.AttemptNumber + 1
	if _, err := s.db.Exec(ctx,
		`UPDATE delivery_logs SET attempt_number = ?, dispatched_at = ? WHERE id = ?`,
		attemptNumber, s.now(), row.ID); err != nil {
		s.logger.Error("failed to mark retry attempt", map[string]interface{}{"deliveryId": row.ID, "error": err.Error()})
		return
	}
	s.dispatcher.attempt(ctx, route, row.ID, attemptNumber, row.EventPayload)
}
