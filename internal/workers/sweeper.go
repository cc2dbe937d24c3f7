package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/inventory"
	"fulfillment/internal/queue"
	"fulfillment/models"
)

// Sweeper releases reservations whose TTL ran out and queues their orders,
// so an order still waiting for payment gets cancelled.
type Sweeper struct {
	ledger   *inventory.Ledger
	queue    queue.Queue
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(ledger *inventory.Ledger, q queue.Queue, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{ledger: ledger, queue: q, interval: interval, batch: batch, logger: logger, now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Reservation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns the number of orders queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	released, err := s.ledger.ReleaseExpired(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	for _, r := range released {
		if seen[r.Reference] {
			continue
		}
		seen[r.Reference] = true
		job := models.OrderJob{OrderID: r.Reference, Reason: "sweep", EnqueuedAt: s.now()}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Error("Failed to enqueue swept order", zap.String("order_id", r.Reference), zap.Error(err))
		}
	}
	if len(released) > 0 {
		s.logger.Info("Released expired reservations",
			zap.Int("reservations", len(released)),
			zap.Int("orders", len(seen)))
	}
	return len(seen), nil
}
