package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired int
	Resumed int
	Pending int
	Failed  int
}

// Sweeper expires abandoned checkouts and resumes settlements stranded
// between payment verification and completion.
type Sweeper struct {
	svc    *Service
	store  Store
	config Config
	logger *slog.Logger
}

// NewSweeper creates a sweeper over the service's store.
func NewSweeper(svc *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:    svc,
		store:  svc.store,
		config: svc.config,
		logger: logger,
	}
}

// Run sweeps every SweepInterval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	interval := w.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("settlement sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("settlement sweeper stopped")
			return
		case <-ticker.C:
			res, err := w.SweepOnce(ctx)
			if err != nil {
				w.logger.Error("settlement sweep failed", "error", err)
				continue
			}
			if res != (SweepResult{}) {
				w.logger.Info("settlement sweep completed",
					"expired", res.Expired,
					"resumed", res.Resumed,
					"pending", res.Pending,
					"failed", res.Failed,
				)
			}
		}
	}
}

// SweepOnce runs a single pass.
func (w *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := w.svc.now()
	batch := w.config.SweepBatch
	if batch <= 0 {
		batch = 50
	}

	if w.config.PendingTTL > 0 {
		stale, err := w.store.ListByState(ctx, StatePendingPayment, now.Add(-w.config.PendingTTL), batch)
		if err != nil {
			return res, err
		}
		for _, rec := range stale {
			if _, err := w.svc.Expire(ctx, rec.Reference); err != nil {
				if !skippable(err) {
					w.logger.Warn("expire failed", "reference", rec.Reference, "error", err)
					res.Failed++
				}
				continue
			}
			res.Expired++
		}
	}

	for _, state := range []State{StateVendorOrderPlaced, StatePaymentVerified} {
		stuck, err := w.store.ListByState(ctx, state, now.Add(-w.config.ResumeAfter), batch)
		if err != nil {
			return res, err
		}
		for _, rec := range stuck {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if _, err := w.svc.Resume(ctx, rec.Reference); err != nil {
				if errors.Is(err, ErrVendorPending) {
					res.Pending++
					continue
				}
				if !skippable(err) {
					w.logger.Warn("resume failed", "reference", rec.Reference, "state", state, "error", err)
					res.Failed++
				}
				continue
			}
			res.Resumed++
		}
	}

	return res, nil
}

// skippable errors mean another writer already moved the record on.
func skippable(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConflict)
}
