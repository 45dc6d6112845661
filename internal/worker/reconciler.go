package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wallet/internal/core"
	"wallet/internal/events"
	"wallet/internal/log"
	"wallet/internal/storage"
)

// Drift describes a profile whose stored balance disagrees with the
// signed sum of its transactions.
type Drift struct {
	ProfileID    int64
	Username     string
	Stored       core.Money
	Computed     core.Money
	Transactions int
}

// Difference is stored minus computed.
func (d Drift) Difference() core.Money {
	return d.Stored.Sub(d.Computed)
}

// Reconciler audits the balance invariant. It only reports drift and
// never rewrites balances; repairs are an operator decision.
type Reconciler struct {
	store  storage.Store
	logger *log.Logger

	checked int64
	drifted int64
}

func NewReconciler(store storage.Store, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Reconciler{
		store:  store,
		logger: logger.WithComponent(log.ComponentReconciler),
	}
}

// CheckProfile compares one profile's balance with its transactions. The
// reads share a store transaction so a concurrent mutation cannot show up
// as false drift. ok is false when the profile is consistent.
func (r *Reconciler) CheckProfile(ctx context.Context, profileID int64) (drift Drift, ok bool, err error) {
	err = r.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.Profiles().FindByID(ctx, profileID)
		if err != nil {
			return err
		}
		ts, err := tx.Transactions().FindByProfileOrderByIDAsc(ctx, p.ID)
		if err != nil {
			return err
		}
		drift = Drift{
			ProfileID:    p.ID,
			Username:     p.Username,
			Stored:       p.Balance,
			Computed:     core.SignedSum(ts),
			Transactions: len(ts),
		}
		return nil
	})
	if err != nil {
		return Drift{}, false, core.Persistence("reconcile profile", err)
	}

	atomic.AddInt64(&r.checked, 1)
	if drift.Stored.Equal(drift.Computed) {
		return drift, false, nil
	}

	atomic.AddInt64(&r.drifted, 1)
	r.logger.ErrorContext(ctx, "Balance drift detected",
		log.FieldProfileID, drift.ProfileID,
		log.FieldUsername, drift.Username,
		log.FieldBalance, drift.Stored.String(),
		"computed_balance", drift.Computed.String(),
		"difference", drift.Difference().String(),
		"transactions", drift.Transactions,
		log.FieldOperation, log.OpReconcile)
	return drift, true, nil
}

// ReconcileAll checks every profile. A failing profile does not stop the
// pass; failures are joined into the returned error.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Drift, error) {
	start := time.Now()
	profiles, err := r.store.Profiles().List(ctx)
	if err != nil {
		return nil, core.Persistence("list profiles", err)
	}

	var (
		drifts []Drift
		errs   []error
	)
	for _, p := range profiles {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		d, ok, err := r.CheckProfile(ctx, p.ID)
		if err != nil {
			r.logger.WarnContext(ctx, "Failed to reconcile profile",
				log.FieldProfileID, p.ID,
				log.FieldError, err)
			errs = append(errs, fmt.Errorf("profile %d: %w", p.ID, err))
			continue
		}
		if ok {
			drifts = append(drifts, d)
		}
	}

	r.logger.InfoContext(ctx, "Reconciliation pass complete",
		"profiles", len(profiles),
		"drifted", len(drifts),
		"failed", len(errs),
		log.FieldDuration, time.Since(start).Milliseconds(),
		log.FieldOperation, log.OpReconcile)
	return drifts, errors.Join(errs...)
}

// HandleEvent re-checks the profile touched by a ledger event. Events for
// unknown profiles are acknowledged; store failures are returned so the
// transport can redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, e events.LedgerEvent) error {
	r.logger.DebugContext(ctx, "Processing ledger event",
		log.FieldEventID, e.ID,
		log.FieldEventType, string(e.Type),
		log.FieldProfileID, e.ProfileID,
		log.FieldTransactionID, e.TransactionID)

	_, _, err := r.CheckProfile(ctx, e.ProfileID)
	if errors.Is(err, core.ErrNotFound) {
		r.logger.WarnContext(ctx, "Ledger event for unknown profile",
			log.FieldEventID, e.ID,
			log.FieldProfileID, e.ProfileID)
		return nil
	}
	return err
}

// Run reconciles once at startup and then every interval until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	if _, err := r.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
		r.logger.ErrorContext(ctx, "Startup reconciliation failed", log.FieldError, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "Periodic reconciliation failed", log.FieldError, err)
			}
		}
	}
}

// Stats reports how many checks ran and how many found drift.
func (r *Reconciler) Stats() (checked, drifted int64) {
	return atomic.LoadInt64(&r.checked), atomic.LoadInt64(&r.drifted)
}
