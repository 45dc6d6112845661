package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wallet/internal/core"
	"wallet/internal/events"
	"wallet/internal/log"
	"wallet/internal/storage"
)

// LedgerService is the only writer of profile balances. Every mutation
// writes the transaction row and the profile balance in one store
// transaction, with the profile read under a write lock.
type LedgerService struct {
	store      storage.Store
	publisher  events.Publisher
	logger     *log.Logger
	structured *log.StructuredLogger
}

// NewLedgerService wires the service. publisher may be nil.
func NewLedgerService(store storage.Store, publisher events.Publisher, logger *log.Logger) *LedgerService {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentLedger)
	return &LedgerService{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		structured: log.NewStructuredLogger(logger),
	}
}

// AmendRequest carries the new field values of an existing transaction.
// A nil Amount leaves the amount unchanged; Category, Date and Message
// always replace the stored values.
type AmendRequest struct {
	Owner         string
	TransactionID int64
	Message       string
	Category      string
	Amount        *core.Money
	Date          string
}

// Add stores t for profile and applies its delta to the balance. The
// profile is resolved by id, or by username when the id is zero.
func (s *LedgerService) Add(ctx context.Context, profile core.Profile, t core.Transaction) (core.Transaction, core.Profile, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, core.Profile{}, s.fail(ctx, log.OpAdd, err)
	}

	var (
		saved   core.Transaction
		updated core.Profile
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := lockProfile(ctx, tx, profile)
		if err != nil {
			return err
		}

		t.ID = 0
		t.ProfileID = locked.ID
		if err := tx.Transactions().Save(ctx, &t); err != nil {
			return core.Persistence("save transaction", err)
		}

		locked = locked.Apply(t.Delta())
		if err := tx.Profiles().Save(ctx, &locked); err != nil {
			return core.Persistence("save profile", err)
		}

		saved, updated = t, locked
		return nil
	})
	if err != nil {
		return core.Transaction{}, core.Profile{}, s.fail(ctx, log.OpAdd, storeError("add transaction", err))
	}

	s.structured.LogLedgerChange(ctx, log.OpAdd, saved, updated)
	s.publish(ctx, events.New(events.TransactionCreated, saved.ID, saved.Delta(), updated))
	return saved, updated, nil
}

// Amend updates a transaction owned by req.Owner. When the amount
// changes the old delta is reversed and the new one applied; the
// direction never changes.
func (s *LedgerService) Amend(ctx context.Context, req AmendRequest) (core.Transaction, core.Profile, error) {
	var (
		saved   core.Transaction
		updated core.Profile
		delta   = core.Zero
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.Profiles().FindByUser(ctx, req.Owner)
		if err != nil {
			return core.Persistence("lock profile", err)
		}

		t, err := lookupOwned(ctx, tx.Transactions(), req.TransactionID, locked)
		if err != nil {
			return err
		}

		// Ownership is checked first so foreign ids never reach validation.
		date, err := core.ParseDate(req.Date)
		if err != nil {
			return err
		}
		if req.Amount != nil {
			if err := req.Amount.Validate(); err != nil {
				return err
			}
		}

		if req.Amount != nil && !req.Amount.Equal(t.Amount) {
			old := t.Delta()
			t.Amount = *req.Amount
			delta = t.Delta().Sub(old)
		}
		t.Category = req.Category
		t.Date = date
		t.Message = req.Message
		if err := t.Validate(); err != nil {
			return err
		}

		if err := tx.Transactions().Save(ctx, &t); err != nil {
			return core.Persistence("save transaction", err)
		}
		if !delta.IsZero() {
			locked = locked.Apply(delta)
			if err := tx.Profiles().Save(ctx, &locked); err != nil {
				return core.Persistence("save profile", err)
			}
		}

		saved, updated = t, locked
		return nil
	})
	if err != nil {
		return core.Transaction{}, core.Profile{}, s.fail(ctx, log.OpAmend, storeError("amend transaction", err))
	}

	s.structured.LogLedgerChange(ctx, log.OpAmend, saved, updated)
	s.publish(ctx, events.New(events.TransactionAmended, saved.ID, delta, updated))
	return saved, updated, nil
}

// Delete removes a transaction owned by owner and reverses its delta.
func (s *LedgerService) Delete(ctx context.Context, transactionID int64, owner string) (core.Profile, error) {
	var (
		removed core.Transaction
		updated core.Profile
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.Profiles().FindByUser(ctx, owner)
		if err != nil {
			return core.Persistence("lock profile", err)
		}

		t, err := lookupOwned(ctx, tx.Transactions(), transactionID, locked)
		if err != nil {
			return err
		}
		// reversal comes from the stored record, read before it is removed
		reversal := t.Delta().Neg()

		if err := tx.Transactions().DeleteByID(ctx, t.ID); err != nil {
			return core.Persistence("delete transaction", err)
		}
		locked = locked.Apply(reversal)
		if err := tx.Profiles().Save(ctx, &locked); err != nil {
			return core.Persistence("save profile", err)
		}

		removed, updated = t, locked
		return nil
	})
	if err != nil {
		return core.Profile{}, s.fail(ctx, log.OpDelete, storeError("delete transaction", err))
	}

	s.structured.LogLedgerChange(ctx, log.OpDelete, removed, updated)
	s.publish(ctx, events.New(events.TransactionDeleted, removed.ID, removed.Delta().Neg(), updated))
	return updated, nil
}

// OpenProfile returns the profile of username, creating it with a zero
// balance on first use. created reports whether this call inserted it.
func (s *LedgerService) OpenProfile(ctx context.Context, username string) (p core.Profile, created bool, err error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return core.Profile{}, false, s.fail(ctx, log.OpOpen, core.ErrEmptyUsername)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.Profiles().FindByUser(ctx, username)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return core.Persistence("get profile", err)
		}
		p = core.Profile{Username: username, Balance: core.Zero}
		if err := tx.Profiles().Save(ctx, &p); err != nil {
			return core.Persistence("create profile", err)
		}
		created = true
		return nil
	})
	if err != nil {
		// a concurrent open may have won the insert
		if existing, findErr := s.store.Profiles().FindByUser(ctx, username); findErr == nil {
			return existing, false, nil
		}
		return core.Profile{}, false, s.fail(ctx, log.OpOpen, storeError("open profile", err))
	}

	if created {
		s.logger.InfoContext(ctx, "Profile created",
			log.FieldProfileID, p.ID,
			log.FieldUsername, p.Username,
			log.FieldOperation, log.OpOpen)
	}
	return p, created, nil
}

// Lookup returns a transaction by id regardless of owner.
func (s *LedgerService) Lookup(ctx context.Context, id int64) (core.Transaction, error) {
	t, err := s.store.Transactions().FindByID(ctx, id)
	if err != nil {
		return core.Transaction{}, core.Persistence("get transaction", err)
	}
	return t, nil
}

// LookupOwned is Lookup restricted to transactions of profile. A foreign
// transaction is reported as ErrNotFound.
func (s *LedgerService) LookupOwned(ctx context.Context, id int64, profile core.Profile) (core.Transaction, error) {
	return lookupOwned(ctx, s.store.Transactions(), id, profile)
}

// Profile returns the profile of owner with its current balance.
func (s *LedgerService) Profile(ctx context.Context, owner string) (core.Profile, error) {
	p, err := s.store.Profiles().FindByUser(ctx, owner)
	if err != nil {
		return core.Profile{}, core.Persistence("get profile", err)
	}
	return p, nil
}

func lockProfile(ctx context.Context, tx storage.Tx, p core.Profile) (core.Profile, error) {
	var (
		locked core.Profile
		err    error
	)
	if p.ID != 0 {
		locked, err = tx.Profiles().FindByID(ctx, p.ID)
	} else {
		locked, err = tx.Profiles().FindByUser(ctx, p.Username)
	}
	if err != nil {
		return core.Profile{}, core.Persistence("lock profile", err)
	}
	return locked, nil
}

func lookupOwned(ctx context.Context, ts storage.TransactionStore, id int64, owner core.Profile) (core.Transaction, error) {
	t, err := ts.FindByID(ctx, id)
	if err != nil {
		return core.Transaction{}, core.Persistence("get transaction", err)
	}
	if !owner.Owns(t) {
		return core.Transaction{}, core.ErrNotFound
	}
	return t, nil
}

// storeError classifies an error returned by WithinTx. Begin and commit
// failures surface here unwrapped.
func storeError(op string, err error) error {
	if core.IsValidation(err) {
		return err
	}
	return core.Persistence(op, err)
}

func (s *LedgerService) fail(ctx context.Context, op string, err error) error {
	fields := log.NewFields().WithOperation(op).WithError(err)
	switch {
	case core.IsValidation(err):
		s.logger.WarnContext(ctx, "Rejected ledger operation", fields.ToSlice()...)
	case errors.Is(err, core.ErrNotFound):
		s.logger.InfoContext(ctx, "Ledger operation target not found", fields.ToSlice()...)
	default:
		s.structured.LogError(ctx, "Ledger operation failed", err, log.ComponentLedger, op, nil)
	}
	return err
}

// publish is best effort: the change is already committed.
func (s *LedgerService) publish(ctx context.Context, e events.LedgerEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish ledger event",
			log.FieldEventID, e.ID,
			log.FieldEventType, string(e.Type),
			log.FieldProfileID, e.ProfileID,
			log.FieldError, err)
	}
}

// Close releases the store and the publisher.
func (s *LedgerService) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}
