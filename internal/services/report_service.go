package services

import (
	"context"
	"fmt"
	"slices"

	"wallet/internal/core"
	"wallet/internal/log"
	"wallet/internal/storage"
)

// ReportService answers read-only aggregation queries. It never takes
// profile locks.
type ReportService struct {
	store  storage.Store
	logger *log.Logger
}

func NewReportService(store storage.Store, logger *log.Logger) *ReportService {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &ReportService{store: store, logger: logger.WithComponent(log.ComponentReport)}
}

// RecentTransactions returns the profile's transactions newest id first.
// The order follows insertion, not the transaction date.
func (s *ReportService) RecentTransactions(ctx context.Context, profile core.Profile) ([]core.Transaction, error) {
	ts, err := s.store.Transactions().FindByProfileOrderByIDAsc(ctx, profile.ID)
	if err != nil {
		return nil, core.Persistence("list transactions", err)
	}
	slices.Reverse(ts)
	return ts, nil
}

func (s *ReportService) RecentTransactionsByUser(ctx context.Context, username string) ([]core.Transaction, error) {
	p, err := s.store.Profiles().FindByUser(ctx, username)
	if err != nil {
		return nil, core.Persistence("get profile", err)
	}
	return s.RecentTransactions(ctx, p)
}

// SumBetween sums the amounts of one direction dated within [from, to].
func (s *ReportService) SumBetween(ctx context.Context, profile core.Profile, isIncome bool, from, to core.Date) (core.Money, error) {
	ts, err := s.store.Transactions().FindByProfileAndDirectionAndDateBetween(ctx, profile.ID, isIncome, from, to)
	if err != nil {
		return core.Zero, core.Persistence("sum transactions", err)
	}
	return core.SumAmounts(ts), nil
}

// MaxCategoryBetween returns the category with the largest total in
// [from, to], or "nothing" with a zero amount when the window is empty.
func (s *ReportService) MaxCategoryBetween(ctx context.Context, profile core.Profile, isIncome bool, from, to core.Date) (core.CategoryAmount, error) {
	fallback := core.CategoryAmount{Name: core.NothingCategory, Amount: core.Zero}

	name, ok, err := s.store.Transactions().MaxCategoryByDateBetween(ctx, profile.ID, isIncome, from, to)
	if err != nil {
		return fallback, core.Persistence("max category", err)
	}
	if !ok {
		return fallback, nil
	}

	sum, ok, err := s.store.Transactions().MaxSumByDateBetween(ctx, profile.ID, isIncome, from, to)
	if err != nil {
		return fallback, core.Persistence("max category sum", err)
	}
	if !ok {
		// window emptied between the two reads
		return fallback, nil
	}
	return core.CategoryAmount{Name: name, Amount: sum}, nil
}

// Summary reports income, expense and top categories over [from, to]
// together with the current balance.
func (s *ReportService) Summary(ctx context.Context, profile core.Profile, from, to core.Date) (core.Summary, error) {
	if to.Before(from.Time) {
		return core.Summary{}, fmt.Errorf("window ends %s before it starts %s: %w", to, from, core.ErrInvalidDate)
	}

	current, err := s.store.Profiles().FindByID(ctx, profile.ID)
	if err != nil {
		return core.Summary{}, core.Persistence("get profile", err)
	}

	sum := core.Summary{From: from, To: to, Balance: current.Balance}
	if sum.Income, err = s.SumBetween(ctx, current, true, from, to); err != nil {
		return core.Summary{}, err
	}
	if sum.Expense, err = s.SumBetween(ctx, current, false, from, to); err != nil {
		return core.Summary{}, err
	}
	if sum.TopIncome, err = s.MaxCategoryBetween(ctx, current, true, from, to); err != nil {
		return core.Summary{}, err
	}
	if sum.TopExpense, err = s.MaxCategoryBetween(ctx, current, false, from, to); err != nil {
		return core.Summary{}, err
	}
	sum.Net = sum.Income.Sub(sum.Expense)

	s.logger.DebugContext(ctx, "Summary computed",
		log.FieldProfileID, current.ID,
		log.FieldOperation, log.OpReport,
		"from", from.String(),
		"to", to.String())
	return sum, nil
}
