package storage

import (
	"context"

	"wallet/internal/core"
)

// Ports implemented by the memory, SQLite and Postgres stores.
type (
	ProfileStore interface {
		// FindByUser returns the profile of username. Inside WithinTx the
		// profile row is locked until the transaction ends.
		FindByUser(ctx context.Context, username string) (core.Profile, error)
		FindByID(ctx context.Context, id int64) (core.Profile, error)
		List(ctx context.Context) ([]core.Profile, error)
		// Save inserts the profile when p.ID is zero and assigns the id.
		Save(ctx context.Context, p *core.Profile) error
	}

	TransactionStore interface {
		FindByID(ctx context.Context, id int64) (core.Transaction, error)
		FindByProfileOrderByIDAsc(ctx context.Context, profileID int64) ([]core.Transaction, error)
		FindByProfileAndDirectionAndDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) ([]core.Transaction, error)
		// MaxCategoryByDateBetween returns the category with the largest
		// aggregate amount; ok is false when nothing matches.
		MaxCategoryByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (category string, ok bool, err error)
		// MaxSumByDateBetween returns the aggregate amount of that category.
		MaxSumByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (sum core.Money, ok bool, err error)
		// Save inserts the transaction when t.ID is zero and assigns the id.
		Save(ctx context.Context, t *core.Transaction) error
		DeleteByID(ctx context.Context, id int64) error
	}

	// Tx scopes both stores to one unit of work.
	Tx interface {
		Profiles() ProfileStore
		Transactions() TransactionStore
	}

	// Store is the persistence collaborator of the ledger. Its own Tx
	// methods read outside any transaction.
	Store interface {
		Tx
		// WithinTx runs fn in a transaction. It commits when fn returns nil
		// and rolls back when fn returns an error or panics.
		WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
		Close() error
	}
)
