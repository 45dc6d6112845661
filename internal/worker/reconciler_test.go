package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet/internal/core"
	"wallet/internal/events"
	"wallet/internal/log"
	"wallet/internal/services"
	"wallet/internal/storage/memory"
)

func seed(t *testing.T, store *memory.Store, username string, deltas ...int64) core.Profile {
	t.Helper()
	ctx := context.Background()
	ledger := services.NewLedgerService(store, nil, log.Discard())

	p, _, err := ledger.OpenProfile(ctx, username)
	require.NoError(t, err)
	for _, c := range deltas {
		amount := c
		if amount < 0 {
			amount = -amount
		}
		_, p, err = ledger.Add(ctx, p, core.Transaction{
			IsIncome: c > 0,
			Amount:   core.MoneyFromCents(amount),
			Category: "misc",
			Date:     core.NewDate(2025, 1, 2),
		})
		require.NoError(t, err)
	}
	return p
}

func corrupt(t *testing.T, store *memory.Store, p core.Profile, cents int64) {
	t.Helper()
	p.Balance = core.MoneyFromCents(cents)
	require.NoError(t, store.Profiles().Save(context.Background(), &p))
}

func TestReconcileAllConsistent(t *testing.T) {
	store := memory.New()
	seed(t, store, "alice", 1000, -250, -1)
	seed(t, store, "bob")

	r := NewReconciler(store, log.Discard())
	drifts, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)

	checked, drifted := r.Stats()
	assert.Equal(t, int64(2), checked)
	assert.Zero(t, drifted)
}

func TestReconcileAllReportsDriftWithoutRepairing(t *testing.T) {
	store := memory.New()
	alice := seed(t, store, "alice", 1000, -250)
	seed(t, store, "bob", 10)
	corrupt(t, store, alice, 700)

	r := NewReconciler(store, log.Discard())
	drifts, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, drifts, 1)

	d := drifts[0]
	assert.Equal(t, alice.ID, d.ProfileID)
	assert.Equal(t, "alice", d.Username)
	assert.True(t, d.Computed.Equal(core.MoneyFromCents(750)), "computed %s", d.Computed)
	assert.True(t, d.Difference().Equal(core.MoneyFromCents(-50)), "difference %s", d.Difference())
	assert.Equal(t, 2, d.Transactions)

	stored, err := store.Profiles().FindByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(core.MoneyFromCents(700)), "balance must be left untouched")
}

func TestHandleEvent(t *testing.T) {
	store := memory.New()
	alice := seed(t, store, "alice", 500)
	r := NewReconciler(store, log.Discard())
	ctx := context.Background()

	e := events.New(events.TransactionCreated, 1, core.MoneyFromCents(500), alice)
	require.NoError(t, r.HandleEvent(ctx, e))

	corrupt(t, store, alice, 1)
	require.NoError(t, r.HandleEvent(ctx, e), "drift is reported, not retried")
	_, drifted := r.Stats()
	assert.Equal(t, int64(1), drifted)

	ghost := events.New(events.TransactionDeleted, 9, core.Zero, core.Profile{ID: 999, Username: "ghost"})
	assert.NoError(t, r.HandleEvent(ctx, ghost), "unknown profiles are acknowledged")
}

func TestCheckProfileUnknown(t *testing.T) {
	r := NewReconciler(memory.New(), log.Discard())
	_, _, err := r.CheckProfile(context.Background(), 42)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.New()
	seed(t, store, "alice", 100)
	r := NewReconciler(store, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		checked, _ := r.Stats()
		return checked >= 2
	}, time.Second, 5*time.Millisecond, "startup pass and at least one tick")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Error(t, r.Run(context.Background(), 0))
}
