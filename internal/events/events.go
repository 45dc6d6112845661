// Package events describes the notifications emitted after a ledger
// mutation has been committed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"wallet/internal/core"
)

type Type string

const (
	TransactionCreated Type = "transaction.created"
	TransactionAmended Type = "transaction.amended"
	TransactionDeleted Type = "transaction.deleted"
)

func (t Type) Valid() bool {
	switch t {
	case TransactionCreated, TransactionAmended, TransactionDeleted:
		return true
	}
	return false
}

// LedgerEvent records one committed change to a profile balance. Delta is
// the signed change applied by this mutation; BalanceAfter is the stored
// balance once it committed.
type LedgerEvent struct {
	ID            string     `json:"id"`
	Type          Type       `json:"type"`
	ProfileID     int64      `json:"profile_id"`
	Username      string     `json:"username"`
	TransactionID int64      `json:"transaction_id"`
	Delta         core.Money `json:"delta"`
	BalanceAfter  core.Money `json:"balance_after"`
	Timestamp     time.Time  `json:"timestamp"`
}

func New(typ Type, transactionID int64, delta core.Money, p core.Profile) LedgerEvent {
	return LedgerEvent{
		ID:            uuid.NewString(),
		Type:          typ,
		ProfileID:     p.ID,
		Username:      p.Username,
		TransactionID: transactionID,
		Delta:         delta,
		BalanceAfter:  p.Balance,
		Timestamp:     time.Now().UTC(),
	}
}

// Key partitions events by profile so one profile's events stay ordered.
func (e LedgerEvent) Key() []byte {
	return []byte(strconv.FormatInt(e.ProfileID, 10))
}

func (e LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (LedgerEvent, error) {
	var e LedgerEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return LedgerEvent{}, fmt.Errorf("decode ledger event: %w", err)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return LedgerEvent{}, fmt.Errorf("decode ledger event: bad id %q: %w", e.ID, err)
	}
	if !e.Type.Valid() {
		return LedgerEvent{}, fmt.Errorf("decode ledger event: unknown type %q", e.Type)
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e LedgerEvent) error
	Close() error
}

type Handler func(ctx context.Context, e LedgerEvent) error

type Consumer interface {
	// Consume blocks, delivering events to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Nop discards events. Used when EVENTS_BACKEND=none.
type Nop struct{}

func (Nop) Publish(context.Context, LedgerEvent) error { return nil }
func (Nop) Close() error                               { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []LedgerEvent
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []LedgerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LedgerEvent(nil), r.events...)
}

// ErrClosed is returned by consumers whose connection went away.
var ErrClosed = errors.New("event stream closed")
