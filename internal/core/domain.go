package core

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DateLayout is the ISO-8601 calendar date layout used on every boundary.
const DateLayout = "2006-01-02"

// MaxMessageLength bounds the free-text message of a transaction.
const MaxMessageLength = 255

type (
	Date struct {
		time.Time
	}

	// Transaction is a single income or expense owned by one profile.
	Transaction struct {
		ID        int64
		ProfileID int64
		IsIncome  bool
		Amount    Money // always > 0; direction carries the sign
		Category  string
		Date      Date
		Message   string
	}

	// Profile is the aggregate root holding a user's balance. Only the
	// ledger service changes Balance.
	Profile struct {
		ID       int64
		Username string
		Balance  Money
	}
)

// ParseDate parses an ISO-8601 calendar date (YYYY-MM-DD).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return Date{Time: t}, nil
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format(DateLayout)
}

// Within reports whether d falls in [from, to], both ends inclusive.
func (d Date) Within(from, to Date) bool {
	return !d.Before(from.Time) && !d.After(to.Time)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Delta is the signed balance change this transaction contributes.
func (t Transaction) Delta() Money {
	if t.IsIncome {
		return t.Amount
	}
	return t.Amount.Neg()
}

// Direction names the transaction direction for logs and events.
func (t Transaction) Direction() string {
	if t.IsIncome {
		return "income"
	}
	return "expense"
}

func (t Transaction) Validate() error {
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if utf8.RuneCountInString(t.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Apply returns the profile with delta added to its balance.
func (p Profile) Apply(delta Money) Profile {
	p.Balance = p.Balance.Add(delta)
	return p
}

// Owns reports whether t belongs to p.
func (p Profile) Owns(t Transaction) bool {
	return p.ID != 0 && t.ProfileID == p.ID
}

// SignedSum returns the sum of the deltas of ts. For a consistent profile
// it equals the stored balance.
func SignedSum(ts []Transaction) Money {
	sum := Zero
	for _, t := range ts {
		sum = sum.Add(t.Delta())
	}
	return sum
}
