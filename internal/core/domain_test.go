package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"2025-01-01", true},
		{"2024-02-29", true},
		{" 2025-12-31 ", true},
		{"2025-02-30", false},
		{"2025-13-01", false},
		{"01/02/2025", false},
		{"2025-01-01T10:00:00Z", false},
		{"", false},
	}
	for i, tc := range cases {
		d, err := ParseDate(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if tc.ok && d.String() != strings.TrimSpace(tc.in) {
			t.Fatalf("case %d round trip = %s", i, d)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidDate) {
			t.Fatalf("case %d expected ErrInvalidDate, got %v", i, err)
		}
	}
}

func TestDateWithinIsInclusive(t *testing.T) {
	from, to := NewDate(2025, 3, 1), NewDate(2025, 3, 31)
	for _, d := range []Date{from, to, NewDate(2025, 3, 15)} {
		if !d.Within(from, to) {
			t.Fatalf("%s should be within window", d)
		}
	}
	for _, d := range []Date{NewDate(2025, 2, 28), NewDate(2025, 4, 1)} {
		if d.Within(from, to) {
			t.Fatalf("%s should be outside window", d)
		}
	}
}

func TestTransactionDelta(t *testing.T) {
	income := Transaction{IsIncome: true, Amount: MoneyFromCents(10000)}
	expense := Transaction{IsIncome: false, Amount: MoneyFromCents(3000)}

	if !income.Delta().Equal(MoneyFromCents(10000)) {
		t.Fatalf("income delta = %s", income.Delta())
	}
	if !expense.Delta().Equal(MoneyFromCents(-3000)) {
		t.Fatalf("expense delta = %s", expense.Delta())
	}
	if got := SignedSum([]Transaction{income, expense}); !got.Equal(MoneyFromCents(7000)) {
		t.Fatalf("signed sum = %s", got)
	}
}

func TestTransactionValidate(t *testing.T) {
	good := Transaction{
		Amount:   MoneyFromCents(100),
		Category: "Food",
		Date:     NewDate(2025, 1, 1),
		Message:  "ok",
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []struct {
		tx   Transaction
		want error
	}{
		{Transaction{Amount: Zero, Category: "c", Date: NewDate(2025, 1, 1)}, ErrInvalidAmount},
		{Transaction{Amount: MoneyFromCents(-1), Category: "c", Date: NewDate(2025, 1, 1)}, ErrInvalidAmount},
		{Transaction{Amount: MoneyFromCents(1), Category: "c", Date: Date{Time: time.Time{}}}, ErrInvalidDate},
		{Transaction{Amount: MoneyFromCents(1), Category: " ", Date: NewDate(2025, 1, 1)}, ErrEmptyCategory},
		{Transaction{Amount: MoneyFromCents(1), Category: "c", Date: NewDate(2025, 1, 1), Message: strings.Repeat("x", MaxMessageLength+1)}, ErrMessageTooLong},
	}
	for i, tc := range bads {
		if err := tc.tx.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("case %d expected %v, got %v", i, tc.want, err)
		}
	}
}

func TestProfileOwnsAndApply(t *testing.T) {
	p := Profile{ID: 1, Balance: MoneyFromCents(5000)}
	if !p.Owns(Transaction{ProfileID: 1}) || p.Owns(Transaction{ProfileID: 2}) {
		t.Fatalf("ownership check broken")
	}
	if (Profile{}).Owns(Transaction{}) {
		t.Fatalf("unsaved profile must not own anything")
	}
	if got := p.Apply(MoneyFromCents(-3000)).Balance; !got.Equal(MoneyFromCents(2000)) {
		t.Fatalf("apply = %s", got)
	}
}

func TestMaxCategory(t *testing.T) {
	best, ok := MaxCategory(nil)
	if ok || best.Name != NothingCategory || !best.Amount.IsZero() {
		t.Fatalf("empty fallback = %+v ok=%v", best, ok)
	}

	ts := []Transaction{
		{Category: "Rent", Amount: MoneyFromCents(50000)},
		{Category: "Food", Amount: MoneyFromCents(30000)},
		{Category: "Food", Amount: MoneyFromCents(25000)},
		{Category: "Fun", Amount: MoneyFromCents(1000)},
	}
	best, ok = MaxCategory(ts)
	if !ok || best.Name != "Food" || !best.Amount.Equal(MoneyFromCents(55000)) {
		t.Fatalf("unexpected best %+v", best)
	}

	tie := []Transaction{
		{Category: "B", Amount: MoneyFromCents(100)},
		{Category: "A", Amount: MoneyFromCents(100)},
	}
	if best, _ := MaxCategory(tie); best.Name != "A" {
		t.Fatalf("tie should go to A, got %s", best.Name)
	}
}

func TestPersistenceWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("save profile", cause)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("wrapped error lost its kinds: %v", err)
	}
	if Persistence("x", ErrNotFound) != ErrNotFound {
		t.Fatalf("not found must pass through")
	}
	if Persistence("x", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if !IsValidation(ErrInvalidDate) || IsValidation(err) {
		t.Fatalf("IsValidation misclassifies")
	}
}
