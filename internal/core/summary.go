package core

import "sort"

// NothingCategory is reported when no transaction matches a window.
const NothingCategory = "nothing"

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount Money
}

// Summary is a compact report for a profile over a date window.
type Summary struct {
	From       Date
	To         Date
	Income     Money
	Expense    Money
	Net        Money
	TopIncome  CategoryAmount
	TopExpense CategoryAmount
	Balance    Money
}

// SumAmounts adds up the unsigned amounts of ts.
func SumAmounts(ts []Transaction) Money {
	sum := Zero
	for _, t := range ts {
		sum = sum.Add(t.Amount)
	}
	return sum
}

// MaxCategory returns the category with the highest aggregate amount in ts.
// Ties go to the lexicographically smallest name. ok is false when ts is
// empty.
func MaxCategory(ts []Transaction) (best CategoryAmount, ok bool) {
	if len(ts) == 0 {
		return CategoryAmount{Name: NothingCategory, Amount: Zero}, false
	}
	totals := make(map[string]Money)
	for _, t := range ts {
		totals[t.Category] = totals[t.Category].Add(t.Amount)
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	best = CategoryAmount{Name: names[0], Amount: totals[names[0]]}
	for _, name := range names[1:] {
		if totals[name].Cmp(best.Amount) > 0 {
			best = CategoryAmount{Name: name, Amount: totals[name]}
		}
	}
	return best, true
}
