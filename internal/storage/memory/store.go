package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"wallet/internal/core"
	"wallet/internal/storage"
)

type state struct {
	profiles     map[int64]core.Profile
	transactions map[int64]core.Transaction
	nextProfile  int64
	nextTx       int64
}

func (s *state) clone() *state {
	c := &state{
		profiles:     make(map[int64]core.Profile, len(s.profiles)),
		transactions: make(map[int64]core.Transaction, len(s.transactions)),
		nextProfile:  s.nextProfile,
		nextTx:       s.nextTx,
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	return c
}

// Store keeps profiles and transactions in process memory. WithinTx holds
// the store lock for the whole unit of work and stages writes on a copy,
// so a failed unit leaves nothing behind.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: &state{
		profiles:     make(map[int64]core.Profile),
		transactions: make(map[int64]core.Transaction),
	}}
}

// NewFromFiles seeds one zero-balance profile per username listed in
// base/seed_profiles.txt. Blank lines and # comments are ignored.
func NewFromFiles(base string) *Store {
	s := New()
	for _, name := range readLines(filepath.Join(base, "seed_profiles.txt")) {
		p := core.Profile{Username: name}
		_ = s.st.saveProfile(&p)
	}
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) Profiles() storage.ProfileStore         { return lockedProfiles{s: s} }
func (s *Store) Transactions() storage.TransactionStore { return lockedTransactions{s: s} }

// WithinTx implements storage.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(ctx, txView{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.st = staged
	return nil
}

type txView struct{ st *state }

func (v txView) Profiles() storage.ProfileStore         { return profileView{st: v.st} }
func (v txView) Transactions() storage.TransactionStore { return transactionView{st: v.st} }

func locked[T any](s *Store, fn func(st *state) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// lockedProfiles and lockedTransactions serve reads and writes outside
// a transaction, taking the store lock per call.
type lockedProfiles struct{ s *Store }

func (l lockedProfiles) FindByUser(ctx context.Context, username string) (core.Profile, error) {
	return locked(l.s, func(st *state) (core.Profile, error) { return profileView{st}.FindByUser(ctx, username) })
}

func (l lockedProfiles) FindByID(ctx context.Context, id int64) (core.Profile, error) {
	return locked(l.s, func(st *state) (core.Profile, error) { return profileView{st}.FindByID(ctx, id) })
}

func (l lockedProfiles) List(ctx context.Context) ([]core.Profile, error) {
	return locked(l.s, func(st *state) ([]core.Profile, error) { return profileView{st}.List(ctx) })
}

func (l lockedProfiles) Save(_ context.Context, p *core.Profile) error {
	_, err := locked(l.s, func(st *state) (struct{}, error) { return struct{}{}, st.saveProfile(p) })
	return err
}

type lockedTransactions struct{ s *Store }

func (l lockedTransactions) FindByID(ctx context.Context, id int64) (core.Transaction, error) {
	return locked(l.s, func(st *state) (core.Transaction, error) { return transactionView{st}.FindByID(ctx, id) })
}

func (l lockedTransactions) FindByProfileOrderByIDAsc(ctx context.Context, profileID int64) ([]core.Transaction, error) {
	return locked(l.s, func(st *state) ([]core.Transaction, error) {
		return transactionView{st}.FindByProfileOrderByIDAsc(ctx, profileID)
	})
}

func (l lockedTransactions) FindByProfileAndDirectionAndDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) ([]core.Transaction, error) {
	return locked(l.s, func(st *state) ([]core.Transaction, error) {
		return transactionView{st}.FindByProfileAndDirectionAndDateBetween(ctx, profileID, isIncome, from, to)
	})
}

func (l lockedTransactions) MaxCategoryByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (string, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return transactionView{l.s.st}.MaxCategoryByDateBetween(ctx, profileID, isIncome, from, to)
}

func (l lockedTransactions) MaxSumByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (core.Money, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return transactionView{l.s.st}.MaxSumByDateBetween(ctx, profileID, isIncome, from, to)
}

func (l lockedTransactions) Save(ctx context.Context, t *core.Transaction) error {
	_, err := locked(l.s, func(st *state) (struct{}, error) { return struct{}{}, transactionView{st}.Save(ctx, t) })
	return err
}

func (l lockedTransactions) DeleteByID(ctx context.Context, id int64) error {
	_, err := locked(l.s, func(st *state) (struct{}, error) { return struct{}{}, transactionView{st}.DeleteByID(ctx, id) })
	return err
}

// profileView and transactionView operate on a state without locking;
// the caller holds the store lock.
type profileView struct{ st *state }

func (v profileView) FindByUser(_ context.Context, username string) (core.Profile, error) {
	for _, p := range v.st.profiles {
		if p.Username == username {
			return p, nil
		}
	}
	return core.Profile{}, core.ErrNotFound
}

func (v profileView) FindByID(_ context.Context, id int64) (core.Profile, error) {
	p, ok := v.st.profiles[id]
	if !ok {
		return core.Profile{}, core.ErrNotFound
	}
	return p, nil
}

func (v profileView) List(_ context.Context) ([]core.Profile, error) {
	out := make([]core.Profile, 0, len(v.st.profiles))
	for _, p := range v.st.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v profileView) Save(_ context.Context, p *core.Profile) error {
	return v.st.saveProfile(p)
}

func (s *state) saveProfile(p *core.Profile) error {
	if p.ID == 0 {
		for _, existing := range s.profiles {
			if existing.Username == p.Username {
				return fmt.Errorf("create profile: username %q already exists", p.Username)
			}
		}
		s.nextProfile++
		p.ID = s.nextProfile
	} else if _, ok := s.profiles[p.ID]; !ok {
		return core.ErrNotFound
	}
	s.profiles[p.ID] = *p
	return nil
}

type transactionView struct{ st *state }

func (v transactionView) FindByID(_ context.Context, id int64) (core.Transaction, error) {
	t, ok := v.st.transactions[id]
	if !ok {
		return core.Transaction{}, core.ErrNotFound
	}
	return t, nil
}

func (v transactionView) FindByProfileOrderByIDAsc(_ context.Context, profileID int64) ([]core.Transaction, error) {
	return v.filter(func(t core.Transaction) bool { return t.ProfileID == profileID }), nil
}

func (v transactionView) FindByProfileAndDirectionAndDateBetween(_ context.Context, profileID int64, isIncome bool, from, to core.Date) ([]core.Transaction, error) {
	return v.filter(func(t core.Transaction) bool {
		return t.ProfileID == profileID && t.IsIncome == isIncome && t.Date.Within(from, to)
	}), nil
}

func (v transactionView) MaxCategoryByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (string, bool, error) {
	ts, _ := v.FindByProfileAndDirectionAndDateBetween(ctx, profileID, isIncome, from, to)
	best, ok := core.MaxCategory(ts)
	return best.Name, ok, nil
}

func (v transactionView) MaxSumByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (core.Money, bool, error) {
	ts, _ := v.FindByProfileAndDirectionAndDateBetween(ctx, profileID, isIncome, from, to)
	best, ok := core.MaxCategory(ts)
	return best.Amount, ok, nil
}

func (v transactionView) Save(_ context.Context, t *core.Transaction) error {
	if _, ok := v.st.profiles[t.ProfileID]; !ok {
		return fmt.Errorf("save transaction: profile %d does not exist", t.ProfileID)
	}
	if t.ID == 0 {
		v.st.nextTx++
		t.ID = v.st.nextTx
	} else if _, ok := v.st.transactions[t.ID]; !ok {
		return core.ErrNotFound
	}
	v.st.transactions[t.ID] = *t
	return nil
}

func (v transactionView) DeleteByID(_ context.Context, id int64) error {
	if _, ok := v.st.transactions[id]; !ok {
		return core.ErrNotFound
	}
	delete(v.st.transactions, id)
	return nil
}

// filter returns matching transactions in ascending id order.
func (v transactionView) filter(keep func(core.Transaction) bool) []core.Transaction {
	var out []core.Transaction
	for _, t := range v.st.transactions {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	seen := map[string]struct{}{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

var _ storage.Store = (*Store)(nil)
