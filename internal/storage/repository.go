package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wallet/internal/core"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect captures the few differences between SQLite and Postgres.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// appended to profile reads inside a transaction
	lockSuffix string
	// expression selecting transaction_date as YYYY-MM-DD text
	dateExpr string
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		dateExpr: "transaction_date",
	}
	postgresDialect = dialect{
		name:       "postgres",
		numbered:   true,
		lockSuffix: " FOR UPDATE",
		dateExpr:   "to_char(transaction_date, 'YYYY-MM-DD')",
	}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLRepository implements Store on top of database/sql.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteRepository opens (creating if needed) the SQLite database at
// dbPath and applies migrations.
func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes write transactions, which is how
	// profile rows are locked on SQLite.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations("sqlite", dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLRepository{db: db, dialect: sqliteDialect}, nil
}

// NewPostgresRepository connects to Postgres through lib/pq and applies
// migrations.
func NewPostgresRepository(ctx context.Context, dsn string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations("postgres", dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLRepository{db: db, dialect: postgresDialect}, nil
}

func (r *SQLRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Dialect returns "sqlite" or "postgres".
func (r *SQLRepository) Dialect() string { return r.dialect.name }

func (r *SQLRepository) Profiles() ProfileStore {
	return sqlProfiles{scope: sqlScope{q: r.db, d: r.dialect}}
}

func (r *SQLRepository) Transactions() TransactionStore {
	return sqlTransactions{scope: sqlScope{q: r.db, d: r.dialect}}
}

// WithinTx implements Store.
func (r *SQLRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.WarnContext(ctx, "Rollback failed", "error", rbErr, "dialect", r.dialect.name)
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err = fn(ctx, sqlScope{q: tx, d: r.dialect, locking: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// sqlScope binds queries to a connection or a transaction.
type sqlScope struct {
	q       queryer
	d       dialect
	locking bool
}

func (s sqlScope) Profiles() ProfileStore         { return sqlProfiles{scope: s} }
func (s sqlScope) Transactions() TransactionStore { return sqlTransactions{scope: s} }

type sqlProfiles struct{ scope sqlScope }

const profileColumns = "id, username, balance"

func (p sqlProfiles) findOne(ctx context.Context, where string, arg any) (core.Profile, error) {
	query := "SELECT " + profileColumns + " FROM profiles WHERE " + where
	if p.scope.locking {
		query += p.scope.d.lockSuffix
	}

	var out core.Profile
	err := p.scope.q.QueryRowContext(ctx, p.scope.d.rebind(query), arg).
		Scan(&out.ID, &out.Username, &out.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Profile{}, core.ErrNotFound
	}
	if err != nil {
		return core.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return out, nil
}

func (p sqlProfiles) FindByUser(ctx context.Context, username string) (core.Profile, error) {
	return p.findOne(ctx, "username = ?", username)
}

func (p sqlProfiles) FindByID(ctx context.Context, id int64) (core.Profile, error) {
	return p.findOne(ctx, "id = ?", id)
}

func (p sqlProfiles) List(ctx context.Context) ([]core.Profile, error) {
	rows, err := p.scope.q.QueryContext(ctx, "SELECT "+profileColumns+" FROM profiles ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []core.Profile
	for rows.Next() {
		var pr core.Profile
		if err := rows.Scan(&pr.ID, &pr.Username, &pr.Balance); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

func (p sqlProfiles) Save(ctx context.Context, pr *core.Profile) error {
	if pr.ID == 0 {
		query := p.scope.d.rebind("INSERT INTO profiles (username, balance) VALUES (?, ?) RETURNING id")
		if err := p.scope.q.QueryRowContext(ctx, query, pr.Username, pr.Balance).Scan(&pr.ID); err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		slog.DebugContext(ctx, "Profile created", "profile_id", pr.ID, "username", pr.Username)
		return nil
	}

	query := p.scope.d.rebind("UPDATE profiles SET username = ?, balance = ? WHERE id = ?")
	res, err := p.scope.q.ExecContext(ctx, query, pr.Username, pr.Balance, pr.ID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return expectOneRow(res, "update profile")
}

type sqlTransactions struct{ scope sqlScope }

func (t sqlTransactions) columns() string {
	return "id, profile_id, is_income, amount, category, " + t.scope.d.dateExpr + ", message"
}

func (t sqlTransactions) list(ctx context.Context, where string, args ...any) ([]core.Transaction, error) {
	query := "SELECT " + t.columns() + " FROM transactions WHERE " + where + " ORDER BY id ASC"
	rows, err := t.scope.q.QueryContext(ctx, t.scope.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		tx   core.Transaction
		date string
	)
	if err := row.Scan(&tx.ID, &tx.ProfileID, &tx.IsIncome, &tx.Amount, &tx.Category, &date, &tx.Message); err != nil {
		return core.Transaction{}, err
	}
	d, err := core.ParseDate(date)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("stored date %q of transaction %d: %w", date, tx.ID, err)
	}
	tx.Date = d
	return tx, nil
}

func (t sqlTransactions) FindByID(ctx context.Context, id int64) (core.Transaction, error) {
	query := t.scope.d.rebind("SELECT " + t.columns() + " FROM transactions WHERE id = ?")
	tx, err := scanTransaction(t.scope.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction by id: %w", err)
	}
	return tx, nil
}

func (t sqlTransactions) FindByProfileOrderByIDAsc(ctx context.Context, profileID int64) ([]core.Transaction, error) {
	return t.list(ctx, "profile_id = ?", profileID)
}

func (t sqlTransactions) FindByProfileAndDirectionAndDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) ([]core.Transaction, error) {
	return t.list(ctx, "profile_id = ? AND is_income = ? AND transaction_date BETWEEN ? AND ?",
		profileID, isIncome, from.String(), to.String())
}

// Aggregates are computed from decimal rows in Go: SQLite would sum the
// TEXT amounts as floating point.
func (t sqlTransactions) maxCategory(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (core.CategoryAmount, bool, error) {
	ts, err := t.FindByProfileAndDirectionAndDateBetween(ctx, profileID, isIncome, from, to)
	if err != nil {
		return core.CategoryAmount{}, false, err
	}
	best, ok := core.MaxCategory(ts)
	return best, ok, nil
}

func (t sqlTransactions) MaxCategoryByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (string, bool, error) {
	best, ok, err := t.maxCategory(ctx, profileID, isIncome, from, to)
	return best.Name, ok, err
}

func (t sqlTransactions) MaxSumByDateBetween(ctx context.Context, profileID int64, isIncome bool, from, to core.Date) (core.Money, bool, error) {
	best, ok, err := t.maxCategory(ctx, profileID, isIncome, from, to)
	return best.Amount, ok, err
}

func (t sqlTransactions) Save(ctx context.Context, tx *core.Transaction) error {
	if tx.ID == 0 {
		query := t.scope.d.rebind(`INSERT INTO transactions
			(profile_id, is_income, amount, category, transaction_date, message)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
		err := t.scope.q.QueryRowContext(ctx, query,
			tx.ProfileID, tx.IsIncome, tx.Amount, tx.Category, tx.Date.String(), tx.Message).Scan(&tx.ID)
		if err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		slog.DebugContext(ctx, "Transaction saved",
			"id", tx.ID,
			"profile_id", tx.ProfileID,
			"amount", tx.Amount.String(),
			"is_income", tx.IsIncome)
		return nil
	}

	query := t.scope.d.rebind(`UPDATE transactions
		SET is_income = ?, amount = ?, category = ?, transaction_date = ?, message = ?
		WHERE id = ? AND profile_id = ?`)
	res, err := t.scope.q.ExecContext(ctx, query,
		tx.IsIncome, tx.Amount, tx.Category, tx.Date.String(), tx.Message, tx.ID, tx.ProfileID)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return expectOneRow(res, "update transaction")
}

func (t sqlTransactions) DeleteByID(ctx context.Context, id int64) error {
	res, err := t.scope.q.ExecContext(ctx, t.scope.d.rebind("DELETE FROM transactions WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return expectOneRow(res, "delete transaction")
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

var _ Store = (*SQLRepository)(nil)
