package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"pricelog/internal/quote"
)

// SQLiteStore keeps the append log in a single SQLite database. The
// UNIQUE(asset, date) constraint is what makes concurrent invocations safe:
// two processes racing for the same key serialize inside SQLite and exactly
// one insert lands.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Info summarizes the stored history for one asset.
type Info struct {
	Records     int
	FirstDate   string
	LastDate    string
	LatestPrice decimal.Decimal
}

// OpenSQLite opens (or creates) the price database at path. Any pre-existing
// content is structurally validated before the first write; a file that is
// not a valid price database is reported as ErrCorruptData and left
// byte-identical to how it was found.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create directory %s: %v", ErrStoreUnavailable, dir, err)
		}
	}

	// busy_timeout makes concurrent writers wait for the lock instead of
	// failing fast with SQLITE_BUSY; WAL lets readers proceed while the
	// daily append runs. Set through the DSN so every pooled connection
	// gets them, not just the first.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}

	// Validation must happen before any DDL touches the file.
	if err := validateExisting(db, path); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

// sqliteMagic is the 16-byte header every SQLite database file starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

// validateExisting checks that a non-empty pre-existing file is a SQLite
// database and, if it already carries a prices table, that the table has the
// expected shape. Read-only: the header read, sqlite_master, and table_info
// never write. A file that is readable but not a database is corrupt; a file
// we cannot read at all is unavailable, not corrupt.
func validateExisting(db *sql.DB, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return nil // fresh store
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrStoreUnavailable, path)
	}
	if fi.Size() == 0 {
		return nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}
	header := make([]byte, len(sqliteMagic))
	_, err = io.ReadFull(fh, header)
	fh.Close()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Non-empty but shorter than the header; no database is this small.
		return fmt.Errorf("%w: %s is not a SQLite database", ErrCorruptData, path)
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, path, err)
	}
	if !bytes.Equal(header, sqliteMagic) {
		return fmt.Errorf("%w: %s is not a SQLite database", ErrCorruptData, path)
	}

	var count int
	err = db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='prices'`,
	).Scan(&count)
	if err != nil {
		return classifyValidationErr(err, path)
	}
	if count == 0 {
		// A database without our table is fine; migration will add it.
		return nil
	}

	rows, err := db.Query(`PRAGMA table_info(prices)`)
	if err != nil {
		return classifyValidationErr(err, path)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return classifyValidationErr(err, path)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return classifyValidationErr(err, path)
	}

	for _, want := range []string{"asset", "date", "price", "observed_at"} {
		if !cols[want] {
			return fmt.Errorf("%w: prices table is missing column %q", ErrCorruptData, want)
		}
	}
	return nil
}

// classifyValidationErr separates corruption reported by SQLite itself
// (SQLITE_NOTADB, SQLITE_CORRUPT) from operational failures such as
// permissions or I/O, which are unavailability rather than corruption.
func classifyValidationErr(err error, path string) error {
	msg := err.Error()
	if strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed") {
		return fmt.Errorf("%w: %s is not a valid database: %v", ErrCorruptData, path, err)
	}
	return fmt.Errorf("%w: validate %s: %v", ErrStoreUnavailable, path, err)
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prices (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			asset       TEXT NOT NULL,
			date        TEXT NOT NULL,
			price       TEXT NOT NULL,
			observed_at INTEGER NOT NULL,
			UNIQUE(asset, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_asset ON prices(asset)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts the quote's record unless one already exists for its
// (asset, date) key. ON CONFLICT DO NOTHING makes the duplicate check and
// the insert a single atomic statement, so there is no window where two
// invocations both observe an empty key.
func (s *SQLiteStore) Append(ctx context.Context, q quote.Quote) (Result, error) {
	key := q.Key()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (asset, date, price, observed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(asset, date) DO NOTHING`,
		key.Asset, key.Date, q.Price.String(), q.ObservedAt.UTC().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert %s: %v", ErrStoreUnavailable, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("%w: rows affected: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Appended, nil
}

// Count returns the number of records stored under key.
func (s *SQLiteStore) Count(ctx context.Context, key quote.Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prices WHERE asset = ? AND date = ?`,
		key.Asset, key.Date,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrStoreUnavailable, key, err)
	}
	return n, nil
}

// AssetInfo summarizes the stored history for one asset: record count, date
// range, and the most recent price.
func (s *SQLiteStore) AssetInfo(ctx context.Context, asset string) (Info, error) {
	var info Info
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(date), ''), COALESCE(MAX(date), '')
		 FROM prices WHERE asset = ?`, asset,
	).Scan(&info.Records, &info.FirstDate, &info.LastDate)
	if err != nil {
		return Info{}, fmt.Errorf("%w: asset info: %v", ErrStoreUnavailable, err)
	}
	if info.Records == 0 {
		return info, nil
	}

	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT price FROM prices WHERE asset = ? ORDER BY date DESC LIMIT 1`, asset,
	).Scan(&raw)
	if err != nil {
		return Info{}, fmt.Errorf("%w: latest price: %v", ErrStoreUnavailable, err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return Info{}, fmt.Errorf("%w: stored price %q is not a decimal", ErrCorruptData, raw)
	}
	info.LatestPrice = price
	return info, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
