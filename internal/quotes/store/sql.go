package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"klinefeed.com/internal/quotes/model"
	_ "modernc.org/sqlite"
)

// SQLStore database/sql 直连；生产用 postgres，测试/单机用 sqlite
type SQLStore struct {
	db      *sql.DB
	table   string
	dialect string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL driver: postgres | sqlite
func OpenSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite 单写者，多连接只会互相等锁
		db.SetMaxOpenConns(1)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	return db, nil
}

func NewSQLStore(db *sql.DB, dialect, table string) *SQLStore {
	return &SQLStore{db: db, table: table, dialect: dialect}
}

// ph 第 n 个占位符（从 1 开始）
func (s *SQLStore) ph(n int) string {
	if s.dialect == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	num := "NUMERIC(36,18)"
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol  VARCHAR(32) NOT NULL,
			ts      BIGINT      NOT NULL,
			open    %[2]s NOT NULL,
			high    %[2]s NOT NULL,
			low     %[2]s NOT NULL,
			close   %[2]s NOT NULL,
			volume  %[2]s NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`, s.table, num))
	return err
}

func (s *SQLStore) InsertMany(ctx context.Context, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := validate(bars); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, writeErr("begin", err)
	}
	defer tx.Rollback()

	phs := make([]string, 7)
	for i := range phs {
		phs[i] = s.ph(i + 1)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (symbol, ts, open, high, low, close, volume)
		VALUES (%s)
		ON CONFLICT (symbol, ts) DO NOTHING`, s.table, strings.Join(phs, ", "))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, writeErr("prepare", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx, b.Symbol, b.Timestamp.UnixMilli(),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String())
		if err != nil {
			return 0, writeErr("insert", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, writeErr("commit", err)
	}
	return inserted, nil
}

func (s *SQLStore) Latest(ctx context.Context, symbol string) (model.Bar, bool, error) {
	query := fmt.Sprintf(`
		SELECT ts, open, high, low, close, volume FROM %s
		WHERE symbol = %s ORDER BY ts DESC LIMIT 1`, s.table, s.ph(1))

	var (
		ts  int64
		bar = model.Bar{Symbol: symbol}
	)
	err := s.db.QueryRowContext(ctx, query, symbol).
		Scan(&ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, err
	}
	bar.Timestamp = time.UnixMilli(ts).UTC()
	return bar, true, nil
}

func (s *SQLStore) Recent(ctx context.Context, symbol string, page, limit int) ([]model.Bar, error) {
	query := fmt.Sprintf(`
		SELECT ts, open, high, low, close, volume FROM %s
		WHERE symbol = %s ORDER BY ts DESC LIMIT %s OFFSET %s`, s.table, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, query, symbol, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bar
	for rows.Next() {
		var (
			ts  int64
			bar = model.Bar{Symbol: symbol}
		)
		if err := rows.Scan(&ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, err
		}
		bar.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, bar)
	}
	return out, rows.Err()
}
