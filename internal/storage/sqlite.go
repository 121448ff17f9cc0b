//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tickerd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendReport(ctx context.Context, r ReportRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports(task_id, symbol, report_type, status, result, err, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.TaskID, r.Symbol, r.ReportType, r.Status, nullStr(r.ResultJSON), nullStr(r.Error),
		r.CreatedAt.Format(time.RFC3339Nano), timeOrNull(r.StartedAt), r.CompletedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListReports(ctx context.Context, symbol string, limit int) ([]ReportRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	q := `SELECT task_id, symbol, report_type, status, COALESCE(result,''), COALESCE(err,''), created_at, COALESCE(started_at,''), completed_at
	      FROM reports`
	args := []any{}
	if symbol != "" {
		q += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportRecord
	for rows.Next() {
		var r ReportRecord
		var created, started, completed string
		if err := rows.Scan(&r.TaskID, &r.Symbol, &r.ReportType, &r.Status, &r.ResultJSON, &r.Error, &created, &started, &completed); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if started != "" {
			r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		}
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
