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
	"sync/atomic"
	"time"

	"bilirelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
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

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
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

func (s *sqliteStore) Load(ctx context.Context, source string) (Pair, error) {
	if err := validSource(source); err != nil {
		return Pair{}, err
	}
	var (
		p  Pair
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT previous, current, updated_at FROM snapshots WHERE source = ?`, source,
	).Scan(&p.Previous, &p.Current, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, ErrNoSnapshot
	}
	if err != nil {
		return Pair{}, fmt.Errorf("load %s: %w", source, err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
	return p, nil
}

func (s *sqliteStore) Commit(ctx context.Context, source string, raw []byte) (Pair, error) {
	if err := validSource(source); err != nil {
		return Pair{}, err
	}
	if raw == nil {
		raw = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Pair{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev []byte
	err = tx.QueryRowContext(ctx, `SELECT current FROM snapshots WHERE source = ?`, source).Scan(&prev)
	seeded := errors.Is(err, sql.ErrNoRows)
	if err != nil && !seeded {
		return Pair{}, fmt.Errorf("commit %s: %w", source, err)
	}
	if seeded {
		prev = clone(raw)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(source, previous, current, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(source) DO UPDATE SET previous=excluded.previous, current=excluded.current, updated_at=excluded.updated_at`,
		source, prev, raw, now.Format(time.RFC3339Nano),
	); err != nil {
		return Pair{}, fmt.Errorf("commit %s: %w", source, err)
	}
	if err := tx.Commit(); err != nil {
		return Pair{}, fmt.Errorf("commit %s: %w", source, err)
	}
	return Pair{Previous: prev, Current: clone(raw), Seeded: seeded, UpdatedAt: now}, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, job_id, source, event, status, reason, delivered, skipped, failed, image, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.JobID, e.Source, nullStr(e.Event), e.Status, nullStr(e.Reason),
		e.Delivered, e.Skipped, e.Failed, boolInt(e.Image), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
