package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"engaged/internal/engage"
	logx "engaged/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	dedupWrites atomic.Uint64
}

const messageColumns = `id, kind, title, content, is_live, is_draft, chat_id, thread_id, schedule_date, created_at, updated_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (engage.Message, error) {
	var (
		m                engage.Message
		title, sched     sql.NullString
		live, draft      int
		created, updated string
	)
	err := r.Scan(&m.ID, &m.Kind, &title, &m.Content, &live, &draft,
		&m.Target.ChatID, &m.Target.ThreadID, &sched, &created, &updated)
	if err != nil {
		return m, err
	}
	m.Title = title.String
	m.IsLive = live != 0
	m.IsDraft = draft != 0
	if sched.Valid && sched.String != "" {
		var sd engage.ScheduleDate
		if err := json.Unmarshal([]byte(sched.String), &sd); err != nil {
			return m, fmt.Errorf("message %s schedule_date: %w", m.ID, err)
		}
		m.ScheduleDate = &sd
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

func (s *sqliteStore) FindMessage(ctx context.Context, id string) (*engage.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqliteStore) FindLive(ctx context.Context, kinds []string) ([]engage.Message, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = k
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE is_live = 1 AND kind IN (` +
		placeholders(len(kinds)) + `) ORDER BY created_at, id`
	return s.queryMessages(ctx, q, args...)
}

func (s *sqliteStore) ListMessages(ctx context.Context, f engage.ListFilter) ([]engage.Message, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.LiveOnly {
		where = append(where, "is_live = 1")
	}
	q := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryMessages(ctx, q, args...)
}

func (s *sqliteStore) queryMessages(ctx context.Context, q string, args ...any) ([]engage.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engage.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveMessage(ctx context.Context, m *engage.Message) error {
	var sched any
	if m.ScheduleDate != nil {
		b, err := json.Marshal(m.ScheduleDate)
		if err != nil {
			return err
		}
		sched = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(`+messageColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, title=excluded.title, content=excluded.content,
			is_live=excluded.is_live, is_draft=excluded.is_draft,
			chat_id=excluded.chat_id, thread_id=excluded.thread_id,
			schedule_date=excluded.schedule_date, updated_at=excluded.updated_at`,
		m.ID, m.Kind, nullStr(m.Title), m.Content, boolInt(m.IsLive), boolInt(m.IsDraft),
		m.Target.ChatID, m.Target.ThreadID, sched,
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engage.ErrMessageNotFound
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, rec engage.AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor, action, message_id, detail) VALUES(?,?,?,?,?,?)`,
		rec.ID, rec.At.UTC().Format(time.RFC3339Nano), nullStr(rec.Actor), rec.Action, rec.MessageID, nullStr(rec.Detail),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.dedupWrites.Add(1)%dedupCompactEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
