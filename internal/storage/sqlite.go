package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"courier/internal/message"
	logx "courier/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const sqliteResolution = time.Millisecond

// sqliteStore keeps timestamps as unix milliseconds (UTC) and recipients as a JSON array.
type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	clock message.Clock
	q     queries
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
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
	// SQLite prefers a single writer; this also serializes the compare-and-set updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = message.SystemClock()
	}
	st := &sqliteStore{
		db:    db,
		log:   log.With(logx.String("driver", "sqlite")),
		clock: clock,
		q: queries{
			sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
			ts: func(t time.Time) any { return t.UTC().UnixMilli() },
			rc: func(r []string) (any, error) {
				if r == nil {
					r = []string{}
				}
				b, err := json.Marshal(r)
				return string(b), err
			},
		},
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Info("store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
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

func (s *sqliteStore) Create(ctx context.Context, m *message.ScheduledMessage) (*message.ScheduledMessage, error) {
	rec, err := prepareCreate(m, s.clock.Now(), sqliteResolution)
	if err != nil {
		return nil, err
	}
	query, args, err := s.q.insert(rec)
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, errDuplicateID(rec.ID)
		}
		return nil, fmt.Errorf("insert scheduled message: %w", err)
	}
	return rec, nil
}

func (s *sqliteStore) FindByID(ctx context.Context, id, ownerID string) (*message.ScheduledMessage, error) {
	m, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID {
		return nil, message.ErrNotFound
	}
	return m, nil
}

func (s *sqliteStore) get(ctx context.Context, id string) (*message.ScheduledMessage, error) {
	query, args, err := s.q.byID(id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	m, err := scanSQLite(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select scheduled message: %w", err)
	}
	return m, nil
}

func (s *sqliteStore) List(ctx context.Context, ownerID string, f message.ListFilter) ([]*message.ScheduledMessage, error) {
	return s.selectMany(ctx, s.q.list(ownerID, f))
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*message.ScheduledMessage, error) {
	return s.selectMany(ctx, s.q.due(now, limit))
}

func (s *sqliteStore) selectMany(ctx context.Context, sel sq.SelectBuilder) ([]*message.ScheduledMessage, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}
	defer rows.Close()

	out := make([]*message.ScheduledMessage, 0)
	for rows.Next() {
		m, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status message.Status, upd message.StatusUpdate) error {
	n, err := s.exec(ctx, s.q.setStatus(id, status, upd, s.clock.Now()))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return message.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) TransitionStatus(ctx context.Context, id string, from, to message.Status, upd message.StatusUpdate) (bool, error) {
	u := s.q.setStatus(id, to, upd, s.clock.Now()).Where(sq.Eq{"status": string(from)})
	n, err := s.exec(ctx, u)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) UpdateContent(ctx context.Context, id string, patch message.ContentPatch) (*message.ScheduledMessage, error) {
	n, err := s.exec(ctx, s.q.patchContent(id, patch, s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("update content: %w", err)
	}
	m, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, message.ErrInvalidState
	}
	return m, nil
}

func (s *sqliteStore) DeleteAged(ctx context.Context, statuses []message.Status, olderThan time.Time) (int64, error) {
	terminal := terminalOnly(statuses)
	if len(terminal) == 0 {
		return 0, nil
	}
	n, err := s.exec(ctx, s.q.deleteAged(terminal, olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete aged: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	query, args, err := s.q.acquireLease(name, holder, s.clock.Now(), ttl)
	if err != nil {
		return false, fmt.Errorf("build lease upsert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.exec(ctx, s.q.releaseLease(name, holder)); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *sqliteStore) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(r rowScanner) (*message.ScheduledMessage, error) {
	var (
		m                          message.ScheduledMessage
		recipients, status         string
		htmlBody, lastError        sql.NullString
		scheduledFor, created, upd int64
		executedAt                 sql.NullInt64
	)
	err := r.Scan(
		&m.ID, &m.OwnerID, &m.ChannelID, &recipients, &m.Subject, &m.Body, &htmlBody,
		&scheduledFor, &status, &m.RetryCount, &m.MaxRetries, &lastError,
		&executedAt, &created, &upd,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	m.Status = message.Status(status)
	m.ScheduledFor = time.UnixMilli(scheduledFor).UTC()
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(upd).UTC()
	if htmlBody.Valid {
		m.HTMLBody = message.Ptr(htmlBody.String)
	}
	if lastError.Valid {
		m.LastError = message.Ptr(lastError.String)
	}
	if executedAt.Valid {
		m.ExecutedAt = message.Ptr(time.UnixMilli(executedAt.Int64).UTC())
	}
	return &m, nil
}
