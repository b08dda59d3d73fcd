package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/message"
	logx "courier/pkg/logx"
)

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// timestamptz keeps microseconds.
const postgresResolution = time.Microsecond

type postgresStore struct {
	pool  pgxPool
	log   logx.Logger
	clock message.Clock
	q     queries
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := newPostgresStore(pool, cfg.Clock, log)
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	st.log.Info("store opened", logx.String("host", pcfg.ConnConfig.Host))
	return st, nil
}

func newPostgresStore(pool pgxPool, clock message.Clock, log logx.Logger) *postgresStore {
	if clock == nil {
		clock = message.SystemClock()
	}
	return &postgresStore{
		pool:  pool,
		log:   log.With(logx.String("driver", "postgres")),
		clock: clock,
		q: queries{
			sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
			ts: func(t time.Time) any { return t.UTC() },
			rc: func(r []string) (any, error) {
				if r == nil {
					r = []string{}
				}
				return r, nil
			},
		},
	}
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Create(ctx context.Context, m *message.ScheduledMessage) (*message.ScheduledMessage, error) {
	rec, err := prepareCreate(m, s.clock.Now(), postgresResolution)
	if err != nil {
		return nil, err
	}
	query, args, err := s.q.insert(rec)
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errDuplicateID(rec.ID)
		}
		return nil, fmt.Errorf("insert scheduled message: %w", err)
	}
	return rec, nil
}

func (s *postgresStore) FindByID(ctx context.Context, id, ownerID string) (*message.ScheduledMessage, error) {
	m, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID {
		return nil, message.ErrNotFound
	}
	return m, nil
}

func (s *postgresStore) get(ctx context.Context, id string) (*message.ScheduledMessage, error) {
	query, args, err := s.q.byID(id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	m, err := scanPostgres(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select scheduled message: %w", err)
	}
	return m, nil
}

func (s *postgresStore) List(ctx context.Context, ownerID string, f message.ListFilter) ([]*message.ScheduledMessage, error) {
	return s.selectMany(ctx, s.q.list(ownerID, f))
}

func (s *postgresStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*message.ScheduledMessage, error) {
	return s.selectMany(ctx, s.q.due(now, limit))
}

func (s *postgresStore) selectMany(ctx context.Context, sel sq.SelectBuilder) ([]*message.ScheduledMessage, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}
	defer rows.Close()

	out := make([]*message.ScheduledMessage, 0)
	for rows.Next() {
		m, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpdateStatus(ctx context.Context, id string, status message.Status, upd message.StatusUpdate) error {
	n, err := s.exec(ctx, s.q.setStatus(id, status, upd, s.clock.Now()))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return message.ErrNotFound
	}
	return nil
}

func (s *postgresStore) TransitionStatus(ctx context.Context, id string, from, to message.Status, upd message.StatusUpdate) (bool, error) {
	u := s.q.setStatus(id, to, upd, s.clock.Now()).Where(sq.Eq{"status": string(from)})
	n, err := s.exec(ctx, u)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return n == 1, nil
}

func (s *postgresStore) UpdateContent(ctx context.Context, id string, patch message.ContentPatch) (*message.ScheduledMessage, error) {
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

func (s *postgresStore) DeleteAged(ctx context.Context, statuses []message.Status, olderThan time.Time) (int64, error) {
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

func (s *postgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	query, args, err := s.q.acquireLease(name, holder, s.clock.Now(), ttl)
	if err != nil {
		return false, fmt.Errorf("build lease upsert: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.exec(ctx, s.q.releaseLease(name, holder)); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *postgresStore) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPostgres(r pgx.Row) (*message.ScheduledMessage, error) {
	var (
		m      message.ScheduledMessage
		status string
	)
	err := r.Scan(
		&m.ID, &m.OwnerID, &m.ChannelID, &m.Recipients, &m.Subject, &m.Body, &m.HTMLBody,
		&m.ScheduledFor, &status, &m.RetryCount, &m.MaxRetries, &m.LastError,
		&m.ExecutedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.Recipients == nil {
		m.Recipients = []string{}
	}
	m.Status = message.Status(status)
	m.ScheduledFor = m.ScheduledFor.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if m.ExecutedAt != nil {
		m.ExecutedAt = message.Ptr(m.ExecutedAt.UTC())
	}
	return &m, nil
}
