package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "drawbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordPost stores p, filling ID and PostedAt when empty. A second post for
// the same schedule, day and target returns ErrDuplicate.
func (s *sqliteStore) RecordPost(ctx context.Context, p Post) (Post, error) {
	if s == nil || s.db == nil {
		return p, ErrDisabled
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PostedAt.IsZero() {
		p.PostedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(id, schedule_id, day_index, item, chat_id, thread_id, message_id, posted_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(schedule_id, day_index, chat_id, thread_id) DO NOTHING`,
		p.ID, p.ScheduleID, p.DayIndex, p.Item, p.ChatID, p.ThreadID, p.MessageID, p.PostedAt.UnixMilli(),
	)
	if err != nil {
		return p, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return p, ErrDuplicate
	}
	return p, nil
}

func (s *sqliteStore) HasPost(ctx context.Context, scheduleID string, dayIndex int64, chatID int64, threadID int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM posts WHERE schedule_id = ? AND day_index = ? AND chat_id = ? AND thread_id = ?`,
		scheduleID, dayIndex, chatID, threadID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentPosts returns up to limit posts, newest first.
func (s *sqliteStore) RecentPosts(ctx context.Context, scheduleID string, limit int) ([]Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, day_index, item, chat_id, thread_id, message_id, posted_at
		 FROM posts WHERE schedule_id = ?
		 ORDER BY posted_at DESC, day_index DESC LIMIT ?`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var (
			p  Post
			ms int64
		)
		if err := rows.Scan(&p.ID, &p.ScheduleID, &p.DayIndex, &p.Item, &p.ChatID, &p.ThreadID, &p.MessageID, &ms); err != nil {
			return nil, err
		}
		p.PostedAt = time.UnixMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneBefore deletes posts older than t and returns how many were removed.
func (s *sqliteStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE posted_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
