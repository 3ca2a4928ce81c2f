// Package storage keeps the draw history: which pick was posted where, plus
// an audit trail of owner commands.
//
// History is informational. Draw results are always recomputed and never
// read back from storage.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrDuplicate = errors.New("post already recorded")
)

// Config configures storage. Driver "" or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Post is one delivered daily pick.
type Post struct {
	ID         string
	ScheduleID string
	DayIndex   int64
	Item       string
	ChatID     int64
	ThreadID   int
	MessageID  int
	PostedAt   time.Time
}

// AuditEntry records an owner action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}

type Store interface {
	RecordPost(ctx context.Context, p Post) (Post, error)
	HasPost(ctx context.Context, scheduleID string, dayIndex int64, chatID int64, threadID int) (bool, error)
	RecentPosts(ctx context.Context, scheduleID string, limit int) ([]Post, error)
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
