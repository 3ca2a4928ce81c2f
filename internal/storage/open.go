package storage

import (
	"errors"
	"strings"

	logx "drawbot/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled; callers treat a nil Store as "no history".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
