package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is the persisted form of an audit entry.
type Record struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ClientID  string `gorm:"index" json:"client_id"`
	SessionID string `gorm:"index" json:"session_id"`
	Command   string `json:"command"`
	Decision  string `gorm:"index" json:"decision"`
	RuleID    string `json:"rule_id"`
	Reason    string `json:"reason"`
}

// Store persists audit entries in a sqlite database.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// Open creates (if needed) and opens the audit database at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, nowFn: time.Now}, nil
}

// Append writes one entry. Implements Sink.
func (s *Store) Append(e Entry) {
	rec := Record{
		CreatedAt: e.Timestamp,
		ClientID:  e.ClientID,
		SessionID: e.SessionID,
		Command:   e.Command,
		Decision:  e.Decision,
		RuleID:    e.RuleID,
		Reason:    e.Reason,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn()
	}
	if err := s.db.Create(&rec).Error; err != nil {
		log.Printf("[audit] failed to write audit record: %v", err)
	}
}

// QueryOptions specifies filters for retrieving audit records.
type QueryOptions struct {
	ClientID  string
	SessionID string
	Decision  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit records and pagination metadata.
type QueryResult struct {
	Entries []Record `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Query retrieves audit records matching the given options, newest first.
func (s *Store) Query(opts QueryOptions) (*QueryResult, error) {
	tx := s.db.Model(&Record{})

	if opts.ClientID != "" {
		tx = tx.Where("client_id = ?", opts.ClientID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Decision != "" {
		tx = tx.Where("decision = ?", opts.Decision)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []Record
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes records older than the given number of days and
// returns the number deleted.
func (s *Store) PurgeOlderThan(days int) (int64, error) {
	cutoff := s.nowFn().AddDate(0, 0, -days)
	result := s.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit records older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetNowFunc sets the clock function used for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}
