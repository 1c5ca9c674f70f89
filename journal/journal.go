package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcome statuses.
const (
	StatusApplied    = "applied"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
	StatusSkipped    = "skipped"
	StatusObserved   = "observed"
)

// Entry is one journaled engine decision and what came of it.
type Entry struct {
	Time        time.Time `json:"time"`
	Kind        string    `json:"kind"`
	Ticket      int64     `json:"ticket"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Error       string    `json:"error,omitempty"`
}

type actionRecord struct {
	ID          uint      `gorm:"primaryKey"`
	CreatedAt   time.Time `gorm:"index"`
	Symbol      string    `gorm:"size:32;index"`
	Kind        string    `gorm:"size:32"`
	Ticket      int64     `gorm:"index"`
	Status      string    `gorm:"size:16"`
	Description string
	Error       string
}

func (actionRecord) TableName() string { return "action_records" }

// Journal stores entries in SQLite through gorm. A nil *Journal accepts and drops everything.
type Journal struct {
	db     *gorm.DB
	symbol string
}

// Open creates or opens the journal at path. An empty path disables journaling and returns nil.
func Open(path, symbol string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("journal: failed to create directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&actionRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migration failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The control loop writes, the HTTP API reads.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Journal{db: db, symbol: symbol}, nil
}

// Record appends an entry.
func (j *Journal) Record(e Entry) error {
	if j == nil || j.db == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	rec := actionRecord{
		CreatedAt:   e.Time,
		Symbol:      j.symbol,
		Kind:        e.Kind,
		Ticket:      e.Ticket,
		Status:      e.Status,
		Description: e.Description,
		Error:       e.Error,
	}
	return j.db.Create(&rec).Error
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return []Entry{}, nil
	}
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}
	var recs []actionRecord
	if err := j.db.Where("symbol = ?", j.symbol).Order("id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{
			Time:        r.CreatedAt,
			Kind:        r.Kind,
			Ticket:      r.Ticket,
			Status:      r.Status,
			Description: r.Description,
			Error:       r.Error,
		})
	}
	return out, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
