package sshaudit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/logutil"
)

// DefaultRetentionDays bounds the audit table when no retention is configured.
const DefaultRetentionDays = 90

// Entry holds one remote command execution to record.
type Entry struct {
	HostID     uint
	TaskID     string
	Command    string
	ExitCode   int
	DurationMs int64
}

// Recorder writes and queries the command audit trail. Commands pass through
// the log sanitizer so remote output cannot smuggle control sequences into
// the table or the server log.
type Recorder struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

func NewRecorder(db *gorm.DB, retentionDays int) *Recorder {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Recorder{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Record persists one executed command.
func (r *Recorder) Record(entry Entry) error {
	row := database.CommandAudit{
		HostID:     entry.HostID,
		TaskID:     entry.TaskID,
		Command:    logutil.SanitizeForLog(entry.Command),
		ExitCode:   entry.ExitCode,
		DurationMs: entry.DurationMs,
	}
	if err := r.db.Create(&row).Error; err != nil {
		log.Printf("[audit] failed to write audit record: %v", err)
		return err
	}
	return nil
}

// QueryOptions filters audit records. Zero values mean "any".
type QueryOptions struct {
	HostID uint
	TaskID string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// QueryResult contains matching records plus pagination metadata.
type QueryResult struct {
	Entries []database.CommandAudit `json:"entries"`
	Total   int64                   `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Query retrieves audit records matching the options, newest first.
func (r *Recorder) Query(opts QueryOptions) (*QueryResult, error) {
	tx := r.db.Model(&database.CommandAudit{})

	if opts.HostID > 0 {
		tx = tx.Where("host_id = ?", opts.HostID)
	}
	if opts.TaskID != "" {
		tx = tx.Where("task_id = ?", opts.TaskID)
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

	var entries []database.CommandAudit
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes records older than the given number of days (the
// configured retention when days <= 0) and returns how many were deleted.
// The nightly maintenance job calls this.
func (r *Recorder) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = r.retentionDays
	}
	cutoff := r.nowFn().AddDate(0, 0, -days)
	result := r.db.Where("created_at < ?", cutoff).Delete(&database.CommandAudit{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit records older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (r *Recorder) RetentionDays() int {
	return r.retentionDays
}

// SetNowFunc sets the clock used for retention cutoffs in tests.
func (r *Recorder) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}
