package sshaudit

import (
	"sync"

	"gorm.io/gorm"
)

var (
	globalRecorder *Recorder
	registryMu     sync.RWMutex
)

// InitGlobal creates the process-wide Recorder. Call once at startup after
// the database is initialized.
func InitGlobal(db *gorm.DB, retentionDays int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalRecorder = NewRecorder(db, retentionDays)
}

// Get returns the global Recorder, nil before InitGlobal.
func Get() *Recorder {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalRecorder
}

// RecordCommand records one executed command through the global Recorder.
// Safe to call before InitGlobal; the record is dropped silently.
func RecordCommand(hostID uint, taskID, command string, exitCode int, durationMs int64) {
	if r := Get(); r != nil {
		_ = r.Record(Entry{
			HostID:     hostID,
			TaskID:     taskID,
			Command:    command,
			ExitCode:   exitCode,
			DurationMs: durationMs,
		})
	}
}

// SetGlobalForTest swaps the global Recorder in tests.
func SetGlobalForTest(r *Recorder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalRecorder = r
}
