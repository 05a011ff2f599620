// Package sshaudit records every remote command the control plane executes:
// which host, on behalf of which deployment task, with what exit status and
// duration. The trail answers "what did we run on that machine" during
// incident review.
//
// [Recorder] wraps the GORM database and writes command_audits rows; the
// orchestrator and the key-rotation job record through the global instance
// installed by [InitGlobal]. [RecordCommand] is safe before initialization,
// records are simply dropped.
//
// Secrets never reach the table: callers pass the redacted command form, and
// the recorder additionally strips control characters through the shared log
// sanitizer.
//
// [Recorder.Query] filters per host or task with pagination, newest first.
// [Recorder.PurgeOlderThan] enforces retention ([DefaultRetentionDays] unless
// configured) and is driven by the nightly maintenance job.
package sshaudit
