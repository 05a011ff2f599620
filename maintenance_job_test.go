package main

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/sshaudit"
)

func setupTestDBMain(t *testing.T) {
	t.Helper()
	prev := database.DB
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.DeploymentTask{}, &database.DeploymentLog{}, &database.CommandAudit{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		database.DB = prev
	})
}

func seedTask(t *testing.T, id, status string, completedAgo time.Duration) {
	t.Helper()
	task := database.DeploymentTask{
		ID:     id,
		HostID: 1,
		Status: status,
	}
	if status == database.TaskCompleted || status == database.TaskFailed || status == database.TaskCancelled {
		done := time.Now().Add(-completedAgo)
		task.CompletedAt = &done
	}
	if err := database.DB.Create(&task).Error; err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
	line := database.DeploymentLog{TaskID: id, Epoch: 1, Level: database.LogInfo, Message: "seeded"}
	if err := database.DB.Create(&line).Error; err != nil {
		t.Fatalf("seed log for %s: %v", id, err)
	}
}

func TestPruneTaskHistory_EmptyDB(t *testing.T) {
	setupTestDBMain(t)

	pruned, err := pruneTaskHistory(90)
	if err != nil {
		t.Fatalf("pruneTaskHistory: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}

func TestPruneTaskHistory_DisabledRetention(t *testing.T) {
	setupTestDBMain(t)
	seedTask(t, "task-ancient", database.TaskCompleted, 365*24*time.Hour)

	pruned, err := pruneTaskHistory(0)
	if err != nil {
		t.Fatalf("pruneTaskHistory: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0 with retention disabled", pruned)
	}

	var count int64
	database.DB.Model(&database.DeploymentTask{}).Count(&count)
	if count != 1 {
		t.Errorf("task count = %d, want 1", count)
	}
}

func TestPruneTaskHistory_RemovesOldTerminalTasks(t *testing.T) {
	setupTestDBMain(t)
	seedTask(t, "task-old-done", database.TaskCompleted, 100*24*time.Hour)
	seedTask(t, "task-old-failed", database.TaskFailed, 95*24*time.Hour)
	seedTask(t, "task-fresh", database.TaskCompleted, 24*time.Hour)

	pruned, err := pruneTaskHistory(90)
	if err != nil {
		t.Fatalf("pruneTaskHistory: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	var remaining []database.DeploymentTask
	database.DB.Find(&remaining)
	if len(remaining) != 1 || remaining[0].ID != "task-fresh" {
		t.Errorf("remaining tasks = %v, want only task-fresh", remaining)
	}

	var logCount int64
	database.DB.Model(&database.DeploymentLog{}).Where("task_id = ?", "task-old-done").Count(&logCount)
	if logCount != 0 {
		t.Errorf("log lines for pruned task = %d, want 0", logCount)
	}
	database.DB.Model(&database.DeploymentLog{}).Where("task_id = ?", "task-fresh").Count(&logCount)
	if logCount != 1 {
		t.Errorf("log lines for kept task = %d, want 1", logCount)
	}
}

func TestPruneTaskHistory_NeverTouchesActiveTasks(t *testing.T) {
	setupTestDBMain(t)

	// A running task this stale only exists mid-crash; the prune must still
	// leave it for orphan recovery to deal with.
	old := database.DeploymentTask{ID: "task-stuck", HostID: 1, Status: database.TaskRunning}
	if err := database.DB.Create(&old).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	database.DB.Model(&old).Update("created_at", time.Now().Add(-200*24*time.Hour))
	pending := database.DeploymentTask{ID: "task-waiting", HostID: 1, Status: database.TaskPending}
	if err := database.DB.Create(&pending).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	pruned, err := pruneTaskHistory(90)
	if err != nil {
		t.Fatalf("pruneTaskHistory: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}

	var count int64
	database.DB.Model(&database.DeploymentTask{}).Count(&count)
	if count != 2 {
		t.Errorf("task count = %d, want 2", count)
	}
}

func TestRunNightlyMaintenance_NoAuditRecorder(t *testing.T) {
	setupTestDBMain(t)
	sshaudit.SetGlobalForTest(nil)

	prevCfg := config.Cfg
	config.Cfg.TaskRetentionDays = 90
	t.Cleanup(func() { config.Cfg = prevCfg })

	seedTask(t, "task-old", database.TaskCancelled, 120*24*time.Hour)

	// Must not panic without a recorder, and still prunes task history.
	runNightlyMaintenance()

	var count int64
	database.DB.Model(&database.DeploymentTask{}).Count(&count)
	if count != 0 {
		t.Errorf("task count = %d, want 0", count)
	}
}

func TestRunNightlyMaintenance_RotatesAuditTable(t *testing.T) {
	setupTestDBMain(t)

	rec := sshaudit.NewRecorder(database.DB, 30)
	sshaudit.SetGlobalForTest(rec)
	t.Cleanup(func() { sshaudit.SetGlobalForTest(nil) })

	prevCfg := config.Cfg
	config.Cfg.TaskRetentionDays = 90
	t.Cleanup(func() { config.Cfg = prevCfg })

	oldRow := database.CommandAudit{HostID: 1, Command: "uptime", ExitCode: 0}
	if err := database.DB.Create(&oldRow).Error; err != nil {
		t.Fatalf("seed audit row: %v", err)
	}
	database.DB.Model(&oldRow).Update("created_at", time.Now().Add(-60*24*time.Hour))
	freshRow := database.CommandAudit{HostID: 1, Command: "whoami", ExitCode: 0}
	if err := database.DB.Create(&freshRow).Error; err != nil {
		t.Fatalf("seed audit row: %v", err)
	}

	runNightlyMaintenance()

	var count int64
	database.DB.Model(&database.CommandAudit{}).Count(&count)
	if count != 1 {
		t.Errorf("audit rows = %d, want 1 after rotation", count)
	}
}
