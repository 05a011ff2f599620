package main

import (
	"fmt"
	"log"
	"time"

	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/sshaudit"
)

// runNightlyMaintenance prunes old deployment history and rotates the
// command audit table. Scheduled from main; also safe to call by hand.
func runNightlyMaintenance() {
	pruned, err := pruneTaskHistory(config.Cfg.TaskRetentionDays)
	if err != nil {
		log.Printf("[maintenance] task history prune failed: %v", err)
	} else if pruned > 0 {
		log.Printf("[maintenance] pruned %d deployment tasks older than %d days", pruned, config.Cfg.TaskRetentionDays)
	}

	if rec := sshaudit.Get(); rec != nil {
		if _, err := rec.PurgeOlderThan(0); err != nil {
			log.Printf("[maintenance] audit purge failed: %v", err)
		}
	}
}

// pruneTaskHistory deletes tasks that reached a terminal status more than
// retentionDays ago, together with their log lines. Running and pending
// tasks are never touched. retentionDays <= 0 disables pruning.
func pruneTaskHistory(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var stale []database.DeploymentTask
	err := database.DB.
		Where("status IN ?", []string{database.TaskCompleted, database.TaskFailed, database.TaskCancelled}).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("find stale tasks: %w", err)
	}

	var pruned int64
	for i := range stale {
		task := &stale[i]
		if err := database.DB.Where("task_id = ?", task.ID).Delete(&database.DeploymentLog{}).Error; err != nil {
			log.Printf("[maintenance] delete logs for task %s: %v", task.ID, err)
			continue
		}
		if err := database.DB.Delete(task).Error; err != nil {
			log.Printf("[maintenance] delete task %s: %v", task.ID, err)
			continue
		}
		pruned++
	}
	return pruned, nil
}
