package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/logutil"
	"github.com/vesselhq/vessel/internal/sshaudit"
	"github.com/vesselhq/vessel/internal/sshpool"
	"github.com/vesselhq/vessel/internal/templates"
)

// connectedFloor is the progress value reached once a connection is held,
// before any command has run. Command completions advance through the
// remaining band up to 1.0.
const connectedFloor = 0.1

const outputKeepBytes = 4096

// run executes one epoch of a task. It owns the task's status from running
// to a terminal state and releases the connection on every path out.
func (o *Orchestrator) run(task *database.DeploymentTask, plan *templates.DeploymentPlan, exec *execution) {
	started := time.Now()

	// The wait for a connection aborts on task cancellation; a command in
	// flight does not (cancel is cooperative, checked between commands).
	acquireCtx, cancelAcquire := context.WithCancel(o.baseCtx)
	go func() {
		select {
		case <-exec.cancelled:
			cancelAcquire()
		case <-acquireCtx.Done():
		}
	}()
	handle, err := o.pool.Acquire(acquireCtx, task.HostID)
	cancelAcquire()
	if err != nil {
		if exec.cancelRequested() {
			o.appendLog(task, database.LogWarning, "cancelled while waiting for a connection")
			o.finish(task, database.TaskCancelled, "cancelled by user", "cancelled")
			return
		}
		o.appendLog(task, database.LogError, "connection failed: "+err.Error())
		o.finish(task, database.TaskFailed, err.Error(), errdefs.Kind(err))
		return
	}
	defer handle.Release()

	o.setProgress(task, connectedFloor)
	o.appendLog(task, database.LogInfo, fmt.Sprintf("connected to host %d", task.HostID))

	if exec.cancelRequested() {
		o.appendLog(task, database.LogWarning, fmt.Sprintf("cancelled; 0 of %d commands completed", len(plan.Commands)))
		o.finish(task, database.TaskCancelled, "cancelled by user", "cancelled")
		return
	}

	if plan.ConfigPath != "" {
		if !o.writeConfig(task, plan, handle) {
			return
		}
	}

	total := len(plan.Commands)
	for i, command := range plan.Commands {
		if exec.cancelRequested() {
			o.appendLog(task, database.LogWarning, fmt.Sprintf("cancelled; %d of %d commands completed", i, total))
			o.finish(task, database.TaskCancelled, "cancelled by user", "cancelled")
			return
		}

		display := plan.DisplayCommand(i)
		res, err := handle.Run(o.baseCtx, command)
		if res != nil {
			o.recordResult(task, display, res)
			sshaudit.RecordCommand(task.HostID, task.ID, display, res.ExitCode, res.Duration.Milliseconds())
		} else {
			sshaudit.RecordCommand(task.HostID, task.ID, display, -1, 0)
		}
		if err != nil {
			msg := commandFailureMessage(display, res, err)
			o.appendLog(task, database.LogError, msg)
			o.finish(task, database.TaskFailed, msg, errdefs.Kind(err))
			return
		}

		o.appendLog(task, database.LogInfo, fmt.Sprintf("$ %s (%.1fs)", display, res.Duration.Seconds()))

		// The final command's progress lands together with the status
		// flip, so 1.0 is never observable on a still-running task.
		if i+1 < total {
			o.setProgress(task, connectedFloor+(1-connectedFloor)*float64(i+1)/float64(total))
		}
	}

	o.appendLog(task, database.LogSuccess, fmt.Sprintf("deployment completed in %s", time.Since(started).Round(time.Second)))
	o.finish(task, database.TaskCompleted, "", "")
}

// writeConfig ships the rendered service config to the host before the first
// command. The content travels base64-encoded so no byte of it needs shell
// quoting, and logs only ever carry the destination path since rendered
// configs may embed secret values.
func (o *Orchestrator) writeConfig(task *database.DeploymentTask, plan *templates.DeploymentPlan, handle Session) bool {
	display := "write service config to " + plan.ConfigPath
	b64 := base64.StdEncoding.EncodeToString([]byte(plan.ConfigContent))
	dir := path.Dir(plan.ConfigPath)
	command := fmt.Sprintf("mkdir -p %s && echo '%s' | base64 -d > %s",
		shellQuote(dir), b64, shellQuote(plan.ConfigPath))

	res, err := handle.Run(o.baseCtx, command)
	if res != nil {
		res.Command = display
		o.recordResult(task, display, res)
		sshaudit.RecordCommand(task.HostID, task.ID, display, res.ExitCode, res.Duration.Milliseconds())
	} else {
		sshaudit.RecordCommand(task.HostID, task.ID, display, -1, 0)
	}
	if err != nil {
		msg := commandFailureMessage(display, res, err)
		o.appendLog(task, database.LogError, msg)
		o.finish(task, database.TaskFailed, msg, errdefs.Kind(err))
		return false
	}
	o.appendLog(task, database.LogInfo, display)
	return true
}

// commandFailureMessage builds the persisted error for a failed command from
// its redacted display form. CommandError.Error() would echo the raw command
// line, which may carry substituted secrets.
func commandFailureMessage(display string, res *sshpool.ExecResult, err error) string {
	var ce *errdefs.CommandError
	if errors.As(err, &ce) {
		var msg string
		switch {
		case errors.Is(ce.Err, errdefs.ErrCommandTimeout):
			msg = fmt.Sprintf("$ %s timed out", display)
		case ce.ExitCode >= 0:
			msg = fmt.Sprintf("$ %s failed with exit status %d", display, ce.ExitCode)
		default:
			msg = fmt.Sprintf("$ %s failed: %v", display, ce.Err)
		}
		if res != nil {
			if tail := strings.TrimSpace(res.Stderr); tail != "" {
				msg += ": " + logutil.Truncate(tail, 500)
			}
		}
		return msg
	}
	return fmt.Sprintf("$ %s failed: %v", display, err)
}

// finish persists the terminal state for this epoch. Progress reaches 1.0
// only here and only for completed tasks.
func (o *Orchestrator) finish(task *database.DeploymentTask, status, errMsg, errKind string) {
	now := nowFn()
	updates := map[string]interface{}{
		"status":       status,
		"error":        errMsg,
		"error_kind":   errKind,
		"completed_at": now,
	}
	if status == database.TaskCompleted {
		updates["progress"] = 1.0
		task.Progress = 1.0
	}
	if err := database.DB.Model(task).Updates(updates).Error; err != nil {
		log.Printf("[orchestrator] failed to persist terminal state for task %s: %v", task.ID, err)
	}
	task.Status = status
	task.Error = errMsg
	task.ErrorKind = errKind
	task.CompletedAt = &now
	o.publish(task, nil)
	log.Printf("[orchestrator] task %s %s (epoch %d)", task.ID, status, task.Epoch)
}

func (o *Orchestrator) setProgress(task *database.DeploymentTask, p float64) {
	if p < task.Progress {
		return
	}
	if err := database.DB.Model(task).Update("progress", p).Error; err != nil {
		log.Printf("[orchestrator] failed to persist progress for task %s: %v", task.ID, err)
	}
	task.Progress = p
	o.publish(task, nil)
}

// recordResult stores the outcome of the most recent command, with output
// bounded so a chatty install script cannot bloat the row.
func (o *Orchestrator) recordResult(task *database.DeploymentTask, display string, res *sshpool.ExecResult) {
	r := database.CommandResult{
		Command:    display,
		ExitCode:   res.ExitCode,
		Stdout:     logutil.Truncate(res.Stdout, outputKeepBytes),
		Stderr:     logutil.Truncate(res.Stderr, outputKeepBytes),
		DurationMs: res.Duration.Milliseconds(),
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("[orchestrator] failed to encode command result for task %s: %v", task.ID, err)
		return
	}
	if err := database.DB.Model(task).Update("last_result", string(data)).Error; err != nil {
		log.Printf("[orchestrator] failed to persist command result for task %s: %v", task.ID, err)
	}
	task.LastResult = string(data)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
