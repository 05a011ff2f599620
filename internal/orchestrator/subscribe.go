package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/logutil"
)

var nowFn = time.Now

// Update is one task state change delivered to subscribers: a status or
// progress transition, or an appended log line (Log set).
type Update struct {
	TaskID   string                  `json:"task_id"`
	Epoch    int                     `json:"epoch"`
	Status   string                  `json:"status"`
	Progress float64                 `json:"progress"`
	Error    string                  `json:"error,omitempty"`
	Log      *database.DeploymentLog `json:"log,omitempty"`
}

// Subscribe returns a channel of updates for one task and a cancel function
// releasing it. The channel is buffered; a subscriber that falls far behind
// loses intermediate updates and should resynchronize from a task snapshot.
func (o *Orchestrator) Subscribe(taskID string) (<-chan Update, func()) {
	ch := make(chan Update, 128)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	if o.subs[taskID] == nil {
		o.subs[taskID] = make(map[int]chan Update)
	}
	o.subs[taskID][id] = ch
	o.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs[taskID], id)
			if len(o.subs[taskID]) == 0 {
				delete(o.subs, taskID)
			}
			o.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Wait blocks until the task's current execution finishes, then returns a
// fresh snapshot. A task that is not executing returns immediately.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*database.DeploymentTask, error) {
	for {
		o.mu.Lock()
		exec, executing := o.running[taskID]
		o.mu.Unlock()
		if !executing {
			return o.load(taskID)
		}
		select {
		case <-exec.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (o *Orchestrator) publish(task *database.DeploymentTask, line *database.DeploymentLog) {
	u := Update{
		TaskID:   task.ID,
		Epoch:    task.Epoch,
		Status:   task.Status,
		Progress: task.Progress,
		Error:    task.Error,
		Log:      line,
	}
	o.mu.Lock()
	for _, ch := range o.subs[task.ID] {
		select {
		case ch <- u:
		default:
		}
	}
	o.mu.Unlock()
}

// appendLog persists one log line for the task's current epoch and publishes
// it. Messages are sanitized; remote output must not reach stored logs raw.
func (o *Orchestrator) appendLog(task *database.DeploymentTask, level, message string) {
	line := database.DeploymentLog{
		TaskID:  task.ID,
		Epoch:   task.Epoch,
		Level:   level,
		Message: logutil.SanitizeForLog(message),
	}
	if err := database.DB.Create(&line).Error; err != nil {
		log.Printf("[orchestrator] failed to append log for task %s: %v", task.ID, err)
		return
	}
	o.publish(task, &line)
}

func encodeVariables(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
