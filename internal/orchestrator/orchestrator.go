// Package orchestrator drives deployment tasks: it turns a plan into a
// supervised, step-by-step execution against one host's pooled connection,
// with persisted progress and logs, cooperative cancellation, and retry under
// a new epoch. Task rows and their logs live in the database; the in-memory
// state here only tracks executions that are currently running.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/planner"
	"github.com/vesselhq/vessel/internal/sshpool"
	"github.com/vesselhq/vessel/internal/templates"
)

// Source describes where a new task's plan comes from. Exactly one of
// TemplateID, Description or Plan must be set.
type Source struct {
	// TemplateID with Variables resolves a stored template.
	TemplateID uint              `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`

	// Description asks the plan provider to generate a plan.
	Description string `json:"description,omitempty"`

	// Plan is a prebuilt plan (a previewed resolution or an accepted AI
	// draft). PlanSource records which backend produced it.
	Plan       *templates.DeploymentPlan `json:"plan,omitempty"`
	PlanSource string                    `json:"plan_source,omitempty"`
}

// Session is one held connection: commands in, release out. The pool's
// Handle satisfies it.
type Session interface {
	Run(ctx context.Context, command string) (*sshpool.ExecResult, error)
	Release()
}

// Connections hands out sessions per host. Production wiring uses
// PoolConnections; tests substitute a scripted fake.
type Connections interface {
	Acquire(ctx context.Context, hostID uint) (Session, error)
}

type poolConnections struct{ p *sshpool.Pool }

func (c poolConnections) Acquire(ctx context.Context, hostID uint) (Session, error) {
	h, err := c.p.Acquire(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// PoolConnections adapts the connection pool to the Connections seam.
func PoolConnections(p *sshpool.Pool) Connections { return poolConnections{p} }

// Orchestrator owns task execution. One instance per process.
type Orchestrator struct {
	pool     Connections
	provider func() planner.PlanProvider

	mu      sync.Mutex
	running map[string]*execution
	subs    map[string]map[int]chan Update
	nextSub int
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// execution is the in-memory state of one running epoch.
type execution struct {
	taskID     string
	epoch      int
	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
}

func (e *execution) requestCancel() {
	e.cancelOnce.Do(func() { close(e.cancelled) })
}

func (e *execution) cancelRequested() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

// New builds an orchestrator running tasks over the given connection source.
// The provider function is consulted per task so a runtime backend switch
// applies to new tasks immediately.
func New(conns Connections, provider func() planner.PlanProvider) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		pool:     conns,
		provider: provider,
		running:  make(map[string]*execution),
		subs:     make(map[string]map[int]chan Update),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Create validates the source, builds the plan and persists a new task.
//
// A validation failure while resolving template variables still creates the
// task: it lands directly in status failed carrying the validation error, so
// the attempt is visible in history. It never transitions through running
// and cannot be retried. Failures reaching the plan generation service, by
// contrast, create nothing; the caller just gets the error.
func (o *Orchestrator) Create(ctx context.Context, hostID uint, src Source) (*database.DeploymentTask, error) {
	var host database.Host
	if err := database.DB.First(&host, hostID).Error; err != nil {
		return nil, errdefs.Validationf("host_id", "host %d not found", hostID)
	}

	forms := 0
	if src.TemplateID != 0 {
		forms++
	}
	if src.Description != "" {
		forms++
	}
	if src.Plan != nil {
		forms++
	}
	if forms != 1 {
		return nil, errdefs.Validationf("source", "exactly one of template_id, description or plan is required")
	}

	task := &database.DeploymentTask{
		ID:     uuid.New().String(),
		HostID: hostID,
		Status: database.TaskPending,
		Epoch:  1,
	}

	var plan *templates.DeploymentPlan
	switch {
	case src.TemplateID != 0:
		task.TemplateID = &src.TemplateID
		task.PlanSource = "template"
		if encoded, err := encodeVariables(src.Variables); err == nil {
			task.Variables = encoded
		}

		var row database.DeploymentTemplate
		if err := database.DB.First(&row, src.TemplateID).Error; err != nil {
			return nil, errdefs.Validationf("template_id", "template %d not found", src.TemplateID)
		}
		tmpl, err := row.Decode()
		if err != nil {
			return nil, err
		}
		plan, err = o.provider().ResolveTemplate(tmpl, src.Variables)
		if err != nil {
			if errdefs.IsValidation(err) {
				return o.createFailed(task, err)
			}
			return nil, err
		}

	case src.Description != "":
		task.PlanSource = "ai"
		generated, err := o.provider().GenerateFromDescription(ctx, src.Description, planner.HostContext{
			Name:     host.Name,
			Address:  host.Address,
			Port:     host.Port,
			Username: host.Username,
		})
		if err != nil {
			return nil, fmt.Errorf("generate plan: %w", err)
		}
		plan = generated

	default:
		task.PlanSource = src.PlanSource
		if task.PlanSource == "" {
			task.PlanSource = "template"
		}
		if len(src.Plan.Commands) == 0 {
			return o.createFailed(task, errdefs.Validationf("plan", "plan has no commands"))
		}
		plan = src.Plan
	}

	encoded, err := database.EncodePlan(plan)
	if err != nil {
		return nil, err
	}
	task.Plan = encoded
	if task.Variables == "" {
		task.Variables = "{}"
	}

	if err := database.DB.Create(task).Error; err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	log.Printf("[orchestrator] created task %s for host %d (%s, %d commands)",
		task.ID, hostID, task.PlanSource, len(plan.Commands))
	return task, nil
}

// createFailed persists a task that is terminal before it ever ran.
func (o *Orchestrator) createFailed(task *database.DeploymentTask, cause error) (*database.DeploymentTask, error) {
	now := nowFn()
	task.Status = database.TaskFailed
	task.Error = cause.Error()
	task.ErrorKind = errdefs.Kind(cause)
	task.CompletedAt = &now
	if err := database.DB.Create(task).Error; err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.appendLog(task, database.LogError, "plan rejected: "+cause.Error())
	log.Printf("[orchestrator] task %s created failed: %v", task.ID, cause)
	return task, nil
}

// Execute starts the pending task's first epoch. The state transition to
// running happens before Execute returns; the command sequence itself runs on
// a background goroutine. Callers observe it through Subscribe or Wait.
func (o *Orchestrator) Execute(taskID string) error {
	task, err := o.load(taskID)
	if err != nil {
		return err
	}
	if task.Status != database.TaskPending {
		if task.Status == database.TaskFailed && task.ErrorKind == "validation" {
			return errdefs.Validationf("task", "task %s failed validation and cannot execute", taskID)
		}
		return fmt.Errorf("task %s is %s, only pending tasks can execute", taskID, task.Status)
	}
	return o.start(task)
}

// Retry re-executes a failed or cancelled task's original plan under a new
// epoch. Logs accumulate; progress restarts from the running floor.
func (o *Orchestrator) Retry(taskID string) error {
	task, err := o.load(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case database.TaskFailed, database.TaskCancelled:
	case database.TaskCompleted:
		return fmt.Errorf("task %s completed, completed tasks are not retried", taskID)
	default:
		return fmt.Errorf("task %s is %s, only failed or cancelled tasks can retry", taskID, task.Status)
	}
	if task.ErrorKind == "validation" {
		return errdefs.Validationf("task", "%s", task.Error)
	}

	task.Epoch++
	updates := map[string]interface{}{
		"epoch":        task.Epoch,
		"status":       database.TaskPending,
		"progress":     0.0,
		"error":        "",
		"error_kind":   "",
		"completed_at": nil,
	}
	if err := database.DB.Model(task).Updates(updates).Error; err != nil {
		return fmt.Errorf("reset task %s for retry: %w", taskID, err)
	}
	task.Status = database.TaskPending
	task.Progress = 0
	task.Error = ""
	task.ErrorKind = ""
	task.CompletedAt = nil

	o.appendLog(task, database.LogInfo, fmt.Sprintf("retrying (epoch %d)", task.Epoch))
	return o.start(task)
}

// Cancel requests cooperative cancellation of a running task. The in-flight
// command finishes; commands after it never start. Valid only while running.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	exec, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		task, err := o.load(taskID)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s, only running tasks can be cancelled", taskID, task.Status)
	}
	exec.requestCancel()
	log.Printf("[orchestrator] cancellation requested for task %s", taskID)
	return nil
}

// CancelForHost requests cancellation of every running task targeting the
// host. The host-deletion hook calls this.
func (o *Orchestrator) CancelForHost(hostID uint) {
	var ids []string
	database.DB.Model(&database.DeploymentTask{}).
		Where("host_id = ? AND status = ?", hostID, database.TaskRunning).
		Pluck("id", &ids)

	o.mu.Lock()
	for _, id := range ids {
		if exec, ok := o.running[id]; ok {
			exec.requestCancel()
		}
	}
	o.mu.Unlock()
	if len(ids) > 0 {
		log.Printf("[orchestrator] cancelling %d running task(s) for deleted host %d", len(ids), hostID)
	}
}

// Running returns the ids of tasks currently executing.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting work, cancels the run context (failing in-flight
// commands) and waits for runner goroutines to persist their final state,
// bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverOrphans marks tasks left running by a previous process as failed.
// Call once at startup, before Execute is reachable.
func RecoverOrphans() error {
	var orphans []database.DeploymentTask
	if err := database.DB.Where("status = ?", database.TaskRunning).Find(&orphans).Error; err != nil {
		return fmt.Errorf("find orphaned tasks: %w", err)
	}
	for i := range orphans {
		task := &orphans[i]
		now := nowFn()
		updates := map[string]interface{}{
			"status":       database.TaskFailed,
			"error":        "interrupted by server restart",
			"error_kind":   "internal",
			"completed_at": now,
		}
		if err := database.DB.Model(task).Updates(updates).Error; err != nil {
			return fmt.Errorf("recover task %s: %w", task.ID, err)
		}
		line := database.DeploymentLog{
			TaskID:  task.ID,
			Epoch:   task.Epoch,
			Level:   database.LogError,
			Message: "task was running when the server stopped; marked failed",
		}
		database.DB.Create(&line)
		log.Printf("[orchestrator] recovered orphaned task %s (was running)", task.ID)
	}
	return nil
}

func (o *Orchestrator) load(taskID string) (*database.DeploymentTask, error) {
	var task database.DeploymentTask
	if err := database.DB.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return &task, nil
}

// start flips the task to running and launches the runner goroutine.
func (o *Orchestrator) start(task *database.DeploymentTask) error {
	plan, err := task.DecodePlan()
	if err != nil {
		return err
	}
	if len(plan.Commands) == 0 {
		return errdefs.Validationf("plan", "task %s has no commands", task.ID)
	}

	exec := &execution{
		taskID:    task.ID,
		epoch:     task.Epoch,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	select {
	case <-o.baseCtx.Done():
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is shutting down")
	default:
	}
	if _, busy := o.running[task.ID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("task %s is already executing", task.ID)
	}
	o.running[task.ID] = exec
	o.mu.Unlock()

	now := nowFn()
	updates := map[string]interface{}{
		"status":     database.TaskRunning,
		"started_at": now,
		"progress":   0.0,
	}
	if err := database.DB.Model(task).Updates(updates).Error; err != nil {
		o.mu.Lock()
		delete(o.running, task.ID)
		o.mu.Unlock()
		return fmt.Errorf("mark task %s running: %w", task.ID, err)
	}
	task.Status = database.TaskRunning
	task.StartedAt = &now
	task.Progress = 0
	o.publish(task, nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(exec.done)
		o.run(task, plan, exec)
		o.mu.Lock()
		delete(o.running, task.ID)
		o.mu.Unlock()
	}()
	return nil
}
