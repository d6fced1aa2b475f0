package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/weft/internal/observability"
	"github.com/pitabwire/weft/model"
)

// Engine drives workflow executions and suspends them to a SnapshotStore.
// Workflows themselves are not safe for concurrent use; callers must not
// advance the same execution from two goroutines.
type Engine struct {
	resolver SpecResolver
	store    SnapshotStore
	opts     []Option
	rt       *runtime

	mu sync.Mutex
	// versions holds the last stored record version of each execution this
	// engine suspended or resumed.
	versions map[uuid.UUID]int
}

// NewEngine creates a new workflow engine. The options are applied to every
// workflow the engine starts or resumes.
func NewEngine(resolver SpecResolver, store SnapshotStore, opts ...Option) *Engine {
	return &Engine{
		resolver: resolver,
		store:    store,
		opts:     opts,
		rt:       newRuntime(opts),
		versions: make(map[uuid.UUID]int),
	}
}

// Start creates a workflow for processID, seeds its start events with input
// and runs it until no task can progress.
func (e *Engine) Start(ctx context.Context, processID string, input map[string]any) (*Workflow, error) {
	ctx, span := observability.StartSpan(ctx, "weft.start",
		observability.AttrProcessID.String(processID),
	)

	wf, err := e.start(ctx, processID, input)
	observability.EndSpanWithError(span, err)
	return wf, err
}

func (e *Engine) start(ctx context.Context, processID string, input map[string]any) (*Workflow, error) {
	// 1. Look up the process definition.
	if e.resolver == nil {
		return nil, model.NewInternalError("engine has no spec resolver")
	}
	spec, ok := e.resolver.GetProcess(processID)
	if !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("process %q not found", processID),
		)
	}

	// 2. Build the task tree.
	wf, err := New(spec, e.resolver, e.opts...)
	if err != nil {
		return nil, err
	}

	// 3. Seed the start events.
	if err := wf.Start(input); err != nil {
		return nil, err
	}
	e.rt.metrics.RecordWorkflowStart(processID)
	e.logger(ctx, wf).Info("workflow started")

	// 4. Run until quiescent.
	if err := e.Step(ctx, wf); err != nil {
		return wf, err
	}
	return wf, nil
}

// Step runs the engine until no task can progress.
func (e *Engine) Step(ctx context.Context, wf *Workflow) error {
	ctx, span := observability.StartSpan(ctx, "weft.steps", workflowAttrs(wf)...)

	wasCompleted := wf.IsCompleted()
	started := time.Now()
	err := wf.DoEngineSteps()
	e.rt.metrics.RecordEngineSteps(wf.spec.ID, time.Since(started))

	if err != nil {
		e.recordFailure(ctx, wf, err)
	} else if !wasCompleted && wf.IsCompleted() {
		e.rt.metrics.RecordWorkflowCompletion(wf.spec.ID, Status(wf))
		e.logger(ctx, wf).Info("workflow finished", zap.String("status", Status(wf)))
	}

	observability.EndSpanWithError(span, err)
	return err
}

// CompleteTask completes a READY task from outside the engine, typically a
// manual task, merging data into it first. The engine then runs until no
// task can progress.
func (e *Engine) CompleteTask(ctx context.Context, wf *Workflow, taskID uuid.UUID, data map[string]any) error {
	ctx, span := observability.StartSpan(ctx, "weft.complete_task",
		append(workflowAttrs(wf), observability.AttrTaskID.String(taskID.String()))...,
	)

	err := e.completeTask(ctx, wf, taskID, data)
	observability.EndSpanWithError(span, err)
	return err
}

func (e *Engine) completeTask(ctx context.Context, wf *Workflow, taskID uuid.UUID, data map[string]any) error {
	// 1. Find the task.
	t, ok := wf.GetTask(taskID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
	}

	// 2. Verify it can complete.
	if t.state != model.TaskStateReady {
		err := model.NewInvalidTransitionError(t.state, model.TaskStateCompleted)
		err.TaskID = t.id.String()
		err.TaskName = t.spec.DisplayName()
		return err
	}

	// 3. Merge the submitted data and run it.
	t.mergeData(data)
	if err := t.Advance(); err != nil {
		e.recordFailure(ctx, wf, err)
		return err
	}
	e.logger(ctx, wf).Debug("task completed externally",
		zap.String("task_id", t.id.String()),
		zap.String("task", t.spec.ID),
	)

	// 4. Continue.
	return e.Step(ctx, wf)
}

// Catch delivers an event to the execution and runs the engine. It returns
// the number of catchers that received the event.
func (e *Engine) Catch(ctx context.Context, wf *Workflow, event string, payload map[string]any) (int, error) {
	ctx, span := observability.StartSpan(ctx, "weft.catch",
		append(workflowAttrs(wf), observability.AttrEvent.String(event))...,
	)
	defer span.End()

	n := wf.Catch(event, payload)
	e.logger(ctx, wf).Debug("event delivered",
		zap.String("event", event),
		zap.Int("catchers", n),
	)
	if n == 0 {
		return 0, nil
	}
	return n, e.Step(ctx, wf)
}

// CancelTask cancels a task and its subtree, then runs the engine.
func (e *Engine) CancelTask(ctx context.Context, wf *Workflow, taskID uuid.UUID) error {
	t, ok := wf.GetTask(taskID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
	}
	t.Cancel()
	return e.Step(ctx, wf)
}

// Cancel cancels the whole execution, nested workflows included.
func (e *Engine) Cancel(ctx context.Context, wf *Workflow) {
	top := wf.Top()
	if top.IsCompleted() {
		return
	}
	top.Cancel()
	e.rt.metrics.RecordWorkflowCompletion(top.spec.ID, model.WorkflowStatusCancelled)
	e.logger(ctx, top).Info("workflow cancelled")
}

// Suspend serializes the execution and stores it. The first suspend of an
// execution creates its record; later ones update it with optimistic
// locking against the version this engine last saw.
func (e *Engine) Suspend(ctx context.Context, wf *Workflow) error {
	top := wf.Top()
	ctx, span := observability.StartSpan(ctx, "weft.suspend", workflowAttrs(top)...)

	err := e.suspend(ctx, top)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.rt.metrics.RecordSnapshot("suspend", status)
	observability.EndSpanWithError(span, err)
	return err
}

func (e *Engine) suspend(ctx context.Context, top *Workflow) error {
	// 1. Serialize.
	data, err := e.rt.serializer.Serialize(top)
	if err != nil {
		return err
	}
	rec := SnapshotRecord{
		ID:        top.id.String(),
		ProcessID: top.spec.ID,
		Status:    Status(top),
		Data:      data,
	}

	// 2. Create or update.
	e.mu.Lock()
	defer e.mu.Unlock()

	version, known := e.versions[top.id]
	if !known {
		rec.Version = 1
		if err := e.store.Create(ctx, rec); err != nil {
			return err
		}
		e.versions[top.id] = 1
	} else {
		rec.Version = version
		if err := e.store.Update(ctx, rec); err != nil {
			return err
		}
		e.versions[top.id] = version + 1
	}

	e.logger(ctx, top).Debug("workflow suspended",
		zap.Int("version", e.versions[top.id]),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Resume loads a stored execution and returns its top-level workflow. It
// does not run the engine.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	ctx, span := observability.StartSpan(ctx, "weft.resume",
		observability.AttrWorkflowID.String(id.String()),
	)

	wf, err := e.resume(ctx, id)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.rt.metrics.RecordSnapshot("resume", status)
	observability.EndSpanWithError(span, err)
	return wf, err
}

func (e *Engine) resume(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	// 1. Load the record.
	rec, err := e.store.Get(ctx, id.String())
	if err != nil {
		return nil, err
	}

	// 2. Check the snapshot format before restoring.
	version, err := e.rt.serializer.Version(rec.Data)
	if err != nil {
		return nil, err
	}
	if !e.rt.serializer.Supports(version) {
		return nil, &model.WorkflowError{
			Code:    model.ErrVersionUnsupported,
			Message: fmt.Sprintf("snapshot %s has serializer version %q", id, version),
		}
	}

	// 3. Restore.
	wf, err := e.rt.serializer.Deserialize(rec.Data, e.resolver, e.opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.versions[wf.id] = rec.Version
	e.mu.Unlock()

	e.logger(ctx, wf).Debug("workflow resumed", zap.Int("version", rec.Version))
	return wf, nil
}

// Delete removes a stored execution.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	if err := e.store.Delete(ctx, id.String()); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.versions, id)
	e.mu.Unlock()
	e.rt.metrics.RecordSnapshot("delete", "ok")
	return nil
}

// Status reports the snapshot status of an execution.
func Status(wf *Workflow) string {
	top := wf.Top()
	switch {
	case top.cancelled:
		return model.WorkflowStatusCancelled
	case top.IsCompleted():
		return model.WorkflowStatusCompleted
	default:
		return model.WorkflowStatusRunning
	}
}

func (e *Engine) recordFailure(ctx context.Context, wf *Workflow, err error) {
	code := model.ErrInternalError
	var we *model.WorkflowError
	if errors.As(err, &we) {
		code = we.Code
	}
	e.rt.metrics.RecordFailure(code)
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrErrorCode.String(code))
	e.logger(ctx, wf).Warn("engine run failed",
		zap.String("code", code),
		zap.Error(err),
	)
}

func (e *Engine) logger(ctx context.Context, wf *Workflow) *zap.Logger {
	ctx = observability.WithWorkflow(ctx, observability.WorkflowFields{
		WorkflowID: wf.id.String(),
		ProcessID:  wf.spec.ID,
	})
	return observability.WorkflowLogger(ctx, e.rt.logger)
}

func workflowAttrs(wf *Workflow) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrWorkflowID.String(wf.id.String()),
		observability.AttrProcessID.String(wf.spec.ID),
	}
}
