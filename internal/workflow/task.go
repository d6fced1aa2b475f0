package workflow

import (
	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
	"go.uber.org/zap"

	"github.com/pitabwire/weft/internal/observability"
	"github.com/pitabwire/weft/model"
)

// Task is a live node of a workflow's task tree. Parent, child and workflow
// links are ids resolved through the arena shared by every workflow of one
// execution.
type Task struct {
	id         uuid.UUID
	spec       *model.TaskSpec
	state      model.TaskState
	parentID   uuid.UUID
	children   []uuid.UUID
	data       map[string]any
	workflowID uuid.UUID
	arena      *arena

	// completedSeq orders completions across the whole execution.
	completedSeq int64
	// outputsCollected is set once a subworkflow task has copied its nested
	// instance's data out.
	outputsCollected bool
}

// ID returns the task's unique id.
func (t *Task) ID() uuid.UUID { return t.id }

// Spec returns the node definition the task instantiates.
func (t *Task) Spec() *model.TaskSpec { return t.spec }

// State returns the current state.
func (t *Task) State() model.TaskState { return t.state }

// Data returns the task's private data context. The map is live.
func (t *Task) Data() map[string]any { return t.data }

// Set stores a value in the task's data context.
func (t *Task) Set(key string, value any) {
	t.data[key] = value
}

// Workflow returns the workflow owning the task.
func (t *Task) Workflow() *Workflow {
	return t.arena.workflows[t.workflowID]
}

// Parent returns the parent task, or nil for a workflow root.
func (t *Task) Parent() *Task {
	if t.parentID == uuid.Nil {
		return nil
	}
	return t.Workflow().tasks[t.parentID]
}

// Children returns the child tasks in creation order.
func (t *Task) Children() []*Task {
	wf := t.Workflow()
	out := make([]*Task, 0, len(t.children))
	for _, id := range t.children {
		if c, ok := wf.tasks[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Advance runs a READY task or re-polls a WAITING one. In any other state it
// is a no-op.
func (t *Task) Advance() error {
	switch t.state {
	case model.TaskStateReady:
		return t.run()
	case model.TaskStateWaiting:
		return t.poll()
	}
	return nil
}

// Cancel marks the task and its whole subtree CANCELLED, cancelling any nested
// workflow a cancelled task owns. Cancelled tasks lose their children.
// Cancelling a terminal task is a no-op.
func (t *Task) Cancel() {
	if t.state.IsTerminal() {
		return
	}
	wf := t.Workflow()
	t.cancelTree()
	wf.taskFinished(t)
}

func (t *Task) behavior() behavior {
	return behaviorFor(t.spec.Kind)
}

func (t *Task) logger() *zap.Logger {
	return t.arena.rt.logger
}

func (t *Task) setState(to model.TaskState) error {
	from := t.state
	if !model.CanTransition(from, to) {
		err := model.NewInvalidTransitionError(from, to)
		err.TaskID = t.id.String()
		err.TaskName = t.spec.DisplayName()
		return err
	}
	t.state = to
	if ce := t.logger().Check(zap.DebugLevel, "task state changed"); ce != nil {
		ce.Write(
			zap.String("task_id", t.id.String()),
			zap.String("task", t.spec.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return nil
}

// update re-evaluates a FUTURE task whose parent has completed.
func (t *Task) update() error {
	if t.state != model.TaskStateFuture {
		return nil
	}
	if p := t.Parent(); p != nil && p.state != model.TaskStateCompleted {
		return nil
	}
	return t.behavior().update(t)
}

func (t *Task) run() error {
	done, err := t.behavior().run(t)
	if err != nil {
		return err
	}
	if done && t.state == model.TaskStateReady {
		return t.complete()
	}
	return nil
}

func (t *Task) poll() error {
	done, err := t.behavior().poll(t)
	if err != nil {
		return err
	}
	if done && t.state == model.TaskStateWaiting {
		return t.complete()
	}
	return nil
}

// complete finishes the task and grows the tree below it. Successors are
// resolved before the state changes so a failure leaves the task where it was.
func (t *Task) complete() error {
	b := t.behavior()
	wf := t.Workflow()

	proceed, err := b.beforeComplete(t)
	if err != nil {
		return err
	}
	if !proceed {
		wf.taskFinished(t)
		return nil
	}

	next, err := b.successors(t)
	if err != nil {
		return err
	}
	if err := t.setState(model.TaskStateCompleted); err != nil {
		return err
	}
	t.arena.seq++
	t.completedSeq = t.arena.seq
	wf.lastTaskID = t.id
	t.arena.rt.metrics.RecordTaskCompleted(string(t.spec.Kind))
	if ce := t.logger().Check(zap.DebugLevel, "task completed"); ce != nil {
		ce.Write(
			zap.String("task_id", t.id.String()),
			zap.String("task", t.spec.ID),
			zap.Any("data", observability.RedactData(t.data, nil)),
		)
	}

	created := make([]*Task, 0, len(next))
	for _, ts := range next {
		created = append(created, wf.newTask(ts, t, copyData(t.data)))
	}

	if p := t.Parent(); p != nil {
		p.behavior().childCompleted(p, t)
	}

	for _, c := range created {
		if err := c.update(); err != nil {
			return err
		}
	}

	wf.taskFinished(t)
	return nil
}

func (t *Task) cancelTree() {
	if !t.state.IsTerminal() {
		// Non-terminal to CANCELLED is always permitted.
		_ = t.setState(model.TaskStateCancelled)
		t.arena.rt.metrics.RecordTaskCancelled(string(t.spec.Kind))
		t.behavior().cancelled(t)
		for _, c := range t.Children() {
			c.cancelTree()
		}
		t.dropChildren()
		return
	}
	for _, c := range t.Children() {
		c.cancelTree()
	}
}

// dropChildren detaches and forgets the whole subtree below t.
func (t *Task) dropChildren() {
	wf := t.Workflow()
	for _, c := range t.Children() {
		c.dropChildren()
		delete(wf.tasks, c.id)
	}
	t.children = nil
}

// siblings returns the other children of t's parent.
func (t *Task) siblings() []*Task {
	p := t.Parent()
	if p == nil {
		return nil
	}
	var out []*Task
	for _, c := range p.Children() {
		if c.id != t.id {
			out = append(out, c)
		}
	}
	return out
}

// mergeData deep-copies src into the task's data context.
func (t *Task) mergeData(src map[string]any) {
	for k, v := range src {
		t.data[k] = deepcopy.Copy(v)
	}
}

func copyData(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = deepcopy.Copy(v)
	}
	return out
}
