package workflow

import (
	"fmt"

	"github.com/pitabwire/weft/model"
)

// ObserverFunc is invoked once when a workflow with a connected observer
// becomes fully terminal. task is the subscriber recorded at connect time.
type ObserverFunc func(completed *Workflow, task *Task) error

const observerSubworkflow = "subworkflow"

// RegisterObserver makes fn available to ConnectCompletion under name for
// every workflow of this execution. Observers are referenced by name so that
// pending subscriptions survive Snapshot and Restore; custom observers must
// be registered again after a restore.
func (w *Workflow) RegisterObserver(name string, fn ObserverFunc) {
	w.arena.observers[name] = fn
}

// ConnectCompletion subscribes task to the completion of w through the
// observer registered under name. A workflow has at most one subscriber and
// notifies it at most once.
func (w *Workflow) ConnectCompletion(name string, task *Task) error {
	if _, ok := w.arena.observers[name]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("completion observer %q not registered", name))
	}
	if w.observerFired {
		return model.NewStructuralError(fmt.Sprintf("workflow %s already notified its completion", w.id))
	}
	if w.observer != nil && (w.observer.Name != name || w.observer.TaskID != task.id) {
		return model.NewStructuralError(fmt.Sprintf("workflow %s already has a completion observer", w.id))
	}
	w.observer = &completionObserver{Name: name, TaskID: task.id}
	return nil
}

func (a *arena) notify(w *Workflow, obs *completionObserver) error {
	fn, ok := a.observers[obs.Name]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("completion observer %q not registered", obs.Name))
	}
	var task *Task
	for _, other := range a.workflows {
		if t, ok := other.tasks[obs.TaskID]; ok {
			task = t
			break
		}
	}
	if task == nil {
		return model.NewStructuralError(fmt.Sprintf("observer task %s not found", obs.TaskID))
	}
	return fn(w, task)
}

// CreateSubprocess creates a workflow for spec nested below the workflow
// owning spawning and registers it under the spawning task. It fails with
// SUBPROCESS_EXISTS when the task already has a registered subprocess.
func (w *Workflow) CreateSubprocess(spawning *Task, spec *model.WorkflowSpec, name string) (*Workflow, error) {
	a := w.arena
	if existing, ok := a.subprocesses[spawning.id]; ok {
		return nil, taskError(spawning, model.ErrSubprocessExists,
			fmt.Sprintf("task already spawned workflow %s", existing), nil)
	}
	if spec == nil {
		return nil, taskError(spawning, model.ErrInternalError, "subprocess spec is nil", nil)
	}

	sub, err := a.newWorkflow(spec, name, spawning.Workflow(), spawning)
	if err != nil {
		return nil, taskError(spawning, model.ErrInternalError, "create subprocess", err)
	}
	a.subprocesses[spawning.id] = sub.id

	a.rt.logger.Debug("subprocess created",
		zapWorkflow(sub)...,
	)
	return sub, nil
}

// GetSubprocess returns the workflow registered under task.
func (w *Workflow) GetSubprocess(task *Task) (*Workflow, bool) {
	return w.arena.subprocessOf(task)
}

func (a *arena) subprocessOf(task *Task) (*Workflow, bool) {
	id, ok := a.subprocesses[task.id]
	if !ok {
		return nil, false
	}
	sub, ok := a.workflows[id]
	return sub, ok
}

// DeleteSubprocess tears down the workflow registered under task together
// with every workflow nested below it.
func (w *Workflow) DeleteSubprocess(task *Task) {
	a := w.arena
	sub, ok := a.subprocessOf(task)
	delete(a.subprocesses, task.id)
	if !ok {
		return
	}
	for _, t := range sub.Tasks() {
		if _, nested := a.subprocesses[t.id]; nested {
			sub.DeleteSubprocess(t)
		}
	}
	delete(a.workflows, sub.id)
	for i, id := range a.order {
		if id == sub.id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Subprocesses returns the workflows nested directly or indirectly below w,
// in creation order.
func (w *Workflow) Subprocesses() []*Workflow {
	var out []*Workflow
	for _, id := range w.arena.order {
		sub := w.arena.workflows[id]
		for p := sub.Parent(); p != nil; p = p.Parent() {
			if p.id == w.id {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}
