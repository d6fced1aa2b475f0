package workflow

import (
	"fmt"

	"github.com/mohae/deepcopy"
	"go.uber.org/zap"

	"github.com/pitabwire/weft/model"
)

// dataBoundary moves data between a subworkflow task and its nested workflow.
type dataBoundary interface {
	copyIn(t *Task, sub *Workflow) error
	copyOut(t *Task, sub *Workflow) error
}

// subworkflowTask runs a nested workflow. The first run spawns it and waits;
// later polls complete the task once the nested workflow is terminal and its
// data has been copied out.
type subworkflowTask struct {
	base
	boundary dataBoundary
}

func (b subworkflowTask) run(t *Task) (bool, error) {
	wf := t.Workflow()

	// 1. Spawning is idempotent.
	if _, ok := wf.GetSubprocess(t); ok {
		return false, t.setState(model.TaskStateWaiting)
	}

	// 2. Resolve and register the nested workflow.
	var spec *model.WorkflowSpec
	if wf.arena.resolver != nil {
		spec, _ = wf.arena.resolver.GetProcess(t.spec.Subprocess)
	}
	if spec == nil {
		return false, taskError(t, model.ErrNotFound, fmt.Sprintf("process %q not found", t.spec.Subprocess), nil)
	}
	sub, err := wf.CreateSubprocess(t, spec, t.spec.DisplayName())
	if err != nil {
		return false, err
	}

	// 3. Subscribe to its completion.
	if err := sub.ConnectCompletion(observerSubworkflow, t); err != nil {
		wf.DeleteSubprocess(t)
		return false, taskError(t, model.ErrStructural, "connect completion observer", err)
	}

	// 4. Copy data in. A failure tears the nested workflow down so the task
	// can be retried once its data is corrected.
	if err := b.boundary.copyIn(t, sub); err != nil {
		wf.DeleteSubprocess(t)
		return false, err
	}

	// 5. Start it and wait.
	if err := sub.Start(nil); err != nil {
		return false, err
	}
	t.arena.rt.metrics.RecordSubprocessSpawned(string(t.spec.Kind))
	return false, t.setState(model.TaskStateWaiting)
}

func (b subworkflowTask) poll(t *Task) (bool, error) {
	sub, ok := t.Workflow().GetSubprocess(t)
	if !ok {
		return false, taskError(t, model.ErrStructural, "waiting task has no registered subprocess", nil)
	}
	if !sub.IsCompleted() {
		return false, nil
	}
	if sub.cancelled {
		t.Cancel()
		return false, nil
	}
	if !t.outputsCollected {
		if err := b.boundary.copyOut(t, sub); err != nil {
			return false, err
		}
		t.outputsCollected = true
	}
	return true, nil
}

func (subworkflowTask) cancelled(t *Task) {
	if sub, ok := t.Workflow().GetSubprocess(t); ok {
		sub.Cancel()
	}
}

// subworkflowCompleted copies the data of a finished nested workflow into the
// task still waiting on it. A failure is retried by the task's next poll.
func subworkflowCompleted(sub *Workflow, t *Task) error {
	if t.state != model.TaskStateWaiting || t.outputsCollected || sub.cancelled {
		return nil
	}
	sw, ok := t.behavior().(interface{ dataBoundary() dataBoundary })
	if !ok {
		return taskError(t, model.ErrStructural, "observer task does not run a subprocess", nil)
	}
	if err := sw.dataBoundary().copyOut(t, sub); err != nil {
		return err
	}
	t.outputsCollected = true
	return nil
}

func (b subworkflowTask) dataBoundary() dataBoundary { return b.boundary }

// transactionTask is a subworkflow task that concedes to an interrupting
// boundary event that became eligible in the same pass.
type transactionTask struct {
	subworkflowTask
}

func (transactionTask) beforeComplete(t *Task) (bool, error) {
	parent := t.Parent()
	if parent == nil || parent.spec.Kind != model.KindBoundaryParent {
		return true, nil
	}
	for _, s := range parent.Children() {
		if s.spec.Kind == model.KindBoundaryEvent && s.spec.CancelActivity && s.state == model.TaskStateReady {
			if err := t.setState(model.TaskStateCancelled); err != nil {
				return false, err
			}
			t.arena.rt.metrics.RecordTaskCancelled(string(t.spec.Kind))
			t.arena.rt.metrics.RecordConcession()
			t.behavior().cancelled(t)
			t.dropChildren()
			t.logger().Info("transaction conceded to boundary event",
				zap.String("task_id", t.id.String()),
				zap.String("task", t.spec.ID),
				zap.String("boundary_event", s.spec.ID),
			)
			return false, nil
		}
	}
	return true, nil
}

// defaultBoundary shares data objects with the nested workflow and hands
// task data across as deep copies.
type defaultBoundary struct{}

func (defaultBoundary) copyIn(t *Task, sub *Workflow) error {
	shareDataObjects(t.Workflow(), sub)
	copyTaskDataIn(sub, t.data)
	return nil
}

func (defaultBoundary) copyOut(t *Task, sub *Workflow) error {
	copyLastTaskDataOut(t, sub)
	return nil
}

// shareDataObjects makes the nested workflow use the parent's data map when
// its definition declares data objects. Writes on either side are visible
// to both.
func shareDataObjects(parent, sub *Workflow) {
	if len(sub.spec.DataObjects) == 0 {
		return
	}
	sub.data = parent.data
	sub.dataAliased = true
}

// copyTaskDataIn merges a deep copy of data into every start task of sub.
func copyTaskDataIn(sub *Workflow, data map[string]any) {
	for _, st := range sub.StartTasks() {
		st.mergeData(data)
	}
}

// copyLastTaskDataOut replaces the task data with a deep copy of the data of
// the nested workflow's last completed task.
func copyLastTaskDataOut(t *Task, sub *Workflow) {
	if last := sub.LastTask(); last != nil {
		t.data = copyData(last.data)
	}
}

// callActivityBoundary restricts the hand-off to the inputs and outputs the
// called process declares. With none declared it copies everything.
type callActivityBoundary struct{}

func (callActivityBoundary) copyIn(t *Task, sub *Workflow) error {
	inputs := sub.spec.DataInputs()
	if len(inputs) == 0 {
		copyTaskDataIn(sub, t.data)
		return nil
	}
	selected := make(map[string]any, len(inputs))
	for _, in := range inputs {
		v, ok := t.data[in.ID]
		if !ok {
			return dataError(t, model.ErrDataInputMissing,
				fmt.Sprintf("missing required data input %q", in.ID), in.ID, "")
		}
		selected[in.ID] = v
	}
	copyTaskDataIn(sub, selected)
	return nil
}

func (callActivityBoundary) copyOut(t *Task, sub *Workflow) error {
	outputs := sub.spec.DataOutputs()
	if len(outputs) == 0 {
		copyLastTaskDataOut(t, sub)
		return nil
	}
	ends := sub.EndTasks()
	collected := make(map[string]any, len(outputs))
	for _, out := range outputs {
		found := false
		for i := len(ends) - 1; i >= 0; i-- {
			if v, ok := ends[i].data[out.ID]; ok {
				collected[out.ID] = v
				found = true
				break
			}
		}
		if !found {
			return dataError(t, model.ErrDataOutputMissing,
				fmt.Sprintf("data output %q not available in subprocess output", out.ID), "", out.ID)
		}
	}
	for k, v := range collected {
		t.data[k] = deepcopy.Copy(v)
	}
	return nil
}
