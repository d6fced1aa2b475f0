package workflow

import (
	"fmt"

	"github.com/pitabwire/weft/model"
)

const defaultMaxTraceDepth = 1000

// Trace describes how execution reached the task across nested workflows:
// one "name (file)" entry for the task followed by one per spawning task,
// innermost first. A broken nesting chain or a walk longer than the
// configured depth is reported as an error instead of a partial trace.
func (t *Task) Trace() ([]string, error) {
	a := t.arena
	entries := []string{describe(t)}

	cur := t.Workflow()
	for hops := 0; cur.id != cur.topID; hops++ {
		if hops >= a.rt.maxTraceDepth {
			return nil, &model.WorkflowError{
				Code:    model.ErrTraceLimit,
				Message: fmt.Sprintf("task trace exceeded %d nested workflows", a.rt.maxTraceDepth),
			}
		}

		parent, ok := a.workflows[cur.parentWorkflowID]
		if !ok {
			return nil, model.NewStructuralError(
				fmt.Sprintf("workflow %s: parent workflow %s not found", cur.id, cur.parentWorkflowID),
			)
		}
		caller, ok := parent.tasks[cur.parentTaskID]
		if !ok {
			return nil, model.NewStructuralError(
				fmt.Sprintf("workflow %s: spawning task %s not found in workflow %s", cur.id, cur.parentTaskID, parent.id),
			)
		}
		if registered, ok := a.subprocesses[caller.id]; !ok || registered != cur.id {
			return nil, model.NewStructuralError(
				fmt.Sprintf("workflow %s: no subprocess registered for spawning task %s", cur.id, caller.id),
			)
		}

		entries = append(entries, describe(caller))
		cur = parent
	}
	return entries, nil
}

func describe(t *Task) string {
	return fmt.Sprintf("%s (%s)", t.spec.DisplayName(), t.Workflow().spec.File)
}
