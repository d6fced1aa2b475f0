package workflow

import (
	"fmt"
	"sort"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/weft/model"
)

// behavior is the hook set a task kind plugs into the task state machine.
type behavior interface {
	// update moves an eligible FUTURE task to READY or WAITING.
	update(t *Task) error
	// run executes a READY task and reports whether it is done.
	run(t *Task) (bool, error)
	// poll re-checks a WAITING task and reports whether it is done.
	poll(t *Task) (bool, error)
	// successors resolves the node definitions to grow below a completing task.
	successors(t *Task) ([]*model.TaskSpec, error)
	// beforeComplete may veto completion; the task has then left the
	// completion path on its own.
	beforeComplete(t *Task) (bool, error)
	// childCompleted is called on a parent after one of its children completed.
	childCompleted(t, child *Task)
	// cancelled is called after the task moved to CANCELLED.
	cancelled(t *Task)
}

// base supplies the behavior of a plain synchronous activity.
type base struct{}

func (base) update(t *Task) error {
	return t.setState(model.TaskStateReady)
}

func (base) run(*Task) (bool, error) { return true, nil }

func (base) poll(*Task) (bool, error) { return false, nil }

func (base) successors(t *Task) ([]*model.TaskSpec, error) {
	return t.Workflow().spec.Successors(t.spec), nil
}

func (base) beforeComplete(*Task) (bool, error) { return true, nil }

func (base) childCompleted(_, _ *Task) {}

func (base) cancelled(*Task) {}

var behaviors = map[model.TaskKind]behavior{
	model.KindRoot:             base{},
	model.KindStartEvent:       base{},
	model.KindEndEvent:         endEvent{},
	model.KindTask:             base{},
	model.KindManualTask:       base{},
	model.KindScriptTask:       scriptTask{},
	model.KindBusinessRuleTask: businessRuleTask{},
	model.KindExclusiveGateway: exclusiveGateway{},
	model.KindParallelGateway:  parallelGateway{},
	model.KindCatchEvent:       catchEvent{},
	model.KindThrowEvent:       throwEvent{},
	model.KindBoundaryParent:   boundaryParent{},
	model.KindBoundaryEvent:    boundaryEvent{},
	model.KindSubprocess:       subworkflowTask{boundary: defaultBoundary{}},
	model.KindCallActivity:     subworkflowTask{boundary: callActivityBoundary{}},
	model.KindTransaction:      transactionTask{subworkflowTask{boundary: defaultBoundary{}}},
}

func behaviorFor(kind model.TaskKind) behavior {
	if b, ok := behaviors[kind]; ok {
		return b
	}
	return base{}
}

// evalContext builds the data visible to expressions bound to t: the task's
// data overlaid with the workflow's declared data objects.
func evalContext(t *Task) map[string]any {
	wf := t.Workflow()
	ctx := make(map[string]any, len(t.data)+len(wf.spec.DataObjects))
	for k, v := range t.data {
		ctx[k] = v
	}
	for _, obj := range wf.spec.DataObjects {
		if v, ok := wf.data[obj.ID]; ok {
			ctx[obj.ID] = v
		}
	}
	return ctx
}

// assign writes a result into the workflow data when name is a declared data
// object and into the task data otherwise.
func assign(t *Task, name string, value any) {
	wf := t.Workflow()
	for _, obj := range wf.spec.DataObjects {
		if obj.ID == name {
			wf.data[name] = value
			return
		}
	}
	t.data[name] = value
}

// endEvent optionally throws its event when it completes.
type endEvent struct{ base }

func (endEvent) run(t *Task) (bool, error) {
	if t.spec.Event != "" {
		t.Workflow().throw(t.spec.Event, t.data)
	}
	return true, nil
}

// scriptTask evaluates its expression. The result is stored under
// ResultVariable, or merged into the data when it is a map.
type scriptTask struct{ base }

func (scriptTask) run(t *Task) (bool, error) {
	ev := t.arena.rt.evaluator
	if ev == nil {
		return false, taskError(t, model.ErrInternalError, "no evaluator configured", nil)
	}
	result, err := ev.Evaluate(t.spec.Expression, evalContext(t))
	if err != nil {
		return false, taskError(t, model.ErrEvaluationFailed, "script evaluation failed", err)
	}
	if t.spec.ResultVariable != "" {
		assign(t, t.spec.ResultVariable, result)
		return true, nil
	}
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			assign(t, k, v)
		}
	}
	return true, nil
}

// businessRuleTask asks the decider and merges the first matched rule.
type businessRuleTask struct{ base }

func (businessRuleTask) run(t *Task) (bool, error) {
	d := t.arena.rt.decider
	if d == nil {
		return false, taskError(t, model.ErrInternalError, "no decider configured", nil)
	}
	results, err := d.Decide(t.spec.Decision, evalContext(t))
	if err != nil {
		return false, taskError(t, model.ErrEvaluationFailed, fmt.Sprintf("decision %q failed", t.spec.Decision), err)
	}
	if len(results) == 0 {
		return false, taskError(t, model.ErrNoDecision, fmt.Sprintf("decision %q matched no rule", t.spec.Decision), nil)
	}
	if t.spec.ResultVariable != "" {
		assign(t, t.spec.ResultVariable, deepcopy.Copy(results[0]))
		return true, nil
	}
	for k, v := range results[0] {
		assign(t, k, deepcopy.Copy(v))
	}
	return true, nil
}

// exclusiveGateway follows the first flow whose condition holds, then the
// default flow.
type exclusiveGateway struct{ base }

func (exclusiveGateway) successors(t *Task) ([]*model.TaskSpec, error) {
	wf := t.Workflow()
	target := ""
	if len(t.spec.Conditions) > 0 {
		ev := t.arena.rt.evaluator
		if ev == nil {
			return nil, taskError(t, model.ErrInternalError, "no evaluator configured", nil)
		}
		ctx := evalContext(t)
		for _, cond := range t.spec.Conditions {
			v, err := ev.Evaluate(cond.Expression, ctx)
			if err != nil {
				return nil, taskError(t, model.ErrEvaluationFailed, fmt.Sprintf("condition for %q failed", cond.Target), err)
			}
			ok, isBool := v.(bool)
			if !isBool {
				return nil, taskError(t, model.ErrEvaluationFailed,
					fmt.Sprintf("condition for %q evaluated to %T, want bool", cond.Target, v), nil)
			}
			if ok {
				target = cond.Target
				break
			}
		}
	}
	if target == "" {
		target = t.spec.Default
	}
	if target == "" {
		return nil, taskError(t, model.ErrNoMatchingFlow, "no condition matched and no default flow", nil)
	}
	next, ok := wf.spec.TaskSpec(target)
	if !ok {
		return nil, taskError(t, model.ErrStructural, fmt.Sprintf("flow target %q does not exist", target), nil)
	}
	return []*model.TaskSpec{next}, nil
}

// parallelGateway splits to every output. With more than one incoming flow
// it also joins: each arriving branch creates its own instance, the instance
// completing the set becomes READY with the merged data and the others are
// cancelled.
type parallelGateway struct{ base }

func (g parallelGateway) update(t *Task) error {
	inputs := t.Workflow().spec.Inputs(t.spec.ID)
	if len(inputs) <= 1 {
		return t.setState(model.TaskStateReady)
	}
	if !g.tryJoin(t, inputs) {
		return t.setState(model.TaskStateWaiting)
	}
	return nil
}

func (g parallelGateway) poll(t *Task) (bool, error) {
	g.tryJoin(t, t.Workflow().spec.Inputs(t.spec.ID))
	return false, nil
}

func (parallelGateway) tryJoin(t *Task, inputs []string) bool {
	wf := t.Workflow()
	var arrived []*Task
	seen := make(map[string]bool, len(inputs))
	for _, other := range wf.Tasks() {
		if other.spec.ID != t.spec.ID || other.state.IsTerminal() {
			continue
		}
		p := other.Parent()
		if p == nil || p.state != model.TaskStateCompleted {
			continue
		}
		arrived = append(arrived, other)
		seen[p.spec.ID] = true
	}
	for _, in := range inputs {
		if !seen[in] {
			return false
		}
	}

	sort.SliceStable(arrived, func(i, j int) bool {
		return arrived[i].Parent().completedSeq < arrived[j].Parent().completedSeq
	})
	merged := make(map[string]any)
	for _, a := range arrived {
		for k, v := range a.data {
			merged[k] = v
		}
	}
	for _, a := range arrived {
		if a.id != t.id {
			a.Cancel()
		}
	}
	t.data = copyData(merged)
	// FUTURE or WAITING to READY.
	_ = t.setState(model.TaskStateReady)
	return true
}

// catchEvent waits for its event. Catching it merges the payload and makes
// the task READY.
type catchEvent struct{ base }

func (catchEvent) update(t *Task) error {
	return t.setState(model.TaskStateWaiting)
}

// throwEvent throws its event to the nearest workflow with a waiting catcher.
type throwEvent struct{ base }

func (throwEvent) run(t *Task) (bool, error) {
	t.Workflow().throw(t.spec.Event, t.data)
	return true, nil
}

// boundaryParent groups an activity (its first output) with the boundary
// events attached to it (the remaining outputs).
type boundaryParent struct{ base }

func (boundaryParent) childCompleted(t, child *Task) {
	if len(t.spec.Outputs) == 0 || child.spec.ID != t.spec.Outputs[0] {
		return
	}
	for _, c := range t.Children() {
		if c.spec.Kind == model.KindBoundaryEvent && !c.state.IsTerminal() {
			c.Cancel()
		}
	}
}

// boundaryEvent waits like a catch event. When it runs with CancelActivity
// set it cancels the activity it is attached to.
type boundaryEvent struct{ catchEvent }

func (boundaryEvent) run(t *Task) (bool, error) {
	if t.spec.CancelActivity {
		for _, s := range t.siblings() {
			if !s.state.IsTerminal() {
				s.Cancel()
			}
		}
	}
	return true, nil
}
