package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/pitabwire/weft/model"
)

// nestedTwice builds top -> outer(mid) -> inner(leaf) -> hold and runs it
// until the leaf's manual task is READY.
func nestedTwice(t *testing.T, opts ...Option) (*Workflow, *Task) {
	t.Helper()
	resolver := specResolver{
		"mid":  linear("mid", spawn("inner", model.KindSubprocess, "leaf")),
		"leaf": hold("leaf"),
	}
	wf := mustStart(t, linear("top", spawn("outer", model.KindSubprocess, "mid")), resolver, nil, opts...)
	mustRun(t, wf)
	return wf, mustFind(t, wf, "hold")
}

func TestTrace_topLevelTask(t *testing.T) {
	wf := mustStart(t, linear("top", node("a", model.KindManualTask)), nil, nil)
	mustRun(t, wf)

	trace, err := mustFind(t, wf, "a").Trace()
	if err != nil {
		t.Fatalf("Trace error: %v", err)
	}
	if len(trace) != 1 || trace[0] != "a (top.yaml)" {
		t.Errorf("Trace() = %v, want [a (top.yaml)]", trace)
	}
}

func TestTrace_nestedInnermostFirst(t *testing.T) {
	_, task := nestedTwice(t)

	trace, err := task.Trace()
	if err != nil {
		t.Fatalf("Trace error: %v", err)
	}
	want := []string{"hold (leaf.yaml)", "inner (mid.yaml)", "outer (top.yaml)"}
	if len(trace) != len(want) {
		t.Fatalf("Trace() = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("Trace()[%d] = %q, want %q", i, trace[i], want[i])
		}
	}
}

func TestTrace_usesDisplayName(t *testing.T) {
	body := node("a", model.KindManualTask)
	body.Name = "Approve order"
	wf := mustStart(t, linear("top", body), nil, nil)
	mustRun(t, wf)

	trace, err := mustFind(t, wf, "a").Trace()
	if err != nil {
		t.Fatalf("Trace error: %v", err)
	}
	if trace[0] != "Approve order (top.yaml)" {
		t.Errorf("Trace()[0] = %q", trace[0])
	}
}

func TestTrace_missingRegistryEntry(t *testing.T) {
	wf, task := nestedTwice(t)
	delete(wf.arena.subprocesses, mustFind(t, wf, "inner").ID())

	_, err := task.Trace()
	wantCode(t, err, model.ErrStructural)
}

func TestTrace_missingSpawningTask(t *testing.T) {
	wf, task := nestedTwice(t)
	inner := mustFind(t, wf, "inner")
	delete(inner.Workflow().tasks, inner.ID())

	_, err := task.Trace()
	wantCode(t, err, model.ErrStructural)
}

func TestTrace_depthCap(t *testing.T) {
	_, task := nestedTwice(t, WithMaxTraceDepth(1))

	_, err := task.Trace()
	wantCode(t, err, model.ErrTraceLimit)
}

func TestTrace_cycleHitsCap(t *testing.T) {
	_, task := nestedTwice(t)

	// Point the leaf workflow at itself with a consistent registry entry.
	leaf := task.Workflow()
	leaf.parentWorkflowID = leaf.id
	leaf.parentTaskID = task.id
	leaf.arena.subprocesses[task.id] = leaf.id

	_, err := task.Trace()
	wantCode(t, err, model.ErrTraceLimit)
}

func TestTaskError_carriesTrace(t *testing.T) {
	resolver := specResolver{"child": linear("child", script("calc", "boom", "y"))}
	wf := mustStart(t, linear("top", spawn("sub", model.KindSubprocess, "child")), resolver, nil,
		WithEvaluator(fakeEvaluator{}))

	err := wf.DoEngineSteps()
	we, ok := model.AsWorkflowError(err)
	if !ok {
		t.Fatalf("error type = %T, want *model.WorkflowError", err)
	}
	if we.Code != model.ErrEvaluationFailed {
		t.Errorf("Code = %q, want %q", we.Code, model.ErrEvaluationFailed)
	}
	want := []string{"calc (child.yaml)", "sub (top.yaml)"}
	if len(we.Trace) != 2 || we.Trace[0] != want[0] || we.Trace[1] != want[1] {
		t.Errorf("Trace = %v, want %v", we.Trace, want)
	}
	var ee *model.EvaluationError
	if !errors.As(err, &ee) {
		t.Error("cause should be the evaluation error")
	}
}

func TestTaskError_didYouMean(t *testing.T) {
	ev := fakeEvaluator{
		"amout * 2": func(map[string]any) (any, error) {
			return nil, &model.EvaluationError{
				Expression: "amout * 2",
				Message:    "undeclared reference to 'amout'",
				Undefined:  "amout",
				Line:       1,
				Column:     1,
			}
		},
	}
	wf := mustStart(t, linear("top", script("calc", "amout * 2", "y")), nil,
		map[string]any{"amount": 10.0, "currency": "EUR"}, WithEvaluator(ev))

	err := wf.DoEngineSteps()
	we, ok := model.AsWorkflowError(err)
	if !ok {
		t.Fatalf("error type = %T, want *model.WorkflowError", err)
	}
	if we.Line != 1 || we.Offset != 1 {
		t.Errorf("Line/Offset = %d/%d, want 1/1", we.Line, we.Offset)
	}
	if len(we.Notes) != 1 || !strings.Contains(we.Notes[0], "'amount'") {
		t.Errorf("Notes = %v, want a suggestion for amount", we.Notes)
	}
	if !strings.Contains(err.Error(), "Did you mean") {
		t.Errorf("Error() = %q, want the suggestion", err.Error())
	}
}

func TestTaskError_traceFailureBecomesStructural(t *testing.T) {
	wf, task := nestedTwice(t)
	delete(wf.arena.subprocesses, mustFind(t, wf, "inner").ID())

	err := taskError(task, model.ErrEvaluationFailed, "boom", nil)
	wantCode(t, err, model.ErrStructural)
	if !model.HasCode(err, model.ErrEvaluationFailed) {
		t.Error("original error should be kept as the cause")
	}
}
