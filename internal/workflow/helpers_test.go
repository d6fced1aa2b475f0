package workflow

import (
	"testing"

	"github.com/pitabwire/weft/model"
)

// --- Test helpers ---

// specResolver serves process definitions from a map.
type specResolver map[string]*model.WorkflowSpec

func (r specResolver) GetProcess(id string) (*model.WorkflowSpec, bool) {
	s, ok := r[id]
	return s, ok
}

// fakeEvaluator maps expression strings to Go functions.
type fakeEvaluator map[string]func(data map[string]any) (any, error)

func (f fakeEvaluator) Evaluate(expression string, data map[string]any) (any, error) {
	fn, ok := f[expression]
	if !ok {
		return nil, &model.EvaluationError{Expression: expression, Message: "unknown expression"}
	}
	return fn(data)
}

// fakeDecider returns fixed results per decision id.
type fakeDecider map[string][]map[string]any

func (f fakeDecider) Decide(id string, _ map[string]any) ([]map[string]any, error) {
	res, ok := f[id]
	if !ok {
		return nil, model.NewNotFoundError("decision " + id + " not found")
	}
	return res, nil
}

func process(id string, tasks ...model.TaskSpec) *model.WorkflowSpec {
	return &model.WorkflowSpec{ID: id, Name: id, File: id + ".yaml", Tasks: tasks}
}

func node(id string, kind model.TaskKind, outputs ...string) model.TaskSpec {
	return model.TaskSpec{ID: id, Kind: kind, Outputs: outputs}
}

func script(id, expression, result string, outputs ...string) model.TaskSpec {
	return model.TaskSpec{
		ID: id, Kind: model.KindScriptTask, Expression: expression,
		ResultVariable: result, Outputs: outputs,
	}
}

func spawn(id string, kind model.TaskKind, subprocess string, outputs ...string) model.TaskSpec {
	return model.TaskSpec{ID: id, Kind: kind, Subprocess: subprocess, Outputs: outputs}
}

func event(id string, kind model.TaskKind, name string, outputs ...string) model.TaskSpec {
	return model.TaskSpec{ID: id, Kind: kind, Event: name, Outputs: outputs}
}

// linear returns start -> body -> end.
func linear(id string, body model.TaskSpec) *model.WorkflowSpec {
	body.Outputs = []string{"end"}
	return process(id,
		node("start", model.KindStartEvent, body.ID),
		body,
		node("end", model.KindEndEvent),
	)
}

func mustStart(t *testing.T, spec *model.WorkflowSpec, resolver SpecResolver, data map[string]any, opts ...Option) *Workflow {
	t.Helper()
	wf, err := New(spec, resolver, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := wf.Start(data); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return wf
}

func mustRun(t *testing.T, wf *Workflow) {
	t.Helper()
	if err := wf.DoEngineSteps(); err != nil {
		t.Fatalf("DoEngineSteps error: %v", err)
	}
}

// find returns the first task instantiating spec id, searching nested
// workflows too.
func find(wf *Workflow, id string) *Task {
	for _, t := range wf.AllTasks() {
		if t.spec.ID == id {
			return t
		}
	}
	return nil
}

func findAll(wf *Workflow, id string) []*Task {
	var out []*Task
	for _, t := range wf.AllTasks() {
		if t.spec.ID == id {
			out = append(out, t)
		}
	}
	return out
}

func mustFind(t *testing.T, wf *Workflow, id string) *Task {
	t.Helper()
	task := find(wf, id)
	if task == nil {
		t.Fatalf("task %q not found", id)
	}
	return task
}

func wantState(t *testing.T, task *Task, want model.TaskState) {
	t.Helper()
	if task.State() != want {
		t.Errorf("%s state = %s, want %s", task.spec.ID, task.State(), want)
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !model.HasCode(err, code) {
		t.Errorf("error = %v, want code %s", err, code)
	}
}

func constant(v any) func(map[string]any) (any, error) {
	return func(map[string]any) (any, error) { return v, nil }
}
