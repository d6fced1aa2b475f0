package workflow

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/weft/internal/observability"
	"github.com/pitabwire/weft/model"
)

// hold returns start -> hold (manual) -> end for a nested process.
func hold(id string) *model.WorkflowSpec {
	return linear(id, node("hold", model.KindManualTask))
}

func TestSubprocess_runsNestedWorkflow(t *testing.T) {
	ev := fakeEvaluator{
		"x * 2": func(d map[string]any) (any, error) { return d["x"].(float64) * 2, nil },
	}
	resolver := specResolver{
		"child": linear("child", script("calc", "x * 2", "y")),
	}
	parent := linear("parent", spawn("sub", model.KindSubprocess, "child"))

	wf := mustStart(t, parent, resolver, map[string]any{"x": 2.0}, WithEvaluator(ev))
	mustRun(t, wf)

	if !wf.IsCompleted() {
		t.Fatal("workflow should be completed")
	}
	sub := mustFind(t, wf, "sub")
	wantState(t, sub, model.TaskStateCompleted)
	if got := sub.Data()["y"]; got != 4.0 {
		t.Errorf("sub y = %v, want 4", got)
	}

	nested, ok := wf.GetSubprocess(sub)
	if !ok {
		t.Fatal("subprocess should stay registered")
	}
	if nested.Parent() != wf || nested.Top() != wf || nested.SpawningTask() != sub {
		t.Error("nested workflow links are wrong")
	}
	if nested.Name() != "sub" {
		t.Errorf("nested Name() = %q, want %q", nested.Name(), "sub")
	}
	if !nested.IsCompleted() {
		t.Error("nested workflow should be completed")
	}
}

func TestSubprocess_waitsOnNestedManualTask(t *testing.T) {
	resolver := specResolver{"child": hold("child")}
	wf := mustStart(t, linear("parent", spawn("sub", model.KindSubprocess, "child")), resolver, nil)
	mustRun(t, wf)

	sub := mustFind(t, wf, "sub")
	wantState(t, sub, model.TaskStateWaiting)

	manual := wf.ManualTasks()
	if len(manual) != 1 || manual[0].Workflow() == wf {
		t.Fatalf("ManualTasks = %v, want the nested hold task", manual)
	}
	if err := manual[0].Advance(); err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	mustRun(t, wf)

	wantState(t, sub, model.TaskStateCompleted)
	if !wf.IsCompleted() {
		t.Error("workflow should be completed")
	}
}

func TestSubprocess_unknownProcess(t *testing.T) {
	wf := mustStart(t, linear("parent", spawn("sub", model.KindSubprocess, "missing")), specResolver{}, nil)
	wantCode(t, wf.DoEngineSteps(), model.ErrNotFound)
	wantState(t, mustFind(t, wf, "sub"), model.TaskStateReady)
}

func TestSubprocess_sharesDataObjects(t *testing.T) {
	child := linear("child", script("append", "ledger + 'b'", "ledger"))
	child.DataObjects = []model.DataSpec{{ID: "ledger"}}
	ev := fakeEvaluator{
		"ledger + 'b'": func(d map[string]any) (any, error) { return d["ledger"].(string) + "b", nil },
	}

	for _, kind := range []model.TaskKind{model.KindSubprocess, model.KindTransaction} {
		parent := linear("parent", spawn("sub", kind, "child"))
		wf, err := New(parent, specResolver{"child": child}, WithEvaluator(ev))
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		wf.Data()["ledger"] = "a"
		if err := wf.Start(nil); err != nil {
			t.Fatalf("Start error: %v", err)
		}
		mustRun(t, wf)

		nested, _ := wf.GetSubprocess(mustFind(t, wf, "sub"))
		if !nested.DataAliased() {
			t.Errorf("%s: nested data should alias the parent", kind)
		}
		if got := wf.Data()["ledger"]; got != "ab" {
			t.Errorf("%s: parent ledger = %v, want ab", kind, got)
		}
	}
}

func TestCallActivity_doesNotShareDataObjects(t *testing.T) {
	child := linear("child", script("append", "ledger + 'b'", "ledger"))
	child.DataObjects = []model.DataSpec{{ID: "ledger"}}
	ev := fakeEvaluator{
		"ledger + 'b'": func(d map[string]any) (any, error) {
			s, _ := d["ledger"].(string)
			return s + "b", nil
		},
	}
	parent := linear("parent", spawn("call", model.KindCallActivity, "child"))
	wf, err := New(parent, specResolver{"child": child}, WithEvaluator(ev))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	wf.Data()["ledger"] = "a"
	if err := wf.Start(nil); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	mustRun(t, wf)

	nested, _ := wf.GetSubprocess(mustFind(t, wf, "call"))
	if nested.DataAliased() {
		t.Error("call activity data should not alias the parent")
	}
	if got := wf.Data()["ledger"]; got != "a" {
		t.Errorf("parent ledger = %v, want a", got)
	}
	if got := nested.Data()["ledger"]; got != "b" {
		t.Errorf("nested ledger = %v, want b", got)
	}
}

func TestSubprocess_copyInIsDeep(t *testing.T) {
	resolver := specResolver{"child": hold("child")}
	wf := mustStart(t, linear("parent", spawn("sub", model.KindSubprocess, "child")), resolver,
		map[string]any{"items": map[string]any{"a": 1.0}})
	mustRun(t, wf)

	sub := mustFind(t, wf, "sub")
	nested, _ := wf.GetSubprocess(sub)
	start := nested.StartTasks()[0]

	sub.Data()["items"].(map[string]any)["a"] = 2.0
	if got := start.Data()["items"].(map[string]any)["a"]; got != 1.0 {
		t.Errorf("nested items.a = %v, want 1 (deep copy)", got)
	}
}

func TestCallActivity_copyInAllWhenUndeclared(t *testing.T) {
	resolver := specResolver{"child": hold("child")}
	data := map[string]any{"a": 1.0, "b": 2.0, "z": "keep"}
	wf := mustStart(t, linear("parent", spawn("call", model.KindCallActivity, "child")), resolver, data)
	mustRun(t, wf)

	nested, _ := wf.GetSubprocess(mustFind(t, wf, "call"))
	start := nested.StartTasks()[0]
	for k := range data {
		if _, ok := start.Data()[k]; !ok {
			t.Errorf("nested start missing %q", k)
		}
	}
}

func ioChild(inputs, outputs []string, body model.TaskSpec) *model.WorkflowSpec {
	spec := linear("child", body)
	spec.IOSpecification = &model.IOSpecification{}
	for _, in := range inputs {
		spec.IOSpecification.DataInputs = append(spec.IOSpecification.DataInputs, model.DataSpec{ID: in})
	}
	for _, out := range outputs {
		spec.IOSpecification.DataOutputs = append(spec.IOSpecification.DataOutputs, model.DataSpec{ID: out})
	}
	return spec
}

func TestCallActivity_copyInDeclaredOnly(t *testing.T) {
	resolver := specResolver{"child": ioChild([]string{"a", "b"}, nil, node("hold", model.KindManualTask))}
	wf := mustStart(t, linear("parent", spawn("call", model.KindCallActivity, "child")), resolver,
		map[string]any{"a": 1.0, "b": 2.0, "z": "drop"})
	mustRun(t, wf)

	nested, _ := wf.GetSubprocess(mustFind(t, wf, "call"))
	got := nested.StartTasks()[0].Data()
	if len(got) != 2 || got["a"] != 1.0 || got["b"] != 2.0 {
		t.Errorf("nested start data = %v, want only a and b", got)
	}
}

func TestCallActivity_missingInput(t *testing.T) {
	resolver := specResolver{"child": ioChild([]string{"a", "b"}, nil, node("hold", model.KindManualTask))}
	wf := mustStart(t, linear("parent", spawn("call", model.KindCallActivity, "child")), resolver,
		map[string]any{"b": 2.0})

	err := wf.DoEngineSteps()
	wantCode(t, err, model.ErrDataInputMissing)
	var de *model.DataError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *model.DataError", err)
	}
	if de.Input != "a" {
		t.Errorf("Input = %q, want %q", de.Input, "a")
	}
	if de.TaskName != "call" {
		t.Errorf("TaskName = %q, want %q", de.TaskName, "call")
	}

	call := mustFind(t, wf, "call")
	wantState(t, call, model.TaskStateReady)
	if _, ok := wf.GetSubprocess(call); ok {
		t.Error("failed copy-in should tear the subprocess down")
	}
	if n := len(wf.Subprocesses()); n != 0 {
		t.Errorf("Subprocesses = %d, want 0", n)
	}

	// Correcting the data lets the task be retried.
	call.Set("a", 1.0)
	mustRun(t, wf)
	if _, ok := wf.GetSubprocess(call); !ok {
		t.Error("retry should spawn the subprocess")
	}
}

func TestCallActivity_copyOutDeclared(t *testing.T) {
	ev := fakeEvaluator{"receipt": constant("R-1")}
	resolver := specResolver{"child": ioChild(nil, []string{"c"}, script("make", "receipt", "c"))}
	wf := mustStart(t, linear("parent", spawn("call", model.KindCallActivity, "child")), resolver,
		map[string]any{"keep": true}, WithEvaluator(ev))
	mustRun(t, wf)

	call := mustFind(t, wf, "call")
	wantState(t, call, model.TaskStateCompleted)
	if got := call.Data()["c"]; got != "R-1" {
		t.Errorf("c = %v, want R-1", got)
	}
	if got := call.Data()["keep"]; got != true {
		t.Errorf("keep = %v, want true (declared outputs merge)", got)
	}
}

func TestCallActivity_missingOutput(t *testing.T) {
	resolver := specResolver{"child": ioChild(nil, []string{"c"}, node("noop", model.KindTask))}
	wf := mustStart(t, linear("parent", spawn("call", model.KindCallActivity, "child")), resolver, nil)

	err := wf.DoEngineSteps()
	wantCode(t, err, model.ErrDataOutputMissing)
	var de *model.DataError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *model.DataError", err)
	}
	if de.Output != "c" {
		t.Errorf("Output = %q, want %q", de.Output, "c")
	}
	wantState(t, mustFind(t, wf, "call"), model.TaskStateWaiting)
}

func TestCallActivity_copyOutAllWhenUndeclared(t *testing.T) {
	ev := fakeEvaluator{"receipt": constant("R-1")}
	resolver := specResolver{"child": linear("child", script("make", "receipt", "c"))}
	wf := mustStart(t, linear("parent", spawn("call", model.KindCallActivity, "child")), resolver,
		map[string]any{"in": 1.0}, WithEvaluator(ev))
	mustRun(t, wf)

	data := mustFind(t, wf, "call").Data()
	if data["c"] != "R-1" || data["in"] != 1.0 {
		t.Errorf("call data = %v, want c and in", data)
	}
}

func TestCreateSubprocess_rejectsSecondRegistration(t *testing.T) {
	child := hold("child")
	wf := mustStart(t, linear("parent", node("a", model.KindManualTask)), nil, nil)
	mustRun(t, wf)
	a := mustFind(t, wf, "a")

	first, err := wf.CreateSubprocess(a, child, "first")
	if err != nil {
		t.Fatalf("CreateSubprocess error: %v", err)
	}
	_, err = wf.CreateSubprocess(a, child, "second")
	wantCode(t, err, model.ErrSubprocessExists)

	got, ok := wf.GetSubprocess(a)
	if !ok || got != first {
		t.Error("first registration should survive")
	}
	if n := len(wf.Subprocesses()); n != 1 {
		t.Errorf("Subprocesses = %d, want 1", n)
	}

	wf.DeleteSubprocess(a)
	if _, ok := wf.GetSubprocess(a); ok {
		t.Error("DeleteSubprocess should remove the registration")
	}
	if _, err := wf.CreateSubprocess(a, child, "third"); err != nil {
		t.Errorf("CreateSubprocess after delete error: %v", err)
	}
}

func TestDeleteSubprocess_removesNested(t *testing.T) {
	resolver := specResolver{
		"mid":  linear("mid", spawn("inner", model.KindSubprocess, "leaf")),
		"leaf": hold("leaf"),
	}
	wf := mustStart(t, linear("top", spawn("outer", model.KindSubprocess, "mid")), resolver, nil)
	mustRun(t, wf)

	if n := len(wf.Subprocesses()); n != 2 {
		t.Fatalf("Subprocesses = %d, want 2", n)
	}
	wf.DeleteSubprocess(mustFind(t, wf, "outer"))
	if n := len(wf.Subprocesses()); n != 0 {
		t.Errorf("Subprocesses after delete = %d, want 0", n)
	}
	if n := len(wf.arena.subprocesses); n != 0 {
		t.Errorf("registry entries = %d, want 0", n)
	}
}

func TestConnectCompletion(t *testing.T) {
	resolver := specResolver{"child": hold("child")}
	wf := mustStart(t, linear("parent", node("a", model.KindManualTask)), resolver, nil)
	mustRun(t, wf)
	a := mustFind(t, wf, "a")

	sub, err := wf.CreateSubprocess(a, hold("child"), "child")
	if err != nil {
		t.Fatalf("CreateSubprocess error: %v", err)
	}

	wantCode(t, sub.ConnectCompletion("unknown", a), model.ErrNotFound)

	var calls int
	wf.RegisterObserver("count", func(completed *Workflow, task *Task) error {
		calls++
		if completed != sub || task != a {
			t.Error("observer called with wrong arguments")
		}
		return nil
	})
	if err := sub.ConnectCompletion("count", a); err != nil {
		t.Fatalf("ConnectCompletion error: %v", err)
	}
	if err := sub.ConnectCompletion("count", a); err != nil {
		t.Errorf("reconnecting the same subscriber error: %v", err)
	}
	wantCode(t, sub.ConnectCompletion(observerSubworkflow, a), model.ErrStructural)

	if err := sub.Start(nil); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := sub.DoEngineSteps(); err != nil {
		t.Fatalf("DoEngineSteps error: %v", err)
	}
	if err := sub.ManualTasks()[0].Advance(); err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	if err := sub.DoEngineSteps(); err != nil {
		t.Fatalf("DoEngineSteps error: %v", err)
	}
	sub.Cancel()

	if calls != 1 {
		t.Errorf("observer calls = %d, want 1", calls)
	}
	wantCode(t, sub.ConnectCompletion("count", a), model.ErrStructural)
}

func TestSubprocess_cancellationPropagates(t *testing.T) {
	resolver := specResolver{
		"mid":  linear("mid", spawn("inner", model.KindSubprocess, "leaf")),
		"leaf": hold("leaf"),
	}
	wf := mustStart(t, linear("top", spawn("outer", model.KindSubprocess, "mid")), resolver, nil)
	mustRun(t, wf)

	outer := mustFind(t, wf, "outer")
	nested := wf.Subprocesses()
	outer.Cancel()

	wantState(t, outer, model.TaskStateCancelled)
	if len(outer.Children()) != 0 {
		t.Error("cancelled task should have no children")
	}
	for _, sub := range nested {
		if !sub.IsCancelled() {
			t.Errorf("nested %s should be cancelled", sub.Spec().ID)
		}
		for _, task := range sub.Tasks() {
			if task.State() != model.TaskStateCompleted && task.State() != model.TaskStateCancelled {
				t.Errorf("nested task %s state = %s", task.Spec().ID, task.State())
			}
			if task.Spec().Kind == model.KindManualTask {
				wantState(t, task, model.TaskStateCancelled)
			}
		}
	}

	mustRun(t, wf)
	if !wf.IsCompleted() {
		t.Error("workflow should be terminal")
	}
	if find(wf, "end") != nil {
		t.Error("no end event should be reached")
	}
}

func TestSubprocess_nestedCancelCancelsTask(t *testing.T) {
	resolver := specResolver{"child": hold("child")}
	wf := mustStart(t, linear("parent", spawn("sub", model.KindSubprocess, "child")), resolver, nil)
	mustRun(t, wf)

	sub := mustFind(t, wf, "sub")
	nested, _ := wf.GetSubprocess(sub)
	nested.Cancel()
	mustRun(t, wf)

	wantState(t, sub, model.TaskStateCancelled)
}

func TestSubprocess_endEventThrowsToParent(t *testing.T) {
	child := process("child",
		node("start", model.KindStartEvent, "finish"),
		event("finish", model.KindEndEvent, "child-done"),
	)
	parent := process("parent",
		node("start", model.KindStartEvent, "split"),
		node("split", model.KindParallelGateway, "sub", "wait"),
		spawn("sub", model.KindSubprocess, "child", "end1"),
		event("wait", model.KindCatchEvent, "child-done", "end2"),
		node("end1", model.KindEndEvent),
		node("end2", model.KindEndEvent),
	)
	wf := mustStart(t, parent, specResolver{"child": child}, nil)
	mustRun(t, wf)

	if !wf.IsCompleted() {
		t.Fatal("workflow should be completed")
	}
	wantState(t, mustFind(t, wf, "wait"), model.TaskStateCompleted)
}

func transactionSpecs() (*model.WorkflowSpec, specResolver) {
	parent := process("parent",
		node("start", model.KindStartEvent, "bp"),
		node("bp", model.KindBoundaryParent, "tx", "abort"),
		spawn("tx", model.KindTransaction, "body", "done"),
		model.TaskSpec{
			ID: "abort", Kind: model.KindBoundaryEvent, Event: "abort",
			CancelActivity: true, Outputs: []string{"aborted"},
		},
		node("done", model.KindEndEvent),
		node("aborted", model.KindEndEvent),
	)
	return parent, specResolver{"body": hold("body")}
}

// finishNested completes the nested transaction body without advancing the
// parent, so the transaction task is still WAITING on a finished workflow.
func finishNested(t *testing.T, wf *Workflow) {
	t.Helper()
	tx := mustFind(t, wf, "tx")
	nested, ok := wf.GetSubprocess(tx)
	if !ok {
		t.Fatal("transaction should have spawned")
	}
	if err := nested.ManualTasks()[0].Advance(); err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	if err := nested.DoEngineSteps(); err != nil {
		t.Fatalf("nested DoEngineSteps error: %v", err)
	}
	if !nested.IsCompleted() {
		t.Fatal("nested workflow should be completed")
	}
	wantState(t, tx, model.TaskStateWaiting)
}

func TestTransaction_concedesToEligibleBoundaryEvent(t *testing.T) {
	parent, resolver := transactionSpecs()
	wf := mustStart(t, parent, resolver, nil)
	mustRun(t, wf)
	finishNested(t, wf)

	if n := wf.Catch("abort", nil); n != 1 {
		t.Fatalf("Catch = %d, want 1", n)
	}
	mustRun(t, wf)

	tx := mustFind(t, wf, "tx")
	wantState(t, tx, model.TaskStateCancelled)
	if len(tx.Children()) != 0 {
		t.Error("conceded transaction should have no children")
	}
	wantState(t, mustFind(t, wf, "aborted"), model.TaskStateCompleted)
	if find(wf, "done") != nil {
		t.Error("done should not be reached")
	}
}

func TestTransaction_concessionCountsAsCancellation(t *testing.T) {
	parent, resolver := transactionSpecs()
	m := observability.InitMetrics(prometheus.NewRegistry())
	wf := mustStart(t, parent, resolver, nil, WithMetrics(m))
	mustRun(t, wf)
	finishNested(t, wf)
	nested, _ := wf.GetSubprocess(mustFind(t, wf, "tx"))

	wf.Catch("abort", nil)
	mustRun(t, wf)

	wantState(t, mustFind(t, wf, "tx"), model.TaskStateCancelled)
	if got := testutil.ToFloat64(m.TasksCancelledTotal.WithLabelValues("transaction")); got != 1 {
		t.Errorf("cancelled transactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SubprocessConcessionsTotal); got != 1 {
		t.Errorf("concessions = %v, want 1", got)
	}
	if !nested.IsCancelled() {
		t.Error("conceded transaction body should be cancelled")
	}
}

func TestTransaction_completesWithoutEligibleBoundaryEvent(t *testing.T) {
	parent, resolver := transactionSpecs()
	wf := mustStart(t, parent, resolver, nil)
	mustRun(t, wf)
	finishNested(t, wf)

	mustRun(t, wf)

	wantState(t, mustFind(t, wf, "tx"), model.TaskStateCompleted)
	wantState(t, mustFind(t, wf, "abort"), model.TaskStateCancelled)
	wantState(t, mustFind(t, wf, "done"), model.TaskStateCompleted)
	if !wf.IsCompleted() {
		t.Error("workflow should be completed")
	}
}

func TestTransaction_nonInterruptingBoundaryDoesNotConcede(t *testing.T) {
	parent, resolver := transactionSpecs()
	for i := range parent.Tasks {
		if parent.Tasks[i].ID == "abort" {
			parent.Tasks[i].CancelActivity = false
		}
	}
	wf := mustStart(t, parent, resolver, nil)
	mustRun(t, wf)
	finishNested(t, wf)

	wf.Catch("abort", nil)
	mustRun(t, wf)

	wantState(t, mustFind(t, wf, "tx"), model.TaskStateCompleted)
	wantState(t, mustFind(t, wf, "done"), model.TaskStateCompleted)
}
