// Package workflow executes process definitions as live task trees. Nested
// workflows spawned by subprocess, call activity and transaction tasks share
// one arena with their top-level workflow.
package workflow

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/weft/internal/observability"
	"github.com/pitabwire/weft/model"
)

const defaultStepLimit = 1000

// SpecResolver supplies prepared process definitions by id.
type SpecResolver interface {
	GetProcess(id string) (*model.WorkflowSpec, bool)
}

// runtime holds the collaborators shared by every workflow of an arena.
type runtime struct {
	evaluator     model.Evaluator
	decider       model.Decider
	logger        *zap.Logger
	metrics       *observability.Metrics
	serializer    *Serializer
	maxTraceDepth int
	stepLimit     int
}

// Option configures workflows and the Engine.
type Option func(*runtime)

// WithEvaluator sets the evaluator used by script tasks and gateways.
func WithEvaluator(e model.Evaluator) Option {
	return func(rt *runtime) { rt.evaluator = e }
}

// WithDecider sets the decider used by business rule tasks.
func WithDecider(d model.Decider) Option {
	return func(rt *runtime) { rt.decider = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(rt *runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(rt *runtime) { rt.metrics = m }
}

// WithMaxTraceDepth bounds the nesting walked when building a task trace.
func WithMaxTraceDepth(n int) Option {
	return func(rt *runtime) {
		if n > 0 {
			rt.maxTraceDepth = n
		}
	}
}

// WithStepLimit bounds the passes a single DoEngineSteps call may take.
func WithStepLimit(n int) Option {
	return func(rt *runtime) {
		if n > 0 {
			rt.stepLimit = n
		}
	}
}

// WithSerializer sets the snapshot serializer used by the Engine.
func WithSerializer(s *Serializer) Option {
	return func(rt *runtime) {
		if s != nil {
			rt.serializer = s
		}
	}
}

func newRuntime(opts []Option) *runtime {
	rt := &runtime{
		logger:        zap.NewNop(),
		serializer:    &Serializer{},
		maxTraceDepth: defaultMaxTraceDepth,
		stepLimit:     defaultStepLimit,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// arena owns every workflow and task of one execution. All cross references
// are ids resolved here.
type arena struct {
	workflows map[uuid.UUID]*Workflow
	// order lists workflows in creation order.
	order []uuid.UUID
	// subprocesses maps a spawning task id to the workflow it spawned.
	subprocesses map[uuid.UUID]uuid.UUID
	observers    map[string]ObserverFunc
	seq          int64
	resolver     SpecResolver
	rt           *runtime
}

func newArena(resolver SpecResolver, rt *runtime) *arena {
	return &arena{
		workflows:    make(map[uuid.UUID]*Workflow),
		subprocesses: make(map[uuid.UUID]uuid.UUID),
		observers: map[string]ObserverFunc{
			observerSubworkflow: subworkflowCompleted,
		},
		resolver: resolver,
		rt:       rt,
	}
}

// completionObserver is the single pending subscriber of a workflow.
type completionObserver struct {
	Name   string    `json:"name"`
	TaskID uuid.UUID `json:"task_id"`
}

// Workflow is one running or finished instantiation of a process definition.
type Workflow struct {
	id               uuid.UUID
	spec             *model.WorkflowSpec
	name             string
	rootID           uuid.UUID
	topID            uuid.UUID
	parentWorkflowID uuid.UUID
	parentTaskID     uuid.UUID
	data             map[string]any
	dataAliased      bool
	tasks            map[uuid.UUID]*Task
	lastTaskID       uuid.UUID
	observer         *completionObserver
	observerFired    bool
	cancelled        bool
	arena            *arena
}

// New creates a top-level workflow for spec. The root is born COMPLETED and
// its start events are created FUTURE; Start makes them eligible. The
// resolver supplies the definitions of nested processes.
func New(spec *model.WorkflowSpec, resolver SpecResolver, opts ...Option) (*Workflow, error) {
	if spec == nil {
		return nil, model.NewInternalError("workflow spec is nil")
	}
	a := newArena(resolver, newRuntime(opts))
	return a.newWorkflow(spec, spec.Name, nil, nil)
}

func (a *arena) newWorkflow(spec *model.WorkflowSpec, name string, parent *Workflow, spawning *Task) (*Workflow, error) {
	if !spec.Prepared() {
		if err := spec.Prepare(); err != nil {
			return nil, err
		}
	}

	w := &Workflow{
		id:    uuid.New(),
		spec:  spec,
		name:  name,
		data:  make(map[string]any),
		tasks: make(map[uuid.UUID]*Task),
		arena: a,
	}
	w.topID = w.id
	if parent != nil {
		w.topID = parent.topID
		w.parentWorkflowID = parent.id
		w.parentTaskID = spawning.id
	}
	a.workflows[w.id] = w
	a.order = append(a.order, w.id)

	root := w.newTask(spec.Root(), nil, make(map[string]any))
	root.state = model.TaskStateCompleted
	w.rootID = root.id
	for _, ts := range spec.Successors(spec.Root()) {
		w.newTask(ts, root, make(map[string]any))
	}
	return w, nil
}

func (w *Workflow) newTask(ts *model.TaskSpec, parent *Task, data map[string]any) *Task {
	t := &Task{
		id:         uuid.New(),
		spec:       ts,
		state:      model.TaskStateFuture,
		data:       data,
		workflowID: w.id,
		arena:      w.arena,
	}
	if parent != nil {
		t.parentID = parent.id
		parent.children = append(parent.children, t.id)
	}
	w.tasks[t.id] = t
	return t
}

// ID returns the workflow id.
func (w *Workflow) ID() uuid.UUID { return w.id }

// Spec returns the process definition.
func (w *Workflow) Spec() *model.WorkflowSpec { return w.spec }

// Name returns the workflow name; nested workflows carry the spawning task's name.
func (w *Workflow) Name() string { return w.name }

// Data returns the shared workflow data. Nested workflows whose definition
// declares data objects share the map of their parent.
func (w *Workflow) Data() map[string]any { return w.data }

// DataAliased reports whether Data is the parent workflow's map.
func (w *Workflow) DataAliased() bool { return w.dataAliased }

// Root returns the root task.
func (w *Workflow) Root() *Task { return w.tasks[w.rootID] }

// Top returns the outermost workflow of the execution.
func (w *Workflow) Top() *Workflow { return w.arena.workflows[w.topID] }

// Parent returns the workflow that spawned this one, or nil at the top.
func (w *Workflow) Parent() *Workflow {
	if w.parentWorkflowID == uuid.Nil {
		return nil
	}
	return w.arena.workflows[w.parentWorkflowID]
}

// SpawningTask returns the task in the parent workflow that spawned this one.
func (w *Workflow) SpawningTask() *Task {
	p := w.Parent()
	if p == nil {
		return nil
	}
	return p.tasks[w.parentTaskID]
}

// IsTop reports whether w is the outermost workflow.
func (w *Workflow) IsTop() bool { return w.id == w.topID }

// IsCancelled reports whether Cancel was called.
func (w *Workflow) IsCancelled() bool { return w.cancelled }

// Start merges data into the start events and makes them eligible.
func (w *Workflow) Start(data map[string]any) error {
	for _, st := range w.StartTasks() {
		st.mergeData(data)
		if err := st.update(); err != nil {
			return err
		}
	}
	return nil
}

// StartTasks returns the start event tasks directly below the root.
func (w *Workflow) StartTasks() []*Task {
	var out []*Task
	for _, c := range w.Root().Children() {
		if c.spec.Kind == model.KindStartEvent {
			out = append(out, c)
		}
	}
	return out
}

// EndTasks returns the completed end event tasks, in completion order.
func (w *Workflow) EndTasks() []*Task {
	var out []*Task
	for _, t := range w.Tasks() {
		if t.spec.Kind == model.KindEndEvent && t.state == model.TaskStateCompleted {
			out = append(out, t)
		}
	}
	sortByCompletion(out)
	return out
}

// LastTask returns the most recently completed task of this workflow.
func (w *Workflow) LastTask() *Task {
	if w.lastTaskID == uuid.Nil {
		return nil
	}
	return w.tasks[w.lastTaskID]
}

// IsCompleted reports whether every task of the workflow is terminal.
func (w *Workflow) IsCompleted() bool {
	for _, t := range w.tasks {
		if !t.state.IsTerminal() {
			return false
		}
	}
	return true
}

// Tasks returns the workflow's own tasks in depth-first pre-order.
func (w *Workflow) Tasks() []*Task {
	var out []*Task
	var walk func(t *Task)
	walk = func(t *Task) {
		out = append(out, t)
		for _, c := range t.Children() {
			walk(c)
		}
	}
	walk(w.Root())
	return out
}

// AllTasks returns the tasks of w and of every workflow nested below it in
// depth-first pre-order. A nested workflow's tasks follow the task that
// spawned it, ahead of that task's children.
func (w *Workflow) AllTasks() []*Task {
	var out []*Task
	var walk func(t *Task)
	walk = func(t *Task) {
		out = append(out, t)
		if sub, ok := w.arena.subprocessOf(t); ok {
			out = append(out, sub.AllTasks()...)
		}
		for _, c := range t.Children() {
			walk(c)
		}
	}
	walk(w.Root())
	return out
}

// GetTask finds a task in w or any workflow nested below it.
func (w *Workflow) GetTask(id uuid.UUID) (*Task, bool) {
	if t, ok := w.tasks[id]; ok {
		return t, true
	}
	for _, t := range w.AllTasks() {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

// TasksInState returns the tasks of w and its nested workflows in state s.
func (w *Workflow) TasksInState(s model.TaskState) []*Task {
	var out []*Task
	for _, t := range w.AllTasks() {
		if t.state == s {
			out = append(out, t)
		}
	}
	return out
}

// ManualTasks returns the READY manual tasks awaiting external completion.
func (w *Workflow) ManualTasks() []*Task {
	var out []*Task
	for _, t := range w.TasksInState(model.TaskStateReady) {
		if t.spec.Kind == model.KindManualTask {
			out = append(out, t)
		}
	}
	return out
}

// DoEngineSteps advances the tree until no task makes progress. Each pass
// first re-polls every WAITING task, then runs every READY task that is not
// a manual task, both in AllTasks order.
func (w *Workflow) DoEngineSteps() error {
	limit := w.arena.rt.stepLimit
	for pass := 0; ; pass++ {
		if pass >= limit {
			return &model.WorkflowError{
				Code:    model.ErrStepLimit,
				Message: fmt.Sprintf("workflow %s still progressing after %d passes", w.id, limit),
			}
		}
		progressed, err := w.enginePass()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

func (w *Workflow) enginePass() (bool, error) {
	progressed := false

	for _, t := range w.AllTasks() {
		if t.state != model.TaskStateWaiting {
			continue
		}
		if err := t.poll(); err != nil {
			return progressed, err
		}
		if t.state != model.TaskStateWaiting {
			progressed = true
		}
	}

	for _, t := range w.AllTasks() {
		if t.state != model.TaskStateReady || t.spec.Kind == model.KindManualTask {
			continue
		}
		if err := t.run(); err != nil {
			return progressed, err
		}
		if t.state != model.TaskStateReady {
			progressed = true
		}
	}

	return progressed, nil
}

// Catch delivers an event to every WAITING catch or boundary event of w and
// its nested workflows listening for it. Each catcher receives a copy of the
// payload and becomes READY. It returns the number of catchers.
func (w *Workflow) Catch(event string, payload map[string]any) int {
	n := 0
	for _, t := range w.AllTasks() {
		if t.state != model.TaskStateWaiting || t.spec.Event != event {
			continue
		}
		if t.spec.Kind != model.KindCatchEvent && t.spec.Kind != model.KindBoundaryEvent {
			continue
		}
		t.mergeData(payload)
		if err := t.setState(model.TaskStateReady); err == nil {
			n++
		}
	}
	return n
}

// throw delivers event to the nearest workflow, starting at w and moving
// outwards, that has a catcher for it.
func (w *Workflow) throw(event string, payload map[string]any) int {
	for cur := w; cur != nil; cur = cur.Parent() {
		if n := cur.Catch(event, payload); n > 0 {
			return n
		}
	}
	w.arena.rt.logger.Debug("event not caught",
		zap.String("workflow_id", w.id.String()),
		zap.String("event", event),
	)
	return 0
}

// Cancel cancels every unfinished task. Completed tasks stay COMPLETED.
func (w *Workflow) Cancel() {
	if w.cancelled {
		return
	}
	w.cancelled = true
	root := w.Root()
	root.cancelTree()
	w.taskFinished(root)
}

// taskFinished notifies the completion observer the first time the whole
// tree is terminal.
func (w *Workflow) taskFinished(*Task) {
	if w.observerFired || !w.IsCompleted() {
		return
	}
	w.observerFired = true
	obs := w.observer
	w.observer = nil
	if obs == nil {
		return
	}
	if err := w.arena.notify(w, obs); err != nil {
		w.arena.rt.logger.Warn("completion observer failed",
			zap.String("workflow_id", w.id.String()),
			zap.String("observer", obs.Name),
			zap.Error(err),
		)
	}
}

func sortByCompletion(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].completedSeq < tasks[j].completedSeq
	})
}

func zapWorkflow(w *Workflow) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", w.id.String()),
		zap.String("process_id", w.spec.ID),
	}
}
