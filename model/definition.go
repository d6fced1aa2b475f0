package model

import (
	"fmt"
	"strings"
)

// DefinitionFile is the root structure of a definition file. Each file
// declares a set of process definitions and the decision tables they use.
type DefinitionFile struct {
	Processes []WorkflowSpec  `yaml:"processes" json:"processes"`
	Decisions []DecisionTable `yaml:"decisions" json:"decisions,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// TaskKind selects the behavior a task node plugs into the engine.
type TaskKind string

// Supported task kinds.
const (
	KindRoot             TaskKind = "root"
	KindStartEvent       TaskKind = "start_event"
	KindEndEvent         TaskKind = "end_event"
	KindTask             TaskKind = "task"
	KindManualTask       TaskKind = "manual_task"
	KindScriptTask       TaskKind = "script_task"
	KindBusinessRuleTask TaskKind = "business_rule_task"
	KindExclusiveGateway TaskKind = "exclusive_gateway"
	KindParallelGateway  TaskKind = "parallel_gateway"
	KindCatchEvent       TaskKind = "intermediate_catch_event"
	KindThrowEvent       TaskKind = "intermediate_throw_event"
	KindBoundaryParent   TaskKind = "boundary_parent"
	KindBoundaryEvent    TaskKind = "boundary_event"
	KindSubprocess       TaskKind = "subprocess"
	KindCallActivity     TaskKind = "call_activity"
	KindTransaction      TaskKind = "transaction"
)

// RootSpecID is the id of the synthetic root node every process receives.
const RootSpecID = "__root__"

// SpawnsSubprocess reports whether tasks of this kind run a nested workflow.
func (k TaskKind) SpawnsSubprocess() bool {
	return k == KindSubprocess || k == KindCallActivity || k == KindTransaction
}

// Known reports whether k is a supported kind.
func (k TaskKind) Known() bool {
	switch k {
	case KindRoot, KindStartEvent, KindEndEvent, KindTask, KindManualTask,
		KindScriptTask, KindBusinessRuleTask, KindExclusiveGateway, KindParallelGateway,
		KindCatchEvent, KindThrowEvent, KindBoundaryParent, KindBoundaryEvent,
		KindSubprocess, KindCallActivity, KindTransaction:
		return true
	}
	return false
}

// TaskSpec is an immutable node of a process definition.
type TaskSpec struct {
	ID            string   `yaml:"id"                json:"id"`
	Name          string   `yaml:"name"              json:"name,omitempty"`
	Kind          TaskKind `yaml:"kind"              json:"kind"`
	Outputs       []string `yaml:"outputs"           json:"outputs,omitempty"`
	Documentation string   `yaml:"documentation"     json:"documentation,omitempty"`

	// Script and business rule tasks.
	Expression     string `yaml:"expression"      json:"expression,omitempty"`
	ResultVariable string `yaml:"result_variable" json:"result_variable,omitempty"`
	Decision       string `yaml:"decision"        json:"decision,omitempty"`

	// Exclusive gateways.
	Conditions []ConditionalFlow `yaml:"conditions" json:"conditions,omitempty"`
	Default    string            `yaml:"default"    json:"default,omitempty"`

	// Subprocess, call activity and transaction: id of the nested process.
	Subprocess string `yaml:"subprocess" json:"subprocess,omitempty"`

	// Catch, throw and boundary events.
	Event          string `yaml:"event"           json:"event,omitempty"`
	CancelActivity bool   `yaml:"cancel_activity" json:"cancel_activity,omitempty"`
}

// DisplayName returns the human readable name, falling back to the id.
func (s *TaskSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ConditionalFlow is an outgoing edge of an exclusive gateway guarded by an
// expression.
type ConditionalFlow struct {
	Target     string `yaml:"target"     json:"target"`
	Expression string `yaml:"expression" json:"expression"`
}

// DataSpec names a process variable.
type DataSpec struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name,omitempty"`
}

// IOSpecification declares the data a called process consumes and produces.
type IOSpecification struct {
	DataInputs  []DataSpec `yaml:"data_inputs"  json:"data_inputs,omitempty"`
	DataOutputs []DataSpec `yaml:"data_outputs" json:"data_outputs,omitempty"`
}

// WorkflowSpec is an immutable process definition: a graph of task specs.
// Prepare must be called before the spec is used to build workflows.
type WorkflowSpec struct {
	ID              string           `yaml:"id"               json:"id"`
	Name            string           `yaml:"name"             json:"name"`
	Tasks           []TaskSpec       `yaml:"tasks"            json:"tasks"`
	DataObjects     []DataSpec       `yaml:"data_objects"     json:"data_objects,omitempty"`
	IOSpecification *IOSpecification `yaml:"io_specification" json:"io_specification,omitempty"`

	// File is the origin of the definition, used in diagnostic traces.
	File string `yaml:"-" json:"file,omitempty"`

	root   *TaskSpec
	index  map[string]*TaskSpec
	inputs map[string][]string
}

// Prepare indexes the task specs, synthesizes the root node and computes the
// incoming edges of every node. It is safe to call more than once.
func (s *WorkflowSpec) Prepare() error {
	var errs []string
	index := make(map[string]*TaskSpec, len(s.Tasks)+1)
	var starts []string

	for i := range s.Tasks {
		ts := &s.Tasks[i]
		switch {
		case ts.ID == "":
			errs = append(errs, fmt.Sprintf("tasks[%d]: id is required", i))
			continue
		case ts.ID == RootSpecID:
			errs = append(errs, fmt.Sprintf("tasks[%d]: id %q is reserved", i, ts.ID))
			continue
		case index[ts.ID] != nil:
			errs = append(errs, fmt.Sprintf("tasks[%d]: duplicate id %q", i, ts.ID))
			continue
		}
		index[ts.ID] = ts
		if ts.Kind == KindStartEvent {
			starts = append(starts, ts.ID)
		}
	}
	if len(starts) == 0 {
		errs = append(errs, "at least one start_event is required")
	}

	inputs := make(map[string][]string, len(index))
	for i := range s.Tasks {
		ts := &s.Tasks[i]
		for _, out := range ts.Outputs {
			if index[out] == nil {
				errs = append(errs, fmt.Sprintf("task %q: output %q does not exist", ts.ID, out))
				continue
			}
			inputs[out] = append(inputs[out], ts.ID)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("process %q: %s", s.ID, strings.Join(errs, "; "))
	}

	root := &TaskSpec{ID: RootSpecID, Name: "Root", Kind: KindRoot, Outputs: starts}
	index[RootSpecID] = root
	s.root = root
	s.index = index
	s.inputs = inputs
	return nil
}

// Prepared reports whether Prepare has succeeded.
func (s *WorkflowSpec) Prepared() bool {
	return s.root != nil
}

// Root returns the synthetic root node.
func (s *WorkflowSpec) Root() *TaskSpec {
	return s.root
}

// TaskSpec returns the node with the given id.
func (s *WorkflowSpec) TaskSpec(id string) (*TaskSpec, bool) {
	ts, ok := s.index[id]
	return ts, ok
}

// Inputs returns the ids of the nodes with an edge into id.
func (s *WorkflowSpec) Inputs(id string) []string {
	return s.inputs[id]
}

// Successors resolves the output specs of ts.
func (s *WorkflowSpec) Successors(ts *TaskSpec) []*TaskSpec {
	out := make([]*TaskSpec, 0, len(ts.Outputs))
	for _, id := range ts.Outputs {
		if next, ok := s.index[id]; ok {
			out = append(out, next)
		}
	}
	return out
}

// DataInputs returns the declared data input names, if any.
func (s *WorkflowSpec) DataInputs() []DataSpec {
	if s.IOSpecification == nil {
		return nil
	}
	return s.IOSpecification.DataInputs
}

// DataOutputs returns the declared data output names, if any.
func (s *WorkflowSpec) DataOutputs() []DataSpec {
	if s.IOSpecification == nil {
		return nil
	}
	return s.IOSpecification.DataOutputs
}

// DecisionTable is a set of rules evaluated by a business rule task.
type DecisionTable struct {
	ID        string         `yaml:"id"         json:"id"`
	Name      string         `yaml:"name"       json:"name,omitempty"`
	HitPolicy string         `yaml:"hit_policy" json:"hit_policy,omitempty"`
	Rules     []DecisionRule `yaml:"rules"      json:"rules"`
}

// Decision table hit policies.
const (
	HitPolicyFirst   = "first"
	HitPolicyCollect = "collect"
)

// DecisionRule pairs a boolean condition with the outputs it produces.
type DecisionRule struct {
	Condition string         `yaml:"condition" json:"condition"`
	Outputs   map[string]any `yaml:"outputs"   json:"outputs"`
}
