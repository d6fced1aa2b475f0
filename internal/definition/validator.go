package definition

import (
	"fmt"

	"github.com/pitabwire/weft/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// AsError converts validation errors into a VALIDATION_ERROR, or nil when
// there are none.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}

// Validator validates definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. Process and decision references are
// resolved across every file.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	processIDs := make(map[string]bool)
	decisionIDs := make(map[string]bool)
	for _, def := range defs {
		for _, p := range def.Processes {
			processIDs[p.ID] = true
		}
		for _, d := range def.Decisions {
			decisionIDs[d.ID] = true
		}
	}

	var errs []VError
	seenProcess := make(map[string]bool)
	seenDecision := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if len(def.Processes) == 0 && len(def.Decisions) == 0 {
			errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "at least one process or decision is required"})
		}
		for j, p := range def.Processes {
			pp := fmt.Sprintf("%s.processes[%d]", prefix, j)
			if p.ID != "" && seenProcess[p.ID] {
				errs = append(errs, VError{Path: pp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("process %q declared more than once", p.ID)})
			}
			seenProcess[p.ID] = true
			errs = append(errs, v.validateProcess(pp, p, processIDs, decisionIDs)...)
		}
		for j, d := range def.Decisions {
			dp := fmt.Sprintf("%s.decisions[%d]", prefix, j)
			if d.ID != "" && seenDecision[d.ID] {
				errs = append(errs, VError{Path: dp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("decision %q declared more than once", d.ID)})
			}
			seenDecision[d.ID] = true
			errs = append(errs, v.validateDecision(dp, d)...)
		}
	}
	return errs
}

func (v *Validator) validateProcess(prefix string, p model.WorkflowSpec, processIDs, decisionIDs map[string]bool) []VError {
	var errs []VError

	if p.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if len(p.Tasks) == 0 {
		errs = append(errs, VError{Path: prefix + ".tasks", Code: "REQUIRED", Message: "at least one task is required"})
		return errs
	}

	// Prepare works on a copy; the graph checks below need its index.
	spec := p
	if err := spec.Prepare(); err != nil {
		errs = append(errs, VError{Path: prefix + ".tasks", Code: "INVALID_GRAPH", Message: err.Error()})
		return errs
	}

	for i := range p.Tasks {
		ts := &p.Tasks[i]
		tp := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		errs = append(errs, v.validateTask(tp, &spec, ts, processIDs, decisionIDs)...)
	}

	for i, io := range p.DataInputs() {
		if io.ID == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.io_specification.data_inputs[%d].id", prefix, i), Code: "REQUIRED", Message: "id is required"})
		}
	}
	for i, io := range p.DataOutputs() {
		if io.ID == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.io_specification.data_outputs[%d].id", prefix, i), Code: "REQUIRED", Message: "id is required"})
		}
	}

	return errs
}

func (v *Validator) validateTask(prefix string, spec *model.WorkflowSpec, ts *model.TaskSpec, processIDs, decisionIDs map[string]bool) []VError {
	var errs []VError

	if ts.Kind == "" {
		return append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "kind is required"})
	}
	if !ts.Kind.Known() || ts.Kind == model.KindRoot {
		return append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid task kind %q", ts.Kind)})
	}

	switch ts.Kind {
	case model.KindScriptTask:
		if ts.Expression == "" {
			errs = append(errs, VError{Path: prefix + ".expression", Code: "REQUIRED", Message: "expression required for script_task"})
		}

	case model.KindBusinessRuleTask:
		if ts.Decision == "" {
			errs = append(errs, VError{Path: prefix + ".decision", Code: "REQUIRED", Message: "decision required for business_rule_task"})
		} else if !decisionIDs[ts.Decision] {
			errs = append(errs, VError{Path: prefix + ".decision", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("decision %q not found", ts.Decision)})
		}

	case model.KindExclusiveGateway:
		outputs := make(map[string]bool, len(ts.Outputs))
		for _, o := range ts.Outputs {
			outputs[o] = true
		}
		for i, c := range ts.Conditions {
			cp := fmt.Sprintf("%s.conditions[%d]", prefix, i)
			if c.Expression == "" {
				errs = append(errs, VError{Path: cp + ".expression", Code: "REQUIRED", Message: "condition expression is required"})
			}
			if !outputs[c.Target] {
				errs = append(errs, VError{Path: cp + ".target", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("target %q is not an output of %q", c.Target, ts.ID)})
			}
		}
		if ts.Default != "" && !outputs[ts.Default] {
			errs = append(errs, VError{Path: prefix + ".default", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("default %q is not an output of %q", ts.Default, ts.ID)})
		}
		if len(ts.Conditions) == 0 && ts.Default == "" {
			errs = append(errs, VError{Path: prefix + ".conditions", Code: "REQUIRED", Message: "exclusive_gateway needs conditions or a default"})
		}

	case model.KindSubprocess, model.KindCallActivity, model.KindTransaction:
		if ts.Subprocess == "" {
			errs = append(errs, VError{Path: prefix + ".subprocess", Code: "REQUIRED", Message: fmt.Sprintf("subprocess required for %s", ts.Kind)})
		} else if !processIDs[ts.Subprocess] {
			errs = append(errs, VError{Path: prefix + ".subprocess", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("process %q not found", ts.Subprocess)})
		}

	case model.KindCatchEvent, model.KindThrowEvent, model.KindBoundaryEvent:
		if ts.Event == "" {
			errs = append(errs, VError{Path: prefix + ".event", Code: "REQUIRED", Message: fmt.Sprintf("event required for %s", ts.Kind)})
		}

	case model.KindBoundaryParent:
		errs = append(errs, v.validateBoundaryParent(prefix, spec, ts)...)
	}

	if ts.Kind == model.KindBoundaryEvent {
		attached := false
		for _, in := range spec.Inputs(ts.ID) {
			if parent, ok := spec.TaskSpec(in); ok && parent.Kind == model.KindBoundaryParent {
				attached = true
			}
		}
		if !attached {
			errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_GRAPH", Message: "boundary_event must be an output of a boundary_parent"})
		}
	}

	return errs
}

// validateBoundaryParent checks the attachment shape: the first output is the
// guarded activity and the remaining outputs are boundary events.
func (v *Validator) validateBoundaryParent(prefix string, spec *model.WorkflowSpec, ts *model.TaskSpec) []VError {
	var errs []VError
	if len(ts.Outputs) < 2 {
		return append(errs, VError{Path: prefix + ".outputs", Code: "INVALID_GRAPH", Message: "boundary_parent needs an activity and at least one boundary_event"})
	}
	for i, out := range ts.Outputs {
		child, _ := spec.TaskSpec(out)
		op := fmt.Sprintf("%s.outputs[%d]", prefix, i)
		if i == 0 {
			if child.Kind == model.KindBoundaryEvent {
				errs = append(errs, VError{Path: op, Code: "INVALID_GRAPH", Message: "first output of a boundary_parent must be the guarded activity"})
			}
			continue
		}
		if child.Kind != model.KindBoundaryEvent {
			errs = append(errs, VError{Path: op, Code: "INVALID_GRAPH", Message: fmt.Sprintf("output %q of a boundary_parent must be a boundary_event", out)})
		}
	}
	return errs
}

var validHitPolicies = map[string]bool{
	"": true, model.HitPolicyFirst: true, model.HitPolicyCollect: true,
}

func (v *Validator) validateDecision(prefix string, d model.DecisionTable) []VError {
	var errs []VError
	if d.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if !validHitPolicies[d.HitPolicy] {
		errs = append(errs, VError{Path: prefix + ".hit_policy", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid hit policy %q", d.HitPolicy)})
	}
	if len(d.Rules) == 0 {
		errs = append(errs, VError{Path: prefix + ".rules", Code: "REQUIRED", Message: "at least one rule is required"})
	}
	return errs
}
