package workflow

import (
	"errors"
	"sort"

	"github.com/pitabwire/weft/model"
)

// newTaskError builds a task-carrying error with its trace. When the trace
// itself cannot be built the structural failure is returned instead, with
// the original error as its cause.
func newTaskError(t *Task, code, msg string, cause error) (*model.WorkflowError, error) {
	we := &model.WorkflowError{
		Code:     code,
		Message:  msg,
		TaskID:   t.id.String(),
		TaskName: t.spec.DisplayName(),
		Cause:    cause,
	}

	trace, err := t.Trace()
	if err != nil {
		se, ok := model.AsWorkflowError(err)
		if !ok {
			return nil, err
		}
		se.TaskID = we.TaskID
		se.TaskName = we.TaskName
		se.Cause = we
		return nil, se
	}
	we.Trace = trace

	var ee *model.EvaluationError
	if errors.As(cause, &ee) {
		we.Line = ee.Line
		we.Offset = ee.Column
		if ee.Undefined != "" {
			we.AddNote(model.DidYouMean(ee.Undefined, visibleNames(t)))
		}
	}
	return we, nil
}

func taskError(t *Task, code, msg string, cause error) error {
	we, err := newTaskError(t, code, msg, cause)
	if err != nil {
		return err
	}
	return we
}

// dataError reports a variable missing at a subprocess boundary.
func dataError(t *Task, code, msg, input, output string) error {
	we, err := newTaskError(t, code, msg, nil)
	if err != nil {
		return err
	}
	return &model.DataError{WorkflowError: we, Input: input, Output: output}
}

// visibleNames lists the variable names expressions bound to t can see.
func visibleNames(t *Task) []string {
	ctx := evalContext(t)
	names := make([]string, 0, len(ctx))
	for k := range ctx {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
