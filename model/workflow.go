package model

// TaskState is the lifecycle state of a task instance.
type TaskState string

// Task states. COMPLETED and CANCELLED are terminal.
const (
	TaskStateFuture    TaskState = "FUTURE"
	TaskStateReady     TaskState = "READY"
	TaskStateWaiting   TaskState = "WAITING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// Workflow instance status constants, as recorded by snapshot stores.
const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusCancelled = "cancelled"
)

// transitions lists the permitted target states for each source state.
var transitions = map[TaskState][]TaskState{
	TaskStateFuture:  {TaskStateReady, TaskStateWaiting, TaskStateCancelled},
	TaskStateReady:   {TaskStateWaiting, TaskStateCompleted, TaskStateCancelled},
	TaskStateWaiting: {TaskStateReady, TaskStateCompleted, TaskStateCancelled},
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateCancelled
}

// Valid reports whether s is one of the known task states.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateFuture, TaskStateReady, TaskStateWaiting, TaskStateCompleted, TaskStateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to TaskState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
