package model

import "testing"

func TestTaskState_IsTerminal(t *testing.T) {
	tests := []struct {
		state TaskState
		want  bool
	}{
		{TaskStateFuture, false},
		{TaskStateReady, false},
		{TaskStateWaiting, false},
		{TaskStateCompleted, true},
		{TaskStateCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskStateFuture, TaskStateReady, true},
		{TaskStateReady, TaskStateWaiting, true},
		{TaskStateWaiting, TaskStateCompleted, true},
		{TaskStateReady, TaskStateCompleted, true},
		{TaskStateFuture, TaskStateCancelled, true},
		{TaskStateWaiting, TaskStateCancelled, true},
		{TaskStateFuture, TaskStateCompleted, false},
		{TaskStateCompleted, TaskStateReady, false},
		{TaskStateCompleted, TaskStateCancelled, false},
		{TaskStateCancelled, TaskStateReady, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskState_Valid(t *testing.T) {
	if !TaskStateWaiting.Valid() {
		t.Error("WAITING.Valid() = false")
	}
	if TaskState("LIKELY").Valid() {
		t.Error("LIKELY.Valid() = true")
	}
}
