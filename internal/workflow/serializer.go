package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/pitabwire/weft/model"
)

// SerializerVersion is written into every snapshot.
const SerializerVersion = "1.1"

// Snapshot is the persisted form of a top-level workflow and every workflow
// nested below it.
type Snapshot struct {
	Version  string    `json:"serializer_version"`
	ID       uuid.UUID `json:"id"`
	Sequence int64     `json:"sequence"`
	// Workflows are listed in creation order, so a parent always precedes
	// the workflows it spawned.
	Workflows []WorkflowSnapshot `json:"workflows"`
	// Subprocesses maps spawning task ids to the workflows they spawned.
	Subprocesses map[string]uuid.UUID `json:"subprocesses"`
}

// WorkflowSnapshot is the persisted form of one workflow.
type WorkflowSnapshot struct {
	ID             uuid.UUID           `json:"id"`
	ProcessID      string              `json:"process_id"`
	Name           string              `json:"name"`
	Root           uuid.UUID           `json:"root"`
	Top            uuid.UUID           `json:"top"`
	ParentWorkflow uuid.UUID           `json:"parent_workflow"`
	ParentTask     uuid.UUID           `json:"parent_task"`
	Data           DataSnapshot        `json:"data,omitempty"`
	DataAliased    bool                `json:"data_aliased,omitempty"`
	LastTask       uuid.UUID           `json:"last_task"`
	Observer       *completionObserver `json:"observer,omitempty"`
	ObserverFired  bool                `json:"observer_fired,omitempty"`
	Cancelled      bool                `json:"cancelled,omitempty"`
	// Tasks are listed in depth-first pre-order.
	Tasks []TaskSnapshot `json:"tasks"`
}

// TaskSnapshot is the persisted form of one task.
type TaskSnapshot struct {
	ID               uuid.UUID       `json:"id"`
	Spec             string          `json:"spec"`
	State            model.TaskState `json:"state"`
	Parent           uuid.UUID       `json:"parent"`
	Children         []uuid.UUID     `json:"children,omitempty"`
	Data             DataSnapshot    `json:"data"`
	CompletedSeq     int64           `json:"completed_seq,omitempty"`
	OutputsCollected bool            `json:"outputs_collected,omitempty"`
}

// Snapshot captures the execution w belongs to, starting at its top-level
// workflow.
func (w *Workflow) Snapshot() *Snapshot {
	a := w.arena
	top := w.Top()
	snap := &Snapshot{
		Version:      SerializerVersion,
		ID:           top.id,
		Sequence:     a.seq,
		Subprocesses: make(map[string]uuid.UUID, len(a.subprocesses)),
	}
	for taskID, wfID := range a.subprocesses {
		snap.Subprocesses[taskID.String()] = wfID
	}
	for _, id := range a.order {
		snap.Workflows = append(snap.Workflows, a.workflows[id].snapshot())
	}
	return snap
}

func (w *Workflow) snapshot() WorkflowSnapshot {
	ws := WorkflowSnapshot{
		ID:             w.id,
		ProcessID:      w.spec.ID,
		Name:           w.name,
		Root:           w.rootID,
		Top:            w.topID,
		ParentWorkflow: w.parentWorkflowID,
		ParentTask:     w.parentTaskID,
		DataAliased:    w.dataAliased,
		LastTask:       w.lastTaskID,
		ObserverFired:  w.observerFired,
		Cancelled:      w.cancelled,
	}
	if !w.dataAliased {
		ws.Data = copyData(w.data)
	}
	if w.observer != nil {
		obs := *w.observer
		ws.Observer = &obs
	}
	for _, t := range w.Tasks() {
		ws.Tasks = append(ws.Tasks, TaskSnapshot{
			ID:               t.id,
			Spec:             t.spec.ID,
			State:            t.state,
			Parent:           t.parentID,
			Children:         append([]uuid.UUID(nil), t.children...),
			Data:             copyData(t.data),
			CompletedSeq:     t.completedSeq,
			OutputsCollected: t.outputsCollected,
		})
	}
	return ws
}

// Restore rebuilds an execution from snap and returns its top-level
// workflow. Process definitions are looked up through resolver.
func Restore(snap *Snapshot, resolver SpecResolver, opts ...Option) (*Workflow, error) {
	if snap == nil {
		return nil, model.NewSerializationError("snapshot is nil", nil)
	}
	if snap.Version != SerializerVersion {
		return nil, &model.WorkflowError{
			Code:    model.ErrVersionUnsupported,
			Message: fmt.Sprintf("serializer version %q is not supported (want %s)", snap.Version, SerializerVersion),
		}
	}
	if resolver == nil {
		return nil, model.NewSerializationError("restore requires a spec resolver", nil)
	}

	a := newArena(resolver, newRuntime(opts))
	a.seq = snap.Sequence

	for i := range snap.Workflows {
		if err := a.restoreWorkflow(&snap.Workflows[i]); err != nil {
			return nil, err
		}
	}

	for key, wfID := range snap.Subprocesses {
		taskID, err := uuid.Parse(key)
		if err != nil {
			return nil, model.NewSerializationError(fmt.Sprintf("subprocess key %q", key), err)
		}
		if _, ok := a.workflows[wfID]; !ok {
			return nil, model.NewSerializationError(fmt.Sprintf("subprocess workflow %s not in snapshot", wfID), nil)
		}
		a.subprocesses[taskID] = wfID
	}

	top, ok := a.workflows[snap.ID]
	if !ok {
		return nil, model.NewSerializationError(fmt.Sprintf("top workflow %s not in snapshot", snap.ID), nil)
	}
	return top, nil
}

func (a *arena) restoreWorkflow(ws *WorkflowSnapshot) error {
	spec, ok := a.resolver.GetProcess(ws.ProcessID)
	if !ok || spec == nil {
		return model.NewNotFoundError(fmt.Sprintf("process %q not found", ws.ProcessID))
	}
	if !spec.Prepared() {
		if err := spec.Prepare(); err != nil {
			return model.NewSerializationError(fmt.Sprintf("prepare process %q", ws.ProcessID), err)
		}
	}

	w := &Workflow{
		id:               ws.ID,
		spec:             spec,
		name:             ws.Name,
		rootID:           ws.Root,
		topID:            ws.Top,
		parentWorkflowID: ws.ParentWorkflow,
		parentTaskID:     ws.ParentTask,
		data:             ws.Data,
		dataAliased:      ws.DataAliased,
		tasks:            make(map[uuid.UUID]*Task, len(ws.Tasks)),
		lastTaskID:       ws.LastTask,
		observerFired:    ws.ObserverFired,
		cancelled:        ws.Cancelled,
		arena:            a,
	}
	if ws.Observer != nil {
		obs := *ws.Observer
		w.observer = &obs
	}
	if w.dataAliased {
		parent, ok := a.workflows[w.parentWorkflowID]
		if !ok {
			return model.NewSerializationError(
				fmt.Sprintf("workflow %s shares data with missing parent %s", w.id, w.parentWorkflowID), nil)
		}
		w.data = parent.data
	}
	if w.data == nil {
		w.data = make(map[string]any)
	}

	for _, ts := range ws.Tasks {
		spec, ok := w.spec.TaskSpec(ts.Spec)
		if !ok {
			return model.NewSerializationError(
				fmt.Sprintf("task %s: node %q not in process %q", ts.ID, ts.Spec, w.spec.ID), nil)
		}
		if !ts.State.Valid() {
			return model.NewSerializationError(fmt.Sprintf("task %s: invalid state %q", ts.ID, ts.State), nil)
		}
		data := ts.Data
		if data == nil {
			data = make(map[string]any)
		}
		w.tasks[ts.ID] = &Task{
			id:               ts.ID,
			spec:             spec,
			state:            ts.State,
			parentID:         ts.Parent,
			children:         append([]uuid.UUID(nil), ts.Children...),
			data:             data,
			workflowID:       w.id,
			arena:            a,
			completedSeq:     ts.CompletedSeq,
			outputsCollected: ts.OutputsCollected,
		}
	}
	if _, ok := w.tasks[w.rootID]; !ok {
		return model.NewSerializationError(fmt.Sprintf("workflow %s: root task %s missing", w.id, w.rootID), nil)
	}
	for _, t := range w.tasks {
		if t.parentID != uuid.Nil {
			if _, ok := w.tasks[t.parentID]; !ok {
				return model.NewSerializationError(
					fmt.Sprintf("task %s: parent %s missing", t.id, t.parentID), nil)
			}
		}
	}

	a.workflows[w.id] = w
	a.order = append(a.order, w.id)
	return nil
}

// Serializer encodes snapshots as JSON, optionally gzip compressed. Reading
// detects compression from the payload.
type Serializer struct {
	Gzip bool
}

var gzipMagic = []byte{0x1f, 0x8b}

// Serialize encodes the execution w belongs to.
func (s *Serializer) Serialize(w *Workflow) ([]byte, error) {
	raw, err := json.Marshal(w.Snapshot())
	if err != nil {
		return nil, model.NewSerializationError("encode snapshot", err)
	}
	if !s.Gzip {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, model.NewSerializationError("compress snapshot", err)
	}
	if err := zw.Close(); err != nil {
		return nil, model.NewSerializationError("compress snapshot", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes data and restores the execution it holds. Snapshots
// written by an older serializer version are migrated first.
func (s *Serializer) Deserialize(data []byte, resolver SpecResolver, opts ...Option) (*Workflow, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}
	if raw, err = migrate(raw); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, model.NewSerializationError("decode snapshot", err)
	}
	return Restore(&snap, resolver, opts...)
}

// Version returns the serializer version recorded in data.
func (s *Serializer) Version(data []byte) (string, error) {
	raw, err := decompress(data)
	if err != nil {
		return "", err
	}
	var head struct {
		Version string `json:"serializer_version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", model.NewSerializationError("decode snapshot header", err)
	}
	return head.Version, nil
}

func decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, model.NewSerializationError("decompress snapshot", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, model.NewSerializationError("decompress snapshot", err)
	}
	return raw, nil
}
