package definition

import (
	"testing"

	"github.com/pitabwire/weft/model"
)

func loadTestdata(t *testing.T) []model.DefinitionFile {
	t.Helper()
	defs, err := NewLoader().LoadAll([]string{"testdata"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	return defs
}

func TestRegistry_GetProcess(t *testing.T) {
	r, err := NewRegistry(loadTestdata(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	p, ok := r.GetProcess("order")
	if !ok {
		t.Fatal("GetProcess(order) not found")
	}
	if !p.Prepared() {
		t.Error("registered process should be prepared")
	}
	if root := p.Root(); root == nil || len(root.Outputs) != 1 || root.Outputs[0] != "start" {
		t.Errorf("root = %+v, want outputs [start]", root)
	}
	if _, ok := r.GetProcess("missing"); ok {
		t.Error("GetProcess(missing) should not be found")
	}
}

func TestRegistry_GetDecision(t *testing.T) {
	r, err := NewRegistry(loadTestdata(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	d, ok := r.GetDecision("discount")
	if !ok {
		t.Fatal("GetDecision(discount) not found")
	}
	if len(d.Rules) != 2 {
		t.Errorf("Rules = %d, want 2", len(d.Rules))
	}
}

func TestRegistry_Processes_sorted(t *testing.T) {
	r, err := NewRegistry(loadTestdata(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	ps := r.Processes()
	if len(ps) != 2 {
		t.Fatalf("Processes() = %d, want 2", len(ps))
	}
	if ps[0].ID != "order" || ps[1].ID != "shipping" {
		t.Errorf("Processes() order = %s, %s", ps[0].ID, ps[1].ID)
	}
	if !r.Loaded() {
		t.Error("Loaded() = false, want true")
	}
}

func TestRegistry_Checksum(t *testing.T) {
	a, err := NewRegistry(loadTestdata(t))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewRegistry(loadTestdata(t))
	if err != nil {
		t.Fatal(err)
	}
	if a.Checksum() == "" {
		t.Fatal("Checksum() should not be empty")
	}
	if a.Checksum() != b.Checksum() {
		t.Errorf("Checksum() differs for identical input")
	}
}

func TestRegistry_Replace_keepsPreviousOnError(t *testing.T) {
	r, err := NewRegistry(loadTestdata(t))
	if err != nil {
		t.Fatal(err)
	}
	before := r.Checksum()

	broken := []model.DefinitionFile{{
		Checksum: "x",
		Processes: []model.WorkflowSpec{{
			ID:    "broken",
			Tasks: []model.TaskSpec{{ID: "a", Kind: model.KindTask}},
		}},
	}}
	if err := r.Replace(broken); err == nil {
		t.Fatal("Replace() should fail for a process without a start event")
	}
	if r.Checksum() != before {
		t.Error("Checksum changed after failed Replace")
	}
	if _, ok := r.GetProcess("order"); !ok {
		t.Error("previous contents should remain after failed Replace")
	}
}

func TestRegistry_Replace_duplicateProcess(t *testing.T) {
	spec := model.WorkflowSpec{
		ID:    "dup",
		Tasks: []model.TaskSpec{{ID: "start", Kind: model.KindStartEvent}},
	}
	defs := []model.DefinitionFile{
		{Processes: []model.WorkflowSpec{spec}},
		{Processes: []model.WorkflowSpec{spec}},
	}
	if _, err := NewRegistry(defs); err == nil {
		t.Fatal("NewRegistry() should fail for duplicate process ids")
	}
}

func TestRegistry_empty(t *testing.T) {
	r := &Registry{}
	if r.Loaded() {
		t.Error("zero Registry should not report loaded")
	}
	if _, ok := r.GetProcess("order"); ok {
		t.Error("zero Registry should not find processes")
	}
}
