package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/weft/model"
)

// snapshot is an immutable collection of prepared definitions indexed by ID.
type snapshot struct {
	processes map[string]*model.WorkflowSpec
	decisions map[string]*model.DecisionTable
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files.
func NewRegistry(defs []model.DefinitionFile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace prepares every process and atomically swaps the registry contents.
// The previous contents stay in place when any process fails to prepare or
// an id is declared twice.
func (r *Registry) Replace(defs []model.DefinitionFile) error {
	s := &snapshot{
		processes: make(map[string]*model.WorkflowSpec),
		decisions: make(map[string]*model.DecisionTable),
	}

	var checksumParts []string
	var errs []string

	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)

		for i := range def.Processes {
			spec := def.Processes[i]
			if _, dup := s.processes[spec.ID]; dup {
				errs = append(errs, fmt.Sprintf("process %q declared more than once", spec.ID))
				continue
			}
			if err := spec.Prepare(); err != nil {
				errs = append(errs, err.Error())
				continue
			}
			s.processes[spec.ID] = &spec
		}
		for i := range def.Decisions {
			table := def.Decisions[i]
			if _, dup := s.decisions[table.ID]; dup {
				errs = append(errs, fmt.Sprintf("decision %q declared more than once", table.ID))
				continue
			}
			s.decisions[table.ID] = &table
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("definition registry: %s", strings.Join(errs, "; "))
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// GetProcess returns the prepared process definition with the given ID.
func (r *Registry) GetProcess(processID string) (*model.WorkflowSpec, bool) {
	p, ok := r.current().processes[processID]
	return p, ok
}

// GetDecision returns the decision table with the given ID.
func (r *Registry) GetDecision(decisionID string) (*model.DecisionTable, bool) {
	d, ok := r.current().decisions[decisionID]
	return d, ok
}

// Processes returns all process definitions ordered by ID.
func (r *Registry) Processes() []*model.WorkflowSpec {
	s := r.current()
	out := make([]*model.WorkflowSpec, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Loaded reports whether at least one process is registered.
func (r *Registry) Loaded() bool {
	return len(r.current().processes) > 0
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
