package definition

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stadswerk/caseflow/model"
)

// snapshot is an immutable collection of all loaded definitions indexed
// by process name.
type snapshot struct {
	processes map[string]model.ProcessDefinition
	checksum  string
}

// Store resolves named process graphs into executable specs. Loaded
// definitions live in an atomically-swapped snapshot for lock-free reads;
// resolved specs are cached keyed by (process, sorted imports). Resolution
// is a pure function of the stored definitions.
type Store struct {
	snap atomic.Pointer[snapshot]

	mu    sync.Mutex
	specs map[string]*model.ProcessSpec
}

// NewStore creates a Store from the given definitions.
func NewStore(defs []model.ProcessDefinition) *Store {
	s := &Store{}
	s.Replace(defs)
	return s
}

// Replace atomically swaps the store contents with a new snapshot built
// from the given definitions and drops the spec cache.
func (s *Store) Replace(defs []model.ProcessDefinition) {
	snap := &snapshot{
		processes: make(map[string]model.ProcessDefinition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		snap.processes[def.Process] = def
		checksumParts = append(checksumParts, def.Checksum)
	}
	sort.Strings(checksumParts)
	snap.checksum = strings.Join(checksumParts, ":")

	s.snap.Store(snap)

	s.mu.Lock()
	s.specs = make(map[string]*model.ProcessSpec)
	s.mu.Unlock()
}

func (s *Store) current() *snapshot {
	return s.snap.Load()
}

// Get returns the raw definition with the given process name.
func (s *Store) Get(process string) (model.ProcessDefinition, bool) {
	d, ok := s.current().processes[process]
	return d, ok
}

// Checksum returns the combined checksum of all loaded definitions.
func (s *Store) Checksum() string {
	return s.current().checksum
}

// Load resolves the named process merged with its imports into an
// executable spec. Fails with DEFINITION_NOT_FOUND when the process or an
// import is unknown, and DEFINITION_INVALID when the merged graph is
// malformed.
func (s *Store) Load(process string, imports []string) (*model.ProcessSpec, error) {
	key := cacheKey(process, imports)

	s.mu.Lock()
	if spec, ok := s.specs[key]; ok {
		s.mu.Unlock()
		return spec, nil
	}
	s.mu.Unlock()

	snap := s.current()
	root, ok := snap.processes[process]
	if !ok {
		return nil, model.NewDefinitionNotFoundError(
			fmt.Sprintf("process definition %q not found", process),
		)
	}

	merged := root
	nodes := append([]model.NodeDefinition(nil), root.Nodes...)
	transitions := append([]model.TransitionDefinition(nil), root.Transitions...)
	forms := append([]model.FormDefinition(nil), root.Forms...)

	for _, imp := range imports {
		sub, ok := snap.processes[imp]
		if !ok {
			return nil, model.NewDefinitionNotFoundError(
				fmt.Sprintf("imported definition %q not found", imp),
			)
		}
		// Imports contribute shared forms and sub-graph fragments; their
		// start/end nodes stay private to the importing graph.
		nodes = append(nodes, sub.Nodes...)
		transitions = append(transitions, sub.Transitions...)
		forms = append(forms, sub.Forms...)
	}

	if verrs := ValidateGraph(merged.Process, merged.Start, nodes, transitions, forms); len(verrs) > 0 {
		details := make([]model.FieldError, 0, len(verrs))
		for _, ve := range verrs {
			details = append(details, model.FieldError{Field: ve.Path, Code: ve.Code, Message: ve.Message})
		}
		return nil, model.NewDefinitionInvalidError(
			fmt.Sprintf("process definition %q is invalid", process), details,
		)
	}

	spec := model.NewProcessSpec(process, imports, merged.Start, nodes, transitions, forms)

	s.mu.Lock()
	s.specs[key] = spec
	s.mu.Unlock()

	return spec, nil
}

func cacheKey(process string, imports []string) string {
	sorted := append([]string(nil), imports...)
	sort.Strings(sorted)
	return process + "|" + strings.Join(sorted, ",")
}
