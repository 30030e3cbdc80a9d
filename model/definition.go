package model

// Node type constants for process graphs.
const (
	NodeStart       = "start"
	NodeUserTask    = "user_task"
	NodeServiceTask = "service_task"
	NodeSubprocess  = "subprocess"
	NodeGateway     = "gateway"
	NodeEnd         = "end"
)

// ProcessDefinition is the root structure of a process definition file.
// Each file declares one named, versioned process graph: its task nodes,
// transitions, and the forms its user tasks bind to. Definitions are
// immutable once loaded.
type ProcessDefinition struct {
	Process     string                 `yaml:"process"     json:"process"`
	Version     string                 `yaml:"version"     json:"version"`
	Start       string                 `yaml:"start"       json:"start"`
	Nodes       []NodeDefinition       `yaml:"nodes"       json:"nodes"`
	Transitions []TransitionDefinition `yaml:"transitions" json:"transitions"`
	Forms       []FormDefinition       `yaml:"forms"       json:"forms,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// NodeDefinition describes a single node in a process graph.
type NodeDefinition struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name,omitempty"`
	Type string `yaml:"type" json:"type"`

	// User task settings.
	FormID    string   `yaml:"form_id"    json:"form_id,omitempty"`
	Roles     []string `yaml:"roles"      json:"roles,omitempty"`
	CaseState string   `yaml:"case_state" json:"case_state,omitempty"`

	// Service task settings: the outbox intent kind emitted when the
	// token passes this node.
	Intent string `yaml:"intent" json:"intent,omitempty"`

	// Subprocess settings: the process spawned as a non-main workflow.
	Subprocess string   `yaml:"subprocess"         json:"subprocess,omitempty"`
	SubImports []string `yaml:"subprocess_imports" json:"subprocess_imports,omitempty"`
}

// TransitionDefinition describes a directed edge between two nodes. A
// condition, when present, is an expression over the process variables;
// the token only follows the edge when it evaluates to true.
type TransitionDefinition struct {
	From      string `yaml:"from"      json:"from"`
	To        string `yaml:"to"        json:"to"`
	Condition string `yaml:"condition" json:"condition,omitempty"`
}

// FormDefinition describes the form bound to a user task node.
type FormDefinition struct {
	ID     string            `yaml:"id"     json:"id"`
	Title  string            `yaml:"title"  json:"title,omitempty"`
	Fields []FieldDefinition `yaml:"fields" json:"fields"`
}

// FieldDefinition describes a single form field with its validation rules.
type FieldDefinition struct {
	Name       string                `yaml:"name"       json:"name"`
	Label      string                `yaml:"label"      json:"label,omitempty"`
	Type       string                `yaml:"type"       json:"type"`
	Required   bool                  `yaml:"required"   json:"required,omitempty"`
	Default    any                   `yaml:"default"    json:"default,omitempty"`
	Options    []StaticOption        `yaml:"options"    json:"options,omitempty"`
	Validation *ValidationDefinition `yaml:"validation" json:"validation,omitempty"`
}

// StaticOption is a label/value pair for select fields.
type StaticOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// ValidationDefinition describes constraints on a form field.
type ValidationDefinition struct {
	MinLength *int     `yaml:"min_length" json:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length" json:"max_length,omitempty"`
	Min       *float64 `yaml:"min"        json:"min,omitempty"`
	Max       *float64 `yaml:"max"        json:"max,omitempty"`
	Pattern   string   `yaml:"pattern"    json:"pattern,omitempty"`
	Message   string   `yaml:"message"    json:"message,omitempty"`
}

// ProcessSpec is the executable form of a process definition merged with
// its imports: a directed graph with fast lookups preserving declaration
// order. Specs are immutable and safe for concurrent use.
type ProcessSpec struct {
	Process string
	Imports []string
	Start   string

	// Nodes in declaration order; the order breaks ties when multiple
	// tasks are concurrently ready.
	Nodes []NodeDefinition

	nodesByID map[string]*NodeDefinition
	outgoing  map[string][]TransitionDefinition
	forms     map[string]FormDefinition
}

// NewProcessSpec builds the lookup indexes for a merged graph. The caller
// is responsible for having validated the graph first.
func NewProcessSpec(process string, imports []string, start string, nodes []NodeDefinition, transitions []TransitionDefinition, forms []FormDefinition) *ProcessSpec {
	spec := &ProcessSpec{
		Process:   process,
		Imports:   imports,
		Start:     start,
		Nodes:     nodes,
		nodesByID: make(map[string]*NodeDefinition, len(nodes)),
		outgoing:  make(map[string][]TransitionDefinition),
		forms:     make(map[string]FormDefinition, len(forms)),
	}
	for i := range nodes {
		spec.nodesByID[nodes[i].ID] = &nodes[i]
	}
	for _, t := range transitions {
		spec.outgoing[t.From] = append(spec.outgoing[t.From], t)
	}
	for _, f := range forms {
		spec.forms[f.ID] = f
	}
	return spec
}

// Node returns the node with the given ID.
func (s *ProcessSpec) Node(id string) (*NodeDefinition, bool) {
	n, ok := s.nodesByID[id]
	return n, ok
}

// Outgoing returns the transitions leaving a node, in declaration order.
func (s *ProcessSpec) Outgoing(nodeID string) []TransitionDefinition {
	return s.outgoing[nodeID]
}

// Form returns the form with the given ID.
func (s *ProcessSpec) Form(id string) (FormDefinition, bool) {
	f, ok := s.forms[id]
	return f, ok
}

// NodeOrder returns the declaration index of a node, used for
// deterministic ready-task ordering. Unknown nodes sort last.
func (s *ProcessSpec) NodeOrder(nodeID string) int {
	for i := range s.Nodes {
		if s.Nodes[i].ID == nodeID {
			return i
		}
	}
	return len(s.Nodes)
}
