package definition

import (
	"fmt"

	"github.com/stadswerk/caseflow/model"
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

var validNodeTypes = map[string]bool{
	model.NodeStart:       true,
	model.NodeUserTask:    true,
	model.NodeServiceTask: true,
	model.NodeSubprocess:  true,
	model.NodeGateway:     true,
	model.NodeEnd:         true,
}

// ValidateGraph structurally validates a merged process graph: node
// identity, typing, transition endpoints, form references, and
// reachability of an end node from the start node.
func ValidateGraph(process, start string, nodes []model.NodeDefinition, transitions []model.TransitionDefinition, forms []model.FormDefinition) []VError {
	var errs []VError
	prefix := fmt.Sprintf("process[%s]", process)

	nodeIDs := make(map[string]*model.NodeDefinition, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		np := fmt.Sprintf("%s.nodes[%s]", prefix, n.ID)

		if n.ID == "" {
			errs = append(errs, VError{Path: np, Code: "REQUIRED", Message: "node id is required"})
			continue
		}
		if _, dup := nodeIDs[n.ID]; dup {
			errs = append(errs, VError{Path: np, Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
			continue
		}
		nodeIDs[n.ID] = n

		if !validNodeTypes[n.Type] {
			errs = append(errs, VError{Path: np + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid node type %q", n.Type)})
		}
		if n.Type == model.NodeServiceTask && n.Intent == "" {
			errs = append(errs, VError{Path: np + ".intent", Code: "REQUIRED", Message: "service task requires an intent"})
		}
		if n.Type == model.NodeSubprocess && n.Subprocess == "" {
			errs = append(errs, VError{Path: np + ".subprocess", Code: "REQUIRED", Message: "subprocess node requires a process name"})
		}
	}

	formIDs := make(map[string]bool, len(forms))
	for _, f := range forms {
		fp := fmt.Sprintf("%s.forms[%s]", prefix, f.ID)
		if f.ID == "" {
			errs = append(errs, VError{Path: fp, Code: "REQUIRED", Message: "form id is required"})
			continue
		}
		if formIDs[f.ID] {
			errs = append(errs, VError{Path: fp, Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate form id %q", f.ID)})
		}
		formIDs[f.ID] = true
		for _, fld := range f.Fields {
			if fld.Name == "" {
				errs = append(errs, VError{Path: fp + ".fields", Code: "REQUIRED", Message: "field name is required"})
			}
		}
	}

	// User tasks must bind a declared form.
	for id, n := range nodeIDs {
		np := fmt.Sprintf("%s.nodes[%s]", prefix, id)
		if n.Type == model.NodeUserTask {
			if n.FormID == "" {
				errs = append(errs, VError{Path: np + ".form_id", Code: "REQUIRED", Message: "user task requires a form"})
			} else if !formIDs[n.FormID] {
				errs = append(errs, VError{Path: np + ".form_id", Code: "FORM_NOT_FOUND", Message: fmt.Sprintf("form %q not declared", n.FormID)})
			}
		}
	}

	// Start node checks.
	if start == "" {
		errs = append(errs, VError{Path: prefix + ".start", Code: "REQUIRED", Message: "start node is required"})
	} else if n, ok := nodeIDs[start]; !ok {
		errs = append(errs, VError{Path: prefix + ".start", Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("start node %q not declared", start)})
	} else if n.Type != model.NodeStart {
		errs = append(errs, VError{Path: prefix + ".start", Code: "INVALID_TYPE", Message: fmt.Sprintf("start node %q has type %q", start, n.Type)})
	}

	// Transition endpoint checks.
	outgoing := make(map[string][]string)
	for i, t := range transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if _, ok := nodeIDs[t.From]; !ok {
			errs = append(errs, VError{Path: tp + ".from", Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("unknown node %q", t.From)})
			continue
		}
		if _, ok := nodeIDs[t.To]; !ok {
			errs = append(errs, VError{Path: tp + ".to", Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("unknown node %q", t.To)})
			continue
		}
		outgoing[t.From] = append(outgoing[t.From], t.To)
	}

	// Non-end nodes need a way forward; gateways in particular.
	for id, n := range nodeIDs {
		if n.Type == model.NodeEnd {
			continue
		}
		if len(outgoing[id]) == 0 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.nodes[%s]", prefix, id),
				Code:    "DEAD_END",
				Message: fmt.Sprintf("node %q has no outgoing transitions", id),
			})
		}
	}

	// An end node must be reachable from start.
	if len(errs) == 0 {
		if !endReachable(start, nodeIDs, outgoing) {
			errs = append(errs, VError{
				Path:    prefix,
				Code:    "END_UNREACHABLE",
				Message: "no end node is reachable from the start node",
			})
		}
	}

	return errs
}

// endReachable walks the graph breadth-first from start looking for an
// end node.
func endReachable(start string, nodes map[string]*model.NodeDefinition, outgoing map[string][]string) bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if n, ok := nodes[id]; ok && n.Type == model.NodeEnd {
			return true
		}
		for _, next := range outgoing[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
