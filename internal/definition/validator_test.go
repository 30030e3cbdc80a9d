package definition

import (
	"testing"

	"github.com/stadswerk/caseflow/model"
)

func validNodes() []model.NodeDefinition {
	return []model.NodeDefinition{
		{ID: "start", Type: model.NodeStart},
		{ID: "registreren", Type: model.NodeUserTask, FormID: "f"},
		{ID: "end", Type: model.NodeEnd},
	}
}

func validTransitions() []model.TransitionDefinition {
	return []model.TransitionDefinition{
		{From: "start", To: "registreren"},
		{From: "registreren", To: "end"},
	}
}

func validForms() []model.FormDefinition {
	return []model.FormDefinition{
		{ID: "f", Fields: []model.FieldDefinition{{Name: "toelichting"}}},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidateGraph_valid(t *testing.T) {
	errs := ValidateGraph("toezicht", "start", validNodes(), validTransitions(), validForms())
	if len(errs) != 0 {
		t.Errorf("errors = %+v, want none", errs)
	}
}

func TestValidateGraph_duplicateNodeID(t *testing.T) {
	nodes := append(validNodes(), model.NodeDefinition{ID: "registreren", Type: model.NodeUserTask, FormID: "f"})
	errs := ValidateGraph("toezicht", "start", nodes, validTransitions(), validForms())
	if !hasCode(errs, "DUPLICATE_ID") {
		t.Errorf("errors = %+v, want DUPLICATE_ID", errs)
	}
}

func TestValidateGraph_invalidNodeType(t *testing.T) {
	nodes := validNodes()
	nodes[1].Type = "taak"
	errs := ValidateGraph("toezicht", "start", nodes, validTransitions(), validForms())
	if !hasCode(errs, "INVALID_ENUM") {
		t.Errorf("errors = %+v, want INVALID_ENUM", errs)
	}
}

func TestValidateGraph_userTaskNeedsDeclaredForm(t *testing.T) {
	nodes := validNodes()
	nodes[1].FormID = ""
	errs := ValidateGraph("toezicht", "start", nodes, validTransitions(), validForms())
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("errors = %+v, want REQUIRED", errs)
	}

	nodes[1].FormID = "onbekend"
	errs = ValidateGraph("toezicht", "start", nodes, validTransitions(), validForms())
	if !hasCode(errs, "FORM_NOT_FOUND") {
		t.Errorf("errors = %+v, want FORM_NOT_FOUND", errs)
	}
}

func TestValidateGraph_serviceTaskNeedsIntent(t *testing.T) {
	nodes := []model.NodeDefinition{
		{ID: "start", Type: model.NodeStart},
		{ID: "aanmelden", Type: model.NodeServiceTask},
		{ID: "end", Type: model.NodeEnd},
	}
	transitions := []model.TransitionDefinition{
		{From: "start", To: "aanmelden"},
		{From: "aanmelden", To: "end"},
	}
	errs := ValidateGraph("toezicht", "start", nodes, transitions, nil)
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("errors = %+v, want REQUIRED for intent", errs)
	}
}

func TestValidateGraph_startChecks(t *testing.T) {
	errs := ValidateGraph("toezicht", "", validNodes(), validTransitions(), validForms())
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("errors = %+v, want REQUIRED start", errs)
	}

	errs = ValidateGraph("toezicht", "onbekend", validNodes(), validTransitions(), validForms())
	if !hasCode(errs, "NODE_NOT_FOUND") {
		t.Errorf("errors = %+v, want NODE_NOT_FOUND", errs)
	}

	// The start node must have the start type.
	errs = ValidateGraph("toezicht", "registreren", validNodes(), validTransitions(), validForms())
	if !hasCode(errs, "INVALID_TYPE") {
		t.Errorf("errors = %+v, want INVALID_TYPE", errs)
	}
}

func TestValidateGraph_transitionEndpoints(t *testing.T) {
	transitions := append(validTransitions(),
		model.TransitionDefinition{From: "spook", To: "end"},
		model.TransitionDefinition{From: "start", To: "spook"},
	)
	errs := ValidateGraph("toezicht", "start", validNodes(), transitions, validForms())
	if !hasCode(errs, "NODE_NOT_FOUND") {
		t.Errorf("errors = %+v, want NODE_NOT_FOUND", errs)
	}
}

func TestValidateGraph_deadEnd(t *testing.T) {
	nodes := append(validNodes(), model.NodeDefinition{ID: "los", Type: model.NodeUserTask, FormID: "f"})
	errs := ValidateGraph("toezicht", "start", nodes, validTransitions(), validForms())
	if !hasCode(errs, "DEAD_END") {
		t.Errorf("errors = %+v, want DEAD_END", errs)
	}
}

func TestValidateGraph_endUnreachable(t *testing.T) {
	nodes := []model.NodeDefinition{
		{ID: "start", Type: model.NodeStart},
		{ID: "a", Type: model.NodeGateway},
		{ID: "b", Type: model.NodeGateway},
		{ID: "end", Type: model.NodeEnd},
	}
	// end exists but nothing reaches it; a and b loop.
	transitions := []model.TransitionDefinition{
		{From: "start", To: "a"},
		{From: "a", To: "b"},
		{From: "b", To: "a"},
	}
	errs := ValidateGraph("toezicht", "start", nodes, transitions, nil)
	if !hasCode(errs, "END_UNREACHABLE") {
		t.Errorf("errors = %+v, want END_UNREACHABLE", errs)
	}
}
