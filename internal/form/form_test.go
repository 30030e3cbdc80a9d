package form

import (
	"reflect"
	"testing"

	"github.com/stadswerk/caseflow/model"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func testSpec() *model.ProcessSpec {
	return model.NewProcessSpec("toezicht", nil, "start",
		[]model.NodeDefinition{
			{ID: "start", Type: model.NodeStart},
			{ID: "registreren", Type: model.NodeUserTask, FormID: "registreren_form"},
			{ID: "zonder_form", Type: model.NodeUserTask},
			{ID: "kapot", Type: model.NodeUserTask, FormID: "bestaat_niet"},
			{ID: "end", Type: model.NodeEnd},
		},
		nil,
		[]model.FormDefinition{
			{ID: "registreren_form", Title: "Registreren", Fields: []model.FieldDefinition{
				{Name: "toelichting", Type: TypeString, Required: true},
			}},
		},
	)
}

func TestResolve(t *testing.T) {
	spec := testSpec()

	f, err := Resolve(spec, "registreren")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if f.ID != "registreren_form" {
		t.Errorf("form ID = %q", f.ID)
	}
}

func TestResolve_noForm(t *testing.T) {
	for _, taskName := range []string{"zonder_form", "kapot", "onbekend"} {
		_, err := Resolve(testSpec(), taskName)
		if err == nil {
			t.Fatalf("Resolve(%q): expected error", taskName)
		}
		if model.CodeOf(err) != model.ErrFormNotFound {
			t.Errorf("Resolve(%q) code = %s, want FORM_NOT_FOUND", taskName, model.CodeOf(err))
		}
	}
}

func TestMapVariablesOnForm_dropsUnknownKeys(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "toelichting", Type: TypeString},
	}}

	mapped, err := MapVariablesOnForm(f, map[string]any{
		"toelichting": "ok",
		"vreemd":      "weg ermee",
	})
	if err != nil {
		t.Fatalf("MapVariablesOnForm error: %v", err)
	}
	if _, ok := mapped["vreemd"]; ok {
		t.Error("unknown key survived mapping")
	}
	if mapped["toelichting"] != "ok" {
		t.Errorf("toelichting = %v", mapped["toelichting"])
	}
}

func TestMapVariablesOnForm_requiredMissing(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "toelichting", Type: TypeString, Required: true},
	}}

	_, err := MapVariablesOnForm(f, map[string]any{})
	if model.CodeOf(err) != model.ErrFieldMissing {
		t.Fatalf("code = %s, want FIELD_MISSING", model.CodeOf(err))
	}
	ee := err.(*model.ErrorEnvelope)
	if len(ee.Details) != 1 || ee.Details[0].Field != "toelichting" {
		t.Errorf("details = %+v", ee.Details)
	}
}

func TestMapVariablesOnForm_defaultFillsAbsent(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "maatregel", Type: TypeString, Required: true, Default: "waarschuwing"},
	}}

	mapped, err := MapVariablesOnForm(f, map[string]any{})
	if err != nil {
		t.Fatalf("MapVariablesOnForm error: %v", err)
	}
	if mapped["maatregel"] != "waarschuwing" {
		t.Errorf("maatregel = %v", mapped["maatregel"])
	}
}

func TestMapVariablesOnForm_coercion(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "aantal", Type: TypeNumber},
		{Name: "datum", Type: TypeDate},
		{Name: "akkoord", Type: TypeBool},
		{Name: "labels", Type: TypeMultiselect},
	}}

	mapped, err := MapVariablesOnForm(f, map[string]any{
		"aantal":  "42",
		"datum":   "2026-08-28",
		"akkoord": true,
		"labels":  []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("MapVariablesOnForm error: %v", err)
	}
	if mapped["aantal"] != 42.0 {
		t.Errorf("aantal = %v (%T)", mapped["aantal"], mapped["aantal"])
	}
	if mapped["datum"] != "2026-08-28" {
		t.Errorf("datum = %v", mapped["datum"])
	}
	if !reflect.DeepEqual(mapped["labels"], []string{"a", "b"}) {
		t.Errorf("labels = %v", mapped["labels"])
	}
}

func TestMapVariablesOnForm_typeViolations(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "aantal", Type: TypeNumber},
		{Name: "datum", Type: TypeDate},
	}}

	_, err := MapVariablesOnForm(f, map[string]any{
		"aantal": "geen getal",
		"datum":  "28-08-2026",
	})
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("code = %s, want VALIDATION_ERROR", model.CodeOf(err))
	}
	ee := err.(*model.ErrorEnvelope)
	if len(ee.Details) != 2 {
		t.Fatalf("details count = %d, want 2: %+v", len(ee.Details), ee.Details)
	}
	for _, d := range ee.Details {
		if d.Code != "TYPE" {
			t.Errorf("detail code = %q, want TYPE", d.Code)
		}
	}
}

func TestMapVariablesOnForm_constraints(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "kenteken", Type: TypeString, Validation: &model.ValidationDefinition{
			MinLength: intPtr(6),
			Message:   "kenteken is te kort",
		}},
		{Name: "bedrag", Type: TypeNumber, Validation: &model.ValidationDefinition{
			Max: floatPtr(500),
		}},
	}}

	_, err := MapVariablesOnForm(f, map[string]any{
		"kenteken": "AB",
		"bedrag":   750.0,
	})
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("code = %s, want VALIDATION_ERROR", model.CodeOf(err))
	}
	ee := err.(*model.ErrorEnvelope)
	if len(ee.Details) != 2 {
		t.Fatalf("details count = %d: %+v", len(ee.Details), ee.Details)
	}
	// The declared message overrides the generated one.
	if ee.Details[0].Message != "kenteken is te kort" {
		t.Errorf("message = %q", ee.Details[0].Message)
	}
}

func TestMapVariablesOnForm_selectOptions(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "besluit", Type: TypeSelect, Options: []model.StaticOption{
			{Label: "Handhaven", Value: "handhaven"},
			{Label: "Seponeren", Value: "seponeren"},
		}},
	}}

	mapped, err := MapVariablesOnForm(f, map[string]any{"besluit": "handhaven"})
	if err != nil {
		t.Fatalf("MapVariablesOnForm error: %v", err)
	}
	if mapped["besluit"] != "handhaven" {
		t.Errorf("besluit = %v", mapped["besluit"])
	}

	_, err = MapVariablesOnForm(f, map[string]any{"besluit": "negeren"})
	if model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("code = %s, want VALIDATION_ERROR", model.CodeOf(err))
	}
}

func TestMapVariablesOnForm_patternValidation(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "postcode", Type: TypeString, Validation: &model.ValidationDefinition{
			Pattern: `^\d{4}[A-Z]{2}$`,
		}},
	}}

	if _, err := MapVariablesOnForm(f, map[string]any{"postcode": "1234AB"}); err != nil {
		t.Fatalf("valid postcode rejected: %v", err)
	}
	if _, err := MapVariablesOnForm(f, map[string]any{"postcode": "12AB"}); err == nil {
		t.Error("invalid postcode accepted")
	}
}

func TestDefaults(t *testing.T) {
	f := model.FormDefinition{Fields: []model.FieldDefinition{
		{Name: "maatregel", Default: "waarschuwing"},
		{Name: "toelichting"},
	}}

	d := Defaults(f)
	if len(d) != 1 || d["maatregel"] != "waarschuwing" {
		t.Errorf("Defaults = %v", d)
	}
}

func TestDescribe(t *testing.T) {
	withTitle := model.FormDefinition{Title: "Registreren", Fields: []model.FieldDefinition{{Name: "a"}}}
	if got := Describe(withTitle); got != "Registreren" {
		t.Errorf("Describe = %q", got)
	}

	noTitle := model.FormDefinition{Fields: []model.FieldDefinition{{Name: "a"}, {Name: "b"}}}
	if got := Describe(noTitle); got != "a, b" {
		t.Errorf("Describe = %q", got)
	}
}
