package engine

import "testing"

func TestExprEvaluator_basics(t *testing.T) {
	eval := NewExprEvaluator()

	tests := []struct {
		name      string
		condition string
		variables map[string]any
		want      bool
		wantErr   bool
	}{
		{"string equality", `status == "open"`, map[string]any{"status": "open"}, true, false},
		{"string inequality", `status == "open"`, map[string]any{"status": "dicht"}, false, false},
		{"number comparison", `bedrag > 100`, map[string]any{"bedrag": 250.0}, true, false},
		{"boolean variable", `akkoord`, map[string]any{"akkoord": true}, true, false},
		{"logical and", `a && b`, map[string]any{"a": true, "b": false}, false, false},
		{"undefined variable compares false", `onbekend == "x"`, map[string]any{}, false, false},
		{"nil variables", `1 > 2`, nil, false, false},
		{"non-bool result", `1 + 1`, nil, false, true},
		{"compile error", `1 +`, nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.condition, tt.variables)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.condition, got, tt.want)
			}
		})
	}
}

func TestExprEvaluator_cachesPrograms(t *testing.T) {
	eval := NewExprEvaluator()

	for i := 0; i < 3; i++ {
		got, err := eval.Evaluate(`n > 5`, map[string]any{"n": 10.0})
		if err != nil {
			t.Fatalf("Evaluate error: %v", err)
		}
		if !got {
			t.Error("Evaluate = false, want true")
		}
	}
	if len(eval.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(eval.cache))
	}
}
