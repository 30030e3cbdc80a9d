// Package form resolves the form schema bound to a user task and maps
// submitted variables onto it: unknown keys are dropped, declared types
// are coerced, and required/constraint violations are reported as
// field-level errors.
package form

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stadswerk/caseflow/model"
)

// Field type constants.
const (
	TypeString      = "string"
	TypeText        = "text"
	TypeNumber      = "number"
	TypeBool        = "bool"
	TypeDate        = "date"
	TypeSelect      = "select"
	TypeMultiselect = "multiselect"
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Resolve returns the form schema bound to the named task node. Fails
// with FORM_NOT_FOUND when the node does not exist, declares no form, or
// the form is not part of the spec.
func Resolve(spec *model.ProcessSpec, taskName string) (model.FormDefinition, error) {
	node, ok := spec.Node(taskName)
	if !ok || node.FormID == "" {
		return model.FormDefinition{}, model.NewFormNotFoundError(
			fmt.Sprintf("task %q declares no form", taskName),
		)
	}
	f, ok := spec.Form(node.FormID)
	if !ok {
		return model.FormDefinition{}, model.NewFormNotFoundError(
			fmt.Sprintf("form %q not found for task %q", node.FormID, taskName),
		)
	}
	return f, nil
}

// MapVariablesOnForm filters and coerces raw variables down to the fields
// the form declares. Unknown keys are dropped. A required field that is
// absent and has no default fails with FIELD_MISSING; type or constraint
// violations fail with VALIDATION_ERROR carrying field-level details.
func MapVariablesOnForm(f model.FormDefinition, raw map[string]any) (map[string]any, error) {
	mapped := make(map[string]any, len(f.Fields))
	var details []model.FieldError

	for _, field := range f.Fields {
		value, present := raw[field.Name]
		if !present || value == nil {
			if field.Default != nil {
				mapped[field.Name] = field.Default
				continue
			}
			if field.Required {
				return nil, model.NewFieldMissingError(field.Name)
			}
			continue
		}

		coerced, ferr := coerce(field, value)
		if ferr != nil {
			details = append(details, *ferr)
			continue
		}
		if ferr := validate(field, coerced); ferr != nil {
			details = append(details, *ferr)
			continue
		}
		mapped[field.Name] = coerced
	}

	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}
	return mapped, nil
}

// coerce converts a raw value to the field's declared type.
func coerce(field model.FieldDefinition, value any) (any, *model.FieldError) {
	switch field.Type {
	case TypeString, TypeText, TypeSelect, "":
		s, ok := value.(string)
		if !ok {
			return nil, typeError(field, "expected a string")
		}
		return s, nil

	case TypeDate:
		s, ok := value.(string)
		if !ok || !datePattern.MatchString(s) {
			return nil, typeError(field, "expected a date formatted YYYY-MM-DD")
		}
		return s, nil

	case TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, typeError(field, "expected a number")
			}
			return f, nil
		}
		return nil, typeError(field, "expected a number")

	case TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, typeError(field, "expected a boolean")
		}
		return b, nil

	case TypeMultiselect:
		items, ok := value.([]any)
		if !ok {
			return nil, typeError(field, "expected a list")
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, typeError(field, "expected a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	}

	return nil, typeError(field, fmt.Sprintf("unsupported field type %q", field.Type))
}

// validate applies select options and validation constraints.
func validate(field model.FieldDefinition, value any) *model.FieldError {
	if field.Type == TypeSelect && len(field.Options) > 0 {
		s := value.(string)
		if !optionAllowed(field.Options, s) {
			return constraintError(field, fmt.Sprintf("%q is not a valid option", s))
		}
	}
	if field.Type == TypeMultiselect && len(field.Options) > 0 {
		for _, s := range value.([]string) {
			if !optionAllowed(field.Options, s) {
				return constraintError(field, fmt.Sprintf("%q is not a valid option", s))
			}
		}
	}

	v := field.Validation
	if v == nil {
		return nil
	}

	if s, ok := value.(string); ok {
		if v.MinLength != nil && len(s) < *v.MinLength {
			return constraintError(field, fmt.Sprintf("must be at least %d characters", *v.MinLength))
		}
		if v.MaxLength != nil && len(s) > *v.MaxLength {
			return constraintError(field, fmt.Sprintf("must be at most %d characters", *v.MaxLength))
		}
		if v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err == nil && !re.MatchString(s) {
				return constraintError(field, "does not match the required pattern")
			}
		}
	}
	if n, ok := value.(float64); ok {
		if v.Min != nil && n < *v.Min {
			return constraintError(field, fmt.Sprintf("must be at least %v", *v.Min))
		}
		if v.Max != nil && n > *v.Max {
			return constraintError(field, fmt.Sprintf("must be at most %v", *v.Max))
		}
	}
	return nil
}

func optionAllowed(options []model.StaticOption, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}

func typeError(field model.FieldDefinition, msg string) *model.FieldError {
	return &model.FieldError{Field: field.Name, Code: "TYPE", Message: msg}
}

func constraintError(field model.FieldDefinition, msg string) *model.FieldError {
	v := field.Validation
	if v != nil && v.Message != "" {
		msg = v.Message
	}
	return &model.FieldError{Field: field.Name, Code: "CONSTRAINT", Message: msg}
}

// Defaults returns the declared default values of a form, used to
// pre-populate task forms for display.
func Defaults(f model.FormDefinition) map[string]any {
	out := make(map[string]any)
	for _, field := range f.Fields {
		if field.Default != nil {
			out[field.Name] = field.Default
		}
	}
	return out
}

// Describe renders a short human-readable summary of a form, used in
// completed-task descriptions.
func Describe(f model.FormDefinition) string {
	if f.Title != "" {
		return f.Title
	}
	names := make([]string, 0, len(f.Fields))
	for _, field := range f.Fields {
		names = append(names, field.Name)
	}
	return strings.Join(names, ", ")
}
