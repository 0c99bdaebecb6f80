package builder

import (
	"fmt"
	"regexp"
)

// a json-schema-like parameter definition for one component parameter
type ParameterSchema struct {
	// string, number, integer or boolean
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Enum     []any    `json:"enum,omitempty"`
	Minimum  *float64 `json:"minimum,omitempty"`
	Maximum  *float64 `json:"maximum,omitempty"`
	// email, url or color
	Format string `json:"format,omitempty"`
}

type ValidationError struct {
	Parameter string
	Message   string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", self.Parameter, self.Message)
}

var emailFormat = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
var urlFormat = regexp.MustCompile(`^https?://\S+$`)
var colorFormat = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// checks required fields, primitive types, enum membership, numeric
// bounds and string formats. returns all violations rather than
// stopping at the first
func ValidateParameters(schemas map[string]*ParameterSchema, parameters map[string]any) []*ValidationError {
	validationErrors := []*ValidationError{}

	for name, schema := range schemas {
		value, ok := parameters[name]
		if !ok || value == nil {
			if schema.Required {
				validationErrors = append(validationErrors, &ValidationError{
					Parameter: name,
					Message:   "required parameter missing",
				})
			}
			continue
		}
		if validationError := validateValue(name, schema, value); validationError != nil {
			validationErrors = append(validationErrors, validationError)
		}
	}

	return validationErrors
}

func validateValue(name string, schema *ParameterSchema, value any) *ValidationError {
	switch schema.Type {
	case "string":
		stringValue, ok := value.(string)
		if !ok {
			return &ValidationError{
				Parameter: name,
				Message:   fmt.Sprintf("expected string, got %T", value),
			}
		}
		if validationError := validateFormat(name, schema.Format, stringValue); validationError != nil {
			return validationError
		}
	case "number", "integer":
		numberValue, ok := asNumber(value)
		if !ok {
			return &ValidationError{
				Parameter: name,
				Message:   fmt.Sprintf("expected %s, got %T", schema.Type, value),
			}
		}
		if schema.Type == "integer" && numberValue != float64(int64(numberValue)) {
			return &ValidationError{
				Parameter: name,
				Message:   "expected integer",
			}
		}
		if schema.Minimum != nil && numberValue < *schema.Minimum {
			return &ValidationError{
				Parameter: name,
				Message:   fmt.Sprintf("below minimum %v", *schema.Minimum),
			}
		}
		if schema.Maximum != nil && *schema.Maximum < numberValue {
			return &ValidationError{
				Parameter: name,
				Message:   fmt.Sprintf("above maximum %v", *schema.Maximum),
			}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &ValidationError{
				Parameter: name,
				Message:   fmt.Sprintf("expected boolean, got %T", value),
			}
		}
	}

	if 0 < len(schema.Enum) {
		found := false
		for _, enumValue := range schema.Enum {
			if equalParameterValue(enumValue, value) {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{
				Parameter: name,
				Message:   fmt.Sprintf("%v not in enum", value),
			}
		}
	}

	return nil
}

func validateFormat(name string, format string, value string) *ValidationError {
	switch format {
	case "":
		return nil
	case "email":
		if !emailFormat.MatchString(value) {
			return &ValidationError{
				Parameter: name,
				Message:   "not a valid email",
			}
		}
	case "url":
		if !urlFormat.MatchString(value) {
			return &ValidationError{
				Parameter: name,
				Message:   "not a valid url",
			}
		}
	case "color":
		if !colorFormat.MatchString(value) {
			return &ValidationError{
				Parameter: name,
				Message:   "not a valid color",
			}
		}
	}
	return nil
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func equalParameterValue(a any, b any) bool {
	if aNumber, aOk := asNumber(a); aOk {
		if bNumber, bOk := asNumber(b); bOk {
			return aNumber == bNumber
		}
		return false
	}
	return a == b
}
