package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/fieldops/fieldsync/internal/types"
)

// Limits applied to write intents.
const (
	MaxFieldNameLength   = 64
	MaxStringValueLength = 10000
	MaxFieldDepth        = 8
	MaxFieldCount        = 256
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateText runs the string checks applied to every text value.
func ValidateText(c *Collector, field, value string, max int) {
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateFields checks that a field map is JSON-shaped and within size limits.
func ValidateFields(c *Collector, prefix string, fields map[string]any) {
	if len(fields) > MaxFieldCount {
		c.Add(&ValidationError{
			Field:   prefix,
			Message: fmt.Sprintf("exceeds maximum of %d fields", MaxFieldCount),
		})
		return
	}
	for name, v := range fields {
		path := prefix + "." + name
		if strings.TrimSpace(name) == "" {
			c.Add(&ValidationError{Field: prefix, Message: "field names must not be empty"})
			continue
		}
		ValidateText(c, path, name, MaxFieldNameLength)
		validateValue(c, path, v, 1)
	}
}

func validateValue(c *Collector, path string, v any, depth int) {
	if depth > MaxFieldDepth {
		c.Add(&ValidationError{
			Field:   path,
			Message: fmt.Sprintf("exceeds maximum nesting depth of %d", MaxFieldDepth),
		})
		return
	}
	switch t := v.(type) {
	case nil, bool, float64, float32, int, int64, int32:
	case string:
		ValidateText(c, path, t, MaxStringValueLength)
	case map[string]any:
		for name, inner := range t {
			validateValue(c, path+"."+name, inner, depth+1)
		}
	case []any:
		for i, inner := range t {
			validateValue(c, fmt.Sprintf("%s[%d]", path, i), inner, depth+1)
		}
	default:
		c.Add(&ValidationError{
			Field:   path,
			Message: fmt.Sprintf("unsupported value type %T", v),
		})
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names, the way screens send them.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		in := sl.Current().Interface().(types.WriteIntent)
		if in.Action == "update" && in.Fields != nil && len(in.Fields) == 0 {
			sl.ReportError(in.Fields, "fields", "Fields", "nonempty", "")
		}
	}, types.WriteIntent{})
	return v
}

// message renders one failed tag in the wording the API returns.
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "nonempty":
		return "must contain at least one field"
	case "required", "required_if":
		return "is required"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// ValidateWriteIntent validates a screen write. An empty result means valid.
// The per-action shape is declared on types.WriteIntent; field values are
// walked here.
func ValidateWriteIntent(in types.WriteIntent) []ValidationError {
	var c Collector

	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			c.Add(&ValidationError{Field: "", Message: err.Error()})
		}
		for _, fe := range fieldErrs {
			c.Add(&ValidationError{Field: fe.Field(), Message: message(fe)})
		}
	}
	if in.ID != "" {
		ValidateText(&c, "id", in.ID, 256)
	}
	ValidateFields(&c, "fields", in.Fields)

	return c.Errors()
}
