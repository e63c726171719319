package registry

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

// FieldType is the semantic type of a param field, used both to check
// the Go shape of the already-decoded value and to pick a
// govalidator check for it — a declarative, factory-authored schema in
// place of hand-checking each field on a case-by-case basis.
type FieldType uint8

const (
	FieldString FieldType = iota
	FieldInt
	FieldBytes
	FieldBool
	FieldArray
	FieldMap
	FieldHost     // hostname or IP, validated with govalidator
	FieldIP       // bare IP, validated with govalidator.IsIP
	FieldPort     // 1-65535
	FieldDuration // non-negative
)

// FieldSpec describes one field of a factory's param schema.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
}

// ParamSchema is the declarative shape a factory's param blob must
// decode into; Validate is called for every field present, Required
// fields are additionally checked for presence.
type ParamSchema struct {
	Fields []FieldSpec
}

// SchemaError reports a single field-level validation failure, the
// shape the FFI bridge surfaces as SchemaError{field,reason}.
type SchemaError struct {
	Field  string
	Reason string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

// Validate checks a decoded param map against the schema. It never
// opens a socket or file, satisfying the plugin_verify side-effect-free
// requirement.
func (s ParamSchema) Validate(params map[string]any) []SchemaError {
	var errs []SchemaError
	for _, f := range s.Fields {
		v, present := params[f.Name]
		if !present {
			if f.Required {
				errs = append(errs, SchemaError{Field: f.Name, Reason: "required field missing"})
			}
			continue
		}
		if err := validateField(f, v); err != nil {
			errs = append(errs, SchemaError{Field: f.Name, Reason: err.Error()})
		}
	}
	return errs
}

func validateField(f FieldSpec, v any) error {
	switch f.Type {
	case FieldString, FieldHost, FieldIP:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		switch f.Type {
		case FieldIP:
			if !govalidator.IsIP(s) {
				return fmt.Errorf("not a valid IP: %q", s)
			}
		case FieldHost:
			if !govalidator.IsIP(s) && !govalidator.IsDNSName(s) {
				return fmt.Errorf("not a valid host: %q", s)
			}
		}
	case FieldInt, FieldPort, FieldDuration:
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("expected integer, got %T", v)
		}
		switch f.Type {
		case FieldPort:
			if n < 1 || n > 65535 {
				return fmt.Errorf("port out of range: %d", n)
			}
		case FieldDuration:
			if n < 0 {
				return fmt.Errorf("duration must be non-negative: %d", n)
			}
		}
	case FieldBytes:
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("expected bytes, got %T", v)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case FieldArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
	case FieldMap:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected map, got %T", v)
		}
	}
	return nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
