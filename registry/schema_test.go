package registry

import "testing"

func TestParamSchemaValidateRequiredMissing(t *testing.T) {
	s := ParamSchema{Fields: []FieldSpec{
		{Name: "listen", Type: FieldString, Required: true},
	}}
	errs := s.Validate(map[string]any{})
	if len(errs) != 1 || errs[0].Field != "listen" {
		t.Fatalf("errs = %v, want one error on listen", errs)
	}
}

func TestParamSchemaValidateTypesAndRanges(t *testing.T) {
	s := ParamSchema{Fields: []FieldSpec{
		{Name: "port", Type: FieldPort, Required: true},
		{Name: "host", Type: FieldHost, Required: true},
		{Name: "ttl", Type: FieldDuration, Required: false},
	}}

	cases := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"port": int64(443), "host": "example.com"}, false},
		{"valid ip host", map[string]any{"port": int64(53), "host": "1.2.3.4"}, false},
		{"port out of range", map[string]any{"port": int64(70000), "host": "example.com"}, true},
		{"port wrong type", map[string]any{"port": "443", "host": "example.com"}, true},
		{"bad host", map[string]any{"port": int64(1), "host": "not a host!!"}, true},
		{"negative duration", map[string]any{"port": int64(1), "host": "example.com", "ttl": int64(-1)}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			errs := s.Validate(c.params)
			if c.wantErr && len(errs) == 0 {
				t.Fatalf("expected a validation error, got none")
			}
			if !c.wantErr && len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestParamSchemaValidateArrayAndMap(t *testing.T) {
	s := ParamSchema{Fields: []FieldSpec{
		{Name: "rules", Type: FieldArray, Required: true},
		{Name: "meta", Type: FieldMap, Required: false},
	}}
	if errs := s.Validate(map[string]any{"rules": []any{"a"}, "meta": map[string]any{"k": "v"}}); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if errs := s.Validate(map[string]any{"rules": "not-an-array"}); len(errs) != 1 {
		t.Fatalf("expected one error for wrong array type, got %v", errs)
	}
}
