package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#CustomType: {
	field1: string
	field2: int
}
`

	if err := sr.RegisterSchema("custom", "#CustomType", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.RegisterSchema("broken", "#X", "#X: {"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("nodef", "#Missing", "#Other: {}"); err == nil {
		t.Error("expected missing definition error")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != SchemaConfig || names[1] != SchemaManifest {
		t.Errorf("unexpected built-in schemas %v", names)
	}

	for _, name := range names {
		schema, ok := sr.GetSchema(name)
		if !ok || schema.Err() != nil {
			t.Errorf("built-in schema %s unusable: %v", name, schema.Err())
		}
	}
}

func TestSchemaRegistry_ValidateManifest(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		doc     map[string]interface{}
		wantErr bool
	}{
		{
			name: "profile with resources",
			doc: map[string]interface{}{
				"id":      "application-profile",
				"version": 4,
				"kind":    "profile",
				"app_id":  "com.example.clinic",
				"requirements": map[string]interface{}{
					"code": "platform",
					"min":  "2.1.0",
				},
				"resources": []interface{}{
					map[string]interface{}{
						"id":         "suite",
						"version":    2,
						"kind":       "suite",
						"references": []interface{}{"https://apps.example.org/suite.yaml"},
					},
				},
			},
		},
		{
			name: "opaque content",
			doc: map[string]interface{}{
				"id":      "form-a",
				"version": 1,
				"kind":    "form",
				"content": map[string]interface{}{"fields": []interface{}{"name", "age"}},
			},
		},
		{
			name:    "missing version",
			doc:     map[string]interface{}{"id": "form-a"},
			wantErr: true,
		},
		{
			name:    "negative version",
			doc:     map[string]interface{}{"id": "form-a", "version": -1},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			doc:     map[string]interface{}{"id": "form-a", "version": 1, "kind": "widget"},
			wantErr: true,
		},
		{
			name: "child without references",
			doc: map[string]interface{}{
				"id":      "suite",
				"version": 1,
				"resources": []interface{}{
					map[string]interface{}{"id": "form-a", "version": 1, "references": []interface{}{}},
				},
			},
			wantErr: true,
		},
		{
			name:    "unexpected field",
			doc:     map[string]interface{}{"id": "form-a", "version": 1, "checksum": "abc"},
			wantErr: true,
		},
		{
			name:    "bad id",
			doc:     map[string]interface{}{"id": "../etc", "version": 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaManifest, tt.doc)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "nonexistent", map[string]interface{}{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}
