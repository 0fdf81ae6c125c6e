package tools

import (
	"context"
	"strings"
	"testing"
)

func echoHandler(ctx context.Context, args map[string]any) (string, error) {
	s, _ := args["text"].(string)
	return s, nil
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{Handler: echoHandler})
	if err == nil {
		t.Fatal("expected error for empty tool name")
	}
}

func TestRegisterRejectsMissingHandler(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{Name: "echo"})
	if err == nil {
		t.Fatal("expected error for dispatchable tool without handler")
	}
}

func TestRegisterAllowsProviderHandledWithoutHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(GoogleSearch()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.ProviderHandled("googleSearch") {
		t.Error("googleSearch should be provider-handled")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "echo", Handler: echoHandler}
	if err := r.Register(def); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(def)
	if err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	cases := []struct {
		name   string
		schema map[string]any
	}{
		{"non-object type", map[string]any{"type": "array"}},
		{"properties not a map", map[string]any{"type": "object", "properties": []any{"x"}}},
		{"required not an array", map[string]any{"type": "object", "required": "text"}},
		{"required non-string entry", map[string]any{"type": "object", "required": []any{1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(Definition{Name: "echo", Handler: echoHandler, Schema: tc.schema})
			if err == nil {
				t.Fatal("expected schema rejection")
			}
		})
	}
}

func TestDefsFillsEmptySchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{Name: "ping", Handler: echoHandler}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	defs := r.Defs()
	if len(defs) != 1 {
		t.Fatalf("got %d defs, want 1", len(defs))
	}
	if defs[0].Parameters == nil {
		t.Fatal("nil parameters should be replaced with an empty object schema")
	}
	if defs[0].Parameters["type"] != "object" {
		t.Errorf("got type %v, want object", defs[0].Parameters["type"])
	}
}

func TestDefsIncludesProviderHandled(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ShellExec()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(GoogleSearch()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	defs := r.Defs()
	if len(defs) != 2 {
		t.Fatalf("got %d defs, want 2", len(defs))
	}
	var sawHandled bool
	for _, d := range defs {
		if d.Name == "googleSearch" && d.ProviderHandled {
			sawHandled = true
		}
	}
	if !sawHandled {
		t.Error("provider-handled tool missing from advertised declarations")
	}
}

func TestValidateArgs(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":  map[string]any{"type": "string"},
			"limit":  map[string]any{"type": "integer"},
			"score":  map[string]any{"type": "number"},
			"strict": map[string]any{"type": "boolean"},
			"tags":   map[string]any{"type": "array"},
		},
		"required": []any{"query"},
	}

	cases := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"query": "go", "limit": float64(3)}, false},
		{"missing required", map[string]any{"limit": float64(3)}, true},
		{"wrong string type", map[string]any{"query": 42}, true},
		{"non-integer number", map[string]any{"query": "go", "limit": 1.5}, true},
		{"number accepts int", map[string]any{"query": "go", "score": float64(2)}, false},
		{"boolean", map[string]any{"query": "go", "strict": true}, false},
		{"array", map[string]any{"query": "go", "tags": []any{"a"}}, false},
		{"undeclared extras pass", map[string]any{"query": "go", "other": "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateArgs(tc.args, schema)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateArgsNilSchema(t *testing.T) {
	if err := validateArgs(map[string]any{"anything": true}, nil); err != nil {
		t.Fatalf("nil schema should accept any args: %v", err)
	}
}

func TestShellExecDefinition(t *testing.T) {
	def := ShellExec()
	if def.Name != "shell_exec" {
		t.Errorf("got name %q", def.Name)
	}
	req := requiredFields(def.Schema)
	if len(req) != 1 || req[0] != "command" {
		t.Errorf("got required %v, want [command]", req)
	}

	// Validation uses the same path as model-supplied arguments.
	if err := validateArgs(map[string]any{"command": "true"}, def.Schema); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := validateArgs(map[string]any{}, def.Schema); err == nil {
		t.Error("missing command should fail validation")
	}
}

func TestProviderHandledUnknownName(t *testing.T) {
	r := NewRegistry()
	if r.ProviderHandled("nope") {
		t.Error("unknown tool reported as provider-handled")
	}
}

func TestRetainFiltersTools(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := r.Register(Definition{Name: name, Handler: echoHandler}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	// Empty filter keeps everything.
	r.Retain(nil)
	if got := len(r.Defs()); got != 3 {
		t.Fatalf("after nil filter: %d tools", got)
	}

	r.Retain([]string{"beta"})
	defs := r.Defs()
	if len(defs) != 1 || defs[0].Name != "beta" {
		t.Errorf("after filter: %+v", defs)
	}
	if _, ok := r.Get("alpha"); ok {
		t.Error("alpha survived the filter")
	}
}
