package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"strings"
	"unicode"

	"github.com/invopop/jsonschema"
)

const bindingsHeader = "// This file was generated by rpc-server-go. Do not edit.\n\n"

type procedureSchema struct {
	Kind   Kind               `json:"kind"`
	Input  *jsonschema.Schema `json:"input"`
	Result *jsonschema.Schema `json:"result"`
}

func newReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
}

func (r *Router) snapshot() (names []string, procs map[string]*Procedure) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	procs = make(map[string]*Procedure, len(r.procedures))
	for name, p := range r.procedures {
		names = append(names, name)
		procs[name] = p
	}
	sort.Strings(names)
	return names, procs
}

// ExportSchema writes a JSON document describing every procedure's kind,
// input and result as JSON Schema.
func (r *Router) ExportSchema(w io.Writer) error {
	names, procs := r.snapshot()
	ref := newReflector()

	doc := make(map[string]procedureSchema, len(names))
	for _, name := range names {
		p := procs[name]
		doc[name] = procedureSchema{
			Kind:   p.kind,
			Input:  ref.ReflectFromType(p.input),
			Result: ref.ReflectFromType(p.output),
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"procedures": doc}); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return nil
}

// ExportTypeScript writes a TypeScript declaration of the router's
// procedures, grouped by kind.
func (r *Router) ExportTypeScript(w io.Writer) error {
	names, procs := r.snapshot()
	ref := newReflector()

	groups := map[Kind][]string{}
	for _, name := range names {
		p := procs[name]
		entry := fmt.Sprintf("{ key: %s, input: %s, result: %s }",
			tsString(name),
			tsInput(ref, p.input),
			tsType(ref.ReflectFromType(p.output)))
		groups[p.kind] = append(groups[p.kind], entry)
	}

	var b strings.Builder
	b.WriteString(bindingsHeader)
	b.WriteString("export type Procedures = {\n")
	for _, g := range []struct {
		key  string
		kind Kind
	}{
		{"queries", KindQuery},
		{"mutations", KindMutation},
		{"subscriptions", KindSubscription},
	} {
		entries := groups[g.kind]
		if len(entries) == 0 {
			fmt.Fprintf(&b, "    %s: never,\n", g.key)
			continue
		}
		fmt.Fprintf(&b, "    %s:\n        %s,\n", g.key, strings.Join(entries, " |\n        "))
	}
	b.WriteString("};\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// ExportTypeScriptFile writes the TypeScript declaration to path, creating
// parent directories. The file is left untouched when its content would not
// change.
func (r *Router) ExportTypeScriptFile(path string) error {
	var buf bytes.Buffer
	if err := r.ExportTypeScript(&buf); err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, buf.Bytes()) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bindings dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write bindings: %w", err)
	}
	return nil
}

// tsInput renders an input type. A struct with no fields takes no input.
func tsInput(ref *jsonschema.Reflector, t reflect.Type) string {
	if t.Kind() == reflect.Struct && t.NumField() == 0 {
		return "never"
	}
	return tsType(ref.ReflectFromType(t))
}

func tsType(s *jsonschema.Schema) string {
	if s == nil {
		return "any"
	}
	if s.Const != nil {
		return tsLiteral(s.Const)
	}
	if len(s.Enum) > 0 {
		parts := make([]string, 0, len(s.Enum))
		for _, v := range s.Enum {
			parts = append(parts, tsLiteral(v))
		}
		return strings.Join(parts, " | ")
	}
	if alts := slices.Concat(s.OneOf, s.AnyOf); len(alts) > 0 {
		parts := make([]string, 0, len(alts))
		for _, alt := range alts {
			parts = append(parts, tsType(alt))
		}
		return strings.Join(parts, " | ")
	}

	switch s.Type {
	case "string":
		return "string"
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		return fmt.Sprintf("Array<%s>", tsType(s.Items))
	case "object":
		return tsObject(s)
	default:
		return "any"
	}
}

func tsObject(s *jsonschema.Schema) string {
	if s.Properties == nil || s.Properties.Len() == 0 {
		if s.AdditionalProperties != nil && s.AdditionalProperties != jsonschema.FalseSchema {
			return fmt.Sprintf("Record<string, %s>", tsType(s.AdditionalProperties))
		}
		return "Record<string, never>"
	}

	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	fields := make([]string, 0, s.Properties.Len())
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		opt := "?"
		if required[el.Key] {
			opt = ""
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", tsKey(el.Key), opt, tsType(el.Value)))
	}
	return "{ " + strings.Join(fields, "; ") + " }"
}

func tsKey(k string) string {
	for i, c := range k {
		ident := c == '_' || c == '$' || unicode.IsLetter(c) || (i > 0 && unicode.IsDigit(c))
		if !ident {
			return tsString(k)
		}
	}
	if k == "" {
		return `""`
	}
	return k
}

func tsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func tsLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "any"
	}
	return string(b)
}
